package classifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aerosol-data/tandem/internal/devlink"
	"github.com/aerosol-data/tandem/internal/monitoring"
	"github.com/aerosol-data/tandem/internal/units"
)

// TSI DMAs answer quickly and flag failures with an ERROR response rather
// than an OK ack. Floats go on the wire as plain one-decimal text.
const tsiQueryDelay = 100 * time.Millisecond

// tsi3082BlockWindow bounds a multi-line status or concentration block.
// Blocks arrive in one burst, so a short window is enough.
const tsi3082BlockWindow = 500 * time.Millisecond

// TSI3080LinkConfig fills the 3080's transport constants: a 7E1 serial
// line at 9600 baud with CR LF framed responses.
func TSI3080LinkConfig(cfg devlink.Config) devlink.Config {
	cfg.Terminator = "\r\n"
	if cfg.QueryDelay == 0 {
		cfg.QueryDelay = tsiQueryDelay
	}
	if cfg.IsSerial() && cfg.Serial.BaudRate == 0 {
		cfg.Serial = devlink.PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 1, Parity: "E"}
	}
	return cfg
}

// TSI3082LinkConfig fills the 3082's transport constants. The instrument
// listens on TCP port 3602.
func TSI3082LinkConfig(cfg devlink.Config) devlink.Config {
	cfg.Terminator = "\r\n"
	if cfg.QueryDelay == 0 {
		cfg.QueryDelay = tsiQueryDelay
	}
	if !cfg.IsSerial() && cfg.Port == 0 {
		cfg.Port = 3602
	}
	return cfg
}

// tsiDMA is the behaviour common to TSI mobility classifiers: ERROR-flagged
// failures and setpoints written as one-decimal floats.
type tsiDMA struct {
	device
	flow   float64
	sheath float64
}

func (t *tsiDMA) Connect() error { return t.link.Connect() }

func (t *tsiDMA) sendAndCheck(cmd string) bool {
	return !matchPrefix(t.link.Query(cmd), "ERROR")
}

func (t *tsiDMA) sendFloat(cmd string, v float64) bool {
	return t.sendAndCheck(fmt.Sprintf("%s%0.1f", cmd, v))
}

// TSI DMAs hold their setpoint continuously; there is no run state.
func (t *tsiDMA) Run() bool  { return true }
func (t *tsiDMA) Stop() bool { return true }

// tsi3080MonitorFields is the positional layout of the RMV dump.
var tsi3080MonitorFields = []string{
	"Dp", "Voltage (V)", "Sheath flow (lpm)", "Bypass flow", "Pressure (mbar)",
	"Temperature (C)", "Case temp", "Impactor flow", "E-mobility",
	"Control mode", "Flow mode", "Sheath status", "Bypass status", "HV status",
	"Impactor Dp", "DMA model", "Gas", "Impactor", "Dp act", "Min Dp", "Max Dp",
}

var tsi3080ValueFields = []string{"Sheath flow (lpm)", "Voltage (V)", "Temperature (C)", "Pressure (mbar)"}

// TSI3080 drives the 3080 electrostatic classifier over its serial
// command set: SPD sets the mobility diameter, SQS the sheath flow, and
// RFL reports flow and voltage status.
type TSI3080 struct {
	tsiDMA
}

// NewTSI3080 creates a 3080 wrapper. flow and sheath are in lpm.
func NewTSI3080(cfg devlink.Config, flow, sheath float64) *TSI3080 {
	link := devlink.New(TSI3080LinkConfig(cfg))
	return &TSI3080{tsiDMA{
		device: newDevice(link, "TSI 3080", units.MobDiamNm, tsi3080ValueFields),
		flow:   flow,
		sheath: sheath,
	}}
}

func (t *TSI3080) Initialize(axis Axis) error {
	t.setAxis(axis)
	if !t.sendFloat("SQS", t.sheath) {
		return fmt.Errorf("classifier: SQS rejected: %q", t.LastResponse())
	}
	return nil
}

func (t *TSI3080) Advance() bool {
	if !t.HasMore() {
		return false
	}
	t.index++
	t.acc.reset()
	return t.sendFloat("SPD", t.axis.Point(t.index))
}

// IsReady accepts the bypass flow alarm: the bypass line is not used in a
// tandem arrangement.
func (t *TSI3080) IsReady() bool {
	r := t.link.Query("RFL")
	return matchPrefix(r, "1,1,1") || matchPrefix(r, "1,0,1")
}

func (t *TSI3080) Sample() {
	r := t.link.Query("RMV")
	if r == "" {
		return
	}
	parts := strings.Split(r, ",")
	for i, name := range tsi3080MonitorFields {
		if i >= len(parts) {
			break
		}
		if !fieldRecorded(name, t.valueFields) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			monitoring.Logf("classifier: TSI 3080 channel %q: unparseable feedback %q", name, parts[i])
			continue
		}
		t.acc.add(name, v)
	}
}

func (t *TSI3080) Metadata() []Meta {
	return []Meta{
		{"Sample flow (lpm)", formatFloat(t.flow)},
		{"Sheath flow SP (lpm)", formatFloat(t.sheath)},
		{"Start (nm)", formatFloat(t.axis.Start)},
		{"End (nm)", formatFloat(t.axis.End)},
		{"Per decade", strconv.Itoa(t.axis.PerDecade)},
	}
}

// TSI3082Setup carries the one-time configuration written after connecting.
type TSI3082Setup struct {
	HighFlow         bool
	PositivePolarity bool
}

// TSI3082ScanConfig enables the 3082's on-board SMPS scan mode.
type TSI3082ScanConfig struct {
	UpTime       float64 // scan-up time, seconds
	LowerIndex   int     // discrete size-table index of the first bin
	UpperIndex   int     // discrete size-table index one past the last bin
	VariableBins bool    // derive the bin range from the upstream mass setpoint
}

// tsi3082ValueFields are the per-point channels recorded when stepping.
// The 3082 has no bulk feedback dump, so each channel is its own query.
var tsi3082ValueFields = []string{"Temperature (C)", "Pressure (kPa)"}

var tsi3082MonitorCmds = map[string]string{
	"Sheath flow SP (lpm)": "RSSHFLOW",
	"Sheath flow (lpm)":    "RMSHFLOW",
	"Voltage SP (V)":       "RSHV",
	"Voltage (V)":          "RMHV",
	"Temperature (C)":      "RMSHTEMP",
	"Pressure (kPa)":       "RMSHAP",
}

// TSI3082 drives the 3082 electrostatic classifier. It can step discrete
// setpoints like the 3080 or run the instrument's own SMPS scan, in which
// case concentrations come back as one block per sweep.
type TSI3082 struct {
	tsiDMA

	setup       TSI3082Setup
	scanCfg     *TSI3082ScanConfig
	law         *RangeLaw
	lowerIdx    int
	upperIdx    int
	scanning    bool
	blockWindow time.Duration
}

// NewTSI3082 creates a 3082 wrapper. scanCfg enables the on-board scan
// mode when non-nil; law enables dynamic bin ranging when non-nil.
func NewTSI3082(cfg devlink.Config, flow, sheath float64, setup TSI3082Setup, scanCfg *TSI3082ScanConfig, law *RangeLaw) *TSI3082 {
	link := devlink.New(TSI3082LinkConfig(cfg))
	t := &TSI3082{
		tsiDMA: tsiDMA{
			device: newDevice(link, "TSI 3082", units.MobDiamNm, tsi3082ValueFields),
			flow:   flow,
			sheath: sheath,
		},
		setup:       setup,
		scanCfg:     scanCfg,
		law:         law,
		blockWindow: tsi3082BlockWindow,
	}
	if scanCfg != nil {
		t.lowerIdx = scanCfg.LowerIndex
		t.upperIdx = scanCfg.UpperIndex
	}
	return t
}

// Connect opens the transport and writes the one-time setup. Polarity is
// always set; the scan-mode parameters only when scanning is configured.
func (t *TSI3082) Connect() error {
	if err := t.link.Connect(); err != nil {
		return err
	}
	if t.setup.PositivePolarity {
		t.sendAndCheck("WSHVPOL 0")
	} else {
		t.sendAndCheck("WSHVPOL 1")
	}
	if t.scanCfg == nil {
		return nil
	}
	if t.setup.HighFlow {
		t.sendAndCheck("WSDETINFLOW 1")
	} else {
		t.sendAndCheck("WSDETINFLOW 0")
	}
	t.sendFloat("WSSCANUPTIME ", t.scanCfg.UpTime)
	t.sendFloat("WSAEROSOLFLOW ", t.flow)
	t.sendAndCheck("WSPURGETIME 0")
	t.sendAndCheck("WSSMPSUNITS 5")
	t.sendAndCheck("WSSMPSWEIGHTS 0")
	t.sendAndCheck("RDSMPSDATA3")
	if !t.scanCfg.VariableBins {
		t.sendFloat("WSLOWERSIZE ", float64(t.lowerIdx))
		t.sendFloat("WSUPPERSIZE ", float64(t.upperIdx))
	}
	return nil
}

func (t *TSI3082) Initialize(axis Axis) error {
	t.setAxis(axis)
	if !t.sendFloat("WSSHFLOW ", t.sheath) {
		return fmt.Errorf("classifier: WSSHFLOW rejected: %q", t.LastResponse())
	}
	return nil
}

func (t *TSI3082) Advance() bool {
	if !t.HasMore() {
		return false
	}
	t.index++
	t.acc.reset()
	if t.scanCfg != nil {
		return true
	}
	return t.sendFloat("WSPARTICLEDIAM ", t.axis.Point(t.index))
}

// RecomputeRange re-derives the scan bin range from the upstream mass
// setpoint and snaps it to the instrument's discrete size table.
func (t *TSI3082) RecomputeRange(massFg float64) error {
	if t.law == nil || t.scanCfg == nil || !t.scanCfg.VariableBins {
		return nil
	}
	lower, upper, err := t.law.Bounds(massFg)
	if err != nil {
		return err
	}
	lo, hi, err := snapToTable(lower, upper)
	if err != nil {
		return err
	}
	if !t.sendFloat("WSLOWERSIZE ", float64(lo)) || !t.sendFloat("WSUPPERSIZE ", float64(hi)) {
		return fmt.Errorf("classifier: size range rejected: %q", t.LastResponse())
	}
	t.lowerIdx, t.upperIdx = lo, hi
	return nil
}

// IsReady checks sheath flow and voltage against their setpoints. The 3082
// has no single status query, so readiness is a tolerance test. Scan mode
// is always ready: the instrument sequences itself.
func (t *TSI3082) IsReady() bool {
	if t.scanCfg != nil {
		return true
	}
	ss := t.queryFloat("RSSHFLOW")
	sm := t.queryFloat("RMSHFLOW")
	vs := t.queryFloat("RSHV")
	vm := t.queryFloat("RMHV")
	return withinTolerance(ss, sm, DefaultTolerance) && withinTolerance(vs, vm, DefaultTolerance)
}

func (t *TSI3082) Sample() {
	if t.scanCfg != nil {
		return
	}
	for _, name := range t.valueFields {
		r := t.link.Query(tsi3082MonitorCmds[name])
		v, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
		if err != nil {
			monitoring.Logf("classifier: TSI 3082 channel %q: unparseable feedback %q", name, r)
			continue
		}
		t.acc.add(name, v)
	}
}

func (t *TSI3082) queryFloat(cmd string) float64 {
	r := t.link.Query(cmd)
	v, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
	if err != nil {
		monitoring.Logf("classifier: TSI 3082 %s: unparseable feedback %q", cmd, r)
		return 0
	}
	return v
}

func (t *TSI3082) queryInt(cmd string) int {
	return int(t.queryFloat(cmd))
}

func (t *TSI3082) Metadata() []Meta {
	if t.scanCfg == nil {
		return []Meta{
			{"Sample flow (lpm)", formatFloat(t.flow)},
			{"Sheath flow SP (lpm)", formatFloat(t.sheath)},
			{"Start (nm)", formatFloat(t.axis.Start)},
			{"End (nm)", formatFloat(t.axis.End)},
			{"Per decade", strconv.Itoa(t.axis.PerDecade)},
		}
	}
	lo := t.queryInt("RSLOWERSIZE")
	hi := t.queryInt("RSUPPERSIZE")
	return []Meta{
		{"Data points", strconv.Itoa(hi - lo)},
		{"Data length", strconv.Itoa(len(t.FileFields()) + 1)},
		{"Sample flow (lpm)", formatFloat(t.flow)},
		{"Sheath flow SP (lpm)", formatFloat(t.sheath)},
		{"Error status", t.link.Query("RMERRORS")},
		{"Start (nm)", formatFloat(TableDiameter(clampIndex(lo)))},
		{"End (nm)", formatFloat(TableDiameter(clampIndex(hi)))},
	}
}

// Scanning reports whether an on-board scan has been commanded and its
// data block not yet collected.
func (t *TSI3082) SelfScanning() bool { return t.scanCfg != nil }

func (t *TSI3082) Scanning() bool { return t.scanning }

// StartScan commands one on-board SMPS sweep.
func (t *TSI3082) StartScan() bool {
	if t.scanCfg == nil {
		return false
	}
	if !t.sendAndCheck("DOSCAN") {
		return false
	}
	t.scanning = true
	return true
}

// AbortScan interrupts a running on-board sweep.
func (t *TSI3082) AbortScan() {
	t.scanning = false
	t.sendAndCheck("DOABORTSCAN")
}

// NextBlock polls the instrument for scan completion. Until the scan
// finishes it returns (nil, false); once the data-ready flag is set it
// collects the whole concentration block and reports done.
func (t *TSI3082) NextBlock() ([]ScanPoint, bool) {
	if !t.scanning {
		return nil, true
	}
	if !t.dataReady() {
		return nil, false
	}
	lo := clampIndex(t.queryInt("RSLOWERSIZE"))
	hi := t.queryInt("RSUPPERSIZE")
	if hi > TableSize() {
		hi = TableSize()
	}
	t.link.Send("RDSMPSDATA4")
	conc := strings.Split(t.link.Drain(t.blockWindow), "\r\n")
	pts := make([]ScanPoint, 0, hi-lo)
	for i := lo; i < hi; i++ {
		// Concentration lines are offset by one against the size table.
		var c float64
		if i+1 < len(conc) {
			c, _ = strconv.ParseFloat(strings.TrimSpace(conc[i+1]), 64)
		}
		pts = append(pts, ScanPoint{Setpoint: TableDiameter(i), Conc: c})
	}
	t.scanning = false
	return pts, true
}

// dataReady parses the scan status block. The flag lives at a fixed
// character position of the ninth status line.
func (t *TSI3082) dataReady() bool {
	t.link.Send("RDSMPSDATA1")
	status := strings.Split(t.link.Drain(t.blockWindow), "\r\n")
	if len(status) < 9 || len(status[8]) < 12 {
		return false
	}
	return status[8][11] == '1'
}

func clampIndex(i int) int {
	if i < 0 {
		return 0
	}
	if i >= TableSize() {
		return TableSize() - 1
	}
	return i
}

func fieldRecorded(field string, recorded []string) bool {
	for _, f := range recorded {
		if f == field {
			return true
		}
	}
	return false
}
