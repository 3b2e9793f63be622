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

// Cambustion instruments present a terminal-style interface: responses end
// with a CR LF prompt, the prompt character echoes mid-stream, and serial
// sessions are entered with ^D. Both the CPMA and the AAC speak it.
const (
	cambustionTimeout    = 3 * time.Second
	cambustionQueryDelay = 1800 * time.Millisecond
	cambustionTerminator = "\r\n>"
)

// aacScanLineTimeout bounds one line of autonomous scan output. Scan points
// arrive at the instrument's own cadence, which can be over a minute apart.
const aacScanLineTimeout = 100 * time.Second

// CambustionLinkConfig fills the protocol constants the Cambustion terminal
// interface requires into a transport config.
func CambustionLinkConfig(cfg devlink.Config) devlink.Config {
	cfg.Terminator = cambustionTerminator
	cfg.Strip = ">"
	cfg.ConnectBytes = []byte{4}
	cfg.DisconnectBytes = []byte{13, 10, 4}
	if cfg.Timeout == 0 {
		cfg.Timeout = cambustionTimeout
	}
	if cfg.QueryDelay == 0 {
		cfg.QueryDelay = cambustionQueryDelay
	}
	if !cfg.IsSerial() && cfg.Port == 0 {
		cfg.Port = 23
	}
	if cfg.IsSerial() && cfg.Serial.BaudRate == 0 {
		cfg.Serial = devlink.PortOptions{BaudRate: 19200, DataBits: 8, StopBits: 1, Parity: "N"}
	}
	return cfg
}

// cambustion is the protocol behaviour shared by the CPMA and AAC: OK-acked
// commands, %0.4E floats, a space-separated "monitor" feedback dump, and
// explicit start/stop/Status.
type cambustion struct {
	device
	greeting      string
	setCmd        string
	condCmd       string
	condKey       string
	condUnit      string
	monitorFields []string

	flow      float64
	cond      float64
	serialNum string
}

func (c *cambustion) Connect() error {
	if err := c.link.Connect(); err != nil {
		return err
	}
	banner := c.link.Receive()
	if !matchPrefix(banner, c.greeting) {
		c.link.Disconnect()
		return fmt.Errorf("%w: expected %q banner, got %q", devlink.ErrConnectionRefused, c.greeting, banner)
	}
	return nil
}

func (c *cambustion) Initialize(axis Axis) error {
	c.setAxis(axis)
	if !c.sendFloat("SetSampleFlow", c.flow) {
		return fmt.Errorf("classifier: SetSampleFlow rejected: %q", c.LastResponse())
	}
	if !c.sendFloat(c.condCmd, c.cond) {
		return fmt.Errorf("classifier: %s rejected: %q", c.condCmd, c.LastResponse())
	}
	c.serialNum = c.link.Query("serial")
	return nil
}

func (c *cambustion) sendFloat(cmd string, v float64) bool {
	return c.sendAndCheck(fmt.Sprintf("%s %0.4E", cmd, v))
}

func (c *cambustion) sendAndCheck(cmd string) bool {
	return matchPrefix(c.link.Query(cmd), "OK")
}

func (c *cambustion) Advance() bool {
	if !c.HasMore() {
		return false
	}
	c.index++
	c.acc.reset()
	return c.sendFloat(c.setCmd, c.axis.Point(c.index))
}

func (c *cambustion) IsReady() bool {
	return matchPrefix(c.link.Query("Status"), "Running")
}

// Sample queries the monitor dump and accumulates the channels we record.
// The dump is positional: value i belongs to monitorFields[i].
func (c *cambustion) Sample() {
	r := c.link.Query("monitor")
	if r == "" {
		return
	}
	parts := strings.Split(r, " ")
	for i, name := range c.monitorFields {
		if i >= len(parts) {
			break
		}
		if !fieldRecorded(name, c.valueFields) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			monitoring.Logf("classifier: %s channel %q: unparseable feedback %q", c.greeting, name, parts[i])
			continue
		}
		c.acc.add(name, v)
	}
}

func (c *cambustion) Run() bool  { return c.sendAndCheck("start") }
func (c *cambustion) Stop() bool { return c.sendAndCheck("stop") }

// EnableBypass drives an analogue output high to switch an external bypass
// valve. The output is first forced into fixed mode.
func (c *cambustion) EnableBypass(channel int) bool {
	c.sendAndCheck(fmt.Sprintf("SetAOFunc %d 1", channel))
	return c.sendFloat(fmt.Sprintf("SetAOV %d", channel), 5.0)
}

// DisableBypass returns the analogue output to zero volts.
func (c *cambustion) DisableBypass(channel int) bool {
	c.sendAndCheck(fmt.Sprintf("SetAOFunc %d 1", channel))
	return c.sendFloat(fmt.Sprintf("SetAOV %d", channel), 0.0)
}

func (c *cambustion) Metadata() []Meta {
	return []Meta{
		{"Serial number", c.serialNum},
		{"Sample flow (lpm)", formatFloat(c.flow)},
		{c.condKey, formatFloat(c.cond)},
		{"Start (" + c.condUnit + ")", formatFloat(c.axis.Start)},
		{"End (" + c.condUnit + ")", formatFloat(c.axis.End)},
		{"Per decade", strconv.Itoa(c.axis.PerDecade)},
	}
}

// CPMA classifies by particle mass. Setpoints are in femtograms and the
// classifier resolution Rm is fixed per sweep.
type CPMA struct {
	cambustion
}

// cpmaMonitorFields is the full positional layout of the CPMA monitor dump.
// Only a handful of channels are recorded; the rest must still be present so
// positions line up.
var cpmaMonitorFields = []string{
	"Speed (rad/s)", "Voltage (V)", "HT current", "brake temp", "motor current",
	"power stage temp", "ref pressure", "Temperature (C)", "un-scaled voltage",
	"voltage PID demand", "voltage gain range", "door locked", "door closed",
	"detector 1", "detector 2", "serial detector", "AI1 V", "AI2 V", "AI3 V",
	"AO1 V", "AO2 V", "AO3 V", "run status", "motor temperature",
	"output function", "PSU voltage", "Pressure (Pa)", "outer speed feedback",
	"inner speed feedback", "vibration level", "sensor board ref voltage",
	"lock actuator position",
}

var cpmaValueFields = []string{"Speed (rad/s)", "Voltage (V)", "Pressure (Pa)", "Temperature (C)"}

// NewCPMA creates a CPMA wrapper over the given transport. flow is the
// sample flow in lpm, rm the classifier resolution.
func NewCPMA(cfg devlink.Config, flow, rm float64) *CPMA {
	link := devlink.New(CambustionLinkConfig(cfg))
	c := &CPMA{cambustion{
		device:        newDevice(link, "CPMA", units.MassFg, cpmaValueFields),
		greeting:      "Cambustion CPMA",
		setCmd:        "SetMass",
		condCmd:       "SetRm",
		condKey:       "Resolution",
		condUnit:      "fg",
		monitorFields: cpmaMonitorFields,
		flow:          flow,
		cond:          rm,
	}}
	return c
}

// aacMonitorFields is the positional layout of the AAC monitor dump.
var aacMonitorFields = []string{
	"Speed (rad/s)", "Sheath flow (lpm)", "brake temp", "motor current",
	"power stage temp", "ref pressure", "Temperature (C)", "door locked",
	"door closed", "analogue detector", "serial detector", "AI1 V", "AI2 V",
	"AI3 V", "AO1 V", "AO2 V", "AO3 V", "run status", "motor temperature",
	"main CPC", "PSU voltage", "Pressure (Pa)", "classifier speed feedback",
}

var aacValueFields = []string{"Speed (rad/s)", "Sheath flow (lpm)", "Pressure (Pa)", "Temperature (C)"}

// AACScanConfig carries the parameters of the AAC's autonomous sweep mode.
type AACScanConfig struct {
	UpTime    int     // scan-up time, seconds
	Averaging float64 // on-board resolution averaging
	Delay     float64 // pre-scan delay, seconds
}

// AAC classifies by aerodynamic diameter. It can be stepped like any other
// classifier or told to sweep autonomously, streaming one tab-separated
// line per point.
type AAC struct {
	cambustion

	scanCfg  *AACScanConfig
	law      *RangeLaw
	scanning bool
	scanConc bool
}

// NewAAC creates an AAC wrapper. scanCfg enables autonomous scanning when
// non-nil; law enables dynamic range recomputation when non-nil.
func NewAAC(cfg devlink.Config, flow, sheath float64, scanCfg *AACScanConfig, law *RangeLaw) *AAC {
	link := devlink.New(CambustionLinkConfig(cfg))
	return &AAC{
		cambustion: cambustion{
			device:        newDevice(link, "AAC", units.AeroDiamNm, aacValueFields),
			greeting:      "Cambustion AAC",
			setCmd:        "SetSize",
			condCmd:       "SetSheath",
			condKey:       "Sheath flow SP (lpm)",
			condUnit:      "nm",
			monitorFields: aacMonitorFields,
			flow:          flow,
			cond:          sheath,
		},
		scanCfg: scanCfg,
		law:     law,
	}
}

// RecomputeRange re-derives the sweep bounds from the upstream mass
// setpoint. The per-decade density is preserved.
func (a *AAC) RecomputeRange(massFg float64) error {
	if a.law == nil {
		return nil
	}
	start, end, err := a.law.Bounds(massFg)
	if err != nil {
		return err
	}
	axis, err := NewAxis(start, end, a.axis.PerDecade)
	if err != nil {
		return err
	}
	a.setAxis(axis)
	return nil
}

func (a *AAC) Run() bool {
	if a.scanCfg != nil {
		return true
	}
	return a.cambustion.Run()
}

func (a *AAC) IsReady() bool {
	if a.scanCfg != nil {
		return true
	}
	return a.cambustion.IsReady()
}

func (a *AAC) Sample() {
	if a.scanCfg != nil && a.scanning {
		return
	}
	a.cambustion.Sample()
}

func (a *AAC) Metadata() []Meta {
	meta := a.cambustion.Metadata()
	if a.scanCfg == nil {
		return meta
	}
	meta = meta[:len(meta)-1] // per-decade does not apply to autonomous scans
	return append(meta,
		Meta{"Scan Time (s)", strconv.Itoa(a.scanCfg.UpTime)},
		Meta{"Averaging", formatFloat(a.scanCfg.Averaging)},
		Meta{"Scan Delay Time (s)", formatFloat(a.scanCfg.Delay)},
	)
}

// Scanning reports whether an autonomous sweep is in progress.
func (a *AAC) SelfScanning() bool { return a.scanCfg != nil }

func (a *AAC) Scanning() bool { return a.scanning }

// StartScan commands an autonomous sweep over the current axis bounds and
// consumes the preamble up to the scan data header.
func (a *AAC) StartScan() bool {
	if a.scanCfg == nil {
		return false
	}
	a.link.Send(fmt.Sprintf("SassScan s %d %0.4E %0.4E %0.4E %0.4E %0.4E u 1",
		a.scanCfg.UpTime, a.axis.Start, a.axis.End, a.cond, a.scanCfg.Delay, a.scanCfg.Averaging))
	for {
		line := a.scanLine()
		if !matchPrefix(line, "Cambustion") {
			// The instrument rejected the scan (bad range, busy); the
			// rejection text is in lastResponse for the caller.
			return false
		}
		if strings.Contains(line, "SCAN") {
			a.scanLine() // column header
			a.scanLine() // units row
			break
		}
	}
	a.scanning = true
	return true
}

// AbortScan interrupts a running autonomous sweep with ^C.
func (a *AAC) AbortScan() {
	a.scanning = false
	a.link.SendRaw([]byte{3, 13, 10})
}

// NextBlock returns the next streamed scan point, or (nil, true) once the
// instrument reports END OF SCAN and its closing OK has been consumed.
func (a *AAC) NextBlock() ([]ScanPoint, bool) {
	if !a.scanning {
		return nil, true
	}
	line := a.scanLine()
	if line == "" {
		// No line means the link timed out or dropped. Report no progress
		// and let the caller inspect Connected rather than end the scan.
		return nil, false
	}
	cols := strings.Split(line, "\t")
	if matchPrefix(cols[0], "END OF SCAN") {
		for a.link.Connected() {
			if matchPrefix(a.scanLine(), "OK") {
				break
			}
		}
		a.scanning = false
		return nil, true
	}
	if len(cols) < 20 {
		monitoring.Logf("classifier: AAC scan line with %d columns: %q", len(cols), line)
		return nil, false
	}
	pt := ScanPoint{
		Setpoint: parseCol(cols, 2),
		Conc:     parseCol(cols, 14),
		Values: map[string]float64{
			"Speed (rad/s)":     parseCol(cols, 16),
			"Sheath flow (lpm)": parseCol(cols, 17),
			"Temperature (C)":   parseCol(cols, 18),
			"Pressure (Pa)":     parseCol(cols, 19),
		},
	}
	a.index++
	return []ScanPoint{pt}, false
}

func (a *AAC) scanLine() string {
	return a.link.ReceiveUntil("\r\n", aacScanLineTimeout)
}

func parseCol(cols []string, i int) float64 {
	if i >= len(cols) {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(cols[i]), 64)
	if err != nil {
		return 0
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
