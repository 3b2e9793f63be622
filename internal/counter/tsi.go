package counter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aerosol-data/tandem/internal/devlink"
)

// TSIModel selects the transport parameters of a TSI CPC. All models share
// the RD concentration query.
type TSIModel int

const (
	// TSI30xx covers the 3022 and 3025 butanol counters (7E1 serial).
	TSI30xx TSIModel = iota
	// TSI377x covers the 3775 and 3776 (8N1 serial at 115200).
	TSI377x
	// TSI375x covers the 3750 family (TCP 3603 or 8N1 serial).
	TSI375x
)

func (m TSIModel) String() string {
	switch m {
	case TSI30xx:
		return "TSI 3022/25"
	case TSI377x:
		return "TSI 3775/76"
	case TSI375x:
		return "TSI 375x"
	}
	return "TSI CPC"
}

// TSI drives a TSI condensation particle counter.
type TSI struct {
	link  *devlink.Link
	model TSIModel
}

// NewTSI creates a TSI CPC wrapper for the given model.
func NewTSI(cfg devlink.Config, model TSIModel) *TSI {
	cfg.Terminator = "\r\n"
	if cfg.QueryDelay == 0 {
		cfg.QueryDelay = 100 * time.Millisecond
	}
	if cfg.IsSerial() && cfg.Serial.BaudRate == 0 {
		switch model {
		case TSI30xx:
			cfg.Serial = devlink.PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 1, Parity: "E"}
		default:
			cfg.Serial = devlink.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
		}
	}
	if !cfg.IsSerial() && cfg.Port == 0 && model == TSI375x {
		cfg.Port = 3603
	}
	return &TSI{link: devlink.New(cfg), model: model}
}

func (t *TSI) Connect() error { return t.link.Connect() }
func (t *TSI) Close()         { t.link.Disconnect() }
func (t *TSI) StartPolling()  {}
func (t *TSI) StopPolling()   {}

func (t *TSI) Sample() (float64, error) {
	r := t.link.Query("RD")
	v, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
	if err != nil {
		return 0, fmt.Errorf("counter: RD response %q: %w", r, err)
	}
	return v, nil
}

func (t *TSI) Connected() bool { return t.link.Connected() }
func (t *TSI) Name() string    { return t.model.String() }
