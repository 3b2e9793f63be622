package counter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aerosol-data/tandem/internal/devlink"
)

// Magic drives an ADI MAGIC water-based CPC. The instrument streams log
// lines once told to start; the concentration is the second comma field
// of each line.
type Magic struct {
	link *devlink.Link
}

// NewMagic creates a MAGIC wrapper.
func NewMagic(cfg devlink.Config) *Magic {
	cfg.Terminator = "\r\n"
	if cfg.QueryDelay == 0 {
		cfg.QueryDelay = 100 * time.Millisecond
	}
	if cfg.IsSerial() && cfg.Serial.BaudRate == 0 {
		cfg.Serial = devlink.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	}
	return &Magic{link: devlink.New(cfg)}
}

func (m *Magic) Connect() error { return m.link.Connect() }
func (m *Magic) Close()         { m.link.Disconnect() }

// StartPolling begins the instrument's log stream.
func (m *Magic) StartPolling() { m.link.Send("log,1") }

// StopPolling ends the log stream.
func (m *Magic) StopPolling() { m.link.Send("log,0") }

// Sample reads the next streamed log line.
func (m *Magic) Sample() (float64, error) {
	line := m.link.Receive()
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return 0, fmt.Errorf("counter: short log line %q", line)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return 0, fmt.Errorf("counter: log line %q: %w", line, err)
	}
	return v, nil
}

func (m *Magic) Connected() bool { return m.link.Connected() }
func (m *Magic) Name() string    { return "MAGIC" }
