package counter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aerosol-data/tandem/internal/devlink"
)

// Cambustion is the CPC bundled with Cambustion classifiers. It speaks the
// same terminal-style protocol as the CPMA and AAC but at a higher baud
// rate and without the long inter-command delay.
type Cambustion struct {
	link *devlink.Link
}

// NewCambustion creates a Cambustion CPC wrapper.
func NewCambustion(cfg devlink.Config) *Cambustion {
	cfg.Terminator = "\r\n>"
	cfg.Strip = ">"
	cfg.ConnectBytes = []byte{4}
	cfg.DisconnectBytes = []byte{13, 10, 4}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.QueryDelay == 0 {
		cfg.QueryDelay = 100 * time.Millisecond
	}
	if !cfg.IsSerial() && cfg.Port == 0 {
		cfg.Port = 23
	}
	if cfg.IsSerial() && cfg.Serial.BaudRate == 0 {
		cfg.Serial = devlink.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	}
	return &Cambustion{link: devlink.New(cfg)}
}

func (c *Cambustion) Connect() error {
	if err := c.link.Connect(); err != nil {
		return err
	}
	banner := c.link.Receive()
	if !strings.HasPrefix(banner, "Cambustion CPC") {
		c.link.Disconnect()
		return fmt.Errorf("%w: expected CPC banner, got %q", devlink.ErrConnectionRefused, banner)
	}
	return nil
}

func (c *Cambustion) Close()        { c.link.Disconnect() }
func (c *Cambustion) StartPolling() {}
func (c *Cambustion) StopPolling()  {}

func (c *Cambustion) Sample() (float64, error) {
	r := c.link.Query("GCS")
	v, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
	if err != nil {
		return 0, fmt.Errorf("counter: GCS response %q: %w", r, err)
	}
	return v, nil
}

func (c *Cambustion) Connected() bool { return c.link.Connected() }
func (c *Cambustion) Name() string    { return "Cambustion CPC" }
