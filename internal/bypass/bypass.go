// Package bypass switches the reference-stream valve that lets the counter
// sample around the second classifier. The valve is driven by a relay on a
// small serial board that accepts bare on/off words and never answers.
package bypass

import (
	"github.com/aerosol-data/tandem/internal/devlink"
)

// Controller toggles the bypass relay.
type Controller interface {
	Connect() error
	Close()
	Enable()
	Disable()
	Connected() bool
}

// Relay is the serial relay board (an Arduino sketch at 115200-8N1).
type Relay struct {
	link *devlink.Link
}

// NewRelay creates a relay controller.
func NewRelay(cfg devlink.Config) *Relay {
	if cfg.IsSerial() && cfg.Serial.BaudRate == 0 {
		cfg.Serial = devlink.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	}
	return &Relay{link: devlink.New(cfg)}
}

func (r *Relay) Connect() error { return r.link.Connect() }
func (r *Relay) Close()         { r.link.Disconnect() }

// Enable routes the sample stream around the second classifier. The board
// sends no acknowledgement; a dead link is only noticed on write.
func (r *Relay) Enable() { r.link.SendRaw([]byte("on")) }

// Disable restores the classified path.
func (r *Relay) Disable() { r.link.SendRaw([]byte("off")) }

func (r *Relay) Connected() bool { return r.link.Connected() }

// Noop is the controller used when bypass scanning is disabled.
type Noop struct{}

func (Noop) Connect() error  { return nil }
func (Noop) Close()          {}
func (Noop) Enable()         {}
func (Noop) Disable()        {}
func (Noop) Connected() bool { return true }
