package classifier

import (
	"github.com/aerosol-data/tandem/internal/devlink"
)

// device carries the sweep and feedback state every variant shares. Protocol
// behaviour lives in the embedding variant.
type device struct {
	link        *devlink.Link
	axis        Axis
	index       int
	acc         *accumulator
	name        string
	quantity    string
	valueFields []string
}

func newDevice(link *devlink.Link, name, quantity string, valueFields []string) device {
	return device{
		link:        link,
		index:       -1,
		acc:         newAccumulator(valueFields),
		name:        name,
		quantity:    quantity,
		valueFields: valueFields,
	}
}

func (d *device) setAxis(axis Axis) {
	d.axis = axis
	d.index = -1
	d.acc.reset()
}

func (d *device) HasMore() bool { return d.index+1 < d.axis.Count() }

func (d *device) Reset() {
	d.index = -1
	d.acc.reset()
}

func (d *device) Index() int { return d.index }

func (d *device) Count() int { return d.axis.Count() }

func (d *device) Points() []float64 { return d.axis.Points() }

// Setpoint returns the currently commanded value, or 0 before the first
// Advance.
func (d *device) Setpoint() float64 {
	if d.index < 0 || d.index >= d.axis.Count() {
		return 0
	}
	return d.axis.Point(d.index)
}

// Name identifies the device model for file headers and logs.
func (d *device) Name() string { return d.name }

func (d *device) Quantity() string { return d.quantity }

func (d *device) ValueFields() []string { return d.valueFields }

func (d *device) FileFields() []string {
	return append([]string{d.quantity}, d.valueFields...)
}

func (d *device) Averages() (map[string]float64, error) { return d.acc.averages() }

func (d *device) Connected() bool { return d.link.Connected() }

func (d *device) LastResponse() string { return d.link.LastResponse() }

func (d *device) Close() { d.link.Disconnect() }
