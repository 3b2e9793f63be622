// Package classifier implements the capability contract shared by every
// particle classifier the scan core can drive, plus the protocol variants
// for the supported device families: the Cambustion CPMA (mass setpoints)
// and AAC (aerodynamic diameter), and the TSI 3080 and 3082 DMAs (mobility
// diameter). Variants differ only in command vocabulary and response
// parsing; the orchestrator sees one interface.
package classifier

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoSamples is returned by Averages when a feedback channel has
// accumulated no samples since the last reset.
var ErrNoSamples = errors.New("classifier: no feedback samples accumulated")

// DefaultTolerance is the relative setpoint/feedback tolerance used by
// devices that lack an explicit status command. A channel at exactly the
// tolerance is not ready.
const DefaultTolerance = 0.05

// Meta is one key/value pair of device metadata for output file headers.
// Order matters, which is why metadata is a slice and not a map.
type Meta struct {
	Key   string
	Value string
}

// Classifier is the capability contract over a sweep of setpoints for one
// physical device.
type Classifier interface {
	// Connect opens the device link and verifies the device identity where
	// the protocol allows it.
	Connect() error
	// Close releases the device link. Safe to call repeatedly.
	Close()

	// Initialize builds the sweep axis and issues the device's one-time
	// setup commands (sample flow, sheath flow or resolution, polarity).
	Initialize(axis Axis) error

	// Advance moves to the next setpoint and commands it. It returns false
	// without state change when the sweep is exhausted, and false after
	// moving when the device rejects the setpoint command; callers
	// distinguish the two via HasMore before the call.
	Advance() bool
	// HasMore reports whether Advance has setpoints left to visit.
	HasMore() bool
	// Reset rewinds the sweep to the not-yet-started position.
	Reset()

	// IsReady reports whether the device has converged on the commanded
	// setpoint.
	IsReady() bool

	// Sample issues one feedback query and accumulates each returned
	// channel into its running average.
	Sample()
	// Averages returns the per-channel mean of accumulated feedback.
	Averages() (map[string]float64, error)

	// Run and Stop start and stop classification on devices that have the
	// concept; passive devices return true unconditionally.
	Run() bool
	Stop() bool

	// Metadata returns ordered device information for file headers.
	Metadata() []Meta

	// Name identifies the device model ("CPMA", "AAC", "TSI 3080", ...).
	Name() string

	// Quantity names the setpoint column ("Mp (fg)", "Da (nm)", "Dm (nm)").
	Quantity() string
	// ValueFields lists the feedback channels recorded per point.
	ValueFields() []string
	// FileFields is the quantity column followed by the value fields, in
	// output order.
	FileFields() []string

	Setpoint() float64
	Index() int
	Count() int
	Points() []float64

	// Connected reports the health of the underlying link, and
	// LastResponse the device's most recent raw reply for diagnostics.
	Connected() bool
	LastResponse() string
}

// VariableRange is implemented by inner classifiers whose sweep bounds track
// the upstream mass setpoint through the mass-mobility power law.
type VariableRange interface {
	// RecomputeRange re-derives the sweep bounds from the outer mass
	// setpoint (in femtograms) and applies them to the device.
	RecomputeRange(massFg float64) error
}

// ScanPoint is one point retrieved from a self-scanning classifier.
type ScanPoint struct {
	Setpoint float64
	Conc     float64
	Values   map[string]float64
}

// SelfScanner is implemented by classifiers that can sweep autonomously
// instead of being stepped point by point.
type SelfScanner interface {
	// SelfScanning reports whether the device is configured to sweep on
	// its own. A false value means the caller steps it like any other
	// classifier even though the capability exists.
	SelfScanning() bool
	// StartScan commands an autonomous sweep over the current axis bounds.
	StartScan() bool
	// AbortScan interrupts a running autonomous sweep.
	AbortScan()
	// NextBlock returns points accumulated since the previous call, and
	// whether the scan has finished. Streaming devices yield one point per
	// call; block devices yield nothing until completion, then everything.
	NextBlock() ([]ScanPoint, bool)
	// Scanning reports whether an autonomous sweep is in progress.
	Scanning() bool
}

// accumulator keeps a running sum and count per feedback channel.
type accumulator struct {
	fields []string
	sums   map[string]float64
	counts map[string]int
}

func newAccumulator(fields []string) *accumulator {
	a := &accumulator{fields: fields}
	a.reset()
	return a
}

func (a *accumulator) reset() {
	a.sums = make(map[string]float64, len(a.fields))
	a.counts = make(map[string]int, len(a.fields))
}

func (a *accumulator) add(field string, v float64) {
	a.sums[field] += v
	a.counts[field]++
}

func (a *accumulator) averages() (map[string]float64, error) {
	out := make(map[string]float64, len(a.fields))
	for _, f := range a.fields {
		n := a.counts[f]
		if n == 0 {
			return nil, fmt.Errorf("%w: channel %q", ErrNoSamples, f)
		}
		out[f] = a.sums[f] / float64(n)
	}
	return out, nil
}

// withinTolerance implements the readiness predicate for tolerance-gated
// channels: ready iff |setpoint-feedback|/setpoint < tol. The boundary is
// not ready, and a zero setpoint can never be ready.
func withinTolerance(setpoint, feedback, tol float64) bool {
	if setpoint == 0 {
		return false
	}
	return math.Abs(setpoint-feedback)/math.Abs(setpoint) < tol
}

// matchPrefix reports whether s begins with prefix, the ack test every
// vendor protocol in this package uses.
func matchPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
