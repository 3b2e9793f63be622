package classifier

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidRange reports a sweep range that cannot be turned into an axis:
// non-positive bounds, an inverted interval, or a non-positive density.
var ErrInvalidRange = errors.New("classifier: invalid sweep range")

// axisEpsilon guards the point-count floor against float rounding when
// log10(end/start) lands exactly on a decade boundary.
const axisEpsilon = 1e-5

// Axis is an immutable, logarithmically spaced sequence of setpoints over
// [Start, End] at PerDecade points per decade. Setpoints are strictly
// increasing and Point(0) == Start.
type Axis struct {
	Start     float64
	End       float64
	PerDecade int

	points []float64
}

// NewAxis builds an axis, validating the range before any command could be
// issued from it.
func NewAxis(start, end float64, perDecade int) (Axis, error) {
	if start <= 0 || end <= 0 {
		return Axis{}, fmt.Errorf("%w: bounds must be positive, got [%g, %g]", ErrInvalidRange, start, end)
	}
	if end <= start {
		return Axis{}, fmt.Errorf("%w: end %g must exceed start %g", ErrInvalidRange, end, start)
	}
	if perDecade <= 0 {
		return Axis{}, fmt.Errorf("%w: points per decade must be positive, got %d", ErrInvalidRange, perDecade)
	}

	count := int(math.Floor(float64(perDecade)*(math.Log10(end)-math.Log10(start))+axisEpsilon)) + 1
	step := math.Pow(10.0, 1.0/float64(perDecade))
	points := make([]float64, count)
	for i := range points {
		points[i] = start * math.Pow(step, float64(i))
	}

	return Axis{Start: start, End: end, PerDecade: perDecade, points: points}, nil
}

// Count returns the number of setpoints on the axis.
func (a Axis) Count() int { return len(a.points) }

// Point returns setpoint i, i in [0, Count).
func (a Axis) Point(i int) float64 { return a.points[i] }

// Points returns a copy of all setpoints.
func (a Axis) Points() []float64 {
	out := make([]float64, len(a.points))
	copy(out, a.points)
	return out
}
