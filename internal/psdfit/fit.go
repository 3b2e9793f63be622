package psdfit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// ErrTooFewPoints is returned when a distribution has too few valid
// points to fit.
var ErrTooFewPoints = errors.New("psdfit: too few data points")

// minPeakFraction discards local maxima below this fraction of the
// global maximum; instrument noise produces plenty of tiny bumps.
const minPeakFraction = 0.05

// FindPeaks returns the indices of the local maxima of y after 3-point
// smoothing, in ascending order and at least minSeparation bins apart.
func FindPeaks(y []float64, minSeparation int) []int {
	if len(y) < 3 {
		return nil
	}
	smooth := make([]float64, len(y))
	smooth[0] = y[0]
	smooth[len(y)-1] = y[len(y)-1]
	for i := 1; i < len(y)-1; i++ {
		smooth[i] = (y[i-1] + y[i] + y[i+1]) / 3
	}

	max := 0.0
	for _, v := range smooth {
		if v > max {
			max = v
		}
	}
	if max <= 0 {
		return nil
	}

	var peaks []int
	for i := 1; i < len(smooth)-1; i++ {
		if smooth[i] < smooth[i-1] || smooth[i] < smooth[i+1] {
			continue
		}
		if smooth[i] < minPeakFraction*max {
			continue
		}
		if n := len(peaks); n > 0 && i-peaks[n-1] < minSeparation {
			// Keep the taller of two crowded maxima.
			if smooth[i] > smooth[peaks[n-1]] {
				peaks[n-1] = i
			}
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}

// segment bounds one mode: the valleys around a peak.
type segment struct{ lo, hi int }

// segments splits the data at the minima between adjacent peaks.
func segments(y []float64, peaks []int) []segment {
	segs := make([]segment, len(peaks))
	for i := range peaks {
		lo := 0
		if i > 0 {
			lo = argminBetween(y, peaks[i-1], peaks[i])
		}
		hi := len(y) - 1
		if i < len(peaks)-1 {
			hi = argminBetween(y, peaks[i], peaks[i+1])
		}
		segs[i] = segment{lo: lo, hi: hi}
	}
	return segs
}

func argminBetween(y []float64, a, b int) int {
	min := a
	for i := a + 1; i <= b; i++ {
		if y[i] < y[min] {
			min = i
		}
	}
	return min
}

// seed builds the initial model, one component per detected peak.
func seed(x, y []float64) Model {
	peaks := FindPeaks(y, 3)
	if len(peaks) == 0 {
		// Single-component fallback over the whole distribution.
		logx := make([]float64, len(x))
		for i, v := range x {
			logx[i] = math.Log(v)
		}
		sigma := stat.StdDev(logx, nil)
		if sigma <= 0 || math.IsNaN(sigma) {
			sigma = 0.3
		}
		return Model{{
			Mu:    stat.Mean(logx, nil),
			Sigma: sigma,
			Scale: trapezoid(x, y),
		}}
	}

	m := make(Model, 0, len(peaks))
	for i, s := range segments(y, peaks) {
		xs, ys := x[s.lo:s.hi+1], y[s.lo:s.hi+1]
		m = append(m, Component{
			Mu:    math.Log(x[peaks[i]]),
			Sigma: 0.2,
			Scale: trapezoid(xs, ys),
		})
	}
	return m
}

// Fit decomposes the distribution y(x) into lognormal modes. Peaks are
// detected automatically; the combined model is then refined by
// derivative-free least squares.
func Fit(x, y []float64) (Model, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("psdfit: length mismatch %d vs %d", len(x), len(y))
	}
	// Drop invalid points up front.
	var xs, ys []float64
	for i := range x {
		if x[i] > 0 && !math.IsNaN(x[i]) && !math.IsNaN(y[i]) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	if len(xs) < 5 {
		return nil, ErrTooFewPoints
	}

	initial := seed(xs, ys)
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			m := modelFromParams(p)
			var sse float64
			for i := range xs {
				r := ys[i] - m.Eval(xs[i])
				sse += r * r
			}
			return sse
		},
	}

	settings := &optimize.Settings{
		MajorIterations: 5000,
		FuncEvaluations: 50000,
	}
	result, err := optimize.Minimize(problem, initial.params(), settings, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("psdfit: optimization failed: %w", err)
	}
	return modelFromParams(result.X).Sorted(), nil
}
