package psdfit

import (
	"math"
	"sort"
)

// Component is one lognormal mode. Mu and Sigma parameterize ln(d); Scale
// is the total number concentration under the mode.
type Component struct {
	Mu    float64
	Sigma float64
	Scale float64
}

// Median returns the geometric median diameter of the mode.
func (c Component) Median() float64 { return math.Exp(c.Mu) }

// Eval returns the mode's density at x.
func (c Component) Eval(x float64) float64 {
	if x <= 0 || c.Sigma == 0 {
		return 0
	}
	z := (math.Log(x) - c.Mu) / c.Sigma
	return c.Scale * math.Exp(-0.5*z*z) / (x * c.Sigma * math.Sqrt(2*math.Pi))
}

// Model is a sum of lognormal modes.
type Model []Component

// Eval returns the combined density at x.
func (m Model) Eval(x float64) float64 {
	var sum float64
	for _, c := range m {
		sum += c.Eval(x)
	}
	return sum
}

// Sorted returns the modes ordered by ascending median diameter.
func (m Model) Sorted() Model {
	out := append(Model(nil), m...)
	sort.Slice(out, func(i, j int) bool { return out[i].Mu < out[j].Mu })
	return out
}

// params flattens the model into the optimizer's parameter vector.
func (m Model) params() []float64 {
	p := make([]float64, 0, 3*len(m))
	for _, c := range m {
		p = append(p, c.Mu, c.Sigma, c.Scale)
	}
	return p
}

// modelFromParams rebuilds a model from a parameter vector. Sigma and
// Scale are taken by magnitude so the optimizer can roam freely.
func modelFromParams(p []float64) Model {
	m := make(Model, 0, len(p)/3)
	for i := 0; i+2 < len(p); i += 3 {
		m = append(m, Component{
			Mu:    p[i],
			Sigma: math.Abs(p[i+1]),
			Scale: math.Abs(p[i+2]),
		})
	}
	return m
}

// trapezoid integrates y over x.
func trapezoid(x, y []float64) float64 {
	var area float64
	for i := 1; i < len(x); i++ {
		area += (x[i] - x[i-1]) * (y[i] + y[i-1]) / 2
	}
	return area
}
