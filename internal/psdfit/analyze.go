package psdfit

import (
	"github.com/aerosol-data/tandem/internal/monitoring"
)

// Result is one fitted mode of one outer setpoint.
type Result struct {
	Setpoint float64
	Charge   int
	MedianDm float64
	NTotal   float64
}

// Analyze fits every setpoint group of the dataset and resolves the
// multiply-charged mobility diameters. Modes are assigned descending
// charge numbers from the smallest median up, matching the appearance of
// charge multiplets in a tandem measurement. Groups that cannot be fitted
// are skipped with a log line.
func Analyze(ds *Dataset) []Result {
	var results []Result
	for i := range ds.Groups {
		g := &ds.Groups[i]
		model, err := Fit(g.Dm, g.Conc)
		if err != nil {
			monitoring.Logf("[psdfit] setpoint %g: %v", g.Setpoint, err)
			continue
		}

		p := g.MeanPressure()
		t := g.MeanTemp()
		n := len(model)
		for j, comp := range model {
			charge := n - j
			_, dm := MobilityDiameter(comp.Median(), p, t, charge)
			results = append(results, Result{
				Setpoint: g.Setpoint,
				Charge:   charge,
				MedianDm: dm,
				NTotal:   comp.Scale,
			})
		}
	}
	return results
}
