// Package units provides shared constants and conversions for the particle
// quantities used across the scan core: classifier setpoints are expressed in
// femtograms (mass) or nanometres (diameter), while the mass-mobility law
// works in SI base units.
package units

// Quantity name constants as they appear in output column headers.
const (
	MassFg     = "Mp (fg)"
	AeroDiamNm = "Da (nm)"
	MobDiamNm  = "Dm (nm)"
)

// ValidQuantities contains all quantity labels a classifier may report.
var ValidQuantities = []string{MassFg, AeroDiamNm, MobDiamNm}

// IsValidQuantity checks if the given label is a known setpoint quantity.
func IsValidQuantity(q string) bool {
	for _, v := range ValidQuantities {
		if q == v {
			return true
		}
	}
	return false
}

// FemtogramsToKilograms converts a particle mass from femtograms to kilograms.
func FemtogramsToKilograms(fg float64) float64 {
	return fg * 1e-18
}

// MetresToNanometres converts a particle diameter from metres to nanometres.
func MetresToNanometres(m float64) float64 {
	return m * 1e9
}

// NanometresToMetres converts a particle diameter from nanometres to metres.
func NanometresToMetres(nm float64) float64 {
	return nm * 1e-9
}
