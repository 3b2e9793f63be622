package classifier

import (
	"fmt"
	"math"

	"github.com/aerosol-data/tandem/internal/units"
)

// Material holds the prefactor K and exponent D of the mass-mobility power
// law m = K * dm^D (Olfert and Rogak, 2019), with m in kg and dm in m.
type Material struct {
	K float64
	D float64
}

// Presets for common particle materials.
var (
	Water = Material{K: 523.6, D: 3}
	Soot  = Material{K: 0.0612, D: 2.48}
)

// Default exponents applied to dStar when deriving sweep bounds.
const (
	DefaultFLower = 0.85
	DefaultFUpper = 1.1
)

// RangeLaw derives a mobility-diameter sweep range from an upstream mass
// setpoint.
type RangeLaw struct {
	Material Material
	FLower   float64
	FUpper   float64
}

// NewRangeLaw fills zero exponents with the defaults and falls back to the
// water preset when no material constants are given.
func NewRangeLaw(m Material, fLower, fUpper float64) RangeLaw {
	if m.K == 0 && m.D == 0 {
		m = Water
	}
	if fLower == 0 {
		fLower = DefaultFLower
	}
	if fUpper == 0 {
		fUpper = DefaultFUpper
	}
	return RangeLaw{Material: m, FLower: fLower, FUpper: fUpper}
}

// DStar returns the mobility diameter (nm) corresponding to a mass setpoint
// (fg) under the law.
func (l RangeLaw) DStar(massFg float64) float64 {
	m := units.FemtogramsToKilograms(massFg)
	return units.MetresToNanometres(math.Pow(m/l.Material.K, 1.0/l.Material.D))
}

// Bounds returns the sweep range [dStar^FLower, dStar^FUpper] in nm for a
// mass setpoint, validating the result before it can reach a device.
func (l RangeLaw) Bounds(massFg float64) (start, end float64, err error) {
	if massFg <= 0 {
		return 0, 0, fmt.Errorf("%w: mass setpoint %g fg", ErrInvalidRange, massFg)
	}
	dStar := l.DStar(massFg)
	start = math.Pow(dStar, l.FLower)
	end = math.Pow(dStar, l.FUpper)
	if start <= 0 || end <= start || math.IsNaN(start) || math.IsNaN(end) {
		return 0, 0, fmt.Errorf("%w: computed bounds [%g, %g] nm from dStar %g nm", ErrInvalidRange, start, end, dStar)
	}
	return start, end, nil
}

// tsiSetpoints is the 3082's fixed table of commandable bin diameters (nm).
// Dynamic range bounds must be snapped onto this table before being sent as
// WSLOWERSIZE/WSUPPERSIZE indices.
var tsiSetpoints = []float64{
	1.02, 1.06, 1.09, 1.13, 1.18, 1.22, 1.26, 1.31, 1.36, 1.41, 1.46, 1.51,
	1.57, 1.63, 1.68, 1.75, 1.81, 1.88, 1.95, 2.02, 2.09, 2.17, 2.25, 2.33,
	2.41, 2.5, 2.59, 2.69, 2.79, 2.89, 3, 3.11, 3.22, 3.34, 3.46, 3.59, 3.72,
	3.85, 4, 4.14, 4.29, 4.45, 4.61, 4.78, 4.96, 5.14, 5.33, 5.52, 5.73, 5.94,
	6.15, 6.38, 6.61, 6.85, 7.1, 7.37, 7.64, 7.91, 8.2, 8.51, 8.82, 9.14, 9.47,
	9.82, 10.2, 10.6, 10.9, 11.3, 11.8, 12.2, 12.6, 13.1, 13.6, 14.1, 14.6,
	15.1, 15.7, 16.3, 16.8, 17.5, 18.1, 18.8, 19.5, 20.2, 20.9, 21.7, 22.5,
	23.3, 24.1, 25, 25.9, 26.9, 27.9, 28.9, 30, 31.1, 32.2, 33.4, 34.6, 35.9,
	37.2, 38.5, 40, 41.4, 42.9, 44.5, 46.1, 47.8, 49.6, 51.4, 53.3, 55.2, 57.3,
	59.4, 61.5, 63.8, 66.1, 68.5, 71, 73.7, 76.4, 79.1, 82, 85.1, 88.2, 91.4,
	94.7, 98.2, 102, 106, 109, 113, 118, 122, 126, 131, 136, 141, 146, 151,
	157, 163, 168, 175, 181, 188, 195, 202, 209, 217, 225, 233, 241, 250, 259,
	269, 279, 289, 300, 311, 322, 334, 346, 359, 372, 385, 400, 414, 429, 445,
	461, 478, 496, 514, 533, 552, 573, 594, 615, 638, 661, 685, 710, 737, 764,
	791, 820, 851, 882, 914, 947, 982,
}

// snapToTable maps continuous bounds (nm) onto table indices: the lower
// index is the largest bin not exceeding lower, the upper index one past the
// largest bin strictly below upper.
func snapToTable(lower, upper float64) (lo, hi int, err error) {
	lo = -1
	for i, v := range tsiSetpoints {
		if v <= lower {
			lo = i
		}
	}
	hi = -1
	for i, v := range tsiSetpoints {
		if v < upper {
			hi = i
		}
	}
	if lo < 0 || hi < 0 {
		return 0, 0, fmt.Errorf("%w: bounds [%g, %g] nm below the device setpoint table", ErrInvalidRange, lower, upper)
	}
	hi++
	if hi <= lo {
		return 0, 0, fmt.Errorf("%w: bounds [%g, %g] nm snap to an empty bin range", ErrInvalidRange, lower, upper)
	}
	return lo, hi, nil
}

// TableDiameter returns the bin diameter (nm) at a table index.
func TableDiameter(i int) float64 { return tsiSetpoints[i] }

// TableSize returns the number of entries in the 3082 setpoint table.
func TableSize() int { return len(tsiSetpoints) }
