package psdfit

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// preambleLines is the number of header lines before the column header in
// the raw scan log.
const preambleLines = 7

// Group is the inner sweep measured at one outer setpoint.
type Group struct {
	Setpoint float64
	Dm       []float64 // mobility diameter, nm
	Conc     []float64 // concentration, #/cm3
	Pressure []float64 // atm
	Temp     []float64 // K
}

// MeanPressure returns the mean sheath pressure in atm, defaulting to
// 1 atm when the column was absent.
func (g *Group) MeanPressure() float64 {
	if len(g.Pressure) == 0 {
		return 1
	}
	return mean(g.Pressure)
}

// MeanTemp returns the mean sheath temperature in K, defaulting to
// 296.15 K when the column was absent.
func (g *Group) MeanTemp() float64 {
	if len(g.Temp) == 0 {
		return 296.15
	}
	return mean(g.Temp)
}

// Dataset is a parsed raw scan log grouped by outer setpoint.
type Dataset struct {
	OuterLabel string
	Groups     []Group
}

// ReadRawFile parses the raw scan log at path.
func ReadRawFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRaw(f)
}

// ReadRaw parses a raw scan log. Bypass rows and rows with unparseable
// setpoints or concentrations are skipped. The inner mobility diameter
// and concentration columns are required; pressure and temperature are
// optional and improve the charge correction when present.
func ReadRaw(r io.Reader) (*Dataset, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)

	for i := 0; i < preambleLines; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("psdfit: truncated preamble at line %d", i+1)
		}
	}
	if !scanner.Scan() {
		return nil, fmt.Errorf("psdfit: missing column header")
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r\n"), "\t")

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}

	outerCol, outerLabel := -1, ""
	for _, label := range []string{"Mp (fg)", "Da (nm)", "Dm (nm)"} {
		if i, ok := cols[label]; ok {
			outerCol, outerLabel = i, label
			break
		}
	}
	if outerCol == -1 {
		return nil, fmt.Errorf("psdfit: no outer setpoint column in %q", header)
	}
	dmCol, ok := cols["Dm (nm)2"]
	if !ok {
		return nil, fmt.Errorf("psdfit: no inner mobility column in %q", header)
	}
	concCol, ok := cols["Conc"]
	if !ok {
		return nil, fmt.Errorf("psdfit: no concentration column in %q", header)
	}

	// Pressure conversion depends on the inner classifier's unit.
	pressCol, pressToAtm := -1, 1.0
	if i, ok := cols["Pressure (kPa)2"]; ok {
		pressCol, pressToAtm = i, 1.0/101.325
	} else if i, ok := cols["Pressure (Pa)2"]; ok {
		pressCol, pressToAtm = i, 1.0/101325
	}
	tempCol := -1
	if i, ok := cols["Temperature (C)2"]; ok {
		tempCol = i
	}

	ds := &Dataset{OuterLabel: outerLabel}
	byOuter := map[float64]int{}
	for scanner.Scan() {
		fields := strings.Split(strings.TrimRight(scanner.Text(), "\r\n"), "\t")
		sp, err := strconv.ParseFloat(cell(fields, outerCol), 64)
		if err != nil {
			// Bypass rows carry a placeholder here.
			continue
		}
		dm, err1 := strconv.ParseFloat(cell(fields, dmCol), 64)
		conc, err2 := strconv.ParseFloat(cell(fields, concCol), 64)
		if err1 != nil || err2 != nil || math.IsNaN(dm) || math.IsNaN(conc) {
			continue
		}

		idx, ok := byOuter[sp]
		if !ok {
			idx = len(ds.Groups)
			byOuter[sp] = idx
			ds.Groups = append(ds.Groups, Group{Setpoint: sp})
		}
		g := &ds.Groups[idx]
		g.Dm = append(g.Dm, dm)
		g.Conc = append(g.Conc, conc)
		if pressCol >= 0 {
			if p, err := strconv.ParseFloat(cell(fields, pressCol), 64); err == nil {
				g.Pressure = append(g.Pressure, p*pressToAtm)
			}
		}
		if tempCol >= 0 {
			if c, err := strconv.ParseFloat(cell(fields, tempCol), 64); err == nil {
				g.Temp = append(g.Temp, c+273.15)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(ds.Groups) == 0 {
		return nil, fmt.Errorf("psdfit: no data rows")
	}
	return ds, nil
}

func cell(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
