// Package report renders the concentration surface of a finished tandem
// scan: static PNG plots for the lab notebook and a self-contained HTML
// chart for quick inspection.
package report

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/aerosol-data/tandem/internal/scan"
)

// Surface is the classified concentration matrix of one run, one slice of
// inner points per outer setpoint. Bypass rows are excluded.
type Surface struct {
	OuterLabel string
	InnerLabel string
	Outer      []float64
	Inner      [][]float64
	Conc       [][]float64
}

// FromRows groups the classified rows of a run into a surface. Rows must
// be in measurement order; bypass rows are skipped.
func FromRows(outerLabel, innerLabel string, rows []scan.Row) *Surface {
	s := &Surface{OuterLabel: outerLabel, InnerLabel: innerLabel}
	last := -1
	for _, r := range rows {
		if r.Bypass {
			continue
		}
		if r.OuterIndex != last {
			s.Outer = append(s.Outer, r.OuterSetpoint)
			s.Inner = append(s.Inner, nil)
			s.Conc = append(s.Conc, nil)
			last = r.OuterIndex
		}
		i := len(s.Outer) - 1
		s.Inner[i] = append(s.Inner[i], r.InnerSetpoint)
		s.Conc[i] = append(s.Conc[i], r.Conc)
	}
	return s
}

func (s *Surface) empty() bool { return len(s.Outer) == 0 }

// columns returns the widest inner sweep, which sizes the heatmap grid.
func (s *Surface) columns() int {
	cols := 0
	for _, row := range s.Conc {
		if len(row) > cols {
			cols = len(row)
		}
	}
	return cols
}

// surfaceGrid adapts the surface to the gonum heatmap grid. Cells are
// addressed by sweep indices so rows of unequal length still line up.
type surfaceGrid struct {
	s    *Surface
	cols int
}

func (g surfaceGrid) Dims() (int, int) { return g.cols, len(g.s.Outer) }

func (g surfaceGrid) Z(c, r int) float64 {
	row := g.s.Conc[r]
	if c >= len(row) {
		return math.NaN()
	}
	return row[c]
}

func (g surfaceGrid) X(c int) float64 { return float64(c) }
func (g surfaceGrid) Y(r int) float64 { return float64(r) }

// SaveHeatmapPNG renders the surface as a heatmap, inner sweep index
// across, outer sweep index up.
func (s *Surface) SaveHeatmapPNG(path string) error {
	if s.empty() {
		return fmt.Errorf("report: no classified rows to plot")
	}

	p := plot.New()
	p.Title.Text = "Tandem scan concentration"
	p.X.Label.Text = s.InnerLabel + " (sweep index)"
	p.Y.Label.Text = s.OuterLabel + " (sweep index)"

	hm := plotter.NewHeatMap(surfaceGrid{s: s, cols: s.columns()}, palette.Heat(16, 1))
	hm.NaN = color.Transparent
	p.Add(hm)

	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save heatmap: %w", err)
	}
	return nil
}

// SaveLinesPNG renders one concentration line per outer setpoint against
// the inner setpoint, mirroring the live view of the measurement.
func (s *Surface) SaveLinesPNG(path string) error {
	if s.empty() {
		return fmt.Errorf("report: no classified rows to plot")
	}

	p := plot.New()
	p.Title.Text = "Tandem scan distributions"
	p.X.Label.Text = s.InnerLabel
	p.Y.Label.Text = "Concentration (#/cm3)"

	colors := generateColors(len(s.Outer))
	for i := range s.Outer {
		pts := make(plotter.XYs, 0, len(s.Inner[i]))
		for j := range s.Inner[i] {
			pts = append(pts, plotter.XY{X: s.Inner[i][j], Y: s.Conc[i][j]})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s = %g", s.OuterLabel, s.Outer[i]), line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save lines: %w", err)
	}
	return nil
}

// viridis palette used by the interactive heatmap.
var viridis = []string{
	"#440154", "#482777", "#3e4989", "#31688e", "#26828e",
	"#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725",
}

// RenderHTML writes a self-contained interactive heatmap.
func (s *Surface) RenderHTML(w io.Writer) error {
	if s.empty() {
		return fmt.Errorf("report: no classified rows to plot")
	}

	cols := s.columns()
	xCats := make([]string, cols)
	for c := range xCats {
		xCats[c] = fmt.Sprintf("%d", c)
	}
	yCats := make([]string, len(s.Outer))
	maxConc := 0.0
	var data []opts.HeatMapData
	for r := range s.Outer {
		yCats[r] = fmt.Sprintf("%g", s.Outer[r])
		for c, v := range s.Conc[r] {
			if v > maxConc {
				maxConc = v
			}
			data = append(data, opts.HeatMapData{Value: [3]interface{}{c, r, v}})
		}
	}
	if maxConc == 0 {
		maxConc = 1
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Tandem scan",
			Width:     "900px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Tandem scan concentration",
			Subtitle: fmt.Sprintf("%s x %s, %d rows", s.OuterLabel, s.InnerLabel, len(data)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: s.InnerLabel + " (index)"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: yCats, Name: s.OuterLabel}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxConc),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.SetXAxis(xCats).AddSeries("concentration", data)

	if err := hm.Render(w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}

// SaveHTML renders the interactive heatmap to a file.
func (s *Surface) SaveHTML(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.RenderHTML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// generateColors spreads distinct hues over the outer setpoints.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64
	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
