package scan

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aerosol-data/tandem/internal/classifier"
	"github.com/aerosol-data/tandem/internal/version"
)

// Row is one measured point of a tandem scan. Bypass rows carry the counter
// reading for the reference stream; their outer fields are placeholders.
type Row struct {
	OuterIndex    int                `json:"outer_index"`
	InnerIndex    int                `json:"inner_index"`
	OuterSetpoint float64            `json:"outer_setpoint"`
	InnerSetpoint float64            `json:"inner_setpoint"`
	Conc          float64            `json:"conc"`
	Bypass        bool               `json:"bypass"`
	OuterValues   map[string]float64 `json:"outer_values,omitempty"`
	InnerValues   map[string]float64 `json:"inner_values,omitempty"`
}

// DeviceInfo describes one classifier position for the output preamble.
type DeviceInfo struct {
	Name       string
	Points     int
	FileFields []string
	Metadata   []classifier.Meta
	Scanner    bool
}

// RunInfo is everything a sink needs to label a run before rows arrive.
type RunInfo struct {
	Started     time.Time
	Bypass      bool
	Outer       DeviceInfo
	Inner       DeviceInfo
	CounterName string
}

// DataSink receives the rows of a scan as they are measured. Begin is
// called once before the first row.
type DataSink interface {
	Begin(info RunInfo) error
	WriteRow(row Row) error
	Close() error
}

// bypassPlaceholder replaces every outer-classifier field of a bypass row.
const bypassPlaceholder = "Bypassed"

// MultiSink fans rows out to several sinks. The first error wins; remaining
// sinks still see Close.
type MultiSink []DataSink

func (m MultiSink) Begin(info RunInfo) error {
	for _, s := range m {
		if err := s.Begin(info); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) WriteRow(row Row) error {
	for _, s := range m {
		if err := s.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// TSVSink writes the tab-separated raw log: a preamble identifying the
// application and devices, then one column-headed row block. Inner-
// classifier columns carry a "2" suffix to keep the two positions apart.
type TSVSink struct {
	w       *bufio.Writer
	c       io.Closer
	columns []string
	outer   []string
	inner   []string
}

// NewTSVSink creates a sink writing to w. If w is also an io.Closer it is
// closed with the sink.
func NewTSVSink(w io.Writer) *TSVSink {
	s := &TSVSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

func (s *TSVSink) Begin(info RunInfo) error {
	// Application preamble.
	s.row("tandem", "Tandem scan", "v"+version.Version,
		info.Started.Format("2006-01-02\t15:04:05"),
		"Bypass scans:", strconv.FormatBool(info.Bypass))

	// Outer classifier block.
	keys, values := metaColumns(info.Outer.Metadata)
	s.row(append([]string{"Classifier 1", "Data points", "Data length"}, keys...)...)
	s.row(append([]string{
		info.Outer.Name,
		strconv.Itoa(info.Outer.Points),
		strconv.Itoa(len(info.Outer.FileFields)),
	}, values...)...)

	// Inner classifier block. A self-scanning inner device reports its own
	// point count and range inside its metadata, so the fixed columns are
	// omitted there.
	keys, values = metaColumns(info.Inner.Metadata)
	if info.Inner.Scanner {
		s.row(append([]string{"Classifier 2"}, keys...)...)
		s.row(append([]string{info.Inner.Name}, values...)...)
	} else {
		s.row(append([]string{"Classifier 2", "Data points", "Data length"}, keys...)...)
		s.row(append([]string{
			info.Inner.Name,
			strconv.Itoa(info.Inner.Points),
			strconv.Itoa(len(info.Inner.FileFields) + 1),
		}, values...)...)
	}

	// Counter block.
	s.row("CPC")
	s.row(info.CounterName)

	// Column header for the data rows.
	s.outer = append([]string(nil), info.Outer.FileFields...)
	s.inner = append([]string(nil), info.Inner.FileFields...)
	s.columns = s.columns[:0]
	s.columns = append(s.columns, s.outer...)
	for _, f := range s.inner {
		s.columns = append(s.columns, f+"2")
	}
	s.columns = append(s.columns, "Conc ")
	s.row(s.columns...)

	return s.w.Flush()
}

func (s *TSVSink) WriteRow(row Row) error {
	if len(s.columns) == 0 {
		return fmt.Errorf("scan: sink row before Begin")
	}
	cells := make([]string, 0, len(s.columns))
	for i, f := range s.outer {
		switch {
		case row.Bypass:
			cells = append(cells, bypassPlaceholder)
		case i == 0:
			// The first file field is the classified quantity itself.
			cells = append(cells, formatValue(row.OuterSetpoint))
		default:
			cells = append(cells, formatValue(row.OuterValues[f]))
		}
	}
	for i, f := range s.inner {
		if i == 0 {
			cells = append(cells, formatValue(row.InnerSetpoint))
			continue
		}
		cells = append(cells, formatValue(row.InnerValues[f]))
	}
	cells = append(cells, formatValue(row.Conc))
	s.row(cells...)
	return s.w.Flush()
}

func (s *TSVSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

func (s *TSVSink) row(cells ...string) {
	s.w.WriteString(strings.Join(cells, "\t"))
	s.w.WriteString("\r\n")
}

func metaColumns(meta []classifier.Meta) (keys, values []string) {
	for _, m := range meta {
		keys = append(keys, m.Key)
		values = append(values, m.Value)
	}
	return keys, values
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
