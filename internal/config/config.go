// Package config loads and validates the YAML scan configuration and
// builds the configured devices.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aerosol-data/tandem/internal/devlink"
)

// Config is the root of the scan configuration file.
type Config struct {
	Scan    ScanConfig       `yaml:"scan"`
	Outer   ClassifierConfig `yaml:"classifier_1"`
	Inner   ClassifierConfig `yaml:"classifier_2"`
	Counter CounterConfig    `yaml:"counter"`
	Bypass  BypassConfig     `yaml:"bypass"`
	Output  OutputConfig     `yaml:"output"`
}

// Duration parses YAML duration strings like "30s" or "1.5m". Bare
// numbers are taken as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ScanConfig holds the timing knobs of the measurement loop.
type ScanConfig struct {
	// Samples is the number of concentration readings averaged per cell.
	Samples int `yaml:"samples"`
	// SampleInterval is the pause between readings of one cell.
	SampleInterval Duration `yaml:"sample_interval"`
	// SettleOuter and SettleInner are waited after the respective
	// classifier reports ready.
	SettleOuter Duration `yaml:"settle_outer"`
	SettleInner Duration `yaml:"settle_inner"`
	// PollInterval is the readiness polling period.
	PollInterval Duration `yaml:"poll_interval"`
}

// TransportConfig selects and parameterizes a device link. Device selects
// serial; Host/Port select TCP.
type TransportConfig struct {
	Device string              `yaml:"device"`
	Serial devlink.PortOptions `yaml:"serial"`
	Host   string              `yaml:"host"`
	Port   int                 `yaml:"port"`
}

// LinkConfig converts the transport section into a devlink configuration.
// Protocol framing is filled in by the device constructor.
func (t TransportConfig) LinkConfig() devlink.Config {
	return devlink.Config{
		Device: t.Device,
		Serial: t.Serial,
		Host:   t.Host,
		Port:   t.Port,
	}
}

func (t TransportConfig) configured() bool {
	return t.Device != "" || t.Host != ""
}

// SweepConfig describes a logarithmic setpoint axis.
type SweepConfig struct {
	Start     float64 `yaml:"start"`
	End       float64 `yaml:"end"`
	PerDecade int     `yaml:"per_decade"`
}

// MaterialConfig selects the mass-mobility power law used to track the
// inner sweep range to the outer mass setpoint.
type MaterialConfig struct {
	// Preset is "water", "soot" or "custom". Custom presets take the
	// constants from K and D.
	Preset string  `yaml:"preset"`
	K      float64 `yaml:"k"`
	D      float64 `yaml:"d"`
	FLower float64 `yaml:"f_lower"`
	FUpper float64 `yaml:"f_upper"`
}

// ScannerConfig enables a classifier's on-board scan mode.
type ScannerConfig struct {
	Enabled bool `yaml:"enabled"`
	// UpTime is the scan-up time in seconds.
	UpTime float64 `yaml:"up_time"`
	// Delay is the AAC's pre-scan delay in seconds.
	Delay float64 `yaml:"delay"`
	// Averaging is the AAC's on-board resolution averaging.
	Averaging float64 `yaml:"averaging"`
	// HighFlow selects the 3082's high detector inlet flow.
	HighFlow bool `yaml:"high_flow"`
	// LowerIndex and UpperIndex bound the 3082's size-table bins when
	// VariableBins is off.
	LowerIndex   int  `yaml:"lower_index"`
	UpperIndex   int  `yaml:"upper_index"`
	VariableBins bool `yaml:"variable_bins"`
}

// ClassifierConfig describes one classifier position.
type ClassifierConfig struct {
	// Type is one of "cpma", "aac", "tsi3080", "tsi3082".
	Type      string          `yaml:"type"`
	Transport TransportConfig `yaml:"transport"`
	Sweep     SweepConfig     `yaml:"sweep"`
	// SampleFlow in lpm.
	SampleFlow float64 `yaml:"sample_flow"`
	// SheathFlow in lpm (AAC, TSI); Resolution is the CPMA's Rm.
	SheathFlow float64 `yaml:"sheath_flow"`
	Resolution float64 `yaml:"resolution"`
	// Polarity is "positive" (default) or "negative"; 3082 only.
	Polarity string          `yaml:"polarity"`
	Material *MaterialConfig `yaml:"material"`
	Scanner  *ScannerConfig  `yaml:"scanner"`
}

// CounterConfig describes the particle counter.
type CounterConfig struct {
	// Type is one of "cambustion", "tsi302x", "tsi377x", "tsi375x",
	// "magic", "synthetic".
	Type      string          `yaml:"type"`
	Transport TransportConfig `yaml:"transport"`
	// Seed initializes the synthetic counter.
	Seed int64 `yaml:"seed"`
}

// BypassConfig enables the reference-stream relay.
type BypassConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Transport TransportConfig `yaml:"transport"`
}

// OutputConfig names the run artefacts.
type OutputConfig struct {
	// RawPath is the tab-separated raw log. A timestamped name is derived
	// when empty.
	RawPath string `yaml:"raw_path"`
	// Database is an optional sqlite archive of the run.
	Database string `yaml:"database"`
}

// maxFileSize bounds the configuration file read.
const maxFileSize = 1 << 20

// Load reads, parses, validates and normalizes a configuration file.
// Unknown keys are rejected so typos fail loudly.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	switch filepath.Ext(cleanPath) {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have a .yaml extension, got %q", filepath.Ext(cleanPath))
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Normalize fills defaults. It must only be called on a validated config.
func (c *Config) Normalize() {
	if c.Scan.Samples <= 0 {
		c.Scan.Samples = 10
	}
	if c.Scan.SampleInterval <= 0 {
		c.Scan.SampleInterval = Duration(time.Second)
	}
	if c.Scan.PollInterval <= 0 {
		c.Scan.PollInterval = Duration(time.Second)
	}
	if c.Outer.Polarity == "" {
		c.Outer.Polarity = "positive"
	}
	if c.Inner.Polarity == "" {
		c.Inner.Polarity = "positive"
	}
	if c.Output.RawPath == "" {
		c.Output.RawPath = time.Now().Format("tandem-20060102-150405.txt")
	}
}
