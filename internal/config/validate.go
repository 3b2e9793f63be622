package config

import (
	"fmt"
)

var classifierTypes = map[string]bool{
	"cpma":    true,
	"aac":     true,
	"tsi3080": true,
	"tsi3082": true,
}

var counterTypes = map[string]bool{
	"cambustion": true,
	"tsi302x":    true,
	"tsi377x":    true,
	"tsi375x":    true,
	"magic":      true,
	"synthetic":  true,
}

// Validate checks the configuration for declarative errors. It does not
// mutate the configuration.
func (c *Config) Validate() error {
	if err := c.Outer.validate("classifier_1"); err != nil {
		return err
	}
	if err := c.Inner.validate("classifier_2"); err != nil {
		return err
	}
	if c.Outer.Material != nil {
		return fmt.Errorf("classifier_1: material applies to classifier_2 only")
	}
	if c.Inner.Material != nil {
		if err := c.Inner.Material.validate(); err != nil {
			return fmt.Errorf("classifier_2: %w", err)
		}
	}

	if !counterTypes[c.Counter.Type] {
		return fmt.Errorf("counter: unsupported type %q", c.Counter.Type)
	}
	if c.Counter.Type != "synthetic" && !c.Counter.Transport.configured() {
		return fmt.Errorf("counter: transport required for type %q", c.Counter.Type)
	}

	if c.Bypass.Enabled && !c.Bypass.Transport.configured() {
		return fmt.Errorf("bypass: transport required when enabled")
	}

	if c.Scan.Samples < 0 {
		return fmt.Errorf("scan: samples must be positive, got %d", c.Scan.Samples)
	}
	return nil
}

func (cc *ClassifierConfig) validate(pos string) error {
	if !classifierTypes[cc.Type] {
		return fmt.Errorf("%s: unsupported type %q", pos, cc.Type)
	}
	if !cc.Transport.configured() {
		return fmt.Errorf("%s: transport required", pos)
	}
	if cc.Transport.Device != "" && cc.Transport.Host != "" {
		return fmt.Errorf("%s: transport selects both serial and network", pos)
	}

	switch cc.Polarity {
	case "", "positive", "negative":
	default:
		return fmt.Errorf("%s: polarity must be positive or negative, got %q", pos, cc.Polarity)
	}

	if cc.Scanner != nil && cc.Scanner.Enabled {
		switch cc.Type {
		case "aac", "tsi3082":
		default:
			return fmt.Errorf("%s: type %q has no on-board scan mode", pos, cc.Type)
		}
	}

	// A self-scanning 3082 with fixed bins takes its range from the bin
	// indices, every other setup needs an explicit sweep.
	if cc.selfScanning() && cc.Type == "tsi3082" {
		s := cc.Scanner
		if !s.VariableBins {
			if s.LowerIndex < 0 || s.UpperIndex <= s.LowerIndex {
				return fmt.Errorf("%s: scanner bin indices [%d, %d) are not an ascending range",
					pos, s.LowerIndex, s.UpperIndex)
			}
		}
		return nil
	}
	return cc.Sweep.validate(pos)
}

func (cc *ClassifierConfig) selfScanning() bool {
	return cc.Scanner != nil && cc.Scanner.Enabled
}

func (s SweepConfig) validate(pos string) error {
	if s.Start <= 0 || s.End <= s.Start {
		return fmt.Errorf("%s: sweep [%g, %g] is not an ascending positive range", pos, s.Start, s.End)
	}
	if s.PerDecade < 1 {
		return fmt.Errorf("%s: sweep density must be at least 1 per decade, got %d", pos, s.PerDecade)
	}
	return nil
}

func (m *MaterialConfig) validate() error {
	switch m.Preset {
	case "water", "soot":
		if m.K != 0 || m.D != 0 {
			return fmt.Errorf("material: preset %q does not take custom constants", m.Preset)
		}
	case "custom":
		if m.K <= 0 || m.D <= 0 {
			return fmt.Errorf("material: custom preset needs positive k and d")
		}
	default:
		return fmt.Errorf("material: unsupported preset %q", m.Preset)
	}
	if m.FLower < 0 || m.FUpper < 0 {
		return fmt.Errorf("material: exponents must not be negative")
	}
	if m.FLower != 0 && m.FUpper != 0 && m.FLower >= m.FUpper {
		return fmt.Errorf("material: f_lower %g must be below f_upper %g", m.FLower, m.FUpper)
	}
	return nil
}
