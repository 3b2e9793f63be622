package config

import (
	"fmt"

	"github.com/aerosol-data/tandem/internal/bypass"
	"github.com/aerosol-data/tandem/internal/classifier"
	"github.com/aerosol-data/tandem/internal/counter"
	"github.com/aerosol-data/tandem/internal/scan"
)

// BuildOuter constructs the upstream classifier.
func (c *Config) BuildOuter() (classifier.Classifier, error) {
	return c.Outer.build(nil)
}

// BuildInner constructs the downstream classifier, wired to the power law
// when a material is configured.
func (c *Config) BuildInner() (classifier.Classifier, error) {
	var law *classifier.RangeLaw
	if c.Inner.Material != nil {
		l, err := c.Inner.Material.law()
		if err != nil {
			return nil, err
		}
		law = &l
	}
	return c.Inner.build(law)
}

func (cc *ClassifierConfig) build(law *classifier.RangeLaw) (classifier.Classifier, error) {
	link := cc.Transport.LinkConfig()
	switch cc.Type {
	case "cpma":
		return classifier.NewCPMA(link, cc.SampleFlow, cc.Resolution), nil
	case "aac":
		var scanCfg *classifier.AACScanConfig
		if cc.selfScanning() {
			scanCfg = &classifier.AACScanConfig{
				UpTime:    int(cc.Scanner.UpTime),
				Averaging: cc.Scanner.Averaging,
				Delay:     cc.Scanner.Delay,
			}
		}
		return classifier.NewAAC(link, cc.SampleFlow, cc.SheathFlow, scanCfg, law), nil
	case "tsi3080":
		return classifier.NewTSI3080(link, cc.SampleFlow, cc.SheathFlow), nil
	case "tsi3082":
		setup := classifier.TSI3082Setup{
			PositivePolarity: cc.Polarity != "negative",
		}
		var scanCfg *classifier.TSI3082ScanConfig
		if cc.selfScanning() {
			setup.HighFlow = cc.Scanner.HighFlow
			scanCfg = &classifier.TSI3082ScanConfig{
				UpTime:       cc.Scanner.UpTime,
				LowerIndex:   cc.Scanner.LowerIndex,
				UpperIndex:   cc.Scanner.UpperIndex,
				VariableBins: cc.Scanner.VariableBins,
			}
		}
		return classifier.NewTSI3082(link, cc.SampleFlow, cc.SheathFlow, setup, scanCfg, law), nil
	}
	return nil, fmt.Errorf("unsupported classifier type %q", cc.Type)
}

// Axis builds the sweep axis of a stepped classifier position.
func (cc *ClassifierConfig) Axis() (classifier.Axis, error) {
	return classifier.NewAxis(cc.Sweep.Start, cc.Sweep.End, cc.Sweep.PerDecade)
}

func (m *MaterialConfig) law() (classifier.RangeLaw, error) {
	var mat classifier.Material
	switch m.Preset {
	case "water":
		mat = classifier.Water
	case "soot":
		mat = classifier.Soot
	case "custom":
		mat = classifier.Material{K: m.K, D: m.D}
	default:
		return classifier.RangeLaw{}, fmt.Errorf("unsupported material preset %q", m.Preset)
	}
	return classifier.NewRangeLaw(mat, m.FLower, m.FUpper), nil
}

// BuildCounter constructs the particle counter.
func (c *Config) BuildCounter() (counter.Counter, error) {
	link := c.Counter.Transport.LinkConfig()
	switch c.Counter.Type {
	case "cambustion":
		return counter.NewCambustion(link), nil
	case "tsi302x":
		return counter.NewTSI(link, counter.TSI30xx), nil
	case "tsi377x":
		return counter.NewTSI(link, counter.TSI377x), nil
	case "tsi375x":
		return counter.NewTSI(link, counter.TSI375x), nil
	case "magic":
		return counter.NewMagic(link), nil
	case "synthetic":
		return counter.NewSynthetic(c.Counter.Seed), nil
	}
	return nil, fmt.Errorf("unsupported counter type %q", c.Counter.Type)
}

// BuildBypass constructs the relay controller, or a no-op when bypass
// sweeps are disabled.
func (c *Config) BuildBypass() bypass.Controller {
	if !c.Bypass.Enabled {
		return bypass.Noop{}
	}
	return bypass.NewRelay(c.Bypass.Transport.LinkConfig())
}

// ScanConfig maps the timing section onto the runner configuration.
func (c *Config) ScanConfig() scan.Config {
	return scan.Config{
		Samples:        c.Scan.Samples,
		SampleInterval: c.Scan.SampleInterval.Std(),
		SettleOuter:    c.Scan.SettleOuter.Std(),
		SettleInner:    c.Scan.SettleInner.Std(),
		Bypass:         c.Bypass.Enabled,
		PollInterval:   c.Scan.PollInterval.Std(),
	}
}
