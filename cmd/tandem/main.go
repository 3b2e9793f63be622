// Command tandem runs a tandem classification scan from a YAML
// configuration: an outer classifier stepped across its sweep, an inner
// classifier swept at every outer point, and a particle counter averaged
// per cell. Results stream to a tab-separated raw log and optionally to a
// sqlite archive, with plots rendered at the end of the run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aerosol-data/tandem/internal/classifier"
	"github.com/aerosol-data/tandem/internal/config"
	"github.com/aerosol-data/tandem/internal/monitoring"
	"github.com/aerosol-data/tandem/internal/report"
	"github.com/aerosol-data/tandem/internal/scan"
	"github.com/aerosol-data/tandem/internal/scandb"
	"github.com/aerosol-data/tandem/internal/version"
)

var (
	configPath   = flag.String("config", "tandem.yaml", "Scan configuration file")
	rawPath      = flag.String("raw", "", "Raw log path (overrides the config)")
	archivePath  = flag.String("archive", "", "sqlite archive path (overrides the config)")
	plotDir      = flag.String("plots", "", "Directory for post-run plots (none when empty)")
	probeCounter = flag.Bool("probe-counter", false, "Take a single counter reading and exit")
	verbose      = flag.Bool("verbose", false, "Log device-level diagnostics")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if !*verbose {
		monitoring.SetLogger(nil)
	}

	if *showVersion {
		fmt.Printf("tandem %s (%s)\n", version.Version, version.GitSHA)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *rawPath != "" {
		cfg.Output.RawPath = *rawPath
	}
	if *archivePath != "" {
		cfg.Output.Database = *archivePath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *probeCounter {
		if err := probe(cfg); err != nil {
			log.Fatalf("probe: %v", err)
		}
		return
	}

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Print("scan aborted")
			os.Exit(1)
		}
		log.Fatalf("scan: %v", err)
	}
}

// probe connects the configured counter, takes one reading and prints it.
func probe(cfg *config.Config) error {
	ctr, err := cfg.BuildCounter()
	if err != nil {
		return err
	}
	if err := ctr.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", ctr.Name(), err)
	}
	defer ctr.Close()

	ctr.StartPolling()
	defer ctr.StopPolling()
	conc, err := ctr.Sample()
	if err != nil {
		return fmt.Errorf("sample %s: %w", ctr.Name(), err)
	}
	fmt.Printf("%s: %g #/cm3\n", ctr.Name(), conc)
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	outer, err := cfg.BuildOuter()
	if err != nil {
		return err
	}
	inner, err := cfg.BuildInner()
	if err != nil {
		return err
	}
	ctr, err := cfg.BuildCounter()
	if err != nil {
		return err
	}
	valve := cfg.BuildBypass()

	if err := outer.Connect(); err != nil {
		return fmt.Errorf("connect classifier 1 (%s): %w", outer.Name(), err)
	}
	log.Printf("connected classifier 1: %s", outer.Name())
	if err := inner.Connect(); err != nil {
		outer.Close()
		return fmt.Errorf("connect classifier 2 (%s): %w", inner.Name(), err)
	}
	log.Printf("connected classifier 2: %s", inner.Name())
	if err := ctr.Connect(); err != nil {
		inner.Close()
		outer.Close()
		return fmt.Errorf("connect counter (%s): %w", ctr.Name(), err)
	}
	log.Printf("connected counter: %s", ctr.Name())
	if err := valve.Connect(); err != nil {
		ctr.Close()
		inner.Close()
		outer.Close()
		return fmt.Errorf("connect bypass relay: %w", err)
	}
	defer valve.Close()

	if err := initialize(cfg, outer, inner); err != nil {
		ctr.Close()
		inner.Close()
		outer.Close()
		return err
	}

	sink, archive, runID, err := buildSink(cfg)
	if err != nil {
		ctr.Close()
		inner.Close()
		outer.Close()
		return err
	}
	if archive != nil {
		defer archive.Close()
	}

	runner := scan.NewRunner(outer, inner, ctr, valve, sink, cfg.ScanConfig())

	progress := make(chan struct{})
	go logProgress(ctx, runner, progress)

	err = runner.Run(ctx)
	close(progress)
	if err != nil {
		return err
	}

	st := runner.GetState()
	log.Printf("scan complete: %d rows in %s",
		st.RowsWritten, st.CompletedAt.Sub(*st.StartedAt).Round(time.Second))

	if *plotDir != "" {
		rows, err := scanRows(runner, archive, runID)
		if err != nil {
			log.Printf("plots: %v", err)
			return nil
		}
		if err := writePlots(*plotDir, outer.Quantity(), inner.Quantity(), rows); err != nil {
			log.Printf("plots: %v", err)
		}
	}
	return nil
}

// initialize builds each classifier's sweep axis and writes its one-time
// setup. A self-scanning inner device may run without an explicit sweep,
// in which case its axis stays empty and the scan bounds come from the
// device configuration.
func initialize(cfg *config.Config, outer, inner classifier.Classifier) error {
	axis, err := cfg.Outer.Axis()
	if err != nil {
		return fmt.Errorf("classifier 1 sweep: %w", err)
	}
	if err := outer.Initialize(axis); err != nil {
		return fmt.Errorf("initialize classifier 1: %w", err)
	}

	var innerAxis classifier.Axis
	if cfg.Inner.Sweep.Start > 0 {
		innerAxis, err = cfg.Inner.Axis()
		if err != nil {
			return fmt.Errorf("classifier 2 sweep: %w", err)
		}
	}
	if err := inner.Initialize(innerAxis); err != nil {
		return fmt.Errorf("initialize classifier 2: %w", err)
	}
	return nil
}

// buildSink assembles the raw TSV log plus the optional sqlite archive.
func buildSink(cfg *config.Config) (scan.DataSink, *scandb.DB, string, error) {
	f, err := os.Create(cfg.Output.RawPath)
	if err != nil {
		return nil, nil, "", fmt.Errorf("create raw log: %w", err)
	}
	log.Printf("raw log: %s", cfg.Output.RawPath)

	sinks := scan.MultiSink{scan.NewTSVSink(f)}
	if cfg.Output.Database == "" {
		return sinks, nil, "", nil
	}
	db, err := scandb.Open(cfg.Output.Database)
	if err != nil {
		f.Close()
		return nil, nil, "", fmt.Errorf("open archive: %w", err)
	}
	archive := db.NewSink()
	log.Printf("archive: %s (run %s)", cfg.Output.Database, archive.RunID())
	return append(sinks, archive), db, archive.RunID(), nil
}

// logProgress prints phase transitions while the scan runs.
func logProgress(ctx context.Context, runner *scan.Runner, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := scan.PhaseIdle
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := runner.GetState()
			if st.Phase != last {
				log.Printf("phase %s (outer %d/%d, %d rows)",
					st.Phase, st.OuterIndex+1, st.OuterCount, st.RowsWritten)
				last = st.Phase
			}
		}
	}
}

// scanRows returns the classified rows for plotting, preferring the
// archive copy when one was written.
func scanRows(runner *scan.Runner, archive *scandb.DB, runID string) ([]scan.Row, error) {
	if archive != nil {
		return archive.Rows(runID)
	}
	matrix := runner.Matrix()
	var rows []scan.Row
	for i, concs := range matrix {
		for j, conc := range concs {
			rows = append(rows, scan.Row{OuterIndex: i, InnerIndex: j, Conc: conc,
				OuterSetpoint: float64(i), InnerSetpoint: float64(j)})
		}
	}
	return rows, nil
}

// writePlots renders the concentration surface next to the raw log.
func writePlots(dir, outerLabel, innerLabel string, rows []scan.Row) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	s := report.FromRows(outerLabel, innerLabel, rows)

	stamp := time.Now().Format("20060102-150405")
	if err := s.SaveHeatmapPNG(filepath.Join(dir, "heatmap-"+stamp+".png")); err != nil {
		return err
	}
	if err := s.SaveLinesPNG(filepath.Join(dir, "lines-"+stamp+".png")); err != nil {
		return err
	}
	return s.SaveHTML(filepath.Join(dir, "heatmap-"+stamp+".html"))
}
