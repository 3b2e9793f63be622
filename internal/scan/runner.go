// Package scan drives a tandem classification measurement: an outer
// classifier stepped across its sweep axis, an inner classifier swept (or
// self-scanned) at every outer setpoint, and a particle counter averaged at
// each matrix cell. Rows stream to a DataSink as they are measured.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aerosol-data/tandem/internal/bypass"
	"github.com/aerosol-data/tandem/internal/classifier"
	"github.com/aerosol-data/tandem/internal/counter"
	"github.com/aerosol-data/tandem/internal/monitoring"
)

var (
	// ErrAlreadyRunning is returned by Start when a scan is in progress.
	ErrAlreadyRunning = errors.New("scan: already running")
	// ErrCommandRejected means a device refused a sweep command; the
	// device's reply is attached for diagnostics.
	ErrCommandRejected = errors.New("scan: device rejected command")
	// ErrLinkLost means a device link dropped mid-scan.
	ErrLinkLost = errors.New("scan: device link lost")
)

// Phase identifies where in the measurement sequence the runner is.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseWaitOuter    Phase = "wait_outer_ready"
	PhaseSettleOuter  Phase = "settle_outer"
	PhaseInnerSweep   Phase = "inner_sweep"
	PhaseInnerScan    Phase = "autonomous_inner_scan"
	PhaseBypass       Phase = "bypass_transition"
	PhaseComplete     Phase = "complete"
	PhaseAborted      Phase = "aborted"
)

// State is a snapshot of scan progress for status reporting.
type State struct {
	Phase       Phase      `json:"phase"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	OuterIndex  int        `json:"outer_index"`
	OuterCount  int        `json:"outer_count"`
	InnerIndex  int        `json:"inner_index"`
	RowsWritten int        `json:"rows_written"`
	Error       string     `json:"error,omitempty"`
	LastRow     *Row       `json:"last_row,omitempty"`
}

// Config holds the scan timing and behaviour knobs.
type Config struct {
	// Samples is the number of counter readings averaged per matrix cell.
	Samples int
	// SampleInterval is the pause between successive readings of one cell.
	SampleInterval time.Duration
	// SettleOuter and SettleInner are waited after the respective device
	// reports ready, before sampling begins.
	SettleOuter time.Duration
	SettleInner time.Duration
	// Bypass enables the reference sweeps around the classified matrix.
	Bypass bool
	// PollInterval is the readiness/scan-progress polling period.
	PollInterval time.Duration
}

func (c *Config) normalize() {
	if c.Samples <= 0 {
		c.Samples = 1
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Runner executes one tandem scan over connected, initialized devices.
type Runner struct {
	outer classifier.Classifier
	inner classifier.Classifier
	ctr   counter.Counter
	valve bypass.Controller
	sink  DataSink
	cfg   Config

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	matrix [][]float64
}

// NewRunner wires a runner from its devices. The valve may be a
// bypass.Noop when no reference sweeps are wanted.
func NewRunner(outer, inner classifier.Classifier, ctr counter.Counter, valve bypass.Controller, sink DataSink, cfg Config) *Runner {
	cfg.normalize()
	return &Runner{
		outer: outer,
		inner: inner,
		ctr:   ctr,
		valve: valve,
		sink:  sink,
		cfg:   cfg,
		state: State{Phase: PhaseIdle},
	}
}

// GetState returns a copy of the current scan state.
func (r *Runner) GetState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.state
	if r.state.LastRow != nil {
		row := *r.state.LastRow
		s.LastRow = &row
	}
	return s
}

// Matrix returns the concentration matrix accumulated so far, one slice per
// classified outer point.
func (r *Runner) Matrix() [][]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][]float64, len(r.matrix))
	for i, row := range r.matrix {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Start launches the scan in the background. Use Run for synchronous
// execution.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("[scan] run failed: %v", err)
		}
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
	}()
	return nil
}

// Stop cancels a background scan started with Start. It reports whether a
// scan was running.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	r.cancel = nil
	return true
}

// Run executes the scan to completion or first failure. Devices and the
// sink are released before it returns, counter first, then the inner and
// outer classifiers.
func (r *Runner) Run(ctx context.Context) error {
	now := time.Now()
	r.mu.Lock()
	r.state = State{
		Phase:      PhaseInitializing,
		StartedAt:  &now,
		OuterCount: r.outer.Count(),
	}
	r.matrix = nil
	r.mu.Unlock()

	err := r.run(ctx)
	r.release()

	done := time.Now()
	r.mu.Lock()
	r.state.CompletedAt = &done
	switch {
	case err == nil:
		r.state.Phase = PhaseComplete
	case errors.Is(err, context.Canceled):
		r.state.Phase = PhaseAborted
		r.state.Error = "canceled"
	default:
		r.state.Phase = PhaseAborted
		r.state.Error = err.Error()
	}
	r.mu.Unlock()
	return err
}

func (r *Runner) run(ctx context.Context) error {
	if !r.outer.Run() {
		return fmt.Errorf("%w: classifier 1 run: %q", ErrCommandRejected, r.outer.LastResponse())
	}
	if !r.inner.Run() {
		return fmt.Errorf("%w: classifier 2 run: %q", ErrCommandRejected, r.inner.LastResponse())
	}

	info := RunInfo{
		Started:     time.Now(),
		Bypass:      r.cfg.Bypass,
		Outer:       deviceInfo(r.outer),
		Inner:       deviceInfo(r.inner),
		CounterName: r.ctr.Name(),
	}
	if err := r.sink.Begin(info); err != nil {
		return fmt.Errorf("scan: sink begin: %w", err)
	}

	monitoring.Logf("[scan] starting: %d outer points, %d samples per cell",
		r.outer.Count(), r.cfg.Samples)

	// The outer classifier stays uncommanded until the opening bypass
	// sweep has finished.
	if r.cfg.Bypass {
		if err := r.bypassPass(ctx); err != nil {
			return err
		}
	}
	if !r.outer.Advance() {
		return fmt.Errorf("%w: classifier 1 setpoint: %q", ErrCommandRejected, r.outer.LastResponse())
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.setPhase(PhaseWaitOuter)
		r.setOuterIndex(r.outer.Index())
		monitoring.Logf("[scan] outer point %d/%d: %s = %g",
			r.outer.Index()+1, r.outer.Count(), r.outer.Quantity(), r.outer.Setpoint())

		if err := r.waitReady(ctx, r.outer, "classifier 1"); err != nil {
			return err
		}
		r.setPhase(PhaseSettleOuter)
		if err := sleepCtx(ctx, r.cfg.SettleOuter); err != nil {
			return err
		}

		if vr, ok := r.inner.(classifier.VariableRange); ok {
			if err := vr.RecomputeRange(r.outer.Setpoint()); err != nil {
				return fmt.Errorf("scan: inner range for %g: %w", r.outer.Setpoint(), err)
			}
		}

		if err := r.innerPass(ctx, false); err != nil {
			return err
		}

		if !r.outer.HasMore() {
			break
		}
		if !r.outer.Advance() {
			return fmt.Errorf("%w: classifier 1 setpoint: %q", ErrCommandRejected, r.outer.LastResponse())
		}
	}

	if r.cfg.Bypass {
		if err := r.bypassPass(ctx); err != nil {
			return err
		}
	}
	monitoring.Logf("[scan] complete: %d rows", r.GetState().RowsWritten)
	return nil
}

// bypassPass routes the aerosol around the outer classifier and sweeps the
// inner device once to record the unclassified distribution.
func (r *Runner) bypassPass(ctx context.Context) error {
	r.setPhase(PhaseBypass)
	monitoring.Logf("[scan] bypass sweep")
	r.valve.Enable()
	if err := sleepCtx(ctx, r.cfg.SettleOuter); err != nil {
		r.valve.Disable()
		return err
	}
	err := r.innerPass(ctx, true)
	r.valve.Disable()
	return err
}

// innerPass sweeps the inner classifier once at the current outer
// condition and records a row per inner point.
func (r *Runner) innerPass(ctx context.Context, bypassed bool) error {
	r.inner.Reset()
	if ss, ok := r.inner.(classifier.SelfScanner); ok && ss.SelfScanning() {
		return r.autonomousPass(ctx, ss, bypassed)
	}
	r.setPhase(PhaseInnerSweep)

	if !r.inner.Advance() {
		return fmt.Errorf("%w: classifier 2 setpoint: %q", ErrCommandRejected, r.inner.LastResponse())
	}
	var concs []float64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.setInnerIndex(r.inner.Index())

		if err := r.waitReady(ctx, r.inner, "classifier 2"); err != nil {
			return err
		}
		if err := sleepCtx(ctx, r.cfg.SettleInner); err != nil {
			return err
		}

		row, err := r.measureCell(ctx, bypassed)
		if err != nil {
			return err
		}
		if err := r.record(row); err != nil {
			return err
		}
		concs = append(concs, row.Conc)

		if !r.inner.HasMore() {
			break
		}
		if !r.inner.Advance() {
			return fmt.Errorf("%w: classifier 2 setpoint: %q", ErrCommandRejected, r.inner.LastResponse())
		}
	}
	if !bypassed {
		r.appendMatrixRow(concs)
	}
	return nil
}

// autonomousPass hands the sweep to a self-scanning inner classifier and
// drains its points as they arrive. The outer classifier's feedback is
// sampled once per drained point so classified rows carry its averages.
func (r *Runner) autonomousPass(ctx context.Context, ss classifier.SelfScanner, bypassed bool) error {
	r.setPhase(PhaseInnerScan)
	if !ss.StartScan() {
		return fmt.Errorf("%w: classifier 2 scan start: %q", ErrCommandRejected, r.inner.LastResponse())
	}
	var concs []float64
	idx := 0
	for {
		if err := ctx.Err(); err != nil {
			ss.AbortScan()
			return err
		}
		pts, done := ss.NextBlock()
		for _, p := range pts {
			if !bypassed {
				r.outer.Sample()
			}
			row := Row{
				OuterIndex:    r.outer.Index(),
				InnerIndex:    idx,
				OuterSetpoint: r.outer.Setpoint(),
				InnerSetpoint: p.Setpoint,
				Conc:          p.Conc,
				Bypass:        bypassed,
				InnerValues:   p.Values,
			}
			if !bypassed {
				row.OuterValues = averagesOrEmpty(r.outer)
			}
			r.setInnerIndex(idx)
			if err := r.record(row); err != nil {
				return err
			}
			concs = append(concs, p.Conc)
			idx++
		}
		if done {
			break
		}
		if len(pts) == 0 {
			if !r.inner.Connected() {
				return fmt.Errorf("%w: classifier 2", ErrLinkLost)
			}
			if err := sleepCtx(ctx, r.cfg.PollInterval); err != nil {
				ss.AbortScan()
				return err
			}
		}
	}
	if !bypassed {
		r.appendMatrixRow(concs)
	}
	return nil
}

// measureCell averages the counter over the configured sample count while
// sampling both classifiers' feedback channels.
func (r *Runner) measureCell(ctx context.Context, bypassed bool) (Row, error) {
	r.ctr.StartPolling()
	defer r.ctr.StopPolling()

	var conc float64
	for i := 0; i < r.cfg.Samples; i++ {
		if !bypassed {
			r.outer.Sample()
		}
		r.inner.Sample()
		c, err := r.ctr.Sample()
		if err != nil {
			return Row{}, fmt.Errorf("%w: counter: %v", ErrLinkLost, err)
		}
		conc += c
		if i < r.cfg.Samples-1 {
			if err := sleepCtx(ctx, r.cfg.SampleInterval); err != nil {
				return Row{}, err
			}
		}
	}
	conc /= float64(r.cfg.Samples)

	row := Row{
		OuterIndex:    r.outer.Index(),
		InnerIndex:    r.inner.Index(),
		OuterSetpoint: r.outer.Setpoint(),
		InnerSetpoint: r.inner.Setpoint(),
		Conc:          conc,
		Bypass:        bypassed,
		InnerValues:   averagesOrEmpty(r.inner),
	}
	if !bypassed {
		row.OuterValues = averagesOrEmpty(r.outer)
	}
	return row, nil
}

func (r *Runner) record(row Row) error {
	if err := r.sink.WriteRow(row); err != nil {
		return fmt.Errorf("scan: sink row: %w", err)
	}
	r.mu.Lock()
	r.state.RowsWritten++
	r.state.LastRow = &row
	r.mu.Unlock()
	return nil
}

// waitReady polls a classifier until it converges on its setpoint. There is
// no timeout; a slow device is waited out as long as its link holds.
func (r *Runner) waitReady(ctx context.Context, c classifier.Classifier, name string) error {
	for !c.IsReady() {
		if !c.Connected() {
			return fmt.Errorf("%w: %s", ErrLinkLost, name)
		}
		if err := sleepCtx(ctx, r.cfg.PollInterval); err != nil {
			return err
		}
	}
	return nil
}

// release shuts the run down in dependency order: the sink first so the
// file is complete, then the counter, then the classifiers.
func (r *Runner) release() {
	if err := r.sink.Close(); err != nil {
		monitoring.Logf("[scan] sink close: %v", err)
	}
	r.ctr.StopPolling()
	r.ctr.Close()
	r.inner.Stop()
	r.inner.Close()
	r.outer.Stop()
	r.outer.Close()
}

func (r *Runner) setPhase(p Phase) {
	r.mu.Lock()
	r.state.Phase = p
	r.mu.Unlock()
}

func (r *Runner) setOuterIndex(i int) {
	r.mu.Lock()
	r.state.OuterIndex = i
	r.mu.Unlock()
}

func (r *Runner) setInnerIndex(i int) {
	r.mu.Lock()
	r.state.InnerIndex = i
	r.mu.Unlock()
}

func (r *Runner) appendMatrixRow(concs []float64) {
	r.mu.Lock()
	r.matrix = append(r.matrix, concs)
	r.mu.Unlock()
}

func deviceInfo(c classifier.Classifier) DeviceInfo {
	info := DeviceInfo{
		Name:       c.Name(),
		Points:     c.Count(),
		FileFields: c.FileFields(),
		Metadata:   c.Metadata(),
	}
	if ss, ok := c.(classifier.SelfScanner); ok {
		info.Scanner = ss.SelfScanning()
	}
	return info
}

func averagesOrEmpty(c classifier.Classifier) map[string]float64 {
	vals, err := c.Averages()
	if err != nil {
		return map[string]float64{}
	}
	return vals
}

// sleepCtx pauses for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
