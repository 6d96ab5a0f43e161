// Package governor runs the degradation cascade against a live frame stream
// and carries its side effects: evidence lines to a sink, rows to the SQLite
// ledger, Prometheus metrics, structured logs and coarse status updates for
// an external publisher.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/justin-oleary/frame-shield/pkg/budget"
	"github.com/justin-oleary/frame-shield/pkg/cascade"
	"github.com/justin-oleary/frame-shield/pkg/conformal"
	"github.com/justin-oleary/frame-shield/pkg/evidence"
	"github.com/justin-oleary/frame-shield/pkg/guard"
	"github.com/justin-oleary/frame-shield/pkg/metrics"
	"github.com/justin-oleary/frame-shield/pkg/policy"
)

// defaultFlushEvery is how many ledger records are buffered before a write.
const defaultFlushEvery = 256

// Phase is the coarse governor status reported to publishers. Publishers are
// only called when it changes.
type Phase string

const (
	PhaseHealthy   Phase = "healthy"
	PhaseDegraded  Phase = "degraded"
	PhaseSaturated Phase = "saturated"
)

// Status is what a publisher receives on every phase change.
type Status struct {
	RunID           string
	Phase           Phase
	Level           budget.Level
	GuardState      guard.State
	FrameIdx        uint64
	TotalDegrades   uint64
	TotalRecoveries uint64
}

// StatusPublisher mirrors governor status somewhere outside the process.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, s Status) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithSink writes every evidence record to s.
func WithSink(s *evidence.Sink) Option { return func(d *Driver) { d.sink = s } }

// WithStore appends every evidence record to the ledger, batched.
func WithStore(s *evidence.Store) Option { return func(d *Driver) { d.store = s } }

// WithFlushEvery sets the ledger batch size. Values below 1 flush every record.
func WithFlushEvery(n int) Option { return func(d *Driver) { d.flushEvery = max(n, 1) } }

// WithPublisher reports phase changes to p.
func WithPublisher(p StatusPublisher) Option { return func(d *Driver) { d.publisher = p } }

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option { return func(d *Driver) { d.runID = id } }

// Driver is the per-process frame governor. Like the cascade it wraps, it is
// not safe for concurrent use.
type Driver struct {
	runID      string
	policy     policy.Config
	cascade    *cascade.Cascade
	sink       *evidence.Sink
	store      *evidence.Store
	publisher  StatusPublisher
	logger     *slog.Logger
	flushEvery int
	pending    []evidence.Record
	seq        uint64
	phase      Phase
}

// New returns a Driver for the given policy. The policy is assumed valid.
func New(p policy.Config, opts ...Option) *Driver {
	d := &Driver{
		policy:     p,
		cascade:    cascade.New(p.ToCascadeConfig()),
		logger:     slog.Default(),
		flushEvery: defaultFlushEvery,
		phase:      PhaseHealthy,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.runID == "" {
		d.runID = uuid.NewString()
	}
	return d
}

// withLogger swaps the driver's logger. Used in tests to capture structured
// log output without touching the global default logger.
func (d *Driver) withLogger(l *slog.Logger) *Driver {
	d.logger = l
	return d
}

func (d *Driver) RunID() string             { return d.runID }
func (d *Driver) Policy() policy.Config     { return d.policy }
func (d *Driver) Cascade() *cascade.Cascade { return d.cascade }
func (d *Driver) Phase() Phase              { return d.phase }

// Start writes the policy record that heads every evidence stream.
func (d *Driver) Start(ctx context.Context) error {
	d.logger.Info("frame governor started",
		"run_id", d.runID,
		"budget_us", d.policy.BudgetUS,
		"max_degradation", d.policy.Cascade.MaxDegradation.String(),
		"min_trigger_level", d.policy.Cascade.MinTriggerLevel.String(),
	)
	metrics.Level.Set(float64(d.cascade.Level()))
	metrics.SetGuardState(d.cascade.Guard().State().String())
	return d.emit(ctx, evidence.SchemaPolicy, d.policy.JSONL())
}

// PreRender decides the level for the next frame in key's context. The
// result is always usable; the error reports evidence that could not be
// written.
func (d *Driver) PreRender(ctx context.Context, key conformal.BucketKey) (cascade.PreRenderResult, error) {
	res := d.cascade.PreRender(d.policy.BudgetUS, key)
	ev, _ := d.cascade.LastEvidence()

	metrics.Decisions.WithLabelValues(res.Decision.String()).Inc()
	metrics.Level.Set(float64(res.Level))
	metrics.SetGuardState(res.Prediction.State.String())
	metrics.PredictedUpper.WithLabelValues(key.String()).Observe(res.Prediction.UpperUS / 1e6)

	switch res.Decision {
	case cascade.Degrade:
		d.logger.Info("frame budget at risk, degrading",
			"run_id", d.runID,
			"frame_idx", ev.FrameIdx,
			"level_before", ev.LevelBefore.String(),
			"level_after", ev.LevelAfter.String(),
			"guard_state", ev.GuardState.String(),
			"p99_upper_us", res.Prediction.UpperUS,
			"budget_us", res.Prediction.BudgetUS,
			"fallback_level", res.Prediction.FallbackLevel,
		)
	case cascade.Recover:
		d.logger.Info("frame budget recovered",
			"run_id", d.runID,
			"frame_idx", ev.FrameIdx,
			"level_before", ev.LevelBefore.String(),
			"level_after", ev.LevelAfter.String(),
			"recovery_threshold", ev.RecoveryThreshold,
		)
	}

	err := errors.Join(
		d.emit(ctx, evidence.SchemaPrediction, res.Prediction.JSONL()),
		d.emit(ctx, evidence.SchemaCascade, ev.JSONL()),
	)
	d.updatePhase(ctx, res.Level)
	return res, err
}

// PostRender records the measured frame time.
func (d *Driver) PostRender(frameTimeUS float64, key conformal.BucketKey) {
	if math.IsNaN(frameTimeUS) || math.IsInf(frameTimeUS, 0) || frameTimeUS < 0 {
		metrics.InvalidFrames.Inc()
	} else {
		metrics.FrameTime.WithLabelValues(key.String()).Observe(frameTimeUS / 1e6)
	}
	d.cascade.PostRender(frameTimeUS, key)
}

// Step runs one full frame for a caller that already measured it: decide,
// then observe.
func (d *Driver) Step(ctx context.Context, frameTimeUS float64, key conformal.BucketKey) (cascade.PreRenderResult, error) {
	res, err := d.PreRender(ctx, key)
	d.PostRender(frameTimeUS, key)
	return res, err
}

// EmitTelemetry writes guard and cascade telemetry snapshots.
func (d *Driver) EmitTelemetry(ctx context.Context) error {
	return errors.Join(
		d.emit(ctx, evidence.SchemaGuardTelemetry, d.cascade.Guard().Telemetry().JSONL()),
		d.emit(ctx, evidence.SchemaCascadeTelem, d.cascade.Telemetry().JSONL()),
	)
}

// Reset clears the cascade's session state. Lifetime totals survive.
func (d *Driver) Reset(ctx context.Context) {
	d.logger.Info("frame governor reset",
		"run_id", d.runID,
		"frame_idx", d.cascade.FrameIdx(),
		"degradation_level", d.cascade.Level().String(),
	)
	d.cascade.Reset()
	metrics.Level.Set(float64(d.cascade.Level()))
	d.updatePhase(ctx, d.cascade.Level())
}

// Flush writes buffered ledger records. A batch the store rejects is dropped
// and counted, so pending never holds more than one batch.
func (d *Driver) Flush(ctx context.Context) error {
	if d.store == nil || len(d.pending) == 0 {
		return nil
	}
	n := len(d.pending)
	err := d.store.Append(ctx, d.pending...)
	d.pending = d.pending[:0]
	if err != nil {
		metrics.LedgerDropped.Add(float64(n))
		d.logger.Warn("evidence ledger write failed, batch dropped",
			"run_id", d.runID,
			"records", n,
			"err", err,
		)
		return fmt.Errorf("flush %d evidence records: %w", n, err)
	}
	return nil
}

// Close emits final telemetry and flushes the ledger. It does not close the
// sink's writer or the store.
func (d *Driver) Close(ctx context.Context) error {
	err := d.EmitTelemetry(ctx)
	return errors.Join(err, d.Flush(ctx))
}

func (d *Driver) emit(ctx context.Context, schema, line string) error {
	d.seq++
	var errs []error
	if d.sink != nil {
		if err := d.sink.Emit(line); err != nil {
			errs = append(errs, fmt.Errorf("emit %s: %w", schema, err))
		}
	}
	if d.store != nil {
		d.pending = append(d.pending, evidence.Record{
			RunID:   d.runID,
			Seq:     d.seq,
			Schema:  schema,
			Payload: line,
		})
		if len(d.pending) >= d.flushEvery {
			errs = append(errs, d.Flush(ctx))
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) phaseFor(level budget.Level) Phase {
	switch {
	case level.IsFull():
		return PhaseHealthy
	case level >= d.policy.Cascade.MaxDegradation:
		return PhaseSaturated
	default:
		return PhaseDegraded
	}
}

func (d *Driver) updatePhase(ctx context.Context, level budget.Level) {
	next := d.phaseFor(level)
	if next == d.phase {
		return
	}
	prev := d.phase
	d.phase = next

	if next == PhaseSaturated {
		d.logger.Warn("degradation saturated at ceiling",
			"run_id", d.runID,
			"degradation_level", level.String(),
			"frame_idx", d.cascade.FrameIdx(),
		)
	}
	if d.publisher == nil {
		return
	}
	status := Status{
		RunID:           d.runID,
		Phase:           next,
		Level:           level,
		GuardState:      d.cascade.Guard().State(),
		FrameIdx:        d.cascade.FrameIdx(),
		TotalDegrades:   d.cascade.TotalDegrades(),
		TotalRecoveries: d.cascade.TotalRecoveries(),
	}
	if err := d.publisher.PublishStatus(ctx, status); err != nil {
		d.logger.Warn("status publish failed",
			"run_id", d.runID,
			"phase_before", string(prev),
			"phase_after", string(next),
			"err", err,
		)
	}
}
