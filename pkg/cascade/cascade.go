// Package cascade drives the degradation ladder from guard predictions. Each
// frame the caller asks PreRender which level to render at, renders, then
// reports the measured time through PostRender.
//
// Degrading is immediate: one over-budget prediction moves one rung (or jumps
// to MinTriggerLevel on the first step). Recovering needs RecoveryThreshold
// consecutive within-budget predictions per rung.
package cascade

import (
	"github.com/justin-oleary/frame-shield/pkg/budget"
	"github.com/justin-oleary/frame-shield/pkg/conformal"
	"github.com/justin-oleary/frame-shield/pkg/guard"
)

// Config tunes the cascade and the guard it owns.
type Config struct {
	Guard guard.Config
	// RecoveryThreshold is the number of consecutive within-budget frames
	// required before stepping back one level. Default: 10.
	RecoveryThreshold uint32
	// MaxDegradation is the ceiling; the cascade never degrades past it.
	MaxDegradation budget.Level
	// MinTriggerLevel is where the first degrade lands. Levels below it are
	// cosmetic and skipped on the way up.
	MinTriggerLevel budget.Level
}

// DefaultConfig returns the cascade defaults.
func DefaultConfig() Config {
	return Config{
		Guard:             guard.DefaultConfig(),
		RecoveryThreshold: 10,
		MaxDegradation:    budget.SkipFrame,
		MinTriggerLevel:   budget.SimpleBorders,
	}
}

// Decision is the per-frame outcome of PreRender.
type Decision uint8

const (
	Hold Decision = iota
	Degrade
	Recover
)

func (d Decision) String() string {
	switch d {
	case Hold:
		return "hold"
	case Degrade:
		return "degrade"
	case Recover:
		return "recover"
	default:
		return "unknown"
	}
}

// Evidence is the audit snapshot recorded by every PreRender call.
type Evidence struct {
	FrameIdx          uint64
	Decision          Decision
	LevelBefore       budget.Level
	LevelAfter        budget.Level
	GuardState        guard.State
	RecoveryStreak    uint32
	RecoveryThreshold uint32
	// FrameTimeUS is the guard's smoothed frame time at decision time.
	FrameTimeUS float64
	BudgetUS    float64
	Prediction  guard.P99Prediction
}

// PreRenderResult tells the caller what to render this frame.
type PreRenderResult struct {
	Level      budget.Level
	Decision   Decision
	Prediction guard.P99Prediction
}

type session struct {
	level           budget.Level
	streak          uint32
	frameIdx        uint64
	lastEvidence    Evidence
	hasLastEvidence bool
}

type audit struct {
	totalDegrades   uint64
	totalRecoveries uint64
}

// Cascade owns a FrameGuard and the current ladder position. It is not safe
// for concurrent use; callers serialize PreRender and PostRender.
type Cascade struct {
	config  Config
	guard   *guard.FrameGuard
	session session
	audit   audit
}

// New returns a cascade at budget.Full.
func New(config Config) *Cascade {
	return &Cascade{
		config: config,
		guard:  guard.New(config.Guard),
	}
}

// NewDefault returns a cascade built from DefaultConfig.
func NewDefault() *Cascade { return New(DefaultConfig()) }

// PreRender predicts the next frame against budgetUS and moves the ladder.
func (c *Cascade) PreRender(budgetUS float64, key conformal.BucketKey) PreRenderResult {
	s := &c.session
	s.frameIdx++
	pred := c.guard.PredictP99(budgetUS, key)
	before := s.level
	decision := Hold

	if pred.ExceedsBudget {
		if next, ok := budget.Escalate(s.level, c.config.MaxDegradation); ok {
			if next < c.config.MinTriggerLevel {
				next = min(c.config.MinTriggerLevel, c.config.MaxDegradation)
			}
			s.level = next
			c.audit.totalDegrades++
			decision = Degrade
		}
		s.streak = 0
	} else {
		s.streak++
		if s.streak >= c.config.RecoveryThreshold && !s.level.IsFull() {
			s.level = s.level.Prev()
			s.streak = 0
			c.audit.totalRecoveries++
			decision = Recover
		}
	}

	s.lastEvidence = Evidence{
		FrameIdx:          s.frameIdx,
		Decision:          decision,
		LevelBefore:       before,
		LevelAfter:        s.level,
		GuardState:        pred.State,
		RecoveryStreak:    s.streak,
		RecoveryThreshold: c.config.RecoveryThreshold,
		FrameTimeUS:       c.guard.EMA(),
		BudgetUS:          budgetUS,
		Prediction:        pred,
	}
	s.hasLastEvidence = true

	return PreRenderResult{Level: s.level, Decision: decision, Prediction: pred}
}

// PostRender feeds the measured frame time back to the guard.
func (c *Cascade) PostRender(frameTimeUS float64, key conformal.BucketKey) {
	c.guard.Observe(frameTimeUS, key)
}

// ShouldRenderWidget reports whether a widget renders at the current level.
// From EssentialOnly upward only essential widgets do.
func (c *Cascade) ShouldRenderWidget(essential bool) bool {
	return essential || c.session.level < budget.EssentialOnly
}

// Reset returns the cascade and its guard to their initial session state.
// Lifetime degrade and recovery totals are kept.
func (c *Cascade) Reset() {
	c.guard.Reset()
	c.session = session{}
}

func (c *Cascade) Level() budget.Level     { return c.session.level }
func (c *Cascade) RecoveryStreak() uint32  { return c.session.streak }
func (c *Cascade) FrameIdx() uint64        { return c.session.frameIdx }
func (c *Cascade) TotalDegrades() uint64   { return c.audit.totalDegrades }
func (c *Cascade) TotalRecoveries() uint64 { return c.audit.totalRecoveries }
func (c *Cascade) Config() Config          { return c.config }

// Guard exposes the owned guard for inspection.
func (c *Cascade) Guard() *guard.FrameGuard { return c.guard }

// LastEvidence returns the snapshot from the most recent PreRender. ok is
// false before the first call and after Reset.
func (c *Cascade) LastEvidence() (Evidence, bool) {
	return c.session.lastEvidence, c.session.hasLastEvidence
}

// Telemetry is an on-demand snapshot of the cascade.
type Telemetry struct {
	Level             budget.Level
	RecoveryStreak    uint32
	RecoveryThreshold uint32
	FrameIdx          uint64
	TotalDegrades     uint64
	TotalRecoveries   uint64
	GuardState        guard.State
	GuardObservations uint64
	GuardEMAUS        float64
}

// Telemetry captures the current cascade state.
func (c *Cascade) Telemetry() Telemetry {
	return Telemetry{
		Level:             c.session.level,
		RecoveryStreak:    c.session.streak,
		RecoveryThreshold: c.config.RecoveryThreshold,
		FrameIdx:          c.session.frameIdx,
		TotalDegrades:     c.audit.totalDegrades,
		TotalRecoveries:   c.audit.totalRecoveries,
		GuardState:        c.guard.State(),
		GuardObservations: c.guard.Observations(),
		GuardEMAUS:        c.guard.EMA(),
	}
}
