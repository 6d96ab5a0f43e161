// Package guard turns raw frame-time measurements into per-frame p99
// predictions. A FrameGuard keeps an exponential moving average of frame time
// as the point estimate, feeds residuals to a conformal.Predictor, and falls
// back to a fixed budget threshold until the current bucket is calibrated.
//
//	frame_time ──► Observe ──► EMA, windows, predictor
//	budget     ──► PredictP99 ──► P99Prediction ──► exceeds_budget?
package guard

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/justin-oleary/frame-shield/pkg/budget"
	"github.com/justin-oleary/frame-shield/pkg/conformal"
)

// FallbackLevel marks a prediction made by the guard's fixed threshold rather
// than by the conformal predictor.
const FallbackLevel uint8 = 4

// DefaultFallbackBudgetUS is the warmup threshold: 16 ms, one frame at 60 fps.
const DefaultFallbackBudgetUS = 16_000.0

// Config tunes the guard. The zero value is not useful; start from
// DefaultConfig.
type Config struct {
	Conformal conformal.Config
	// FallbackBudgetUS is compared against the EMA before calibration.
	FallbackBudgetUS float64
	// TimeSeriesWindow caps the raw frame-time history. Default: 512.
	TimeSeriesWindow int
	// NonconformityWindow caps the residual history used for summaries.
	// Default: 256, matching the conformal window.
	NonconformityWindow int
	// EMADecay weights the previous EMA; closer to 1 adapts more slowly.
	// Values outside [0, 1] are replaced by 0.95.
	EMADecay float64
}

// DefaultConfig returns the guard defaults.
func DefaultConfig() Config {
	c := conformal.DefaultConfig()
	return Config{
		Conformal:           c,
		FallbackBudgetUS:    DefaultFallbackBudgetUS,
		TimeSeriesWindow:    512,
		NonconformityWindow: c.WindowSize,
		EMADecay:            0.95,
	}
}

// State is the guard's risk state, recomputed on every PredictP99.
type State uint8

const (
	// Warmup: the bucket has fewer than MinSamples residuals.
	Warmup State = iota
	// Calibrated: conformal bound active and within budget.
	Calibrated
	// AtRisk: the last prediction exceeded its budget.
	AtRisk
)

// String returns the stable name used in JSONL records.
func (s State) String() string {
	switch s {
	case Warmup:
		return "warmup"
	case Calibrated:
		return "calibrated"
	case AtRisk:
		return "at_risk"
	default:
		return "unknown"
	}
}

// P99Prediction is the guard's verdict for the next frame.
type P99Prediction struct {
	YHatUS          float64
	UpperUS         float64
	BudgetUS        float64
	ExceedsBudget   bool
	CalibrationSize int
	// FallbackLevel is 0..3 from the predictor, or FallbackLevel (4) when the
	// fixed warmup threshold was used.
	FallbackLevel   uint8
	State           State
	IntervalWidthUS float64
	// HasConformal is false exactly when FallbackLevel == 4; Conformal is the
	// zero value in that case.
	HasConformal bool
	Conformal    conformal.Prediction
}

// session is cleared by Reset.
type session struct {
	frameTimes   *conformal.Window
	scores       *conformal.Window
	ema          float64
	observations uint64
	state        State
}

// audit survives Reset.
type audit struct {
	degradationTriggers uint64
}

// FrameGuard wraps a conformal.Predictor with the EMA point estimate and the
// warmup fallback. It is not safe for concurrent use.
type FrameGuard struct {
	config    Config
	decay     float64
	predictor *conformal.Predictor
	session   session
	audit     audit
	scratch   []float64
}

// New returns a guard in Warmup.
func New(config Config) *FrameGuard {
	decay := config.EMADecay
	if math.IsNaN(decay) || decay < 0 || decay > 1 {
		decay = 0.95
	}
	return &FrameGuard{
		config:    config,
		decay:     decay,
		predictor: conformal.NewPredictor(config.Conformal),
		session: session{
			frameTimes: conformal.NewWindow(config.TimeSeriesWindow),
			scores:     conformal.NewWindow(config.NonconformityWindow),
		},
		scratch: make([]float64, 0, max(config.NonconformityWindow, 0)),
	}
}

// NewDefault returns a guard built from DefaultConfig.
func NewDefault() *FrameGuard { return New(DefaultConfig()) }

// Observe records a measured frame time for key. NaN, infinite and negative
// values carry no information and are dropped without touching any state.
func (g *FrameGuard) Observe(frameTimeUS float64, key conformal.BucketKey) {
	if math.IsNaN(frameTimeUS) || math.IsInf(frameTimeUS, 0) || frameTimeUS < 0 {
		return
	}
	s := &g.session
	s.observations++
	if s.observations == 1 {
		s.ema = frameTimeUS
	} else {
		s.ema = g.decay*s.ema + (1-g.decay)*frameTimeUS
	}

	s.frameTimes.Push(frameTimeUS)
	yHat := s.ema
	s.scores.Push(frameTimeUS - yHat)
	g.predictor.Observe(key, yHat, frameTimeUS)

	if s.state == Warmup && g.predictor.BucketSamples(key) >= g.config.Conformal.MinSamples {
		s.state = Calibrated
	}
}

// PredictP99 predicts the upper bound of the next frame's time in key's
// context. Once key's bucket holds MinSamples residuals the conformal bound
// is compared against budgetUS; before that the EMA is compared against the
// fixed fallback budget and no interval is reported.
func (g *FrameGuard) PredictP99(budgetUS float64, key conformal.BucketKey) P99Prediction {
	s := &g.session
	var yHat float64
	if s.observations > 0 {
		yHat = s.ema
	}

	samples := g.predictor.BucketSamples(key)
	if samples >= g.config.Conformal.MinSamples {
		pred := g.predictor.Predict(key, yHat, budgetUS)
		exceeds := pred.UpperUS > budgetUS
		if exceeds {
			g.audit.degradationTriggers++
			s.state = AtRisk
		} else {
			s.state = Calibrated
		}
		return P99Prediction{
			YHatUS:          yHat,
			UpperUS:         pred.UpperUS,
			BudgetUS:        budgetUS,
			ExceedsBudget:   exceeds,
			CalibrationSize: pred.SampleCount,
			FallbackLevel:   pred.FallbackLevel,
			State:           s.state,
			IntervalWidthUS: max(pred.UpperUS-yHat, 0),
			HasConformal:    true,
			Conformal:       pred,
		}
	}

	fallback := g.config.FallbackBudgetUS
	exceeds := s.observations > 0 && yHat > fallback
	if exceeds && s.state != Warmup {
		g.audit.degradationTriggers++
	}
	if exceeds {
		s.state = AtRisk
	} else {
		s.state = Warmup
	}
	return P99Prediction{
		YHatUS:          yHat,
		UpperUS:         yHat,
		BudgetUS:        fallback,
		ExceedsBudget:   exceeds,
		CalibrationSize: samples,
		FallbackLevel:   FallbackLevel,
		State:           s.state,
	}
}

// SuggestAction returns the next ladder level when the prediction exceeds its
// budget and current is not already the most degraded level. It shares the
// step with the cascade's degrade branch via budget.Escalate.
func (g *FrameGuard) SuggestAction(p P99Prediction, current budget.Level) (budget.Level, bool) {
	if !p.ExceedsBudget {
		return current, false
	}
	return budget.Escalate(current, budget.SkipFrame)
}

// Reset clears calibration, the EMA, both windows and the observation count.
// The lifetime degradation trigger count is kept for audit continuity.
func (g *FrameGuard) Reset() {
	g.predictor.ResetAll()
	g.session.frameTimes.Clear()
	g.session.scores.Clear()
	g.session.ema = 0
	g.session.observations = 0
	g.session.state = Warmup
}

// State returns the current risk state.
func (g *FrameGuard) State() State { return g.session.state }

// IsCalibrated reports whether conformal bounds are active.
func (g *FrameGuard) IsCalibrated() bool {
	return g.session.state == Calibrated || g.session.state == AtRisk
}

func (g *FrameGuard) Observations() uint64        { return g.session.observations }
func (g *FrameGuard) DegradationTriggers() uint64 { return g.audit.degradationTriggers }
func (g *FrameGuard) EMA() float64                { return g.session.ema }
func (g *FrameGuard) Config() Config              { return g.config }

// Predictor exposes the underlying predictor for inspection.
func (g *FrameGuard) Predictor() *conformal.Predictor { return g.predictor }

// FrameTimes returns a copy of the frame-time window, oldest first.
func (g *FrameGuard) FrameTimes() []float64 { return g.session.frameTimes.Values() }

// NonconformityScores returns a copy of the residual window, oldest first.
func (g *FrameGuard) NonconformityScores() []float64 { return g.session.scores.Values() }

// NonconformitySummary describes the residual window.
type NonconformitySummary struct {
	Count int
	Mean  float64
	P50   float64
	P90   float64
	P99   float64
	Max   float64
}

// NonconformitySummary computes statistics over the residual window. ok is
// false when the window is empty. Percentile p is read at sorted[ceil(n*p)-1].
func (g *FrameGuard) NonconformitySummary() (NonconformitySummary, bool) {
	n := g.session.scores.Len()
	if n == 0 {
		return NonconformitySummary{}, false
	}
	g.scratch = g.session.scores.AppendTo(g.scratch[:0])
	slices.SortStableFunc(g.scratch, cmp.Compare[float64])
	sorted := g.scratch
	return NonconformitySummary{
		Count: n,
		Mean:  stat.Mean(sorted, nil),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
		Max:   sorted[n-1],
	}, true
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	idx := int(math.Ceil(float64(n)*p)) - 1
	return sorted[min(max(idx, 0), n-1)]
}

// Telemetry is an on-demand snapshot of the guard.
type Telemetry struct {
	State               State
	Observations        uint64
	DegradationTriggers uint64
	EMAUS               float64
	FrameTimesLen       int
	NonconformityLen    int
	HasSummary          bool
	Summary             NonconformitySummary
}

// Telemetry captures the current guard state.
func (g *FrameGuard) Telemetry() Telemetry {
	summary, ok := g.NonconformitySummary()
	return Telemetry{
		State:               g.session.state,
		Observations:        g.session.observations,
		DegradationTriggers: g.audit.degradationTriggers,
		EMAUS:               g.session.ema,
		FrameTimesLen:       g.session.frameTimes.Len(),
		NonconformityLen:    g.session.scores.Len(),
		HasSummary:          ok,
		Summary:             summary,
	}
}
