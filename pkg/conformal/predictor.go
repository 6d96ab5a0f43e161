// Package conformal implements bucketed split-conformal prediction of frame
// time. Each bucket keeps a rolling window of signed residuals
// (observed - predicted) and the upper bound for a new point estimate is the
// estimate plus a finite-sample corrected quantile of that window.
//
// The package is pure computation: no I/O, no goroutines, no locks. Callers
// serialize access per Predictor.
package conformal

import (
	"cmp"
	"math"
	"slices"
)

// MaxFallbackLevel is the coarsest confidence level a Predictor reports. It
// also marks a bucket with no calibration data at all.
const MaxFallbackLevel uint8 = 3

// richFraction is the share of the window a bucket must fill before its
// quantile is reported at fallback level 0.
const richFraction = 0.75

// Config governs how much history each bucket keeps and when a bucket is
// considered calibrated.
type Config struct {
	// TargetCoverage is the desired probability that a realized frame time
	// falls at or below the predicted upper bound. Default: 0.95.
	TargetCoverage float64
	// MinSamples is the sample count a bucket needs before its bound is
	// trusted. Default: 20.
	MinSamples int
	// WindowSize caps the residuals retained per bucket. Default: 256.
	WindowSize int
}

// DefaultConfig returns the defaults used by the frame guard.
func DefaultConfig() Config {
	return Config{
		TargetCoverage: 0.95,
		MinSamples:     20,
		WindowSize:     256,
	}
}

// Prediction is an upper bound together with everything needed to explain it.
type Prediction struct {
	UpperUS       float64   // y_hat + max(quantile, 0)
	Risk          bool      // UpperUS > BudgetUS
	Confidence    float64   // target coverage
	Bucket        BucketKey // bucket the quantile came from
	SampleCount   int       // residuals the quantile was computed over
	Quantile      float64   // conformal residual quantile
	FallbackLevel uint8     // 0 (rich window) .. MaxFallbackLevel (no or thin data)
	WindowSize    int
	ResetCount    uint64
	YHat          float64
	BudgetUS      float64
}

// Update reports the effect of a single Observe call.
type Update struct {
	Residual    float64
	Bucket      BucketKey
	SampleCount int
}

// Predictor holds one residual window per bucket. Buckets are created lazily
// on first observation and live until ResetAll.
type Predictor struct {
	config     Config
	buckets    map[BucketKey]*Window
	resetCount uint64

	// scratch is reused by Predict to sort a bucket's residuals without
	// allocating once it has grown to WindowSize.
	scratch []float64
}

// NewPredictor returns an empty predictor.
func NewPredictor(config Config) *Predictor {
	capacity := max(config.WindowSize, 0)
	return &Predictor{
		config:  config,
		buckets: make(map[BucketKey]*Window),
		scratch: make([]float64, 0, capacity),
	}
}

// Config returns the predictor configuration.
func (p *Predictor) Config() Config { return p.config }

// ResetCount returns how many times calibration has been cleared.
func (p *Predictor) ResetCount() uint64 { return p.resetCount }

// BucketSamples returns the residual count for key, 0 if the bucket is unseen.
func (p *Predictor) BucketSamples(key BucketKey) int {
	if w, ok := p.buckets[key]; ok {
		return w.Len()
	}
	return 0
}

// Buckets returns the number of buckets that have been observed.
func (p *Predictor) Buckets() int { return len(p.buckets) }

// ResetAll clears calibration for every bucket.
func (p *Predictor) ResetAll() {
	for _, w := range p.buckets {
		w.Clear()
	}
	p.resetCount++
}

// ResetBucket clears calibration for a single bucket. Unknown keys are a no-op.
func (p *Predictor) ResetBucket(key BucketKey) {
	if w, ok := p.buckets[key]; ok {
		w.Clear()
		p.resetCount++
	}
}

// Observe records the residual observedUS - yHatUS in key's window. A
// non-finite residual is reported back but not stored.
func (p *Predictor) Observe(key BucketKey, yHatUS, observedUS float64) Update {
	residual := observedUS - yHatUS
	if math.IsNaN(residual) || math.IsInf(residual, 0) {
		return Update{Residual: residual, Bucket: key, SampleCount: p.BucketSamples(key)}
	}
	w, ok := p.buckets[key]
	if !ok {
		w = NewWindow(p.config.WindowSize)
		p.buckets[key] = w
	}
	w.Push(residual)
	return Update{Residual: residual, Bucket: key, SampleCount: w.Len()}
}

// Predict returns the conformal upper bound for yHatUS in key's context.
// With no residuals for key the bound collapses to yHatUS and the fallback
// level is MaxFallbackLevel.
func (p *Predictor) Predict(key BucketKey, yHatUS, budgetUS float64) Prediction {
	var (
		quantile float64
		n        int
	)
	if w, ok := p.buckets[key]; ok && w.Len() > 0 {
		p.scratch = w.AppendTo(p.scratch[:0])
		slices.SortStableFunc(p.scratch, cmp.Compare[float64])
		quantile = Quantile(p.config.TargetCoverage, p.scratch)
		n = len(p.scratch)
	}

	upper := yHatUS + max(quantile, 0)
	return Prediction{
		UpperUS:       upper,
		Risk:          upper > budgetUS,
		Confidence:    p.config.TargetCoverage,
		Bucket:        key,
		SampleCount:   n,
		Quantile:      quantile,
		FallbackLevel: p.fallbackLevel(n),
		WindowSize:    p.config.WindowSize,
		ResetCount:    p.resetCount,
		YHat:          yHatUS,
		BudgetUS:      budgetUS,
	}
}

// fallbackLevel grades how far n is from a rich window. A bucket at exactly
// MinSamples reports MaxFallbackLevel and the level falls linearly to 0 as
// the bucket fills to richFraction of the window.
func (p *Predictor) fallbackLevel(n int) uint8 {
	minSamples := max(p.config.MinSamples, 1)
	if n == 0 || n < minSamples {
		return MaxFallbackLevel
	}
	rich := max(minSamples, int(math.Ceil(richFraction*float64(p.config.WindowSize))))
	if n >= rich {
		return 0
	}
	span := float64(rich - minSamples)
	step := int(math.Floor(3 * float64(n-minSamples) / span))
	level := int(MaxFallbackLevel) - step
	return uint8(min(max(level, 1), int(MaxFallbackLevel)))
}

// Quantile returns the split-conformal quantile of an ascending slice: the
// ceil((n+1)*coverage)-th order statistic, clamped to the sample range.
// It returns 0 for an empty slice.
func Quantile(coverage float64, sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if math.IsNaN(coverage) {
		return sorted[n-1]
	}
	rank := math.Ceil(float64(n+1) * coverage)
	idx := int(min(max(rank-1, 0), float64(n-1)))
	return sorted[idx]
}
