package conformal

import (
	"math"
	"testing"
)

func testKey(cols, rows uint16) BucketKey {
	return KeyFromContext(ModeInline, DiffFull, cols, rows)
}

func TestQuantileNPlusOneRule(t *testing.T) {
	t.Parallel()

	p := NewPredictor(Config{TargetCoverage: 0.8, MinSamples: 1, WindowSize: 10})
	key := testKey(80, 24)
	for _, v := range []float64{1, 2, 3} {
		p.Observe(key, 0, v)
	}

	got := p.Predict(key, 0, 1_000)
	// ceil(4*0.8)=4 clamps to the last index
	if got.Quantile != 3 {
		t.Errorf("quantile=%v, want 3", got.Quantile)
	}
	if got.SampleCount != 3 {
		t.Errorf("sample_count=%d, want 3", got.SampleCount)
	}
}

func TestQuantileEdges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		coverage float64
		sorted   []float64
		want     float64
	}{
		{name: "empty", coverage: 0.9, sorted: nil, want: 0},
		{name: "single", coverage: 0.9, sorted: []float64{42}, want: 42},
		{name: "exact rank", coverage: 0.5, sorted: []float64{1, 2, 3, 4, 5}, want: 3},
		{name: "fractional rank rounds up", coverage: 0.5, sorted: []float64{10, 20, 30, 40}, want: 30},
		{name: "zero coverage clamps low", coverage: 0, sorted: []float64{1, 2, 3}, want: 1},
		{name: "coverage above one clamps high", coverage: 1.5, sorted: []float64{1, 2, 3}, want: 3},
		{name: "nan coverage is conservative", coverage: math.NaN(), sorted: []float64{1, 2, 3}, want: 3},
	}
	for _, tc := range cases {
		if got := Quantile(tc.coverage, tc.sorted); got != tc.want {
			t.Errorf("%s: Quantile=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWindowEnforced(t *testing.T) {
	t.Parallel()

	p := NewPredictor(Config{TargetCoverage: 0.9, MinSamples: 1, WindowSize: 3})
	key := testKey(80, 24)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		p.Observe(key, 0, v)
	}
	if got := p.BucketSamples(key); got != 3 {
		t.Fatalf("bucket_samples=%d, want 3", got)
	}
	// oldest residuals (1, 2) were evicted
	if got := p.Predict(key, 0, 1_000).Quantile; got != 5 {
		t.Errorf("quantile=%v, want 5", got)
	}
}

func TestPredictEmptyBucketHasNoInterval(t *testing.T) {
	t.Parallel()

	p := NewPredictor(DefaultConfig())
	got := p.Predict(testKey(120, 40), 5_000, 16_000)

	if got.UpperUS != 5_000 {
		t.Errorf("upper=%v, want y_hat 5000", got.UpperUS)
	}
	if got.SampleCount != 0 || got.FallbackLevel != MaxFallbackLevel {
		t.Errorf("got sample_count=%d fallback=%d, want 0/%d", got.SampleCount, got.FallbackLevel, MaxFallbackLevel)
	}
	if got.Risk {
		t.Error("empty bucket below budget should not be at risk")
	}
}

func TestBucketIsolationBySize(t *testing.T) {
	t.Parallel()

	p := NewPredictor(Config{TargetCoverage: 0.8, MinSamples: 2, WindowSize: 10})
	small := testKey(40, 10)
	large := testKey(200, 60)
	p.Observe(small, 0, 1)
	p.Observe(small, 0, 2)
	p.Observe(large, 0, 10)
	p.Observe(large, 0, 12)

	got := p.Predict(large, 0, 1_000)
	if got.SampleCount != 2 || got.Quantile != 12 {
		t.Errorf("large bucket: sample_count=%d quantile=%v, want 2/12", got.SampleCount, got.Quantile)
	}
	if p.Buckets() != 2 {
		t.Errorf("buckets=%d, want 2", p.Buckets())
	}
}

func TestObserveIgnoresNonFiniteResidual(t *testing.T) {
	t.Parallel()

	p := NewPredictor(DefaultConfig())
	key := testKey(80, 24)
	u := p.Observe(key, 0, math.Inf(1))
	if u.SampleCount != 0 || p.BucketSamples(key) != 0 {
		t.Fatalf("non-finite residual was stored: %+v", u)
	}
	u = p.Observe(key, 10, 15)
	if u.Residual != 5 || u.SampleCount != 1 {
		t.Errorf("update=%+v, want residual 5 count 1", u)
	}
}

func TestResets(t *testing.T) {
	t.Parallel()

	p := NewPredictor(Config{TargetCoverage: 0.9, MinSamples: 1, WindowSize: 8})
	a := testKey(80, 24)
	b := testKey(200, 60)
	p.Observe(a, 0, 3)
	p.Observe(b, 0, 4)

	p.ResetBucket(a)
	if p.BucketSamples(a) != 0 || p.BucketSamples(b) != 1 {
		t.Fatalf("ResetBucket cleared the wrong bucket: a=%d b=%d", p.BucketSamples(a), p.BucketSamples(b))
	}
	p.ResetBucket(testKey(1, 1)) // unseen key is a no-op
	if p.ResetCount() != 1 {
		t.Errorf("reset_count=%d, want 1", p.ResetCount())
	}

	p.ResetAll()
	got := p.Predict(b, 0, 1_000)
	if got.SampleCount != 0 || got.FallbackLevel != MaxFallbackLevel || got.ResetCount != 2 {
		t.Errorf("after ResetAll: %+v", got)
	}
}

func TestFallbackLevelGrading(t *testing.T) {
	t.Parallel()

	cfg := Config{TargetCoverage: 0.95, MinSamples: 20, WindowSize: 256}
	cases := []struct {
		samples int
		want    uint8
	}{
		{samples: 0, want: 3},
		{samples: 5, want: 3},
		{samples: 20, want: 3},
		{samples: 100, want: 2},
		{samples: 170, want: 1},
		{samples: 192, want: 0},
		{samples: 256, want: 0},
	}
	for _, tc := range cases {
		p := NewPredictor(cfg)
		key := testKey(80, 24)
		for i := 0; i < tc.samples; i++ {
			p.Observe(key, 0, float64(i))
		}
		if got := p.Predict(key, 0, 1e9).FallbackLevel; got != tc.want {
			t.Errorf("samples=%d: fallback_level=%d, want %d", tc.samples, got, tc.want)
		}
	}
}

func TestFallbackLevelNeverIncreasesWithSamples(t *testing.T) {
	t.Parallel()

	p := NewPredictor(Config{TargetCoverage: 0.95, MinSamples: 10, WindowSize: 64})
	key := testKey(80, 24)
	prev := MaxFallbackLevel
	for i := 0; i < 128; i++ {
		p.Observe(key, 0, float64(i%7))
		got := p.Predict(key, 0, 1e9).FallbackLevel
		if got > prev {
			t.Fatalf("sample %d: fallback level rose from %d to %d", i+1, prev, got)
		}
		prev = got
	}
	if prev != 0 {
		t.Errorf("full window should end at level 0, got %d", prev)
	}
}

func TestNegativeQuantileDoesNotShrinkBound(t *testing.T) {
	t.Parallel()

	p := NewPredictor(Config{TargetCoverage: 0.5, MinSamples: 1, WindowSize: 8})
	key := testKey(80, 24)
	for _, v := range []float64{-30, -20, -10} {
		p.Observe(key, 0, v)
	}
	got := p.Predict(key, 100, 1_000)
	if got.Quantile != -20 {
		t.Fatalf("quantile=%v, want -20", got.Quantile)
	}
	if got.UpperUS != 100 {
		t.Errorf("upper=%v, want y_hat 100", got.UpperUS)
	}
}

func TestZeroWindowStaysEmpty(t *testing.T) {
	t.Parallel()

	p := NewPredictor(Config{TargetCoverage: 0.95, MinSamples: 20, WindowSize: 0})
	key := testKey(80, 24)
	for i := 0; i < 50; i++ {
		p.Observe(key, 0, 1)
	}
	if got := p.BucketSamples(key); got != 0 {
		t.Errorf("bucket_samples=%d, want 0", got)
	}
	if got := p.Predict(key, 7, 10); got.UpperUS != 7 {
		t.Errorf("upper=%v, want 7", got.UpperUS)
	}
}

func TestSteadyStateDoesNotAllocate(t *testing.T) {
	p := NewPredictor(Config{TargetCoverage: 0.95, MinSamples: 20, WindowSize: 64})
	key := testKey(80, 24)
	for i := 0; i < 64; i++ {
		p.Observe(key, 0, float64(i))
	}

	allocs := testing.AllocsPerRun(100, func() {
		p.Observe(key, 10, 12)
		_ = p.Predict(key, 10, 16_000)
	})
	if allocs != 0 {
		t.Errorf("steady-state observe+predict allocated %.1f times per run", allocs)
	}
}

func TestSizeBucket(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cols, rows uint16
		want       uint8
	}{
		{0, 0, 0},
		{0, 24, 0},
		{80, 0, 0},
		{1, 1, 0},
		{8, 8, 6},
		{8, 16, 7},
		{80, 24, 10},
		{120, 40, 12},
	}
	for _, tc := range cases {
		if got := SizeBucket(tc.cols, tc.rows); got != tc.want {
			t.Errorf("SizeBucket(%d,%d)=%d, want %d", tc.cols, tc.rows, got, tc.want)
		}
	}
}

func TestBucketKeyString(t *testing.T) {
	t.Parallel()

	key := KeyFromContext(ModeAltScreen, DiffDirtyRows, 80, 24)
	if got := key.String(); got != "altscreen:dirty:10" {
		t.Errorf("String()=%q", got)
	}
	if ParseMode(ModeInlineAuto.String()) != ModeInlineAuto || ParseDiff(DiffFullRedraw.String()) != DiffFullRedraw {
		t.Error("Parse should invert String")
	}
}
