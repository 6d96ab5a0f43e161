package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetGuardState(t *testing.T) {
	for _, active := range []string{"warmup", "at_risk", "calibrated"} {
		SetGuardState(active)
		for _, s := range guardStates {
			want := 0.0
			if s == active {
				want = 1
			}
			if got := testutil.ToFloat64(GuardState.WithLabelValues(s)); got != want {
				t.Errorf("active=%s: state %s=%v, want %v", active, s, got, want)
			}
		}
	}
	if n := testutil.CollectAndCount(GuardState); n != len(guardStates) {
		t.Errorf("series=%d, want %d", n, len(guardStates))
	}
}

func TestCollectorsLint(t *testing.T) {
	t.Parallel()

	problems, err := testutil.CollectAndLint(Decisions)
	if err != nil {
		t.Fatalf("CollectAndLint: %v", err)
	}
	for _, p := range problems {
		t.Errorf("%s: %s", p.Metric, p.Text)
	}
}
