// Package metrics registers the Prometheus collectors for the frame governor.
// Import this package anywhere in the binary to ensure collectors are
// registered with the default registry before promhttp.Handler is called.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FrameTime is a per-bucket histogram of measured frame times. Buckets
	// span 1ms to ~256ms to cover 120 fps terminals and pathological stalls.
	FrameTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frame_governor_frame_time_seconds",
			Help:    "Measured render time per frame, by calibration bucket.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 9),
		},
		[]string{"bucket"},
	)

	// PredictedUpper is the guard's p99 upper bound at decision time.
	PredictedUpper = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frame_governor_p99_upper_seconds",
			Help:    "Predicted p99 upper bound of the next frame, by calibration bucket.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 9),
		},
		[]string{"bucket"},
	)

	// Level is the current ladder position: 0 = full up to 5 = skip_frame.
	Level = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frame_governor_degradation_level",
			Help: "Current degradation level (0 = full fidelity, 5 = skip frame).",
		},
	)

	// GuardState is 1 for the active state and 0 for the others.
	GuardState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "frame_governor_guard_state",
			Help: "Frame guard risk state; the active state reads 1.",
		},
		[]string{"state"},
	)

	// Decisions counts cascade decisions.
	//
	// Observed decision values:
	//   hold      level unchanged
	//   degrade   predicted p99 over budget, stepped down the ladder
	//   recover   recovery streak reached the threshold, stepped back up
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_governor_decisions_total",
			Help: "Total cascade decisions, by decision.",
		},
		[]string{"decision"},
	)

	// InvalidFrames counts frame times rejected as non-finite or negative.
	InvalidFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frame_governor_invalid_frames_total",
			Help: "Frame-time samples discarded as NaN, infinite or negative.",
		},
	)

	// LedgerDropped counts evidence records discarded after a failed ledger
	// write. Failed batches are not retried.
	LedgerDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frame_governor_ledger_dropped_records_total",
			Help: "Evidence records dropped because the SQLite ledger rejected their batch.",
		},
	)

	// StatusPublishes counts Pod status writes by phase and result (ok, error).
	StatusPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_governor_status_publishes_total",
			Help: "Governor phase changes published to the Pod, by phase and result.",
		},
		[]string{"phase", "result"},
	)

	// PolicyReloads counts ConfigMap policy updates by outcome (applied, rejected).
	PolicyReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_governor_policy_reloads_total",
			Help: "Policy updates received from the ConfigMap watch, by outcome.",
		},
		[]string{"outcome"},
	)
)

var guardStates = [...]string{"warmup", "calibrated", "at_risk"}

// SetGuardState sets the gauge for active to 1 and every other state to 0.
func SetGuardState(active string) {
	for _, s := range guardStates {
		v := 0.0
		if s == active {
			v = 1
		}
		GuardState.WithLabelValues(s).Set(v)
	}
}
