package evidence_test

import (
	"errors"
	"testing"

	"github.com/justin-oleary/frame-shield/pkg/cascade"
	"github.com/justin-oleary/frame-shield/pkg/conformal"
	"github.com/justin-oleary/frame-shield/pkg/evidence"
)

func TestEmittedRecordsMatchSchemas(t *testing.T) {
	t.Parallel()

	key := conformal.KeyFromContext(conformal.ModeInline, conformal.DiffDirtyRows, 120, 40)
	c := cascade.NewDefault()
	var lines []string
	lines = append(lines, c.Guard().Telemetry().JSONL(), c.Telemetry().JSONL())

	frames := []float64{9_000, 30_000, 30_000, 30_000, 12_000, 8_000}
	for i := 0; i < 120; i++ {
		res := c.PreRender(16_000, key)
		lines = append(lines, res.Prediction.JSONL())
		ev, _ := c.LastEvidence()
		lines = append(lines, ev.JSONL())
		c.PostRender(frames[i%len(frames)], key)
	}
	lines = append(lines, c.Guard().Telemetry().JSONL(), c.Telemetry().JSONL())

	seen := map[string]int{}
	for _, line := range lines {
		name, err := evidence.Validate([]byte(line))
		if err != nil {
			t.Fatalf("%v\nrecord: %s", err, line)
		}
		seen[name]++
	}
	for _, name := range []string{evidence.SchemaPrediction, evidence.SchemaGuardTelemetry, evidence.SchemaCascade, evidence.SchemaCascadeTelem} {
		if seen[name] == 0 {
			t.Errorf("no %s record validated", name)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		line    string
		unknown bool
	}{
		{"unknown schema", `{"schema":"frame-guard-v0"}`, true},
		{"missing schema", `{"level":"full"}`, true},
		{"not an object", `[1,2,3]`, false},
		{"trailing data", `{"schema":"cascade-telemetry-v1"} {}`, false},
		{"missing field", `{"schema":"cascade-telemetry-v1","level":"full"}`, false},
		{"bad enum", `{"schema":"degradation-cascade-v1","frame_idx":1,"decision":"panic","level_before":"full","level_after":"full","guard_state":"warmup","recovery_streak":0,"recovery_threshold":10,"frame_time_us":0.0,"budget_us":16000.0}`, false},
		{"fallback level out of range", `{"schema":"conformal-frame-guard-v1","y_hat_us":0.0,"upper_us":0.0,"budget_us":16000.0,"exceeds_budget":false,"calibration_size":0,"fallback_level":5,"state":"warmup","interval_width_us":0.0}`, false},
	}
	for _, tc := range cases {
		_, err := evidence.Validate([]byte(tc.line))
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if got := errors.Is(err, evidence.ErrUnknownSchema); got != tc.unknown {
			t.Errorf("%s: errors.Is(ErrUnknownSchema)=%v, want %v (%v)", tc.name, got, tc.unknown, err)
		}
	}
}

func TestSchemasAreEmbedded(t *testing.T) {
	t.Parallel()

	for _, name := range evidence.Schemas() {
		_, err := evidence.Validate([]byte(`{"schema":"` + name + `"}`))
		if errors.Is(err, evidence.ErrUnknownSchema) {
			t.Errorf("%s is not embedded", name)
		}
	}
}
