package cascade

import (
	"encoding/json"

	"github.com/justin-oleary/frame-shield/pkg/evidence"
)

type evidenceRecord struct {
	Schema             string      `json:"schema"`
	FrameIdx           uint64      `json:"frame_idx"`
	Decision           string      `json:"decision"`
	LevelBefore        string      `json:"level_before"`
	LevelAfter         string      `json:"level_after"`
	GuardState         string      `json:"guard_state"`
	RecoveryStreak     uint32      `json:"recovery_streak"`
	RecoveryThreshold  uint32      `json:"recovery_threshold"`
	FrameTimeUS        json.Number `json:"frame_time_us"`
	BudgetUS           json.Number `json:"budget_us"`
	P99UpperUS         json.Number `json:"p99_upper_us"`
	P99Exceeds         bool        `json:"p99_exceeds"`
	P99FallbackLevel   uint8       `json:"p99_fallback_level"`
	P99CalibrationSize int         `json:"p99_calibration_size"`
	P99IntervalWidthUS json.Number `json:"p99_interval_width_us"`
}

// JSONL renders the snapshot as a degradation-cascade-v1 record.
func (e Evidence) JSONL() string {
	p := e.Prediction
	return evidence.Line(evidence.SchemaCascade, evidenceRecord{
		Schema:             evidence.SchemaCascade,
		FrameIdx:           e.FrameIdx,
		Decision:           e.Decision.String(),
		LevelBefore:        e.LevelBefore.String(),
		LevelAfter:         e.LevelAfter.String(),
		GuardState:         e.GuardState.String(),
		RecoveryStreak:     e.RecoveryStreak,
		RecoveryThreshold:  e.RecoveryThreshold,
		FrameTimeUS:        evidence.Fixed(e.FrameTimeUS, 1),
		BudgetUS:           evidence.Fixed(e.BudgetUS, 1),
		P99UpperUS:         evidence.Fixed(p.UpperUS, 1),
		P99Exceeds:         p.ExceedsBudget,
		P99FallbackLevel:   p.FallbackLevel,
		P99CalibrationSize: p.CalibrationSize,
		P99IntervalWidthUS: evidence.Fixed(p.IntervalWidthUS, 1),
	})
}

type telemetryRecord struct {
	Schema            string      `json:"schema"`
	Level             string      `json:"level"`
	RecoveryStreak    uint32      `json:"recovery_streak"`
	RecoveryThreshold uint32      `json:"recovery_threshold"`
	FrameIdx          uint64      `json:"frame_idx"`
	TotalDegrades     uint64      `json:"total_degrades"`
	TotalRecoveries   uint64      `json:"total_recoveries"`
	GuardState        string      `json:"guard_state"`
	GuardObservations uint64      `json:"guard_observations"`
	GuardEMAUS        json.Number `json:"guard_ema_us"`
}

// JSONL renders the snapshot as a cascade-telemetry-v1 record.
func (t Telemetry) JSONL() string {
	return evidence.Line(evidence.SchemaCascadeTelem, telemetryRecord{
		Schema:            evidence.SchemaCascadeTelem,
		Level:             t.Level.String(),
		RecoveryStreak:    t.RecoveryStreak,
		RecoveryThreshold: t.RecoveryThreshold,
		FrameIdx:          t.FrameIdx,
		TotalDegrades:     t.TotalDegrades,
		TotalRecoveries:   t.TotalRecoveries,
		GuardState:        t.GuardState.String(),
		GuardObservations: t.GuardObservations,
		GuardEMAUS:        evidence.Fixed(t.GuardEMAUS, 1),
	})
}
