package guard

import (
	"encoding/json"

	"github.com/justin-oleary/frame-shield/pkg/evidence"
)

type predictionRecord struct {
	Schema              string      `json:"schema"`
	YHatUS              json.Number `json:"y_hat_us"`
	UpperUS             json.Number `json:"upper_us"`
	BudgetUS            json.Number `json:"budget_us"`
	ExceedsBudget       bool        `json:"exceeds_budget"`
	CalibrationSize     int         `json:"calibration_size"`
	FallbackLevel       uint8       `json:"fallback_level"`
	State               string      `json:"state"`
	IntervalWidthUS     json.Number `json:"interval_width_us"`
	ConformalQuantile   json.Number `json:"conformal_quantile,omitempty"`
	ConformalBucket     string      `json:"conformal_bucket,omitempty"`
	ConformalConfidence json.Number `json:"conformal_confidence,omitempty"`
}

// JSONL renders the prediction as a conformal-frame-guard-v1 record.
func (p P99Prediction) JSONL() string {
	rec := predictionRecord{
		Schema:          evidence.SchemaPrediction,
		YHatUS:          evidence.Fixed(p.YHatUS, 1),
		UpperUS:         evidence.Fixed(p.UpperUS, 1),
		BudgetUS:        evidence.Fixed(p.BudgetUS, 1),
		ExceedsBudget:   p.ExceedsBudget,
		CalibrationSize: p.CalibrationSize,
		FallbackLevel:   p.FallbackLevel,
		State:           p.State.String(),
		IntervalWidthUS: evidence.Fixed(p.IntervalWidthUS, 1),
	}
	if p.HasConformal {
		rec.ConformalQuantile = evidence.Fixed(p.Conformal.Quantile, 2)
		rec.ConformalBucket = p.Conformal.Bucket.String()
		rec.ConformalConfidence = evidence.Fixed(p.Conformal.Confidence, 4)
	}
	return evidence.Line(rec.Schema, rec)
}

type telemetryRecord struct {
	Schema              string      `json:"schema"`
	State               string      `json:"state"`
	Observations        uint64      `json:"observations"`
	DegradationTriggers uint64      `json:"degradation_triggers"`
	EMAUS               json.Number `json:"ema_us"`
	FrameTimesLen       int         `json:"frame_times_len"`
	NonconformityLen    int         `json:"nonconformity_len"`
	NCCount             int         `json:"nc_count,omitempty"`
	NCMean              json.Number `json:"nc_mean,omitempty"`
	NCP50               json.Number `json:"nc_p50,omitempty"`
	NCP90               json.Number `json:"nc_p90,omitempty"`
	NCP99               json.Number `json:"nc_p99,omitempty"`
	NCMax               json.Number `json:"nc_max,omitempty"`
}

// JSONL renders the snapshot as a conformal-frame-guard-telemetry-v1 record.
// Summary fields are present only when the residual window is non-empty.
func (t Telemetry) JSONL() string {
	rec := telemetryRecord{
		Schema:              evidence.SchemaGuardTelemetry,
		State:               t.State.String(),
		Observations:        t.Observations,
		DegradationTriggers: t.DegradationTriggers,
		EMAUS:               evidence.Fixed(t.EMAUS, 1),
		FrameTimesLen:       t.FrameTimesLen,
		NonconformityLen:    t.NonconformityLen,
	}
	if t.HasSummary {
		s := t.Summary
		rec.NCCount = s.Count
		rec.NCMean = evidence.Fixed(s.Mean, 2)
		rec.NCP50 = evidence.Fixed(s.P50, 2)
		rec.NCP90 = evidence.Fixed(s.P90, 2)
		rec.NCP99 = evidence.Fixed(s.P99, 2)
		rec.NCMax = evidence.Fixed(s.Max, 2)
	}
	return evidence.Line(rec.Schema, rec)
}
