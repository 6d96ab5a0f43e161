// Package policy holds the governor's tunables as data. A policy is resolved
// in layers: compiled-in defaults, then an optional YAML or JSON document
// (file or ConfigMap), then environment overrides, then validation.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/justin-oleary/frame-shield/pkg/budget"
	"github.com/justin-oleary/frame-shield/pkg/cascade"
	"github.com/justin-oleary/frame-shield/pkg/conformal"
	"github.com/justin-oleary/frame-shield/pkg/evidence"
	"github.com/justin-oleary/frame-shield/pkg/guard"
)

// Config is the full governor policy.
type Config struct {
	// BudgetUS is the per-frame budget handed to PreRender.
	BudgetUS  float64         `json:"budget_us" yaml:"budget_us"`
	Conformal ConformalConfig `json:"conformal" yaml:"conformal"`
	Guard     GuardConfig     `json:"guard" yaml:"guard"`
	Cascade   CascadeConfig   `json:"cascade" yaml:"cascade"`
}

type ConformalConfig struct {
	Coverage   float64 `json:"coverage" yaml:"coverage"`
	MinSamples int     `json:"min_samples" yaml:"min_samples"`
	Window     int     `json:"window" yaml:"window"`
}

type GuardConfig struct {
	FallbackBudgetUS    float64 `json:"fallback_budget_us" yaml:"fallback_budget_us"`
	TimeSeriesWindow    int     `json:"time_series_window" yaml:"time_series_window"`
	NonconformityWindow int     `json:"nonconformity_window" yaml:"nonconformity_window"`
	EMADecay            float64 `json:"ema_decay" yaml:"ema_decay"`
}

type CascadeConfig struct {
	RecoveryThreshold uint32       `json:"recovery_threshold" yaml:"recovery_threshold"`
	MaxDegradation    budget.Level `json:"max_degradation" yaml:"max_degradation"`
	MinTriggerLevel   budget.Level `json:"min_trigger_level" yaml:"min_trigger_level"`
}

// Default mirrors the component defaults.
func Default() Config {
	c := cascade.DefaultConfig()
	return Config{
		BudgetUS: guard.DefaultFallbackBudgetUS,
		Conformal: ConformalConfig{
			Coverage:   c.Guard.Conformal.TargetCoverage,
			MinSamples: c.Guard.Conformal.MinSamples,
			Window:     c.Guard.Conformal.WindowSize,
		},
		Guard: GuardConfig{
			FallbackBudgetUS:    c.Guard.FallbackBudgetUS,
			TimeSeriesWindow:    c.Guard.TimeSeriesWindow,
			NonconformityWindow: c.Guard.NonconformityWindow,
			EMADecay:            c.Guard.EMADecay,
		},
		Cascade: CascadeConfig{
			RecoveryThreshold: c.RecoveryThreshold,
			MaxDegradation:    c.MaxDegradation,
			MinTriggerLevel:   c.MinTriggerLevel,
		},
	}
}

// Parse overlays a YAML (or JSON) document on the defaults. Fields the
// document omits keep their default; unknown fields are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse policy: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and parses the policy document at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read policy %s: %w", path, err)
	}
	return Parse(data)
}

// Load resolves the full policy: defaults, the file at path when non-empty,
// environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ToCascadeConfig converts the policy into the cascade's native config.
func (c Config) ToCascadeConfig() cascade.Config {
	return cascade.Config{
		Guard: guard.Config{
			Conformal: conformal.Config{
				TargetCoverage: c.Conformal.Coverage,
				MinSamples:     c.Conformal.MinSamples,
				WindowSize:     c.Conformal.Window,
			},
			FallbackBudgetUS:    c.Guard.FallbackBudgetUS,
			TimeSeriesWindow:    c.Guard.TimeSeriesWindow,
			NonconformityWindow: c.Guard.NonconformityWindow,
			EMADecay:            c.Guard.EMADecay,
		},
		RecoveryThreshold: c.Cascade.RecoveryThreshold,
		MaxDegradation:    c.Cascade.MaxDegradation,
		MinTriggerLevel:   c.Cascade.MinTriggerLevel,
	}
}

type policyRecord struct {
	Schema                   string      `json:"schema"`
	BudgetUS                 json.Number `json:"budget_us"`
	ConformalCoverage        json.Number `json:"conformal_coverage"`
	ConformalMinSamples      int         `json:"conformal_min_samples"`
	ConformalWindow          int         `json:"conformal_window"`
	GuardFallbackBudgetUS    json.Number `json:"guard_fallback_budget_us"`
	GuardTimeSeriesWindow    int         `json:"guard_time_series_window"`
	GuardNonconformityWindow int         `json:"guard_nonconformity_window"`
	GuardEMADecay            json.Number `json:"guard_ema_decay"`
	CascadeRecoveryThreshold uint32      `json:"cascade_recovery_threshold"`
	CascadeMaxDegradation    string      `json:"cascade_max_degradation"`
	CascadeMinTriggerLevel   string      `json:"cascade_min_trigger_level"`
}

// JSONL renders the policy as a policy-config-v1 record, written once at the
// head of every evidence stream.
func (c Config) JSONL() string {
	return evidence.Line(evidence.SchemaPolicy, policyRecord{
		Schema:                   evidence.SchemaPolicy,
		BudgetUS:                 evidence.Fixed(c.BudgetUS, 1),
		ConformalCoverage:        evidence.Fixed(c.Conformal.Coverage, 4),
		ConformalMinSamples:      c.Conformal.MinSamples,
		ConformalWindow:          c.Conformal.Window,
		GuardFallbackBudgetUS:    evidence.Fixed(c.Guard.FallbackBudgetUS, 1),
		GuardTimeSeriesWindow:    c.Guard.TimeSeriesWindow,
		GuardNonconformityWindow: c.Guard.NonconformityWindow,
		GuardEMADecay:            evidence.Fixed(c.Guard.EMADecay, 4),
		CascadeRecoveryThreshold: c.Cascade.RecoveryThreshold,
		CascadeMaxDegradation:    c.Cascade.MaxDegradation.String(),
		CascadeMinTriggerLevel:   c.Cascade.MinTriggerLevel.String(),
	})
}
