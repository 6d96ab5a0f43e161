package policy

import (
	"os"
	"strconv"

	"github.com/justin-oleary/frame-shield/pkg/budget"
)

// ApplyEnv overrides fields from the environment. Unset, unparsable and
// non-positive values leave the field unchanged.
//
//	FRAME_BUDGET_US             per-frame budget
//	CONFORMAL_COVERAGE          target coverage, e.g. "0.99"
//	CONFORMAL_MIN_SAMPLES       residuals needed before calibration
//	CONFORMAL_WINDOW            per-bucket residual window
//	GUARD_FALLBACK_BUDGET_US    warmup threshold
//	GUARD_EMA_DECAY             EMA weight on the previous estimate
//	CASCADE_RECOVERY_THRESHOLD  within-budget frames per recovery step
//	CASCADE_MAX_LEVEL           degradation ceiling, e.g. "no_styling"
//	CASCADE_MIN_TRIGGER_LEVEL   first degrade target
func (c *Config) ApplyEnv() {
	c.BudgetUS = envFloat64("FRAME_BUDGET_US", c.BudgetUS)
	c.Conformal.Coverage = envFloat64("CONFORMAL_COVERAGE", c.Conformal.Coverage)
	c.Conformal.MinSamples = envInt("CONFORMAL_MIN_SAMPLES", c.Conformal.MinSamples)
	c.Conformal.Window = envInt("CONFORMAL_WINDOW", c.Conformal.Window)
	c.Guard.FallbackBudgetUS = envFloat64("GUARD_FALLBACK_BUDGET_US", c.Guard.FallbackBudgetUS)
	c.Guard.EMADecay = envFloat64("GUARD_EMA_DECAY", c.Guard.EMADecay)
	c.Cascade.RecoveryThreshold = uint32(envInt("CASCADE_RECOVERY_THRESHOLD", int(c.Cascade.RecoveryThreshold)))
	c.Cascade.MaxDegradation = envLevel("CASCADE_MAX_LEVEL", c.Cascade.MaxDegradation)
	c.Cascade.MinTriggerLevel = envLevel("CASCADE_MIN_TRIGGER_LEVEL", c.Cascade.MinTriggerLevel)
}

func envFloat64(key string, def float64) float64 {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 1<<31-1 {
			return v
		}
	}
	return def
}

func envLevel(key string, def budget.Level) budget.Level {
	if s := os.Getenv(key); s != "" {
		if v, err := budget.ParseLevel(s); err == nil {
			return v
		}
	}
	return def
}
