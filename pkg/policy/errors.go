package policy

import (
	"errors"
	"fmt"
	"math"

	"github.com/justin-oleary/frame-shield/pkg/budget"
)

// ErrInvalidPolicy is wrapped by every validation failure, so callers can
// test with errors.Is regardless of which field was rejected.
var ErrInvalidPolicy = errors.New("invalid governor policy")

// FieldError names the rejected field, the offending value and the
// constraint it broke. Callers use errors.As to report it field by field.
type FieldError struct {
	Field      string
	Value      any
	Constraint string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s=%v: must be %s", ErrInvalidPolicy, e.Field, e.Value, e.Constraint)
}

func (e *FieldError) Unwrap() error { return ErrInvalidPolicy }

// Validate reports every field that violates its constraint. The result is
// nil or an errors.Join of *FieldError values.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, field string, value any, constraint string) {
		if !ok {
			errs = append(errs, &FieldError{Field: field, Value: value, Constraint: constraint})
		}
	}

	check(positive(c.BudgetUS), "budget_us", c.BudgetUS, "a positive finite number")
	check(c.Conformal.Coverage > 0 && c.Conformal.Coverage < 1,
		"conformal.coverage", c.Conformal.Coverage, "in (0, 1)")
	check(c.Conformal.MinSamples >= 1, "conformal.min_samples", c.Conformal.MinSamples, ">= 1")
	check(c.Conformal.Window >= 0, "conformal.window", c.Conformal.Window, ">= 0")
	check(positive(c.Guard.FallbackBudgetUS), "guard.fallback_budget_us", c.Guard.FallbackBudgetUS, "a positive finite number")
	check(c.Guard.TimeSeriesWindow >= 0, "guard.time_series_window", c.Guard.TimeSeriesWindow, ">= 0")
	check(c.Guard.NonconformityWindow >= 0, "guard.nonconformity_window", c.Guard.NonconformityWindow, ">= 0")
	check(c.Guard.EMADecay >= 0 && c.Guard.EMADecay <= 1, "guard.ema_decay", c.Guard.EMADecay, "in [0, 1]")
	check(c.Cascade.MaxDegradation <= budget.SkipFrame,
		"cascade.max_degradation", c.Cascade.MaxDegradation, "a ladder level")
	check(c.Cascade.MinTriggerLevel <= c.Cascade.MaxDegradation,
		"cascade.min_trigger_level", c.Cascade.MinTriggerLevel, "at or below cascade.max_degradation")

	return errors.Join(errs...)
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
