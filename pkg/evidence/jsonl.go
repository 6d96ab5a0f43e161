// Package evidence carries the governor's structured audit trail: fixed-point
// JSON numbers for the JSONL schemas, a line sink, a SQLite ledger and the
// embedded JSON Schemas every record must satisfy.
package evidence

import (
	"encoding/json"
	"math"
	"strconv"
)

// Schema identifiers. Downstream dashboards key on these strings.
const (
	SchemaPrediction     = "conformal-frame-guard-v1"
	SchemaGuardTelemetry = "conformal-frame-guard-telemetry-v1"
	SchemaCascade        = "degradation-cascade-v1"
	SchemaCascadeTelem   = "cascade-telemetry-v1"
	SchemaPolicy         = "policy-config-v1"
)

// Fixed renders v with prec decimal places as a JSON number. Non-finite
// values are written as 0 so the record stays valid JSON.
func Fixed(v float64, prec int) json.Number {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return json.Number("0")
	}
	return json.Number(strconv.FormatFloat(v, 'f', prec, 64))
}

// Line marshals rec to a single JSON line without a trailing newline. The
// record types in this module only hold strings, bools, integers and Fixed
// numbers, so marshaling cannot fail in practice; if it does, a minimal
// object carrying the schema and the error is returned instead.
func Line(schema string, rec any) string {
	b, err := json.Marshal(rec)
	if err != nil {
		fallback, _ := json.Marshal(struct {
			Schema string `json:"schema"`
			Error  string `json:"error"`
		}{schema, err.Error()})
		return string(fallback)
	}
	return string(b)
}
