// Package convert provides numeric conversion helpers for provider payloads.
package convert

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ToFloat64 converts provider numeric values (strings, json.Number, native numbers) to float64.
// Strings go through decimal parsing so values like "0.1" round-trip exactly as the provider wrote them.
// Returns 0 for unsupported types or parse failures.
func ToFloat64(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case json.Number:
		return parseDecimal(t.String())
	case string:
		return parseDecimal(t)
	default:
		return 0
	}
}

func parseDecimal(s string) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
