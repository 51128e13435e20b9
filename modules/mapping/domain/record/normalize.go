package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Normalize canonicalizes raw values against a schema.
//
// Key columns become int64 (blank, null and non-numeric map to 0), amount
// columns become float64 (unparsable maps to 0) and every other column is
// trimmed text with null-like markers collapsed to "". Schema columns absent
// from raw are filled with their zero value. Columns outside the schema are
// carried through as text.
func Normalize(raw map[string]any, s Schema) Row {
	out := make(Row, len(raw)+len(s.Tracked))
	for name, v := range raw {
		out[name] = normalizeColumn(name, v, s)
	}
	for _, name := range s.Columns() {
		if _, ok := out[name]; !ok {
			out[name] = normalizeColumn(name, nil, s)
		}
	}
	return out
}

// TextRow normalizes every value of raw as text. Validation runs on this
// view so that unparsable numbers are still visible as typed.
func TextRow(raw map[string]any) Row {
	out := make(Row, len(raw))
	for name, v := range raw {
		out[name] = NormalizeText(v)
	}
	return out
}

// NormalizeAll normalizes a batch of raw rows.
func NormalizeAll(raws []map[string]any, s Schema) []Row {
	out := make([]Row, len(raws))
	for i, raw := range raws {
		out[i] = Normalize(raw, s)
	}
	return out
}

func normalizeColumn(name string, v any, s Schema) any {
	switch {
	case s.IsKey(name):
		return NormalizeKey(v)
	case s.IsAmount(name):
		return NormalizeAmount(v)
	default:
		return NormalizeText(v)
	}
}

// NormalizeText collapses nil, NaN and the literals "nan", "none" and "null"
// (any case) to "" and trims everything else.
func NormalizeText(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s = x
	case []byte:
		s = string(x)
	case float64:
		if math.IsNaN(x) {
			return ""
		}
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		if math.IsNaN(float64(x)) {
			return ""
		}
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		s = x.String()
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "nan", "none", "null":
		return ""
	}
	return s
}

// NormalizeKey parses a primary key value. It never fails: anything that is
// not a finite number maps to 0 and fractional values are truncated.
func NormalizeKey(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return int64(x)
	}
	s := NormalizeText(v)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(f)
}

// NormalizeAmount parses an amount, ignoring thousands separators.
// Unparsable input maps to 0.
func NormalizeAmount(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	}
	d, ok := ParseAmount(v)
	if !ok {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// ParseAmount parses v as a decimal amount and reports whether it was valid.
// Blank input is not valid.
func ParseAmount(v any) (decimal.Decimal, bool) {
	if f, ok := v.(float64); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(f), true
	}
	s := strings.ReplaceAll(NormalizeText(v), ",", "")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Display renders a normalized value for review. Blank renders as
// BlankDisplay and amounts always carry two decimals.
func Display(v any) string {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x).StringFixed(2)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	s := Canonical(v)
	if s == "" {
		return BlankDisplay
	}
	return s
}
