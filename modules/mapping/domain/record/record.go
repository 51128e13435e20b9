package record

import (
	"slices"
	"strconv"
	"strings"
)

// BlankDisplay is shown in place of an empty value in human-facing diffs.
const BlankDisplay = "[NULL/Blank]"

// Row is a normalized record keyed by column name.
// Key columns hold int64, amount columns float64 and everything else string.
type Row map[string]any

// Schema describes how a table's columns are typed and identified.
type Schema struct {
	Keys           []string
	Discriminators []string
	Amounts        []string
	Tracked        []string
	Display        []string
}

// Identity returns the columns forming the full row identity: keys first,
// then discriminators.
func (s Schema) Identity() []string {
	out := make([]string, 0, len(s.Keys)+len(s.Discriminators))
	out = append(out, s.Keys...)
	out = append(out, s.Discriminators...)
	return out
}

// Columns returns identity, display and tracked columns without duplicates.
func (s Schema) Columns() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(s.Keys)+len(s.Discriminators)+len(s.Display)+len(s.Tracked))
	for _, group := range [][]string{s.Keys, s.Discriminators, s.Display, s.Tracked} {
		for _, c := range group {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func (s Schema) IsKey(column string) bool {
	return slices.Contains(s.Keys, column)
}

func (s Schema) IsAmount(column string) bool {
	return slices.Contains(s.Amounts, column)
}

// Text returns the canonical text of a column; missing columns read as "".
func (r Row) Text(column string) string {
	return Canonical(r[column])
}

func (r Row) Int(column string) int64 {
	return NormalizeKey(r[column])
}

func (r Row) Float(column string) float64 {
	return NormalizeAmount(r[column])
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project returns a copy restricted to columns. Missing columns are omitted.
func (r Row) Project(columns []string) Row {
	out := make(Row, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// Canonical renders a normalized value for comparison and hashing.
func Canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return NormalizeText(v)
	}
}

// Equal compares two normalized values. Blank equals blank regardless of
// the original representation.
func Equal(a, b any) bool {
	return Canonical(a) == Canonical(b)
}

// IsBlank reports whether a normalized value is the empty string.
func IsBlank(v any) bool {
	s, ok := v.(string)
	return v == nil || (ok && s == "")
}

// Key is the canonical form of a row's full identity.
type Key string

const keySep = "\x1f"

// KeyOf builds the identity key of r over the given columns.
func KeyOf(r Row, identity []string) Key {
	parts := make([]string, len(identity))
	for i, c := range identity {
		parts[i] = Canonical(r[c])
	}
	return Key(strings.Join(parts, keySep))
}

// Parts returns the canonical value per identity column.
func (k Key) Parts() []string {
	return strings.Split(string(k), keySep)
}

// String renders the key as a tuple, e.g. (7, Jan-24, Standard).
func (k Key) String() string {
	return "(" + strings.Join(k.Parts(), ", ") + ")"
}
