package services

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

// Rule is a compiled field-level constraint. Check returns one issue per
// violation.
type Rule interface {
	Check(row record.Row) []Issue
}

// CompileRules turns rule definitions into checks. allowLists supplies the
// values of rules that read them from a table, indexed by rule position.
func (v *Validator) CompileRules(defs []dataset.Rule, keys []string, allowLists map[int][]string) ([]Rule, error) {
	out := make([]Rule, 0, len(defs))
	for i, d := range defs {
		switch d.Kind {
		case dataset.RuleConditionalAllowList:
			allowed := d.Values
			if d.Source != nil {
				allowed = allowLists[i]
			}
			out = append(out, conditionalAllowList{field: d.Field, when: *d.When, allowed: allowed})
		case dataset.RuleOneOf:
			out = append(out, oneOf{field: d.Field, values: d.Values, allowBlank: d.AllowBlank})
		case dataset.RuleRequired:
			out = append(out, required{field: d.Field})
		case dataset.RuleIntRange:
			out = append(out, intRange{field: d.Field, min: *d.Min, max: *d.Max})
		case dataset.RuleNumeric:
			out = append(out, numeric{field: d.Field})
		case dataset.RuleZeroKeysWhen:
			out = append(out, zeroKeysWhen{when: *d.When, keys: keys})
		case dataset.RuleExpr:
			prg, err := v.program(d.Expr)
			if err != nil {
				return nil, fmt.Errorf("rule %d: compile %q: %w", i, d.Expr, err)
			}
			out = append(out, exprRule{field: d.Field, program: prg, message: d.Message})
		default:
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, d.Kind)
		}
	}
	return out, nil
}

func conditionHolds(row record.Row, c dataset.Condition) bool {
	return slices.Contains(c.In, row.Text(c.Field))
}

type conditionalAllowList struct {
	field   string
	when    dataset.Condition
	allowed []string
}

func (r conditionalAllowList) Check(row record.Row) []Issue {
	val := row.Text(r.field)
	if val == "" {
		return nil
	}
	if conditionHolds(row, r.when) {
		if slices.Contains(r.allowed, val) {
			return nil
		}
		return []Issue{{
			Field:       r.field,
			Message:     fmt.Sprintf("Invalid %s: '%s' (not in valid options)", r.field, val),
			Suggestions: suggest(val, r.allowed),
		}}
	}
	label := r.when.Label
	if label == "" {
		label = "one of [" + strings.Join(r.when.In, ", ") + "]"
	}
	return []Issue{{
		Field:   r.field,
		Message: fmt.Sprintf("%s should be blank when %s is not %s", r.field, r.when.Field, label),
	}}
}

type oneOf struct {
	field      string
	values     []string
	allowBlank bool
}

func (r oneOf) Check(row record.Row) []Issue {
	val := row.Text(r.field)
	if val == "" {
		if r.allowBlank {
			return nil
		}
		return []Issue{{Field: r.field, Message: r.field + " is required"}}
	}
	if slices.Contains(r.values, val) {
		return nil
	}
	return []Issue{{
		Field:       r.field,
		Message:     fmt.Sprintf("%s must be %s, got '%s'", r.field, describeChoices(r.values, r.allowBlank), val),
		Suggestions: suggest(val, r.values),
	}}
}

type required struct {
	field string
}

func (r required) Check(row record.Row) []Issue {
	if row.Text(r.field) != "" {
		return nil
	}
	return []Issue{{Field: r.field, Message: r.field + " is required"}}
}

type intRange struct {
	field    string
	min, max int64
}

func (r intRange) Check(row record.Row) []Issue {
	val := row.Text(r.field)
	if val == "" {
		return []Issue{{Field: r.field, Message: r.field + " is required"}}
	}
	n, ok := parseWhole(val)
	if !ok {
		return []Issue{{Field: r.field, Message: fmt.Sprintf("Invalid %s format: %s", r.field, val)}}
	}
	if n < r.min || n > r.max {
		return []Issue{{Field: r.field, Message: fmt.Sprintf("Invalid %s: %d (Expected: %d-%d)", r.field, n, r.min, r.max)}}
	}
	return nil
}

// parseWhole accepts "3" and "3.0" but not "3.5".
func parseWhole(s string) (int64, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

type numeric struct {
	field string
}

func (r numeric) Check(row record.Row) []Issue {
	val := row.Text(r.field)
	if val == "" {
		return []Issue{{Field: r.field, Message: r.field + " is required"}}
	}
	if _, ok := record.ParseAmount(val); !ok {
		return []Issue{{Field: r.field, Message: fmt.Sprintf("Invalid %s: %s (Must be numeric)", r.field, val)}}
	}
	return nil
}

type zeroKeysWhen struct {
	when dataset.Condition
	keys []string
}

func (r zeroKeysWhen) Check(row record.Row) []Issue {
	if !conditionHolds(row, r.when) {
		return nil
	}
	var issues []Issue
	for _, k := range r.keys {
		val := row.Text(k)
		if n, ok := parseWhole(val); val == "" || ok && n == 0 {
			continue
		}
		issues = append(issues, Issue{
			Field:   k,
			Message: fmt.Sprintf("For %s, %s must be 0 (got %s)", row.Text(r.when.Field), k, val),
		})
	}
	return issues
}

type exprRule struct {
	field   string
	program cel.Program
	message string
}

func (r exprRule) Check(row record.Row) []Issue {
	vars := make(map[string]string, len(row))
	for k := range row {
		vars[k] = row.Text(k)
	}
	out, _, err := r.program.Eval(map[string]any{"row": vars})
	if err != nil {
		return []Issue{{Field: r.field, Message: fmt.Sprintf("%s (rule error: %v)", r.message, err)}}
	}
	if ok, _ := out.Value().(bool); ok {
		return nil
	}
	return []Issue{{Field: r.field, Message: r.message}}
}

func (v *Validator) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if cached, ok := v.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := cel.NewEnv(cel.Variable("row", cel.MapType(cel.StringType, cel.StringType)))
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	v.programs.Store(expr, prg)
	return prg, nil
}
