package services

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lahari-sy/finmap/modules/mapping/domain/cascade"
	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

var (
	testMetricLevels   = []string{"METRIC_L1", "METRIC_L2", "METRIC_L3", "METRIC_L4", "METRIC_L5", "METRIC_L6"}
	testCashflowLevels = []string{"CASHFLOW_L1", "CASHFLOW_L2", "CASHFLOW_L3"}
)

func levelsRow(levels []string, values ...string) record.Row {
	r := record.Row{}
	for i, l := range levels {
		if i < len(values) {
			r[l] = values[i]
		} else {
			r[l] = ""
		}
	}
	return r
}

func testMetricTree() *cascade.Tree {
	return cascade.Build([]record.Row{
		levelsRow(testMetricLevels, "Assets", "Cash"),
		levelsRow(testMetricLevels, "Assets", "Cash", "Bank"),
		levelsRow(testMetricLevels, "Current Liabilities", "Debt"),
		levelsRow(testMetricLevels, "Revenue", "Sales"),
	}, testMetricLevels)
}

func testCashflowTree() *cascade.Tree {
	return cascade.Build([]record.Row{
		levelsRow(testCashflowLevels, "Operating", "Working Capital", "Receivables"),
		levelsRow(testCashflowLevels, "Financing", "Debt"),
	}, testCashflowLevels)
}

func coaRow(metric []string, isBS string, cashflow []string, debt string) record.Row {
	r := levelsRow(testMetricLevels, metric...)
	for k, v := range levelsRow(testCashflowLevels, cashflow...) {
		r[k] = v
	}
	r["IS_BS"] = isBS
	r["DEBT_MAPPING"] = debt
	return r
}

func coaChecks(t *testing.T, v *Validator) (*HierarchyCheck, *HierarchyCheck, *Activation, []Rule) {
	t.Helper()
	rules, err := v.CompileRules([]dataset.Rule{{
		Kind:   dataset.RuleConditionalAllowList,
		Field:  "DEBT_MAPPING",
		When:   &dataset.Condition{Field: "METRIC_L1", In: []string{"Current Liabilities", "Non-Current Liabilities"}, Label: "a liability"},
		Source: &dataset.Source{Table: "DEBT_MAPPING", Column: "DEBT_CATEGORY"},
	}}, nil, map[int][]string{0: {"Term Loan", "Revolver"}})
	require.NoError(t, err)
	return &HierarchyCheck{Name: "metric", Tree: testMetricTree()},
		&HierarchyCheck{Name: "cashflow", Tree: testCashflowTree()},
		&Activation{Field: "IS_BS", Active: "BS", Inactive: "IS", Label: "Cashflow"},
		rules
}

func messages(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Message
	}
	return out
}

func TestValidate_COARows(t *testing.T) {
	t.Parallel()

	v := NewValidator()
	primary, secondary, activation, rules := coaChecks(t, v)

	cases := []struct {
		name string
		row  record.Row
		want []string
	}{
		{
			name: "valid balance sheet row",
			row:  coaRow([]string{"Assets", "Cash", "Bank"}, "BS", []string{"Operating", "Working Capital", "Receivables"}, ""),
		},
		{
			name: "valid income statement row",
			row:  coaRow([]string{"Revenue", "Sales"}, "IS", nil, ""),
		},
		{
			name: "blank flag skips cashflow",
			row:  coaRow([]string{"Assets", "Cash"}, "", []string{"Nonsense"}, ""),
		},
		{
			name: "invalid metric path",
			row:  coaRow([]string{"Assets", "Vault"}, "", nil, ""),
			want: []string{"Invalid metric hierarchy: Assets → Vault"},
		},
		{
			name: "all blank metric path",
			row:  coaRow(nil, "", nil, ""),
			want: []string{"Invalid metric hierarchy: [ALL BLANK]"},
		},
		{
			name: "invalid cashflow path",
			row:  coaRow([]string{"Assets", "Cash"}, "BS", []string{"Operating", "Capex"}, ""),
			want: []string{"Invalid cashflow hierarchy: Operating → Capex"},
		},
		{
			name: "cashflow populated for IS",
			row:  coaRow([]string{"Revenue", "Sales"}, "IS", []string{"Operating"}, ""),
			want: []string{"Cashflow columns should be blank for IS_BS='IS'"},
		},
		{
			name: "bad flag",
			row:  coaRow([]string{"Revenue", "Sales"}, "XX", nil, ""),
			want: []string{"IS_BS must be blank, 'IS', or 'BS', got 'XX'"},
		},
		{
			name: "debt not in allow list",
			row:  coaRow([]string{"Current Liabilities", "Debt"}, "", nil, "Mortgage"),
			want: []string{"Invalid DEBT_MAPPING: 'Mortgage' (not in valid options)"},
		},
		{
			name: "debt on non liability",
			row:  coaRow([]string{"Assets", "Cash"}, "", nil, "Term Loan"),
			want: []string{"DEBT_MAPPING should be blank when METRIC_L1 is not a liability"},
		},
		{
			name: "every problem reported",
			row:  coaRow([]string{"Assets", "Vault"}, "IS", []string{"Operating"}, "Term Loan"),
			want: []string{
				"Invalid metric hierarchy: Assets → Vault",
				"Cashflow columns should be blank for IS_BS='IS'",
				"DEBT_MAPPING should be blank when METRIC_L1 is not a liability",
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			issues := v.Validate(tc.row, primary, secondary, activation, rules)
			if len(tc.want) == 0 {
				require.Empty(t, issues)
				return
			}
			require.Equal(t, tc.want, messages(issues))
		})
	}
}

func TestValidate_SuggestsNearbyOptions(t *testing.T) {
	t.Parallel()

	v := NewValidator()
	primary, _, _, _ := coaChecks(t, v)
	issues := v.Validate(coaRow([]string{"Assets", "Csh"}, "", nil, ""), primary, nil, nil, nil)
	require.Len(t, issues, 1)
	require.Equal(t, "METRIC_L2", issues[0].Field)
	require.Equal(t, []string{"Cash"}, issues[0].Suggestions)

	issues = v.Validate(coaRow([]string{"Asets", "Cash"}, "", nil, ""), primary, nil, nil, nil)
	require.Len(t, issues, 1)
	require.Contains(t, issues[0].Suggestions, "Assets")
}

func TestCompileRules_AdjustmentRules(t *testing.T) {
	t.Parallel()

	one, twelve := int64(1), int64(12)
	y0, y1 := int64(2023), int64(2026)
	special := &dataset.Condition{Field: "ADJ_TYPE", In: []string{"Lender Adjustment", "Pro-Forma Adjustment"}}
	v := NewValidator()
	rules, err := v.CompileRules([]dataset.Rule{
		{Kind: dataset.RuleOneOf, Field: "ADJ_TYPE", Values: []string{"Standard", "Lender Adjustment", "Pro-Forma Adjustment"}},
		{Kind: dataset.RuleIntRange, Field: "MONTH", Min: &one, Max: &twelve},
		{Kind: dataset.RuleIntRange, Field: "YEAR", Min: &y0, Max: &y1},
		{Kind: dataset.RuleNumeric, Field: "AMOUNT"},
		{Kind: dataset.RuleZeroKeysWhen, When: special},
	}, []string{"ENTITY_ID", "ACCOUNT_ID"}, nil)
	require.NoError(t, err)

	row := func(kv ...string) record.Row {
		r := record.Row{"ENTITY_ID": "7", "ACCOUNT_ID": "3", "ADJ_TYPE": "Standard", "MONTH": "1", "YEAR": "2024", "AMOUNT": "10"}
		for i := 0; i+1 < len(kv); i += 2 {
			r[kv[i]] = kv[i+1]
		}
		return r
	}
	check := func(r record.Row) []string {
		return messages(v.Validate(r, nil, nil, nil, rules))
	}

	require.Empty(t, check(row()))
	require.Empty(t, check(row("MONTH", "12.0", "AMOUNT", "1,250.75")))
	require.Equal(t, []string{"ADJ_TYPE is required"}, check(row("ADJ_TYPE", "")))
	require.Equal(t, []string{"ADJ_TYPE must be 'Standard', 'Lender Adjustment', or 'Pro-Forma Adjustment', got 'Standrd'"}, check(row("ADJ_TYPE", "Standrd")))
	require.Equal(t, []string{"Invalid MONTH: 13 (Expected: 1-12)"}, check(row("MONTH", "13")))
	require.Equal(t, []string{"Invalid MONTH format: Jan"}, check(row("MONTH", "Jan")))
	require.Equal(t, []string{"YEAR is required"}, check(row("YEAR", "")))
	require.Equal(t, []string{"Invalid AMOUNT: ten (Must be numeric)"}, check(row("AMOUNT", "ten")))
	require.Equal(t, []string{
		"For Lender Adjustment, ENTITY_ID must be 0 (got 7)",
		"For Lender Adjustment, ACCOUNT_ID must be 0 (got 3)",
	}, check(row("ADJ_TYPE", "Lender Adjustment")))
	require.Empty(t, check(row("ADJ_TYPE", "Pro-Forma Adjustment", "ENTITY_ID", "0", "ACCOUNT_ID", "")))
	require.Empty(t, check(row("ADJ_TYPE", "Lender Adjustment", "ENTITY_ID", "0.0", "ACCOUNT_ID", "0")))
	require.Equal(t, []string{
		"For Pro-Forma Adjustment, ENTITY_ID must be 0 (got abc)",
	}, check(row("ADJ_TYPE", "Pro-Forma Adjustment", "ENTITY_ID", "abc", "ACCOUNT_ID", "0")))
}

func TestCompileRules_OneOfBlank(t *testing.T) {
	t.Parallel()

	v := NewValidator()
	cases := []struct {
		name       string
		allowBlank bool
		value      string
		want       []string
	}{
		{"blank rejected", false, "", []string{"SEGMENT is required"}},
		{"blank allowed", true, "", nil},
		{"listed value", false, "Core", nil},
		{"unlisted value", true, "Other", []string{"SEGMENT must be blank, 'Core', or 'Legacy', got 'Other'"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rules, err := v.CompileRules([]dataset.Rule{{
				Kind: dataset.RuleOneOf, Field: "SEGMENT", Values: []string{"Core", "Legacy"}, AllowBlank: tc.allowBlank,
			}}, nil, nil)
			require.NoError(t, err)
			issues := v.Validate(record.Row{"SEGMENT": tc.value}, nil, nil, nil, rules)
			if len(tc.want) == 0 {
				require.Empty(t, issues)
				return
			}
			require.Equal(t, tc.want, messages(issues))
		})
	}
}

func TestCompileRules_Expr(t *testing.T) {
	t.Parallel()

	v := NewValidator()
	rules, err := v.CompileRules([]dataset.Rule{{
		Kind:    dataset.RuleExpr,
		Field:   "AMOUNT",
		Expr:    `row.ADJ_TYPE != "Reclass" || row.AMOUNT != "0"`,
		Message: "Reclass adjustments must carry a non-zero AMOUNT",
	}}, nil, nil)
	require.NoError(t, err)

	require.Empty(t, v.Validate(record.Row{"ADJ_TYPE": "Reclass", "AMOUNT": "5"}, nil, nil, nil, rules))
	require.Equal(t,
		[]string{"Reclass adjustments must carry a non-zero AMOUNT"},
		messages(v.Validate(record.Row{"ADJ_TYPE": "Reclass", "AMOUNT": "0"}, nil, nil, nil, rules)),
	)

	_, err = v.CompileRules([]dataset.Rule{{Kind: dataset.RuleExpr, Expr: `row.AMOUNT`, Message: "x"}}, nil, nil)
	require.Error(t, err)
	_, err = v.CompileRules([]dataset.Rule{{Kind: dataset.RuleExpr, Expr: `row.AMOUNT ==`, Message: "x"}}, nil, nil)
	require.Error(t, err)
}

func TestRowIssues_String(t *testing.T) {
	t.Parallel()

	ri := RowIssues{Position: 4, Key: "(7, 3)", Issues: []Issue{{Message: "a"}, {Message: "b"}}}
	require.Equal(t, "Row 4 (7, 3): a | b", ri.String())
}
