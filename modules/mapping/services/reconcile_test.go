package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/persistence"
	"github.com/lahari-sy/finmap/modules/mapping/services"
)

const scenarioDefs = `
datasets:
  - name: adj
    table: ADJ
    keys: [ID]
    discriminators: [PERIOD, ADJ_TYPE]
    amounts: [AMOUNT]
    tracked: [AMOUNT]
    mode: upsert
  - name: adj-update
    table: ADJ
    keys: [ID]
    discriminators: [PERIOD, ADJ_TYPE]
    amounts: [AMOUNT]
    tracked: [AMOUNT]
`

func scenarioRig(t *testing.T) (*services.Reconciler, *persistence.MemoryStore) {
	t.Helper()
	defs, err := dataset.Parse([]byte(scenarioDefs))
	require.NoError(t, err)
	store := persistence.NewMemoryStore()
	store.Seed("ADJ", record.Row{"ID": int64(7), "PERIOD": "Jan-24", "ADJ_TYPE": "Standard", "AMOUNT": 100.0})
	return services.NewReconciler(defs, services.ReconcilerOptions{Store: store}), store
}

func adjInput(pos int, id any, period, typ string, amount any) services.InputRow {
	return services.InputRow{Position: pos, Values: map[string]any{
		"ID": id, "PERIOD": period, "ADJ_TYPE": typ, "AMOUNT": amount,
	}}
}

func submit(t *testing.T, r *services.Reconciler, ds string, rows ...services.InputRow) *services.ReconciliationResult {
	t.Helper()
	res, err := r.Submit(context.Background(), services.SubmitRequest{Dataset: ds, Actor: "alice", Rows: rows})
	require.NoError(t, err)
	return res
}

func TestSubmit_UpdateScenarioIsIdempotent(t *testing.T) {
	t.Parallel()

	r, store := scenarioRig(t)
	res := submit(t, r, "adj", adjInput(2, "7", "Jan-24", "Standard", "150"))
	require.True(t, res.Applied)
	require.Equal(t, services.MergeResult{Inserted: 0, Updated: 1, Exact: true}, res.Result)
	require.Equal(t, "Inserted 0 row(s) | Updated 1 row(s)", res.Message)
	require.Len(t, res.Records, 1)
	require.Equal(t, []services.FieldDiff{{Field: "AMOUNT", Before: "100.00", After: "150.00"}}, res.Records[0].Diffs)
	require.Equal(t, 150.0, store.Rows("ADJ")[0]["AMOUNT"])
	require.Equal(t, "alice", store.Rows("ADJ")[0]["LAST_UPDATED_BY"])

	again := submit(t, r, "adj", adjInput(2, "7", "Jan-24", "Standard", "150.00"))
	require.False(t, again.Applied)
	require.Empty(t, again.Records)
	require.Equal(t, 1, again.Unchanged)
	require.Equal(t, "No changes detected", again.Message)
}

func TestSubmit_InsertScenario(t *testing.T) {
	t.Parallel()

	cases := []struct {
		dataset  string
		want     services.MergeResult
		rows     int
		warnings int
	}{
		{dataset: "adj", want: services.MergeResult{Inserted: 1, Updated: 0, Exact: true}, rows: 2},
		{dataset: "adj-update", want: services.MergeResult{Inserted: 0, Updated: 0, Exact: true}, rows: 1, warnings: 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.dataset, func(t *testing.T) {
			t.Parallel()
			r, store := scenarioRig(t)
			res := submit(t, r, tc.dataset, adjInput(2, 9, "Feb-24", "Standard", 25))
			require.Equal(t, tc.want, res.Result)
			require.Len(t, res.Records, 1)
			require.True(t, res.Records[0].Insert)
			require.Equal(t, record.BlankDisplay, res.Records[0].Diffs[0].Before)
			require.Len(t, res.Warnings, tc.warnings)
			require.Len(t, store.Rows("ADJ"), tc.rows)
		})
	}
}

func TestSubmit_DuplicatesAbortBeforeWrites(t *testing.T) {
	t.Parallel()

	r, store := scenarioRig(t)
	store.FailOn("stage", errors.New("must not stage"))
	_, err := r.Submit(context.Background(), services.SubmitRequest{Dataset: "adj", Rows: []services.InputRow{
		adjInput(2, 7, "Jan-24", "Standard", 1),
		adjInput(3, 8, "Jan-24", "Standard", 1),
		adjInput(4, "7.0", "Jan-24", "Standard", 2),
	}})
	var dup *services.DuplicateIdentityError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, 2, dup.First)
	require.Equal(t, 4, dup.Second)
	require.Equal(t, 100.0, store.Rows("ADJ")[0]["AMOUNT"])
}

func TestSubmit_Errors(t *testing.T) {
	t.Parallel()

	r, _ := scenarioRig(t)
	_, err := r.Submit(context.Background(), services.SubmitRequest{Dataset: "nope"})
	require.ErrorIs(t, err, services.ErrUnknownDataset)

	_, err = r.Submit(context.Background(), services.SubmitRequest{Dataset: "adj", Rows: []services.InputRow{
		{Position: 2, Values: map[string]any{"ID": 1, "PERIOD": "Jan-24", "ADJ_TYPE": "Standard"}},
	}})
	var inErr *services.InputError
	require.ErrorAs(t, err, &inErr)
	require.Equal(t, "missing required columns: AMOUNT", inErr.Error())
}

func TestSubmit_StoreFailureCleansUp(t *testing.T) {
	t.Parallel()

	r, store := scenarioRig(t)
	boom := errors.New("connection reset")
	store.FailOn("merge", boom)

	_, err := r.Submit(context.Background(), services.SubmitRequest{Dataset: "adj", Rows: []services.InputRow{adjInput(2, 7, "Jan-24", "Standard", 3)}})
	require.ErrorIs(t, err, boom)
	var se *services.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "merge", se.Op)
	require.Zero(t, store.StagingCount())
}

func TestSubmit_UnreportedCountsAreApproximated(t *testing.T) {
	t.Parallel()

	r, store := scenarioRig(t)
	store.HideCounts = true
	res := submit(t, r, "adj", adjInput(2, 7, "Jan-24", "Standard", 3), adjInput(3, 9, "Jan-24", "Standard", 4))
	require.Equal(t, services.MergeResult{Updated: 2}, res.Result)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	t.Parallel()

	r, store := scenarioRig(t)
	res, err := r.Preview(context.Background(), services.SubmitRequest{Dataset: "adj", Rows: []services.InputRow{adjInput(2, 7, "Jan-24", "Standard", 3)}})
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Len(t, res.Records, 1)
	require.Equal(t, "1 change(s) pending, 0 new row(s)", res.Message)
	require.Equal(t, 100.0, store.Rows("ADJ")[0]["AMOUNT"])
}

// Shipped definitions.

var metricLevels = []string{"METRIC_L1", "METRIC_L2", "METRIC_L3", "METRIC_L4", "METRIC_L5", "METRIC_L6"}

func metricRow(id int64, path ...string) record.Row {
	r := record.Row{"COA_ID": id}
	for i, l := range metricLevels {
		r[l] = ""
		if i < len(path) {
			r[l] = path[i]
		}
	}
	return r
}

func shippedRig(t *testing.T) (*services.Reconciler, *persistence.MemoryStore) {
	t.Helper()
	defs, err := dataset.Load(filepath.Join("..", "..", "..", "config", "datasets.yaml"))
	require.NoError(t, err)

	store := persistence.NewMemoryStore()
	store.Seed("METRIC_HIERARCHY",
		metricRow(1, "Assets", "Cash", "Bank"),
		metricRow(2, "Assets", "Cash"),
		metricRow(3, "Current Liabilities", "Debt"),
		metricRow(4, "Revenue", "Sales"),
	)
	store.Seed("CASHFLOW_HIERARCHY",
		record.Row{"ROW_ID": int64(1), "CASHFLOW_L1": "Operating", "CASHFLOW_L2": "Working Capital", "CASHFLOW_L3": "Receivables"},
	)
	store.Seed("DEBT_MAPPING", record.Row{"DEBT_CATEGORY": "Term Loan"}, record.Row{"DEBT_CATEGORY": "Revolver"})
	base := metricRow(0, "Assets", "Cash")
	delete(base, "COA_ID")
	for k, v := range map[string]any{
		"ENTITY_ID": int64(7), "ACCOUNT_ID": int64(3), "ENTITY_NAME": "Acme", "ACCOUNT_NAME": "Cash at bank",
		"IS_BS": "BS", "CASHFLOW_L1": "Operating", "CASHFLOW_L2": "Working Capital", "CASHFLOW_L3": "Receivables",
		"DEBT_MAPPING": "",
	} {
		base[k] = v
	}
	store.Seed("COA_MAPPING", base)
	return services.NewReconciler(defs, services.ReconcilerOptions{Store: store}), store
}

func coaInput(pos int, metric []string, debt string) services.InputRow {
	row := metricRow(0, metric...)
	delete(row, "COA_ID")
	values := map[string]any{
		"ENTITY_ID": "7", "ACCOUNT_ID": "3", "IS_BS": "BS",
		"CASHFLOW_L1": "Operating", "CASHFLOW_L2": "Working Capital", "CASHFLOW_L3": "Receivables",
		"DEBT_MAPPING": debt,
	}
	for k, v := range row {
		values[k] = v
	}
	return services.InputRow{Position: pos, Values: values}
}

func TestSubmit_COAValidation(t *testing.T) {
	t.Parallel()

	r, store := shippedRig(t)
	res := submit(t, r, "coa",
		coaInput(2, []string{"Assets", "Vault"}, ""),
		coaInput(3, []string{"Assets", "Cash", "Bank"}, "Term Loan"),
	)
	require.False(t, res.Applied)
	require.Equal(t, "2 row(s) failed validation; nothing was written", res.Message)
	require.Len(t, res.Invalid, 2)
	require.Equal(t, "Row 2 (7, 3): Invalid metric hierarchy: Assets → Vault", res.Invalid[0].String())
	require.Equal(t, "DEBT_MAPPING should be blank when METRIC_L1 is not a liability", res.Invalid[1].Issues[0].Message)
	require.Equal(t, "", store.Rows("COA_MAPPING")[0]["METRIC_L3"])

	res = submit(t, r, "coa", coaInput(2, []string{"Assets", "Cash", "Bank"}, ""))
	require.True(t, res.Applied)
	require.Equal(t, services.MergeResult{Updated: 1, Exact: true}, res.Result)
	require.Equal(t, []services.FieldDiff{{Field: "METRIC_L3", Before: record.BlankDisplay, After: "Bank"}}, res.Records[0].Diffs)
	require.Equal(t, "Bank", store.Rows("COA_MAPPING")[0]["METRIC_L3"])
	require.Equal(t, "Acme", store.Rows("COA_MAPPING")[0]["ENTITY_NAME"])
}

func TestSubmit_AdjustmentsDerivePeriodAndEnrich(t *testing.T) {
	t.Parallel()

	r, store := shippedRig(t)
	res := submit(t, r, "adjustments", services.InputRow{Position: 2, Values: map[string]any{
		"ENTITY_ID": 7, "ACCOUNT_ID": 3, "MONTH": "1", "YEAR": 2024.0, "ADJ_TYPE": "Standard", "AMOUNT": "1,250.50",
	}})
	require.True(t, res.Applied)
	require.Equal(t, 1, res.Result.Inserted)

	rows := store.Rows("ADJUSTMENTS")
	require.Len(t, rows, 1)
	require.Equal(t, "Jan-24", rows[0]["PERIOD"])
	require.Equal(t, "Acme", rows[0]["ENTITY_NAME"])
	require.Equal(t, 1250.5, rows[0]["AMOUNT"])
	require.Equal(t, "alice", rows[0]["CREATED_BY"])

	bad := submit(t, r, "adjustments", services.InputRow{Position: 5, Values: map[string]any{
		"ENTITY_ID": 7, "ACCOUNT_ID": 3, "MONTH": "13", "YEAR": "2024", "ADJ_TYPE": "Lender Adjustment", "AMOUNT": "x",
	}})
	require.Len(t, bad.Invalid, 1)
	require.Equal(t, []string{
		"Invalid MONTH: 13 (Expected: 1-12)",
		"Invalid AMOUNT: x (Must be numeric)",
		"For Lender Adjustment, ENTITY_ID must be 0 (got 7)",
		"For Lender Adjustment, ACCOUNT_ID must be 0 (got 3)",
	}, issueMessages(bad.Invalid[0].Issues))
}

func TestSubmit_ZeusResolvesCOA(t *testing.T) {
	t.Parallel()

	r, store := shippedRig(t)
	values := map[string]any{"ENTITY_ID": 7, "ACCOUNT_ID": 3, "MONTH": 2, "YEAR": 2024, "ADJ_TYPE": "Standard", "AMOUNT": 10}
	for k, v := range metricRow(0, "Assets", "Cash", "Bank") {
		if k != "COA_ID" {
			values[k] = v
		}
	}
	res := submit(t, r, "zeus-adjustments", services.InputRow{Position: 2, Values: values})
	require.True(t, res.Applied)
	rows := store.Rows("ZEUS_ADJUSTMENTS")
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0]["COA_ID"])
	require.Equal(t, "Feb-24", rows[0]["PERIOD"])
}

func TestSubmit_HierarchyWriteRefreshesCascade(t *testing.T) {
	t.Parallel()

	r, _ := shippedRig(t)
	ctx := context.Background()
	tree, err := r.Provider().Tree(ctx, "metric")
	require.NoError(t, err)
	require.NotContains(t, tree.OptionsAt(), "Equity")

	values := map[string]any{}
	for k, v := range metricRow(10, "Equity", "Retained Earnings") {
		values[k] = v
	}
	res := submit(t, r, "metric-hierarchy", services.InputRow{Position: 2, Values: values})
	require.Equal(t, 1, res.Result.Inserted)

	tree, err = r.Provider().Tree(ctx, "metric")
	require.NoError(t, err)
	require.Contains(t, tree.OptionsAt(), "Equity")
	require.Equal(t, []string{"Retained Earnings"}, tree.OptionsAt("Equity"))
}

func TestSubmitEdits(t *testing.T) {
	t.Parallel()

	r, store := shippedRig(t)
	ctx := context.Background()
	first := submit(t, r, "adjustments", services.InputRow{Position: 2, Values: map[string]any{
		"ENTITY_ID": 7, "ACCOUNT_ID": 3, "MONTH": "1", "YEAR": "2024", "ADJ_TYPE": "Standard", "AMOUNT": "100",
	}})
	require.True(t, first.Applied)

	key := map[string]any{"ENTITY_ID": 7, "ACCOUNT_ID": 3, "PERIOD": "Jan-24", "ADJ_TYPE": "Standard"}
	res, err := r.SubmitEdits(ctx, services.EditsRequest{
		Dataset: "adjustments",
		Actor:   "carol",
		Edits:   []services.Edit{{Key: key, Patch: json.RawMessage(`{"AMOUNT": 200}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, services.MergeResult{Updated: 1, Exact: true}, res.Result)
	require.Equal(t, 200.0, store.Rows("ADJUSTMENTS")[0]["AMOUNT"])
	require.Equal(t, "carol", store.Rows("ADJUSTMENTS")[0]["LAST_UPDATED_BY"])

	_, err = r.SubmitEdits(ctx, services.EditsRequest{
		Dataset: "adjustments",
		Edits:   []services.Edit{{Key: key, Patch: json.RawMessage(`{"ADJ_TYPE": "Reclass"}`)}},
	})
	var inErr *services.InputError
	require.ErrorAs(t, err, &inErr)
	require.Contains(t, inErr.Error(), "must not change the identity")

	for _, patch := range []string{
		`{"MONTH": "2", "YEAR": "2024"}`,
		`{"MONTH": "3", "AMOUNT": 5}`,
		`{"YEAR": 2025}`,
	} {
		_, err = r.SubmitEdits(ctx, services.EditsRequest{
			Dataset: "adjustments",
			Edits:   []services.Edit{{Key: key, Patch: json.RawMessage(patch)}},
		})
		require.ErrorAs(t, err, &inErr, patch)
		require.Contains(t, inErr.Error(), "must not change the identity", patch)
	}
	rows := store.Rows("ADJUSTMENTS")
	require.Len(t, rows, 1)
	require.Equal(t, "Jan-24", rows[0]["PERIOD"])
	require.Equal(t, 200.0, rows[0]["AMOUNT"])

	res, err = r.SubmitEdits(ctx, services.EditsRequest{
		Dataset: "adjustments",
		Edits:   []services.Edit{{Key: key, Patch: json.RawMessage(`{"MONTH": "1", "AMOUNT": 250}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, services.MergeResult{Updated: 1, Exact: true}, res.Result)
	require.Equal(t, 250.0, store.Rows("ADJUSTMENTS")[0]["AMOUNT"])

	_, err = r.SubmitEdits(ctx, services.EditsRequest{
		Dataset: "coa",
		Edits:   []services.Edit{{Key: map[string]any{"ENTITY_ID": 99, "ACCOUNT_ID": 1}, Patch: json.RawMessage(`{"METRIC_L1": "Assets"}`)}},
	})
	require.ErrorAs(t, err, &inErr)
	require.Equal(t, "edit 1: no coa row for key (99, 1)", inErr.Error())
}

func issueMessages(issues []services.Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Message
	}
	return out
}
