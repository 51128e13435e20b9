package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
	"github.com/lahari-sy/finmap/pkg/composables"
)

type fakeWriter struct {
	stageErr error
	mergeErr error
	dropErr  error
	counts   MergeCounts

	staged  []record.Row
	spec    MergeSpec
	calls   []string
	dropped []string
}

func (f *fakeWriter) Stage(_ context.Context, table string, columns []string, rows []record.Row) (StagingHandle, error) {
	f.calls = append(f.calls, "stage")
	if f.stageErr != nil {
		return StagingHandle{}, f.stageErr
	}
	f.staged = rows
	return StagingHandle{Name: "stage_1", Target: table, Columns: columns, Rows: len(rows)}, nil
}

func (f *fakeWriter) Merge(_ context.Context, spec MergeSpec) (MergeCounts, error) {
	f.calls = append(f.calls, "merge")
	f.spec = spec
	return f.counts, f.mergeErr
}

func (f *fakeWriter) DropStaging(_ context.Context, h StagingHandle) error {
	f.calls = append(f.calls, "drop")
	f.dropped = append(f.dropped, h.Name)
	return f.dropErr
}

func changeSet(n int) []ChangeRecord {
	out := make([]ChangeRecord, n)
	for i := range out {
		out[i] = ChangeRecord{After: adj(int64(i+1), int64(10), "Jan-24", "Standard", float64(i))}
	}
	return out
}

func adjTarget(upsert bool) MergeTarget {
	return MergeTarget{
		Table:           "ADJUSTMENTS",
		Schema:          adjSchema,
		Upsert:          upsert,
		CreatedByColumn: "CREATED_BY",
		CreatedAtColumn: "CREATED_AT",
		UpdatedByColumn: "LAST_UPDATED_BY",
		UpdatedAtColumn: "LAST_UPDATED_AT",
	}
}

func TestMergeExecutor_Apply(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		upsert  bool
		counts  MergeCounts
		records int
		want    MergeResult
	}{
		{
			name:    "reported counts",
			upsert:  true,
			counts:  MergeCounts{Inserted: 2, Updated: 1, Reported: true},
			records: 3,
			want:    MergeResult{Inserted: 2, Updated: 1, Exact: true},
		},
		{
			name:    "unreported counts fall back to batch size",
			records: 4,
			want:    MergeResult{Updated: 4},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := &fakeWriter{counts: tc.counts}
			m := NewMergeExecutor(w, MergeExecutorOptions{Now: func() time.Time { return now }})

			res, err := m.Apply(context.Background(), adjTarget(tc.upsert), "alice@example.com", changeSet(tc.records))
			require.NoError(t, err)
			require.Equal(t, tc.want, res)
			require.Equal(t, []string{"stage", "merge", "drop"}, w.calls)
			require.Len(t, w.staged, tc.records)

			require.Equal(t, []string{"ENTITY_ID", "ACCOUNT_ID", "PERIOD", "ADJ_TYPE"}, w.spec.MatchKeys)
			require.Equal(t, []string{"ENTITY_NAME", "AMOUNT"}, w.spec.UpdateFields)
			if tc.upsert {
				require.Equal(t, adjSchema.Columns(), w.spec.InsertFields)
			} else {
				require.Empty(t, w.spec.InsertFields)
			}
			require.Equal(t, "alice@example.com", w.spec.Audit.Actor)
			require.Equal(t, now, w.spec.Audit.At)
			require.Equal(t, "LAST_UPDATED_AT", w.spec.Audit.UpdatedAtColumn)
		})
	}
}

func TestMergeExecutor_EmptySetSkipsStore(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	res, err := NewMergeExecutor(w, MergeExecutorOptions{}).Apply(context.Background(), adjTarget(true), "a", nil)
	require.NoError(t, err)
	require.Equal(t, MergeResult{Exact: true}, res)
	require.Empty(t, w.calls)
}

func TestMergeExecutor_Failures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	cases := []struct {
		name      string
		writer    *fakeWriter
		calls     []string
		wantOp    string
		errSubstr []string
	}{
		{
			name:   "stage failure leaves nothing to drop",
			writer: &fakeWriter{stageErr: boom},
			calls:  []string{"stage"},
			wantOp: "stage",
		},
		{
			name:   "merge failure still drops staging",
			writer: &fakeWriter{mergeErr: boom},
			calls:  []string{"stage", "merge", "drop"},
			wantOp: "merge",
		},
		{
			name:      "merge and drop failures are joined",
			writer:    &fakeWriter{mergeErr: boom, dropErr: errors.New("drop refused")},
			calls:     []string{"stage", "merge", "drop"},
			wantOp:    "merge",
			errSubstr: []string{"boom", "drop refused"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewMergeExecutor(tc.writer, MergeExecutorOptions{})
			_, err := m.Apply(context.Background(), adjTarget(false), "a", changeSet(2))
			require.Error(t, err)
			require.ErrorIs(t, err, boom)
			require.Equal(t, tc.calls, tc.writer.calls)

			var se *StoreError
			require.ErrorAs(t, err, &se)
			require.Equal(t, tc.wantOp, se.Op)
			require.Equal(t, "ADJUSTMENTS", se.Table)
			for _, s := range tc.errSubstr {
				require.ErrorContains(t, err, s)
			}
		})
	}
}

func TestMergeExecutor_DropFailureAfterSuccess(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{dropErr: errors.New("drop refused"), counts: MergeCounts{Updated: 2, Reported: true}}
	_, err := NewMergeExecutor(w, MergeExecutorOptions{}).Apply(context.Background(), adjTarget(false), "a", changeSet(2))
	require.ErrorContains(t, err, "drop refused")
	require.Equal(t, []string{"stage", "merge", "drop"}, w.calls)
}

type openTx struct {
	composables.Tx
}

func TestMergeExecutor_InsideTransaction(t *testing.T) {
	t.Parallel()

	ctx := composables.WithTx(context.Background(), openTx{})

	w := &fakeWriter{counts: MergeCounts{Updated: 2, Reported: true}}
	res, err := NewMergeExecutor(w, MergeExecutorOptions{}).Apply(ctx, adjTarget(false), "a", changeSet(2))
	require.NoError(t, err)
	require.Equal(t, MergeResult{Updated: 2, Exact: true}, res)
	require.Equal(t, []string{"stage", "merge", "drop"}, w.calls)

	// the rollback discards staging once a statement failed
	boom := errors.New("boom")
	w = &fakeWriter{mergeErr: boom}
	_, err = NewMergeExecutor(w, MergeExecutorOptions{}).Apply(ctx, adjTarget(false), "a", changeSet(2))
	require.ErrorIs(t, err, boom)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "merge", se.Op)
	require.Equal(t, []string{"stage", "merge"}, w.calls)
}
