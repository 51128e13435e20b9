package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
	"github.com/lahari-sy/finmap/pkg/composables"
)

// MergeResult is the outcome of one executed change set. Exact is false when
// the store did not report counts and Updated was estimated from the batch.
type MergeResult struct {
	Inserted int  `json:"inserted"`
	Updated  int  `json:"updated"`
	Exact    bool `json:"exact"`
}

func (r MergeResult) Message() string {
	return fmt.Sprintf("Inserted %d row(s) | Updated %d row(s)", r.Inserted, r.Updated)
}

// MergeTarget names the table and audit columns of a merge.
type MergeTarget struct {
	Table  string
	Schema record.Schema
	Upsert bool

	CreatedByColumn string
	CreatedAtColumn string
	UpdatedByColumn string
	UpdatedAtColumn string
}

type MergeExecutorOptions struct {
	Now    func() time.Time
	Logger *logrus.Entry
}

// MergeExecutor writes a change set through staging and one conditional
// merge. Staging is dropped on every path once it was created.
type MergeExecutor struct {
	store StoreWriter
	opts  MergeExecutorOptions
}

func NewMergeExecutor(store StoreWriter, opts MergeExecutorOptions) *MergeExecutor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrusNop()
	}
	return &MergeExecutor{store: store, opts: opts}
}

// Apply stages the After rows of records and merges them into the target.
// An empty change set is a no-op that never touches the store.
func (m *MergeExecutor) Apply(ctx context.Context, target MergeTarget, actor string, records []ChangeRecord) (res MergeResult, err error) {
	if len(records) == 0 {
		return MergeResult{Exact: true}, nil
	}

	ctx, span := tracer.Start(ctx, "mapping.merge", trace.WithAttributes(
		attribute.String("mapping.table", target.Table),
		attribute.Int("mapping.records", len(records)),
		attribute.Bool("mapping.upsert", target.Upsert),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	started := m.opts.Now()
	columns := target.Schema.Columns()
	rows := make([]record.Row, len(records))
	for i, rec := range records {
		rows[i] = rec.After.Project(columns)
	}

	spec := MergeSpec{
		Target:       target.Table,
		MatchKeys:    target.Schema.Identity(),
		UpdateFields: updateFields(target.Schema),
		Audit: AuditIdentity{
			Actor:           actor,
			At:              started.UTC(),
			CreatedByColumn: target.CreatedByColumn,
			CreatedAtColumn: target.CreatedAtColumn,
			UpdatedByColumn: target.UpdatedByColumn,
			UpdatedAtColumn: target.UpdatedAtColumn,
		},
	}
	if target.Upsert {
		spec.InsertFields = columns
	}

	var counts MergeCounts
	err = composables.InPoolTx(ctx, func(ctx context.Context) error {
		var txErr error
		counts, txErr = m.write(ctx, spec, columns, rows)
		return txErr
	})
	if err != nil {
		var se *StoreError
		if !errors.As(err, &se) {
			// begin or commit failed
			err = storeError("merge", target.Table, err)
		}
		return MergeResult{}, err
	}
	metricsSingleton().mergeLatency.WithLabelValues(target.Table).Observe(m.opts.Now().Sub(started).Seconds())

	if counts.Reported {
		res = MergeResult{Inserted: counts.Inserted, Updated: counts.Updated, Exact: true}
	} else {
		metricsSingleton().mergeApprox.WithLabelValues(target.Table).Inc()
		res = MergeResult{Updated: len(records)}
	}
	span.SetAttributes(attribute.Int("mapping.inserted", res.Inserted), attribute.Int("mapping.updated", res.Updated))
	m.opts.Logger.WithFields(logrus.Fields{
		"table":    target.Table,
		"inserted": res.Inserted,
		"updated":  res.Updated,
		"exact":    res.Exact,
	}).Info("mapping: merge applied")
	return res, nil
}

// write stages rows, merges them and drops the staging table. Inside a
// transaction a failed statement aborts it, so the rollback removes the
// staging table instead of the drop.
func (m *MergeExecutor) write(ctx context.Context, spec MergeSpec, columns []string, rows []record.Row) (counts MergeCounts, err error) {
	handle, err := m.store.Stage(ctx, spec.Target, columns, rows)
	if err != nil {
		return MergeCounts{}, storeError("stage", spec.Target, err)
	}
	defer func() {
		if err != nil && composables.HasTx(ctx) {
			return
		}
		if dropErr := m.store.DropStaging(context.WithoutCancel(ctx), handle); dropErr != nil {
			m.opts.Logger.WithError(dropErr).WithField("staging", handle.Name).Warn("mapping: drop staging failed")
			err = errors.Join(err, storeError("drop staging", spec.Target, dropErr))
		}
	}()

	spec.Staging = handle
	counts, err = m.store.Merge(ctx, spec)
	if err != nil {
		return MergeCounts{}, storeError("merge", spec.Target, err)
	}
	return counts, nil
}

// updateFields is every non-identity column the merge may overwrite.
func updateFields(s record.Schema) []string {
	identity := make(map[string]struct{})
	for _, c := range s.Identity() {
		identity[c] = struct{}{}
	}
	var out []string
	for _, c := range s.Columns() {
		if _, ok := identity[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}
