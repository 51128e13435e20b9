package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
	"github.com/lahari-sy/finmap/modules/mapping/services"
	"github.com/lahari-sy/finmap/pkg/composables"
)

const defaultWatermarkColumn = "LAST_UPDATED_AT"

type PgStoreOptions struct {
	// WatermarkColumns maps a table to the timestamp column the freshness
	// probe reads. Tables not listed use LAST_UPDATED_AT.
	WatermarkColumns map[string]string
	Now              func() time.Time
	Logger           *logrus.Entry
}

// PgStore implements services.Store on PostgreSQL. Connections come from the
// context (composables.UseTx), so callers decide whether a call joins a
// transaction.
type PgStore struct {
	opts PgStoreOptions
}

var _ services.Store = (*PgStore)(nil)

func NewPgStore(opts PgStoreOptions) *PgStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PgStore{opts: opts}
}

func (s *PgStore) Select(ctx context.Context, table string, columns []string) ([]record.Row, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, mapPgError("select", table, err)
	}

	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", columnList(columns), ident(table)))
	if err != nil {
		return nil, mapPgError("select", table, err)
	}
	defer rows.Close()

	out := make([]record.Row, 0, 64)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, mapPgError("select", table, gerrors.Wrap(err, "decode row"))
		}
		row := make(record.Row, len(columns))
		for i, c := range columns {
			row[c] = fromPg(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("select", table, err)
	}
	return out, nil
}

// Stage copies rows into a fresh unlogged table shaped like the target. The
// table is dropped again when the copy fails.
func (s *PgStore) Stage(ctx context.Context, table string, columns []string, rows []record.Row) (services.StagingHandle, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.StagingHandle{}, mapPgError("stage", table, err)
	}

	name := stagingName(s.opts.Now())
	create := fmt.Sprintf(
		"CREATE UNLOGGED TABLE %s AS SELECT %s FROM %s WITH NO DATA",
		ident(name), columnList(columns), ident(table),
	)
	if _, err := tx.Exec(ctx, create); err != nil {
		return services.StagingHandle{}, mapPgError("stage", table, gerrors.Wrap(err, "create staging table"))
	}
	handle := services.StagingHandle{Name: name, Target: table, Columns: columns, Rows: len(rows)}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{name}, columns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		vals := make([]any, len(columns))
		for j, c := range columns {
			vals[j] = toPg(rows[i][c])
		}
		return vals, nil
	}))
	if err != nil {
		err = gerrors.Wrap(err, "copy staging rows")
		// an aborted transaction takes the table with it on rollback
		if composables.HasTx(ctx) {
			return services.StagingHandle{}, mapPgError("stage", table, err)
		}
		if dropErr := s.DropStaging(context.WithoutCancel(ctx), handle); dropErr != nil {
			err = errors.Join(err, dropErr)
		}
		return services.StagingHandle{}, mapPgError("stage", table, err)
	}
	s.opts.Logger.WithFields(logrus.Fields{"staging": name, "table": table, "rows": len(rows)}).Debug("mapping: rows staged")
	return handle, nil
}

// Merge runs one statement that updates matched rows and, when insert
// fields are given, inserts the unmatched ones. Both counts come back from
// the data-modifying CTEs.
func (s *PgStore) Merge(ctx context.Context, spec services.MergeSpec) (services.MergeCounts, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.MergeCounts{}, mapPgError("merge", spec.Target, err)
	}

	sql := mergeSQL(spec)
	var inserted, updated int64
	if err := tx.QueryRow(ctx, sql, spec.Audit.Actor, spec.Audit.At).Scan(&inserted, &updated); err != nil {
		return services.MergeCounts{}, mapPgError("merge", spec.Target, err)
	}
	return services.MergeCounts{Inserted: int(inserted), Updated: int(updated), Reported: true}, nil
}

func (s *PgStore) DropStaging(ctx context.Context, handle services.StagingHandle) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return mapPgError("drop staging", handle.Target, err)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident(handle.Name)); err != nil {
		return mapPgError("drop staging", handle.Target, err)
	}
	return nil
}

// Watermark returns the newest update timestamp of table. Tables without
// the timestamp column, or without rows carrying one, fall back to
// count_<n>.
func (s *PgStore) Watermark(ctx context.Context, table string) (string, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return "", mapPgError("watermark", table, err)
	}

	column := s.opts.WatermarkColumns[table]
	if column == "" {
		column = defaultWatermarkColumn
	}
	var (
		latest pgtype.Text
		count  int64
	)
	err = tx.QueryRow(ctx, fmt.Sprintf("SELECT MAX(%s)::text, COUNT(*) FROM %s", ident(column), ident(table))).Scan(&latest, &count)
	if isPgCode(err, pgUndefinedColumn) {
		err = tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+ident(table)).Scan(&count)
	}
	if err != nil {
		return "", mapPgError("watermark", table, err)
	}
	if latest.Valid && latest.String != "" {
		return latest.String, nil
	}
	return "count_" + strconv.FormatInt(count, 10), nil
}

func mergeSQL(spec services.MergeSpec) string {
	target, staging := ident(spec.Target), ident(spec.Staging.Name)
	a := spec.Audit

	match := make([]string, len(spec.MatchKeys))
	for i, k := range spec.MatchKeys {
		match[i] = fmt.Sprintf("t.%s IS NOT DISTINCT FROM s.%s", ident(k), ident(k))
	}
	matchSQL := strings.Join(match, " AND ")

	var set []string
	for _, f := range spec.UpdateFields {
		set = append(set, fmt.Sprintf("%s = s.%s", ident(f), ident(f)))
	}
	if a.UpdatedByColumn != "" {
		set = append(set, ident(a.UpdatedByColumn)+" = $1")
	}
	if a.UpdatedAtColumn != "" {
		set = append(set, ident(a.UpdatedAtColumn)+" = $2")
	}
	if len(set) == 0 {
		// identity-only tables: touch a key so RETURNING still counts matches
		set = append(set, fmt.Sprintf("%s = s.%s", ident(spec.MatchKeys[0]), ident(spec.MatchKeys[0])))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "WITH upd AS (\n\tUPDATE %s AS t SET %s\n\tFROM %s AS s\n\tWHERE %s\n\tRETURNING 1\n)", target, strings.Join(set, ", "), staging, matchSQL)
	if len(spec.InsertFields) == 0 {
		b.WriteString("\nSELECT 0::bigint, (SELECT count(*) FROM upd)")
		return b.String()
	}

	cols := append([]string(nil), spec.InsertFields...)
	vals := make([]string, 0, len(cols)+4)
	for _, c := range spec.InsertFields {
		vals = append(vals, "s."+ident(c))
	}
	for _, p := range []struct{ col, param string }{
		{a.CreatedByColumn, "$1"},
		{a.CreatedAtColumn, "$2"},
		{a.UpdatedByColumn, "$1"},
		{a.UpdatedAtColumn, "$2"},
	} {
		if p.col == "" {
			continue
		}
		cols = append(cols, p.col)
		vals = append(vals, p.param)
	}
	fmt.Fprintf(&b,
		", ins AS (\n\tINSERT INTO %s (%s)\n\tSELECT %s FROM %s AS s\n\tWHERE NOT EXISTS (SELECT 1 FROM %s AS t WHERE %s)\n\tRETURNING 1\n)",
		target, columnList(cols), strings.Join(vals, ", "), staging, target, matchSQL,
	)
	b.WriteString("\nSELECT (SELECT count(*) FROM ins), (SELECT count(*) FROM upd)")
	return b.String()
}

func stagingName(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("finmap_stage_%s_%s", now.UTC().Format("20060102150405"), id[:8])
}

// ident quotes a possibly schema-qualified identifier.
func ident(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func columnList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = ident(c)
	}
	return strings.Join(out, ", ")
}

// toPg maps normalized values onto driver values. Blank text is stored as
// NULL.
func toPg(v any) any {
	if s, ok := v.(string); ok && s == "" {
		return nil
	}
	return v
}

func fromPg(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
