package services

import (
	"context"
	"time"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

// StoreReader loads full tables. Rows come back raw; callers normalize.
type StoreReader interface {
	Select(ctx context.Context, table string, columns []string) ([]record.Row, error)
}

// StoreWriter is the merge executor's entire write surface.
type StoreWriter interface {
	Stage(ctx context.Context, table string, columns []string, rows []record.Row) (StagingHandle, error)
	Merge(ctx context.Context, spec MergeSpec) (MergeCounts, error)
	DropStaging(ctx context.Context, handle StagingHandle) error
}

// FreshnessProbe returns a token that changes whenever table changes.
type FreshnessProbe interface {
	Watermark(ctx context.Context, table string) (string, error)
}

type Store interface {
	StoreReader
	StoreWriter
	FreshnessProbe
}

// StagingHandle identifies rows staged for one merge call.
type StagingHandle struct {
	Name    string
	Target  string
	Columns []string
	Rows    int
}

// AuditIdentity stamps merged rows.
type AuditIdentity struct {
	Actor string
	At    time.Time

	CreatedByColumn string
	CreatedAtColumn string
	UpdatedByColumn string
	UpdatedAtColumn string
}

// MergeSpec describes one conditional merge. An empty InsertFields means
// unmatched staged rows are skipped.
type MergeSpec struct {
	Target       string
	Staging      StagingHandle
	MatchKeys    []string
	UpdateFields []string
	InsertFields []string
	Audit        AuditIdentity
}

// MergeCounts is what the store reports. Reported is false when the store
// could not tell how many rows it touched.
type MergeCounts struct {
	Inserted int
	Updated  int
	Reported bool
}
