package persistence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
	"github.com/lahari-sy/finmap/modules/mapping/services"
)

// MemoryStore is an in-process services.Store. Every write bumps the table's
// version, which is what Watermark reports.
type MemoryStore struct {
	mu       sync.RWMutex
	tables   map[string][]record.Row
	versions map[string]int
	staging  map[string][]record.Row
	seq      int
	failures map[string]error
	// HideCounts makes Merge report no counts.
	HideCounts bool
}

var _ services.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:   map[string][]record.Row{},
		versions: map[string]int{},
		staging:  map[string][]record.Row{},
		failures: map[string]error{},
	}
}

// Seed replaces the contents of table.
func (m *MemoryStore) Seed(table string, rows ...record.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]record.Row, len(rows))
	for i, r := range rows {
		cp[i] = r.Clone()
	}
	m.tables[table] = cp
	m.versions[table]++
}

// Rows returns a copy of table.
func (m *MemoryStore) Rows(table string) []record.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]record.Row, len(m.tables[table]))
	for i, r := range m.tables[table] {
		out[i] = r.Clone()
	}
	return out
}

// FailOn makes every later call of op ("select", "stage", "merge",
// "drop", "watermark") return err. A nil err clears it.
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// StagingCount reports staging tables that were never dropped.
func (m *MemoryStore) StagingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.staging)
}

func (m *MemoryStore) fail(op string) error {
	return m.failures[op]
}

func (m *MemoryStore) Select(_ context.Context, table string, columns []string) ([]record.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("select"); err != nil {
		return nil, err
	}
	src := m.tables[table]
	out := make([]record.Row, len(src))
	for i, r := range src {
		row := make(record.Row, len(columns))
		for _, c := range columns {
			row[c] = r[c]
		}
		out[i] = row
	}
	return out, nil
}

func (m *MemoryStore) Stage(_ context.Context, table string, columns []string, rows []record.Row) (services.StagingHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("stage"); err != nil {
		return services.StagingHandle{}, err
	}
	m.seq++
	name := fmt.Sprintf("finmap_stage_mem_%d", m.seq)
	cp := make([]record.Row, len(rows))
	for i, r := range rows {
		cp[i] = r.Project(columns)
	}
	m.staging[name] = cp
	return services.StagingHandle{Name: name, Target: table, Columns: columns, Rows: len(rows)}, nil
}

func (m *MemoryStore) Merge(_ context.Context, spec services.MergeSpec) (services.MergeCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("merge"); err != nil {
		return services.MergeCounts{}, err
	}
	staged, ok := m.staging[spec.Staging.Name]
	if !ok {
		return services.MergeCounts{}, fmt.Errorf("staging %s does not exist", spec.Staging.Name)
	}

	at := spec.Audit.At.UTC().Format(time.RFC3339)
	target := m.tables[spec.Target]
	index := make(map[record.Key][]int, len(target))
	for i, r := range target {
		k := record.KeyOf(r, spec.MatchKeys)
		index[k] = append(index[k], i)
	}

	var counts services.MergeCounts
	for _, s := range staged {
		positions, matched := index[record.KeyOf(s, spec.MatchKeys)]
		if matched {
			for _, i := range positions {
				for _, f := range spec.UpdateFields {
					target[i][f] = s[f]
				}
				setAudit(target[i], spec.Audit.UpdatedByColumn, spec.Audit.Actor)
				setAudit(target[i], spec.Audit.UpdatedAtColumn, at)
				counts.Updated++
			}
			continue
		}
		if len(spec.InsertFields) == 0 {
			continue
		}
		row := s.Project(spec.InsertFields)
		setAudit(row, spec.Audit.CreatedByColumn, spec.Audit.Actor)
		setAudit(row, spec.Audit.CreatedAtColumn, at)
		setAudit(row, spec.Audit.UpdatedByColumn, spec.Audit.Actor)
		setAudit(row, spec.Audit.UpdatedAtColumn, at)
		target = append(target, row)
		counts.Inserted++
	}
	m.tables[spec.Target] = target
	if counts.Inserted+counts.Updated > 0 {
		m.versions[spec.Target]++
	}
	if m.HideCounts {
		return services.MergeCounts{}, nil
	}
	counts.Reported = true
	return counts, nil
}

func setAudit(row record.Row, column, value string) {
	if column != "" {
		row[column] = value
	}
}

func (m *MemoryStore) DropStaging(_ context.Context, handle services.StagingHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("drop"); err != nil {
		return err
	}
	delete(m.staging, handle.Name)
	return nil
}

func (m *MemoryStore) Watermark(_ context.Context, table string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("watermark"); err != nil {
		return "", err
	}
	return "v" + strconv.Itoa(m.versions[table]), nil
}
