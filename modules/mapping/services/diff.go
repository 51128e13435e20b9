package services

import (
	"fmt"
	"maps"
	"slices"

	"github.com/wI2L/jsondiff"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

// Candidate is a normalized incoming row with the caller's position for
// error messages (upload line number, grid row).
type Candidate struct {
	Position int
	Row      record.Row
}

// FieldDiff is a before/after pair for one tracked column. Before and After
// are display strings; blank renders as record.BlankDisplay.
type FieldDiff struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// ChangeRecord is the unit of work for one merge: the identity, the changed
// fields and the full row to write.
type ChangeRecord struct {
	Key       record.Key     `json:"-"`
	KeyValues map[string]any `json:"primary_keys"`
	Diffs     []FieldDiff    `json:"changed_fields"`
	After     record.Row     `json:"full_row"`
	Insert    bool           `json:"insert"`
	Position  int            `json:"row,omitempty"`
	Patch     jsondiff.Patch `json:"patch,omitempty"`
}

// DiffResult is the change set plus what was left out of it.
type DiffResult struct {
	Records   []ChangeRecord
	Unchanged int
	Warnings  []string
}

func (r DiffResult) Inserts() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Insert {
			n++
		}
	}
	return n
}

// CheckDuplicates rejects candidates that share the full identity.
func CheckDuplicates(candidates []Candidate, identity []string) error {
	seen := make(map[record.Key]int, len(candidates))
	for _, c := range candidates {
		k := record.KeyOf(c.Row, identity)
		if first, dup := seen[k]; dup {
			return &DuplicateIdentityError{Key: k, Columns: identity, First: first, Second: c.Position}
		}
		seen[k] = c.Position
	}
	return nil
}

// Diff compares candidates with the baseline on the schema identity.
//
// The first baseline row per key is the comparison basis; further rows for
// the same key produce a warning. Unmatched candidates become inserts with a
// diff for every tracked column. Matched candidates with no tracked change
// are dropped.
func Diff(candidates []Candidate, baseline []record.Row, schema record.Schema) DiffResult {
	identity := schema.Identity()
	var res DiffResult

	byKey := make(map[record.Key]record.Row, len(baseline))
	dupes := make(map[record.Key]int)
	for _, b := range baseline {
		k := record.KeyOf(b, identity)
		if _, ok := byKey[k]; ok {
			dupes[k]++
			continue
		}
		byKey[k] = b
	}
	for _, k := range slices.Sorted(maps.Keys(dupes)) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("baseline has %d rows for key %s; using the first", dupes[k]+1, k))
	}

	for _, c := range candidates {
		k := record.KeyOf(c.Row, identity)
		base, matched := byKey[k]
		rec := ChangeRecord{
			Key:       k,
			KeyValues: keyValues(c.Row, identity),
			Position:  c.Position,
			Insert:    !matched,
		}
		if !matched {
			for _, f := range schema.Tracked {
				rec.Diffs = append(rec.Diffs, FieldDiff{Field: f, Before: record.BlankDisplay, After: record.Display(c.Row[f])})
			}
			rec.After = c.Row.Project(schema.Columns())
			rec.Patch = patchOf(nil, rec.After, schema.Tracked)
			res.Records = append(res.Records, rec)
			continue
		}
		for _, f := range schema.Tracked {
			if record.Equal(base[f], c.Row[f]) {
				continue
			}
			rec.Diffs = append(rec.Diffs, FieldDiff{Field: f, Before: record.Display(base[f]), After: record.Display(c.Row[f])})
		}
		if len(rec.Diffs) == 0 {
			res.Unchanged++
			continue
		}
		rec.After = mergeAfter(base, c.Row, schema)
		rec.Patch = patchOf(base, rec.After, schema.Tracked)
		res.Records = append(res.Records, rec)
	}
	return res
}

// mergeAfter starts from the baseline row and takes identity and tracked
// columns from the candidate. Display columns keep the baseline value unless
// the candidate supplies one.
func mergeAfter(base, cand record.Row, schema record.Schema) record.Row {
	after := base.Project(schema.Columns())
	for _, c := range schema.Identity() {
		after[c] = cand[c]
	}
	for _, c := range schema.Tracked {
		after[c] = cand[c]
	}
	for _, c := range schema.Display {
		if v, ok := cand[c]; ok && !record.IsBlank(v) {
			after[c] = v
		}
	}
	return after
}

func keyValues(r record.Row, identity []string) map[string]any {
	out := make(map[string]any, len(identity))
	for _, c := range identity {
		out[c] = r[c]
	}
	return out
}

func patchOf(before, after record.Row, tracked []string) jsondiff.Patch {
	src := map[string]any{}
	if before != nil {
		src = before.Project(tracked)
	}
	patch, err := jsondiff.Compare(src, after.Project(tracked))
	if err != nil {
		return nil
	}
	return patch
}
