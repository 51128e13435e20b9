// Package dataset holds the definitions of reconcilable tables and the
// hierarchies that validate them.
package dataset

import (
	"slices"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

type Mode string

const (
	ModeUpdate Mode = "update"
	ModeUpsert Mode = "upsert"
)

// Rule kinds understood by the validator.
const (
	RuleConditionalAllowList = "conditional_allow_list"
	RuleOneOf                = "one_of"
	RuleRequired             = "required"
	RuleIntRange             = "int_range"
	RuleNumeric              = "numeric"
	RuleZeroKeysWhen         = "zero_keys_when"
	RuleExpr                 = "expr"
)

// Hierarchy is a fixed-depth classification table.
type Hierarchy struct {
	Name   string   `yaml:"name" validate:"required"`
	Table  string   `yaml:"table" validate:"required"`
	Key    string   `yaml:"key"`
	Levels []string `yaml:"levels" validate:"required,dive,required"`
	// UpdatedAt names the watermark column; defaults to the audit update column.
	UpdatedAt string `yaml:"updated_at"`
}

// Secondary activates a second hierarchy check based on a flag column.
type Secondary struct {
	Hierarchy string `yaml:"hierarchy" validate:"required"`
	Field     string `yaml:"field" validate:"required"`
	Active    string `yaml:"active" validate:"required"`
	Inactive  string `yaml:"inactive" validate:"required"`
	// Label names the secondary columns in messages, e.g. "Cashflow".
	Label string `yaml:"label"`
}

// Period derives a "Jan-24" style column from month and year columns.
type Period struct {
	Month  string `yaml:"month" validate:"required"`
	Year   string `yaml:"year" validate:"required"`
	Target string `yaml:"target" validate:"required"`
}

// Resolve fills a key column with the ID indexed for the row's path in a
// hierarchy.
type Resolve struct {
	Hierarchy string `yaml:"hierarchy" validate:"required"`
	Target    string `yaml:"target" validate:"required"`
}

// Enrich copies display columns from a reference table joined on the
// dataset keys.
type Enrich struct {
	Table   string   `yaml:"table" validate:"required"`
	Columns []string `yaml:"columns" validate:"required,dive,required"`
}

type Condition struct {
	Field string   `yaml:"field" validate:"required"`
	In    []string `yaml:"in" validate:"required"`
	// Label describes the condition in messages, e.g. "a liability".
	Label string `yaml:"label"`
}

// Source reads allowed values from a table column.
type Source struct {
	Table  string `yaml:"table" validate:"required"`
	Column string `yaml:"column" validate:"required"`
}

type Rule struct {
	Kind       string     `yaml:"kind" validate:"required,oneof=conditional_allow_list one_of required int_range numeric zero_keys_when expr"`
	Field      string     `yaml:"field"`
	When       *Condition `yaml:"when"`
	Values     []string   `yaml:"values"`
	Source     *Source    `yaml:"source"`
	AllowBlank bool       `yaml:"allow_blank"`
	Min        *int64     `yaml:"min"`
	Max        *int64     `yaml:"max"`
	Expr       string     `yaml:"expr"`
	Message    string     `yaml:"message"`
}

type Audit struct {
	CreatedBy string `yaml:"created_by"`
	CreatedAt string `yaml:"created_at"`
	UpdatedBy string `yaml:"updated_by"`
	UpdatedAt string `yaml:"updated_at"`
}

func (a Audit) withDefaults() Audit {
	if a.CreatedBy == "" {
		a.CreatedBy = "CREATED_BY"
	}
	if a.CreatedAt == "" {
		a.CreatedAt = "CREATED_AT"
	}
	if a.UpdatedBy == "" {
		a.UpdatedBy = "LAST_UPDATED_BY"
	}
	if a.UpdatedAt == "" {
		a.UpdatedAt = "LAST_UPDATED_AT"
	}
	return a
}

// Dataset describes one reconcilable table.
type Dataset struct {
	Name           string     `yaml:"name" validate:"required"`
	Table          string     `yaml:"table" validate:"required"`
	Keys           []string   `yaml:"keys" validate:"required,dive,required"`
	Discriminators []string   `yaml:"discriminators"`
	Amounts        []string   `yaml:"amounts"`
	Tracked        []string   `yaml:"tracked" validate:"required,dive,required"`
	Display        []string   `yaml:"display"`
	Mode           Mode       `yaml:"mode" validate:"omitempty,oneof=update upsert"`
	Primary        string     `yaml:"primary"`
	Secondary      *Secondary `yaml:"secondary"`
	Period         *Period    `yaml:"period"`
	Resolve        *Resolve   `yaml:"resolve"`
	Enrich         *Enrich    `yaml:"enrich"`
	Rules          []Rule     `yaml:"rules" validate:"dive"`
	Audit          Audit      `yaml:"audit"`
}

// Schema returns the normalization and identity schema.
func (d *Dataset) Schema() record.Schema {
	keys := append([]string(nil), d.Keys...)
	if d.Resolve != nil && !slices.Contains(keys, d.Resolve.Target) {
		keys = append(keys, d.Resolve.Target)
	}
	return record.Schema{
		Keys:           keys,
		Discriminators: d.Discriminators,
		Amounts:        d.Amounts,
		Tracked:        d.Tracked,
		Display:        d.Display,
	}
}

// Upsert reports whether unmatched rows are inserted.
func (d *Dataset) Upsert() bool {
	return d.Mode == ModeUpsert
}

// UploadColumns lists the columns an upload file for this dataset carries,
// in template order. Derived columns are replaced by their inputs.
func (d *Dataset) UploadColumns() []string {
	var out []string
	add := func(cols ...string) {
		for _, c := range cols {
			if c == "" || slices.Contains(out, c) {
				continue
			}
			if d.Period != nil && c == d.Period.Target {
				continue
			}
			if d.Resolve != nil && c == d.Resolve.Target {
				continue
			}
			if d.Enrich != nil && slices.Contains(d.Enrich.Columns, c) {
				continue
			}
			out = append(out, c)
		}
	}
	add(d.Keys...)
	if d.Period != nil {
		out = append(out, d.Period.Month, d.Period.Year)
	}
	add(d.Discriminators...)
	add(d.Display...)
	add(d.Tracked...)
	return out
}

// Definitions is the parsed dataset definitions file.
type Definitions struct {
	Hierarchies []Hierarchy `yaml:"hierarchies" validate:"dive"`
	Datasets    []Dataset   `yaml:"datasets" validate:"dive"`
}

func (d *Definitions) Dataset(name string) (*Dataset, bool) {
	for i := range d.Datasets {
		if d.Datasets[i].Name == name {
			return &d.Datasets[i], true
		}
	}
	return nil, false
}

func (d *Definitions) Hierarchy(name string) (*Hierarchy, bool) {
	for i := range d.Hierarchies {
		if d.Hierarchies[i].Name == name {
			return &d.Hierarchies[i], true
		}
	}
	return nil, false
}

// HierarchiesOnTable returns the hierarchies sourced from table.
func (d *Definitions) HierarchiesOnTable(table string) []Hierarchy {
	var out []Hierarchy
	for _, h := range d.Hierarchies {
		if h.Table == table {
			out = append(out, h)
		}
	}
	return out
}

// WatermarkColumns maps every configured table to the timestamp column its
// freshness is read from. Hierarchy settings win over dataset audit
// columns.
func (d *Definitions) WatermarkColumns() map[string]string {
	out := make(map[string]string, len(d.Hierarchies)+len(d.Datasets))
	for _, ds := range d.Datasets {
		out[ds.Table] = ds.Audit.UpdatedAt
	}
	for _, h := range d.Hierarchies {
		out[h.Table] = h.UpdatedAt
	}
	return out
}
