package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lahari-sy/finmap/modules/mapping/domain/cascade"
	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

const defaultActor = "system"

// InputRow is one raw incoming row. Position is what error messages call
// the row: the spreadsheet line for uploads, the edit index for edits.
type InputRow struct {
	Position int
	Values   map[string]any
}

type SubmitRequest struct {
	Dataset string
	Actor   string
	Rows    []InputRow
	// DryRun stops after diffing.
	DryRun bool
}

// Edit is a JSON merge patch (RFC 7386) against the baseline row with the
// given identity.
type Edit struct {
	Key   map[string]any  `json:"key"`
	Patch json.RawMessage `json:"patch"`
}

type EditsRequest struct {
	Dataset string
	Actor   string
	Edits   []Edit
	DryRun  bool
}

// ReconciliationResult is what a submission produced. Invalid rows are data,
// not errors: when Invalid is non-empty nothing was written.
type ReconciliationResult struct {
	Dataset    string         `json:"dataset"`
	Candidates int            `json:"candidates"`
	Records    []ChangeRecord `json:"records"`
	Unchanged  int            `json:"unchanged"`
	Invalid    []RowIssues    `json:"invalid,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Result     MergeResult    `json:"result"`
	Applied    bool           `json:"applied"`
	Message    string         `json:"message"`
}

type ReconcilerOptions struct {
	Store     Store
	Provider  *CascadeProvider
	Validator *Validator
	Merger    *MergeExecutor
	// DefaultActor stamps submissions without an actor.
	DefaultActor string
	Logger       *logrus.Entry
}

// Reconciler runs the normalize, validate, diff and merge pipeline for the
// configured datasets.
type Reconciler struct {
	defs *dataset.Definitions
	opts ReconcilerOptions
}

func NewReconciler(defs *dataset.Definitions, opts ReconcilerOptions) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = logrusNop()
	}
	if opts.Validator == nil {
		opts.Validator = NewValidator()
	}
	if opts.Provider == nil {
		opts.Provider = NewCascadeProvider(defs, CascadeProviderOptions{Reader: opts.Store, Probe: opts.Store, Logger: opts.Logger})
	}
	if opts.Merger == nil {
		opts.Merger = NewMergeExecutor(opts.Store, MergeExecutorOptions{Logger: opts.Logger})
	}
	if opts.DefaultActor == "" {
		opts.DefaultActor = defaultActor
	}
	return &Reconciler{defs: defs, opts: opts}
}

func (r *Reconciler) Definitions() *dataset.Definitions {
	return r.defs
}

func (r *Reconciler) Provider() *CascadeProvider {
	return r.opts.Provider
}

// Submit reconciles raw rows against the dataset's table and, unless the
// request is a dry run, applies the net change set.
func (r *Reconciler) Submit(ctx context.Context, req SubmitRequest) (res *ReconciliationResult, err error) {
	ds, ok := r.defs.Dataset(req.Dataset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, req.Dataset)
	}

	ctx, span := tracer.Start(ctx, "mapping.submit", trace.WithAttributes(
		attribute.String("mapping.dataset", ds.Name),
		attribute.Int("mapping.rows", len(req.Rows)),
		attribute.Bool("mapping.dry_run", req.DryRun),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			recordSubmit(ds.Name, "error")
		}
		span.End()
	}()

	if err := checkColumns(ds, req.Rows); err != nil {
		return nil, err
	}
	return r.reconcile(ctx, ds, req.Actor, req.Rows, req.DryRun)
}

// Preview is Submit without the write.
func (r *Reconciler) Preview(ctx context.Context, req SubmitRequest) (*ReconciliationResult, error) {
	req.DryRun = true
	return r.Submit(ctx, req)
}

// SubmitEdits applies each edit's merge patch to its baseline row and
// reconciles the patched rows. Update-only datasets reject edits for rows
// that do not exist; upsert datasets start those rows from the key.
func (r *Reconciler) SubmitEdits(ctx context.Context, req EditsRequest) (*ReconciliationResult, error) {
	ds, ok := r.defs.Dataset(req.Dataset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, req.Dataset)
	}
	schema := ds.Schema()
	identity := schema.Identity()

	baseline, err := r.baseline(ctx, ds)
	if err != nil {
		return nil, err
	}
	byKey := make(map[record.Key]record.Row, len(baseline))
	for _, b := range baseline {
		k := record.KeyOf(b, identity)
		if _, dup := byKey[k]; !dup {
			byKey[k] = b
		}
	}

	rows := make([]InputRow, 0, len(req.Edits))
	for i, e := range req.Edits {
		pos := i + 1
		keyRow := record.Normalize(e.Key, schema)
		k := record.KeyOf(keyRow, identity)
		base, found := byKey[k]
		if !found {
			if !ds.Upsert() {
				return nil, inputErrorf("edit %d: no %s row for key %s", pos, ds.Name, k)
			}
			base = keyRow.Project(identity)
		}
		base = base.Clone()
		fillPeriodInputs(ds, base)
		doc, err := json.Marshal(base)
		if err != nil {
			return nil, inputErrorf("edit %d: encode baseline: %v", pos, err)
		}
		patched, err := jsonpatch.MergePatch(doc, e.Patch)
		if err != nil {
			return nil, inputErrorf("edit %d: apply patch: %v", pos, err)
		}
		values := map[string]any{}
		if err := json.Unmarshal(patched, &values); err != nil {
			return nil, inputErrorf("edit %d: decode patched row: %v", pos, err)
		}
		if record.KeyOf(record.Normalize(values, schema), identity) != k {
			return nil, inputErrorf("edit %d: patch must not change the identity of %s", pos, k)
		}
		// month and year feed the period, which is part of the identity
		derivePeriod(ds, values)
		if record.KeyOf(record.Normalize(values, schema), identity) != k {
			return nil, inputErrorf("edit %d: patch must not change the identity of %s", pos, k)
		}
		rows = append(rows, InputRow{Position: pos, Values: values})
	}
	return r.Submit(ctx, SubmitRequest{Dataset: ds.Name, Actor: req.Actor, Rows: rows, DryRun: req.DryRun})
}

func (r *Reconciler) reconcile(ctx context.Context, ds *dataset.Dataset, actor string, rows []InputRow, dryRun bool) (*ReconciliationResult, error) {
	schema := ds.Schema()
	log := r.opts.Logger.WithField("dataset", ds.Name)
	res := &ReconciliationResult{Dataset: ds.Name, Candidates: len(rows)}

	checks, err := r.checks(ctx, ds)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(rows))
	for _, in := range rows {
		raw := make(map[string]any, len(in.Values)+2)
		for k, v := range in.Values {
			raw[k] = v
		}
		derivePeriod(ds, raw)

		text := record.TextRow(raw)
		issues := r.opts.Validator.Validate(text, checks.primary, checks.secondary, checks.activation, checks.rules)
		if ds.Resolve != nil && len(issues) == 0 {
			if is, ok := resolveKey(ds, checks.resolve, text, raw); !ok {
				issues = append(issues, is)
			}
		}
		row := record.Normalize(raw, schema)
		if len(issues) > 0 {
			res.Invalid = append(res.Invalid, RowIssues{
				Position: in.Position,
				Key:      record.KeyOf(row, rowLabel(ds)).String(),
				Issues:   issues,
			})
			continue
		}
		candidates = append(candidates, Candidate{Position: in.Position, Row: row})
	}
	if len(res.Invalid) > 0 {
		recordRows(ds.Name, "invalid", len(res.Invalid))
		recordSubmit(ds.Name, "invalid")
		res.Message = fmt.Sprintf("%d row(s) failed validation; nothing was written", len(res.Invalid))
		log.WithField("invalid", len(res.Invalid)).Info("mapping: submission rejected")
		return res, nil
	}

	if err := CheckDuplicates(candidates, schema.Identity()); err != nil {
		return nil, err
	}
	if ds.Enrich != nil {
		if err := r.enrich(ctx, ds, candidates); err != nil {
			return nil, err
		}
	}

	baseline, err := r.baseline(ctx, ds)
	if err != nil {
		return nil, err
	}
	diff := Diff(candidates, baseline, schema)
	res.Records = diff.Records
	res.Unchanged = diff.Unchanged
	res.Warnings = diff.Warnings
	for _, w := range diff.Warnings {
		log.Warn("mapping: " + w)
	}
	if skipped := diff.Inserts(); skipped > 0 && !ds.Upsert() {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d row(s) have no match in %s and will be skipped", skipped, ds.Table))
	}
	recordRows(ds.Name, "unchanged", diff.Unchanged)
	recordRows(ds.Name, "changed", len(diff.Records))

	switch {
	case len(diff.Records) == 0:
		res.Message = "No changes detected"
		recordSubmit(ds.Name, "noop")
		return res, nil
	case dryRun:
		res.Message = fmt.Sprintf("%d change(s) pending, %d new row(s)", len(diff.Records), diff.Inserts())
		recordSubmit(ds.Name, "preview")
		return res, nil
	}

	if actor == "" {
		actor = r.opts.DefaultActor
	}
	merged, err := r.opts.Merger.Apply(ctx, MergeTarget{
		Table:           ds.Table,
		Schema:          schema,
		Upsert:          ds.Upsert(),
		CreatedByColumn: ds.Audit.CreatedBy,
		CreatedAtColumn: ds.Audit.CreatedAt,
		UpdatedByColumn: ds.Audit.UpdatedBy,
		UpdatedAtColumn: ds.Audit.UpdatedAt,
	}, actor, diff.Records)
	if err != nil {
		return nil, err
	}
	res.Result = merged
	res.Applied = true
	res.Message = merged.Message()
	recordSubmit(ds.Name, "applied")

	if len(r.defs.HierarchiesOnTable(ds.Table)) > 0 && merged.Inserted+merged.Updated > 0 {
		r.opts.Provider.Invalidate(ctx)
		log.Info("mapping: hierarchy changed, cascade cache invalidated")
	}
	log.WithFields(logrus.Fields{
		"actor":    actor,
		"inserted": merged.Inserted,
		"updated":  merged.Updated,
	}).Info("mapping: submission applied")
	return res, nil
}

type datasetChecks struct {
	primary    *HierarchyCheck
	secondary  *HierarchyCheck
	activation *Activation
	resolve    *cascade.Tree
	rules      []Rule
}

func (r *Reconciler) checks(ctx context.Context, ds *dataset.Dataset) (*datasetChecks, error) {
	names := []string{ds.Primary}
	if ds.Secondary != nil {
		names = append(names, ds.Secondary.Hierarchy)
	}
	if ds.Resolve != nil {
		names = append(names, ds.Resolve.Hierarchy)
	}
	trees, err := r.opts.Provider.Trees(ctx, dedupe(names)...)
	if err != nil {
		return nil, err
	}

	c := &datasetChecks{}
	if ds.Primary != "" {
		c.primary = &HierarchyCheck{Name: ds.Primary, Tree: trees[ds.Primary]}
	}
	if s := ds.Secondary; s != nil {
		c.secondary = &HierarchyCheck{Name: s.Hierarchy, Tree: trees[s.Hierarchy]}
		c.activation = &Activation{Field: s.Field, Active: s.Active, Inactive: s.Inactive, Label: s.Label}
	}
	if ds.Resolve != nil {
		c.resolve = trees[ds.Resolve.Hierarchy]
	}

	allowLists := map[int][]string{}
	for i, rule := range ds.Rules {
		if rule.Source == nil {
			continue
		}
		values, err := r.distinct(ctx, rule.Source.Table, rule.Source.Column)
		if err != nil {
			return nil, err
		}
		allowLists[i] = values
	}
	c.rules, err = r.opts.Validator.CompileRules(ds.Rules, ds.Keys, allowLists)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Reconciler) distinct(ctx context.Context, table, column string) ([]string, error) {
	rows, err := r.opts.Store.Select(ctx, table, []string{column})
	if err != nil {
		return nil, storeError("select", table, err)
	}
	set := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if v := record.NormalizeText(row[column]); v != "" {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Reconciler) baseline(ctx context.Context, ds *dataset.Dataset) ([]record.Row, error) {
	schema := ds.Schema()
	raws, err := r.opts.Store.Select(ctx, ds.Table, schema.Columns())
	if err != nil {
		return nil, storeError("select", ds.Table, err)
	}
	out := make([]record.Row, len(raws))
	for i, raw := range raws {
		out[i] = record.Normalize(raw, schema)
	}
	return out, nil
}

// Export returns the current rows of a dataset with period inputs restored,
// ready to be written back out as an upload file.
func (r *Reconciler) Export(ctx context.Context, name string) (*dataset.Dataset, []record.Row, error) {
	ds, ok := r.defs.Dataset(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownDataset, name)
	}
	rows, err := r.baseline(ctx, ds)
	if err != nil {
		return nil, nil, err
	}
	for _, row := range rows {
		fillPeriodInputs(ds, row)
	}
	return ds, rows, nil
}

// enrich fills blank display columns from the reference table, joined on
// the dataset keys.
func (r *Reconciler) enrich(ctx context.Context, ds *dataset.Dataset, candidates []Candidate) error {
	columns := append(append([]string(nil), ds.Keys...), ds.Enrich.Columns...)
	refs, err := r.opts.Store.Select(ctx, ds.Enrich.Table, columns)
	if err != nil {
		return storeError("select", ds.Enrich.Table, err)
	}
	keySchema := record.Schema{Keys: ds.Keys}
	byKey := make(map[record.Key]record.Row, len(refs))
	for _, raw := range refs {
		row := record.Normalize(raw, keySchema)
		k := record.KeyOf(row, ds.Keys)
		if _, ok := byKey[k]; !ok {
			byKey[k] = row
		}
	}
	for _, c := range candidates {
		ref, ok := byKey[record.KeyOf(c.Row, ds.Keys)]
		if !ok {
			continue
		}
		for _, col := range ds.Enrich.Columns {
			if record.IsBlank(c.Row[col]) {
				c.Row[col] = ref[col]
			}
		}
	}
	return nil
}

func resolveKey(ds *dataset.Dataset, tree *cascade.Tree, text record.Row, raw map[string]any) (Issue, bool) {
	path := cascade.Path(text, tree.Levels)
	id, ok := tree.Resolve(path...)
	if !ok {
		return Issue{
			Field:   ds.Resolve.Target,
			Message: fmt.Sprintf("No %s found for %s path: %s", ds.Resolve.Target, ds.Resolve.Hierarchy, cascade.FormatPath(path)),
		}, false
	}
	raw[ds.Resolve.Target] = id
	return Issue{}, true
}

// derivePeriod sets the period column to "Jan-24" when month and year are
// valid. Invalid inputs leave it untouched for the range rules to report.
func derivePeriod(ds *dataset.Dataset, raw map[string]any) {
	p := ds.Period
	if p == nil {
		return
	}
	month, okM := parseWhole(record.NormalizeText(raw[p.Month]))
	year, okY := parseWhole(record.NormalizeText(raw[p.Year]))
	if !okM || !okY || month < 1 || month > 12 {
		return
	}
	raw[p.Target] = FormatPeriod(time.Month(month), int(year))
}

// FormatPeriod renders "Jan-24".
func FormatPeriod(month time.Month, year int) string {
	return fmt.Sprintf("%s-%02d", month.String()[:3], year%100)
}

// ParsePeriod reverses FormatPeriod. Two-digit years are read as 20xx.
func ParsePeriod(s string) (time.Month, int, bool) {
	name, yy, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok || len(yy) != 2 {
		return 0, 0, false
	}
	y, err := strconv.Atoi(yy)
	if err != nil {
		return 0, 0, false
	}
	for m := time.January; m <= time.December; m++ {
		if strings.EqualFold(m.String()[:3], name) {
			return m, 2000 + y, true
		}
	}
	return 0, 0, false
}

// fillPeriodInputs restores month and year from a stored period so edited
// rows pass the same rules as uploaded ones.
func fillPeriodInputs(ds *dataset.Dataset, values map[string]any) {
	p := ds.Period
	if p == nil {
		return
	}
	if record.NormalizeText(values[p.Month]) != "" && record.NormalizeText(values[p.Year]) != "" {
		return
	}
	m, y, ok := ParsePeriod(record.NormalizeText(values[p.Target]))
	if !ok {
		return
	}
	values[p.Month] = strconv.Itoa(int(m))
	values[p.Year] = strconv.Itoa(y)
}

// RequiredColumns lists the columns every submission for ds must carry.
// Display columns are optional unless they feed path resolution.
func RequiredColumns(ds *dataset.Dataset) []string {
	var out []string
	for _, c := range ds.UploadColumns() {
		if slices.Contains(ds.Display, c) {
			continue
		}
		out = append(out, c)
	}
	if ds.Resolve != nil {
		for _, c := range ds.Display {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

func checkColumns(ds *dataset.Dataset, rows []InputRow) error {
	if len(rows) == 0 {
		return nil
	}
	present := map[string]struct{}{}
	for _, r := range rows {
		for c := range r.Values {
			present[c] = struct{}{}
		}
	}
	var missing []string
	for _, c := range RequiredColumns(ds) {
		if _, ok := present[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return inputErrorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

// rowLabel is the identity as the user supplied it, without resolved keys.
func rowLabel(ds *dataset.Dataset) []string {
	out := make([]string, 0, len(ds.Keys)+len(ds.Discriminators))
	out = append(out, ds.Keys...)
	return append(out, ds.Discriminators...)
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
