package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Supported hierarchy depths.
var allowedDepths = []int{3, 6}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a definitions file.
func Load(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Parse decodes YAML definitions, applies defaults and validates them.
func Parse(data []byte) (*Definitions, error) {
	var defs Definitions
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	for i := range defs.Datasets {
		ds := &defs.Datasets[i]
		if ds.Mode == "" {
			ds.Mode = ModeUpdate
		}
		ds.Audit = ds.Audit.withDefaults()
	}
	for i := range defs.Hierarchies {
		if defs.Hierarchies[i].UpdatedAt == "" {
			defs.Hierarchies[i].UpdatedAt = Audit{}.withDefaults().UpdatedAt
		}
	}
	if err := validate.Struct(&defs); err != nil {
		return nil, formatValidationErrors(err)
	}
	if err := defs.check(); err != nil {
		return nil, err
	}
	return &defs, nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid definitions: %s", strings.Join(msgs, "; "))
}

func (d *Definitions) check() error {
	var errs []error
	seen := make(map[string]struct{})
	for _, h := range d.Hierarchies {
		if _, dup := seen["h:"+h.Name]; dup {
			errs = append(errs, fmt.Errorf("hierarchy %q defined twice", h.Name))
		}
		seen["h:"+h.Name] = struct{}{}
		if !slices.Contains(allowedDepths, len(h.Levels)) {
			errs = append(errs, fmt.Errorf("hierarchy %q: depth %d not supported (expected 3|6)", h.Name, len(h.Levels)))
		}
	}
	for _, ds := range d.Datasets {
		if _, dup := seen["d:"+ds.Name]; dup {
			errs = append(errs, fmt.Errorf("dataset %q defined twice", ds.Name))
		}
		seen["d:"+ds.Name] = struct{}{}
		errs = append(errs, d.checkDataset(&ds)...)
	}
	return errors.Join(errs...)
}

func (d *Definitions) checkDataset(ds *Dataset) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("dataset %q: "+format, append([]any{ds.Name}, args...)...))
	}
	if ds.Primary != "" {
		if _, ok := d.Hierarchy(ds.Primary); !ok {
			fail("unknown primary hierarchy %q", ds.Primary)
		}
	}
	if ds.Secondary != nil {
		if _, ok := d.Hierarchy(ds.Secondary.Hierarchy); !ok {
			fail("unknown secondary hierarchy %q", ds.Secondary.Hierarchy)
		}
		if ds.Primary == "" {
			fail("secondary hierarchy requires a primary hierarchy")
		}
	}
	if ds.Resolve != nil {
		h, ok := d.Hierarchy(ds.Resolve.Hierarchy)
		switch {
		case !ok:
			fail("unknown resolve hierarchy %q", ds.Resolve.Hierarchy)
		case h.Key == "":
			fail("resolve hierarchy %q has no key column", h.Name)
		}
	}
	if ds.Period != nil && !slices.Contains(ds.Discriminators, ds.Period.Target) {
		fail("period target %q must be a discriminator", ds.Period.Target)
	}
	for _, a := range ds.Amounts {
		if !slices.Contains(ds.Tracked, a) {
			fail("amount column %q must be tracked", a)
		}
	}
	for i, r := range ds.Rules {
		if msg := checkRule(r); msg != "" {
			fail("rule %d (%s): %s", i, r.Kind, msg)
		}
	}
	return errs
}

func checkRule(r Rule) string {
	switch r.Kind {
	case RuleConditionalAllowList:
		if r.Field == "" || r.When == nil {
			return "field and when are required"
		}
		if len(r.Values) == 0 && r.Source == nil {
			return "values or source is required"
		}
	case RuleOneOf:
		if r.Field == "" || len(r.Values) == 0 {
			return "field and values are required"
		}
	case RuleRequired, RuleNumeric:
		if r.Field == "" {
			return "field is required"
		}
	case RuleIntRange:
		if r.Field == "" || r.Min == nil || r.Max == nil {
			return "field, min and max are required"
		}
		if *r.Min > *r.Max {
			return "min exceeds max"
		}
	case RuleZeroKeysWhen:
		if r.When == nil {
			return "when is required"
		}
	case RuleExpr:
		if strings.TrimSpace(r.Expr) == "" || r.Message == "" {
			return "expr and message are required"
		}
	}
	return ""
}
