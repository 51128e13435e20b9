package services

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lahari-sy/finmap/modules/mapping/domain/cascade"
	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

// Issue is one validation problem on a row.
type Issue struct {
	Field       string   `json:"field,omitempty"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// RowIssues collects every issue of one candidate row.
type RowIssues struct {
	Position int     `json:"row"`
	Key      string  `json:"key,omitempty"`
	Issues   []Issue `json:"issues"`
}

func (r RowIssues) String() string {
	msgs := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		msgs[i] = is.Message
	}
	if r.Key != "" {
		return fmt.Sprintf("Row %d %s: %s", r.Position, r.Key, strings.Join(msgs, " | "))
	}
	return fmt.Sprintf("Row %d: %s", r.Position, strings.Join(msgs, " | "))
}

// HierarchyCheck pairs a tree with the name used in messages.
type HierarchyCheck struct {
	Name string
	Tree *cascade.Tree
}

// Activation switches the secondary hierarchy check on a flag column.
// Active requires a reachable secondary path, Inactive requires every
// secondary column to be blank, blank skips the check.
type Activation struct {
	Field    string
	Active   string
	Inactive string
	Label    string
}

// Validator checks candidate rows against hierarchies and rules. Compiled
// expression programs are cached per expression.
type Validator struct {
	programs sync.Map
}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every issue found on row. row must be a text view
// (record.TextRow). A nil primary skips the hierarchy check.
func (v *Validator) Validate(row record.Row, primary, secondary *HierarchyCheck, activation *Activation, rules []Rule) []Issue {
	var issues []Issue
	if primary != nil && primary.Tree != nil {
		if is, ok := checkPath(row, primary); !ok {
			issues = append(issues, is)
		}
	}
	if secondary != nil && secondary.Tree != nil && activation != nil {
		issues = append(issues, checkSecondary(row, secondary, activation)...)
	}
	for _, r := range rules {
		issues = append(issues, r.Check(row)...)
	}
	return issues
}

func checkPath(row record.Row, h *HierarchyCheck) (Issue, bool) {
	path := cascade.Path(row, h.Tree.Levels)
	ok, depth := h.Tree.Contains(path)
	if ok {
		return Issue{}, true
	}
	return Issue{
		Field:       h.Tree.Levels[depth],
		Message:     fmt.Sprintf("Invalid %s hierarchy: %s", h.Name, cascade.FormatPath(path)),
		Suggestions: suggest(path[depth], h.Tree.OptionsAt(path[:depth]...)),
	}, false
}

func checkSecondary(row record.Row, h *HierarchyCheck, a *Activation) []Issue {
	flag := row.Text(a.Field)
	switch flag {
	case "":
		return nil
	case a.Active:
		if is, ok := checkPath(row, h); !ok {
			return []Issue{is}
		}
		return nil
	case a.Inactive:
		for _, level := range h.Tree.Levels {
			if row.Text(level) != "" {
				label := a.Label
				if label == "" {
					label = strings.ToUpper(h.Name[:1]) + h.Name[1:]
				}
				return []Issue{{
					Field:   level,
					Message: fmt.Sprintf("%s columns should be blank for %s='%s'", label, a.Field, a.Inactive),
				}}
			}
		}
		return nil
	default:
		return []Issue{{
			Field:   a.Field,
			Message: fmt.Sprintf("%s must be %s, got '%s'", a.Field, describeChoices([]string{a.Inactive, a.Active}, true), flag),
		}}
	}
}

// describeChoices renders "blank, 'IS', or 'BS'".
func describeChoices(values []string, allowBlank bool) string {
	items := make([]string, 0, len(values)+1)
	if allowBlank {
		items = append(items, "blank")
	}
	for _, v := range values {
		items = append(items, "'"+v+"'")
	}
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " or " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", or " + items[len(items)-1]
}
