// Package cascade builds the option tree of a fixed-depth classification
// hierarchy. Blank is a valid value at every depth and always sorts first.
package cascade

import (
	"sort"
	"strings"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

// Node is one depth of the tree: the options valid after a given ancestor
// path, and the child node per option.
type Node struct {
	Options  []string
	Children map[string]*Node

	set map[string]struct{}
}

func newNode() *Node {
	return &Node{
		Children: make(map[string]*Node),
		set:      make(map[string]struct{}),
	}
}

// Tree is an immutable cascade built from hierarchy rows.
type Tree struct {
	Levels []string
	Root   *Node

	keys map[string]int64
}

// Build constructs the tree for the given level columns.
func Build(rows []record.Row, levels []string) *Tree {
	return build(rows, levels, "")
}

// BuildIndexed is Build plus a path index mapping every full path to the
// keyColumn value of the first row carrying it.
func BuildIndexed(rows []record.Row, levels []string, keyColumn string) *Tree {
	return build(rows, levels, keyColumn)
}

func build(rows []record.Row, levels []string, keyColumn string) *Tree {
	t := &Tree{
		Levels: append([]string(nil), levels...),
		Root:   newNode(),
	}
	if keyColumn != "" {
		t.keys = make(map[string]int64)
	}
	for _, row := range rows {
		path := Path(row, levels)
		node := t.Root
		for _, v := range path {
			node.set[v] = struct{}{}
			child, ok := node.Children[v]
			if !ok {
				child = newNode()
				node.Children[v] = child
			}
			node = child
		}
		if t.keys != nil {
			pk := pathKey(path)
			if _, seen := t.keys[pk]; !seen {
				t.keys[pk] = record.NormalizeKey(row[keyColumn])
			}
		}
	}
	finalize(t.Root)
	return t
}

func finalize(n *Node) {
	n.Options = sortOptions(n.set)
	n.set = nil
	for _, child := range n.Children {
		finalize(child)
	}
}

func sortOptions(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	blank := false
	for v := range set {
		if v == "" {
			blank = true
			continue
		}
		out = append(out, v)
	}
	sort.Strings(out)
	if blank {
		out = append([]string{""}, out...)
	}
	return out
}

// Path returns the row's normalized level values in order.
func Path(row record.Row, levels []string) []string {
	path := make([]string, len(levels))
	for i, l := range levels {
		path[i] = record.NormalizeText(row[l])
	}
	return path
}

// OptionsAt returns the options available after the given ancestor values.
// Zero ancestors yields the root options. An ancestor that is not a known
// child yields an empty list.
func (t *Tree) OptionsAt(ancestors ...string) []string {
	node := t.nodeAt(ancestors)
	if node == nil {
		return []string{}
	}
	return node.Options
}

func (t *Tree) nodeAt(ancestors []string) *Node {
	if t == nil || t.Root == nil {
		return nil
	}
	node := t.Root
	for _, a := range ancestors {
		child, ok := node.Children[record.NormalizeText(a)]
		if !ok {
			return nil
		}
		node = child
	}
	return node
}

// Contains reports whether every value in path is reachable level by level.
// It returns the depth of the first unreachable value, or -1.
func (t *Tree) Contains(path []string) (bool, int) {
	for depth := range path {
		opts := t.OptionsAt(path[:depth]...)
		if !containsString(opts, record.NormalizeText(path[depth])) {
			return false, depth
		}
	}
	return true, -1
}

// Resolve returns the key indexed for a full path by BuildIndexed.
func (t *Tree) Resolve(path ...string) (int64, bool) {
	if t == nil || t.keys == nil {
		return 0, false
	}
	normalized := make([]string, len(path))
	for i, p := range path {
		normalized[i] = record.NormalizeText(p)
	}
	id, ok := t.keys[pathKey(normalized)]
	return id, ok
}

// containsString relies on "" already sorting before every other string.
func containsString(sorted []string, v string) bool {
	i := sort.SearchStrings(sorted, v)
	return i < len(sorted) && sorted[i] == v
}

func pathKey(path []string) string {
	return strings.Join(path, "\x1f")
}

// FormatPath renders a path for messages: levels joined with an arrow,
// trailing and leading blanks dropped, all-blank as [ALL BLANK].
func FormatPath(path []string) string {
	joined := strings.Trim(strings.Join(path, " → "), " →")
	if joined == "" {
		return "[ALL BLANK]"
	}
	return joined
}
