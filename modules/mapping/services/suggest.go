package services

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

const maxSuggestions = 3

// suggest returns up to three non-blank options close to value: fuzzy
// subsequence matches first, then small edit distances for typos.
func suggest(value string, options []string) []string {
	if value == "" || len(options) == 0 {
		return nil
	}
	ranks := fuzzy.RankFindNormalizedFold(value, options)
	sort.Sort(ranks)

	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if s == "" || len(out) >= maxSuggestions {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, r := range ranks {
		add(r.Target)
	}

	type near struct {
		option string
		dist   int
	}
	var nearby []near
	lower := strings.ToLower(value)
	for _, o := range options {
		if d := fuzzy.LevenshteinDistance(lower, strings.ToLower(o)); d <= 2 {
			nearby = append(nearby, near{option: o, dist: d})
		}
	}
	sort.SliceStable(nearby, func(i, j int) bool { return nearby[i].dist < nearby[j].dist })
	for _, n := range nearby {
		add(n.option)
	}
	return out
}
