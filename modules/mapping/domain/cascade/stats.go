package cascade

// Stats summarizes a tree's shape.
type Stats struct {
	TotalNodes   int  `json:"total_nodes"`
	MaxDepth     int  `json:"max_depth"`
	TotalOptions int  `json:"total_options"`
	HasBlank     bool `json:"has_blank"`
}

func (t *Tree) Stats() Stats {
	var s Stats
	if t == nil || t.Root == nil {
		return s
	}
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		s.TotalNodes++
		s.TotalOptions += len(n.Options)
		if depth > s.MaxDepth && len(n.Options) > 0 {
			s.MaxDepth = depth
		}
		if len(n.Options) > 0 && n.Options[0] == "" {
			s.HasBlank = true
		}
		for _, child := range n.Children {
			walk(child, depth+1)
		}
	}
	walk(t.Root, 1)
	return s
}
