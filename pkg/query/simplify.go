// ABOUTME: Structural simplification of query trees before fan-out
// ABOUTME: Flattens nested groups, drops duplicates and cancels double negation

package query

// Simplify returns an equivalent, usually smaller, expression
func Simplify(e Expression) Expression {
	switch e.kind {
	case KindNot:
		if e.inner == nil {
			return e
		}
		inner := Simplify(*e.inner)
		if inner.kind == KindNot && len(e.buckets) == 0 && len(inner.buckets) == 0 && inner.inner != nil {
			return *inner.inner
		}
		out := e
		out.inner = &inner
		return out

	case KindGroup:
		var children []Expression
		seen := make(map[string]bool)
		for _, c := range e.children {
			c = Simplify(c)
			flat := []Expression{c}
			if c.kind == KindGroup && c.logic == e.logic {
				flat = c.children
			}
			for _, f := range flat {
				key := f.String()
				if seen[key] {
					continue
				}
				seen[key] = true
				children = append(children, f)
			}
		}
		if len(children) == 1 {
			return children[0]
		}
		out := e
		out.children = children
		return out
	}
	return e
}
