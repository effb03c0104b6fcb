// ABOUTME: In-memory evaluation of query expressions against term buckets
// ABOUTME: Mirrors the set semantics of the SQL compiler so backends agree

package query

import (
	"fmt"
	"slices"

	"github.com/nainya/catalogfed/pkg/term"
)

// Match reports whether a transaction with the given buckets satisfies expr
func Match(expr Expression, buckets []*term.Bucket) (bool, error) {
	switch expr.kind {
	case KindStd:
		return hasTerms(expr.buckets, buckets), nil

	case KindComparison:
		if err := expr.Validate(); err != nil {
			return false, err
		}
		for _, b := range buckets {
			if !inFilter(expr.buckets, b.Name) {
				continue
			}
			t, ok := b.Get(expr.term.Name)
			if !ok {
				continue
			}
			for _, have := range t.Values {
				for _, want := range expr.term.Values {
					if compare(have, expr.op, want) {
						return true, nil
					}
				}
			}
		}
		return false, nil

	case KindNot:
		if expr.inner == nil {
			return false, fmt.Errorf("%w: negation without operand", ErrInvalidExpression)
		}
		if !hasTerms(expr.buckets, buckets) {
			return false, nil
		}
		ok, err := Match(*expr.inner, buckets)
		return !ok, err

	case KindGroup:
		if len(expr.children) == 0 {
			return false, fmt.Errorf("%w: empty %s group", ErrInvalidExpression, expr.logic)
		}
		switch expr.logic {
		case AND:
			for _, c := range expr.children {
				ok, err := Match(c, buckets)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		case OR:
			for _, c := range expr.children {
				ok, err := Match(c, buckets)
				if err != nil || ok {
					return ok, err
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("%w: unknown logical operator %d", ErrInvalidExpression, expr.logic)
	}
	return false, fmt.Errorf("%w: unknown variant %d", ErrInvalidExpression, expr.kind)
}

func inFilter(filter []string, bucket string) bool {
	return len(filter) == 0 || slices.Contains(filter, bucket)
}

func hasTerms(filter []string, buckets []*term.Bucket) bool {
	for _, b := range buckets {
		if !inFilter(filter, b.Name) {
			continue
		}
		for _, t := range b.Terms() {
			if len(t.Values) > 0 {
				return true
			}
		}
	}
	return false
}

// compare applies op as a byte-wise string comparison, matching SQL text ordering
func compare(have string, op Operator, want string) bool {
	switch op {
	case EQ:
		return have == want
	case GT:
		return have > want
	case GTE:
		return have >= want
	case LT:
		return have < want
	case LTE:
		return have <= want
	}
	return false
}
