// ABOUTME: Query expression tree evaluated by every index backend
// ABOUTME: A closed set of variants: match-all, comparison, negation and logical group

package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nainya/catalogfed/pkg/term"
)

// ErrInvalidExpression is returned for malformed or unknown expression variants
var ErrInvalidExpression = errors.New("invalid query expression")

// Kind identifies an expression variant
type Kind uint8

const (
	KindInvalid Kind = iota
	KindStd
	KindComparison
	KindNot
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindStd:
		return "std"
	case KindComparison:
		return "comparison"
	case KindNot:
		return "not"
	case KindGroup:
		return "group"
	}
	return "invalid"
}

// Operator is a comparison operator
type Operator uint8

const (
	EQ Operator = iota + 1
	GT
	GTE
	LT
	LTE
)

func (op Operator) String() string {
	switch op {
	case EQ:
		return "=="
	case GT:
		return ">"
	case GTE:
		return ">="
	case LT:
		return "<"
	case LTE:
		return "<="
	}
	return "?"
}

// SQL returns the operator's SQL spelling
func (op Operator) SQL() (string, bool) {
	switch op {
	case EQ:
		return "=", true
	case GT:
		return ">", true
	case GTE:
		return ">=", true
	case LT:
		return "<", true
	case LTE:
		return "<=", true
	}
	return "", false
}

// Logic joins the children of a group
type Logic uint8

const (
	AND Logic = iota + 1
	OR
)

func (l Logic) String() string {
	switch l {
	case AND:
		return "AND"
	case OR:
		return "OR"
	}
	return "?"
}

// Expression is an immutable query tree node. The zero value is invalid.
type Expression struct {
	kind     Kind
	buckets  []string
	term     term.Term
	op       Operator
	inner    *Expression
	logic    Logic
	children []Expression
}

// All matches every transaction that has at least one term in the given
// buckets, or in any bucket when none are named
func All(buckets ...string) Expression {
	return Expression{kind: KindStd, buckets: slices.Clone(buckets)}
}

// Compare matches transactions where the term satisfies op against any of its values
func Compare(t term.Term, op Operator) Expression {
	return Expression{kind: KindComparison, term: t.Clone(), op: op}
}

// Eq is shorthand for Compare(term.New(name, values...), EQ)
func Eq(name string, values ...string) Expression {
	return Compare(term.New(name, values...), EQ)
}

// Not negates inner
func Not(inner Expression) Expression {
	in := inner
	return Expression{kind: KindNot, inner: &in}
}

// And intersects its children
func And(children ...Expression) Expression {
	return Expression{kind: KindGroup, logic: AND, children: slices.Clone(children)}
}

// Or unions its children
func Or(children ...Expression) Expression {
	return Expression{kind: KindGroup, logic: OR, children: slices.Clone(children)}
}

// Kind returns the variant
func (e Expression) Kind() Kind { return e.kind }

// Buckets returns the bucket filter, empty meaning all buckets
func (e Expression) Buckets() []string { return slices.Clone(e.buckets) }

// Term returns the comparison term
func (e Expression) Term() term.Term { return e.term.Clone() }

// Operator returns the comparison operator
func (e Expression) Operator() Operator { return e.op }

// Inner returns the negated expression
func (e Expression) Inner() Expression {
	if e.inner == nil {
		return Expression{}
	}
	return *e.inner
}

// Logic returns the group's logical operator
func (e Expression) Logic() Logic { return e.logic }

// Children returns the group's children
func (e Expression) Children() []Expression { return slices.Clone(e.children) }

// WithBuckets returns a copy restricted to the given buckets. Groups push the
// filter down to their children.
func (e Expression) WithBuckets(buckets ...string) Expression {
	out := e
	switch e.kind {
	case KindGroup:
		out.children = make([]Expression, len(e.children))
		for i, c := range e.children {
			out.children[i] = c.WithBuckets(buckets...)
		}
	default:
		out.buckets = slices.Clone(buckets)
	}
	return out
}

// Validate checks the whole tree for well-formedness
func (e Expression) Validate() error {
	switch e.kind {
	case KindStd:
		return nil
	case KindComparison:
		if e.term.Name == "" {
			return fmt.Errorf("%w: comparison without term name", ErrInvalidExpression)
		}
		if len(e.term.Values) == 0 {
			return fmt.Errorf("%w: comparison on %q has no values", ErrInvalidExpression, e.term.Name)
		}
		if _, ok := e.op.SQL(); !ok {
			return fmt.Errorf("%w: unknown operator %d", ErrInvalidExpression, e.op)
		}
		return nil
	case KindNot:
		if e.inner == nil {
			return fmt.Errorf("%w: negation without operand", ErrInvalidExpression)
		}
		return e.inner.Validate()
	case KindGroup:
		if e.logic != AND && e.logic != OR {
			return fmt.Errorf("%w: unknown logical operator %d", ErrInvalidExpression, e.logic)
		}
		if len(e.children) == 0 {
			return fmt.Errorf("%w: empty %s group", ErrInvalidExpression, e.logic)
		}
		for _, c := range e.children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown variant %d", ErrInvalidExpression, e.kind)
}

// TermNames returns every term name referenced by comparisons in the tree
func (e Expression) TermNames() []string {
	var names []string
	var walk func(Expression)
	walk = func(x Expression) {
		switch x.kind {
		case KindComparison:
			if !slices.Contains(names, x.term.Name) {
				names = append(names, x.term.Name)
			}
		case KindNot:
			if x.inner != nil {
				walk(*x.inner)
			}
		case KindGroup:
			for _, c := range x.children {
				walk(c)
			}
		}
	}
	walk(e)
	return names
}

// String renders the expression in the textual query syntax accepted by Parse
func (e Expression) String() string {
	var sb strings.Builder
	if len(e.buckets) > 0 {
		sb.WriteString("{")
		sb.WriteString(strings.Join(e.buckets, ","))
		sb.WriteString("}")
	}
	switch e.kind {
	case KindStd:
		sb.WriteString("*")
	case KindComparison:
		vals := make([]string, len(e.term.Values))
		for i, v := range e.term.Values {
			vals[i] = quote(v)
		}
		fmt.Fprintf(&sb, "%s %s ", e.term.Name, e.op)
		if len(vals) == 1 {
			sb.WriteString(vals[0])
		} else {
			sb.WriteString("(" + strings.Join(vals, ", ") + ")")
		}
	case KindNot:
		sb.WriteString("NOT (" + e.Inner().String() + ")")
	case KindGroup:
		parts := make([]string, len(e.children))
		for i, c := range e.children {
			parts[i] = "(" + c.String() + ")"
		}
		sb.WriteString(strings.Join(parts, " "+e.logic.String()+" "))
	default:
		sb.WriteString("<invalid>")
	}
	return sb.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Builder provides a fluent interface for composing a logical group
type Builder struct {
	logic    Logic
	buckets  []string
	children []Expression
}

// NewBuilder creates a builder joining its conditions with logic
func NewBuilder(logic Logic) *Builder {
	return &Builder{logic: logic}
}

// Buckets restricts every condition to the named buckets
func (b *Builder) Buckets(buckets ...string) *Builder {
	b.buckets = append(b.buckets, buckets...)
	return b
}

// Where adds a comparison condition
func (b *Builder) Where(name string, op Operator, values ...string) *Builder {
	b.children = append(b.children, Compare(term.New(name, values...), op))
	return b
}

// WhereNot adds a negated comparison condition
func (b *Builder) WhereNot(name string, op Operator, values ...string) *Builder {
	b.children = append(b.children, Not(Compare(term.New(name, values...), op)))
	return b
}

// Expr adds an arbitrary sub-expression
func (b *Builder) Expr(e Expression) *Builder {
	b.children = append(b.children, e)
	return b
}

// Build returns the constructed expression. A builder with no conditions
// yields a match-all expression; a single condition is returned unwrapped.
func (b *Builder) Build() Expression {
	var out Expression
	switch len(b.children) {
	case 0:
		out = All()
	case 1:
		out = b.children[0]
	default:
		out = Expression{kind: KindGroup, logic: b.logic, children: slices.Clone(b.children)}
	}
	if len(b.buckets) > 0 {
		out = out.WithBuckets(b.buckets...)
	}
	return out
}
