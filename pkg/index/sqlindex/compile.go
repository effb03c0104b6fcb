// ABOUTME: Recursive translation of query expressions into SQL subqueries
// ABOUTME: Every subquery yields a set of transaction_id values from transaction_terms

package sqlindex

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nainya/catalogfed/pkg/query"
)

// compiler accumulates bound arguments while rendering an expression.
// Placeholders are always '?'; the dialect rebinds them before execution.
type compiler struct {
	useUTF8 bool
	args    []any
	alias   int
}

// compile returns a SELECT producing the ids that satisfy expr
func (c *compiler) compile(expr query.Expression) (string, error) {
	switch expr.Kind() {
	case query.KindStd:
		sql := "SELECT DISTINCT transaction_id FROM transaction_terms"
		if filter := c.bucketFilter(expr.Buckets()); filter != "" {
			sql += " WHERE " + filter
		}
		return sql, nil

	case query.KindComparison:
		t := expr.Term()
		if t.Name == "" || len(t.Values) == 0 {
			return "", fmt.Errorf("%w: comparison without name or values", query.ErrInvalidExpression)
		}
		op, ok := expr.Operator().SQL()
		if !ok {
			return "", fmt.Errorf("%w: unknown operator %d", query.ErrInvalidExpression, expr.Operator())
		}
		var sb strings.Builder
		sb.WriteString("SELECT DISTINCT transaction_id FROM transaction_terms WHERE ")
		if filter := c.bucketFilter(expr.Buckets()); filter != "" {
			sb.WriteString(filter + " AND ")
		}
		sb.WriteString("term_name = ?")
		c.args = append(c.args, t.Name)
		sb.WriteString(" AND (")
		for i, v := range t.Values {
			if i > 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString("term_value " + op + " ?")
			c.args = append(c.args, c.encode(v))
		}
		sb.WriteString(")")
		return sb.String(), nil

	case query.KindNot:
		var sb strings.Builder
		sb.WriteString("SELECT DISTINCT transaction_id FROM transaction_terms WHERE ")
		if filter := c.bucketFilter(expr.Buckets()); filter != "" {
			sb.WriteString(filter + " AND ")
		}
		inner, err := c.compile(expr.Inner())
		if err != nil {
			return "", err
		}
		sb.WriteString("transaction_id NOT IN (" + inner + ")")
		return sb.String(), nil

	case query.KindGroup:
		children := expr.Children()
		if len(children) == 0 {
			return "", fmt.Errorf("%w: empty group", query.ErrInvalidExpression)
		}
		var setOp string
		switch expr.Logic() {
		case query.AND:
			setOp = " INTERSECT "
		case query.OR:
			setOp = " UNION "
		default:
			return "", fmt.Errorf("%w: unknown logical operator %d", query.ErrInvalidExpression, expr.Logic())
		}
		parts := make([]string, len(children))
		for i, child := range children {
			sub, err := c.compile(child)
			if err != nil {
				return "", err
			}
			// wrapped so compound operands stay valid in both SQLite and PostgreSQL
			c.alias++
			parts[i] = fmt.Sprintf("SELECT transaction_id FROM (%s) AS q%d", sub, c.alias)
		}
		return strings.Join(parts, setOp), nil
	}
	return "", fmt.Errorf("%w: unknown variant %s", query.ErrInvalidExpression, expr.Kind())
}

func (c *compiler) bucketFilter(buckets []string) string {
	switch len(buckets) {
	case 0:
		return ""
	case 1:
		c.args = append(c.args, buckets[0])
		return "bucket_name = ?"
	}
	marks := make([]string, len(buckets))
	for i, b := range buckets {
		marks[i] = "?"
		c.args = append(c.args, b)
	}
	return "bucket_name IN (" + strings.Join(marks, ", ") + ")"
}

func (c *compiler) encode(v string) string {
	if c.useUTF8 {
		return url.QueryEscape(v)
	}
	return v
}

// Compile renders expr as a subquery plus its bound arguments
func Compile(expr query.Expression, useUTF8 bool) (string, []any, error) {
	c := &compiler{useUTF8: useUTF8}
	sql, err := c.compile(expr)
	if err != nil {
		return "", nil, err
	}
	return sql, c.args, nil
}
