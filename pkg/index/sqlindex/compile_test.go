package sqlindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/term"
)

func TestCompileStd(t *testing.T) {
	sql, args, err := Compile(query.All(), false)
	require.NoError(t, err)
	assert.Equal(t, "SELECT DISTINCT transaction_id FROM transaction_terms", sql)
	assert.Empty(t, args)

	sql, args, err = Compile(query.All("a", "b"), false)
	require.NoError(t, err)
	assert.Equal(t, "SELECT DISTINCT transaction_id FROM transaction_terms WHERE bucket_name IN (?, ?)", sql)
	assert.Equal(t, []any{"a", "b"}, args)
}

func TestCompileComparison(t *testing.T) {
	expr := query.Compare(term.New("DataVersion", "4.0", "5.0"), query.GTE).WithBuckets("core")
	sql, args, err := Compile(expr, false)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT DISTINCT transaction_id FROM transaction_terms WHERE bucket_name = ? AND term_name = ? AND (term_value >= ? OR term_value >= ?)",
		sql)
	assert.Equal(t, []any{"core", "DataVersion", "4.0", "5.0"}, args)
}

func TestCompileEncodesValues(t *testing.T) {
	_, args, err := Compile(query.Eq("Owner", "a b&c"), true)
	require.NoError(t, err)
	assert.Equal(t, []any{"Owner", "a+b%26c"}, args)
}

func TestCompileNot(t *testing.T) {
	sql, args, err := Compile(query.Not(query.Eq("k", "v")).WithBuckets("core"), false)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT DISTINCT transaction_id FROM transaction_terms WHERE bucket_name = ? AND transaction_id NOT IN "+
			"(SELECT DISTINCT transaction_id FROM transaction_terms WHERE term_name = ? AND (term_value = ?))",
		sql)
	assert.Equal(t, []any{"core", "k", "v"}, args)
}

func TestCompileGroups(t *testing.T) {
	sql, args, err := Compile(query.And(query.Eq("a", "1"), query.Or(query.Eq("b", "2"), query.All())), false)
	require.NoError(t, err)
	leafA := "SELECT DISTINCT transaction_id FROM transaction_terms WHERE term_name = ? AND (term_value = ?)"
	leafB := leafA
	std := "SELECT DISTINCT transaction_id FROM transaction_terms"
	inner := "SELECT transaction_id FROM (" + leafB + ") AS q2 UNION SELECT transaction_id FROM (" + std + ") AS q3"
	want := "SELECT transaction_id FROM (" + leafA + ") AS q1 INTERSECT SELECT transaction_id FROM (" + inner + ") AS q4"
	assert.Equal(t, want, sql)
	assert.Equal(t, []any{"a", "1", "b", "2"}, args)
}

func TestCompileRejectsInvalid(t *testing.T) {
	for name, e := range map[string]query.Expression{
		"zero":        {},
		"empty group": query.Or(),
		"no values":   query.Eq("a"),
		"bad inner":   query.Not(query.Expression{}),
	} {
		_, _, err := Compile(e, false)
		assert.ErrorIs(t, err, query.ErrInvalidExpression, name)
	}
}
