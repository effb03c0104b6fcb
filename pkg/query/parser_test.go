package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseComparison(t *testing.T) {
	e, err := Parse("testkey1 == 'testval1'")
	require.NoError(t, err)
	assert.Equal(t, KindComparison, e.Kind())
	assert.Equal(t, "testkey1", e.Term().Name)
	assert.Equal(t, []string{"testval1"}, e.Term().Values)
	assert.Equal(t, EQ, e.Operator())
}

func TestParseOperators(t *testing.T) {
	for src, op := range map[string]Operator{
		"a == '1'": EQ, "a > '1'": GT, "a >= '1'": GTE, "a < '1'": LT, "a <= '1'": LTE,
	} {
		e, err := Parse(src)
		require.NoError(t, err, src)
		assert.Equal(t, op, e.Operator(), src)
	}
}

func TestParsePrecedence(t *testing.T) {
	e, err := Parse("a == '1' OR b == '2' AND c == '3'")
	require.NoError(t, err)
	require.Equal(t, KindGroup, e.Kind())
	assert.Equal(t, OR, e.Logic())
	children := e.Children()
	require.Len(t, children, 2)
	assert.Equal(t, KindComparison, children[0].Kind())
	assert.Equal(t, AND, children[1].Logic())
}

func TestParseNotParensAndBuckets(t *testing.T) {
	e, err := Parse(`NOT {core, extra}(a == "x" or b == "y")`)
	require.NoError(t, err)
	require.Equal(t, KindNot, e.Kind())
	inner := e.Inner()
	require.Equal(t, KindGroup, inner.Kind())
	for _, c := range inner.Children() {
		assert.Equal(t, []string{"core", "extra"}, c.Buckets())
	}
}

func TestParseStarAndValueList(t *testing.T) {
	e, err := Parse("{archive}*")
	require.NoError(t, err)
	assert.Equal(t, KindStd, e.Kind())
	assert.Equal(t, []string{"archive"}, e.Buckets())

	e, err = Parse("Filename == ('a.dat', 'b.dat')")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.dat", "b.dat"}, e.Term().Values)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"a ==",
		"a = '1'",
		"(a == '1'",
		"a == '1' b == '2'",
		"'unterminated",
		"{}*",
		"a == '1' AND",
		"a ~ '1'",
	} {
		_, err := Parse(src)
		assert.ErrorIs(t, err, ErrInvalidExpression, src)
	}
}
