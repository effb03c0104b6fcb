package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/catalogfed/pkg/term"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, All().Validate())
	assert.NoError(t, And(Eq("a", "1"), Not(Eq("b", "2"))).Validate())

	cases := map[string]Expression{
		"zero value":      {},
		"empty group":     And(),
		"no values":       Eq("a"),
		"no name":         Compare(term.New("", "x"), EQ),
		"bad operator":    Compare(term.New("a", "x"), Operator(99)),
		"nested bad leaf": Or(Eq("a", "1"), Not(Eq("b"))),
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, e.Validate(), ErrInvalidExpression)
		})
	}
}

func TestWithBucketsPushesIntoGroups(t *testing.T) {
	e := And(Eq("a", "1"), Eq("b", "2")).WithBuckets("core")
	for _, c := range e.Children() {
		assert.Equal(t, []string{"core"}, c.Buckets())
	}
	assert.Empty(t, e.Buckets())
}

func TestTermNames(t *testing.T) {
	e := And(Eq("a", "1"), Or(Eq("b", "2"), Not(Eq("a", "3"))), All())
	assert.Equal(t, []string{"a", "b"}, e.TermNames())
}

func TestBuilder(t *testing.T) {
	e := NewBuilder(AND).
		Buckets("default").
		Where("DataVersion", EQ, "4.0").
		WhereNot("Filename", EQ, "x.dat").
		Build()

	require.Equal(t, KindGroup, e.Kind())
	assert.Equal(t, AND, e.Logic())
	children := e.Children()
	require.Len(t, children, 2)
	assert.Equal(t, KindComparison, children[0].Kind())
	assert.Equal(t, []string{"default"}, children[0].Buckets())
	assert.Equal(t, KindNot, children[1].Kind())

	assert.Equal(t, KindStd, NewBuilder(OR).Build().Kind())
	assert.Equal(t, KindComparison, NewBuilder(OR).Where("a", GT, "1").Build().Kind())
}

func TestStringRoundTripsThroughParse(t *testing.T) {
	exprs := []Expression{
		All("b1", "b2"),
		Eq("Filename", "it's.dat"),
		Compare(term.New("Size", "10", "20"), GTE),
		Not(Eq("a", "1")).WithBuckets("x"),
		Or(And(Eq("a", "1"), Eq("b", "2")), Eq("c", "3")),
	}
	for _, e := range exprs {
		parsed, err := Parse(e.String())
		require.NoError(t, err, e.String())
		assert.Equal(t, e.String(), parsed.String())
	}
}
