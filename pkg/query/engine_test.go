package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/catalogfed/pkg/term"
)

func sample() []*term.Bucket {
	core := term.NewBucket("core")
	core.Add("DataVersion", "4.0")
	core.Add("Filename", "a.dat", "b.dat")
	extra := term.NewBucket("extra")
	extra.Add("Size", "200")
	return []*term.Bucket{core, extra}
}

func mustMatch(t *testing.T, e Expression) bool {
	t.Helper()
	ok, err := Match(e, sample())
	require.NoError(t, err)
	return ok
}

func TestMatchComparison(t *testing.T) {
	assert.True(t, mustMatch(t, Eq("DataVersion", "4.0")))
	assert.True(t, mustMatch(t, Eq("Filename", "x.dat", "b.dat")))
	assert.False(t, mustMatch(t, Eq("DataVersion", "5.0")))
	assert.True(t, mustMatch(t, Compare(term.New("Size", "100"), GT)))
	assert.False(t, mustMatch(t, Compare(term.New("Size", "200"), LT)))
	assert.True(t, mustMatch(t, Compare(term.New("Size", "200"), LTE)))
}

func TestMatchBucketFilter(t *testing.T) {
	assert.False(t, mustMatch(t, Eq("DataVersion", "4.0").WithBuckets("extra")))
	assert.True(t, mustMatch(t, Eq("Size", "200").WithBuckets("extra")))
	assert.True(t, mustMatch(t, All("extra")))
	assert.False(t, mustMatch(t, All("missing")))
}

func TestMatchNotAndGroups(t *testing.T) {
	assert.False(t, mustMatch(t, Not(Eq("DataVersion", "4.0"))))
	assert.True(t, mustMatch(t, Not(Eq("DataVersion", "5.0"))))
	assert.False(t, mustMatch(t, Not(Eq("DataVersion", "5.0")).WithBuckets("missing")))

	assert.True(t, mustMatch(t, And(Eq("DataVersion", "4.0"), Eq("Size", "200"))))
	assert.False(t, mustMatch(t, And(Eq("DataVersion", "4.0"), Eq("Size", "1"))))
	assert.True(t, mustMatch(t, Or(Eq("DataVersion", "9"), Eq("Size", "200"))))
}

func TestMatchEmptyBuckets(t *testing.T) {
	ok, err := Match(All(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchInvalid(t *testing.T) {
	_, err := Match(Expression{}, sample())
	assert.ErrorIs(t, err, ErrInvalidExpression)

	_, err = Match(And(), sample())
	assert.ErrorIs(t, err, ErrInvalidExpression)
}
