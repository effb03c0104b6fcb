// ABOUTME: Behavioural test suite shared by all index backends
// ABOUTME: Each backend's tests call Run with a constructor for a fresh index

package indextest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/catalogfed/pkg/index"
	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/term"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// Opener returns a fresh, empty index
type Opener func(t *testing.T) index.Index

// Bucket builds a bucket from name/value pairs
func Bucket(name string, kv ...string) *term.Bucket {
	b := term.NewBucket(name)
	for i := 0; i+1 < len(kv); i += 2 {
		b.Add(kv[i], kv[i+1])
	}
	return b
}

// Run exercises the index contract against the backend
func Run(t *testing.T, open Opener) {
	t.Run("IngestAndBuckets", func(t *testing.T) { testIngestAndBuckets(t, open(t)) })
	t.Run("QueryVariants", func(t *testing.T) { testQueryVariants(t, open(t)) })
	t.Run("DisjointAndIsEmpty", func(t *testing.T) { testDisjointAnd(t, open(t)) })
	t.Run("QueryRangeInclusive", func(t *testing.T) { testQueryRange(t, open(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, open(t)) })
	t.Run("UpdateKeepsOrder", func(t *testing.T) { testUpdateKeepsOrder(t, open(t)) })
	t.Run("RepeatedQuery", func(t *testing.T) { testRepeatedQuery(t, open(t)) })
	t.Run("Reduce", func(t *testing.T) { testReduce(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("Paging", func(t *testing.T) { testPaging(t, open(t)) })
	t.Run("SpecialCharacters", func(t *testing.T) { testSpecialCharacters(t, open(t)) })
	t.Run("InvalidExpression", func(t *testing.T) { testInvalidExpression(t, open(t)) })
}

func ingest(t *testing.T, idx index.Index, buckets ...*term.Bucket) transaction.ID {
	t.Helper()
	r, err := idx.Ingest(context.Background(), buckets)
	require.NoError(t, err)
	require.False(t, r.TransactionID.IsZero())
	return r.TransactionID
}

func ids(receipts []page.IngestReceipt) []transaction.ID {
	out := make([]transaction.ID, len(receipts))
	for i, r := range receipts {
		out[i] = r.TransactionID
	}
	return out
}

func testIngestAndBuckets(t *testing.T, idx index.Index) {
	ctx := context.Background()
	in := term.NewBucket("default")
	in.Add("Filename", "a.dat", "b.dat")
	in.Add("DataVersion", "4.0")

	id := ingest(t, idx, in, Bucket("extra", "Size", "10"))
	assert.Equal(t, idx.Factory().Kind(), id.Kind)

	has, err := idx.HasTransaction(ctx, id)
	require.NoError(t, err)
	assert.True(t, has)

	got, err := idx.Buckets(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	def, ok := term.Find(got, "default")
	require.True(t, ok)
	fn, ok := def.Get("Filename")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a.dat", "b.dat"}, fn.Values)
	dv, ok := def.Get("DataVersion")
	require.True(t, ok)
	assert.Equal(t, []string{"4.0"}, dv.Values)

	many, err := idx.BucketsFor(ctx, []transaction.ID{id, idx.Factory().New()})
	require.NoError(t, err)
	assert.Len(t, many, 1)
	assert.Contains(t, many, id)
}

func testQueryVariants(t *testing.T, idx index.Index) {
	ctx := context.Background()
	a := ingest(t, idx, Bucket("core", "DataVersion", "4.0", "Type", "L0"))
	b := ingest(t, idx, Bucket("core", "DataVersion", "5.0", "Type", "L0"))
	c := ingest(t, idx, Bucket("aux", "DataVersion", "4.0"))

	cases := []struct {
		name string
		expr query.Expression
		want []transaction.ID
	}{
		{"all", query.All(), []transaction.ID{a, b, c}},
		{"all in bucket", query.All("aux"), []transaction.ID{c}},
		{"eq", query.Eq("DataVersion", "4.0"), []transaction.ID{a, c}},
		{"eq in bucket", query.Eq("DataVersion", "4.0").WithBuckets("core"), []transaction.ID{a}},
		{"eq any value", query.Eq("DataVersion", "5.0", "9.9"), []transaction.ID{b}},
		{"gt", query.Compare(term.New("DataVersion", "4.0"), query.GT), []transaction.ID{b}},
		{"gte", query.Compare(term.New("DataVersion", "4.0"), query.GTE), []transaction.ID{a, b, c}},
		{"lt", query.Compare(term.New("DataVersion", "5.0"), query.LT), []transaction.ID{a, c}},
		{"lte", query.Compare(term.New("DataVersion", "4.0"), query.LTE), []transaction.ID{a, c}},
		{"not", query.Not(query.Eq("Type", "L0")), []transaction.ID{c}},
		{"not in bucket", query.Not(query.Eq("DataVersion", "5.0")).WithBuckets("core"), []transaction.ID{a}},
		{"and", query.And(query.Eq("DataVersion", "4.0"), query.Eq("Type", "L0")), []transaction.ID{a}},
		{"or", query.Or(query.Eq("DataVersion", "5.0"), query.All("aux")), []transaction.ID{b, c}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := idx.Query(ctx, tc.expr)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, ids(got))

			n, err := idx.SizeOf(ctx, tc.expr)
			require.NoError(t, err)
			assert.Equal(t, len(tc.want), n)
		})
	}
}

func testUpdateKeepsOrder(t *testing.T, idx index.Index) {
	ctx := context.Background()
	a := ingest(t, idx, Bucket("core", "Name", "a"))
	b := ingest(t, idx, Bucket("core", "Name", "b"))
	c := ingest(t, idx, Bucket("core", "Name", "c"))

	before, err := idx.Query(ctx, query.All())
	require.NoError(t, err)
	require.Equal(t, []transaction.ID{a, b, c}, ids(before))

	r, err := idx.Update(ctx, a, []*term.Bucket{Bucket("core", "Name", "a2")})
	require.NoError(t, err)
	assert.False(t, r.Date.Before(before[0].Date))

	after, err := idx.Query(ctx, query.All())
	require.NoError(t, err)
	assert.Equal(t, []transaction.ID{a, b, c}, ids(after))
	assert.Equal(t, r.Date.UnixNano(), after[0].Date.UnixNano())

	first, err := idx.QueryRange(ctx, query.All(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []transaction.ID{a, b}, ids(first))
}

func testRepeatedQuery(t *testing.T, idx index.Index) {
	ctx := context.Background()
	ingest(t, idx, Bucket("core", "DataVersion", "4.0", "Type", "L0"))
	ingest(t, idx, Bucket("core", "DataVersion", "5.0"))
	ingest(t, idx, Bucket("aux", "DataVersion", "4.0"))

	exprs := []query.Expression{
		query.All(),
		query.Eq("DataVersion", "4.0"),
		query.Not(query.Eq("Type", "L0")),
		query.Or(query.Eq("DataVersion", "5.0"), query.All("aux")),
	}
	for _, expr := range exprs {
		first, err := idx.Query(ctx, expr)
		require.NoError(t, err)
		second, err := idx.Query(ctx, expr)
		require.NoError(t, err)
		assert.Equal(t, first, second, "query %v", expr)
	}
}

func testDisjointAnd(t *testing.T, idx index.Index) {
	ctx := context.Background()
	ingest(t, idx, Bucket("core", "DataVersion", "4.0"))
	ingest(t, idx, Bucket("core", "Filename", "x.dat"))

	got, err := idx.Query(ctx, query.And(query.Eq("DataVersion", "4.0"), query.Eq("Filename", "x.dat")))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testQueryRange(t *testing.T, idx index.Index) {
	ctx := context.Background()
	var all []transaction.ID
	for i := range 5 {
		all = append(all, ingest(t, idx, Bucket("core", "N", fmt.Sprint(i))))
		time.Sleep(2 * time.Millisecond)
	}

	got, err := idx.QueryRange(ctx, query.All(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, all[1:4], ids(got))

	got, err = idx.QueryRange(ctx, query.All(), 3, 10)
	require.NoError(t, err)
	assert.Equal(t, all[3:], ids(got))

	got, err = idx.QueryRange(ctx, query.All(), 7, 9)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = idx.QueryRange(ctx, query.All(), 3, 1)
	assert.ErrorIs(t, err, index.ErrQueryService)
}

func testUpdate(t *testing.T, idx index.Index) {
	ctx := context.Background()
	in := term.NewBucket("core")
	in.Add("DataVersion", "4.0")
	in.Add("Filename", "a.dat")
	id := ingest(t, idx, in)

	r, err := idx.Update(ctx, id, []*term.Bucket{Bucket("core", "DataVersion", "5.0")})
	require.NoError(t, err)
	assert.Equal(t, id, r.TransactionID)

	got, err := idx.Query(ctx, query.Eq("DataVersion", "4.0"))
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = idx.Query(ctx, query.Eq("DataVersion", "5.0"))
	require.NoError(t, err)
	assert.Equal(t, []transaction.ID{id}, ids(got))
	got, err = idx.Query(ctx, query.Eq("Filename", "a.dat"))
	require.NoError(t, err)
	assert.Equal(t, []transaction.ID{id}, ids(got))

	_, err = idx.Update(ctx, idx.Factory().New(), []*term.Bucket{Bucket("core", "k", "v")})
	assert.ErrorIs(t, err, index.ErrUnknownTransaction)
}

func testReduce(t *testing.T, idx index.Index) {
	ctx := context.Background()
	in := term.NewBucket("core")
	in.Add("Filename", "a.dat", "b.dat")
	id := ingest(t, idx, in)

	ok, err := idx.Reduce(ctx, id, []*term.Bucket{Bucket("core", "Filename", "a.dat")})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := idx.Buckets(ctx, id)
	require.NoError(t, err)
	b, found := term.Find(got, "core")
	require.True(t, found)
	fn, _ := b.Get("Filename")
	assert.Equal(t, []string{"b.dat"}, fn.Values)
}

func testDelete(t *testing.T, idx index.Index) {
	ctx := context.Background()
	id := ingest(t, idx, Bucket("core", "k", "v"))

	ok, err := idx.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	has, err := idx.HasTransaction(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)

	n, err := idx.SizeOf(ctx, query.All())
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err = idx.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPaging(t *testing.T, idx index.Index) {
	ctx := context.Background()
	var all []transaction.ID
	for i := range 5 {
		all = append(all, ingest(t, idx, Bucket("core", "N", fmt.Sprint(i))))
		time.Sleep(2 * time.Millisecond)
	}

	var seen []transaction.ID
	for n := page.FirstPage; ; n++ {
		pager, err := idx.Pager(ctx, page.Info{PageSize: 2, PageNum: n})
		require.NoError(t, err)
		assert.Equal(t, 5, pager.TotalResults)
		assert.Equal(t, 3, pager.TotalPages())

		got, err := idx.Page(ctx, pager)
		require.NoError(t, err)
		seen = append(seen, got...)
		if pager.IsLastPage() {
			break
		}
	}
	assert.Equal(t, all, seen)

	_, err := idx.Pager(ctx, page.Info{PageSize: 0, PageNum: 1})
	assert.ErrorIs(t, err, page.ErrInvalidPageInfo)
}

func testSpecialCharacters(t *testing.T, idx index.Index) {
	ctx := context.Background()
	value := "O'Neil & Sons/100% ünïcode"
	id := ingest(t, idx, Bucket("core", "Owner", value))

	got, err := idx.Query(ctx, query.Eq("Owner", value))
	require.NoError(t, err)
	assert.Equal(t, []transaction.ID{id}, ids(got))

	buckets, err := idx.Buckets(ctx, id)
	require.NoError(t, err)
	owner, _ := buckets[0].Get("Owner")
	assert.Equal(t, []string{value}, owner.Values)
}

func testInvalidExpression(t *testing.T, idx index.Index) {
	_, err := idx.Query(context.Background(), query.Expression{})
	assert.ErrorIs(t, err, query.ErrInvalidExpression)
	assert.ErrorIs(t, err, index.ErrQueryService)
}
