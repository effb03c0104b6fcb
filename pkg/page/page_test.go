package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/catalogfed/pkg/query"
)

func TestInfoValidate(t *testing.T) {
	_, err := NewInfo(0, 1)
	assert.ErrorIs(t, err, ErrInvalidPageInfo)
	_, err = NewInfo(10, 0)
	assert.ErrorIs(t, err, ErrInvalidPageInfo)

	info, err := NewInfo(10, FirstPage)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Offset())
	assert.Equal(t, 20, Info{PageSize: 10, PageNum: 3}.Offset())
}

func TestProcessedPages(t *testing.T) {
	p := NewProcessed(Info{PageSize: 10, PageNum: 3}, 25)
	assert.Equal(t, 3, p.TotalPages())
	assert.True(t, p.IsLastPage())

	start, end, ok := p.Bounds()
	require.True(t, ok)
	assert.Equal(t, 20, start)
	assert.Equal(t, 25, end)

	_, _, ok = NewProcessed(Info{PageSize: 10, PageNum: 4}, 25).Bounds()
	assert.False(t, ok)

	empty := NewProcessed(Info{PageSize: 10, PageNum: 1}, 0)
	assert.Equal(t, 1, empty.TotalPages())
	assert.True(t, empty.IsLastPage())
}

func TestQueryPagerPlanSpansCatalogs(t *testing.T) {
	p := NewQueryPager(query.All(), nil, []Cursor{
		{CatalogID: "a", Total: 3},
		{CatalogID: "b", Total: 0},
		{CatalogID: "c", Total: 4},
	}, 5)

	plan := p.Plan()
	require.Equal(t, []Slice{
		{CatalogID: "a", Start: 0, End: 2},
		{CatalogID: "c", Start: 0, End: 1},
	}, plan)
	for _, s := range plan {
		p.Advance(s, s.Len())
	}
	assert.False(t, p.Exhausted())
	assert.Equal(t, 5, p.Served())

	plan = p.Plan()
	require.Equal(t, []Slice{{CatalogID: "c", Start: 2, End: 3}}, plan)
	p.Advance(plan[0], 2)
	assert.True(t, p.Exhausted())
	assert.Empty(t, p.Plan())
}

func TestQueryPagerShortReadClosesCursor(t *testing.T) {
	p := NewQueryPager(query.All(), nil, []Cursor{{CatalogID: "a", Total: 10}}, 4)
	s := p.Plan()[0]
	p.Advance(s, 1)
	assert.True(t, p.Exhausted())
	assert.Equal(t, 1, p.TotalResults())
}

func TestQueryPagerSeek(t *testing.T) {
	p := NewQueryPager(query.All(), nil, []Cursor{
		{CatalogID: "a", Total: 3},
		{CatalogID: "b", Total: 4},
	}, 2)
	p.Seek(4)
	assert.Equal(t, 3, p.Cursors[0].Offset)
	assert.Equal(t, 1, p.Cursors[1].Offset)
	assert.Equal(t, []Slice{{CatalogID: "b", Start: 1, End: 2}}, p.Plan())

	p.Close("b")
	assert.True(t, p.Exhausted())
}
