package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTupleOrderMatchesElementOrder(t *testing.T) {
	ordered := [][]byte{
		Key(1).Text("a").Int(-5).Encode(),
		Key(1).Text("a").Int(3).Encode(),
		Key(1).Text("a\x00").Int(-9).Encode(),
		Key(1).Text("a\x01").Int(0).Encode(),
		Key(1).Text("ab").Int(0).Encode(),
		Key(1).Text("b").Int(-100).Encode(),
		Key(2).Text("").Int(0).Encode(),
	}
	for i := 0; i+1 < len(ordered); i++ {
		assert.Negative(t, bytes.Compare(ordered[i], ordered[i+1]), "row %d", i)
	}
}

func TestTimeAndUintOrder(t *testing.T) {
	early := time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Negative(t, bytes.Compare(Record().Time(early).Encode(), Record().Time(late).Encode()))
	assert.Negative(t, bytes.Compare(Record().Uint(255).Encode(), Record().Uint(256).Encode()))
}

func TestTupleRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	key := Key(42).Text("with\x00null\xffbyte").Uint(7).Time(ts).Int(-3).Encode()

	space, d := DecodeKey(key)
	assert.Equal(t, Space(42), space)
	assert.Equal(t, "with\x00null\xffbyte", d.Text())
	assert.Equal(t, uint64(7), d.Uint())
	assert.True(t, ts.Equal(d.Time()))
	assert.Equal(t, int64(-3), d.Int())
	require.NoError(t, d.Finish())
}

func TestTextPrefixIsExact(t *testing.T) {
	prefix := Key(9).Text("cat1").Encode()
	assert.True(t, bytes.HasPrefix(Key(9).Text("cat1").Text("txn").Encode(), prefix))
	assert.False(t, bytes.HasPrefix(Key(9).Text("cat10").Text("txn").Encode(), prefix))
	assert.False(t, bytes.HasPrefix(Key(9).Text("cat1\x00x").Encode(), prefix))
}

func TestDecoderErrors(t *testing.T) {
	d := Decode(Record().Int(1).Encode()[:4])
	d.Int()
	assert.ErrorIs(t, d.Err(), ErrCorrupt)

	d = Decode([]byte{tagBytes, 'a'})
	assert.Empty(t, d.Text())
	assert.ErrorIs(t, d.Err(), ErrCorrupt)

	// wrong element type sticks and later reads return zero values
	d = Decode(Record().Uint(5).Text("x").Encode())
	assert.Zero(t, d.Int())
	assert.Empty(t, d.Text())
	assert.ErrorIs(t, d.Finish(), ErrCorrupt)

	d = Decode(Record().Uint(5).Uint(6).Encode())
	assert.Equal(t, uint64(5), d.Uint())
	assert.ErrorIs(t, d.Finish(), ErrCorrupt)

	_, d = DecodeKey([]byte{1, 2})
	assert.ErrorIs(t, d.Err(), ErrCorrupt)
}

func TestFits(t *testing.T) {
	assert.True(t, Fits([]byte("k"), nil))
	assert.False(t, Fits(nil, nil))
	assert.False(t, Fits(bytes.Repeat([]byte("k"), 1001), nil))
}
