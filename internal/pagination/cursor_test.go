package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123456789, time.UTC)

	cursor, err := Decode(Encode(ts, "0b7c4e1a-ev"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, "0b7c4e1a-ev", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"!!!",
		base64.RawURLEncoding.EncodeToString([]byte("no-separator")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|id")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, "cursor %q", s)
	}
}

func TestCursor_Admits(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "m"}

	assert.True(t, c.Admits(ts.Add(-time.Second), "z"))
	assert.False(t, c.Admits(ts.Add(time.Second), "a"))
	assert.True(t, c.Admits(ts, "a"))
	assert.False(t, c.Admits(ts, "m"))
	assert.False(t, c.Admits(ts, "z"))

	var none *Cursor
	assert.True(t, none.Admits(ts, "anything"))
}

func TestPage(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	type row struct {
		at time.Time
		id string
	}
	rows := []row{{ts.Add(3), "c"}, {ts.Add(2), "b"}, {ts.Add(1), "a"}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	page, next := Page(rows, 2, key)
	assert.Len(t, page, 2)
	require.NotEmpty(t, next)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next = Page(rows, 3, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
}
