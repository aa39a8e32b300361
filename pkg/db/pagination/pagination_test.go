package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-01-01T00:00:00Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.ID)

	_, err = DecodeCursor("!!!")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestBuildCursorPageInfo(t *testing.T) {
	type row struct{ id string }
	rows := []*row{{"a"}, {"b"}, {"c"}}

	kept, info := BuildCursorPageInfo(rows, 2, func(r *row) string { return r.id })
	assert.Len(t, kept, 2)
	assert.True(t, info.HasMore)
	assert.Equal(t, "b", info.NextPageToken)

	kept, info = BuildCursorPageInfo(rows, 5, func(r *row) string { return r.id })
	assert.Len(t, kept, 3)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit())
	assert.Equal(t, 10, Pagination{PageSize: 10}.Limit())
}
