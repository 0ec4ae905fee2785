package graphql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, index := range []int{0, 1, 19, 12345} {
		cursor := encodeCursor(index)
		decoded, err := decodeCursor(cursor)
		require.NoError(t, err)
		assert.Equal(t, index, decoded)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{"not-base64!", "bm9wZQ==", "b2Zmc2V0Oi01"} {
		_, err := decodeCursor(cursor)
		assert.Error(t, err, "cursor %q", cursor)
	}
}

func TestPaginateFirstPage(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	first := 4

	page, start, info, err := paginate(items, &first, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, page)
	assert.Equal(t, 0, start)
	assert.True(t, info.HasNextPage)
	assert.False(t, info.HasPreviousPage)
	require.NotNil(t, info.EndCursor)
	end, err := decodeCursor(*info.EndCursor)
	require.NoError(t, err)
	assert.Equal(t, 3, end)
}

func TestPaginateFollowsEndCursorWithoutOverlapOrGaps(t *testing.T) {
	items := make([]int, 23)
	for i := range items {
		items[i] = i
	}
	first := 5

	var seen []int
	var after *string
	for {
		page, _, info, err := paginate(items, &first, after)
		require.NoError(t, err)
		seen = append(seen, page...)
		if !info.HasNextPage {
			break
		}
		require.NotNil(t, info.EndCursor)
		after = info.EndCursor
	}

	assert.Equal(t, items, seen)
}

func TestPaginateCursorConsistency(t *testing.T) {
	items := []string{"a", "b", "c"}
	first := 10

	page, _, info, err := paginate(items, &first, nil)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.False(t, info.HasNextPage)
	assert.False(t, info.HasPreviousPage)
	// non-nil cursors always point at real items
	require.NotNil(t, info.StartCursor)
	require.NotNil(t, info.EndCursor)

	// empty page carries no cursors
	_, _, emptyInfo, err := paginate([]string{}, &first, nil)
	require.NoError(t, err)
	assert.Nil(t, emptyInfo.StartCursor)
	assert.Nil(t, emptyInfo.EndCursor)
	assert.False(t, emptyInfo.HasNextPage)
}

func TestPaginatePastEndIsEmptyPage(t *testing.T) {
	items := []int{1, 2, 3}
	cursor := encodeCursor(2)
	first := 5

	page, _, info, err := paginate(items, &first, &cursor)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.False(t, info.HasNextPage)
	assert.True(t, info.HasPreviousPage)
}

func TestPaginateRejectsNonPositiveFirst(t *testing.T) {
	first := 0
	_, _, _, err := paginate([]int{1}, &first, nil)
	assert.Error(t, err)
}

func TestPaginateClampsOversizedFirst(t *testing.T) {
	items := make([]int, 500)
	first := 400

	page, _, _, err := paginate(items, &first, nil)
	require.NoError(t, err)
	assert.Len(t, page, maxPageSize)
}
