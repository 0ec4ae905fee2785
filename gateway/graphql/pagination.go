package graphql

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/fedmeter/errors"
)

// Cursors are opaque to clients: a base64-wrapped absolute position into the
// ordered result set. Connections are built from a fully ordered snapshot, so
// a cursor round-trip (first: N, then after: endCursor) walks the set with no
// overlap and no gaps.

const (
	cursorPrefix    = "offset:"
	defaultPageSize = 20
	maxPageSize     = 100
)

func encodeCursor(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(index)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, errors.WrapInvalid(err, "graphql", "decodeCursor", "malformed cursor")
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, errors.WrapInvalid(fmt.Errorf("unrecognized cursor %q", cursor),
			"graphql", "decodeCursor", "malformed cursor")
	}
	index, err := strconv.Atoi(strings.TrimPrefix(s, cursorPrefix))
	if err != nil || index < 0 {
		return 0, errors.WrapInvalid(fmt.Errorf("unrecognized cursor %q", cursor),
			"graphql", "decodeCursor", "malformed cursor")
	}
	return index, nil
}

// paginate slices an ordered result set into one page. It returns the page
// items, the absolute index of the first item, and the PageInfo describing
// the page's position in the full set.
func paginate[T any](items []T, first *int, after *string) ([]T, int, PageInfo, error) {
	size := defaultPageSize
	if first != nil {
		if *first <= 0 {
			return nil, 0, PageInfo{}, errors.WrapInvalid(
				fmt.Errorf("first must be positive, got %d", *first),
				"graphql", "paginate", "invalid page size")
		}
		size = *first
		if size > maxPageSize {
			size = maxPageSize
		}
	}

	start := 0
	if after != nil && *after != "" {
		index, err := decodeCursor(*after)
		if err != nil {
			return nil, 0, PageInfo{}, err
		}
		start = index + 1
	}
	if start > len(items) {
		start = len(items)
	}

	end := start + size
	if end > len(items) {
		end = len(items)
	}
	page := items[start:end]

	info := PageInfo{
		HasNextPage:     end < len(items),
		HasPreviousPage: start > 0,
	}
	if len(page) > 0 {
		startCursor := encodeCursor(start)
		endCursor := encodeCursor(end - 1)
		info.StartCursor = &startCursor
		info.EndCursor = &endCursor
	}
	return page, start, info, nil
}
