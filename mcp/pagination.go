package mcp

import (
	"encoding/base64"
	"fmt"
)

// Page is one page of a cursor-paginated list result, the shape every
// "*/list" result conforms to per spec.md §6.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// Paginate slices items into a page starting just after cursor ("" for the
// first page), returning at most pageSize items and an opaque NextCursor
// for the next call, empty once the list is exhausted. Grounded in the
// teacher's paginateList/featureSet pairing: the cursor is the base64 of
// the next start index, which is cheap and stable for an in-memory
// snapshot but opaque to callers, matching the wire contract.
func Paginate[T any](items []T, cursor string, pageSize int) (Page[T], error) {
	if pageSize <= 0 {
		return Page[T]{}, fmt.Errorf("mcp: pageSize must be positive")
	}
	start, err := decodeCursor(cursor)
	if err != nil {
		return Page[T]{}, err
	}
	if start > len(items) {
		return Page[T]{}, fmt.Errorf("mcp: cursor out of range")
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	page := Page[T]{Items: items[start:end]}
	if end < len(items) {
		page.NextCursor = encodeCursor(end)
	}
	return page, nil
}

func encodeCursor(i int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d", i)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("mcp: invalid cursor: %w", err)
	}
	var i int
	if _, err := fmt.Sscanf(string(data), "%d", &i); err != nil {
		return 0, fmt.Errorf("mcp: invalid cursor: %w", err)
	}
	if i < 0 {
		return 0, fmt.Errorf("mcp: invalid cursor")
	}
	return i, nil
}
