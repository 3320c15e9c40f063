// Package pagination provides keyset pagination over string-ordered keys.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200

	cursorPrefix = "k1:"
)

// ErrInvalidCursor is returned by Decode for cursors it did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Encode returns an opaque cursor positioned after key.
func Encode(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + key))
}

// Decode returns the key a cursor is positioned after. The empty cursor
// decodes to the empty key, which sorts before every key.
func Decode(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", ErrInvalidCursor
	}
	key, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok || key == "" {
		return "", ErrInvalidCursor
	}
	return key, nil
}

// Limit parses a page size, falling back to DefaultLimit and clamping to
// [1, MaxLimit].
func Limit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// ComputePage takes items fetched with limit+1 and the requested limit.
// It returns the trimmed items, the cursor of the next page and whether
// one exists.
func ComputePage[T any](items []T, limit int, keyOf func(T) string) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(keyOf(items[len(items)-1])), true
}
