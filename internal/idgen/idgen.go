// Package idgen mints opaque random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes in use.
const (
	Request    = "req_"
	Subscriber = "sub_"
)

// New returns prefix followed by 96 random bits in lowercase hex.
func New(prefix string) string {
	var b [12]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}

// Valid reports whether id is printable ASCII without spaces and at most
// 128 bytes, so it is safe to echo in headers and log lines.
func Valid(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
