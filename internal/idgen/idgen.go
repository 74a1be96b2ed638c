// Package idgen provides random ID generation.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "alrt_", "esc_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
