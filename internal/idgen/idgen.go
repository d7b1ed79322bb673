// Package idgen provides random identifier generation.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 32 hex chars, e.g. "esc_3f2a...", "tx_...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id is prefix followed by a well-formed UUID body.
func Valid(prefix, id string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, prefix))
	return err == nil
}
