// Package idgen provides identifier generation for escrow records and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Generator produces globally unique, non-guessable identifiers.
type Generator interface {
	NewID() string
}

// UUID generates random (version 4) UUIDs with an optional prefix,
// e.g. "esc_3f1c0e9a-...".
type UUID struct {
	Prefix string
}

// NewID returns Prefix followed by a fresh v4 UUID.
func (g UUID) NewID() string {
	return g.Prefix + uuid.NewString()
}

// Func adapts a plain function to Generator. Useful for deterministic tests.
type Func func() string

// NewID calls f.
func (f Func) NewID() string { return f() }

// WithPrefix generates a random ID with a prefix (e.g. "req_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
