// Package auth mints and validates the 160-bit hex auth token that
// gates every control message of a reservation. A dispycosnode auth
// token carries no expiry of its own — its lifetime is exactly one
// reservation, enforced by the node controller clearing it on release
// rather than by a timer.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// TokenBytes is the 160-bit token length.
const TokenBytes = 20

// New generates a fresh auth token.
func New() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate auth token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Equal performs a constant-time comparison of two tokens, so that
// auth-gate checks don't leak timing information about how much of a
// guessed token matched.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Check validates an inbound message's auth field against the active
// reservation's token. An empty expected token (no reservation active)
// only matches during a bootstrap window the node controller opens
// explicitly (server_task registrations before the reservation auth is
// known) — callers must gate that window themselves; Check never
// treats "" == "" as a match.
func Check(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return Equal(expected, got)
}
