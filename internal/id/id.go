// Package id provides unique identifier generation for clawd resources.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"time"
)

// Generate creates a unique identifier with the given prefix.
// Format: <prefix>_<12 hex chars> (e.g., "inst_a1b2c3d4e5f6", "task_0011aabbccdd").
// Uses 6 cryptographically random bytes encoded as 12 hex characters.
func Generate(prefix string) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails (extremely unlikely)
		return prefix + "_" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:12]
	}
	return prefix + "_" + hex.EncodeToString(b)
}

// validID matches identifiers safe to embed in container names, paths
// and URLs: a lowercase prefix, underscore, then hex or alphanumerics.
var validID = regexp.MustCompile(`^[a-z]+_[A-Za-z0-9-]+$`)

// Valid reports whether s looks like a clawd-generated identifier.
func Valid(s string) bool {
	return validID.MatchString(s)
}
