// Package sha256 provides SHA-256 checksums for snapshot files.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes hex encoded SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether data hashes to digest.
func (h *Hasher) Equal(data []byte, digest string) bool {
	got, err := h.Hash(data)
	return err == nil && got == digest
}
