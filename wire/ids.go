package wire

import (
	"crypto/rand"
	"fmt"
)

// IDSize is the raw length, in bytes, of recipient/sender/correlation ids.
const IDSize = 24

// NewID returns a fresh 24-byte cryptographically random id.
func NewID() ([]byte, error) {
	b := make([]byte, IDSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("wire: generate id: %w", err)
	}
	return b, nil
}
