package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewID returns a random lowercase hex token of the given even length.
func NewID(length int) (string, error) {
	if length <= 0 || length%2 != 0 {
		return "", fmt.Errorf("id length must be a positive even number, got %d", length)
	}
	buf := make([]byte, length/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
