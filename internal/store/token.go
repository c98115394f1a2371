package store

import (
	"crypto/rand"
	"encoding/hex"
)

// newOpaqueToken generates a 256-bit random session token, hex-encoded.
func newOpaqueToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
