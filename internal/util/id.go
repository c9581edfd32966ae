package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 32-char hex identifier, optionally prefixed
// ("thr_..", "msg_..") to keep ids recognizable in logs.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
