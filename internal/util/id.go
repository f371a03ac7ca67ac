package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier. The prefix names the entity kind, so
// annotation ids read "ann_...", replies "rep_...", mentions "men_..." and
// websocket connections "conn_...".
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
