// Package uniqueid generates identifiers for nodes and mesh messages.
package uniqueid

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"time"
)

// UniqueId returns a random identifier whose first bytes are the current time in
// microseconds, so ids created later sort later. It is URL-safe base64 without
// padding.
func UniqueId() string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixMicro()))
	if _, err := rand.Read(b[8:]); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
