// Package idgen generates random identifiers for vault entries, holds,
// bridge transfers, webhook subscriptions and events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes in use.
const (
	VaultEntry   = "ve_"
	Hold         = "hold_"
	Transfer     = "br_"
	Subscription = "wh_"
	Event        = "evt_"
)

// WithPrefix returns prefix followed by 24 random hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes random bytes, hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
