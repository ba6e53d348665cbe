package sdk

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Token is an attestation token together with its validity window.
type Token struct {
	Token      string    `json:"token"`
	ExpireTime time.Time `json:"expire_time"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Empty reports whether the token carries no value.
func (t Token) Empty() bool {
	return t.Token == ""
}

// ValidAt reports whether the token is non-empty and still valid margin after now.
// A zero ExpireTime never expires.
func (t Token) ValidAt(now time.Time, margin time.Duration) bool {
	if t.Empty() {
		return false
	}
	if t.ExpireTime.IsZero() {
		return true
	}
	return now.Add(margin).Before(t.ExpireTime)
}

// Lifetime is the span between issue and expiry, or zero when either is unknown.
func (t Token) Lifetime() time.Duration {
	if t.IssuedAt.IsZero() || t.ExpireTime.IsZero() {
		return 0
	}
	return t.ExpireTime.Sub(t.IssuedAt)
}

// Fingerprint identifies the token in logs without revealing it.
func (t Token) Fingerprint() string {
	if t.Empty() {
		return ""
	}
	sum := sha256.Sum256([]byte(t.Token))
	return hex.EncodeToString(sum[:6])
}
