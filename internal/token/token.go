// Package token issues single-use, hashed, time-boxed authorization secrets for device commands.
package token

import (
	"encoding/hex"
	"time"

	"github.com/and161185/lockpay/internal/crypto"
)

// DefaultTTL is the lifetime of a command token.
const DefaultTTL = 24 * time.Hour

const secretLen = 32

// Token is a freshly minted secret. Only Salt and Hash may be persisted.
type Token struct {
	Secret    string // hex encoded, handed to the device once
	Salt      []byte
	Hash      []byte
	ExpiresAt time.Time
}

// Issuer mints command tokens with a fixed lifetime.
type Issuer struct {
	ttl time.Duration
}

// NewIssuer constructs an Issuer; a non-positive ttl falls back to DefaultTTL.
func NewIssuer(ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{ttl: ttl}
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue mints a token expiring ttl after now.
func (i *Issuer) Issue(now time.Time) (Token, error) {
	tok, err := Mint()
	if err != nil {
		return Token{}, err
	}
	tok.ExpiresAt = now.Add(i.ttl)
	return tok, nil
}

// Mint creates a random secret with its salt and hash and no expiry.
func Mint() (Token, error) {
	raw, err := crypto.RandBytes(secretLen)
	if err != nil {
		return Token{}, err
	}
	salt, err := crypto.RandBytes(crypto.SaltLen)
	if err != nil {
		return Token{}, err
	}
	secret := hex.EncodeToString(raw)
	return Token{
		Secret: secret,
		Salt:   salt,
		Hash:   crypto.HashSecret([]byte(secret), salt),
	}, nil
}

// Verify reports whether secret matches the stored salt and hash.
func Verify(secret string, salt, hash []byte) bool {
	if secret == "" {
		return false
	}
	return crypto.VerifySecret([]byte(secret), salt, hash)
}
