// Package auth issues and verifies operator bearer tokens (HS256 JWT).
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/lockpay/internal/errs"
)

// Tokens signs and verifies operator tokens with a shared key.
type Tokens struct {
	key []byte
	ttl time.Duration
}

// NewTokens constructs a token signer; ttl applies to Issue.
func NewTokens(key []byte, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Tokens{key: key, ttl: ttl}
}

// Issue creates a signed HS256 JWT whose subject is the operator name.
func (t *Tokens) Issue(operator string, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(operator) == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty operator", errs.ErrValidation)
	}
	exp := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   operator,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	return signed, exp, err
}

// Verify checks signature and validity window and returns the operator name.
func (t *Tokens) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tk *jwt.Token) (any, error) {
		if tk.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return t.key, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", errs.ErrUnauthorized
	}
	if claims.Subject == "" {
		return "", errs.ErrUnauthorized
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <jwt>" value.
func BearerToken(header string) (string, bool) {
	v := strings.TrimSpace(header)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		t := strings.TrimSpace(v[7:])
		if t != "" {
			return t, true
		}
	}
	return "", false
}

type ctxKey string

const operatorKey ctxKey = "lockpay.operator"

// WithOperator stores the authenticated operator in context.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// OperatorFromCtx fetches the operator from context.
func OperatorFromCtx(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operatorKey).(string)
	return v, ok && v != ""
}
