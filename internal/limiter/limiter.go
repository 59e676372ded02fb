// Package limiter throttles failed command acknowledgments so a device cannot brute-force a
// command secret.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter controls acknowledgment attempts and temporary lockouts per (command, client).
type Limiter interface {
	// Allow reports whether an acknowledgment is currently allowed and optional retry-after.
	Allow(ctx context.Context, commandID uuid.UUID, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a verified acknowledgment.
	Success(ctx context.Context, commandID uuid.UUID, ipHash []byte) error
	// Failure records a rejected secret; may place a temporary block.
	Failure(ctx context.Context, commandID uuid.UUID, ipHash []byte) (bool, time.Duration, error)
}

// Nop never blocks.
type Nop struct{}

func (Nop) Allow(context.Context, uuid.UUID, []byte) (bool, time.Duration, error) {
	return true, 0, nil
}
func (Nop) Success(context.Context, uuid.UUID, []byte) error { return nil }
func (Nop) Failure(context.Context, uuid.UUID, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
