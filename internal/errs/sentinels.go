// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (row changed under us).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a temporary block due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation marks malformed input rejected before any mutation.
	ErrValidation = errors.New("validation")
)

// Ledger sentinels.
var (
	// ErrInvalidAmount is returned for non-positive payment amounts.
	ErrInvalidAmount = fmt.Errorf("%w: amount must be greater than zero", ErrValidation)

	// ErrInvalidTerms is returned when sale terms are inconsistent.
	ErrInvalidTerms = fmt.Errorf("%w: invalid sale terms", ErrValidation)

	// ErrOverdraw is returned when a payment exceeds the remaining balance.
	ErrOverdraw = errors.New("payment exceeds remaining balance")

	// ErrSaleNotActive is the base of SaleStateError.
	ErrSaleNotActive = errors.New("sale not active")

	// ErrInstallmentNotFound is returned when a target installment does not belong to the sale.
	ErrInstallmentNotFound = errors.New("installment not found")

	// ErrDeviceHasOpenSale is returned when the device already has an active or defaulted sale.
	ErrDeviceHasOpenSale = errors.New("device already has an open sale")
)

// Dispatcher and gateway sentinels.
var (
	// ErrSecretMismatch is returned when an acknowledgment carries the wrong secret.
	ErrSecretMismatch = errors.New("command secret mismatch")

	// ErrCommandExpired is returned when a command token is past its expiry.
	ErrCommandExpired = errors.New("command expired")

	// ErrCommandState is returned when a command is not in a state that allows the transition.
	ErrCommandState = errors.New("command not in acknowledgeable state")

	// ErrInvalidSignature is returned when a webhook signature does not match the body.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrAlreadyResolved is returned when an operator resolves a journaled event twice.
	ErrAlreadyResolved = errors.New("webhook event already resolved")
)

// SaleStateError reports a payment attempted against a sale that is not active.
type SaleStateError struct {
	Status string
}

func (e *SaleStateError) Error() string {
	return fmt.Sprintf("sale not active: status %s", e.Status)
}

// Unwrap lets errors.Is match ErrSaleNotActive.
func (e *SaleStateError) Unwrap() error { return ErrSaleNotActive }
