// Package gateway verifies and decodes payment gateway webhook notifications.
package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/model"
)

// SignatureHeader carries hex(HMAC-SHA512(secret, raw body)).
const SignatureHeader = "monnify-signature"

// EventSuccessfulTransaction is the only event type that moves money.
const EventSuccessfulTransaction = "SUCCESSFUL_TRANSACTION"

// minorUnits is the number of minor units per major currency unit.
var (
	minorUnits = decimal.NewFromInt(100)
	maxMinor   = decimal.NewFromInt(math.MaxInt64)
)

// Verifier checks webhook signatures against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign returns the hex signature of body.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports ErrInvalidSignature unless signature matches body.
func (v *Verifier) Verify(body []byte, signature string) error {
	if len(v.secret) == 0 || signature == "" {
		return errs.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errs.ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errs.ErrInvalidSignature
	}
	return nil
}

// Payload is the gateway notification envelope.
type Payload struct {
	EventType string    `json:"eventType"`
	EventData EventData `json:"eventData"`
}

// EventData is the transaction part of a notification.
type EventData struct {
	TransactionReference string   `json:"transactionReference"`
	PaymentReference     string   `json:"paymentReference"`
	AmountPaid           string   `json:"amountPaid"`
	PaidOn               string   `json:"paidOn"`
	PaymentStatus        string   `json:"paymentStatus"`
	PaymentMethod        string   `json:"paymentMethod"`
	Product              Product  `json:"product"`
	Customer             Customer `json:"customer"`
}

// Product identifies what was paid for.
type Product struct {
	Reference string `json:"reference"`
}

// Customer is the payer as reported by the gateway.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Event is a decoded notification ready for reconciliation.
type Event struct {
	Type             string
	ExternalRef      string // gateway transaction reference, the idempotency key
	PaymentReference string
	ProductReference string
	CustomerID       string
	Amount           model.Money
}

// Successful reports whether the event moves money.
func (e Event) Successful() bool { return e.Type == EventSuccessfulTransaction }

// Parse decodes a verified body. Amounts are parsed only for successful transactions.
func Parse(body []byte) (Event, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: decode webhook: %v", errs.ErrValidation, err)
	}
	d := p.EventData
	ev := Event{
		Type:             p.EventType,
		ExternalRef:      strings.TrimSpace(d.TransactionReference),
		PaymentReference: strings.TrimSpace(d.PaymentReference),
		ProductReference: strings.TrimSpace(d.Product.Reference),
		CustomerID:       CustomerIdentifier(d),
	}
	if !ev.Successful() {
		return ev, nil
	}
	if ev.ExternalRef == "" {
		return ev, fmt.Errorf("%w: missing transaction reference", errs.ErrValidation)
	}
	amt, err := ParseAmount(d.AmountPaid)
	if err != nil {
		return ev, err
	}
	ev.Amount = amt
	return ev, nil
}

// ParseAmount converts a decimal major-unit string into minor units. Fractions of a minor unit
// non-positive values and values that do not fit in Money are rejected.
func ParseAmount(s string) (model.Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, errs.ErrInvalidAmount)
	}
	minor := d.Mul(minorUnits)
	if !minor.IsInteger() || !minor.IsPositive() {
		return 0, fmt.Errorf("amount %q: %w", s, errs.ErrInvalidAmount)
	}
	if minor.GreaterThan(maxMinor) {
		return 0, fmt.Errorf("amount %q out of range: %w", s, errs.ErrInvalidAmount)
	}
	return model.Money(minor.IntPart()), nil
}

// CustomerIdentifier extracts the customer reference embedded in the metadata: the local part
// of the customer email, falling back to the product reference.
func CustomerIdentifier(d EventData) string {
	if local, _, ok := strings.Cut(d.Customer.Email, "@"); ok && strings.TrimSpace(local) != "" {
		return strings.TrimSpace(local)
	}
	return strings.TrimSpace(d.Product.Reference)
}
