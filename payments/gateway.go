package payments

import (
	"context"
	"errors"
)

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

var (
	ErrSignatureInvalid = errors.New("webhook signature verification failed")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrIntentNotFound   = errors.New("payment intent not found")
)

type IntentRequest struct {
	// Amount is in the currency's minor unit.
	Amount   int64
	Currency string
	OrderID  string
	UserID   string
}

type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Event is a verified gateway notification. OrderID comes from the intent
// metadata set at creation and is empty for non payment-intent events.
type Event struct {
	ID       string
	Type     string
	IntentID string
	OrderID  string
	UserID   string
}

type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	GetIntent(ctx context.Context, intentID string) (Intent, error)
	// ParseEvent authenticates payload against the signature header before
	// decoding anything from it.
	ParseEvent(payload []byte, signatureHeader string) (Event, error)
}
