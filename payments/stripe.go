package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"
)

type StripeGateway struct {
	intents       *paymentintent.Client
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	return &StripeGateway{
		intents:       &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		webhookSecret: webhookSecret,
	}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("user_id", req.UserID)

	pi, err := g.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe create intent: %w", err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, intentID string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.intents.Get(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return Intent{}, ErrIntentNotFound
		}
		return Intent{}, fmt.Errorf("stripe get intent: %w", err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) ParseEvent(payload []byte, signatureHeader string) (Event, error) {
	if g.webhookSecret == "" {
		return Event{}, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if !strings.HasPrefix(out.Type, "payment_intent.") {
		return out, nil
	}
	if ev.Data == nil {
		return Event{}, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, out.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	out.IntentID = pi.ID
	out.OrderID = pi.Metadata["order_id"]
	out.UserID = pi.Metadata["user_id"]

	return out, nil
}

func toIntent(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}
