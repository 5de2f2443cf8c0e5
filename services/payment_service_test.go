package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
	"golang.org/x/text/currency"

	"storefront/events"
	"storefront/models"
	"storefront/payments"
)

const webhookSecret = "whsec_services_test"

// testGateway verifies webhooks with the real Stripe signature scheme and
// fakes the outbound intent calls.
type testGateway struct {
	*payments.StripeGateway

	mu        sync.Mutex
	requests  []payments.IntentRequest
	createErr error
	onCreate  func()
	intents   map[string]payments.Intent
}

func newTestGateway() *testGateway {
	return &testGateway{
		StripeGateway: payments.NewStripeGateway("sk_test", webhookSecret),
		intents:       map[string]payments.Intent{},
	}
}

func (g *testGateway) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.createErr != nil {
		return payments.Intent{}, g.createErr
	}
	if g.onCreate != nil {
		g.onCreate()
	}
	intent := payments.Intent{
		ID:           "pi_" + uuid.NewString(),
		ClientSecret: "secret",
		Status:       "requires_payment_method",
		Amount:       req.Amount,
		Currency:     req.Currency,
	}
	g.intents[intent.ID] = intent
	return intent, nil
}

func (g *testGateway) GetIntent(_ context.Context, intentID string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return payments.Intent{}, payments.ErrIntentNotFound
	}
	return intent, nil
}

type memLedger struct {
	seen map[string]bool
}

func (l *memLedger) Seen(_ context.Context, eventID string) (bool, error) {
	return l.seen[eventID], nil
}

func (l *memLedger) MarkProcessed(_ context.Context, eventID string) error {
	l.seen[eventID] = true
	return nil
}

func gatewayEvent(t *testing.T, eventID, eventType, orderID string, secret string) (string, []byte) {
	t.Helper()
	payload := fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": %q,
		"data": {"object": {"id": "pi_123", "object": "payment_intent", "metadata": {"order_id": %q}}}
	}`, eventID, eventType, orderID)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

func newPaymentService(store *memStore, gw payments.Gateway, ledger EventLedger) *PaymentService {
	return NewPaymentService(store, gw, currency.GBP, ledger, discardLogger())
}

func TestCreatePaymentIntent(t *testing.T) {
	store := newMemStore()
	gw := newTestGateway()
	svc := newPaymentService(store, gw, nil)
	userID := uuid.NewString()
	order := seedOrder(store, userID, models.OrderPending, models.PaymentPending)

	intent, err := svc.CreatePaymentIntent(context.Background(), Actor{UserID: userID}, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", intent.ClientSecret)

	require.Len(t, gw.requests, 1)
	assert.Equal(t, payments.IntentRequest{Amount: 2659, Currency: "GBP", OrderID: order.ID, UserID: userID}, gw.requests[0])

	stored := store.order(order.ID)
	assert.Equal(t, models.PaymentProcessing, stored.PaymentStatus)
	assert.Equal(t, intent.ID, stored.PaymentIntentID)
	assert.Equal(t, models.OrderPending, stored.Status)
	assert.Equal(t, []string{events.PaymentIntentCreated}, store.eventTypes())
}

func TestCreatePaymentIntent_Preconditions(t *testing.T) {
	store := newMemStore()
	gw := newTestGateway()
	svc := newPaymentService(store, gw, nil)
	userID := uuid.NewString()

	tests := []struct {
		name   string
		order  models.Order
		actor  Actor
		kind   error
		reason Reason
	}{
		{
			name:  "other user",
			order: seedOrder(store, userID, models.OrderPending, models.PaymentPending),
			actor: Actor{UserID: uuid.NewString()},
			kind:  ErrNotFound,
		},
		{
			name:   "already paid",
			order:  seedOrder(store, userID, models.OrderProcessing, models.PaymentSucceeded),
			actor:  Actor{UserID: userID},
			kind:   ErrInvalidState,
			reason: ReasonAlreadyPaid,
		},
		{
			name:   "cancelled",
			order:  seedOrder(store, userID, models.OrderCancelled, models.PaymentPending),
			actor:  Actor{UserID: userID},
			kind:   ErrInvalidState,
			reason: ReasonOrderCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePaymentIntent(context.Background(), tt.actor, tt.order.ID)
			require.ErrorIs(t, err, tt.kind)
			if tt.reason != "" {
				var svcErr *Error
				require.ErrorAs(t, err, &svcErr)
				assert.Equal(t, tt.reason, svcErr.Reason)
			}
		})
	}

	_, err := svc.CreatePaymentIntent(context.Background(), Actor{UserID: userID}, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, gw.requests)
}

func TestCreatePaymentIntent_GatewayFailure(t *testing.T) {
	store := newMemStore()
	gw := newTestGateway()
	gw.createErr = errors.New("card network down")
	svc := newPaymentService(store, gw, nil)
	userID := uuid.NewString()
	order := seedOrder(store, userID, models.OrderPending, models.PaymentPending)

	_, err := svc.CreatePaymentIntent(context.Background(), Actor{UserID: userID}, order.ID)
	require.ErrorIs(t, err, gw.createErr)
	assert.Equal(t, models.PaymentPending, store.order(order.ID).PaymentStatus)
	assert.Empty(t, store.order(order.ID).PaymentIntentID)
}

func TestCreatePaymentIntent_CancelledWhileCreating(t *testing.T) {
	store := newMemStore()
	gw := newTestGateway()
	svc := newPaymentService(store, gw, nil)
	userID := uuid.NewString()
	order := seedOrder(store, userID, models.OrderPending, models.PaymentPending)

	gw.onCreate = func() {
		o := store.order(order.ID)
		o.Status = models.OrderCancelled
		o.Version++
		store.putOrder(o)
	}

	_, err := svc.CreatePaymentIntent(context.Background(), Actor{UserID: userID}, order.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, models.PaymentPending, store.order(order.ID).PaymentStatus)
}

func TestHandleGatewayEvent_SucceededIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newPaymentService(store, newTestGateway(), nil)
	order := seedOrder(store, uuid.NewString(), models.OrderPending, models.PaymentProcessing)

	header, body := gatewayEvent(t, "evt_1", payments.EventPaymentSucceeded, order.ID, webhookSecret)

	result, err := svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	once := store.order(order.ID)
	assert.Equal(t, models.OrderProcessing, once.Status)
	assert.Equal(t, models.PaymentSucceeded, once.PaymentStatus)
	assert.Equal(t, "pi_123", once.PaymentIntentID)

	result, err = svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.False(t, result.Applied)

	twice := store.order(order.ID)
	assert.Equal(t, once.Status, twice.Status)
	assert.Equal(t, once.PaymentStatus, twice.PaymentStatus)
	assert.Equal(t, once.Version, twice.Version)
	assert.Equal(t, []string{events.PaymentSucceeded}, store.eventTypes())
}

func TestHandleGatewayEvent_SucceededDoesNotRegressStatus(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newPaymentService(store, newTestGateway(), nil)
	userID := uuid.NewString()

	shipped := seedOrder(store, userID, models.OrderShipped, models.PaymentSucceeded)
	cancelled := seedOrder(store, userID, models.OrderCancelled, models.PaymentProcessing)

	header, body := gatewayEvent(t, "evt_2", payments.EventPaymentSucceeded, shipped.ID, webhookSecret)
	_, err := svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.Equal(t, models.OrderShipped, store.order(shipped.ID).Status)

	header, body = gatewayEvent(t, "evt_3", payments.EventPaymentSucceeded, cancelled.ID, webhookSecret)
	_, err = svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, store.order(cancelled.ID).Status)
	assert.Equal(t, models.PaymentSucceeded, store.order(cancelled.ID).PaymentStatus)
}

func TestHandleGatewayEvent_Failed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newPaymentService(store, newTestGateway(), nil)
	userID := uuid.NewString()

	paying := seedOrder(store, userID, models.OrderPending, models.PaymentProcessing)
	paid := seedOrder(store, userID, models.OrderProcessing, models.PaymentSucceeded)
	paid.PaymentIntentID = "pi_123"
	store.putOrder(paid)

	header, body := gatewayEvent(t, "evt_4", payments.EventPaymentFailed, paying.ID, webhookSecret)
	result, err := svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, models.PaymentFailed, store.order(paying.ID).PaymentStatus)
	assert.Equal(t, models.OrderPending, store.order(paying.ID).Status)

	header, body = gatewayEvent(t, "evt_5", payments.EventPaymentFailed, paid.ID, webhookSecret)
	result, err = svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, models.PaymentSucceeded, store.order(paid.ID).PaymentStatus)
}

func TestHandleGatewayEvent_AcknowledgesUnknown(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newPaymentService(store, newTestGateway(), nil)
	order := seedOrder(store, uuid.NewString(), models.OrderPending, models.PaymentProcessing)

	header, body := gatewayEvent(t, "evt_6", payments.EventPaymentSucceeded, uuid.NewString(), webhookSecret)
	result, err := svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.False(t, result.Applied)

	header, body = gatewayEvent(t, "evt_7", "payment_intent.created", order.ID, webhookSecret)
	result, err = svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.False(t, result.Applied)

	assert.Equal(t, models.PaymentProcessing, store.order(order.ID).PaymentStatus)
	assert.Empty(t, store.eventTypes())
}

func TestHandleGatewayEvent_InvalidSignatureChangesNothing(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ledger := &memLedger{seen: map[string]bool{}}
	svc := newPaymentService(store, newTestGateway(), ledger)
	order := seedOrder(store, uuid.NewString(), models.OrderPending, models.PaymentProcessing)

	for _, eventType := range []string{payments.EventPaymentSucceeded, payments.EventPaymentFailed} {
		header, body := gatewayEvent(t, "evt_forged", eventType, order.ID, "whsec_attacker")
		_, err := svc.HandleGatewayEvent(ctx, header, body)
		require.ErrorIs(t, err, ErrSignatureInvalid)
	}

	_, body := gatewayEvent(t, "evt_unsigned", payments.EventPaymentSucceeded, order.ID, webhookSecret)
	_, err := svc.HandleGatewayEvent(ctx, "", body)
	require.ErrorIs(t, err, ErrSignatureInvalid)

	assert.Equal(t, models.PaymentProcessing, store.order(order.ID).PaymentStatus)
	assert.Equal(t, int64(1), store.order(order.ID).Version)
	assert.Empty(t, ledger.seen)
}

func TestHandleGatewayEvent_LedgerSkipsRedelivery(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ledger := &memLedger{seen: map[string]bool{}}
	svc := newPaymentService(store, newTestGateway(), ledger)
	order := seedOrder(store, uuid.NewString(), models.OrderPending, models.PaymentProcessing)

	header, body := gatewayEvent(t, "evt_8", payments.EventPaymentSucceeded, order.ID, webhookSecret)
	result, err := svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.True(t, ledger.seen["evt_8"])

	result, err = svc.HandleGatewayEvent(ctx, header, body)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Len(t, store.eventTypes(), 1)
}

func TestGetPaymentIntent(t *testing.T) {
	store := newMemStore()
	gw := newTestGateway()
	svc := newPaymentService(store, gw, nil)
	userID := uuid.NewString()
	order := seedOrder(store, userID, models.OrderPending, models.PaymentPending)

	created, err := svc.CreatePaymentIntent(context.Background(), Actor{UserID: userID}, order.ID)
	require.NoError(t, err)

	got, err := svc.GetPaymentIntent(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = svc.GetPaymentIntent(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
