package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storefront/database"
	"storefront/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubOutbox struct {
	mu      sync.Mutex
	events  []database.OutboxEvent
	sent    map[int64]bool
	markErr error
}

func (s *stubOutbox) FetchPendingEvents(_ context.Context, limit int) ([]database.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []database.OutboxEvent
	for _, e := range s.events {
		if !s.sent[e.ID] && len(pending) < limit {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (s *stubOutbox) MarkEventSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.sent[id] = true
	return nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	failOn    string
}

func (p *recordingPublisher) Publish(_ context.Context, e database.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.EventID == p.failOn {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, e.EventID)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func outbox(t *testing.T, n int) *stubOutbox {
	t.Helper()
	s := &stubOutbox{sent: map[int64]bool{}}
	for i := range n {
		e, err := New(OrderCreated, "order-1", models.OrderEvent{OrderID: "order-1"})
		require.NoError(t, err)
		e.ID = int64(i + 1)
		e.EventID = string(rune('a' + i))
		s.events = append(s.events, e)
	}
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelayPending_PublishesInOrder(t *testing.T) {
	store := outbox(t, 3)
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, time.Second, 2, quietLogger())

	assert.Equal(t, 2, relay.RelayPending(context.Background()))
	assert.Equal(t, 1, relay.RelayPending(context.Background()))
	assert.Equal(t, 0, relay.RelayPending(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, pub.ids())
}

func TestRelayPending_StopsAtFirstFailure(t *testing.T) {
	store := outbox(t, 3)
	pub := &recordingPublisher{failOn: "b"}
	relay := NewRelay(store, pub, time.Second, 10, quietLogger())

	assert.Equal(t, 1, relay.RelayPending(context.Background()))
	assert.Equal(t, []string{"a"}, pub.ids())

	pub.failOn = ""
	assert.Equal(t, 2, relay.RelayPending(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, pub.ids())
}

func TestRelayPending_RepublishesUnmarked(t *testing.T) {
	store := outbox(t, 1)
	store.markErr = errors.New("db down")
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, time.Second, 10, quietLogger())

	relay.RelayPending(context.Background())
	store.markErr = nil
	relay.RelayPending(context.Background())

	assert.Equal(t, []string{"a", "a"}, pub.ids())
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := outbox(t, 2)
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, 10*time.Millisecond, 10, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(pub.ids()) == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestDecode(t *testing.T) {
	e, err := New(OrderCancelled, "order-9", models.OrderEvent{OrderID: "order-9", Reason: "customer"})
	require.NoError(t, err)

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, OrderCancelled, got.EventType)
	assert.JSONEq(t, string(e.Payload), string(got.Payload))

	_, err = Decode([]byte(`{"event_id":"x"}`))
	assert.Error(t, err)
}
