package events

import (
	"context"
	"log/slog"
	"time"

	"storefront/database"
)

type OutboxStore interface {
	FetchPendingEvents(ctx context.Context, limit int) ([]database.OutboxEvent, error)
	MarkEventSent(ctx context.Context, id int64) error
}

// Relay polls the outbox and hands committed events to the broker. Delivery
// is at-least-once: an event published but not marked is sent again on the
// next tick.
type Relay struct {
	store     OutboxStore
	publisher Publisher
	interval  time.Duration
	batchSize int
	log       *slog.Logger
}

func NewRelay(store OutboxStore, publisher Publisher, interval time.Duration, batchSize int, log *slog.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RelayPending(ctx)
		}
	}
}

// RelayPending publishes one batch in id order and stops at the first
// failure so later events never overtake an earlier one.
func (r *Relay) RelayPending(ctx context.Context) int {
	pending, err := r.store.FetchPendingEvents(ctx, r.batchSize)
	if err != nil {
		r.log.Error("fetch outbox events", "err", err)
		return 0
	}

	sent := 0
	for _, event := range pending {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.log.Warn("publish outbox event",
				"event_id", event.EventID, "event_type", event.EventType, "err", err)
			return sent
		}
		if err := r.store.MarkEventSent(ctx, event.ID); err != nil {
			r.log.Error("mark outbox event sent", "event_id", event.EventID, "err", err)
			return sent
		}
		sent++
	}

	if sent > 0 {
		r.log.Debug("relayed outbox events", "count", sent)
	}
	return sent
}
