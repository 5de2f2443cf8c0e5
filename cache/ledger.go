package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLedgerTTL outlives the gateway's webhook retry window.
const DefaultLedgerTTL = 72 * time.Hour

// EventLedger records processed webhook event ids in Redis.
type EventLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewEventLedger(client *redis.Client, ttl time.Duration) *EventLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &EventLedger{client: client, ttl: ttl}
}

// NewClient parses a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (l *EventLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, ledgerKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

func (l *EventLedger) MarkProcessed(ctx context.Context, eventID string) error {
	err := l.client.Set(ctx, ledgerKey(eventID), time.Now().UTC().Unix(), l.ttl).Err()
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func ledgerKey(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}
