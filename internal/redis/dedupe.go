package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// dedupeProcessingTTL bounds how long a reservation can block a
	// redelivered copy of the same event while reconciliation runs.
	dedupeProcessingTTL = 5 * time.Minute

	// dedupeDoneTTL is how long a processed (message id, type) pair is
	// remembered. SQS redelivers within its retention window, so 24h
	// covers any late duplicate.
	dedupeDoneTTL = 24 * time.Hour

	processingMarker = "processing"
	doneMarker       = "done"
)

// EventDeduper makes delivery-event reconciliation idempotent under
// at-least-once queue delivery. The protocol is reserve -> mutate store ->
// commit; a store failure releases the reservation so queue redelivery can
// retry the event.
type EventDeduper struct {
	client *Client
	logger *zap.Logger
}

// NewEventDeduper creates a Redis-backed event deduper.
func NewEventDeduper(client *Client, logger *zap.Logger) *EventDeduper {
	return &EventDeduper{
		client: client,
		logger: logger,
	}
}

func dedupeKey(key string) string {
	return "dedupe:" + key
}

// Reserve atomically claims an event key with SET NX. Returns false when the
// event is already processed or currently being processed elsewhere.
func (d *EventDeduper) Reserve(ctx context.Context, key string) (bool, error) {
	set, err := d.client.rdb.SetNX(ctx, dedupeKey(key), processingMarker, dedupeProcessingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	if !set {
		d.logger.Debug("duplicate delivery event", zap.String("key", key))
	}

	return set, nil
}

// Commit marks a reserved event as fully processed.
func (d *EventDeduper) Commit(ctx context.Context, key string) error {
	if err := d.client.rdb.Set(ctx, dedupeKey(key), doneMarker, dedupeDoneTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation after a failed store mutation so the queue's
// redelivery can retry the event.
func (d *EventDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.rdb.Del(ctx, dedupeKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Seen reports whether an event key has been fully processed.
func (d *EventDeduper) Seen(ctx context.Context, key string) (bool, error) {
	val, err := d.client.rdb.Get(ctx, dedupeKey(key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	return val == doneMarker, nil
}
