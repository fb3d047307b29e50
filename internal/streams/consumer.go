// Package streams implements the event-stream consumer: ordered reads from
// append-only Redis streams, durable per-stream positions in SQLite, and
// per-event dispatch with at-least-once semantics.
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/demandline/demandline/internal/domain"
)

// HandlerFunc processes one decoded event payload.
type HandlerFunc func(ctx context.Context, raw []byte) error

// Consumer drains append-only streams and applies events to aggregate state.
// Exactly one consumer instance runs per (consumer_name, stream) pair.
//
// The position advances per successfully handled event, so a crash between
// handler and position write replays the last event; handlers are idempotent
// under that replay. An event whose handler fails is logged and skipped.
// An event whose payload cannot be parsed stops the batch without advancing,
// so the next invocation retries it.
type Consumer struct {
	redis     *redis.Client
	positions *PositionRepository
	name      string
	clock     domain.Clock
	log       zerolog.Logger

	handlers map[string]HandlerFunc
}

// NewConsumer creates a consumer with the given durable name.
func NewConsumer(rdb *redis.Client, positions *PositionRepository, name string, clock domain.Clock, log zerolog.Logger) *Consumer {
	return &Consumer{
		redis:     rdb,
		positions: positions,
		name:      name,
		clock:     clock,
		log:       log.With().Str("component", "stream_consumer").Str("consumer", name).Logger(),
		handlers:  make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for an event type. Unregistered types are
// acknowledged without effect.
func (c *Consumer) Handle(eventType string, fn HandlerFunc) {
	c.handlers[eventType] = fn
}

// Consume reads at most maxBatch events past the persisted position and
// dispatches them in stream order. It returns the number of successfully
// handled events and the final position. Shutdown via ctx finishes the
// current event, then stops before moving to the next.
func (c *Consumer) Consume(ctx context.Context, stream string, maxBatch int) (int, string, error) {
	lastID, err := c.positions.Get(ctx, c.name, stream)
	if err != nil {
		return 0, "", err
	}

	start := "-"
	if lastID != startID {
		start = "(" + lastID
	}

	entries, err := c.redis.XRangeN(ctx, stream, start, "+", int64(maxBatch)).Result()
	if err != nil {
		return 0, lastID, fmt.Errorf("read stream %s: %w", stream, err)
	}

	processed := 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return processed, lastID, ctx.Err()
		default:
		}

		raw, envelope, decodeErr := decodeEntry(entry)
		if decodeErr != nil {
			// Unparsed events block the position so restarts retry them.
			c.log.Error().Err(decodeErr).
				Str("stream", stream).
				Str("event_id", entry.ID).
				Msg("Undecodable stream entry, stopping batch")
			return processed, lastID, nil
		}

		if handler, ok := c.handlers[envelope.EventType]; ok {
			if err := handler(ctx, raw); err != nil {
				// Skipped, not retried: the position still advances so one
				// poisoned event cannot stall the stream.
				c.log.Error().Err(err).
					Str("stream", stream).
					Str("event_id", entry.ID).
					Str("event_type", envelope.EventType).
					Msg("Event handler failed, skipping event")
			} else {
				processed++
			}
		} else {
			c.log.Debug().
				Str("stream", stream).
				Str("event_type", envelope.EventType).
				Msg("No handler for event type")
		}

		if err := c.positions.Set(ctx, c.name, stream, entry.ID, c.clock.Now()); err != nil {
			return processed, lastID, err
		}
		lastID = entry.ID
	}

	return processed, lastID, nil
}

// decodeEntry extracts and validates the JSON payload of a stream entry.
func decodeEntry(entry redis.XMessage) ([]byte, Envelope, error) {
	var envelope Envelope

	field, ok := entry.Values["data"]
	if !ok {
		return nil, envelope, fmt.Errorf("entry %s has no data field", entry.ID)
	}
	str, ok := field.(string)
	if !ok {
		return nil, envelope, fmt.Errorf("entry %s data field is not a string", entry.ID)
	}

	raw := []byte(str)
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, envelope, fmt.Errorf("entry %s: %w", entry.ID, err)
	}
	if envelope.EventType == "" {
		return nil, envelope, fmt.Errorf("entry %s has no event_type", entry.ID)
	}

	return raw, envelope, nil
}

// Run polls the stream until the context is cancelled. Transient read
// errors are logged and retried on the next tick.
func (c *Consumer) Run(ctx context.Context, stream string, maxBatch int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info().Str("stream", stream).Dur("interval", interval).Msg("Stream consumer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Str("stream", stream).Msg("Stream consumer stopped")
			return
		case <-ticker.C:
			processed, lastID, err := c.Consume(ctx, stream, maxBatch)
			if err != nil && ctx.Err() == nil {
				c.log.Error().Err(err).Str("stream", stream).Msg("Stream consume failed")
				continue
			}
			if processed > 0 {
				c.log.Info().
					Str("stream", stream).
					Int("processed", processed).
					Str("position", lastID).
					Msg("Applied stream events")
			}
		}
	}
}
