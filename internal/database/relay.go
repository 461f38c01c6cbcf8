package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/price-tracker/internal/events"
)

// RedisClient is the part of the Redis client the relay publishes through.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxRepo is the outbox storage the relay drains.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) (string, error)
	PurgeProcessed(ctx context.Context, olderThan time.Duration) (int64, error)
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Source       string
	// StreamMaxLen caps each target stream approximately. Zero leaves
	// streams unbounded.
	StreamMaxLen int64
	// Retention is how long published rows stay in the outbox. Zero keeps
	// them forever.
	Retention time.Duration
}

// Relay copies committed outbox rows onto their Redis streams. Delivery is at
// least once: a row published but not marked processed is sent again.
type Relay struct {
	redis  RedisClient
	outbox OutboxRepo
	cfg    RelayConfig
	logger *slog.Logger

	lastPurge time.Time
}

func NewRelay(outbox OutboxRepo, redisClient RedisClient, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Source == "" {
		cfg.Source = events.DefaultSource
	}

	return &Relay{
		redis:  redisClient,
		outbox: outbox,
		cfg:    cfg,
		logger: logger.With("component", "relay"),
	}
}

// Start drains the outbox once, then on every tick, until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"stream_max_len", r.cfg.StreamMaxLen)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.tick(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	published, failed, err := r.processEvents(ctx)
	if err != nil {
		r.logger.Error("failed to process events", "error", err)
	} else if published+failed > 0 {
		r.logger.Info("relayed outbox batch", "published", published, "failed", failed)
	}

	if r.cfg.Retention > 0 && time.Since(r.lastPurge) >= time.Hour {
		r.lastPurge = time.Now()
		purged, err := r.outbox.PurgeProcessed(ctx, r.cfg.Retention)
		if err != nil {
			r.logger.Warn("failed to purge outbox", "error", err)
		} else if purged > 0 {
			r.logger.Info("purged processed events", "count", purged)
		}
	}
}

// processEvents publishes one batch. A failed event does not stop the rest
// of the batch.
func (r *Relay) processEvents(ctx context.Context) (published, failed int, err error) {
	pending, err := r.outbox.GetPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get pending events: %w", err)
	}

	for _, event := range pending {
		if err := r.processEvent(ctx, event); err != nil {
			failed++
			continue
		}
		published++
	}
	return published, failed, nil
}

func (r *Relay) processEvent(ctx context.Context, event *OutboxEvent) error {
	log := r.logger.With(
		"event_id", event.ID,
		"event_type", event.EventType,
		"aggregate_id", event.AggregateID)

	if pubErr := r.publish(ctx, event); pubErr != nil {
		status, err := r.outbox.MarkFailed(ctx, event.ID, pubErr)
		switch {
		case err != nil:
			log.Error("failed to mark event as failed", "error", err, "publish_error", pubErr)
		case status == OutboxStatusDeadLetter:
			log.Error("event moved to dead letter", "retry_count", event.RetryCount+1, "error", pubErr)
		default:
			log.Warn("failed to publish event, will retry", "retry_count", event.RetryCount+1, "error", pubErr)
		}
		return pubErr
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		log.Error("failed to mark event as processed", "error", err)
		return err
	}

	log.Debug("event published", "stream", event.TargetStream)
	return nil
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	args, err := r.streamArgs(event)
	if err != nil {
		return err
	}
	if err := r.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// streamArgs wraps the row in an Envelope and copies the filter fields next
// to it.
func (r *Relay) streamArgs(event *OutboxEvent) (*redis.XAddArgs, error) {
	if !json.Valid(event.Payload) {
		return nil, fmt.Errorf("invalid payload for event %s", event.ID)
	}

	data, err := json.Marshal(events.Envelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.UTC(),
		Payload:       event.Payload,
		Metadata: events.Metadata{
			Source:       r.cfg.Source,
			OutboxID:     event.ID.String(),
			RetryCount:   event.RetryCount,
			TargetStream: event.TargetStream,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return &redis.XAddArgs{
		Stream: event.TargetStream,
		MaxLen: r.cfg.StreamMaxLen,
		Approx: r.cfg.StreamMaxLen > 0,
		Values: map[string]interface{}{
			events.FieldData:        string(data),
			events.FieldEventType:   event.EventType,
			events.FieldEventID:     event.ID.String(),
			events.FieldAggregateID: event.AggregateID,
			events.FieldTimestamp:   strconv.FormatInt(event.CreatedAt.UnixMilli(), 10),
		},
	}, nil
}
