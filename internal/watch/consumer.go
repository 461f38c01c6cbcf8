// Package watch follows the price history stream and turns observations that
// undercut the previous price into PRICE_DROPPED events for the notifier.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/price-tracker/internal/events"
	"github.com/maltedev/price-tracker/internal/models"
)

// StreamClient is the subset of the Redis client the consumer uses.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// PriceLookup reads stored history, newest first.
type PriceLookup interface {
	PriceHistory(ctx context.Context, productID int64, limit int) ([]models.PriceObservation, error)
}

type Config struct {
	Stream     string
	DropStream string
	Group      string
	Consumer   string
	Block      time.Duration
	BatchSize  int64
	// Lookback is how many stored rows are searched for the previous price.
	Lookback int
	// RetryInterval is how often the consumer rereads its own unacknowledged
	// messages. The backlog is always read once on start.
	RetryInterval time.Duration
}

type Consumer struct {
	redis  StreamClient
	prices PriceLookup
	cfg    Config
	logger *slog.Logger
}

func NewConsumer(redisClient StreamClient, prices PriceLookup, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = events.StreamPriceHistory
	}
	if cfg.DropStream == "" {
		cfg.DropStream = events.StreamPriceDrops
	}
	if cfg.Group == "" {
		cfg.Group = "price-watch"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "price-watch-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 10
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}

	return &Consumer{
		redis:  redisClient,
		prices: prices,
		cfg:    cfg,
		logger: logger.With("component", "price_watch"),
	}
}

// Run consumes the stream until ctx is cancelled. It starts by working
// through the messages this consumer was given but never acknowledged, then
// reads new ones, going back to the backlog every RetryInterval.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil &&
		!strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "stream", c.cfg.Stream, "group", c.cfg.Group, "consumer", c.cfg.Consumer)

	// cursor is "0" or a message id while paging through the backlog and
	// ">" while reading new messages.
	cursor := "0"
	lastBacklog := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if cursor == ">" && time.Since(lastBacklog) >= c.cfg.RetryInterval {
			cursor = "0"
		}
		if cursor == "0" {
			lastBacklog = time.Now()
		}

		messages, err := c.read(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "cursor", cursor, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if cursor != ">" {
			if len(messages) == 0 {
				cursor = ">"
				continue
			}
			// Entries that fail again stay pending; paging past them keeps the
			// backlog pass finite.
			cursor = messages[len(messages)-1].ID
		}

		for _, msg := range messages {
			if err := c.handle(ctx, msg); err != nil {
				c.logger.Error("failed to process message, left pending", "id", msg.ID, "error", err)
				continue
			}
			if err := c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
				c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
			}
		}
	}
}

// read returns the next batch after cursor. An empty batch is not an error.
func (c *Consumer) read(ctx context.Context, cursor string) ([]redis.XMessage, error) {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, cursor},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

// handle returns nil for messages that are done with, including ones that
// are skipped.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) error {
	eventType, _ := msg.Values[events.FieldEventType].(string)
	if eventType != string(events.EventTypePriceObserved) {
		return nil
	}

	data, ok := msg.Values[events.FieldData].(string)
	if !ok {
		c.logger.Warn("dropping message without data", "id", msg.ID)
		return nil
	}

	var env events.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		c.logger.Warn("dropping malformed message", "id", msg.ID, "error", err)
		return nil
	}
	observed, err := env.DecodePriceObserved()
	if err != nil {
		c.logger.Warn("dropping malformed message", "id", msg.ID, "error", err)
		return nil
	}

	previous, found, err := c.previousPrice(ctx, observed)
	if err != nil {
		return err
	}
	if !found {
		c.logger.Debug("first observation for product", "product_id", observed.ProductID)
		return nil
	}

	drop := events.NewPriceDropped(observed, previous)
	if drop == nil {
		return nil
	}

	body, err := json.Marshal(drop)
	if err != nil {
		return fmt.Errorf("failed to marshal drop event: %w", err)
	}

	if err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DropStream,
		Values: map[string]interface{}{
			events.FieldEventType:   drop.EventType,
			events.FieldEventID:     drop.EventID,
			events.FieldAggregateID: strconv.FormatInt(drop.ProductID, 10),
			events.FieldPayload:     string(body),
		},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish drop event: %w", err)
	}

	c.logger.Info("price drop detected",
		"product_id", drop.ProductID,
		"previous_price", drop.PreviousPrice,
		"price", drop.Price,
		"percent_decrease", drop.PercentDecrease)
	return nil
}

// previousPrice finds the newest stored price strictly older than the
// observation. Stored timestamps have microsecond precision, so the cutoff
// is truncated to match.
func (c *Consumer) previousPrice(ctx context.Context, observed *events.PriceObservedPayload) (float64, bool, error) {
	history, err := c.prices.PriceHistory(ctx, observed.ProductID, c.cfg.Lookback)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read price history: %w", err)
	}
	cutoff := observed.ObservedAt.Truncate(time.Microsecond)
	for _, h := range history {
		if h.ObservedAt.Before(cutoff) {
			return h.Price, true, nil
		}
	}
	return 0, false, nil
}
