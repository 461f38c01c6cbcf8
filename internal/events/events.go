package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/price-tracker/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypePriceObserved is emitted for every committed price row
	EventTypePriceObserved EventType = "PRICE_OBSERVED"
	// EventTypePriceDropped is emitted when an observation is below the
	// previous one for the same product
	EventTypePriceDropped EventType = "PRICE_DROPPED"
)

const (
	AggregateProduct   = "product"
	StreamPriceHistory = "stream:price_history"
	StreamPriceDrops   = "stream:price_drops"
	DefaultSource      = "price-tracker"
	DefaultCurrency    = "GBP"
)

// PriceObservedPayload is the body of a PRICE_OBSERVED event. Consumers such
// as the price-drop notifier compare Price against subscription thresholds.
type PriceObservedPayload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	ProductID  int64     `json:"product_id"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	ObservedAt time.Time `json:"observed_at"`
	RunID      string    `json:"run_id,omitempty"`
	Source     string    `json:"source"`
}

func NewPriceObserved(obs models.PriceObservation, runID string) *PriceObservedPayload {
	return &PriceObservedPayload{
		ProductID:  obs.ProductID,
		Price:      obs.Price,
		ObservedAt: obs.ObservedAt,
		RunID:      runID,
	}
}

// AggregateID is the product id as carried on the outbox row.
func (p *PriceObservedPayload) AggregateID() string {
	return strconv.FormatInt(p.ProductID, 10)
}

// Marshal fills unset metadata and encodes the payload.
func (p *PriceObservedPayload) Marshal() ([]byte, error) {
	if p.EventID == "" {
		p.EventID = uuid.New().String()
	}
	if p.EventType == "" {
		p.EventType = string(EventTypePriceObserved)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}
	if p.Source == "" {
		p.Source = DefaultSource
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// PriceDroppedPayload carries an already computed price delta to the
// notification sink.
type PriceDroppedPayload struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	ProductID       int64     `json:"product_id"`
	PreviousPrice   float64   `json:"previous_price"`
	Price           float64   `json:"price"`
	PercentDecrease int       `json:"percent_decrease"`
	Currency        string    `json:"currency"`
	ObservedAt      time.Time `json:"observed_at"`
	RunID           string    `json:"run_id,omitempty"`
}

// NewPriceDropped returns nil unless current is below previous.
func NewPriceDropped(current *PriceObservedPayload, previous float64) *PriceDroppedPayload {
	if current.Price >= previous {
		return nil
	}
	currency := current.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	return &PriceDroppedPayload{
		EventID:         uuid.New().String(),
		EventType:       string(EventTypePriceDropped),
		Timestamp:       time.Now().UTC(),
		ProductID:       current.ProductID,
		PreviousPrice:   previous,
		Price:           current.Price,
		PercentDecrease: PercentDecrease(previous, current.Price),
		Currency:        currency,
		ObservedAt:      current.ObservedAt,
		RunID:           current.RunID,
	}
}

// PercentDecrease is the whole-number percentage by which final is below
// initial. It is negative for an increase and 0 when initial is 0.
func PercentDecrease(initial, final float64) int {
	if initial == 0 {
		return 0
	}
	return int(math.Round((initial - final) / initial * 100))
}

// Field names of a stream entry. The full event travels as an Envelope under
// FieldData; the others are copied out so consumers can filter cheaply.
const (
	FieldData        = "data"
	FieldEventType   = "event_type"
	FieldEventID     = "event_id"
	FieldAggregateID = "aggregate_id"
	FieldTimestamp   = "timestamp"
	FieldPayload     = "payload"
)

// Envelope is the JSON document published under FieldData.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
}

type Metadata struct {
	Source       string `json:"source"`
	OutboxID     string `json:"outbox_id"`
	RetryCount   int    `json:"retry_count"`
	TargetStream string `json:"target_stream"`
}

// DecodePriceObserved extracts the payload of a PRICE_OBSERVED envelope.
func (e *Envelope) DecodePriceObserved() (*PriceObservedPayload, error) {
	if e.Type != string(EventTypePriceObserved) {
		return nil, fmt.Errorf("unexpected event type %q", e.Type)
	}
	var p PriceObservedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &p, nil
}

type runIDKey struct{}

// WithRunID tags ctx with the id of the pipeline run it belongs to.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
