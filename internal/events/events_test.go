package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-tracker/internal/models"
)

func TestPriceObservedPayload_Marshal(t *testing.T) {
	observedAt := time.Date(2024, 11, 20, 12, 0, 0, 0, time.UTC)

	t.Run("set default values", func(t *testing.T) {
		p := NewPriceObserved(models.PriceObservation{ProductID: 42, Price: 11.99, ObservedAt: observedAt}, "run-1")

		data, err := p.Marshal()
		require.NoError(t, err)

		var decoded PriceObservedPayload
		require.NoError(t, json.Unmarshal(data, &decoded))

		assert.NotEmpty(t, decoded.EventID)
		assert.Equal(t, "PRICE_OBSERVED", decoded.EventType)
		assert.Equal(t, int64(42), decoded.ProductID)
		assert.Equal(t, 11.99, decoded.Price)
		assert.Equal(t, "GBP", decoded.Currency)
		assert.Equal(t, "price-tracker", decoded.Source)
		assert.Equal(t, "run-1", decoded.RunID)
		assert.True(t, decoded.ObservedAt.Equal(observedAt))
		assert.False(t, decoded.Timestamp.IsZero())
	})

	t.Run("keep explicit values", func(t *testing.T) {
		p := &PriceObservedPayload{EventID: "evt-1", ProductID: 7, Source: "backfill"}

		data, err := p.Marshal()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"event_id":"evt-1"`)
		assert.Contains(t, string(data), `"source":"backfill"`)
		assert.NotContains(t, string(data), "run_id")
	})

	t.Run("aggregate id", func(t *testing.T) {
		assert.Equal(t, "1284190", (&PriceObservedPayload{ProductID: 1284190}).AggregateID())
	})
}

func TestRunIDContext(t *testing.T) {
	assert.Empty(t, RunIDFromContext(context.Background()))

	ctx := WithRunID(context.Background(), "b3c1")
	assert.Equal(t, "b3c1", RunIDFromContext(ctx))
}

func TestNewPriceDropped(t *testing.T) {
	observedAt := time.Date(2024, 11, 21, 9, 0, 0, 0, time.UTC)
	current := &PriceObservedPayload{ProductID: 7, Price: 7.5, ObservedAt: observedAt, RunID: "run-2"}

	drop := NewPriceDropped(current, 10)
	require.NotNil(t, drop)
	assert.Equal(t, "PRICE_DROPPED", drop.EventType)
	assert.Equal(t, int64(7), drop.ProductID)
	assert.Equal(t, 10.0, drop.PreviousPrice)
	assert.Equal(t, 7.5, drop.Price)
	assert.Equal(t, 25, drop.PercentDecrease)
	assert.Equal(t, DefaultCurrency, drop.Currency)
	assert.Equal(t, "run-2", drop.RunID)
	assert.NotEmpty(t, drop.EventID)

	assert.Nil(t, NewPriceDropped(current, 7.5), "unchanged price")
	assert.Nil(t, NewPriceDropped(current, 5), "price increase")
}

func TestPercentDecrease(t *testing.T) {
	assert.Equal(t, 50, PercentDecrease(20, 10))
	assert.Equal(t, 33, PercentDecrease(29.99, 19.99))
	assert.Equal(t, -50, PercentDecrease(10, 15))
	assert.Equal(t, 100, PercentDecrease(4.99, 0))
	assert.Equal(t, 0, PercentDecrease(0, 0))
}

func TestEnvelope_DecodePriceObserved(t *testing.T) {
	payload := NewPriceObserved(models.PriceObservation{ProductID: 9, Price: 0, ObservedAt: time.Now().UTC()}, "")
	raw, err := payload.Marshal()
	require.NoError(t, err)

	env := &Envelope{Type: string(EventTypePriceObserved), Payload: raw}
	decoded, err := env.DecodePriceObserved()
	require.NoError(t, err)
	assert.Equal(t, int64(9), decoded.ProductID)
	assert.Equal(t, 0.0, decoded.Price)

	env.Type = string(EventTypePriceDropped)
	_, err = env.DecodePriceObserved()
	assert.Error(t, err)

	env = &Envelope{Type: string(EventTypePriceObserved), Payload: json.RawMessage(`"oops"`)}
	_, err = env.DecodePriceObserved()
	assert.Error(t, err)
}
