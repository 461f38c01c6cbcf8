package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-tracker/internal/events"
)

func TestNewPriceObservedEvent(t *testing.T) {
	event, err := NewPriceObservedEvent(events.NewPriceObserved(testObservation(8, 22.49), "run-9"))
	require.NoError(t, err)

	assert.Equal(t, "product", event.AggregateType)
	assert.Equal(t, "8", event.AggregateID)
	assert.Equal(t, "PRICE_OBSERVED", event.EventType)
	assert.Equal(t, "stream:price_history", event.TargetStream)

	var payload events.PriceObservedPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, 22.49, payload.Price)
	assert.Equal(t, "run-9", payload.RunID)
}

func TestOutboxRepository_InsertWithTxValidation(t *testing.T) {
	repo := &OutboxRepository{}
	tx := &fakeTx{}

	cases := map[string]*OutboxEvent{
		"missing aggregate type": {EventType: "PRICE_OBSERVED", Payload: json.RawMessage(`{}`)},
		"missing event type":     {AggregateType: "product", Payload: json.RawMessage(`{}`)},
		"missing payload":        {AggregateType: "product", EventType: "PRICE_OBSERVED"},
	}

	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, repo.InsertWithTx(context.Background(), tx, event))
		})
	}
	assert.Empty(t, tx.statements)
}

func TestOutboxRepository_InsertWithTxDefaults(t *testing.T) {
	tx := &fakeTx{}
	event := &OutboxEvent{AggregateType: "product", AggregateID: "1", EventType: "PRICE_OBSERVED", Payload: json.RawMessage(`{}`)}

	require.NoError(t, (&OutboxRepository{}).InsertWithTx(context.Background(), tx, event))

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, OutboxStatusPending, event.Status)
	assert.Equal(t, events.StreamPriceHistory, event.TargetStream)
	assert.False(t, event.CreatedAt.IsZero())
	require.NotNil(t, event.NextRetryAt)
}

func insertEvent(t *testing.T, db *DB, repo *OutboxRepository, event *OutboxEvent) {
	t.Helper()
	err := pgx.BeginFunc(context.Background(), db.pool, func(tx pgx.Tx) error {
		return repo.InsertWithTx(context.Background(), tx, event)
	})
	require.NoError(t, err)
}

func TestOutboxRepository_Integration(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	t.Run("rolled back transaction leaves no event", func(t *testing.T) {
		event, err := NewPriceObservedEvent(events.NewPriceObserved(testObservation(99, 1), ""))
		require.NoError(t, err)

		err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return pgx.ErrTxClosed
		})
		assert.Error(t, err)

		pending, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)
		for _, e := range pending {
			assert.NotEqual(t, "99", e.AggregateID)
		}
	})

	t.Run("pending respects status and next_retry_at", func(t *testing.T) {
		now := time.Now()
		future := now.Add(time.Hour)

		ready, _ := NewPriceObservedEvent(events.NewPriceObserved(testObservation(1, 1), ""))
		done, _ := NewPriceObservedEvent(events.NewPriceObserved(testObservation(2, 2), ""))
		done.Status = OutboxStatusProcessed
		later, _ := NewPriceObservedEvent(events.NewPriceObserved(testObservation(3, 3), ""))
		later.Status = OutboxStatusFailed
		later.NextRetryAt = &future

		for _, e := range []*OutboxEvent{ready, done, later} {
			insertEvent(t, db, repo, e)
		}

		pending, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)

		ids := make([]string, 0, len(pending))
		for _, e := range pending {
			ids = append(ids, e.AggregateID)
		}
		assert.Contains(t, ids, "1")
		assert.NotContains(t, ids, "2")
		assert.NotContains(t, ids, "3")
	})

	t.Run("mark processed", func(t *testing.T) {
		event, _ := NewPriceObservedEvent(events.NewPriceObserved(testObservation(4, 4), ""))
		insertEvent(t, db, repo, event)

		require.NoError(t, repo.MarkProcessed(ctx, event.ID))

		var status string
		require.NoError(t, db.pool.QueryRow(ctx,
			"SELECT status FROM outbox_event WHERE id = $1", event.ID).Scan(&status))
		assert.Equal(t, OutboxStatusProcessed, status)

		assert.Error(t, repo.MarkProcessed(ctx, uuid.New()))
	})

	t.Run("mark failed moves to dead letter at the limit", func(t *testing.T) {
		event, _ := NewPriceObservedEvent(events.NewPriceObserved(testObservation(5, 5), ""))
		event.RetryCount = MaxRetryCount - 1
		insertEvent(t, db, repo, event)

		status, err := repo.MarkFailed(ctx, event.ID, assert.AnError)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusDeadLetter, status)

		var retryCount int
		require.NoError(t, db.pool.QueryRow(ctx,
			"SELECT retry_count FROM outbox_event WHERE id = $1", event.ID).Scan(&retryCount))
		assert.Equal(t, MaxRetryCount, retryCount)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.DeadLetter)
	})

	t.Run("mark failed schedules a backed off retry", func(t *testing.T) {
		event, _ := NewPriceObservedEvent(events.NewPriceObserved(testObservation(6, 6), ""))
		event.RetryCount = 2
		insertEvent(t, db, repo, event)

		status, err := repo.MarkFailed(ctx, event.ID, assert.AnError)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusFailed, status)

		var delay float64
		var message string
		require.NoError(t, db.pool.QueryRow(ctx, `
			SELECT EXTRACT(EPOCH FROM next_retry_at - now()), error_message
			FROM outbox_event WHERE id = $1`, event.ID).Scan(&delay, &message))
		assert.InDelta(t, 8, delay, 1)
		assert.Equal(t, assert.AnError.Error(), message)

		_, err = repo.MarkFailed(ctx, uuid.New(), assert.AnError)
		assert.Error(t, err)
	})

	t.Run("purge removes old processed events only", func(t *testing.T) {
		old, _ := NewPriceObservedEvent(events.NewPriceObserved(testObservation(7, 7), ""))
		insertEvent(t, db, repo, old)
		require.NoError(t, repo.MarkProcessed(ctx, old.ID))
		_, err := db.pool.Exec(ctx,
			"UPDATE outbox_event SET processed_at = now() - interval '2 days' WHERE id = $1", old.ID)
		require.NoError(t, err)

		fresh, _ := NewPriceObservedEvent(events.NewPriceObserved(testObservation(8, 8), ""))
		insertEvent(t, db, repo, fresh)
		require.NoError(t, repo.MarkProcessed(ctx, fresh.ID))

		purged, err := repo.PurgeProcessed(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		var remaining int
		require.NoError(t, db.pool.QueryRow(ctx,
			"SELECT count(*) FROM outbox_event WHERE id = ANY($1)",
			[]uuid.UUID{old.ID, fresh.ID}).Scan(&remaining))
		assert.Equal(t, 1, remaining)
	})
}
