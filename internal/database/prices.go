package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/price-tracker/internal/events"
	"github.com/maltedev/price-tracker/internal/loader"
	"github.com/maltedev/price-tracker/internal/models"
)

// ErrNoPriceHistory is returned when a product has no recorded prices.
var ErrNoPriceHistory = errors.New("no price history for product")

const (
	insertPriceSQL = `
		INSERT INTO price_changes (price, product_id, timestamp)
		VALUES ($1, $2, $3)`

	productExistsSQL = `SELECT EXISTS (SELECT 1 FROM product WHERE product_id = $1)`
)

// PriceStore reads the product registry and price history and opens
// transactional batches for the loader.
type PriceStore struct {
	db         *DB
	outbox     *OutboxRepository
	withEvents bool
	logger     *slog.Logger
}

type PriceStoreOption func(*PriceStore)

// WithoutEvents stops batches from writing PRICE_OBSERVED outbox rows.
func WithoutEvents() PriceStoreOption {
	return func(s *PriceStore) { s.withEvents = false }
}

func NewPriceStore(db *DB, logger *slog.Logger, opts ...PriceStoreOption) *PriceStore {
	s := &PriceStore{
		db:         db,
		outbox:     NewOutboxRepository(db),
		withEvents: true,
		logger:     logger.With("component", "price_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListProducts returns every registered product, ordered by id.
func (s *PriceStore) ListProducts(ctx context.Context) ([]models.ProductReference, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT product_id, url FROM product ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ProductReference, error) {
		var ref models.ProductReference
		err := row.Scan(&ref.ProductID, &ref.URL)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan products: %w", err)
	}

	return refs, nil
}

func (s *PriceStore) ProductExists(ctx context.Context, productID int64) (bool, error) {
	var exists bool
	if err := s.db.pool.QueryRow(ctx, productExistsSQL, productID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check product %d: %w", productID, err)
	}
	return exists, nil
}

// PriceHistory returns up to limit observations for a product, newest first.
func (s *PriceStore) PriceHistory(ctx context.Context, productID int64, limit int) ([]models.PriceObservation, error) {
	query := `
		SELECT product_id, price::float8, timestamp
		FROM price_changes
		WHERE product_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := s.db.pool.Query(ctx, query, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}

	history, err := pgx.CollectRows(rows, scanObservation)
	if err != nil {
		return nil, fmt.Errorf("failed to scan price history: %w", err)
	}

	return history, nil
}

// LatestPrice returns the most recent observation for a product.
func (s *PriceStore) LatestPrice(ctx context.Context, productID int64) (models.PriceObservation, error) {
	query := `
		SELECT product_id, price::float8, timestamp
		FROM price_changes
		WHERE product_id = $1
		ORDER BY timestamp DESC
		LIMIT 1`

	rows, err := s.db.pool.Query(ctx, query, productID)
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("failed to query latest price: %w", err)
	}

	obs, err := pgx.CollectExactlyOneRow(rows, scanObservation)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PriceObservation{}, fmt.Errorf("%w: %d", ErrNoPriceHistory, productID)
	}
	if err != nil {
		return models.PriceObservation{}, fmt.Errorf("failed to scan latest price: %w", err)
	}

	return obs, nil
}

func scanObservation(row pgx.CollectableRow) (models.PriceObservation, error) {
	var obs models.PriceObservation
	err := row.Scan(&obs.ProductID, &obs.Price, &obs.ObservedAt)
	obs.ObservedAt = obs.ObservedAt.UTC()
	return obs, err
}

// Begin opens a transaction for one load. The run id carried by ctx, if
// any, is stamped on the emitted events.
func (s *PriceStore) Begin(ctx context.Context) (loader.Batch, error) {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	runID := events.RunIDFromContext(ctx)
	s.logger.Debug("price batch opened", "run_id", runID, "events", s.withEvents)

	return newPriceBatch(tx, s.outbox, s.withEvents, runID), nil
}

// priceBatch runs every insert inside its own savepoint so that a failing
// statement does not abort the enclosing transaction.
type priceBatch struct {
	tx         pgx.Tx
	outbox     *OutboxRepository
	withEvents bool
	runID      string
}

func newPriceBatch(tx pgx.Tx, outbox *OutboxRepository, withEvents bool, runID string) *priceBatch {
	return &priceBatch{tx: tx, outbox: outbox, withEvents: withEvents, runID: runID}
}

// InsertObservation writes the row and its event under one savepoint, so a
// failure discards both without aborting the rest of the load.
func (b *priceBatch) InsertObservation(ctx context.Context, obs models.PriceObservation) error {
	return pgx.BeginFunc(ctx, b.tx, func(sp pgx.Tx) error {
		return b.insert(ctx, sp, obs)
	})
}

func (b *priceBatch) insert(ctx context.Context, tx pgx.Tx, obs models.PriceObservation) error {
	if _, err := tx.Exec(ctx, insertPriceSQL, obs.Price, obs.ProductID, obs.ObservedAt); err != nil {
		return fmt.Errorf("failed to insert price for product %d: %w", obs.ProductID, err)
	}

	if !b.withEvents {
		return nil
	}

	event, err := NewPriceObservedEvent(events.NewPriceObserved(obs, b.runID))
	if err != nil {
		return err
	}
	return b.outbox.InsertWithTx(ctx, tx, event)
}

// ProductExists runs under its own savepoint: a failed lookup must not abort
// the rows already inserted in this batch.
func (b *priceBatch) ProductExists(ctx context.Context, productID int64) (bool, error) {
	var exists bool
	err := pgx.BeginFunc(ctx, b.tx, func(sp pgx.Tx) error {
		return sp.QueryRow(ctx, productExistsSQL, productID).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("failed to check product %d: %w", productID, err)
	}
	return exists, nil
}

func (b *priceBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *priceBatch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
