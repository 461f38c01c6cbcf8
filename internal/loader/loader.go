package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/price-tracker/internal/models"
)

var (
	// ErrNoValidRows is returned when a batch produced no insertable row and
	// the transaction was rolled back.
	ErrNoValidRows = errors.New("no valid rows to commit")
	// ErrUnknownProduct marks a record whose product is not registered.
	ErrUnknownProduct = errors.New("unknown product")
)

// Sink opens a unit of work on the price history store.
type Sink interface {
	Begin(ctx context.Context) (Batch, error)
}

// Batch is one transaction. A failed InsertObservation must leave the batch
// usable for the following records.
type Batch interface {
	InsertObservation(ctx context.Context, obs models.PriceObservation) error
	ProductExists(ctx context.Context, productID int64) (bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Options struct {
	// CheckProductExists rejects records whose product id is unknown
	// before inserting them.
	CheckProductExists bool
	// Timeout bounds the whole batch. Zero means no bound.
	Timeout time.Duration
}

// Result summarises one Load call.
type Result struct {
	Received  int `json:"received"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
	Committed int `json:"committed"`
}

type Loader struct {
	sink   Sink
	opts   Options
	logger *slog.Logger
}

func New(sink Sink, opts Options, logger *slog.Logger) *Loader {
	return &Loader{
		sink:   sink,
		opts:   opts,
		logger: logger.With("component", "loader"),
	}
}

// Load writes the observations in a single transaction. Invalid records and
// records that fail to insert are skipped; the transaction is committed if at
// least one record was inserted and rolled back otherwise.
func (l *Loader) Load(ctx context.Context, observations []models.PriceObservation) (Result, error) {
	res := Result{Received: len(observations)}

	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	batch, err := l.sink.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin batch: %w", err)
	}

	inserted := 0
	for _, obs := range observations {
		if err := obs.Validate(); err != nil {
			res.Rejected++
			l.logger.Warn("invalid price observation",
				"product_id", obs.ProductID,
				"price", obs.Price,
				"error", err)
			continue
		}

		if err := l.insert(ctx, batch, obs); err != nil {
			res.Failed++
			l.logger.Warn("failed to insert price observation",
				"product_id", obs.ProductID,
				"error", err)
			continue
		}

		inserted++
		l.logger.Debug("inserted price observation", "product_id", obs.ProductID, "price", obs.Price)
	}

	if inserted == 0 {
		if err := batch.Rollback(ctx); err != nil {
			l.logger.Error("rollback failed", "error", err)
		}
		l.logger.Error("load error during commit",
			"error", ErrNoValidRows,
			"received", res.Received,
			"rejected", res.Rejected,
			"failed", res.Failed)
		return res, ErrNoValidRows
	}

	if err := batch.Commit(ctx); err != nil {
		if rbErr := batch.Rollback(ctx); rbErr != nil {
			l.logger.Error("rollback after failed commit", "error", rbErr)
		}
		return res, fmt.Errorf("failed to commit batch: %w", err)
	}

	res.Committed = inserted
	l.logger.Info("data loaded successfully",
		"committed", res.Committed,
		"rejected", res.Rejected,
		"failed", res.Failed)

	return res, nil
}

func (l *Loader) insert(ctx context.Context, batch Batch, obs models.PriceObservation) error {
	if l.opts.CheckProductExists {
		exists, err := batch.ProductExists(ctx, obs.ProductID)
		if err != nil {
			return fmt.Errorf("check product: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %d", ErrUnknownProduct, obs.ProductID)
		}
	}

	return batch.InsertObservation(ctx, obs)
}
