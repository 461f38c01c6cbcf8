// Package app wires configuration into the pipeline components shared by the
// service and the one-shot command.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maltedev/price-tracker/internal/browser"
	"github.com/maltedev/price-tracker/internal/config"
	"github.com/maltedev/price-tracker/internal/database"
	"github.com/maltedev/price-tracker/internal/loader"
	"github.com/maltedev/price-tracker/internal/pipeline"
	"github.com/maltedev/price-tracker/internal/ratelimit"
	"github.com/maltedev/price-tracker/internal/scraper"
	"github.com/maltedev/price-tracker/internal/storage"
)

// App holds the long-lived pieces built from the configuration.
type App struct {
	DB     *database.DB
	Prices *database.PriceStore
	Outbox *database.OutboxRepository
	Runner *pipeline.Runner
}

// New connects to the database and assembles the pipeline runner.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("database schema ensured")
	}

	var storeOpts []database.PriceStoreOption
	if !cfg.Loader.EmitEvents {
		storeOpts = append(storeOpts, database.WithoutEvents())
	}
	prices := database.NewPriceStore(db, logger, storeOpts...)

	registry, err := NewRegistry(cfg.Registry, prices)
	if err != nil {
		db.Close()
		return nil, err
	}

	l := loader.New(prices, loader.Options{
		CheckProductExists: cfg.Loader.CheckProductExists,
		Timeout:            cfg.Loader.Timeout,
	}, logger)

	limiter := ratelimit.NewHostLimiter(cfg.Scraper.RateInterval, cfg.Scraper.RateBurst, cfg.Scraper.RateJitter)
	fetchers := NewFetcherFactory(cfg.Scraper, limiter, logger)

	return &App{
		DB:     db,
		Prices: prices,
		Outbox: database.NewOutboxRepository(db),
		Runner: pipeline.NewRunner(registry, fetchers, nil, l, logger),
	}, nil
}

// OpenDB connects to the database described by cfg.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Name,
		SSLMode:  cfg.SSLMode,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (a *App) Close() {
	a.DB.Close()
}

// NewRegistry selects where the product list is read from.
func NewRegistry(cfg config.RegistryConfig, prices *database.PriceStore) (pipeline.Registry, error) {
	switch cfg.Source {
	case config.RegistryFile:
		return storage.NewProductFile(cfg.File)
	case config.RegistryDatabase, "":
		return prices, nil
	default:
		return nil, fmt.Errorf("unknown registry source: %s", cfg.Source)
	}
}

// NewFetcherFactory returns a factory that opens a fresh fetch session per
// run. The limiter is shared so host pacing carries over between runs.
func NewFetcherFactory(cfg config.ScraperConfig, limiter ratelimit.RateLimiter, logger *slog.Logger) pipeline.FetcherFactory {
	if cfg.Engine == config.EngineBrowser {
		return func(ctx context.Context) (scraper.Fetcher, func(), error) {
			opts := browser.DefaultOptions()
			opts.Headless = cfg.Headless
			opts.Timeout = cfg.Timeout
			opts.Limiter = limiter
			if cfg.UserAgent != "" {
				opts.UserAgent = cfg.UserAgent
			}
			if cfg.AcceptLanguage != "" {
				opts.AcceptLanguage = cfg.AcceptLanguage
			}

			b, err := browser.New(opts, logger)
			if err != nil {
				return nil, nil, err
			}
			return b, func() {
				if err := b.Close(); err != nil {
					logger.Warn("failed to close browser", "error", err)
				}
			}, nil
		}
	}

	return func(ctx context.Context) (scraper.Fetcher, func(), error) {
		opts := scraper.DefaultOptions()
		opts.Timeout = cfg.Timeout
		opts.UserAgent = cfg.UserAgent
		opts.AcceptLanguage = cfg.AcceptLanguage
		opts.MaxBodyBytes = cfg.MaxBodyBytes
		opts.Limiter = limiter
		return scraper.NewHTTPFetcher(opts, logger), func() {}, nil
	}
}
