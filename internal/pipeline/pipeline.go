package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/price-tracker/internal/events"
	"github.com/maltedev/price-tracker/internal/loader"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/normalize"
	"github.com/maltedev/price-tracker/internal/parser"
	"github.com/maltedev/price-tracker/internal/scraper"
)

// Registry lists the products to track.
type Registry interface {
	ListProducts(ctx context.Context) ([]models.ProductReference, error)
}

// FetcherFactory opens a fresh fetch session. It is called once per run so
// cookies never leak between runs. The returned release func, if not nil,
// is called when the run ends.
type FetcherFactory func(ctx context.Context) (scraper.Fetcher, func(), error)

type Loader interface {
	Load(ctx context.Context, observations []models.PriceObservation) (loader.Result, error)
}

// Report counts what happened to every product of one run.
type Report struct {
	RunID         string         `json:"run_id"`
	Total         int            `json:"total"`
	Unroutable    int            `json:"unroutable"`
	FetchFailed   int            `json:"fetch_failed"`
	ParseFailed   int            `json:"parse_failed"`
	NoPrice       int            `json:"no_price"`
	InvalidPrice  int            `json:"invalid_price"`
	Observed      int            `json:"observed"`
	FetchFailures map[string]int `json:"fetch_failures,omitempty"`
	Load          loader.Result  `json:"load"`
}

type Runner struct {
	registry   Registry
	newFetcher FetcherFactory
	dispatcher *parser.Dispatcher
	loader     Loader
	logger     *slog.Logger
	now        func() time.Time
}

func NewRunner(registry Registry, newFetcher FetcherFactory, dispatcher *parser.Dispatcher, l Loader, logger *slog.Logger) *Runner {
	if dispatcher == nil {
		dispatcher = parser.NewDispatcher()
	}
	return &Runner{
		registry:   registry,
		newFetcher: newFetcher,
		dispatcher: dispatcher,
		loader:     l,
		logger:     logger.With("component", "pipeline"),
		now:        time.Now,
	}
}

// Run extracts, normalizes and loads the price of every registered product.
// Per-product failures are counted in the report; an error is returned only
// when the run as a whole produced nothing: the registry or fetch session
// could not be opened, or the load committed no rows.
func (r *Runner) Run(ctx context.Context, runID string) (*Report, error) {
	logger := r.logger.With("run_id", runID)
	ctx = events.WithRunID(ctx, runID)
	report := &Report{RunID: runID, FetchFailures: map[string]int{}}

	refs, err := r.registry.ListProducts(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list products: %w", err)
	}
	report.Total = len(refs)
	logger.Info("run started", "products", len(refs))

	fetcher, release, err := r.newFetcher(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to open fetch session: %w", err)
	}
	if release != nil {
		defer release()
	}

	scraped := r.extract(ctx, logger, fetcher, refs, report)
	observations := r.transform(logger, scraped, report)

	res, err := r.loader.Load(ctx, observations)
	report.Load = res
	if err != nil {
		return report, fmt.Errorf("failed to load prices: %w", err)
	}

	logger.Info("run finished",
		"total", report.Total,
		"observed", report.Observed,
		"committed", report.Load.Committed,
		"unroutable", report.Unroutable,
		"fetch_failed", report.FetchFailed,
		"parse_failed", report.ParseFailed,
		"invalid_price", report.InvalidPrice+report.NoPrice)

	return report, nil
}

func (r *Runner) extract(ctx context.Context, logger *slog.Logger, fetcher scraper.Fetcher, refs []models.ProductReference, report *Report) []*models.ScrapedProduct {
	scraped := make([]*models.ScrapedProduct, 0, len(refs))

	for _, ref := range refs {
		if ctx.Err() != nil {
			logger.Warn("run cancelled during extraction", "error", ctx.Err())
			break
		}

		site := r.dispatcher.Route(ref.URL)
		if site == parser.SiteUnroutable {
			report.Unroutable++
			logger.Warn("no parser for website",
				"product_id", ref.ProductID,
				"website", parser.WebsiteFromURL(ref.URL))
			continue
		}

		page, err := fetcher.Fetch(ctx, ref.URL)
		if err != nil {
			report.FetchFailed++
			report.FetchFailures[scraper.KindOf(err).String()]++
			logger.Warn("failed to fetch product page",
				"product_id", ref.ProductID,
				"url", ref.URL,
				"kind", scraper.KindOf(err).String(),
				"error", err)
			continue
		}

		product, err := r.dispatcher.Parse(site, page, ref.ProductID)
		if err != nil {
			report.ParseFailed++
			logger.Warn("can't scrape that URL",
				"product_id", ref.ProductID,
				"site", site.String(),
				"error", err)
			continue
		}

		logger.Debug("scraped product",
			"product_id", product.ProductID,
			"title", product.Title,
			"original_price", product.OriginalPriceText,
			"discount_price", product.DiscountPriceText)
		scraped = append(scraped, product)
	}

	return scraped
}

func (r *Runner) transform(logger *slog.Logger, scraped []*models.ScrapedProduct, report *Report) []models.PriceObservation {
	observations := make([]models.PriceObservation, 0, len(scraped))

	for _, product := range scraped {
		if !product.HasPrice() {
			report.NoPrice++
			logger.Warn("no price on page", "product_id", product.ProductID)
			continue
		}

		price, ok := normalize.Clean(product.DiscountPriceText)
		if !ok {
			report.InvalidPrice++
			logger.Warn("invalid price",
				"product_id", product.ProductID,
				"price_text", product.DiscountPriceText)
			continue
		}

		// Stored as NUMERIC(10,2); the event must carry the same value.
		observations = append(observations, models.PriceObservation{
			ProductID:  product.ProductID,
			Price:      normalize.RoundPence(price),
			ObservedAt: r.now().UTC(),
		})
	}

	report.Observed = len(observations)
	return observations
}

// IsEmptyRun reports whether err means the run loaded nothing, as opposed to
// an infrastructure failure.
func IsEmptyRun(err error) bool {
	return errors.Is(err, loader.ErrNoValidRows)
}
