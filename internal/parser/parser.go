package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/price-tracker/internal/models"
)

var (
	ErrAnchorNotFound = errors.New("price anchor not found")
	ErrTitleNotFound  = errors.New("product title not found")
	ErrNoParser       = errors.New("no parser for site")
)

// Parser turns one product page into a ScrapedProduct. Implementations return
// a nil product and an error when a required element is missing.
type Parser interface {
	Site() Site
	Parse(content []byte, rawURL string, productID int64) (*models.ScrapedProduct, error)
}

// Dispatcher holds one Parser per routable site.
type Dispatcher struct {
	parsers map[Site]Parser
}

// NewDispatcher registers the given parsers, or every built-in parser when
// none are passed.
func NewDispatcher(parsers ...Parser) *Dispatcher {
	if len(parsers) == 0 {
		parsers = []Parser{NewSteamParser(), NewAmazonParser(), NewDebenhamsParser()}
	}

	d := &Dispatcher{parsers: make(map[Site]Parser, len(parsers))}
	for _, p := range parsers {
		d.parsers[p.Site()] = p
	}
	return d
}

// Route is the package-level Route, exposed so callers can hold a single
// dispatcher value.
func (d *Dispatcher) Route(rawURL string) Site {
	return Route(rawURL)
}

// Parse hands the page to the parser registered for site.
func (d *Dispatcher) Parse(site Site, page *models.RawPage, productID int64) (*models.ScrapedProduct, error) {
	p, ok := d.parsers[site]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoParser, site)
	}
	return p.Parse(page.Content, page.URL, productID)
}

func newDocument(content []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// priceTexts applies the fallback every site follows: an explicit
// original/discount pair wins, a lone current price fills both, and with
// neither both become PriceNotAvailable.
func priceTexts(original, discount, current string) (string, string) {
	switch {
	case original != "" && discount != "":
		return original, discount
	case current != "":
		return current, current
	default:
		return models.PriceNotAvailable, models.PriceNotAvailable
	}
}

// firstText returns the trimmed text of the first match, or "" when there is
// no match.
func firstText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	return strings.TrimSpace(s.First().Text())
}

func optionalText(s *goquery.Selection) *string {
	text := firstText(s)
	if text == "" {
		return nil
	}
	return &text
}

func optionalAttr(s *goquery.Selection, attrs ...string) *string {
	if s.Length() == 0 {
		return nil
	}
	for _, attr := range attrs {
		if v, ok := s.First().Attr(attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				return &v
			}
		}
	}
	return nil
}

func newProduct(productID int64, rawURL, title, original, discount string) *models.ScrapedProduct {
	return &models.ScrapedProduct{
		ProductID:         productID,
		Title:             title,
		OriginalPriceText: original,
		DiscountPriceText: discount,
		Website:           WebsiteFromURL(rawURL),
	}
}
