package parser

import (
	"strings"

	"github.com/maltedev/price-tracker/internal/models"
)

// priceLabels are the prefixes Debenhams prints in front of price figures.
var priceLabels = []string{"Was", "Now", "was", "now"}

// DebenhamsParser reads debenhams.com product pages.
type DebenhamsParser struct{}

func NewDebenhamsParser() *DebenhamsParser {
	return &DebenhamsParser{}
}

func (p *DebenhamsParser) Site() Site { return SiteDebenhams }

func (p *DebenhamsParser) Parse(content []byte, rawURL string, productID int64) (*models.ScrapedProduct, error) {
	doc, err := newDocument(content)
	if err != nil {
		return nil, err
	}

	priceBlock := doc.Find(`[data-test-id="product-price"]`)
	if priceBlock.Length() == 0 {
		return nil, ErrAnchorNotFound
	}

	title := firstText(doc.Find(`[data-test-id="product-title"]`))
	if title == "" {
		return nil, ErrTitleNotFound
	}

	original, discount := priceTexts(
		stripPriceLabel(firstText(priceBlock.Find(`[data-test-id="product-price-was"]`))),
		stripPriceLabel(firstText(priceBlock.Find(`[data-test-id="product-price-now"]`))),
		stripPriceLabel(firstText(priceBlock.Find(`[data-test-id="product-price-current"]`))),
	)

	product := newProduct(productID, rawURL, title, original, discount)
	product.ImageURL = optionalAttr(doc.Find(`img[data-test-id="product-image"]`), "src")
	product.Description = optionalText(doc.Find(`[data-test-id="product-description"]`))

	return product, nil
}

func stripPriceLabel(text string) string {
	for _, label := range priceLabels {
		if rest, ok := strings.CutPrefix(text, label); ok {
			return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
		}
	}
	return text
}
