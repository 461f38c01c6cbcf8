package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/price-tracker/internal/models"
)

// AmazonParser reads amazon.com and amazon.co.uk product pages.
type AmazonParser struct {
	discountSelectors []string
	originalSelectors []string
	currentSelectors  []string
}

func NewAmazonParser() *AmazonParser {
	return &AmazonParser{
		discountSelectors: []string{
			"div.a-section.a-spacing-none.aok-align-center.aok-relative span.aok-offscreen",
			"span.priceToPay span.a-offscreen",
		},
		originalSelectors: []string{
			"div.a-section.a-spacing-small.aok-align-center span.a-offscreen",
			"span.a-price.a-text-price span.a-offscreen",
		},
		currentSelectors: []string{
			".a-price .a-offscreen",
			"#priceblock_ourprice",
		},
	}
}

func (p *AmazonParser) Site() Site { return SiteAmazon }

func (p *AmazonParser) Parse(content []byte, rawURL string, productID int64) (*models.ScrapedProduct, error) {
	doc, err := newDocument(content)
	if err != nil {
		return nil, err
	}

	core := doc.Find("div#corePriceDisplay_desktop_feature_div")
	if core.Length() == 0 {
		return nil, ErrAnchorNotFound
	}

	title := firstText(doc.Find("#productTitle"))
	if title == "" {
		return nil, ErrTitleNotFound
	}

	original, discount := priceTexts(
		p.findFirst(core, p.originalSelectors),
		p.findFirst(core, p.discountSelectors),
		p.findFirst(core, append(p.discountSelectors, p.currentSelectors...)),
	)

	product := newProduct(productID, rawURL, title, original, discount)
	product.ImageURL = optionalAttr(doc.Find("#landingImage"), "data-old-hires", "src")
	product.Description = p.extractDescription(doc)

	return product, nil
}

func (p *AmazonParser) findFirst(scope *goquery.Selection, selectors []string) string {
	for _, selector := range selectors {
		if text := firstText(scope.Find(selector)); text != "" {
			return text
		}
	}
	return ""
}

// extractDescription joins the feature bullets, falling back to the long
// product description block.
func (p *AmazonParser) extractDescription(doc *goquery.Document) *string {
	var bullets []string
	doc.Find("#feature-bullets li").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			bullets = append(bullets, text)
		}
	})
	if len(bullets) > 0 {
		joined := strings.Join(bullets, "\n")
		return &joined
	}
	return optionalText(doc.Find("#productDescription"))
}
