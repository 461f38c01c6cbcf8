package parser

import (
	"github.com/maltedev/price-tracker/internal/models"
)

// SteamParser reads store.steampowered.com app pages.
type SteamParser struct{}

func NewSteamParser() *SteamParser {
	return &SteamParser{}
}

func (p *SteamParser) Site() Site { return SiteSteam }

func (p *SteamParser) Parse(content []byte, rawURL string, productID int64) (*models.ScrapedProduct, error) {
	doc, err := newDocument(content)
	if err != nil {
		return nil, err
	}

	purchase := doc.Find("#game_area_purchase")
	if purchase.Length() == 0 {
		return nil, ErrAnchorNotFound
	}

	title := firstText(doc.Find("#appHubAppName.apphub_AppName"))
	if title == "" {
		return nil, ErrTitleNotFound
	}

	original, discount := priceTexts(
		firstText(purchase.Find(".discount_original_price")),
		firstText(purchase.Find(".discount_final_price")),
		firstText(doc.Find("div.game_purchase_price.price[data-price-final]")),
	)

	product := newProduct(productID, rawURL, title, original, discount)
	product.ImageURL = optionalAttr(doc.Find("img.game_header_image_full"), "src")
	product.Description = optionalText(doc.Find("div.game_description_snippet"))

	return product, nil
}
