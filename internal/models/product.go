package models

import (
	"errors"
	"math"
	"time"
)

// PriceNotAvailable is written into both price texts when a page carries no
// price element at all. It is distinct from an absent record.
const PriceNotAvailable = "N/A"

var (
	ErrMissingProductID  = errors.New("product_id is required")
	ErrMissingObservedAt = errors.New("observed_at is required")
	ErrInvalidPrice      = errors.New("price must be a finite, non-negative number")
)

// ProductReference is one entry of the product registry.
type ProductReference struct {
	ProductID int64  `json:"product_id"`
	URL       string `json:"url"`
}

// RawPage is the body of a successful fetch. Failures are returned as errors
// by the fetcher and never reach a parser.
type RawPage struct {
	URL         string
	Content     []byte
	ContentType string
	StatusCode  int
}

// ScrapedProduct is what a site parser extracts from one page.
type ScrapedProduct struct {
	ProductID         int64   `json:"product_id"`
	Title             string  `json:"product_title"`
	OriginalPriceText string  `json:"original_price"`
	DiscountPriceText string  `json:"discount_price"`
	Website           string  `json:"website"`
	ImageURL          *string `json:"image_url,omitempty"`
	Description       *string `json:"description,omitempty"`
}

// HasPrice reports whether the discount price text is something other than
// the not-available sentinel.
func (p *ScrapedProduct) HasPrice() bool {
	return p.DiscountPriceText != "" && p.DiscountPriceText != PriceNotAvailable
}

// PriceObservation is one timestamped price reading. Rows are append-only.
type PriceObservation struct {
	ProductID  int64     `json:"product_id"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

func NewPriceObservation(productID int64, price float64) PriceObservation {
	return PriceObservation{
		ProductID:  productID,
		Price:      price,
		ObservedAt: time.Now().UTC(),
	}
}

// Validate returns the first structural problem with the observation, or nil.
func (o PriceObservation) Validate() error {
	if o.ProductID <= 0 {
		return ErrMissingProductID
	}
	if math.IsNaN(o.Price) || math.IsInf(o.Price, 0) || o.Price < 0 {
		return ErrInvalidPrice
	}
	if o.ObservedAt.IsZero() {
		return ErrMissingObservedAt
	}
	return nil
}
