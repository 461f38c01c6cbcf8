package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriceObservationValidate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		obs      PriceObservation
		expected error
	}{
		{"valid", PriceObservation{ProductID: 8, Price: 22.49, ObservedAt: now}, nil},
		{"zero price is valid", PriceObservation{ProductID: 8, Price: 0, ObservedAt: now}, nil},
		{"missing product", PriceObservation{Price: 1, ObservedAt: now}, ErrMissingProductID},
		{"negative price", PriceObservation{ProductID: 8, Price: -1, ObservedAt: now}, ErrInvalidPrice},
		{"nan price", PriceObservation{ProductID: 8, Price: math.NaN(), ObservedAt: now}, ErrInvalidPrice},
		{"missing timestamp", PriceObservation{ProductID: 8, Price: 7.69}, ErrMissingObservedAt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.obs.Validate(), tt.expected)
		})
	}
}

func TestScrapedProductHasPrice(t *testing.T) {
	assert.True(t, (&ScrapedProduct{DiscountPriceText: "£9.99"}).HasPrice())
	assert.False(t, (&ScrapedProduct{DiscountPriceText: PriceNotAvailable}).HasPrice())
	assert.False(t, (&ScrapedProduct{}).HasPrice())
}

func TestNewPriceObservation(t *testing.T) {
	obs := NewPriceObservation(3, 11.99)
	assert.Equal(t, int64(3), obs.ProductID)
	assert.Equal(t, 11.99, obs.Price)
	assert.False(t, obs.ObservedAt.IsZero())
	assert.NoError(t, obs.Validate())
}
