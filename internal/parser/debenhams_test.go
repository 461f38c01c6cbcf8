package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const debenhamsURL = "https://www.debenhams.com/product/linen-shirt_p-1234"

func TestDebenhamsParserWasNowPrices(t *testing.T) {
	html := `<html><body>
		<h1 data-test-id="product-title">Linen Shirt</h1>
		<img data-test-id="product-image" src="https://img.debenhams.com/shirt.jpg">
		<div data-test-id="product-price">
			<span data-test-id="product-price-was">Was £45.00</span>
			<span data-test-id="product-price-now">Now: £1,022.50</span>
		</div>
	</body></html>`

	product, err := NewDebenhamsParser().Parse([]byte(html), debenhamsURL, 21)
	require.NoError(t, err)

	assert.Equal(t, "Linen Shirt", product.Title)
	assert.Equal(t, "£45.00", product.OriginalPriceText)
	assert.Equal(t, "£1,022.50", product.DiscountPriceText)
	assert.Equal(t, "https://www.debenhams.com", product.Website)
	require.NotNil(t, product.ImageURL)
	assert.Nil(t, product.Description)
}

func TestDebenhamsParserCurrentPrice(t *testing.T) {
	html := `<html><body>
		<h1 data-test-id="product-title">Chinos</h1>
		<div data-test-id="product-price">
			<span data-test-id="product-price-current">£30.00</span>
		</div>
		<div data-test-id="product-description">Slim fit.</div>
	</body></html>`

	product, err := NewDebenhamsParser().Parse([]byte(html), debenhamsURL, 22)
	require.NoError(t, err)

	assert.Equal(t, "£30.00", product.OriginalPriceText)
	assert.Equal(t, "£30.00", product.DiscountPriceText)
	require.NotNil(t, product.Description)
	assert.Equal(t, "Slim fit.", *product.Description)
}

func TestDebenhamsParserMissingTitle(t *testing.T) {
	html := `<div data-test-id="product-price"><span data-test-id="product-price-current">£30.00</span></div>`

	product, err := NewDebenhamsParser().Parse([]byte(html), debenhamsURL, 22)
	assert.Nil(t, product)
	assert.ErrorIs(t, err, ErrTitleNotFound)
}

func TestStripPriceLabel(t *testing.T) {
	assert.Equal(t, "£10.00", stripPriceLabel("Was £10.00"))
	assert.Equal(t, "£8.00", stripPriceLabel("now: £8.00"))
	assert.Equal(t, "£8.00", stripPriceLabel("£8.00"))
	assert.Equal(t, "", stripPriceLabel(""))
}
