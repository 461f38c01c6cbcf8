// Package normalize turns scraped price text into numbers.
package normalize

import (
	"math"
	"strconv"
	"strings"
)

// CurrencySymbol is the only currency the tracked stores quote in.
const CurrencySymbol = "£"

var stripper = strings.NewReplacer(CurrencySymbol, "", ",", "")

// Clean converts a price such as "£1,234.56" to 1234.56. It returns false for
// anything that is not a finite, non-negative decimal.
func Clean(text string) (float64, bool) {
	s := strings.TrimSpace(stripper.Replace(text))
	if s == "" {
		return 0, false
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, false
	}

	return value, true
}

// RoundPence rounds to the two decimal places the price history stores,
// half away from zero.
func RoundPence(value float64) float64 {
	return math.Round(value*100) / 100
}
