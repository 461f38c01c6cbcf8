package scraper

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrNoGateID = errors.New("no product id in age-gated URL")

// AgeGate describes a store that hides some product pages behind an age
// check which can be satisfied by posting a birth date.
type AgeGate struct {
	// Host is compared against the URL host, port included.
	Host string
	// IDSegment is the path segment that precedes the product id.
	IDSegment string
	// BypassTemplate receives the product id through a single %s.
	BypassTemplate string
	Form           url.Values
	// Cookies are what the store sets once the form has been accepted. A
	// browser session can present them up front instead of posting Form.
	Cookies map[string]string
}

// SteamAgeGate is the check in front of mature titles on the Steam store.
func SteamAgeGate() AgeGate {
	return AgeGate{
		Host:           "store.steampowered.com",
		IDSegment:      "app",
		BypassTemplate: "https://store.steampowered.com/agecheck/app/%s/",
		Form: url.Values{
			"ageDay":   {"1"},
			"ageMonth": {"January"},
			"ageYear":  {"1990"},
		},
		Cookies: map[string]string{
			"birthtime":            "631152001",
			"lastagecheckage":      "1-January-1990",
			"wants_mature_content": "1",
		},
	}
}

func (g AgeGate) Matches(u *url.URL) bool {
	return g.Host != "" && strings.EqualFold(u.Host, g.Host)
}

// BypassURL substitutes the product id found in u into the bypass template.
func (g AgeGate) BypassURL(u *url.URL) (string, error) {
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == g.IDSegment && segments[i+1] != "" {
			return fmt.Sprintf(g.BypassTemplate, url.PathEscape(segments[i+1])), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoGateID, u.String())
}
