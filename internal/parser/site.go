package parser

import "strings"

// Site is the closed set of stores the pipeline knows how to parse.
type Site int

const (
	SiteUnroutable Site = iota
	SiteSteam
	SiteAmazon
	SiteDebenhams
)

// tldMarkers are the suffixes WebsiteFromURL truncates at.
var tldMarkers = []string{".com", ".co.uk"}

// siteTable maps each routable site to the base URLs it owns.
var siteTable = []struct {
	site  Site
	bases []string
}{
	{SiteSteam, []string{"https://store.steampowered.com"}},
	{SiteAmazon, []string{"https://www.amazon.com", "https://www.amazon.co.uk"}},
	{SiteDebenhams, []string{"https://www.debenhams.com"}},
}

func (s Site) String() string {
	switch s {
	case SiteSteam:
		return "steam"
	case SiteAmazon:
		return "amazon"
	case SiteDebenhams:
		return "debenhams"
	default:
		return "unroutable"
	}
}

// Sites lists every routable site.
func Sites() []Site {
	sites := make([]Site, 0, len(siteTable))
	for _, entry := range siteTable {
		sites = append(sites, entry.site)
	}
	return sites
}

// WebsiteFromURL reduces a product URL to its base site by cutting everything
// after the earliest known TLD marker. URLs without a marker come back
// unchanged.
func WebsiteFromURL(rawURL string) string {
	cut := -1
	marker := ""
	for _, m := range tldMarkers {
		if i := strings.Index(rawURL, m); i >= 0 && (cut < 0 || i < cut) {
			cut, marker = i, m
		}
	}
	if cut < 0 {
		return rawURL
	}
	return rawURL[:cut] + marker
}

// Route returns the site that owns rawURL, or SiteUnroutable.
func Route(rawURL string) Site {
	website := WebsiteFromURL(rawURL)
	for _, entry := range siteTable {
		for _, base := range entry.bases {
			if strings.Contains(website, base) {
				return entry.site
			}
		}
	}
	return SiteUnroutable
}
