package domain

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

const DefaultMarketplace = "it"

var (
	ErrNoASIN     = errors.New("no ASIN found in URL")
	ErrInvalidURL = errors.New("invalid product URL")
)

var (
	asinPattern        = regexp.MustCompile(`/dp/([A-Z0-9]{10})|/gp/product/([A-Z0-9]{10})|/d/([A-Z0-9]{10})`)
	marketplacePattern = regexp.MustCompile(`amazon\.(?:co\.)?([a-z]{2,3})`)
)

// marketplaceDomains maps marketplace codes to storefront hosts.
var marketplaceDomains = map[string]string{
	"it":  "www.amazon.it",
	"com": "www.amazon.com",
	"de":  "www.amazon.de",
	"fr":  "www.amazon.fr",
	"es":  "www.amazon.es",
	"uk":  "www.amazon.co.uk",
	"nl":  "www.amazon.nl",
	"be":  "www.amazon.com.be",
	"se":  "www.amazon.se",
	"pl":  "www.amazon.pl",
	"jp":  "www.amazon.co.jp",
	"au":  "www.amazon.com.au",
	"ca":  "www.amazon.ca",
	"br":  "www.amazon.com.br",
}

// LookupKey identifies one product at the pricing provider.
type LookupKey struct {
	Marketplace string
	ASIN        string
}

func (k LookupKey) String() string { return k.Marketplace + ":" + k.ASIN }

// Domain returns the storefront host for the key's marketplace.
func (k LookupKey) Domain() string { return MarketplaceDomain(k.Marketplace) }

// MarketplaceDomain returns the storefront host for code, falling back to
// the Italian store for unknown codes.
func MarketplaceDomain(code string) string {
	if d, ok := marketplaceDomains[strings.ToLower(code)]; ok {
		return d
	}
	return marketplaceDomains[DefaultMarketplace]
}

// ParseProductURL extracts the lookup key from an Amazon product URL.
// Supported paths: /dp/<ASIN>, /gp/product/<ASIN>, /d/<ASIN>.
func ParseProductURL(raw string) (LookupKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LookupKey{}, ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return LookupKey{}, ErrInvalidURL
	}

	m := asinPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return LookupKey{}, ErrNoASIN
	}
	var asin string
	for _, g := range m[1:] {
		if g != "" {
			asin = g
			break
		}
	}

	mkt := DefaultMarketplace
	if mm := marketplacePattern.FindStringSubmatch(strings.ToLower(u.Host)); mm != nil {
		mkt = mm[1]
	}
	return LookupKey{Marketplace: mkt, ASIN: asin}, nil
}

// AffiliateURL builds the product link carrying the affiliate tag.
func AffiliateURL(k LookupKey, tag string) string {
	mkt := k.Marketplace
	if mkt == "" {
		mkt = DefaultMarketplace
	}
	u := "https://amazon." + mkt + "/dp/" + k.ASIN
	if tag = strings.TrimSpace(tag); tag != "" {
		u += "?tag=" + url.QueryEscape(tag)
	}
	return u
}
