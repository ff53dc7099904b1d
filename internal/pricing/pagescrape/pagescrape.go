// Package pagescrape reads prices from public product pages. It is the
// credential-free fallback provider.
package pagescrape

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"repackit/internal/domain"
	"repackit/internal/pricing"
	"repackit/internal/retry"
	"repackit/internal/tracing"
	"repackit/pkg/logx"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Checked in order; the first parseable match wins.
var priceSelectors = []string{
	"#corePrice_feature_div .a-offscreen",
	"#corePriceDisplay_desktop_feature_div .a-offscreen",
	"#priceblock_ourprice",
	"#priceblock_dealprice",
	".a-price .a-offscreen",
}

var titleSelectors = []string{"#productTitle", "#title"}

type Config struct {
	// BaseURL replaces https://<marketplace domain> when set.
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
}

type Provider struct {
	http    *http.Client
	baseURL string
	ua      string
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Provider {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Provider{
		http:    hc,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ua:      ua,
		log:     log,
	}
}

func (p *Provider) Name() string  { return "pagescrape" }
func (p *Provider) MaxBatch() int { return 1 }

func (p *Provider) Fetch(ctx context.Context, marketplace string, asins []string) (map[string]pricing.Quote, error) {
	out := make(map[string]pricing.Quote, len(asins))
	for _, asin := range asins {
		q, err := p.page(ctx, marketplace, asin)
		if err != nil {
			if len(asins) == 1 {
				return nil, err
			}
			p.log.Debug("page fetch failed", logx.String("asin", asin), logx.Err(err))
			continue
		}
		out[asin] = q
	}
	return out, nil
}

func (p *Provider) productURL(marketplace, asin string) string {
	base := p.baseURL
	if base == "" {
		base = "https://" + domain.MarketplaceDomain(marketplace)
	}
	return base + "/dp/" + asin
}

func (p *Provider) page(ctx context.Context, marketplace, asin string) (q pricing.Quote, err error) {
	u := p.productURL(marketplace, asin)
	ctx, span := tracing.Start(ctx, "pagescrape.Page")
	defer func() { tracing.End(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return q, retry.NoRetry(err)
	}
	req.Header.Set("User-Agent", p.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "it-IT,it;q=0.9,en;q=0.8")

	resp, err := p.http.Do(req)
	if err != nil {
		return q, fmt.Errorf("get %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return q, retry.NoRetry(pricing.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return q, fmt.Errorf("get %s: HTTP %d", u, resp.StatusCode)
	default:
		return q, retry.NoRetry(fmt.Errorf("get %s: HTTP %d", u, resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return q, fmt.Errorf("%w: %v", pricing.ErrMalformed, err)
	}
	price, ok := findPrice(doc)
	if !ok {
		return q, retry.NoRetry(pricing.ErrNotFound)
	}
	return pricing.Quote{Price: price, Title: findTitle(doc)}, nil
}

func findPrice(doc *goquery.Document) (decimal.Decimal, bool) {
	for _, sel := range priceSelectors {
		var (
			found decimal.Decimal
			ok    bool
		)
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found, ok = ParsePrice(s.Text())
			return !ok
		})
		if ok {
			return found, true
		}
	}
	return decimal.Decimal{}, false
}

func findTitle(doc *goquery.Document) string {
	for _, sel := range titleSelectors {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

var nonNumeric = regexp.MustCompile(`[^0-9.,]`)

// ParsePrice reads "1.299,99 €", "€1,299.99", "49,90" and "49.90".
// The right-most separator followed by one or two digits is the decimal
// mark; any other separator groups thousands.
func ParsePrice(raw string) (decimal.Decimal, bool) {
	s := nonNumeric.ReplaceAllString(raw, "")
	if s == "" {
		return decimal.Decimal{}, false
	}
	sep := strings.LastIndexAny(s, ".,")
	intPart, frac := s, ""
	if sep >= 0 && len(s)-sep-1 <= 2 && len(s)-sep-1 > 0 {
		intPart, frac = s[:sep], s[sep+1:]
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	num := intPart
	if frac != "" {
		num += "." + frac
	}
	d, err := decimal.NewFromString(num)
	if err != nil || !pricing.InRange(d) {
		return decimal.Decimal{}, false
	}
	return d, true
}
