// Package creators is the Amazon Creator API price provider.
package creators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"repackit/internal/domain"
	"repackit/internal/pricing"
	"repackit/internal/retry"
	"repackit/internal/tracing"
	"repackit/pkg/logx"
)

const (
	DefaultItemsURL = "https://creatorsapi.amazon/catalog/v1/getItems"
	MaxItemsPerCall = 10
)

var itemResources = []string{
	"offersV2.listings.price",
	"offersV2.listings.availability",
	"offersV2.listings.condition",
	"offersV2.listings.isBuyBoxWinner",
	"itemInfo.title",
}

type Config struct {
	ClientID          string
	ClientSecret      string
	CredentialVersion string
	AffiliateTag      string
	// TokenURL and ItemsURL override the regional defaults.
	TokenURL      string
	ItemsURL      string
	RefreshMargin time.Duration
	HTTPClient    *http.Client
}

type Provider struct {
	http     *http.Client
	itemsURL string
	version  string
	tag      string
	tokens   *tokenSource
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) (*Provider, error) {
	version := cfg.CredentialVersion
	if version == "" {
		version = "2.2"
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		var ok bool
		if tokenURL, ok = TokenEndpoints[version]; !ok {
			return nil, fmt.Errorf("unknown credential version %q", version)
		}
	}
	itemsURL := cfg.ItemsURL
	if itemsURL == "" {
		itemsURL = DefaultItemsURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = 60 * time.Second
	}
	return &Provider{
		http:     hc,
		itemsURL: itemsURL,
		version:  version,
		tag:      cfg.AffiliateTag,
		log:      log,
		tokens: &tokenSource{
			http:         hc,
			url:          tokenURL,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			margin:       margin,
			now:          time.Now,
		},
	}, nil
}

func (p *Provider) Name() string  { return "creators" }
func (p *Provider) MaxBatch() int { return MaxItemsPerCall }

type getItemsRequest struct {
	ItemIDs     []string `json:"itemIds"`
	ItemIDType  string   `json:"itemIdType"`
	Marketplace string   `json:"marketplace"`
	PartnerTag  string   `json:"partnerTag"`
	Resources   []string `json:"resources"`
}

type getItemsResponse struct {
	ItemsResult struct {
		Items []apiItem `json:"items"`
	} `json:"itemsResult"`
}

type apiItem struct {
	ASIN     string `json:"asin"`
	ItemInfo struct {
		Title struct {
			DisplayValue string `json:"displayValue"`
		} `json:"title"`
	} `json:"itemInfo"`
	OffersV2 *struct {
		Listings []apiListing `json:"listings"`
	} `json:"offersV2"`
}

type apiListing struct {
	IsBuyBoxWinner bool `json:"isBuyBoxWinner"`
	Price          *struct {
		Money *struct {
			Amount json.RawMessage `json:"amount"`
		} `json:"money"`
	} `json:"price"`
}

// Fetch calls getItems for up to MaxItemsPerCall identifiers.
func (p *Provider) Fetch(ctx context.Context, marketplace string, asins []string) (map[string]pricing.Quote, error) {
	if len(asins) == 0 {
		return map[string]pricing.Quote{}, nil
	}
	if len(asins) > MaxItemsPerCall {
		return nil, retry.NoRetry(fmt.Errorf("getItems: %d ids exceeds %d", len(asins), MaxItemsPerCall))
	}
	host := domain.MarketplaceDomain(marketplace)

	ctx, span := tracing.Start(ctx, "creators.GetItems",
		attribute.String("marketplace", host), attribute.Int("ids", len(asins)))
	out, err := p.getItems(ctx, host, asins)
	tracing.End(span, err)
	return out, err
}

func (p *Provider) getItems(ctx context.Context, host string, asins []string) (map[string]pricing.Quote, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(getItemsRequest{
		ItemIDs:     asins,
		ItemIDType:  "ASIN",
		Marketplace: host,
		PartnerTag:  p.tag,
		Resources:   itemResources,
	})
	if err != nil {
		return nil, retry.NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.itemsURL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.NoRetry(err)
	}
	req.Header.Set("Authorization", "Bearer "+token+", Version "+p.version)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-marketplace", host)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getItems: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("getItems read: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		p.tokens.Invalidate()
		return nil, fmt.Errorf("getItems: HTTP %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("getItems: rate limited")
		if d := retryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return nil, retry.RetryAfter(err, d)
		}
		return nil, err
	case resp.StatusCode == http.StatusNotFound:
		return nil, retry.NoRetry(pricing.ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("getItems: HTTP %d", resp.StatusCode)
	default:
		return nil, retry.NoRetry(fmt.Errorf("getItems: HTTP %d: %s", resp.StatusCode, snippet(raw)))
	}

	var gr getItemsResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("%w: %v", pricing.ErrMalformed, err)
	}

	out := make(map[string]pricing.Quote, len(gr.ItemsResult.Items))
	for _, it := range gr.ItemsResult.Items {
		if it.ASIN == "" {
			continue
		}
		price, ok := bestPrice(it)
		if !ok {
			p.log.Debug("no price in response", logx.String("asin", it.ASIN))
			continue
		}
		out[it.ASIN] = pricing.Quote{Price: price, Title: it.ItemInfo.Title.DisplayValue}
	}
	return out, nil
}

// bestPrice prefers the buy-box listing, then the first listing with a
// usable price.
func bestPrice(it apiItem) (decimal.Decimal, bool) {
	if it.OffersV2 == nil {
		return decimal.Decimal{}, false
	}
	for _, l := range it.OffersV2.Listings {
		if l.IsBuyBoxWinner {
			if p, ok := listingPrice(l); ok {
				return p, true
			}
		}
	}
	for _, l := range it.OffersV2.Listings {
		if p, ok := listingPrice(l); ok {
			return p, true
		}
	}
	return decimal.Decimal{}, false
}

func listingPrice(l apiListing) (decimal.Decimal, bool) {
	if l.Price == nil || l.Price.Money == nil || len(l.Price.Money.Amount) == 0 {
		return decimal.Decimal{}, false
	}
	s := strings.Trim(string(l.Price.Money.Amount), `"`)
	d, err := decimal.NewFromString(s)
	if err != nil || !pricing.InRange(d) {
		return decimal.Decimal{}, false
	}
	return d, true
}

func retryAfter(h string) time.Duration {
	if n, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
