package creators

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"repackit/internal/pricing"
)

// Regional OAuth endpoints by credential version.
var TokenEndpoints = map[string]string{
	"2.1": "https://creatorsapi.auth.us-east-1.amazoncognito.com/oauth2/token",
	"2.2": "https://creatorsapi.auth.eu-south-2.amazoncognito.com/oauth2/token",
	"2.3": "https://creatorsapi.auth.us-west-2.amazoncognito.com/oauth2/token",
}

const (
	tokenScope         = "creatorsapi/default"
	defaultTokenExpiry = 3600 * time.Second
)

// tokenSource caches a client-credentials token and refreshes it a margin
// before it expires. Concurrent callers share one refresh.
type tokenSource struct {
	http         *http.Client
	url          string
	clientID     string
	clientSecret string
	margin       time.Duration
	now          func() time.Time

	mu      sync.Mutex
	token   string
	validTo time.Time
}

func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.validTo) {
		return ts.token, nil
	}
	tok, ttl, err := ts.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pricing.ErrCredentials, err)
	}
	ts.token = tok
	ts.validTo = ts.now().Add(ttl - ts.margin)
	return tok, nil
}

// Invalidate drops the cached token after the API rejected it.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.validTo = time.Time{}
	ts.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (ts *tokenSource) fetch(ctx context.Context) (string, time.Duration, error) {
	if ts.clientID == "" || ts.clientSecret == "" {
		return "", 0, fmt.Errorf("client id and secret must be set")
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", ts.clientID)
	form.Set("client_secret", ts.clientSecret)
	form.Set("scope", tokenScope)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("no access_token in response")
	}
	ttl := defaultTokenExpiry
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	return tr.AccessToken, ttl, nil
}
