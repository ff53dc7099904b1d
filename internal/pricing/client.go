package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"repackit/internal/clock"
	"repackit/internal/domain"
	"repackit/internal/metrics"
	"repackit/internal/retry"
	"repackit/internal/tracing"
	"repackit/pkg/logx"
)

type Config struct {
	// ChunkSize caps identifiers per call; it is also capped by the provider.
	ChunkSize   int
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	return c
}

type Client struct {
	provider Provider
	cfg      Config
	clock    clock.Clock
	log      logx.Logger
	metrics  *metrics.Metrics
}

func NewClient(p Provider, cfg Config, clk clock.Clock, log logx.Logger, m *metrics.Metrics) *Client {
	if clk == nil {
		clk = clock.System()
	}
	cfg = cfg.withDefaults()
	if mb := p.MaxBatch(); mb > 0 && cfg.ChunkSize > mb {
		cfg.ChunkSize = mb
	}
	return &Client{provider: p, cfg: cfg, clock: clk, log: log, metrics: m}
}

// Chunk is one provider call's worth of identifiers.
type Chunk struct {
	Marketplace string
	ASINs       []string
}

// Keys returns the distinct lookup keys of items, in first-seen order.
func Keys(items []domain.TrackedItem) []domain.LookupKey {
	seen := make(map[domain.LookupKey]struct{}, len(items))
	var out []domain.LookupKey
	for _, it := range items {
		if _, ok := seen[it.Key]; ok {
			continue
		}
		seen[it.Key] = struct{}{}
		out = append(out, it.Key)
	}
	return out
}

// Chunks groups keys by marketplace and splits each group into chunks of at
// most size identifiers. Marketplace order follows first appearance.
func Chunks(keys []domain.LookupKey, size int) []Chunk {
	if size <= 0 {
		size = 1
	}
	var order []string
	groups := map[string][]string{}
	for _, k := range keys {
		if _, ok := groups[k.Marketplace]; !ok {
			order = append(order, k.Marketplace)
		}
		groups[k.Marketplace] = append(groups[k.Marketplace], k.ASIN)
	}
	var out []Chunk
	for _, mkt := range order {
		ids := groups[mkt]
		for i := 0; i < len(ids); i += size {
			out = append(out, Chunk{Marketplace: mkt, ASINs: ids[i:min(i+size, len(ids))]})
		}
	}
	return out
}

// Fetch observes every distinct key among items. Keys whose chunk failed,
// or that the provider did not price, are absent from the result. Only a
// credential failure is returned as an error.
func (c *Client) Fetch(ctx context.Context, items []domain.TrackedItem) (map[domain.LookupKey]domain.Observation, error) {
	keys := Keys(items)
	chunks := Chunks(keys, c.cfg.ChunkSize)

	ctx, span := tracing.Start(ctx, "pricing.Fetch",
		attribute.String("provider", c.provider.Name()),
		attribute.Int("items", len(items)),
		attribute.Int("keys", len(keys)),
		attribute.Int("chunks", len(chunks)))

	results := make([]map[string]Quote, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, ch := range chunks {
		g.Go(func() error {
			q, err := c.fetchChunk(gctx, ch)
			if errors.Is(err, ErrCredentials) {
				return err
			}
			if err != nil {
				c.log.Warn("chunk fetch failed; no observations for its keys",
					logx.String("marketplace", ch.Marketplace),
					logx.Int("size", len(ch.ASINs)),
					logx.Err(err))
				return nil
			}
			results[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.End(span, err)
		return nil, err
	}

	now := c.clock.Now()
	out := make(map[domain.LookupKey]domain.Observation, len(keys))
	for i, ch := range chunks {
		for _, asin := range ch.ASINs {
			q, ok := results[i][asin]
			if !ok || !InRange(q.Price) {
				continue
			}
			k := domain.LookupKey{Marketplace: ch.Marketplace, ASIN: asin}
			out[k] = domain.Observation{Key: k, Price: q.Price, Title: q.Title, ObservedAt: now}
		}
	}
	c.metrics.Observations(len(out), len(keys)-len(out))
	span.SetAttributes(attribute.Int("observed", len(out)))
	tracing.End(span, nil)

	c.log.Info("prices fetched",
		logx.Int("items", len(items)),
		logx.Int("keys", len(keys)),
		logx.Int("chunks", len(chunks)),
		logx.Int("observed", len(out)))
	return out, nil
}

func (c *Client) fetchChunk(ctx context.Context, ch Chunk) (map[string]Quote, error) {
	var out map[string]Quote
	policy := retry.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.BaseDelay,
		MaxDelay:    c.cfg.MaxDelay,
		// A credential failure is never retried.
		Retryable: func(err error) bool { return !errors.Is(err, ErrCredentials) },
		OnRetry: func(attempt int, wait time.Duration, err error) {
			c.log.Debug("retrying chunk",
				logx.String("marketplace", ch.Marketplace),
				logx.Int("attempt", attempt),
				logx.Duration("wait", wait),
				logx.Err(err))
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		start := time.Now()
		q, err := c.provider.Fetch(cctx, ch.Marketplace, ch.ASINs)
		c.metrics.ProviderCall(c.provider.Name(), callResult(err), time.Since(start))
		if err != nil {
			return err
		}
		out = q
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		// Definitive answer: nothing to observe, but not a failure.
		return map[string]Quote{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.provider.Name(), ch.Marketplace, err)
	}
	return out, nil
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCredentials):
		return "credentials"
	default:
		return "error"
	}
}
