package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"repackit/internal/domain"
	"repackit/internal/retry"
	"repackit/pkg/logx"
)

type fakeProvider struct {
	maxBatch int

	mu    sync.Mutex
	calls [][]string
	fail  func(marketplace string, asins []string, attempt int) error
	price func(asin string) (decimal.Decimal, bool)

	inFlight, peak atomic.Int32
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) MaxBatch() int { return f.maxBatch }

func (f *fakeProvider) Fetch(ctx context.Context, mkt string, asins []string) (map[string]Quote, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.calls = append(f.calls, append([]string{mkt}, asins...))
	attempt := 0
	for _, c := range f.calls {
		if c[0] == mkt && c[1] == asins[0] {
			attempt++
		}
	}
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(mkt, asins, attempt); err != nil {
			return nil, err
		}
	}
	out := map[string]Quote{}
	for _, a := range asins {
		p, ok := decimal.RequireFromString("10"), true
		if f.price != nil {
			p, ok = f.price(a)
		}
		if ok {
			out[a] = Quote{Price: p, Title: "T " + a}
		}
	}
	return out, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fastConfig() Config {
	return Config{ChunkSize: 10, Concurrency: 2, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, CallTimeout: time.Second}
}

func items(keys ...domain.LookupKey) []domain.TrackedItem {
	out := make([]domain.TrackedItem, len(keys))
	for i, k := range keys {
		out[i] = domain.TrackedItem{ID: int64(i + 1), UserID: int64(i%3 + 1), Key: k}
	}
	return out
}

func key(mkt string, i int) domain.LookupKey {
	return domain.LookupKey{Marketplace: mkt, ASIN: fmt.Sprintf("B%09d", i)}
}

func TestFetchDeduplicatesKeys(t *testing.T) {
	t.Parallel()

	var list []domain.TrackedItem
	for i := 0; i < 50; i++ {
		list = append(list, domain.TrackedItem{ID: int64(i), UserID: int64(i), Key: key("it", 1)})
	}
	p := &fakeProvider{maxBatch: 10}
	c := NewClient(p, fastConfig(), nil, logx.Nop(), nil)

	obs, err := c.Fetch(context.Background(), list)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p.callCount() != 1 {
		t.Fatalf("calls = %d want 1", p.callCount())
	}
	if len(obs) != 1 {
		t.Fatalf("observations = %d", len(obs))
	}
}

func TestChunksGroupByMarketplace(t *testing.T) {
	t.Parallel()

	var keys []domain.LookupKey
	for i := 0; i < 23; i++ {
		keys = append(keys, key("it", i))
	}
	keys = append(keys, key("de", 1), key("de", 2))

	chunks := Chunks(keys, 10)
	sizes := []int{}
	for _, c := range chunks {
		sizes = append(sizes, len(c.ASINs))
	}
	want := []int{10, 10, 3, 2}
	if fmt.Sprint(sizes) != fmt.Sprint(want) {
		t.Fatalf("chunk sizes = %v want %v", sizes, want)
	}
	if chunks[3].Marketplace != "de" {
		t.Fatalf("last chunk marketplace = %s", chunks[3].Marketplace)
	}
}

func TestProviderBatchCapsChunkSize(t *testing.T) {
	t.Parallel()

	var keys []domain.LookupKey
	for i := 0; i < 5; i++ {
		keys = append(keys, key("it", i))
	}
	p := &fakeProvider{maxBatch: 1}
	c := NewClient(p, fastConfig(), nil, logx.Nop(), nil)
	if _, err := c.Fetch(context.Background(), items(keys...)); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p.callCount() != 5 {
		t.Fatalf("calls = %d want 5", p.callCount())
	}
}

func TestFailedChunkDoesNotAbortOthers(t *testing.T) {
	t.Parallel()

	var keys []domain.LookupKey
	for i := 0; i < 13; i++ {
		keys = append(keys, key("it", i))
	}
	// 3 items on the second chunk spanning 2 owners.
	p := &fakeProvider{
		maxBatch: 10,
		fail: func(_ string, asins []string, _ int) error {
			if asins[0] == key("it", 10).ASIN {
				return errors.New("connection reset")
			}
			return nil
		},
	}
	c := NewClient(p, fastConfig(), nil, logx.Nop(), nil)

	obs, err := c.Fetch(context.Background(), items(keys...))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(obs) != 10 {
		t.Fatalf("observations = %d want 10", len(obs))
	}
	for i := 10; i < 13; i++ {
		if _, ok := obs[key("it", i)]; ok {
			t.Fatalf("key %d from failed chunk has an observation", i)
		}
	}
	// 1 call for the good chunk, 3 attempts for the bad one.
	if p.callCount() != 4 {
		t.Fatalf("calls = %d want 4", p.callCount())
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		maxBatch: 10,
		fail: func(string, []string, int) error {
			return retry.NoRetry(ErrNotFound)
		},
	}
	c := NewClient(p, fastConfig(), nil, logx.Nop(), nil)
	obs, err := c.Fetch(context.Background(), items(key("it", 1)))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(obs) != 0 || p.callCount() != 1 {
		t.Fatalf("obs=%d calls=%d", len(obs), p.callCount())
	}
}

func TestCredentialFailureSurfaces(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		maxBatch: 10,
		fail: func(string, []string, int) error {
			return fmt.Errorf("token: %w", ErrCredentials)
		},
	}
	c := NewClient(p, fastConfig(), nil, logx.Nop(), nil)
	_, err := c.Fetch(context.Background(), items(key("it", 1), key("de", 1)))
	if !errors.Is(err, ErrCredentials) {
		t.Fatalf("err = %v want ErrCredentials", err)
	}
}

func TestOutOfRangePricesDropped(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		maxBatch: 10,
		price: func(asin string) (decimal.Decimal, bool) {
			if asin == key("it", 2).ASIN {
				return decimal.Zero, true
			}
			return decimal.RequireFromString("19.99"), true
		},
	}
	c := NewClient(p, fastConfig(), nil, logx.Nop(), nil)
	obs, err := c.Fetch(context.Background(), items(key("it", 1), key("it", 2)))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, ok := obs[key("it", 2)]; ok {
		t.Fatalf("zero price must not produce an observation")
	}
	if o := obs[key("it", 1)]; o.Price.StringFixed(2) != "19.99" || o.Title == "" || o.ObservedAt.IsZero() {
		t.Fatalf("observation = %+v", o)
	}
}

func TestConcurrencyCap(t *testing.T) {
	t.Parallel()

	var keys []domain.LookupKey
	for i := 0; i < 12; i++ {
		keys = append(keys, key("it", i))
	}
	p := &fakeProvider{maxBatch: 1}
	cfg := fastConfig()
	cfg.Concurrency = 3
	c := NewClient(p, cfg, nil, logx.Nop(), nil)
	if _, err := c.Fetch(context.Background(), items(keys...)); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if peak := p.peak.Load(); peak > 3 {
		t.Fatalf("peak = %d", peak)
	}
}
