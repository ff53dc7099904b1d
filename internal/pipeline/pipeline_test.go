package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"repackit/internal/clock"
	"repackit/internal/dispatch"
	"repackit/internal/domain"
	"repackit/internal/eventbus"
	"repackit/internal/pricing"
	"repackit/internal/storage"
	"repackit/internal/transport"
	"repackit/pkg/logx"
)

var day0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type priceFeed struct {
	mu     sync.Mutex
	prices map[domain.LookupKey]string
	err    error
	calls  int
}

func (f *priceFeed) set(k domain.LookupKey, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prices == nil {
		f.prices = map[domain.LookupKey]string{}
	}
	if price == "" {
		delete(f.prices, k)
		return
	}
	f.prices[k] = price
}

func (f *priceFeed) Fetch(ctx context.Context, items []domain.TrackedItem) (map[domain.LookupKey]domain.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[domain.LookupKey]domain.Observation{}
	for _, it := range items {
		if p, ok := f.prices[it.Key]; ok {
			out[it.Key] = domain.Observation{Key: it.Key, Price: decimal.RequireFromString(p)}
		}
	}
	return out, nil
}

type chatSender struct {
	mu    sync.Mutex
	texts map[int64][]string
	fail  map[int64]error
}

func (c *chatSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	if c.texts == nil {
		c.texts = map[int64][]string{}
	}
	c.texts[to.ChatID] = append(c.texts[to.ChatID], text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(c.texts[to.ChatID])}, nil
}

func (c *chatSender) sent(chatID int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts[chatID]...)
}

type fixture struct {
	store *storage.Store
	feed  *priceFeed
	chat  *chatSender
	clk   *clock.Manual
	bus   eventbus.Bus
	p     *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store: st,
		feed:  &priceFeed{},
		chat:  &chatSender{fail: map[int64]error{}},
		clk:   clock.NewManual(day0),
		bus:   eventbus.New(),
	}
	d := dispatch.New(f.chat, dispatch.Config{
		BatchSize: 10, BatchDelay: time.Millisecond, Concurrency: 2, RatePerSec: 1000,
		MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, SendTimeout: time.Second,
	})
	f.p = New(st, f.feed, d, f.clk, WithBus(f.bus), WithMessages(dispatch.MessageConfig{AffiliateTag: "tag-21"}))
	return f
}

func (f *fixture) user(t *testing.T, id int64) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(tx *storage.Tx) error {
		_, err := tx.CreateUser(context.Background(), domain.User{ID: id, Limit: 10})
		return err
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func (f *fixture) item(t *testing.T, userID int64, asin, paid, threshold string, expiry time.Time) int64 {
	t.Helper()
	var id int64
	err := f.store.InTx(context.Background(), func(tx *storage.Tx) error {
		var err error
		id, err = tx.InsertItem(context.Background(), domain.NewItem{
			UserID:    userID,
			Key:       domain.LookupKey{Marketplace: "it", ASIN: asin},
			PricePaid: decimal.RequireFromString(paid),
			Threshold: decimal.RequireFromString(threshold),
			Expiry:    expiry,
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert item: %v", err)
	}
	return id
}

func (f *fixture) baseline(t *testing.T, userID, itemID int64) string {
	t.Helper()
	items, err := f.store.ItemsByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	for _, it := range items {
		if it.ID == itemID {
			if !it.LastNotified.Valid {
				return ""
			}
			return it.LastNotified.Decimal.StringFixed(2)
		}
	}
	t.Fatalf("item %d not found", itemID)
	return ""
}

func key(asin string) domain.LookupKey { return domain.LookupKey{Marketplace: "it", ASIN: asin} }

func TestCheckScenarioLowersBaseline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 1)
	id := f.item(t, 1, "B000000001", "59.90", "5", day0.AddDate(0, 0, 20))

	steps := []struct {
		price    string
		notify   bool
		baseline string
	}{
		{"50.00", true, "50.00"},
		{"52.00", false, "50.00"},
		{"50.00", false, "50.00"},
		{"48.00", true, "48.00"},
	}
	for i, st := range steps {
		f.feed.set(key("B000000001"), st.price)
		rep, err := f.p.Run(ctx, JobCheck)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if (rep.Delivered == 1) != st.notify {
			t.Fatalf("step %d: delivered=%d notify=%v", i, rep.Delivered, st.notify)
		}
		if got := f.baseline(t, 1, id); got != st.baseline {
			t.Fatalf("step %d: baseline=%s want %s", i, got, st.baseline)
		}
	}

	msgs := f.chat.sent(1)
	if len(msgs) != 2 || !strings.Contains(msgs[0], "€9.90") || !strings.Contains(msgs[1], "€11.90") {
		t.Fatalf("messages = %q", msgs)
	}
	savings, err := f.store.Metric(ctx, storage.MetricTotalSavings)
	if err != nil || savings != 2180 {
		t.Fatalf("savings = %d, %v", savings, err)
	}
	if _, ok, _ := f.store.Status(ctx, storage.StatusCheckRun); !ok {
		t.Fatalf("check status not written")
	}
}

func TestCheckFailedDeliveryLeavesState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 1)
	f.user(t, 2)
	blocked := f.item(t, 1, "B000000001", "30.00", "0", day0.AddDate(0, 0, 5))
	ok := f.item(t, 2, "B000000001", "30.00", "0", day0.AddDate(0, 0, 5))
	f.chat.fail[1] = transport.ErrRecipientUnavailable
	f.feed.set(key("B000000001"), "25.00")

	rep, err := f.p.Run(ctx, JobCheck)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if rep.Notified != 2 || rep.Delivered != 1 || rep.Failed != 1 || rep.Keys != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.baseline(t, 1, blocked); got != "" {
		t.Fatalf("undelivered item baseline = %q", got)
	}
	if got := f.baseline(t, 2, ok); got != "25.00" {
		t.Fatalf("delivered item baseline = %q", got)
	}
}

func TestCheckMissingObservationIsSilent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.user(t, 1)
	f.user(t, 2)
	// Three items on two owners share a key whose chunk returned nothing.
	ids := []int64{
		f.item(t, 1, "B000000003", "20.00", "0", day0.AddDate(0, 0, 5)),
		f.item(t, 1, "B000000004", "20.00", "0", day0.AddDate(0, 0, 5)),
		f.item(t, 2, "B000000003", "20.00", "0", day0.AddDate(0, 0, 5)),
	}
	other := f.item(t, 2, "B000000009", "20.00", "0", day0.AddDate(0, 0, 5))
	f.feed.set(key("B000000009"), "10.00")

	rep, err := f.p.Run(context.Background(), JobCheck)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if rep.Decisions["no_observation"] != 3 || rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	for _, id := range ids[:2] {
		if got := f.baseline(t, 1, id); got != "" {
			t.Fatalf("item %d mutated: %s", id, got)
		}
	}
	if got := f.baseline(t, 2, ids[2]); got != "" {
		t.Fatalf("item %d mutated: %s", ids[2], got)
	}
	if got := f.baseline(t, 2, other); got != "10.00" {
		t.Fatalf("other chunk baseline = %q", got)
	}
}

func TestCheckCredentialFailureHaltsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 1)
	f.item(t, 1, "B000000001", "20.00", "0", day0.AddDate(0, 0, 5))
	f.feed.err = pricing.ErrCredentials

	events, unsubscribe := f.bus.Subscribe(4)
	defer unsubscribe()

	if _, err := f.p.Run(ctx, JobCheck); !errors.Is(err, pricing.ErrCredentials) {
		t.Fatalf("err = %v", err)
	}
	if _, ok, _ := f.store.Status(ctx, storage.StatusCheckRun); ok {
		t.Fatalf("status must not be written for a halted cycle")
	}
	ev := <-events
	ce, ok := ev.Data.(eventbus.CycleEvent)
	if ev.Type != eventbus.TopicCycleFinished || !ok || ce.Error == "" || ce.CycleID == "" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStoreUnavailableHaltsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_ = f.store.Close()
	for _, job := range []string{JobRefresh, JobCheck, JobCleanup} {
		if _, err := f.p.Run(context.Background(), job); !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("%s: err = %v", job, err)
		}
	}
	if f.feed.calls != 0 {
		t.Fatalf("provider must not be called when the store is down")
	}
}

func TestRefreshDoesNotNotify(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 1)
	id := f.item(t, 1, "B000000001", "20.00", "0", day0.AddDate(0, 0, 5))
	f.feed.set(key("B000000001"), "10.00")

	rep, err := f.p.Run(ctx, JobRefresh)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rep.Observed != 1 || rep.Notified != 0 || len(f.chat.sent(1)) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.baseline(t, 1, id); got != "" {
		t.Fatalf("baseline = %q", got)
	}
	if _, ok, _ := f.store.Status(ctx, storage.StatusRefreshRun); !ok {
		t.Fatalf("refresh status not written")
	}
}

func TestCleanupBoundary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 1)
	today := clock.Date(day0)
	past := f.item(t, 1, "B000000001", "20.00", "0", today.AddDate(0, 0, -1))
	dueToday := f.item(t, 1, "B000000002", "20.00", "0", today)
	future := f.item(t, 1, "B000000003", "20.00", "0", today.AddDate(0, 0, 1))

	// The item expiring today is still checked.
	f.feed.set(key("B000000002"), "15.00")
	rep, err := f.p.Run(ctx, JobCheck)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if rep.Items != 2 || rep.Delivered != 1 {
		t.Fatalf("check report = %+v", rep)
	}
	if msgs := f.chat.sent(1); len(msgs) != 1 || !strings.Contains(msgs[0], "oggi") {
		t.Fatalf("messages = %q", msgs)
	}

	rep, err = f.p.Run(ctx, JobCleanup)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if rep.Removed != 1 {
		t.Fatalf("removed = %d", rep.Removed)
	}
	items, _ := f.store.ItemsByUser(ctx, 1)
	left := map[int64]bool{}
	for _, it := range items {
		left[it.ID] = true
	}
	if left[past] || !left[dueToday] || !left[future] {
		t.Fatalf("remaining = %v", left)
	}
	if _, ok, _ := f.store.Status(ctx, storage.StatusCleanupRun); !ok {
		t.Fatalf("cleanup status not written")
	}
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.p.Run(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error")
	}
}
