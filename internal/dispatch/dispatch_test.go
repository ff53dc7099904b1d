package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"repackit/internal/decision"
	"repackit/internal/domain"
	"repackit/internal/eventbus"
	"repackit/internal/retry"
	"repackit/internal/transport"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    map[int64]int
	inFlight atomic.Int32
	peak     atomic.Int32
	sendAt   []time.Time
	fail     func(chatID int64, attempt int) error
}

func newFakeSender(fail func(int64, int) error) *fakeSender {
	return &fakeSender{calls: map[int64]int{}, fail: fail}
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.calls[to.ChatID]++
	attempt := f.calls[to.ChatID]
	f.sendAt = append(f.sendAt, time.Now())
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(to.ChatID, attempt); err != nil {
			return transport.MessageRef{}, err
		}
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: attempt}, nil
}

func (f *fakeSender) callsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func fastConfig() Config {
	return Config{
		BatchSize:   3,
		BatchDelay:  time.Millisecond,
		Concurrency: 2,
		RatePerSec:  1000,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		SendTimeout: time.Second,
	}
}

func requests(n int) []Request {
	out := make([]Request, n)
	for i := range out {
		out[i] = Request{Ref: fmt.Sprint(i), To: transport.ChatTarget{ChatID: int64(i + 1)}, Text: "hi"}
	}
	return out
}

func TestSendIsolatesFailures(t *testing.T) {
	t.Parallel()

	errNet := errors.New("network down")
	s := newFakeSender(func(chatID int64, attempt int) error {
		switch chatID {
		case 2:
			return retry.NoRetry(fmt.Errorf("blocked: %w", transport.ErrRecipientUnavailable))
		case 4:
			return errNet
		case 5:
			if attempt < 2 {
				return errNet
			}
		}
		return nil
	})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	d := New(s, fastConfig(), WithBus(bus))
	res := d.Send(context.Background(), requests(7))

	want := []Outcome{Delivered, FailedPermanent, Delivered, FailedTransient, Delivered, Delivered, Delivered}
	for i, w := range want {
		if res[i].Outcome != w {
			t.Fatalf("result[%d] = %v (%v) want %v", i, res[i].Outcome, res[i].Err, w)
		}
		if res[i].Request.Ref != fmt.Sprint(i) {
			t.Fatalf("result order broken at %d", i)
		}
	}
	if got := s.callsFor(2); got != 1 {
		t.Fatalf("permanent failure retried: %d calls", got)
	}
	if got := s.callsFor(4); got != 3 {
		t.Fatalf("transient failure calls = %d want 3", got)
	}
	if res[4].Attempts != 2 {
		t.Fatalf("attempts = %d want 2", res[4].Attempts)
	}

	delivered, transient, permanent := Count(res)
	if delivered != 5 || transient != 1 || permanent != 1 {
		t.Fatalf("count = %d/%d/%d", delivered, transient, permanent)
	}

	failed := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TopicDeliveryFailed {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("failed events = %d", failed)
	}
}

func TestSendRespectsConcurrencyCap(t *testing.T) {
	t.Parallel()

	s := newFakeSender(nil)
	cfg := fastConfig()
	cfg.BatchSize = 10
	cfg.Concurrency = 2
	New(s, cfg).Send(context.Background(), requests(10))
	if p := s.peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d", p)
	}
}

func TestSendPausesBetweenBatches(t *testing.T) {
	t.Parallel()

	s := newFakeSender(nil)
	cfg := fastConfig()
	cfg.BatchSize = 2
	cfg.BatchDelay = 40 * time.Millisecond
	start := time.Now()
	New(s, cfg).Send(context.Background(), requests(5))
	// Three batches, two pauses.
	if took := time.Since(start); took < 80*time.Millisecond {
		t.Fatalf("took %v, expected at least two batch delays", took)
	}
}

func TestSendCancelledMarksRemaining(t *testing.T) {
	t.Parallel()

	s := newFakeSender(nil)
	cfg := fastConfig()
	cfg.BatchSize = 1
	cfg.BatchDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := New(s, cfg).Send(ctx, requests(3))
	if res[0].Outcome != Delivered {
		t.Fatalf("first = %v", res[0].Outcome)
	}
	for _, r := range res[1:] {
		if r.Outcome != FailedTransient || r.Err == nil {
			t.Fatalf("pending request = %+v", r)
		}
	}
}

func TestPriceDropMessage(t *testing.T) {
	t.Parallel()

	it := domain.TrackedItem{
		ID: 9, UserID: 42, Name: "Cuffie <Pro>",
		Key:       domain.LookupKey{Marketplace: "it", ASIN: "B08N5WRWNW"},
		PricePaid: decimal.RequireFromString("59.90"),
		Expiry:    time.Date(2025, 6, 22, 0, 0, 0, 0, time.UTC),
	}
	n := decision.Notification{
		Item: it, Price: decimal.RequireFromString("50"),
		Savings: decimal.RequireFromString("9.9"), DaysLeft: 12,
	}
	req := PriceDrop(n, MessageConfig{AffiliateTag: "tag-21", BotUsername: "@mybot"})

	for _, want := range []string{
		"Cuffie &lt;Pro&gt;", "€50.00", "€59.90", "€9.90", "22/06/2025", "(tra 12 giorni)",
		`href="https://amazon.it/dp/B08N5WRWNW?tag=tag-21"`,
	} {
		if !strings.Contains(req.Text, want) {
			t.Fatalf("message missing %q:\n%s", want, req.Text)
		}
	}
	if req.To.ChatID != 42 || req.Options.ParseMode != "HTML" {
		t.Fatalf("request = %+v", req)
	}
	if len(req.Options.Actions) != 1 || !strings.HasPrefix(req.Options.Actions[0].URL, "https://t.me/share/url?") {
		t.Fatalf("actions = %+v", req.Options.Actions)
	}
	if !strings.Contains(req.Options.Actions[0].URL, "mybot") {
		t.Fatalf("share link should point to the bot: %s", req.Options.Actions[0].URL)
	}

	n.DaysLeft = 0
	if !strings.Contains(PriceDrop(n, MessageConfig{}).Text, "(<b>oggi</b>)") {
		t.Fatalf("today marker missing")
	}
	n.DaysLeft = 1
	if !strings.Contains(PriceDrop(n, MessageConfig{}).Text, "(domani)") {
		t.Fatalf("tomorrow marker missing")
	}
	n.DaysLeft = -1
	if !strings.Contains(PriceDrop(n, MessageConfig{}).Text, "(<b>scaduto</b>)") {
		t.Fatalf("expired marker missing")
	}
	n.Item.Name = `Tom & "Jerry"`
	if text := PriceDrop(n, MessageConfig{}).Text; !strings.Contains(text, "<b>Tom &amp; &#34;Jerry&#34;</b>") {
		t.Fatalf("name not escaped:\n%s", text)
	}
	n.Item.Name = ""
	if !strings.Contains(PriceDrop(n, MessageConfig{}).Text, "ASIN B08N5WRWNW") {
		t.Fatalf("ASIN fallback missing")
	}
}
