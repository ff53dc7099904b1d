// Package dispatch delivers a cycle's notifications in rate-limited batches.
//
// Requests are split into fixed-size batches sent one after another with a
// pause in between; a batch's sends run concurrently up to a cap, and every
// attempt waits on a shared token bucket. One failed request never stops
// the others. Callers receive one Result per request, in request order.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"repackit/internal/eventbus"
	"repackit/internal/metrics"
	"repackit/internal/retry"
	"repackit/internal/tracing"
	"repackit/internal/transport"
	"repackit/pkg/logx"
)

var ErrStopped = errors.New("dispatcher stopped")

type Outcome int

const (
	Delivered Outcome = iota + 1
	// FailedTransient: retries ran out (or the cycle was cancelled).
	FailedTransient
	// FailedPermanent: the recipient can never be reached; not retried.
	FailedPermanent
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case FailedTransient:
		return "failed_transient"
	case FailedPermanent:
		return "failed_permanent"
	default:
		return "unknown"
	}
}

type Request struct {
	// Ref is an opaque caller key (e.g. item id) echoed in events and logs.
	Ref     string
	CycleID string
	To      transport.ChatTarget
	Text    string
	Options *transport.SendOptions
}

type Result struct {
	Request  Request
	Outcome  Outcome
	Attempts int
	Err      error
}

type Config struct {
	BatchSize   int
	BatchDelay  time.Duration
	Concurrency int
	RatePerSec  int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 30
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Option func(*Dispatcher)

func WithLogger(l logx.Logger) Option       { return func(d *Dispatcher) { d.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(d *Dispatcher) { d.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

type Dispatcher struct {
	sender transport.Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
}

func New(sender transport.Sender, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{sender: sender}
	for _, o := range opts {
		o(d)
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the configuration. Sends already in flight keep the old one.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	// Burst of one second's worth keeps short spikes smooth.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Send delivers reqs and returns their outcomes in the same order. If ctx
// ends, pending requests are reported as FailedTransient with ctx's error.
func (d *Dispatcher) Send(ctx context.Context, reqs []Request) []Result {
	cfg, lim := d.snapshot()
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}
	if d.sender == nil {
		for i, r := range reqs {
			results[i] = Result{Request: r, Outcome: FailedTransient, Err: ErrStopped}
		}
		return results
	}

	ctx, span := tracing.Start(ctx, "dispatch.Send",
		attribute.Int("requests", len(reqs)), attribute.Int("batch_size", cfg.BatchSize))
	defer span.End()

	sem := make(chan struct{}, cfg.Concurrency)
	for start := 0; start < len(reqs); start += cfg.BatchSize {
		if start > 0 && !pause(ctx, cfg.BatchDelay) {
			for i := start; i < len(reqs); i++ {
				results[i] = Result{Request: reqs[i], Outcome: FailedTransient, Err: ctx.Err()}
			}
			break
		}
		end := min(start+cfg.BatchSize, len(reqs))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = d.deliver(ctx, cfg, lim, reqs[i])
			}(i)
		}
		wg.Wait()
	}

	delivered := 0
	for _, r := range results {
		if r.Outcome == Delivered {
			delivered++
		}
	}
	span.SetAttributes(attribute.Int("delivered", delivered))
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, req Request) Result {
	res := Result{Request: req}
	policy := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      0.3,
		Retryable: func(err error) bool {
			return !errors.Is(err, transport.ErrRecipientUnavailable)
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		_, err := d.sender.SendText(sctx, req.To, req.Text, req.Options)
		if err != nil {
			d.log.Debug("send attempt failed",
				logx.Int64("chat_id", req.To.ChatID),
				logx.String("ref", req.Ref),
				logx.Int("attempt", attempt),
				logx.Err(err))
		}
		return err
	})

	switch {
	case err == nil:
		res.Outcome = Delivered
	case retry.IsNoRetry(err) || errors.Is(err, transport.ErrRecipientUnavailable):
		res.Outcome = FailedPermanent
		res.Err = err
	default:
		res.Outcome = FailedTransient
		res.Err = err
	}
	d.report(res)
	return res
}

func (d *Dispatcher) report(res Result) {
	d.metrics.Delivery(res.Outcome.String())

	ev := eventbus.DeliveryEvent{
		CycleID:  res.Request.CycleID,
		ChatID:   res.Request.To.ChatID,
		Ref:      res.Request.Ref,
		Outcome:  res.Outcome.String(),
		Attempts: res.Attempts,
	}
	topic := eventbus.TopicDeliverySent
	if res.Outcome != Delivered {
		topic = eventbus.TopicDeliveryFailed
		ev.Error = res.Err.Error()
		d.log.Warn("notification not delivered",
			logx.Int64("chat_id", res.Request.To.ChatID),
			logx.String("ref", res.Request.Ref),
			logx.String("outcome", res.Outcome.String()),
			logx.Int("attempts", res.Attempts),
			logx.Err(res.Err))
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: topic, Data: ev})
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Count tallies outcomes.
func Count(results []Result) (delivered, transient, permanent int) {
	for _, r := range results {
		switch r.Outcome {
		case Delivered:
			delivered++
		case FailedTransient:
			transient++
		case FailedPermanent:
			permanent++
		}
	}
	return
}
