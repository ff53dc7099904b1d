// Package pipeline holds the scheduled jobs: refresh (fetch only), check
// (fetch, decide, notify, commit) and the expiry cleanup.
//
// Per item, state is committed only after the alert was delivered. Fetch
// and delivery failures degrade to silence for the affected items; an
// unreachable store or a credential failure halts the cycle and leaves the
// job's completion timestamp untouched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"repackit/internal/clock"
	"repackit/internal/decision"
	"repackit/internal/dispatch"
	"repackit/internal/domain"
	"repackit/internal/eventbus"
	"repackit/internal/metrics"
	"repackit/internal/pricing"
	"repackit/internal/storage"
	"repackit/internal/tracing"
	"repackit/pkg/logx"
)

// Job names, also used as scheduler task names.
const (
	JobRefresh = "refresh"
	JobCheck   = "check"
	JobCleanup = "cleanup"
)

// ErrStoreUnavailable halts a cycle when the store cannot be reached.
var ErrStoreUnavailable = errors.New("store unavailable")

type Store interface {
	Ping(ctx context.Context) error
	ActiveItems(ctx context.Context, today time.Time) ([]domain.TrackedItem, error)
	RecordNotification(ctx context.Context, itemID int64, price, savings decimal.Decimal) (bool, error)
	DeleteExpired(ctx context.Context, today time.Time) (int64, error)
	SetStatus(ctx context.Context, key string, at time.Time) error
}

type Fetcher interface {
	Fetch(ctx context.Context, items []domain.TrackedItem) (map[domain.LookupKey]domain.Observation, error)
}

type Sender interface {
	Send(ctx context.Context, reqs []dispatch.Request) []dispatch.Result
}

type Option func(*Pipeline)

func WithLogger(l logx.Logger) Option               { return func(p *Pipeline) { p.log = l } }
func WithBus(b eventbus.Bus) Option                 { return func(p *Pipeline) { p.bus = b } }
func WithMetrics(m *metrics.Metrics) Option         { return func(p *Pipeline) { p.metrics = m } }
func WithMessages(mc dispatch.MessageConfig) Option { return func(p *Pipeline) { p.messages = mc } }

type Pipeline struct {
	store    Store
	fetcher  Fetcher
	sender   Sender
	clk      clock.Clock
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	messages dispatch.MessageConfig
}

func New(store Store, fetcher Fetcher, sender Sender, clk clock.Clock, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, fetcher: fetcher, sender: sender, clk: clk}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Report summarizes one cycle.
type Report struct {
	CycleID   string
	Job       string
	Items     int
	Keys      int
	Observed  int
	Decisions decision.Summary
	Notified  int
	Delivered int
	Failed    int
	Committed int
	Removed   int64
	Took      time.Duration
}

// Refresh fetches current prices for every active item without notifying.
func (p *Pipeline) Refresh(ctx context.Context) error {
	_, err := p.Run(ctx, JobRefresh)
	return err
}

// Check runs one full refresh, decide, notify, commit cycle.
func (p *Pipeline) Check(ctx context.Context) error {
	_, err := p.Run(ctx, JobCheck)
	return err
}

// Cleanup deletes items whose expiry date is before today.
func (p *Pipeline) Cleanup(ctx context.Context) error {
	_, err := p.Run(ctx, JobCleanup)
	return err
}

// Run executes job and returns its report.
func (p *Pipeline) Run(ctx context.Context, job string) (Report, error) {
	rep := Report{CycleID: uuid.NewString(), Job: job}
	start := p.clk.Now()
	log := p.log.With(logx.String("job", job), logx.String("cycle", rep.CycleID))

	ctx, span := tracing.Start(ctx, "pipeline."+job, attribute.String("cycle.id", rep.CycleID))
	var err error
	switch job {
	case JobRefresh:
		err = p.refresh(ctx, log, &rep)
	case JobCheck:
		err = p.check(ctx, log, &rep)
	case JobCleanup:
		err = p.cleanup(ctx, log, &rep)
	default:
		err = fmt.Errorf("unknown job %q", job)
	}
	if err == nil {
		err = p.markDone(ctx, job)
	}
	rep.Took = p.clk.Now().Sub(start)
	span.SetAttributes(
		attribute.Int("items", rep.Items),
		attribute.Int("notified", rep.Notified),
		attribute.Int("delivered", rep.Delivered))
	tracing.End(span, err)

	p.publish(rep, err)
	if err != nil {
		log.Error("cycle halted", logx.Duration("took", rep.Took), logx.Err(err))
		return rep, err
	}
	log.Info("cycle finished",
		logx.Int("items", rep.Items),
		logx.Int("keys", rep.Keys),
		logx.Int("observed", rep.Observed),
		logx.Int("notified", rep.Notified),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed),
		logx.Int64("removed", rep.Removed),
		logx.Duration("took", rep.Took))
	return rep, nil
}

func (p *Pipeline) ping(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Pipeline) observe(ctx context.Context, log logx.Logger, rep *Report) ([]domain.TrackedItem, map[domain.LookupKey]domain.Observation, error) {
	if err := p.ping(ctx); err != nil {
		return nil, nil, err
	}
	today := clock.Today(p.clk)
	items, err := p.store.ActiveItems(ctx, today)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: active items: %v", ErrStoreUnavailable, err)
	}
	rep.Items = len(items)
	rep.Keys = len(pricing.Keys(items))
	if len(items) == 0 {
		log.Debug("no active items")
		return items, map[domain.LookupKey]domain.Observation{}, nil
	}
	obs, err := p.fetcher.Fetch(ctx, items)
	if err != nil {
		return nil, nil, err
	}
	rep.Observed = len(obs)
	return items, obs, nil
}

func (p *Pipeline) refresh(ctx context.Context, log logx.Logger, rep *Report) error {
	_, _, err := p.observe(ctx, log, rep)
	return err
}

func (p *Pipeline) check(ctx context.Context, log logx.Logger, rep *Report) error {
	items, obs, err := p.observe(ctx, log, rep)
	if err != nil {
		return err
	}
	notes, sum := decision.EvaluateAll(items, obs, clock.Today(p.clk))
	rep.Decisions = sum
	for reason, n := range sum {
		p.metrics.Decision(string(reason), n)
	}
	rep.Notified = len(notes)
	if len(notes) == 0 {
		return nil
	}

	reqs := make([]dispatch.Request, len(notes))
	for i, n := range notes {
		reqs[i] = dispatch.PriceDrop(n, p.messages)
		reqs[i].CycleID = rep.CycleID
	}
	results := p.sender.Send(ctx, reqs)

	var commitErrs []error
	for i, res := range results {
		if i >= len(notes) {
			break
		}
		if res.Outcome != dispatch.Delivered {
			rep.Failed++
			continue
		}
		rep.Delivered++
		n := notes[i]
		// Delivered alerts are committed even when the cycle context ended.
		changed, err := p.store.RecordNotification(context.WithoutCancel(ctx), n.Item.ID, n.Price, n.Savings)
		if err != nil {
			log.Error("commit notification failed",
				logx.Int64("item", n.Item.ID), logx.Price("price", n.Price), logx.Err(err))
			commitErrs = append(commitErrs, fmt.Errorf("item %d: %w", n.Item.ID, err))
			continue
		}
		if !changed {
			log.Debug("baseline already at or below price", logx.Int64("item", n.Item.ID))
			continue
		}
		rep.Committed++
	}
	if len(commitErrs) > 0 {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, errors.Join(commitErrs...))
	}
	return nil
}

func (p *Pipeline) cleanup(ctx context.Context, log logx.Logger, rep *Report) error {
	if err := p.ping(ctx); err != nil {
		return err
	}
	n, err := p.store.DeleteExpired(ctx, clock.Today(p.clk))
	if err != nil {
		return fmt.Errorf("%w: delete expired: %v", ErrStoreUnavailable, err)
	}
	rep.Removed = n
	if n > 0 {
		log.Info("expired items removed", logx.Int64("count", n))
	}
	return nil
}

func (p *Pipeline) markDone(ctx context.Context, job string) error {
	var key string
	switch job {
	case JobRefresh:
		key = storage.StatusRefreshRun
	case JobCheck:
		key = storage.StatusCheckRun
	case JobCleanup:
		key = storage.StatusCleanupRun
	default:
		return nil
	}
	if err := p.store.SetStatus(context.WithoutCancel(ctx), key, p.clk.Now()); err != nil {
		return fmt.Errorf("%w: status %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

func (p *Pipeline) publish(rep Report, err error) {
	if p.bus == nil {
		return
	}
	ev := eventbus.CycleEvent{
		CycleID:   rep.CycleID,
		Job:       rep.Job,
		Items:     rep.Items,
		Keys:      rep.Keys,
		Observed:  rep.Observed,
		Notified:  rep.Notified,
		Delivered: rep.Delivered,
		Failed:    rep.Failed,
		Took:      rep.Took,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicCycleFinished, Data: ev})
}
