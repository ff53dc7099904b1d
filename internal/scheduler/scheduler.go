// Package scheduler runs recurring jobs on independent timers. Each task
// sleeps until its next run, runs once under a timeout, then recomputes;
// a failed or slow run only affects that task's own next start.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"repackit/internal/clock"
	"repackit/internal/metrics"
	"repackit/internal/runtime/supervisor"
	"repackit/pkg/logx"
)

type Job func(ctx context.Context) error

type Config struct {
	// Timezone is an IANA name; empty means UTC.
	Timezone string
}

type task struct {
	name    string
	spec    Spec
	timeout time.Duration
	job     Job

	mu      sync.Mutex
	next    time.Time
	lastRun time.Time
	lastErr error
	runs    int
}

// Info is a point-in-time view of a task.
type Info struct {
	Name    string
	Kind    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	LastRun time.Time
	LastErr string
	Runs    int
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option        { return func(s *Scheduler) { s.clk = c } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithLogger(l logx.Logger) Option       { return func(s *Scheduler) { s.log = l } }
func withSleep(fn func(context.Context, time.Duration) bool) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

type Scheduler struct {
	loc     *time.Location
	clk     clock.Clock
	log     logx.Logger
	metrics *metrics.Metrics
	sleep   func(context.Context, time.Duration) bool

	mu    sync.Mutex
	tasks []*task
	sup   *supervisor.Supervisor
}

func New(cfg Config, opts ...Option) (*Scheduler, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}
	s := &Scheduler{loc: loc, clk: clock.System(), sleep: sleepCtx}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Scheduler) Location() *time.Location { return s.loc }

// Add registers a task. Tasks must be added before Start.
func (s *Scheduler) Add(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("task name required")
	}
	if job == nil {
		return fmt.Errorf("task %s: job required", name)
	}
	spec, err := ParseSchedule(schedule, s.loc)
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return fmt.Errorf("task %s: scheduler already started", name)
	}
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("task %s: already registered", name)
		}
	}
	s.tasks = append(s.tasks, &task{name: name, spec: spec, timeout: timeout, job: job})
	s.log.Debug("task registered",
		logx.String("task", name),
		logx.String("kind", spec.Kind.String()),
		logx.String("spec", spec.Source),
		logx.Time("next", spec.Schedule.Next(s.clk.Now()).In(s.loc)))
	return nil
}

// Start launches one supervised loop per task.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for _, t := range s.tasks {
		t := t
		s.sup.GoRestart("task."+t.name, func(ctx context.Context) error { return s.loop(ctx, t) },
			supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.tasks)))
}

// Stop cancels every loop and waits for in-flight runs within ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, t *task) error {
	for {
		now := s.clk.Now()
		next := t.spec.Schedule.Next(now)
		t.mu.Lock()
		t.next = next
		t.mu.Unlock()

		if !s.sleep(ctx, next.Sub(now)) {
			return ctx.Err()
		}
		s.runOnce(ctx, t)
	}
}

// RunNow runs a registered task immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *task
	for _, t := range s.tasks {
		if t.name == name {
			found = t
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("unknown task %q", name)
	}
	return s.runOnce(ctx, found)
}

func (s *Scheduler) runOnce(ctx context.Context, t *task) (err error) {
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	start := s.clk.Now()
	log := s.log.With(logx.String("task", t.name))
	log.Info("task run started")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		took := s.clk.Now().Sub(start)
		t.mu.Lock()
		t.lastRun = start
		t.lastErr = err
		t.runs++
		t.mu.Unlock()
		s.metrics.JobRun(t.name, err, took)
		if err != nil {
			log.Error("task run failed", logx.Duration("took", took), logx.Err(err))
			return
		}
		log.Info("task run finished", logx.Duration("took", took))
	}()

	return t.job(runCtx)
}

// Tasks returns task state in registration order.
func (s *Scheduler) Tasks() []Info {
	s.mu.Lock()
	tasks := append([]*task(nil), s.tasks...)
	s.mu.Unlock()

	out := make([]Info, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		info := Info{
			Name:    t.name,
			Kind:    t.spec.Kind.String(),
			Spec:    t.spec.Source,
			Timeout: t.timeout,
			Next:    t.next,
			LastRun: t.lastRun,
			Runs:    t.runs,
		}
		if t.lastErr != nil {
			info.LastErr = t.lastErr.Error()
		}
		t.mu.Unlock()
		out = append(out, info)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
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
