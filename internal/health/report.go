// Package health derives task freshness from stored completion timestamps
// and serves it, with prometheus metrics, over HTTP.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"repackit/internal/clock"
	"repackit/internal/domain"
	"repackit/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05"

// Task states.
const (
	StateOK       = "ok"
	StateStale    = "stale"
	StateNeverRun = "never_run"
	StateError    = "error"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DefaultTasks maps reported task names to their status keys.
var DefaultTasks = map[string]string{
	"refresh": storage.StatusRefreshRun,
	"check":   storage.StatusCheckRun,
	"cleanup": storage.StatusCleanupRun,
}

type Source interface {
	Status(ctx context.Context, key string) (string, bool, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

type TaskReport struct {
	Status  string `json:"status"`
	LastRun string `json:"last_run"`
	healthy bool
}

type Stats struct {
	Users        int             `json:"users"`
	Items        int             `json:"items"`
	UniqueItems  int             `json:"unique_items"`
	ItemsTotal   int64           `json:"items_total_count"`
	TotalSavings decimal.Decimal `json:"total_savings_generated"`
}

type Report struct {
	Status      string                `json:"status"`
	Timestamp   string                `json:"timestamp"`
	Stats       Stats                 `json:"stats"`
	Tasks       map[string]TaskReport `json:"tasks"`
	StartupTime string                `json:"startup_time,omitempty"`
}

func (r Report) Healthy() bool { return r.Status == StatusHealthy }

type Checker struct {
	src        Source
	clk        clock.Clock
	staleAfter time.Duration
	tasks      map[string]string
}

// NewChecker reports a task stale once its last run is older than
// staleAfter. A nil tasks map uses DefaultTasks.
func NewChecker(src Source, clk clock.Clock, staleAfter time.Duration, tasks map[string]string) *Checker {
	if tasks == nil {
		tasks = DefaultTasks
	}
	if staleAfter <= 0 {
		staleAfter = 48 * time.Hour
	}
	return &Checker{src: src, clk: clk, staleAfter: staleAfter, tasks: tasks}
}

// Report reads every status key explicitly; nothing is cached between calls.
func (c *Checker) Report(ctx context.Context) (Report, error) {
	now := c.clk.Now().UTC()
	threshold := now.Add(-c.staleAfter)

	st, err := c.src.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("stats: %w", err)
	}
	rep := Report{
		Timestamp: now.Format(timeLayout),
		Stats: Stats{
			Users:        st.Users,
			Items:        st.Items,
			UniqueItems:  st.UniqueItems,
			ItemsTotal:   st.ItemsTotal,
			TotalSavings: domain.FromCents(st.SavingsCents),
		},
		Tasks: make(map[string]TaskReport, len(c.tasks)),
	}

	var startup time.Time
	if raw, ok, err := c.src.Status(ctx, storage.StatusStartup); err != nil {
		return Report{}, fmt.Errorf("status %s: %w", storage.StatusStartup, err)
	} else if ok {
		if t, perr := parseTime(raw); perr == nil {
			startup = t
			rep.StartupTime = t.Format(timeLayout)
		}
	}
	graceful := !startup.IsZero() && !startup.Before(threshold)

	healthy := true
	for name, key := range c.tasks {
		raw, ok, err := c.src.Status(ctx, key)
		if err != nil {
			return Report{}, fmt.Errorf("status %s: %w", key, err)
		}
		tr := evaluate(raw, ok, threshold, graceful)
		rep.Tasks[name] = tr
		healthy = healthy && tr.healthy
	}
	rep.Status = StatusUnhealthy
	if healthy {
		rep.Status = StatusHealthy
	}
	return rep, nil
}

func evaluate(raw string, ok bool, threshold time.Time, graceful bool) TaskReport {
	if !ok {
		return TaskReport{Status: StateNeverRun, healthy: graceful}
	}
	t, err := parseTime(raw)
	if err != nil {
		return TaskReport{Status: StateError, LastRun: raw}
	}
	if t.Before(threshold) {
		return TaskReport{Status: StateStale, LastRun: t.Format(timeLayout)}
	}
	return TaskReport{Status: StateOK, LastRun: t.Format(timeLayout), healthy: true}
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	// Legacy rows written without a zone are UTC.
	return time.ParseInLocation("2006-01-02T15:04:05", raw, time.UTC)
}
