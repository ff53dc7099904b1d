package app

import (
	"fmt"
	"strings"
	"time"

	"repackit/internal/capacity"
	"repackit/internal/config"
	"repackit/internal/dispatch"
	"repackit/internal/health"
	"repackit/internal/intake"
	"repackit/internal/pipeline"
	"repackit/internal/pricing"
	"repackit/internal/pricing/creators"
	"repackit/internal/pricing/pagescrape"
	"repackit/internal/scheduler"
	"repackit/internal/storage"
	"repackit/internal/tracing"
	"repackit/pkg/logx"
)

const (
	defaultStoragePath = "./data/repackit.db"
	defaultHealthAddr  = "0.0.0.0:8444"
	defaultStaleAfter  = 48 * time.Hour
	defaultTaskTimeout = 30 * time.Minute
	defaultServiceName = "repackit"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	level := strings.TrimSpace(lc.Level)
	if level == "" {
		level = "INFO"
	}
	minLevel := strings.TrimSpace(lc.Alert.MinLevel)
	if minLevel == "" {
		minLevel = "WARN"
	}
	return logx.Config{
		Level:   level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   minLevel,
			RatePerSec: config.IntOrDefault(lc.Alert.RatePerSec, 1),
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapCapacityRules(cfg *config.Config) capacity.Rules {
	c := cfg.Capacity
	return capacity.Rules{
		InitialLimit:  c.InitialLimit,
		GlobalMax:     c.GlobalMax,
		ReferralBonus: c.ReferralBonus,
		InvitedBonus:  c.InvitedBonus,
	}.Normalized()
}

func mapPricingConfig(cfg *config.Config) (pricing.Config, error) {
	p := cfg.Pricing
	base, err := config.ParseDurationOrDefault("pricing.base_delay", p.BaseDelay, time.Second)
	if err != nil {
		return pricing.Config{}, err
	}
	call, err := config.ParseDurationOrDefault("pricing.call_timeout", p.CallTimeout, 15*time.Second)
	if err != nil {
		return pricing.Config{}, err
	}
	return pricing.Config{
		ChunkSize:   config.IntOrDefault(p.ChunkSize, creators.MaxItemsPerCall),
		Concurrency: config.IntOrDefault(p.Concurrency, 2),
		MaxAttempts: config.IntOrDefault(p.MaxAttempts, 3),
		BaseDelay:   base,
		CallTimeout: call,
	}, nil
}

func mapCreatorsConfig(cfg *config.Config) (creators.Config, error) {
	a := cfg.Pricing.Amazon
	margin, err := config.ParseDurationOrDefault("pricing.amazon.refresh_margin", a.RefreshMargin, time.Minute)
	if err != nil {
		return creators.Config{}, err
	}
	return creators.Config{
		ClientID:          a.ClientID,
		ClientSecret:      a.ClientSecret,
		CredentialVersion: a.CredentialVersion,
		AffiliateTag:      a.AffiliateTag,
		TokenURL:          a.TokenURL,
		ItemsURL:          a.ItemsURL,
		RefreshMargin:     margin,
	}, nil
}

// newProvider builds the configured price provider. Missing credentials
// fail here, before anything starts.
func newProvider(cfg *config.Config, log logx.Logger) (pricing.Provider, error) {
	switch name := strings.ToLower(strings.TrimSpace(cfg.Pricing.Provider)); name {
	case "", "creators":
		cc, err := mapCreatorsConfig(cfg)
		if err != nil {
			return nil, err
		}
		p, err := creators.New(cc, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "pagescrape":
		return pagescrape.New(pagescrape.Config{}, log), nil
	default:
		return nil, fmt.Errorf("pricing.provider: unknown provider %q", name)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	batchDelay, err := config.ParseDurationOrDefault("dispatch.batch_delay", d.BatchDelay, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("dispatch.base_delay", d.BaseDelay, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	send, err := config.ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		BatchSize:   config.IntOrDefault(d.BatchSize, 10),
		BatchDelay:  batchDelay,
		Concurrency: config.IntOrDefault(d.Concurrency, 5),
		RatePerSec:  config.IntOrDefault(d.RatePerSec, 30),
		MaxAttempts: config.IntOrDefault(d.MaxAttempts, 4),
		BaseDelay:   base,
		SendTimeout: send,
	}, nil
}

type taskSpec struct {
	Name     string
	Schedule string
}

// mapSchedule returns the recurring jobs in registration order and the
// per-run timeout.
func mapSchedule(cfg *config.Config) ([]taskSpec, time.Duration, error) {
	s := cfg.Schedule
	or := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return strings.TrimSpace(v)
	}
	timeout, err := config.ParseDurationOrDefault("schedule.task_timeout", s.TaskTimeout, defaultTaskTimeout)
	if err != nil {
		return nil, 0, err
	}
	return []taskSpec{
		{Name: pipeline.JobRefresh, Schedule: or(s.Refresh, "09:00")},
		{Name: pipeline.JobCheck, Schedule: or(s.Check, "10:00")},
		{Name: pipeline.JobCleanup, Schedule: or(s.Cleanup, "02:00")},
	}, timeout, nil
}

func mapHealthConfig(cfg *config.Config) (health.ServerConfig, time.Duration, error) {
	stale, err := config.ParseDurationOrDefault("health.stale_after", cfg.Health.StaleAfter, defaultStaleAfter)
	if err != nil {
		return health.ServerConfig{}, 0, err
	}
	addr := strings.TrimSpace(cfg.Health.Addr)
	if addr == "" {
		addr = defaultHealthAddr
	}
	return health.ServerConfig{Addr: addr, Pprof: cfg.Health.Pprof}, stale, nil
}

func mapTracingConfig(cfg *config.Config) tracing.Config {
	name := strings.TrimSpace(cfg.Tracing.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	return tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    name,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
	}
}

// botUsername prefers the configured name over the one reported by the
// Bot API.
func botUsername(cfg *config.Config, fromAPI string) string {
	if u := strings.TrimSpace(cfg.Telegram.BotUsername); u != "" {
		return strings.TrimPrefix(u, "@")
	}
	return fromAPI
}

func mapFeedbackRules(cfg *config.Config) (intake.FeedbackRules, error) {
	f := cfg.Feedback
	every, err := config.ParseDurationOrDefault("feedback.rate_limit", f.RateLimit, 24*time.Hour)
	if err != nil {
		return intake.FeedbackRules{}, err
	}
	return intake.FeedbackRules{
		MinLen: config.IntOrDefault(f.MinLength, 10),
		MaxLen: config.IntOrDefault(f.MaxLength, 1000),
		Every:  every,
	}, nil
}

func mapIntakeSettings(cfg *config.Config, username string) (intake.Settings, error) {
	fb, err := mapFeedbackRules(cfg)
	if err != nil {
		return intake.Settings{}, err
	}
	return intake.Settings{
		AdminIDs:     cfg.Telegram.AdminUserIDs,
		BotUsername:  botUsername(cfg, username),
		AffiliateTag: cfg.Pricing.Amazon.AffiliateTag,
		Feedback:     fb,
	}, nil
}

func mapMessageConfig(cfg *config.Config, username string) dispatch.MessageConfig {
	return dispatch.MessageConfig{
		AffiliateTag: cfg.Pricing.Amazon.AffiliateTag,
		BotUsername:  botUsername(cfg, username),
	}
}

// validateRuntime rejects reloads that would fail to map. It runs before a
// reloaded config is committed.
func validateRuntime(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPricingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCreatorsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFeedbackRules(cfg); err != nil {
		return err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	tasks, _, err := mapSchedule(cfg)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if _, err := scheduler.ParseSchedule(t.Schedule, loc); err != nil {
			return fmt.Errorf("schedule.%s: %w", t.Name, err)
		}
	}
	_, _, err = mapHealthConfig(cfg)
	return err
}
