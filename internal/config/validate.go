package config

import (
	"errors"
	"fmt"
	"strings"

	"repackit/pkg/logx"
)

// Validate checks values that cannot be defaulted. Zero values are allowed
// wherever a default exists.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: required (or set %s)", EnvTelegramToken))
	}
	_, err := ParseChatID("telegram.alert_chat", cfg.Telegram.AlertChat)
	add(err)
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	if lv := cfg.Logging.Level; lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if lv := cfg.Logging.Alert.MinLevel; lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.alert.min_level: unknown level %q", lv))
	}
	if cfg.Logging.Alert.RatePerSec < 0 {
		add(errors.New("logging.alert.rate_per_sec: must be >= 0"))
	}

	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	c := cfg.Capacity
	if c.InitialLimit < 0 || c.GlobalMax < 0 {
		add(errors.New("capacity: initial_limit and global_max must be >= 0"))
	}
	if c.InitialLimit > 0 && c.GlobalMax > 0 && c.InitialLimit > c.GlobalMax {
		add(errors.New("capacity.initial_limit: must be <= global_max"))
	}

	p := cfg.Pricing
	switch strings.ToLower(strings.TrimSpace(p.Provider)) {
	case "", "creators":
		if strings.TrimSpace(p.Amazon.ClientID) == "" || strings.TrimSpace(p.Amazon.ClientSecret) == "" {
			add(fmt.Errorf("pricing.amazon: client_id and client_secret required (or set %s / %s)",
				EnvAmazonClientID, EnvAmazonClientSecret))
		}
	case "pagescrape":
	default:
		add(fmt.Errorf("pricing.provider: unknown provider %q", p.Provider))
	}
	if p.ChunkSize < 0 || p.Concurrency < 0 || p.MaxAttempts < 0 {
		add(errors.New("pricing: chunk_size, concurrency and max_attempts must be >= 0"))
	}
	dur("pricing.base_delay", p.BaseDelay)
	dur("pricing.call_timeout", p.CallTimeout)
	dur("pricing.amazon.refresh_margin", p.Amazon.RefreshMargin)

	d := cfg.Dispatch
	if d.BatchSize < 0 || d.Concurrency < 0 || d.RatePerSec < 0 || d.MaxAttempts < 0 {
		add(errors.New("dispatch: numeric values must be >= 0"))
	}
	dur("dispatch.batch_delay", d.BatchDelay)
	dur("dispatch.base_delay", d.BaseDelay)
	dur("dispatch.send_timeout", d.SendTimeout)

	dur("schedule.task_timeout", cfg.Schedule.TaskTimeout)
	dur("health.stale_after", cfg.Health.StaleAfter)

	fb := cfg.Feedback
	if fb.MinLength < 0 || fb.MaxLength < 0 {
		add(errors.New("feedback: min_length and max_length must be >= 0"))
	}
	if fb.MinLength > 0 && fb.MaxLength > 0 && fb.MinLength > fb.MaxLength {
		add(errors.New("feedback.min_length: must be <= max_length"))
	}
	dur("feedback.rate_limit", fb.RateLimit)

	if cfg.Tracing.Enabled && strings.TrimSpace(cfg.Tracing.JaegerEndpoint) == "" {
		add(errors.New("tracing.jaeger_endpoint: required when tracing is enabled"))
	}

	return errors.Join(errs...)
}
