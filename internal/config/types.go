package config

// Config is the on-disk configuration. Unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "48h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Capacity CapacityConfig `json:"capacity"`
	Pricing  PricingConfig  `json:"pricing"`
	Dispatch DispatchConfig `json:"dispatch"`
	Schedule ScheduleConfig `json:"schedule"`
	Health   HealthConfig   `json:"health"`
	Tracing  TracingConfig  `json:"tracing,omitempty"`
	Feedback FeedbackConfig `json:"feedback,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via REPACKIT_TELEGRAM_TOKEN.
	Token        string  `json:"token,omitempty"`
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
	// AlertChat receives log alerts (chat id as string, e.g. "-100123").
	AlertChat   string `json:"alert_chat,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	BotUsername string `json:"bot_username,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CapacityConfig controls per-user slot accounting.
//
// Defaults: initial_limit 3, global_max 21, referral_bonus 3, invited_bonus 3.
// Zero means default; a negative bonus disables it.
type CapacityConfig struct {
	InitialLimit  int `json:"initial_limit"`
	GlobalMax     int `json:"global_max"`
	ReferralBonus int `json:"referral_bonus"`
	InvitedBonus  int `json:"invited_bonus"`
}

// PricingConfig controls the price data client.
//
// Provider is "creators" (Amazon Creator API) or "pagescrape" (product pages).
type PricingConfig struct {
	Provider           string       `json:"provider"`
	ChunkSize          int          `json:"chunk_size,omitempty"`
	Concurrency        int          `json:"concurrency,omitempty"`
	MaxAttempts        int          `json:"max_attempts,omitempty"`
	BaseDelay          string       `json:"base_delay,omitempty"`
	CallTimeout        string       `json:"call_timeout,omitempty"`
	Amazon             AmazonConfig `json:"amazon"`
}

type AmazonConfig struct {
	ClientID          string `json:"client_id,omitempty"`
	ClientSecret      string `json:"client_secret,omitempty"`
	CredentialVersion string `json:"credential_version,omitempty"`
	AffiliateTag      string `json:"affiliate_tag,omitempty"`
	TokenURL          string `json:"token_url,omitempty"`
	ItemsURL          string `json:"items_url,omitempty"`
	RefreshMargin     string `json:"refresh_margin,omitempty"`
}

// DispatchConfig controls notification delivery. batch_size/batch_delay
// must keep throughput under rate_per_sec.
type DispatchConfig struct {
	BatchSize   int    `json:"batch_size,omitempty"`
	BatchDelay  string `json:"batch_delay,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// ScheduleConfig holds one schedule per recurring job. Each accepts "HH:MM"
// (daily), a cron expression, or an interval ("6h").
type ScheduleConfig struct {
	Timezone    string `json:"timezone,omitempty"`
	Refresh     string `json:"refresh,omitempty"`
	Check       string `json:"check,omitempty"`
	Cleanup     string `json:"cleanup,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
}

type HealthConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"`
	// Pprof exposes /debug/pprof/ on the health listener.
	Pprof bool `json:"pprof,omitempty"`
}

type TracingConfig struct {
	Enabled        bool   `json:"enabled"`
	ServiceName    string `json:"service_name,omitempty"`
	JaegerEndpoint string `json:"jaeger_endpoint,omitempty"`
}

// FeedbackConfig bounds /feedback messages.
//
// Defaults: min_length 10, max_length 1000, rate_limit "24h".
type FeedbackConfig struct {
	MinLength int    `json:"min_length,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`
	RateLimit string `json:"rate_limit,omitempty"`
}
