package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalJSON = `{
  "telegram": {"token": "t"},
  "pricing": {"provider": "pagescrape"}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"telegram":{"token":"x","nope":1}}`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{} {}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	src := `
telegram:
  token: abc
  admin_user_ids: [1, 2]
capacity:
  initial_limit: 3
  global_max: 21
schedule:
  check: "10:00"
`
	cfg, err := Decode("config.yaml", []byte(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.Token != "abc" || len(cfg.Telegram.AdminUserIDs) != 2 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Capacity.GlobalMax != 21 || cfg.Schedule.Check != "10:00" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yml", []byte("\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg == nil {
		t.Fatalf("expected empty config")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"1s", time.Second, false},
		{"48h", 48 * time.Hour, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseDurationField(%q) err=%v wantErr=%v", tc.raw, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseDurationField(%q)=%v want %v", tc.raw, got, tc.want)
		}
	}

	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvTelegramToken:      "from-env",
		EnvAmazonClientID:     "id",
		EnvAmazonClientSecret: "secret",
		EnvAmazonAffiliateTag: "tag-21",
		EnvAdminUserID:        "42",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := &Config{}
	cfg.Telegram.Token = "from-file"
	cfg.Telegram.AdminUserIDs = []int64{42}
	ApplyEnv(cfg, lookup)

	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Pricing.Amazon.AffiliateTag != "tag-21" || cfg.Pricing.Amazon.ClientSecret != "secret" {
		t.Fatalf("amazon = %+v", cfg.Pricing.Amazon)
	}
	if len(cfg.Telegram.AdminUserIDs) != 1 {
		t.Fatalf("admin ids duplicated: %v", cfg.Telegram.AdminUserIDs)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.json", []byte(minimalJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate minimal: %v", err)
	}

	bad := *cfg
	bad.Pricing.Provider = "ebay"
	bad.Capacity = CapacityConfig{InitialLimit: 30, GlobalMax: 21}
	bad.Dispatch.BatchDelay = "-5s"
	bad.Feedback = FeedbackConfig{MinLength: 50, MaxLength: 20}
	err = Validate(&bad)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"pricing.provider", "capacity.initial_limit", "dispatch.batch_delay", "feedback.min_length"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}

	off := *cfg
	off.Capacity = CapacityConfig{ReferralBonus: -1, InvitedBonus: -1}
	if err := Validate(&off); err != nil {
		t.Fatalf("negative bonuses turn the bonus off and are valid: %v", err)
	}

	creators := *cfg
	creators.Pricing.Provider = "creators"
	if err := Validate(&creators); err == nil {
		t.Fatalf("expected missing credentials error")
	}
}

func TestManagerLoadAndGet(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "config.json", minimalJSON)
	m := NewManager(p)
	m.SetEnvLookup(func(string) (string, bool) { return "", false })

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
}

func TestManagerPublishKeepsLatest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json")
	ch := m.Subscribe(1)

	a := &Config{Storage: StorageConfig{Path: "a"}}
	b := &Config{Storage: StorageConfig{Path: "b"}}
	m.publish(a)
	m.publish(b)

	got := <-ch
	if got != b {
		t.Fatalf("got %q, want latest", got.Storage.Path)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestManagerReloadSkipsUnchangedAndRejected(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "config.json", minimalJSON)
	m := NewManager(p)
	m.SetEnvLookup(func(string) (string, bool) { return "", false })
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatalf("unchanged config must not publish")
	default:
	}

	updated := strings.Replace(minimalJSON, `"t"`, `"t2"`, 1)
	if err := os.WriteFile(p, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })
	m.reload(context.Background())
	if m.Get().Telegram.Token != "t" {
		t.Fatalf("rejected config was committed")
	}

	m.SetValidator(nil)
	m.reload(context.Background())
	select {
	case got := <-ch:
		if got.Telegram.Token != "t2" {
			t.Fatalf("token = %q", got.Telegram.Token)
		}
	default:
		t.Fatalf("expected publish")
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()

	a := &Config{}
	a.Telegram.Token = "t"
	a.Storage.Path = "a.db"

	b := *a
	b.Telegram.AdminUserIDs = []int64{1}
	b.Storage.Path = "b.db"
	b.Dispatch.BatchSize = 5
	b.Feedback.RateLimit = "12h"

	got := ChangedSections(a, &b)
	want := []string{"telegram", "storage", "dispatch", "feedback"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", got, want)
	}
	if r := RestartRequired(got); len(r) != 1 || r[0] != "storage" {
		t.Fatalf("restart required = %v", r)
	}
	if got := ChangedSections(a, a); len(got) != 0 {
		t.Fatalf("identical configs reported %v", got)
	}
}
