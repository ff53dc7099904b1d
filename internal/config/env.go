package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets in the config file.
const (
	EnvTelegramToken      = "REPACKIT_TELEGRAM_TOKEN"
	EnvAmazonClientID     = "REPACKIT_AMAZON_CLIENT_ID"
	EnvAmazonClientSecret = "REPACKIT_AMAZON_CLIENT_SECRET"
	EnvAmazonAffiliateTag = "REPACKIT_AMAZON_AFFILIATE_TAG"
	EnvAdminUserID        = "REPACKIT_ADMIN_USER_ID"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set win. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv copies non-empty secret overrides from lookup into cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Pricing.Amazon.ClientID, EnvAmazonClientID)
	set(&cfg.Pricing.Amazon.ClientSecret, EnvAmazonClientSecret)
	set(&cfg.Pricing.Amazon.AffiliateTag, EnvAmazonAffiliateTag)

	if v, ok := lookup(EnvAdminUserID); ok {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && id != 0 {
			for _, existing := range cfg.Telegram.AdminUserIDs {
				if existing == id {
					return
				}
			}
			cfg.Telegram.AdminUserIDs = append(cfg.Telegram.AdminUserIDs, id)
		}
	}
}
