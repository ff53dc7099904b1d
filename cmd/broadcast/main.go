// Command broadcast sends one HTML message to every registered user through
// the notification dispatcher (same batching, rate limit and retries as
// price alerts).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"repackit/internal/config"
	"repackit/internal/dispatch"
	"repackit/internal/storage"
	"repackit/internal/transport"
	telegram "repackit/internal/transport/telegram/adapter"
	"repackit/pkg/logx"
)

// progressEvery is how many recipients are handed to the dispatcher between
// progress lines.
const progressEvery = 100

func main() {
	var (
		cfgPath string
		msgFile string
		text    string
		dryRun  bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&text, "message", "", "HTML message text")
	flag.StringVar(&msgFile, "file", "", "read the HTML message from a file")
	flag.BoolVar(&dryRun, "dry-run", false, "count recipients without sending")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, text, msgFile, dryRun); err != nil {
		fmt.Fprintln(os.Stderr, "broadcast:", err)
		os.Exit(1)
	}
}

func loadMessage(text, path string) (string, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		text = string(b)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty message (use -message or -file)")
	}
	return text, nil
}

func run(ctx context.Context, cfgPath, text, msgFile string, dryRun bool) error {
	msg, err := loadMessage(text, msgFile)
	if err != nil {
		return err
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required (or set %s)", config.EnvTelegramToken)
	}

	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "broadcast"))

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return err
	}
	path := cfg.Storage.Path
	if strings.TrimSpace(path) == "" {
		path = "./data/repackit.db"
	}
	store, err := storage.Open(ctx, storage.Config{Path: path, BusyTimeout: busy}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.UserIDs(ctx)
	if err != nil {
		return err
	}
	log.Info("recipients loaded", logx.Int("users", len(ids)))
	if dryRun || len(ids) == 0 {
		return nil
	}

	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Offline: true}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}
	dc, err := dispatchConfig(cfg)
	if err != nil {
		return err
	}
	disp := dispatch.New(ad, dc, dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))))

	var sent, failed int
	for start := 0; start < len(ids); start += progressEvery {
		if ctx.Err() != nil {
			log.Warn("broadcast interrupted", logx.Int("sent", sent), logx.Int("failed", failed))
			return ctx.Err()
		}
		end := min(start+progressEvery, len(ids))
		reqs := make([]dispatch.Request, 0, end-start)
		for _, id := range ids[start:end] {
			reqs = append(reqs, dispatch.Request{
				Ref:     fmt.Sprintf("broadcast:%d", id),
				To:      transport.ChatTarget{ChatID: id},
				Text:    msg,
				Options: &transport.SendOptions{ParseMode: "HTML", DisablePreview: true},
			})
		}
		delivered, transient, permanent := dispatch.Count(disp.Send(ctx, reqs))
		sent += delivered
		failed += transient + permanent
		log.Info("broadcast progress",
			logx.Int("done", end),
			logx.Int("total", len(ids)),
			logx.Int("sent", sent),
			logx.Int("failed", failed))
	}

	log.Info("broadcast finished", logx.Int("sent", sent), logx.Int("failed", failed))
	return nil
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	batchDelay, err := config.ParseDurationOrDefault("dispatch.batch_delay", d.BatchDelay, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	base, err := config.ParseDurationField("dispatch.base_delay", d.BaseDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	send, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	// Zero values fall back to the dispatcher's own defaults.
	return dispatch.Config{
		BatchSize:   d.BatchSize,
		BatchDelay:  batchDelay,
		Concurrency: d.Concurrency,
		RatePerSec:  d.RatePerSec,
		MaxAttempts: d.MaxAttempts,
		BaseDelay:   base,
		SendTimeout: send,
	}, nil
}
