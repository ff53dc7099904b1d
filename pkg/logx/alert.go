package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"repackit/internal/transport"
)

const alertTextLimit = 3500

func (s *Service) alertLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.alertQ:
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = s.sender.SendText(cctx, it.to, it.msg, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
			cancel()
		}
	}
}

// alertWriter is a zerolog LevelWriter that never blocks logging: records
// over the rate limit or beyond the queue capacity are dropped.
type alertWriter struct{ svc *Service }

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	to := s.target
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if to.ChatID == 0 || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	msg := formatAlert(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.alertQ <- alertItem{to: to, msg: msg}:
	default:
	}
	return len(p), nil
}

// formatAlert renders one zerolog JSON line as a short HTML message.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(html.EscapeString(strings.TrimSpace(string(p))), alertTextLimit)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("<b>[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("]</b> ")
	}
	b.WriteString(html.EscapeString(msg))

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(html.EscapeString(k))
		b.WriteString("=")
		b.WriteString(html.EscapeString(truncate(fmt.Sprint(m[k]), 600)))
	}
	return truncate(b.String(), alertTextLimit)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
