// Package intake routes chat commands to the engine: registration with
// referral links, item addition behind the capacity check, listing, edits,
// deletion, rate-limited feedback and a few admin reports.
//
// Validation of user input lives here; the capacity manager re-checks only
// what it must.
package intake

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"repackit/internal/capacity"
	"repackit/internal/clock"
	"repackit/internal/domain"
	"repackit/internal/health"
	"repackit/internal/runtime/supervisor"
	"repackit/internal/storage"
	"repackit/internal/transport"
	"repackit/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Msg    *transport.Message
	Chat   transport.ChatTarget
	FromID int64
	Name   string
	Args   []string
	ReqID  string
	Log    logx.Logger
}

// Items is the read side the commands need from the store.
type Items interface {
	ItemsByUser(ctx context.Context, userID int64) ([]domain.TrackedItem, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// FeedbackStore keeps /feedback messages. AddFeedback enforces the per-user
// window atomically and reports storage.ErrFeedbackTooSoon.
type FeedbackStore interface {
	AddFeedback(ctx context.Context, userID int64, message string, at time.Time, every time.Duration) (domain.Feedback, time.Time, error)
	RecentFeedback(ctx context.Context, limit int) ([]domain.Feedback, error)
}

type Deps struct {
	Capacity *capacity.Manager
	Items    Items
	Feedback FeedbackStore // optional; /feedback is hidden without it
	Health   *health.Checker // optional; /health is disabled without it
	Sender   transport.Sender
	Clock    clock.Clock
	Log      logx.Logger
}

// Settings are the values that may change on config reload.
type Settings struct {
	AdminIDs     []int64
	BotUsername  string
	AffiliateTag string
	Feedback     FeedbackRules
}

// FeedbackRules bound message length in runes and how often a user may write.
type FeedbackRules struct {
	MinLen int
	MaxLen int
	Every  time.Duration
}

func (f FeedbackRules) normalized() FeedbackRules {
	if f.MinLen <= 0 {
		f.MinLen = 10
	}
	if f.MaxLen <= 0 {
		f.MaxLen = 1000
	}
	if f.MaxLen < f.MinLen {
		f.MaxLen = f.MinLen
	}
	if f.Every <= 0 {
		f.Every = 24 * time.Hour
	}
	return f
}

type Router struct {
	deps Deps

	mu       sync.RWMutex
	settings Settings
	cmds     map[string]*Command
	ordered  []*Command

	jobs chan func()
}

func New(deps Deps, settings Settings) *Router {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	r := &Router{
		deps: deps,
		cmds: map[string]*Command{},
		jobs: make(chan func(), 256),
	}
	r.SetSettings(settings)
	cmds := r.commands()
	if deps.Feedback != nil {
		cmds = append(cmds, r.feedbackCommands()...)
	}
	r.register(cmds...)
	return r
}

// SetSettings swaps admin ids and link settings. Safe during hot reload.
func (r *Router) SetSettings(s Settings) {
	s.AdminIDs = append([]int64(nil), s.AdminIDs...)
	s.BotUsername = strings.TrimPrefix(strings.TrimSpace(s.BotUsername), "@")
	s.Feedback = s.Feedback.normalized()
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
}

func (r *Router) snapshot() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

func (r *Router) register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := &cmds[i]
		r.cmds[c.Name] = c
		for _, a := range c.Aliases {
			r.cmds[a] = c
		}
		r.ordered = append(r.ordered, c)
	}
}

func (r *Router) lookup(name string) *Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cmds[name]
}

// DispatchLoop consumes updates until ctx ends. Commands run on a small
// worker pool; a full queue answers "busy" instead of blocking polling.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := max(2, runtime.NumCPU())
	sup := supervisor.New(ctx, supervisor.WithLogger(r.deps.Log))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("intake.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.deps.Log.Error("panic in command job", logx.Int("worker", idx),
									logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.deps.Log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.deps.Log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.enqueue(ctx, up)
		}
	}
}

func (r *Router) enqueue(ctx context.Context, up transport.Update) {
	if up.Message == nil {
		return
	}
	select {
	case r.jobs <- func() { r.Handle(ctx, up) }:
	default:
		msg := up.Message
		r.reply(ctx, transport.ChatTarget{ChatID: msg.ChatID}, "⏳ Sono un po' occupato, riprova tra qualche secondo.")
	}
}

// Handle routes one update and runs its command on the caller's goroutine.
func (r *Router) Handle(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID}

	cmd := r.lookup(word)
	if cmd == nil {
		r.reply(ctx, chat, "Comando non riconosciuto. Usa /help per l'elenco dei comandi.")
		return
	}
	if cmd.Access == AccessAdmin && !isAdmin(msg.FromID, r.snapshot().AdminIDs) {
		r.reply(ctx, chat, "⛔ Comando riservato agli amministratori.")
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Msg:    msg,
		Chat:   chat,
		FromID: msg.FromID,
		Name:   cmd.Name,
		Args:   parts[1:],
		ReqID:  rid,
		Log: r.deps.Log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name)),
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(r.deps.Log),
		MWRequestLog(r.deps.Log),
		MWTimeout(cmd.Timeout),
	)
	if err := final(ctx, req); err != nil {
		r.reply(ctx, chat, "❌ Si è verificato un errore. Riprova più tardi.")
	}
}

func (r *Router) reply(ctx context.Context, to transport.ChatTarget, text string) {
	r.send(ctx, to, text, nil)
}

func (r *Router) send(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) {
	if r.deps.Sender == nil {
		return
	}
	if opt == nil {
		opt = &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	}
	if _, err := r.deps.Sender.SendText(ctx, to, text, opt); err != nil {
		r.deps.Log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func isAdmin(id int64, admins []int64) bool {
	for _, a := range admins {
		if a == id {
			return true
		}
	}
	return false
}
