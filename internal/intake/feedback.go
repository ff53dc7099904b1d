package intake

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"repackit/internal/storage"
	"repackit/pkg/logx"
	"repackit/pkg/tgui"
)

const (
	feedbackListSize  = 10
	feedbackListRunes = 200
)

func (r *Router) feedbackCommands() []Command {
	return []Command{
		{Name: "feedback", Aliases: []string{"suggerimento"}, Description: "scrivi agli sviluppatori",
			Usage: "/feedback <testo>", Timeout: 10 * time.Second, Handle: r.cmdFeedback},
		{Name: "feedbacks", Description: "ultimi feedback ricevuti", Usage: "/feedbacks",
			Access: AccessAdmin, Timeout: 10 * time.Second, Handle: r.cmdFeedbacks},
	}
}

// commandText is the raw text after the command word, line breaks kept.
func commandText(req *Request) string {
	text := strings.TrimSpace(req.Msg.Text)
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(text[i:])
}

func (r *Router) cmdFeedback(ctx context.Context, req *Request) error {
	rules := r.snapshot().Feedback
	text := commandText(req)
	n := utf8.RuneCountInString(text)

	var b tgui.Builder
	switch {
	case n == 0:
		b.Printf("💬 %s\n\n", tgui.B("Invia il tuo feedback"))
		b.Text("Scrivi il tuo feedback, suggerimento o segnalazione di bug dopo il comando.").Line().Line()
		b.Add(tgui.I("Minimo " + strconv.Itoa(rules.MinLen) + " caratteri, massimo " + strconv.Itoa(rules.MaxLen) + " caratteri.")).Line()
		b.Add(tgui.Raw(usageText("/feedback <testo>")))
		r.reply(ctx, req.Chat, b.String())
		return nil
	case n < rules.MinLen:
		b.Printf("❌ %s\n\nServono almeno %s caratteri (ora: %d).",
			tgui.B("Feedback troppo breve!"), tgui.B(strconv.Itoa(rules.MinLen)), n)
		r.reply(ctx, req.Chat, b.String())
		return nil
	case n > rules.MaxLen:
		b.Printf("❌ %s\n\nIl massimo è %s caratteri (ora: %d).",
			tgui.B("Feedback troppo lungo!"), tgui.B(strconv.Itoa(rules.MaxLen)), n)
		r.reply(ctx, req.Chat, b.String())
		return nil
	}

	now := r.deps.Clock.Now()
	fb, prev, err := r.deps.Feedback.AddFeedback(ctx, req.FromID, text, now, rules.Every)
	if errors.Is(err, storage.ErrFeedbackTooSoon) {
		b.Printf("⏳ %s\n\nPuoi inviare un nuovo feedback tra circa %s.",
			tgui.B("Limite raggiunto"), tgui.B(waitText(prev.Add(rules.Every).Sub(now))))
		r.reply(ctx, req.Chat, b.String())
		return nil
	}
	if err != nil {
		return err
	}
	req.Log.Info("feedback stored", logx.Int64("feedback_id", fb.ID), logx.Int("runes", n))
	b.Printf("✅ %s\n\nIl tuo messaggio è stato inviato agli sviluppatori.", tgui.B("Grazie per il feedback!"))
	r.reply(ctx, req.Chat, b.String())
	return nil
}

// waitText phrases a remaining wait in hours, or minutes under one hour.
func waitText(d time.Duration) string {
	if d >= time.Hour {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 ora"
		}
		return strconv.Itoa(h) + " ore"
	}
	m := max(1, int(d/time.Minute))
	if m == 1 {
		return "1 minuto"
	}
	return strconv.Itoa(m) + " minuti"
}

func (r *Router) cmdFeedbacks(ctx context.Context, req *Request) error {
	list, err := r.deps.Feedback.RecentFeedback(ctx, feedbackListSize)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		r.reply(ctx, req.Chat, "Nessun feedback ricevuto.")
		return nil
	}
	var b tgui.Builder
	b.Printf("💬 %s", tgui.B("Ultimi feedback"))
	for _, fb := range list {
		b.Printf("\n\n%s %s\n%s",
			tgui.Code(strconv.FormatInt(fb.UserID, 10)),
			fb.CreatedAt.Format("02/01/2006 15:04"),
			tgui.TruncRunes(fb.Message, feedbackListRunes))
	}
	r.reply(ctx, req.Chat, b.String())
	return nil
}
