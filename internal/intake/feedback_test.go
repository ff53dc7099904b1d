package intake

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestFeedbackLengthAndRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, 4, "/start")

	cases := []struct {
		text string
		want string
	}{
		{"/feedback", "Minimo 10 caratteri"},
		{"/feedback corto", "troppo breve"},
		{"/feedback " + strings.Repeat("a", 1001), "troppo lungo"},
		{"/feedback Sarebbe utile\nvedere lo storico prezzi", "Grazie per il feedback"},
		{"/suggerimento un altro messaggio valido", "tra circa <b>24 ore</b>"},
	}
	for _, tc := range cases {
		if got := lastText(t, f.say(t, 4, tc.text)); !strings.Contains(got, tc.want) {
			t.Fatalf("%q reply = %q, want %q", tc.text, got, tc.want)
		}
	}

	f.clk.Advance(23*time.Hour + 30*time.Minute)
	if got := lastText(t, f.say(t, 4, "/feedback un altro messaggio valido")); !strings.Contains(got, "30 minuti") {
		t.Fatalf("reply near the window end = %q", got)
	}
	f.clk.Advance(30 * time.Minute)
	if got := lastText(t, f.say(t, 4, "/feedback un altro messaggio valido")); !strings.Contains(got, "Grazie") {
		t.Fatalf("reply after the window = %q", got)
	}

	list, err := f.store.RecentFeedback(context.Background(), 10)
	if err != nil || len(list) != 2 {
		t.Fatalf("stored feedback = %+v, %v", list, err)
	}
	if list[1].Message != "Sarebbe utile\nvedere lo storico prezzi" {
		t.Fatalf("line breaks lost: %q", list[1].Message)
	}
}

func TestFeedbackRulesReload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.r.SetSettings(Settings{AdminIDs: []int64{99}, Feedback: FeedbackRules{MinLen: 2, MaxLen: 5, Every: time.Hour}})

	if got := lastText(t, f.say(t, 4, "/feedback troppe parole")); !strings.Contains(got, "troppo lungo") {
		t.Fatalf("reply = %q", got)
	}
	if got := lastText(t, f.say(t, 4, "/feedback ok")); !strings.Contains(got, "Grazie") {
		t.Fatalf("reply = %q", got)
	}
	if got := lastText(t, f.say(t, 4, "/feedback ok")); !strings.Contains(got, "1 ora") {
		t.Fatalf("reply = %q", got)
	}
}

func TestAdminReadsFeedback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if got := lastText(t, f.say(t, 99, "/feedbacks")); !strings.Contains(got, "Nessun feedback") {
		t.Fatalf("empty list = %q", got)
	}
	f.say(t, 4, "/feedback <b>grassetto</b> non voluto")
	if got := lastText(t, f.say(t, 4, "/feedbacks")); !strings.Contains(got, "amministratori") {
		t.Fatalf("non-admin /feedbacks = %q", got)
	}
	got := lastText(t, f.say(t, 99, "/feedbacks"))
	if !strings.Contains(got, "<code>4</code>") || !strings.Contains(got, "&lt;b&gt;grassetto&lt;/b&gt;") {
		t.Fatalf("admin /feedbacks = %q", got)
	}

	help := lastText(t, f.say(t, 4, "/help"))
	if !strings.Contains(help, "/feedback &lt;testo&gt;") || strings.Contains(help, "/feedbacks") {
		t.Fatalf("/help for users = %q", help)
	}
}

func TestWaitText(t *testing.T) {
	t.Parallel()
	cases := map[time.Duration]string{
		23*time.Hour + 59*time.Minute: "23 ore",
		time.Hour:                     "1 ora",
		59 * time.Minute:              "59 minuti",
		90 * time.Second:              "1 minuto",
		10 * time.Second:              "1 minuto",
	}
	for d, want := range cases {
		if got := waitText(d); got != want {
			t.Fatalf("waitText(%v) = %q want %q", d, got, want)
		}
	}
}
