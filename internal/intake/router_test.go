package intake

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"repackit/internal/capacity"
	"repackit/internal/clock"
	"repackit/internal/storage"
	"repackit/internal/transport"
	"repackit/pkg/logx"
)

type sent struct {
	to   int64
	text string
	opt  *transport.SendOptions
}

type fakeSender struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{to: to.ChatID, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.out)}, nil
}

func (f *fakeSender) take() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.out
	f.out = nil
	return out
}

type fixture struct {
	r     *Router
	out   *fakeSender
	store *storage.Store
	clk   *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRules(t, capacity.Rules{})
}

func newFixtureWithRules(t *testing.T, rules capacity.Rules) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(),
		storage.Config{Path: filepath.Join(t.TempDir(), "intake.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewManual(time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	out := &fakeSender{}
	r := New(Deps{
		Capacity: capacity.New(st, clk, rules, logx.Nop()),
		Items:    st,
		Feedback: st,
		Sender:   out,
		Clock:    clk,
		Log:      logx.Nop(),
	}, Settings{AdminIDs: []int64{99}, BotUsername: "@repackit_bot", AffiliateTag: "tag-21"})
	return &fixture{r: r, out: out, store: st, clk: clk}
}

func (f *fixture) say(t *testing.T, from int64, text string) []sent {
	t.Helper()
	f.r.Handle(context.Background(), transport.Update{Message: &transport.Message{
		ChatID: from, FromID: from, Text: text, IsPrivate: true,
	}})
	return f.out.take()
}

func lastText(t *testing.T, msgs []sent) string {
	t.Helper()
	if len(msgs) == 0 {
		t.Fatalf("no reply")
	}
	return msgs[len(msgs)-1].text
}

const productURL = "https://www.amazon.it/dp/B08N5WRWNW"

func TestReferralFlowNotifiesReferrer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.say(t, 1, "/start")
	reply := lastText(t, f.say(t, 2, "/start ref_1"))
	if !strings.Contains(reply, "invitato") {
		t.Fatalf("referral welcome = %q", reply)
	}

	msgs := f.say(t, 2, "/add "+productURL+" 59,90 30 5 Cuffie Sony")
	if len(msgs) != 2 {
		t.Fatalf("replies = %d, want confirmation and referrer notice", len(msgs))
	}
	if msgs[0].to != 2 || !strings.Contains(msgs[0].text, "Cuffie Sony") {
		t.Fatalf("confirmation = %+v", msgs[0])
	}
	if msgs[1].to != 1 || !strings.Contains(msgs[1].text, "+3") || !strings.Contains(msgs[1].text, "<b>6</b>") {
		t.Fatalf("referrer notice = %+v", msgs[1])
	}

	// The bonus is paid once.
	msgs = f.say(t, 2, "/add "+productURL+" 20 10")
	if len(msgs) != 1 {
		t.Fatalf("second add replies = %d", len(msgs))
	}
}

func TestDisabledBonusSkipsReferrerNotice(t *testing.T) {
	t.Parallel()
	f := newFixtureWithRules(t, capacity.Rules{ReferralBonus: -1, InvitedBonus: -1})

	f.say(t, 1, "/start")
	f.say(t, 2, "/start ref_1")
	msgs := f.say(t, 2, "/add "+productURL+" 59,90 30")
	if len(msgs) != 1 || msgs[0].to != 2 {
		t.Fatalf("replies = %+v, want only the confirmation", msgs)
	}

	share := lastText(t, f.say(t, 1, "/share"))
	if strings.Contains(share, "+0") || strings.Contains(share, "slot in più") {
		t.Fatalf("share text mentions a disabled bonus: %q", share)
	}
}

func TestStartWithBadReferralStillRegisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reply := lastText(t, f.say(t, 5, "/start 5"))
	if !strings.Contains(reply, "non è valido") {
		t.Fatalf("self referral reply = %q", reply)
	}
	u, err := f.store.User(context.Background(), 5)
	if err != nil || u.Referred() {
		t.Fatalf("user = %+v, %v", u, err)
	}
}

func TestAddRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, 1, "/start")

	cases := map[string]string{
		"/add":                                  "Uso:",
		"/add https://example.com/x 10 30":      "Link non valido",
		"/add " + productURL + " zero 30":       "Prezzo non valido",
		"/add " + productURL + " 10 0":          "tra domani e un anno",
		"/add " + productURL + " 10 30 10":      "soglia",
		"/add " + productURL + " 10 30 1 ab":    "nome",
		"/add " + productURL + " 10 01-01-2020": "tra domani e un anno",
	}
	for in, want := range cases {
		if got := lastText(t, f.say(t, 1, in)); !strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
			t.Fatalf("%q reply = %q, want %q", in, got, want)
		}
	}
	if n, _ := f.store.CountItems(context.Background(), 1); n != 0 {
		t.Fatalf("items = %d after invalid adds", n)
	}
}

func TestLimitReached(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, 1, "/start")
	for i := 0; i < 3; i++ {
		f.say(t, 1, "/add "+productURL+" 10 30")
	}
	reply := lastText(t, f.say(t, 1, "/add "+productURL+" 10 30"))
	if !strings.Contains(reply, "limite di 3") {
		t.Fatalf("limit reply = %q", reply)
	}
	reply = lastText(t, f.say(t, 1, "/limit"))
	if !strings.Contains(reply, "<b>3</b> prodotti su <b>3</b>") {
		t.Fatalf("/limit = %q", reply)
	}
}

func TestListUpdateDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, 1, "/start")
	f.say(t, 1, "/add "+productURL+" 59.90 30 Cuffie <Sony>")

	list := lastText(t, f.say(t, 1, "/list"))
	for _, want := range []string{"Cuffie &lt;Sony&gt;", "tag=tag-21", "59,90", "10/07/2025", "tra 30 giorni"} {
		if !strings.Contains(list, want) {
			t.Fatalf("/list missing %q:\n%s", want, list)
		}
	}

	if got := lastText(t, f.say(t, 1, "/update 1 soglia 70")); !strings.Contains(got, "soglia") {
		t.Fatalf("bad threshold update = %q", got)
	}
	if got := lastText(t, f.say(t, 1, "/update 1 prezzo 49,90")); !strings.Contains(got, "aggiornato") {
		t.Fatalf("price update = %q", got)
	}
	items, err := f.store.ItemsByUser(context.Background(), 1)
	if err != nil || len(items) != 1 || items[0].PricePaid.StringFixed(2) != "49.90" {
		t.Fatalf("items after update = %+v, %v", items, err)
	}

	if got := lastText(t, f.say(t, 1, "/delete 2")); !strings.Contains(got, "Numero non valido") {
		t.Fatalf("out of range delete = %q", got)
	}
	if got := lastText(t, f.say(t, 1, "/delete 1")); !strings.Contains(got, "eliminato") {
		t.Fatalf("delete = %q", got)
	}
	if got := lastText(t, f.say(t, 1, "/list")); !strings.Contains(got, "nessun prodotto") {
		t.Fatalf("empty list = %q", got)
	}
}

func TestShareCarriesReferralLink(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, 7, "/start")

	msgs := f.say(t, 7, "/share")
	if len(msgs) != 1 {
		t.Fatalf("replies = %d", len(msgs))
	}
	m := msgs[0]
	if !strings.Contains(m.text, "https://t.me/repackit_bot?start=7") {
		t.Fatalf("share text = %q", m.text)
	}
	if m.opt == nil || len(m.opt.Actions) != 1 || !strings.HasPrefix(m.opt.Actions[0].URL, "https://t.me/share/url?") {
		t.Fatalf("share options = %+v", m.opt)
	}
}

func TestAdminCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, 1, "/start")

	if got := lastText(t, f.say(t, 1, "/stats")); !strings.Contains(got, "amministratori") {
		t.Fatalf("non-admin /stats = %q", got)
	}
	if got := lastText(t, f.say(t, 99, "/stats")); !strings.Contains(got, "Utenti: 1") {
		t.Fatalf("admin /stats = %q", got)
	}
	if got := lastText(t, f.say(t, 1, "/help")); strings.Contains(got, "/stats") {
		t.Fatalf("/help lists admin commands to users: %q", got)
	}

	f.r.SetSettings(Settings{AdminIDs: []int64{1}})
	if got := lastText(t, f.say(t, 1, "/stats")); !strings.Contains(got, "Utenti") {
		t.Fatalf("/stats after reload = %q", got)
	}
}

func TestUnknownAndPlainText(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if msgs := f.say(t, 1, "ciao"); len(msgs) != 0 {
		t.Fatalf("plain text got replies: %+v", msgs)
	}
	if got := lastText(t, f.say(t, 1, "/nope")); !strings.Contains(got, "non riconosciuto") {
		t.Fatalf("unknown command = %q", got)
	}
	if got := lastText(t, f.say(t, 1, "/HELP@repackit_bot")); !strings.Contains(got, "Comandi") {
		t.Fatalf("/help with mention = %q", got)
	}
}

func TestDispatchLoopRunsCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan transport.Update)
	done := make(chan struct{})
	go func() {
		_ = f.r.DispatchLoop(ctx, updates)
		close(done)
	}()
	updates <- transport.Update{Message: &transport.Message{ChatID: 3, FromID: 3, Text: "/start"}}

	deadline := time.After(5 * time.Second)
	for {
		if _, err := f.store.User(context.Background(), 3); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("user was never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
