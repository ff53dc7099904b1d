package intake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"repackit/internal/capacity"
	"repackit/internal/clock"
	"repackit/internal/dispatch"
	"repackit/internal/domain"
	"repackit/internal/storage"
	"repackit/internal/transport"
	"repackit/pkg/logx"
	"repackit/pkg/tgui"
)

const listNameRunes = 60

func (r *Router) commands() []Command {
	return []Command{
		{Name: "start", Description: "registrati e inizia", Usage: "/start", Timeout: 10 * time.Second, Handle: r.cmdStart},
		{Name: "add", Aliases: []string{"aggiungi"}, Description: "monitora un acquisto",
			Usage: "/add <link> <prezzo> <giorni|gg-mm-aaaa> [soglia] [nome]", Timeout: 10 * time.Second, Handle: r.cmdAdd},
		{Name: "list", Aliases: []string{"lista"}, Description: "i tuoi prodotti", Usage: "/list", Timeout: 10 * time.Second, Handle: r.cmdList},
		{Name: "delete", Aliases: []string{"elimina"}, Description: "smetti di monitorare un prodotto",
			Usage: "/delete <n>", Timeout: 10 * time.Second, Handle: r.cmdDelete},
		{Name: "update", Aliases: []string{"modifica"}, Description: "modifica un prodotto",
			Usage: "/update <n> <nome|prezzo|scadenza|soglia> <valore>", Timeout: 10 * time.Second, Handle: r.cmdUpdate},
		{Name: "limit", Aliases: []string{"limite"}, Description: "slot disponibili", Usage: "/limit", Timeout: 5 * time.Second, Handle: r.cmdLimit},
		{Name: "share", Aliases: []string{"invita"}, Description: "invita un amico e ottieni slot", Usage: "/share", Timeout: 5 * time.Second, Handle: r.cmdShare},
		{Name: "help", Aliases: []string{"aiuto"}, Description: "questo messaggio", Usage: "/help", Handle: r.cmdHelp},
		{Name: "stats", Description: "statistiche globali", Usage: "/stats", Access: AccessAdmin, Timeout: 10 * time.Second, Handle: r.cmdStats},
		{Name: "health", Description: "stato dei job", Usage: "/health", Access: AccessAdmin, Timeout: 10 * time.Second, Handle: r.cmdHealth},
	}
}

func (r *Router) referralLink(userID int64) string {
	s := r.snapshot()
	name := s.BotUsername
	if name == "" {
		name = "repackit_bot"
	}
	return "https://t.me/" + name + "?start=" + strconv.FormatInt(userID, 10)
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	ref, perr := ParseReferral(req.Args)
	res, err := r.deps.Capacity.Register(ctx, capacity.RegisterRequest{
		UserID:     req.FromID,
		Username:   req.Msg.FromUsername,
		Language:   req.Msg.FromLanguage,
		ReferrerID: ref,
	})
	if err != nil {
		return err
	}

	var b tgui.Builder
	if res.Created {
		b.Printf("👋 Benvenuto su %s!\n\n", tgui.B("RepackIt"))
	} else {
		b.Printf("👋 Bentornato!\n\n")
	}
	b.Text("Inviami il link di un prodotto Amazon che hai acquistato: ti avviso se il prezzo scende prima della scadenza del reso.")
	b.Line().Line()

	switch {
	case perr != nil, res.Referral == capacity.ReferralSelf, res.Referral == capacity.ReferralUnknown:
		b.Add(tgui.I("⚠️ Il link di invito non è valido. Nessun problema: puoi usare il bot normalmente.")).Line().Line()
	case res.Referral == capacity.ReferralAccepted:
		b.Printf("🎁 Sei stato invitato da un amico: parti con %s slot.\n\n", tgui.B(strconv.Itoa(res.User.Limit)))
	}
	b.Printf("Hai %s slot disponibili. Usa /help per i comandi.", tgui.B(strconv.Itoa(res.User.Limit)))
	r.reply(ctx, req.Chat, b.String())
	return nil
}

func (r *Router) cmdAdd(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		r.reply(ctx, req.Chat, usageText("/add <link> <prezzo> <giorni|gg-mm-aaaa> [soglia] [nome]"))
		return nil
	}
	it, msg := r.parseNewItem(req)
	if msg != "" {
		r.reply(ctx, req.Chat, msg)
		return nil
	}

	res, err := r.deps.Capacity.AddItem(ctx, it)
	switch {
	case errors.Is(err, capacity.ErrUnknownUser):
		r.reply(ctx, req.Chat, "Prima di aggiungere prodotti usa /start.")
		return nil
	case errors.Is(err, capacity.ErrLimitReached):
		usage, uerr := r.deps.Capacity.Usage(ctx, req.FromID)
		if uerr != nil {
			return uerr
		}
		r.reply(ctx, req.Chat, fmt.Sprintf("🚫 Hai raggiunto il limite di %d prodotti.\n\nElimina un prodotto con /delete oppure invita un amico con /share per ottenere altri slot.", usage.Limit))
		return nil
	case errors.Is(err, capacity.ErrInvalidThreshold):
		r.reply(ctx, req.Chat, "La soglia deve essere inferiore al prezzo pagato.")
		return nil
	case errors.Is(err, capacity.ErrExpired):
		r.reply(ctx, req.Chat, "La scadenza del reso è già passata.")
		return nil
	case errors.Is(err, capacity.ErrInvalidPrice), errors.Is(err, capacity.ErrInvalidKey):
		r.reply(ctx, req.Chat, "Dati del prodotto non validi.")
		return nil
	case err != nil:
		return err
	}

	req.Log.Info("item added", logx.Int64("item_id", res.ItemID), logx.String("key", it.Key.String()),
		logx.Int("count", res.Count), logx.Int("limit", res.Limit))

	name := it.Name
	if name == "" {
		name = "ASIN " + it.Key.ASIN
	}
	var b tgui.Builder
	b.Printf("✅ %s\n\n", tgui.B("Prodotto aggiunto!"))
	b.Printf("📦 %s\n", tgui.TruncRunes(name, listNameRunes))
	b.Printf("💶 Prezzo pagato: €%s\n", domain.FormatEUR(it.PricePaid))
	if it.Threshold.IsPositive() {
		b.Printf("🎯 Soglia minima: €%s\n", domain.FormatEUR(it.Threshold))
	}
	b.Printf("📅 Scadenza reso: %s\n\n", tgui.DateIT(it.Expiry))
	b.Printf("Slot usati: %s", tgui.B(fmt.Sprintf("%d/%d", res.Count, res.Limit)))
	r.reply(ctx, req.Chat, b.String())

	if res.Bonus == capacity.BonusIssued {
		r.notifyReferrer(ctx, res)
	}
	return nil
}

// parseNewItem returns a user-facing message when the arguments are invalid.
func (r *Router) parseNewItem(req *Request) (domain.NewItem, string) {
	key, err := domain.ParseProductURL(req.Args[0])
	if err != nil {
		return domain.NewItem{}, "🔗 Link non valido: serve il link di un prodotto Amazon (…/dp/CODICE)."
	}
	price, err := ParsePrice(req.Args[1])
	if err != nil {
		return domain.NewItem{}, "💶 Prezzo non valido. Esempio: 59,90"
	}
	expiry, err := ParseDeadline(req.Args[2], clock.Today(r.deps.Clock))
	if err != nil {
		if errors.Is(err, ErrDeadlineRange) {
			return domain.NewItem{}, "📅 La scadenza deve essere tra domani e un anno."
		}
		return domain.NewItem{}, "📅 Scadenza non valida: usa un numero di giorni oppure gg-mm-aaaa."
	}

	threshold := decimal.Zero
	rest := req.Args[3:]
	if len(rest) > 0 {
		if _, ok := parseAmount(rest[0]); ok {
			threshold, err = ParseThreshold(rest[0], price)
			if err != nil {
				return domain.NewItem{}, "🎯 La soglia deve essere inferiore al prezzo pagato."
			}
			rest = rest[1:]
		}
	}
	name, err := ValidateName(strings.Join(rest, " "))
	if err != nil {
		return domain.NewItem{}, fmt.Sprintf("✏️ Il nome deve avere tra %d e %d caratteri.", minNameLen, maxNameLen)
	}
	return domain.NewItem{
		UserID:    req.FromID,
		Key:       key,
		Name:      name,
		PricePaid: price,
		Threshold: threshold,
		Expiry:    expiry,
	}, ""
}

func (r *Router) notifyReferrer(ctx context.Context, res capacity.AddResult) {
	var b tgui.Builder
	b.Printf("🎉 Un amico che hai invitato ha aggiunto il suo primo prodotto!\n\n")
	b.Printf("💎 Hai ricevuto %s slot (ora ne hai %s).",
		tgui.B("+"+strconv.Itoa(res.ReferrerGain)),
		tgui.B(strconv.Itoa(res.ReferrerLimit)))
	r.reply(ctx, transport.ChatTarget{ChatID: res.ReferrerID}, b.String())
}

func (r *Router) cmdList(ctx context.Context, req *Request) error {
	items, err := r.deps.Items.ItemsByUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		r.reply(ctx, req.Chat, "Non stai monitorando nessun prodotto. Aggiungine uno con /add.")
		return nil
	}
	tag := r.snapshot().AffiliateTag
	today := clock.Today(r.deps.Clock)

	var b tgui.Builder
	b.Printf("📋 %s\n", tgui.B(fmt.Sprintf("I tuoi prodotti (%d)", len(items))))
	for i, it := range items {
		b.Line()
		b.Printf("%d. %s\n", i+1, tgui.Link(tgui.TruncRunes(it.DisplayName(), listNameRunes), domain.AffiliateURL(it.Key, tag)))
		b.Printf("   💶 €%s", domain.FormatEUR(it.PricePaid))
		if it.Threshold.IsPositive() {
			b.Printf(" · 🎯 €%s", domain.FormatEUR(it.Threshold))
		}
		if it.LastNotified.Valid {
			b.Printf(" · 🔔 €%s", domain.FormatEUR(it.LastNotified.Decimal))
		}
		b.Printf("\n   📅 %s (%s)\n", tgui.DateIT(it.Expiry), tgui.DaysLeft(clock.DaysBetween(today, it.Expiry)))
	}
	b.Line()
	b.Text("Usa /delete <n> per eliminare o /update <n> <campo> <valore> per modificare.")
	r.reply(ctx, req.Chat, b.String())
	return nil
}

// itemAt resolves a 1-based list position to the user's item.
func (r *Router) itemAt(ctx context.Context, userID int64, raw string) (domain.TrackedItem, bool, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(raw, "#"))
	if err != nil || n < 1 {
		return domain.TrackedItem{}, false, nil
	}
	items, err := r.deps.Items.ItemsByUser(ctx, userID)
	if err != nil {
		return domain.TrackedItem{}, false, err
	}
	if n > len(items) {
		return domain.TrackedItem{}, false, nil
	}
	return items[n-1], true, nil
}

func (r *Router) cmdDelete(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		r.reply(ctx, req.Chat, usageText("/delete <n>"))
		return nil
	}
	it, ok, err := r.itemAt(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	if !ok {
		r.reply(ctx, req.Chat, "Numero non valido. Controlla la tua /list.")
		return nil
	}
	err = r.deps.Capacity.DeleteItem(ctx, req.FromID, it.ID)
	if errors.Is(err, storage.ErrNotFound) {
		r.reply(ctx, req.Chat, "Il prodotto non esiste più.")
		return nil
	}
	if err != nil {
		return err
	}
	req.Log.Info("item deleted", logx.Int64("item_id", it.ID))
	r.reply(ctx, req.Chat, fmt.Sprintf("🗑 %s eliminato.", tgui.B(tgui.TruncRunes(it.DisplayName(), listNameRunes))))
	return nil
}

func (r *Router) cmdUpdate(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		r.reply(ctx, req.Chat, usageText("/update <n> <nome|prezzo|scadenza|soglia> <valore>"))
		return nil
	}
	it, ok, err := r.itemAt(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	if !ok {
		r.reply(ctx, req.Chat, "Numero non valido. Controlla la tua /list.")
		return nil
	}

	value := strings.Join(req.Args[2:], " ")
	var p capacity.Patch
	switch strings.ToLower(req.Args[1]) {
	case "nome", "name":
		name, err := ValidateName(value)
		if err != nil || name == "" {
			r.reply(ctx, req.Chat, fmt.Sprintf("✏️ Il nome deve avere tra %d e %d caratteri.", minNameLen, maxNameLen))
			return nil
		}
		p.Name = &name
	case "prezzo", "price":
		price, err := ParsePrice(value)
		if err != nil {
			r.reply(ctx, req.Chat, "💶 Prezzo non valido. Esempio: 59,90")
			return nil
		}
		p.PricePaid = &price
	case "soglia", "threshold":
		th, err := ParseThreshold(value, it.PricePaid)
		if err != nil {
			r.reply(ctx, req.Chat, "🎯 La soglia deve essere inferiore al prezzo pagato.")
			return nil
		}
		p.Threshold = &th
	case "scadenza", "deadline":
		exp, err := ParseDeadline(value, clock.Today(r.deps.Clock))
		if err != nil {
			r.reply(ctx, req.Chat, "📅 Scadenza non valida: un numero di giorni (1-365) oppure una data da domani in poi.")
			return nil
		}
		p.Expiry = &exp
	default:
		r.reply(ctx, req.Chat, "Campo sconosciuto. Usa nome, prezzo, scadenza o soglia.")
		return nil
	}

	updated, err := r.deps.Capacity.UpdateItem(ctx, req.FromID, it.ID, p)
	switch {
	case errors.Is(err, capacity.ErrInvalidThreshold):
		r.reply(ctx, req.Chat, "🎯 La soglia deve restare inferiore al prezzo pagato.")
		return nil
	case errors.Is(err, storage.ErrNotFound):
		r.reply(ctx, req.Chat, "Il prodotto non esiste più.")
		return nil
	case err != nil:
		return err
	}
	req.Log.Info("item updated", logx.Int64("item_id", it.ID), logx.String("field", req.Args[1]))
	r.reply(ctx, req.Chat, fmt.Sprintf("✅ %s aggiornato.", tgui.B(tgui.TruncRunes(updated.DisplayName(), listNameRunes))))
	return nil
}

func (r *Router) cmdLimit(ctx context.Context, req *Request) error {
	u, err := r.deps.Capacity.Usage(ctx, req.FromID)
	if errors.Is(err, capacity.ErrUnknownUser) {
		r.reply(ctx, req.Chat, "Usa /start per registrarti.")
		return nil
	}
	if err != nil {
		return err
	}
	var b tgui.Builder
	b.Printf("📊 Stai monitorando %s prodotti su %s.\n", tgui.B(strconv.Itoa(u.Count)), tgui.B(strconv.Itoa(u.Limit)))
	b.Printf("Slot liberi: %s", tgui.B(strconv.Itoa(u.Remaining())))
	if u.Limit < r.deps.Capacity.Rules().GlobalMax {
		b.Line().Line()
		b.Text("Vuoi più slot? Invita un amico con /share.")
	}
	r.reply(ctx, req.Chat, b.String())
	return nil
}

func (r *Router) cmdShare(ctx context.Context, req *Request) error {
	link := r.referralLink(req.FromID)
	rules := r.deps.Capacity.Rules()
	text := "Uso RepackIt per monitorare i prezzi dei miei acquisti Amazon: se scendono durante il reso mi avvisa."
	if rules.InvitedBonus > 0 {
		text += fmt.Sprintf(" Iscriviti con il mio link e parti con %d slot in più!", rules.InvitedBonus)
	}

	var b tgui.Builder
	b.Printf("🤝 %s\n\n", tgui.B("Invita un amico"))
	if rules.ReferralBonus > 0 {
		b.Printf("Quando un amico si iscrive con il tuo link e aggiunge il suo primo prodotto, ricevi %s slot. ",
			tgui.B("+"+strconv.Itoa(rules.ReferralBonus)))
	}
	if rules.InvitedBonus > 0 {
		b.Printf("Lui parte con %s slot in più.", tgui.B(strconv.Itoa(rules.InvitedBonus)))
	}
	b.Printf("\n\n")
	b.Printf("Il tuo link: %s", tgui.Code(link))

	r.send(ctx, req.Chat, b.String(), &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Actions:        []transport.Action{dispatch.ShareAction("📢 Condividi", text, link)},
	})
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	admin := isAdmin(req.FromID, r.snapshot().AdminIDs)
	var b tgui.Builder
	b.Printf("ℹ️ %s\n", tgui.B("Comandi"))
	r.mu.RLock()
	for _, access := range []Access{AccessEveryone, AccessAdmin} {
		if access == AccessAdmin && !admin {
			break
		}
		for _, c := range r.ordered {
			if c.Access == access {
				b.Printf("\n%s - %s", tgui.Code(c.Usage), c.Description)
			}
		}
	}
	r.mu.RUnlock()
	r.reply(ctx, req.Chat, b.String())
	return nil
}

func (r *Router) cmdStats(ctx context.Context, req *Request) error {
	st, err := r.deps.Items.Stats(ctx)
	if err != nil {
		return err
	}
	var b tgui.Builder
	b.Printf("📈 %s\n\n", tgui.B("Statistiche"))
	b.Printf("Utenti: %d\n", st.Users)
	b.Printf("Prodotti monitorati: %d (%d unici)\n", st.Items, st.UniqueItems)
	b.Printf("Prodotti aggiunti in totale: %d\n", st.ItemsTotal)
	b.Printf("Risparmi generati: €%s", domain.FormatEUR(domain.FromCents(st.SavingsCents)))
	r.reply(ctx, req.Chat, b.String())
	return nil
}

func (r *Router) cmdHealth(ctx context.Context, req *Request) error {
	if r.deps.Health == nil {
		r.reply(ctx, req.Chat, "Health check non configurato.")
		return nil
	}
	rep, err := r.deps.Health.Report(ctx)
	if err != nil {
		return err
	}
	icon := "✅"
	if !rep.Healthy() {
		icon = "⚠️"
	}
	var b tgui.Builder
	b.Printf("%s Stato: %s\n", icon, tgui.B(rep.Status))
	for _, name := range []string{"refresh", "check", "cleanup"} {
		tr, ok := rep.Tasks[name]
		if !ok {
			continue
		}
		last := tr.LastRun
		if last == "" {
			last = "-"
		}
		b.Printf("\n%s: %s (%s)", tgui.Code(name), tr.Status, last)
	}
	if rep.StartupTime != "" {
		b.Printf("\n\nAvvio: %s", rep.StartupTime)
	}
	r.reply(ctx, req.Chat, b.String())
	return nil
}

func usageText(usage string) string {
	return "Uso: " + tgui.Code(usage).String()
}
