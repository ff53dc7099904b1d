package dispatch

import (
	"fmt"
	"net/url"
	"strings"

	"repackit/internal/decision"
	"repackit/internal/domain"
	"repackit/internal/transport"
	"repackit/pkg/tgui"
)

// MessageConfig carries the link settings used when rendering alerts.
type MessageConfig struct {
	AffiliateTag string
	BotUsername  string
}

func (c MessageConfig) botLink() string {
	name := strings.TrimPrefix(strings.TrimSpace(c.BotUsername), "@")
	if name == "" {
		name = "repackit_bot"
	}
	return "https://t.me/" + name
}

// PriceDrop renders the alert for n as a Telegram HTML request.
func PriceDrop(n decision.Notification, mc MessageConfig) Request {
	it := n.Item
	var b tgui.Builder
	b.Printf("🎉 %s\n\n", tgui.B("Prezzo in calo su Amazon!"))
	b.Printf("📦 %s\n\n", tgui.B(it.DisplayName()))
	b.Printf("Prezzo attuale: %s\n", tgui.B("€"+n.Price.StringFixed(2)))
	b.Printf("Prezzo pagato: €%s\n", it.PricePaid.StringFixed(2))
	b.Printf("💰 Risparmio: %s\n\n", tgui.B("€"+n.Savings.StringFixed(2)))
	b.Printf("📅 Scadenza reso: %s (%s)\n\n", tgui.DateIT(it.Expiry), tgui.DaysLeft(n.DaysLeft))
	b.Printf("🔗 %s", tgui.Link("Vai al prodotto", domain.AffiliateURL(it.Key, mc.AffiliateTag)))

	share := fmt.Sprintf("🎉 Ho appena risparmiato €%s su Amazon grazie a @%s! "+
		"Monitora i tuoi acquisti e ti avvisa se il prezzo scende. Provalo!",
		n.Savings.StringFixed(2), strings.TrimPrefix(mc.botLink(), "https://t.me/"))

	return Request{
		Ref:  fmt.Sprintf("item:%d", it.ID),
		To:   transport.ChatTarget{ChatID: it.UserID},
		Text: b.String(),
		Options: &transport.SendOptions{
			ParseMode: "HTML",
			Actions:   []transport.Action{ShareAction("📢 Dillo a un amico", share, mc.botLink())},
		},
	}
}

// ShareAction builds a t.me share button prefilled with text.
func ShareAction(label, text, link string) transport.Action {
	q := url.Values{}
	q.Set("url", link)
	q.Set("text", text)
	return transport.Action{Text: label, URL: "https://t.me/share/url?" + q.Encode()}
}
