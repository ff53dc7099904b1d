// Package decision decides, per tracked item, whether a price drop is worth
// a notification this cycle.
package decision

import (
	"time"

	"github.com/shopspring/decimal"

	"repackit/internal/clock"
	"repackit/internal/domain"
)

// Reason explains a decision. It is logged and counted, never shown to users.
type Reason string

const (
	ReasonNotify        Reason = "notify"
	ReasonNoObservation Reason = "no_observation"
	ReasonNoSavings     Reason = "no_savings"
	ReasonBelowMinimum  Reason = "below_threshold"
	ReasonNotBelowBase  Reason = "not_below_baseline"
)

// Notification is an alert request. The item's last_notified_price is only
// lowered to Price after the alert is delivered.
type Notification struct {
	Item     domain.TrackedItem
	Price    decimal.Decimal
	Savings  decimal.Decimal
	DaysLeft int
}

// Evaluate applies the rules in order: no observation, no savings, savings
// under the threshold, price not below the baseline. Only a price strictly
// below both the paid price and the last notified price yields a
// notification.
func Evaluate(it domain.TrackedItem, obs domain.Observation, ok bool, today time.Time) (Notification, Reason) {
	if !ok {
		return Notification{}, ReasonNoObservation
	}
	savings := it.PricePaid.Sub(obs.Price)
	if !savings.IsPositive() {
		return Notification{}, ReasonNoSavings
	}
	if savings.LessThan(it.Threshold) {
		return Notification{}, ReasonBelowMinimum
	}
	if obs.Price.GreaterThanOrEqual(it.Baseline()) {
		return Notification{}, ReasonNotBelowBase
	}
	return Notification{
		Item:     it,
		Price:    obs.Price,
		Savings:  savings,
		DaysLeft: clock.DaysBetween(today, it.Expiry),
	}, ReasonNotify
}

// Summary counts decision outcomes for one cycle.
type Summary map[Reason]int

// EvaluateAll evaluates every item against the observation map and returns
// the notifications in item order.
func EvaluateAll(items []domain.TrackedItem, obs map[domain.LookupKey]domain.Observation, today time.Time) ([]Notification, Summary) {
	sum := Summary{}
	var out []Notification
	for _, it := range items {
		o, ok := obs[it.Key]
		n, reason := Evaluate(it, o, ok, today)
		sum[reason]++
		if reason == ReasonNotify {
			out = append(out, n)
		}
	}
	return out, sum
}
