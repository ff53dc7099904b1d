package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the storage and wire format for calendar dates (UTC).
const DateLayout = "2006-01-02"

// TrackedItem is one monitored purchase.
type TrackedItem struct {
	ID     int64
	UserID int64
	Key    LookupKey
	Name   string

	PricePaid decimal.Decimal
	Threshold decimal.Decimal
	Expiry    time.Time // UTC date
	// LastNotified is the price of the last delivered alert. Once set it only
	// decreases.
	LastNotified decimal.NullDecimal
	CreatedAt    time.Time
}

// Baseline is the price a new observation has to beat.
func (it TrackedItem) Baseline() decimal.Decimal {
	if it.LastNotified.Valid {
		return it.LastNotified.Decimal
	}
	return it.PricePaid
}

// DisplayName returns the item name or an ASIN placeholder.
func (it TrackedItem) DisplayName() string {
	if it.Name != "" {
		return it.Name
	}
	return "ASIN " + it.Key.ASIN
}

type User struct {
	ID         int64
	Username   string
	Language   string
	Limit      int
	ReferrerID int64 // 0 when not referred
	BonusGiven bool
	CreatedAt  time.Time
}

func (u User) Referred() bool { return u.ReferrerID != 0 }

// Observation is the result of one provider lookup. A missing observation
// means the price is unknown this cycle.
type Observation struct {
	Key        LookupKey
	Price      decimal.Decimal
	Title      string
	ObservedAt time.Time
}

// NewItem is a validated creation request from the intake layer.
type NewItem struct {
	UserID    int64
	Key       LookupKey
	Name      string
	PricePaid decimal.Decimal
	Threshold decimal.Decimal
	Expiry    time.Time
}
