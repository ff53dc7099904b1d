package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"repackit/internal/clock"
	"repackit/internal/domain"
	"repackit/internal/storage"
	"repackit/pkg/logx"
)

// BonusOutcome reports what the first-item referral trigger did.
type BonusOutcome int

const (
	BonusNone BonusOutcome = iota
	// BonusIssued: the referrer's limit was raised.
	BonusIssued
	// BonusCapped: the referrer was already at the global maximum. The flag
	// is set and no one is told.
	BonusCapped
	// BonusReferrerMissing: the referrer no longer exists. The flag is set.
	BonusReferrerMissing
	// BonusDisabled: the referral bonus is off, so the limit did not move.
	// The flag is set.
	BonusDisabled
)

func (b BonusOutcome) String() string {
	switch b {
	case BonusIssued:
		return "issued"
	case BonusCapped:
		return "capped"
	case BonusReferrerMissing:
		return "referrer_missing"
	case BonusDisabled:
		return "disabled"
	default:
		return "none"
	}
}

type AddResult struct {
	ItemID int64
	Count  int // owner's item count after the insert
	Limit  int
	First  bool

	Bonus         BonusOutcome
	ReferrerID    int64
	ReferrerLimit int // referrer's limit after the bonus
	ReferrerGain  int // slots actually added, after the global cap
}

// AddItem checks capacity, inserts the item and evaluates the referral
// trigger in one transaction. The caller's validation is trusted except for
// the threshold/price relation and the expiry date, which are re-checked.
func (m *Manager) AddItem(ctx context.Context, it domain.NewItem) (AddResult, error) {
	if err := m.check(it); err != nil {
		return AddResult{}, err
	}

	var res AddResult
	err := m.store.InTx(ctx, func(tx *storage.Tx) error {
		u, err := tx.User(ctx, it.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownUser
		}
		if err != nil {
			return err
		}

		count, err := tx.CountItems(ctx, it.UserID)
		if err != nil {
			return err
		}
		if count >= u.Limit {
			return ErrLimitReached
		}

		id, err := tx.InsertItem(ctx, it)
		if errors.Is(err, storage.ErrCapacity) {
			return ErrLimitReached
		}
		if err != nil {
			return err
		}
		if err := tx.AddMetric(ctx, storage.MetricItemsTotal, 1); err != nil {
			return err
		}

		post, err := tx.CountItems(ctx, it.UserID)
		if err != nil {
			return err
		}
		res = AddResult{ItemID: id, Count: post, Limit: u.Limit, First: post == 1}

		if post == 1 && u.Referred() && !u.BonusGiven {
			return m.issueBonus(ctx, tx, u, &res)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLimitReached) || errors.Is(err, ErrUnknownUser) {
			return AddResult{}, err
		}
		return AddResult{}, fmt.Errorf("add item for user %d: %w", it.UserID, err)
	}

	if res.Bonus != BonusNone {
		m.metrics.Bonus(res.Bonus.String())
		m.log.Info("referral bonus evaluated",
			logx.Int64("user_id", it.UserID),
			logx.Int64("referrer_id", res.ReferrerID),
			logx.String("outcome", res.Bonus.String()),
			logx.Int("referrer_limit", res.ReferrerLimit))
	}
	return res, nil
}

// issueBonus runs inside AddItem's transaction. The write-once flag is
// flipped first; losing that race means someone else already handled it.
func (m *Manager) issueBonus(ctx context.Context, tx *storage.Tx, u domain.User, res *AddResult) error {
	flipped, err := tx.MarkBonusGiven(ctx, u.ID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}
	res.ReferrerID = u.ReferrerID

	ref, err := tx.User(ctx, u.ReferrerID)
	if errors.Is(err, storage.ErrNotFound) {
		res.Bonus = BonusReferrerMissing
		return nil
	}
	if err != nil {
		return err
	}
	if ref.Limit >= m.rules.GlobalMax {
		res.Bonus = BonusCapped
		res.ReferrerLimit = ref.Limit
		return nil
	}

	limit := min(ref.Limit+m.rules.ReferralBonus, m.rules.GlobalMax)
	if limit == ref.Limit {
		res.Bonus = BonusDisabled
		res.ReferrerLimit = ref.Limit
		return nil
	}
	if err := tx.SetLimit(ctx, ref.ID, limit); err != nil {
		return err
	}
	res.Bonus = BonusIssued
	res.ReferrerLimit = limit
	res.ReferrerGain = limit - ref.Limit
	return nil
}

func (m *Manager) check(it domain.NewItem) error {
	if it.Key.ASIN == "" || it.Key.Marketplace == "" {
		return ErrInvalidKey
	}
	if !it.PricePaid.IsPositive() {
		return ErrInvalidPrice
	}
	if it.Threshold.IsNegative() || it.Threshold.GreaterThanOrEqual(it.PricePaid) {
		return ErrInvalidThreshold
	}
	if clock.Date(it.Expiry).Before(clock.Today(m.clock)) {
		return ErrExpired
	}
	return nil
}

type Usage struct {
	Count int
	Limit int
}

func (u Usage) Remaining() int { return max(0, u.Limit-u.Count) }

// Usage reads a user's current count and limit.
func (m *Manager) Usage(ctx context.Context, userID int64) (Usage, error) {
	u, err := m.store.User(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Usage{}, ErrUnknownUser
	}
	if err != nil {
		return Usage{}, err
	}
	n, err := m.store.CountItems(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Count: n, Limit: u.Limit}, nil
}

// DeleteItem removes one of the user's items. The slot frees up because the
// count is always recomputed.
func (m *Manager) DeleteItem(ctx context.Context, userID, itemID int64) error {
	return m.store.DeleteItem(ctx, userID, itemID)
}

// Patch lists the fields to change on an existing item. Nil means keep.
type Patch struct {
	Name      *string
	PricePaid *decimal.Decimal
	Threshold *decimal.Decimal
	Expiry    *time.Time
}

// UpdateItem applies p to one of the user's items, re-checking the
// threshold against the resulting price.
func (m *Manager) UpdateItem(ctx context.Context, userID, itemID int64, p Patch) (domain.TrackedItem, error) {
	var out domain.TrackedItem
	err := m.store.InTx(ctx, func(tx *storage.Tx) error {
		it, err := tx.Item(ctx, userID, itemID)
		if err != nil {
			return err
		}
		if p.Name != nil {
			it.Name = *p.Name
		}
		if p.PricePaid != nil {
			it.PricePaid = *p.PricePaid
		}
		if p.Threshold != nil {
			it.Threshold = *p.Threshold
		}
		if p.Expiry != nil {
			it.Expiry = clock.Date(*p.Expiry)
		}
		if err := m.check(domain.NewItem{
			UserID: it.UserID, Key: it.Key, PricePaid: it.PricePaid,
			Threshold: it.Threshold, Expiry: it.Expiry,
		}); err != nil {
			return err
		}
		if err := tx.UpdateItem(ctx, it); err != nil {
			return err
		}
		out = it
		return nil
	})
	return out, err
}
