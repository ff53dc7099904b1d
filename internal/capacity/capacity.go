// Package capacity enforces per-user item limits and the referral bonus.
//
// Every check-and-mutate runs inside one storage transaction: the count, the
// insert, the post-insert count and the bonus gate are read and written in
// the same serialized section.
package capacity

import (
	"context"
	"errors"
	"fmt"

	"repackit/internal/clock"
	"repackit/internal/domain"
	"repackit/internal/metrics"
	"repackit/internal/storage"
	"repackit/pkg/logx"
)

var (
	ErrLimitReached     = errors.New("item limit reached")
	ErrUnknownUser      = errors.New("user not registered")
	ErrInvalidThreshold = errors.New("threshold must be >= 0 and below the price paid")
	ErrInvalidPrice     = errors.New("price must be positive")
	ErrExpired          = errors.New("expiry date is in the past")
	ErrInvalidKey       = errors.New("lookup key is incomplete")
)

const (
	DefaultInitialLimit = 3
	DefaultGlobalMax    = 21
	DefaultBonus        = 3
)

// Rules are the slot accounting constants. A zero field takes its default;
// a negative bonus turns that bonus off.
type Rules struct {
	InitialLimit  int
	GlobalMax     int
	ReferralBonus int // added to the referrer on the invitee's first item
	InvitedBonus  int // added to the invitee at registration
}

// Normalized resolves defaults. The result has no zero limits and no
// negative bonuses.
func (r Rules) Normalized() Rules {
	if r.InitialLimit <= 0 {
		r.InitialLimit = DefaultInitialLimit
	}
	if r.GlobalMax <= 0 {
		r.GlobalMax = DefaultGlobalMax
	}
	if r.GlobalMax < r.InitialLimit {
		r.GlobalMax = r.InitialLimit
	}
	r.ReferralBonus = bonusOrDefault(r.ReferralBonus)
	r.InvitedBonus = bonusOrDefault(r.InvitedBonus)
	return r
}

func bonusOrDefault(v int) int {
	switch {
	case v == 0:
		return DefaultBonus
	case v < 0:
		return 0
	default:
		return v
	}
}

func (r Rules) clamp(limit int) int {
	return max(r.InitialLimit, min(limit, r.GlobalMax))
}

type Manager struct {
	store   *storage.Store
	clock   clock.Clock
	rules   Rules
	log     logx.Logger
	metrics *metrics.Metrics
}

func New(store *storage.Store, clk clock.Clock, rules Rules, log logx.Logger) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	return &Manager{store: store, clock: clk, rules: rules.Normalized(), log: log}
}

func (m *Manager) Rules() Rules { return m.rules }

// SetMetrics records referral trigger outcomes on mt.
func (m *Manager) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// ReferralStatus describes what happened to a referral reference at
// registration.
type ReferralStatus int

const (
	ReferralNone ReferralStatus = iota
	ReferralAccepted
	ReferralSelf
	ReferralUnknown
	// ReferralIgnored means the user already existed; the referrer is never
	// changed after creation.
	ReferralIgnored
)

type RegisterRequest struct {
	UserID     int64
	Username   string
	Language   string
	ReferrerID int64
}

type RegisterResult struct {
	User     domain.User
	Created  bool
	Referral ReferralStatus
}

// Register creates the user on first contact. A valid referrer raises the
// invitee's starting limit; a self or unknown reference is dropped and the
// user starts with the default limit.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	var res RegisterResult
	err := m.store.InTx(ctx, func(tx *storage.Tx) error {
		existing, err := tx.User(ctx, req.UserID)
		if err == nil {
			if err := tx.TouchUser(ctx, req.UserID, req.Username, req.Language); err != nil {
				return err
			}
			res = RegisterResult{User: existing}
			if req.ReferrerID != 0 {
				res.Referral = ReferralIgnored
			}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		u := domain.User{
			ID:       req.UserID,
			Username: req.Username,
			Language: req.Language,
			Limit:    m.rules.InitialLimit,
		}
		switch {
		case req.ReferrerID == 0:
			res.Referral = ReferralNone
		case req.ReferrerID == req.UserID:
			res.Referral = ReferralSelf
		default:
			if _, err := tx.User(ctx, req.ReferrerID); errors.Is(err, storage.ErrNotFound) {
				res.Referral = ReferralUnknown
			} else if err != nil {
				return err
			} else {
				res.Referral = ReferralAccepted
				u.ReferrerID = req.ReferrerID
				u.Limit = m.rules.clamp(m.rules.InitialLimit + m.rules.InvitedBonus)
			}
		}

		if _, err := tx.CreateUser(ctx, u); err != nil {
			return err
		}
		res.User = u
		res.Created = true
		return nil
	})
	if err != nil {
		return RegisterResult{}, fmt.Errorf("register user %d: %w", req.UserID, err)
	}

	switch res.Referral {
	case ReferralSelf, ReferralUnknown:
		m.log.Warn("referral rejected",
			logx.Int64("user_id", req.UserID),
			logx.Int64("referrer_id", req.ReferrerID),
			logx.Bool("self", res.Referral == ReferralSelf))
	case ReferralAccepted:
		m.log.Info("referred user registered",
			logx.Int64("user_id", req.UserID),
			logx.Int64("referrer_id", req.ReferrerID),
			logx.Int("limit", res.User.Limit))
	}
	return res, nil
}
