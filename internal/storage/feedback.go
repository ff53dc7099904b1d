package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"repackit/internal/domain"
)

// ErrFeedbackTooSoon means the user already left feedback inside the
// rate-limit window.
var ErrFeedbackTooSoon = errors.New("feedback rate limited")

// AddFeedback stores a message unless the user's previous one is newer than
// at minus every. The check and the insert share one transaction. On
// ErrFeedbackTooSoon the returned time is the previous submission.
func (s *Store) AddFeedback(ctx context.Context, userID int64, message string, at time.Time, every time.Duration) (domain.Feedback, time.Time, error) {
	var (
		fb   domain.Feedback
		prev time.Time
	)
	err := s.InTx(ctx, func(tx *Tx) error {
		last, ok, err := lastFeedback(ctx, tx.q, userID)
		if err != nil {
			return err
		}
		if ok && every > 0 && at.Sub(last) < every {
			prev = last
			return ErrFeedbackTooSoon
		}
		res, err := tx.q.ExecContext(ctx,
			`INSERT INTO feedback(user_id, message, created_at) VALUES(?,?,?)`,
			userID, message, at.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		fb = domain.Feedback{ID: id, UserID: userID, Message: message, CreatedAt: at.UTC()}
		return nil
	})
	if errors.Is(err, ErrFeedbackTooSoon) {
		return domain.Feedback{}, prev, err
	}
	if err != nil {
		return domain.Feedback{}, time.Time{}, fmt.Errorf("add feedback for user %d: %w", userID, err)
	}
	return fb, time.Time{}, nil
}

// LastFeedback returns when the user last sent feedback. ok is false if never.
func (s *Store) LastFeedback(ctx context.Context, userID int64) (time.Time, bool, error) {
	return lastFeedback(ctx, s.db, userID)
}

func lastFeedback(ctx context.Context, q querier, userID int64) (time.Time, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT created_at FROM feedback WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// An unreadable timestamp does not block new feedback.
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// RecentFeedback returns up to limit messages, newest first.
func (s *Store) RecentFeedback(ctx context.Context, limit int) ([]domain.Feedback, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, message, created_at FROM feedback ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Feedback
	for rows.Next() {
		var (
			fb  domain.Feedback
			raw string
		)
		if err := rows.Scan(&fb.ID, &fb.UserID, &fb.Message, &raw); err != nil {
			return nil, err
		}
		fb.CreatedAt, _ = time.Parse(time.RFC3339Nano, raw)
		out = append(out, fb)
	}
	return out, rows.Err()
}
