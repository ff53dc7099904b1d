package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"repackit/internal/domain"
)

const userColumns = `id, COALESCE(username, ''), COALESCE(language, ''), item_limit,
	COALESCE(referrer_id, 0), bonus_given, created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var (
		u       domain.User
		bonus   int
		created string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Language, &u.Limit, &u.ReferrerID, &bonus, &created); err != nil {
		return domain.User{}, err
	}
	u.BonusGiven = bonus != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return u, nil
}

func getUser(ctx context.Context, q querier, id int64) (domain.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) User(ctx context.Context, id int64) (domain.User, error) {
	return getUser(ctx, s.db, id)
}

func (tx *Tx) User(ctx context.Context, id int64) (domain.User, error) {
	return getUser(ctx, tx.q, id)
}

// CreateUser inserts u unless the id already exists. The referrer is only
// ever written here, so it is set once.
func (tx *Tx) CreateUser(ctx context.Context, u domain.User) (bool, error) {
	res, err := tx.q.ExecContext(ctx,
		`INSERT INTO users(id, username, language, item_limit, referrer_id, bonus_given, created_at)
		 VALUES(?,?,?,?,?,0,?)
		 ON CONFLICT(id) DO NOTHING`,
		u.ID, nullStr(u.Username), nullStr(u.Language), u.Limit, nullInt64(u.ReferrerID),
		tx.now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TouchUser refreshes profile fields of an existing user.
func (tx *Tx) TouchUser(ctx context.Context, id int64, username, language string) error {
	_, err := tx.q.ExecContext(ctx,
		`UPDATE users SET username = COALESCE(?, username), language = COALESCE(?, language) WHERE id = ?`,
		nullStr(username), nullStr(language), id)
	return err
}

func (tx *Tx) SetLimit(ctx context.Context, id int64, limit int) error {
	res, err := tx.q.ExecContext(ctx, `UPDATE users SET item_limit = ? WHERE id = ?`, limit, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkBonusGiven flips the write-once referral flag. It reports false when
// the flag was already set.
func (tx *Tx) MarkBonusGiven(ctx context.Context, id int64) (bool, error) {
	res, err := tx.q.ExecContext(ctx, `UPDATE users SET bonus_given = 1 WHERE id = ? AND bonus_given = 0`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UserIDs returns every registered user id in ascending order.
func (s *Store) UserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
