package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"repackit/internal/domain"
)

const itemColumns = `id, user_id, marketplace, asin, COALESCE(name, ''), price_paid, threshold,
	expiry, last_notified_price, created_at`

func scanItem(row interface{ Scan(...any) error }) (domain.TrackedItem, error) {
	var (
		it              domain.TrackedItem
		paid, threshold int64
		expiry, created string
		lastNotified    sql.NullInt64
	)
	err := row.Scan(&it.ID, &it.UserID, &it.Key.Marketplace, &it.Key.ASIN, &it.Name,
		&paid, &threshold, &expiry, &lastNotified, &created)
	if err != nil {
		return domain.TrackedItem{}, err
	}
	it.PricePaid = domain.FromCents(paid)
	it.Threshold = domain.FromCents(threshold)
	if it.Expiry, err = time.Parse(domain.DateLayout, expiry); err != nil {
		return domain.TrackedItem{}, fmt.Errorf("item %d: bad expiry %q: %w", it.ID, expiry, err)
	}
	if lastNotified.Valid {
		it.LastNotified = decimal.NewNullDecimal(domain.FromCents(lastNotified.Int64))
	}
	it.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return it, nil
}

func queryItems(ctx context.Context, q querier, query string, args ...any) ([]domain.TrackedItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TrackedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func countItems(ctx context.Context, q querier, userID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

func (s *Store) CountItems(ctx context.Context, userID int64) (int, error) {
	return countItems(ctx, s.db, userID)
}

func (tx *Tx) CountItems(ctx context.Context, userID int64) (int, error) {
	return countItems(ctx, tx.q, userID)
}

// InsertItem adds a tracked item. The capacity trigger turns an insert past
// the owner's limit into ErrCapacity.
func (tx *Tx) InsertItem(ctx context.Context, it domain.NewItem) (int64, error) {
	res, err := tx.q.ExecContext(ctx,
		`INSERT INTO items(user_id, marketplace, asin, name, price_paid, threshold, expiry, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		it.UserID, it.Key.Marketplace, it.Key.ASIN, nullStr(it.Name),
		domain.ToCents(it.PricePaid), domain.ToCents(it.Threshold),
		it.Expiry.UTC().Format(domain.DateLayout), tx.now.Format(time.RFC3339Nano),
	)
	if isCapacityAbort(err) {
		return 0, ErrCapacity
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ItemsByUser lists a user's items in creation order.
func (s *Store) ItemsByUser(ctx context.Context, userID int64) ([]domain.TrackedItem, error) {
	return queryItems(ctx, s.db,
		`SELECT `+itemColumns+` FROM items WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// ActiveItems lists items whose expiry is today or later.
func (s *Store) ActiveItems(ctx context.Context, today time.Time) ([]domain.TrackedItem, error) {
	return queryItems(ctx, s.db,
		`SELECT `+itemColumns+` FROM items WHERE expiry >= ? ORDER BY id`,
		today.UTC().Format(domain.DateLayout))
}

func (s *Store) DeleteItem(ctx context.Context, userID, itemID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ? AND user_id = ?`, itemID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes items whose expiry is strictly before today.
func (s *Store) DeleteExpired(ctx context.Context, today time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE expiry < ?`,
		today.UTC().Format(domain.DateLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordNotification lowers last_notified_price to price and adds savings to
// the running total. The update only applies while the new price is below
// the stored one, so it never raises the baseline. It reports whether the
// row changed.
func (s *Store) RecordNotification(ctx context.Context, itemID int64, price, savings decimal.Decimal) (bool, error) {
	var changed bool
	err := s.InTx(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx,
			`UPDATE items SET last_notified_price = ?
			 WHERE id = ? AND (last_notified_price IS NULL OR last_notified_price > ?)`,
			domain.ToCents(price), itemID, domain.ToCents(price))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		changed = true
		return tx.AddMetric(ctx, MetricTotalSavings, domain.ToCents(savings))
	})
	return changed, err
}

func (tx *Tx) Item(ctx context.Context, userID, itemID int64) (domain.TrackedItem, error) {
	it, err := scanItem(tx.q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ? AND user_id = ?`, itemID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TrackedItem{}, ErrNotFound
	}
	return it, err
}

// UpdateItem rewrites the user-editable fields of an item.
func (tx *Tx) UpdateItem(ctx context.Context, it domain.TrackedItem) error {
	res, err := tx.q.ExecContext(ctx,
		`UPDATE items SET name = ?, price_paid = ?, threshold = ?, expiry = ?
		 WHERE id = ? AND user_id = ?`,
		nullStr(it.Name), domain.ToCents(it.PricePaid), domain.ToCents(it.Threshold),
		it.Expiry.UTC().Format(domain.DateLayout), it.ID, it.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
