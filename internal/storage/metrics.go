package storage

import (
	"context"
	"database/sql"
	"errors"
)

// Persistent counters.
const (
	MetricItemsTotal   = "items_total_count"
	MetricTotalSavings = "total_savings_generated" // cents
)

func addMetric(ctx context.Context, q querier, key string, delta int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO metrics(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = value + excluded.value`,
		key, delta)
	return err
}

func (tx *Tx) AddMetric(ctx context.Context, key string, delta int64) error {
	return addMetric(ctx, tx.q, key, delta)
}

func (s *Store) AddMetric(ctx context.Context, key string, delta int64) error {
	return addMetric(ctx, s.db, key, delta)
}

func (s *Store) Metric(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metrics WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

type Stats struct {
	Users        int   `json:"users"`
	Items        int   `json:"items"`
	UniqueItems  int   `json:"unique_items"`
	ItemsTotal   int64 `json:"items_total_count"`
	SavingsCents int64 `json:"total_savings_cents"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM users),
		  (SELECT COUNT(*) FROM items),
		  (SELECT COUNT(*) FROM (SELECT DISTINCT marketplace, asin FROM items)),
		  COALESCE((SELECT value FROM metrics WHERE key = ?), 0),
		  COALESCE((SELECT value FROM metrics WHERE key = ?), 0)`,
		MetricItemsTotal, MetricTotalSavings,
	).Scan(&st.Users, &st.Items, &st.UniqueItems, &st.ItemsTotal, &st.SavingsCents)
	return st, err
}
