// Package storage is the SQLite persistence layer (modernc.org/sqlite, no cgo).
//
// It stores users, tracked items, scheduler status timestamps and counters.
// Money is kept as integer cents. Dates are 'YYYY-MM-DD' strings in UTC.
//
// The store runs on a single connection, so every transaction is serialized
// with respect to every other write. Capacity is additionally enforced by a
// BEFORE INSERT trigger, so no code path can insert past a user's limit.
package storage
