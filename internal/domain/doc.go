// Package domain holds the records shared by the price-check engine:
// lookup keys, tracked items, users and price observations.
//
// Money is always github.com/shopspring/decimal. Stores persist amounts as
// integer minor units (cents) via ToCents/FromCents.
package domain
