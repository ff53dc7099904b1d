// Package pricing turns the tracked item set into one price observation per
// distinct lookup key, with as few provider calls as possible.
package pricing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrCredentials means the provider credential could not be obtained.
	// It is not retried and aborts the whole fetch.
	ErrCredentials = errors.New("pricing credentials unavailable")
	// ErrNotFound is a definitive "no such item" from the provider.
	ErrNotFound = errors.New("item not found at provider")
	// ErrMalformed marks an unparseable provider payload (retried).
	ErrMalformed = errors.New("malformed provider response")
)

// Quote is one price returned by a provider.
type Quote struct {
	Price decimal.Decimal
	Title string
}

// Provider fetches prices for up to MaxBatch identifiers of one marketplace
// per call. Identifiers missing from the result have no price. Permanent
// failures are wrapped with retry.NoRetry; everything else is retried.
type Provider interface {
	Name() string
	MaxBatch() int
	Fetch(ctx context.Context, marketplace string, asins []string) (map[string]Quote, error)
}

// Price bounds accepted from any provider.
var (
	MinPrice = decimal.RequireFromString("0.01")
	MaxPrice = decimal.NewFromInt(999999)
)

// InRange reports whether p is a plausible product price.
func InRange(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(MinPrice) && p.LessThanOrEqual(MaxPrice)
}
