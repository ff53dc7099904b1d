package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseProductURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    LookupKey
		wantErr error
	}{
		{"https://www.amazon.it/dp/B08N5WRWNW", LookupKey{"it", "B08N5WRWNW"}, nil},
		{"https://www.amazon.it/Echo-Dot/dp/B08N5WRWNW/ref=sr_1_1?x=y", LookupKey{"it", "B08N5WRWNW"}, nil},
		{"https://amazon.de/gp/product/B07XJ8C8F5", LookupKey{"de", "B07XJ8C8F5"}, nil},
		{"https://www.amazon.co.uk/d/B07XJ8C8F5", LookupKey{"uk", "B07XJ8C8F5"}, nil},
		{"https://www.amazon.com/dp/B07XJ8C8F5", LookupKey{"com", "B07XJ8C8F5"}, nil},
		{"https://www.amazon.it/s?k=echo", LookupKey{}, ErrNoASIN},
		{"not a url", LookupKey{}, ErrInvalidURL},
		{"", LookupKey{}, ErrInvalidURL},
	}
	for _, tc := range cases {
		got, err := ParseProductURL(tc.in)
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("ParseProductURL(%q) err=%v want %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseProductURL(%q)=%+v want %+v", tc.in, got, tc.want)
		}
	}
}

func TestAffiliateURL(t *testing.T) {
	t.Parallel()

	k := LookupKey{Marketplace: "it", ASIN: "B08N5WRWNW"}
	if got := AffiliateURL(k, "repack-21"); got != "https://amazon.it/dp/B08N5WRWNW?tag=repack-21" {
		t.Fatalf("got %q", got)
	}
	if got := AffiliateURL(k, ""); got != "https://amazon.it/dp/B08N5WRWNW" {
		t.Fatalf("got %q", got)
	}
}

func TestMarketplaceDomainFallback(t *testing.T) {
	t.Parallel()

	if got := MarketplaceDomain("uk"); got != "www.amazon.co.uk" {
		t.Fatalf("uk -> %q", got)
	}
	if got := MarketplaceDomain("zz"); got != "www.amazon.it" {
		t.Fatalf("zz -> %q", got)
	}
}

func TestBaseline(t *testing.T) {
	t.Parallel()

	it := TrackedItem{PricePaid: decimal.RequireFromString("59.90")}
	if !it.Baseline().Equal(it.PricePaid) {
		t.Fatalf("baseline without notification should be price paid")
	}
	it.LastNotified = decimal.NewNullDecimal(decimal.RequireFromString("50"))
	if got := it.Baseline().StringFixed(2); got != "50.00" {
		t.Fatalf("baseline = %s", got)
	}
}

func TestCents(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{"59.90": 5990, "0.01": 1, "9.999": 1000, "120": 12000}
	for in, want := range cases {
		if got := ToCents(decimal.RequireFromString(in)); got != want {
			t.Fatalf("ToCents(%s)=%d want %d", in, got, want)
		}
	}
	if got := FromCents(5990).StringFixed(2); got != "59.90" {
		t.Fatalf("FromCents = %s", got)
	}
	if got := FormatEUR(decimal.RequireFromString("9.9")); got != "9,90" {
		t.Fatalf("FormatEUR = %s", got)
	}
}
