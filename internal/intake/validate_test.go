package intake

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
		err  error
	}{
		{"59.90", "59.9", nil},
		{"59,90", "59.9", nil},
		{"€12", "12", nil},
		{"0", "", ErrPriceRange},
		{"-3", "", ErrPriceFormat},
		{"12.345", "", ErrPriceFormat},
		{"abc", "", ErrPriceFormat},
		{"12345678901234567", "", ErrPriceFormat},
	}
	for _, tc := range cases {
		got, err := ParsePrice(tc.in)
		if !errors.Is(err, tc.err) {
			t.Fatalf("ParsePrice(%q) err = %v, want %v", tc.in, err, tc.err)
		}
		if tc.err == nil && got.String() != tc.want {
			t.Fatalf("ParsePrice(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseThreshold(t *testing.T) {
	t.Parallel()
	paid := decimal.RequireFromString("50")
	cases := []struct {
		in  string
		err error
	}{
		{"0", nil},
		{"5,50", nil},
		{"49.99", nil},
		{"50", ErrThresholdRange},
		{"60", ErrThresholdRange},
		{"x", ErrThresholdFormat},
	}
	for _, tc := range cases {
		if _, err := ParseThreshold(tc.in, paid); !errors.Is(err, tc.err) {
			t.Fatalf("ParseThreshold(%q) err = %v, want %v", tc.in, err, tc.err)
		}
	}
}

func TestParseDeadline(t *testing.T) {
	t.Parallel()
	today := time.Date(2025, 6, 10, 23, 30, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want string
		err  error
	}{
		{"30", "2025-07-10", nil},
		{"1", "2025-06-11", nil},
		{"0", "", ErrDeadlineRange},
		{"366", "", ErrDeadlineRange},
		{"11-06-2025", "2025-06-11", nil},
		{"20/07/2025", "2025-07-20", nil},
		{"2025-08-01", "2025-08-01", nil},
		{"10-06-2025", "", ErrDeadlineRange},
		{"2027-01-01", "", ErrDeadlineRange},
		{"next week", "", ErrDeadlineFormat},
	}
	for _, tc := range cases {
		got, err := ParseDeadline(tc.in, today)
		if !errors.Is(err, tc.err) {
			t.Fatalf("ParseDeadline(%q) err = %v, want %v", tc.in, err, tc.err)
		}
		if tc.err == nil && got.Format("2006-01-02") != tc.want {
			t.Fatalf("ParseDeadline(%q) = %s, want %s", tc.in, got.Format("2006-01-02"), tc.want)
		}
	}
}

func TestValidateName(t *testing.T) {
	t.Parallel()
	if got, err := ValidateName("  Cuffie   Sony  "); err != nil || got != "Cuffie Sony" {
		t.Fatalf("ValidateName = %q, %v", got, err)
	}
	if got, err := ValidateName(""); err != nil || got != "" {
		t.Fatalf("empty name = %q, %v", got, err)
	}
	if _, err := ValidateName("ab"); !errors.Is(err, ErrNameLength) {
		t.Fatalf("short name err = %v", err)
	}
}

func TestParseReferral(t *testing.T) {
	t.Parallel()
	cases := []struct {
		args []string
		want int64
		err  error
	}{
		{nil, 0, nil},
		{[]string{"42"}, 42, nil},
		{[]string{"ref_42"}, 42, nil},
		{[]string{"ref_"}, 0, ErrReferralFormat},
		{[]string{"-1"}, 0, ErrReferralFormat},
		{[]string{"hello"}, 0, ErrReferralFormat},
	}
	for _, tc := range cases {
		got, err := ParseReferral(tc.args)
		if !errors.Is(err, tc.err) || got != tc.want {
			t.Fatalf("ParseReferral(%v) = %d, %v", tc.args, got, err)
		}
	}
}
