package intake

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"repackit/internal/clock"
)

const (
	minNameLen  = 3
	maxNameLen  = 100
	maxDeadline = 365
)

var (
	ErrPriceFormat     = errors.New("price: not a number")
	ErrPriceRange      = errors.New("price: must be positive")
	ErrThresholdFormat = errors.New("threshold: not a number")
	ErrThresholdRange  = errors.New("threshold: must be zero or more and below the price paid")
	ErrDeadlineFormat  = errors.New("deadline: unrecognised format")
	ErrDeadlineRange   = errors.New("deadline: must be from tomorrow up to one year")
	ErrNameLength      = errors.New("name: length out of range")
	ErrReferralFormat  = errors.New("referral: malformed reference")
)

// amounts accept up to 16 digits with an optional comma or dot decimal part.
var amountPattern = regexp.MustCompile(`^\d{1,16}(?:[.,]\d{1,2})?$`)

var dateLayouts = []string{"02-01-2006", "02/01/2006", "2006-01-02"}

func parseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "€"))
	if !amountPattern.MatchString(s) {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.Replace(s, ",", ".", 1))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ParsePrice reads a positive amount such as "59.90", "59,90" or "€59".
func ParsePrice(raw string) (decimal.Decimal, error) {
	d, ok := parseAmount(raw)
	if !ok {
		return decimal.Decimal{}, ErrPriceFormat
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, ErrPriceRange
	}
	return d, nil
}

// ParseThreshold reads the minimum saving. It must stay below paid.
func ParseThreshold(raw string, paid decimal.Decimal) (decimal.Decimal, error) {
	d, ok := parseAmount(raw)
	if !ok {
		return decimal.Decimal{}, ErrThresholdFormat
	}
	if d.IsNegative() || d.GreaterThanOrEqual(paid) {
		return decimal.Decimal{}, ErrThresholdRange
	}
	return d, nil
}

// ParseDeadline accepts a number of days (1..365) or a date in dd-mm-yyyy,
// dd/mm/yyyy or yyyy-mm-dd. The result is at least tomorrow.
func ParseDeadline(raw string, today time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	today = clock.Date(today)
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 1 || n > maxDeadline {
			return time.Time{}, ErrDeadlineRange
		}
		return today.AddDate(0, 0, n), nil
	}
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, raw, time.UTC)
		if err != nil {
			continue
		}
		if !t.After(today) || t.After(today.AddDate(0, 0, maxDeadline)) {
			return time.Time{}, ErrDeadlineRange
		}
		return t, nil
	}
	return time.Time{}, ErrDeadlineFormat
}

// ValidateName trims the optional display name; empty is allowed.
func ValidateName(raw string) (string, error) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return "", nil
	}
	if n := utf8.RuneCountInString(s); n < minNameLen || n > maxNameLen {
		return "", ErrNameLength
	}
	return s, nil
}

// ParseReferral reads a /start payload: "ref_<id>", "<id>" or nothing.
func ParseReferral(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, nil
	}
	s := strings.TrimPrefix(strings.TrimSpace(args[0]), "ref_")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrReferralFormat
	}
	return id, nil
}
