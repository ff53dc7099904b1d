package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ToCents converts an amount to integer minor units, rounding half away
// from zero.
func ToCents(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// FormatEUR renders an amount the Italian way ("59,90").
func FormatEUR(d decimal.Decimal) string {
	s := d.StringFixed(2)
	out := []byte(s)
	for i := range out {
		if out[i] == '.' {
			out[i] = ','
		}
	}
	return string(out)
}
