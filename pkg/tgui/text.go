package tgui

import (
	"strconv"
	"time"
	"unicode/utf8"
)

// TruncRunes returns s cut to at most n runes, with "…" appended when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// DateIT renders a date as dd/mm/yyyy.
func DateIT(t time.Time) string { return t.Format("02/01/2006") }

// DaysLeft renders a countdown to a deadline the way the bot phrases it.
func DaysLeft(days int) H {
	switch {
	case days > 1:
		return Esc("tra " + strconv.Itoa(days) + " giorni")
	case days == 1:
		return Esc("domani")
	case days == 0:
		return B("oggi")
	default:
		return B("scaduto")
	}
}
