package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the normalized form of a schedule string.
type Kind int

const (
	KindDaily Kind = iota
	KindCron
	KindInterval
)

func (k Kind) String() string {
	switch k {
	case KindDaily:
		return "daily"
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// Schedule computes the next run strictly after a given instant.
type Schedule interface {
	Next(time.Time) time.Time
}

// Spec is a parsed schedule.
type Spec struct {
	Kind     Kind
	Source   string
	Schedule Schedule
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)
	parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule accepts:
//   - "HH:MM": every day at that wall-clock time in loc
//   - cron: "0 30 9 * * *", "*/15 * * * *", "@daily"
//   - interval: "6h", "90m" (also "every:6h")
//
// A "cron:" prefix forces cron parsing.
func ParseSchedule(raw string, loc *time.Location) (Spec, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), loc, raw)
	case strings.HasPrefix(low, "every:"):
		return parseEvery(strings.TrimSpace(s[len("every:"):]), raw)
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s, loc, raw)
	case reHHMM.MatchString(s):
		return parseDaily(s, loc, raw)
	}
	if spec, err := parseEvery(s, raw); err == nil {
		return spec, nil
	}
	return Spec{}, fmt.Errorf("invalid schedule %q (use HH:MM like '09:00', cron like '0 9 * * *', or an interval like '6h')", raw)
}

func parseDaily(s string, loc *time.Location, raw string) (Spec, error) {
	m := reHHMM.FindStringSubmatch(s)
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 || mm > 59 {
		return Spec{}, fmt.Errorf("invalid time of day %q", raw)
	}
	return Spec{Kind: KindDaily, Source: raw, Schedule: daily{hour: hh, minute: mm, loc: loc}}, nil
}

func parseCron(expr string, loc *time.Location, raw string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", raw, err)
	}
	return Spec{Kind: KindCron, Source: raw, Schedule: inLocation{base: sched, loc: loc}}, nil
}

func parseEvery(v, raw string) (Spec, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q", raw)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: KindInterval, Source: raw, Schedule: every(d)}, nil
}

// daily fires once a day at hour:minute wall-clock time in loc. DST gaps
// resolve the way time.Date normalizes them.
type daily struct {
	hour, minute int
	loc          *time.Location
}

func (d daily) Next(t time.Time) time.Time {
	lt := t.In(d.loc)
	next := time.Date(lt.Year(), lt.Month(), lt.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(lt) {
		next = time.Date(lt.Year(), lt.Month(), lt.Day()+1, d.hour, d.minute, 0, 0, d.loc)
	}
	return next
}

// inLocation evaluates a cron schedule in loc.
type inLocation struct {
	base cron.Schedule
	loc  *time.Location
}

func (s inLocation) Next(t time.Time) time.Time { return s.base.Next(t.In(s.loc)) }

// every is a fixed delay after the previous instant; unlike cron.Every it
// keeps sub-second precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
