// Package timeparse turns the time strings offered to users ("10 minutes",
// "3:06pm") into absolute fire instants.
//
// Supported forms:
//   - Time of day: "3:06pm", "10:14 AM", "15:30". A time at or before now
//     rolls forward to the same wall-clock time tomorrow.
//   - Relative offset: "<amount> <unit>" with unit one of seconds, minutes,
//     hours, days or weeks (singular, plural and short forms), e.g.
//     "10 minutes", "1 hours", "2d". Offsets longer than MaxOffset are
//     rejected.
package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrParse is returned when a string matches neither supported form
var ErrParse = errors.New("invalid time")

// MaxOffset is the longest relative offset accepted
const MaxOffset = 10 * 365 * 24 * time.Hour

var (
	reClock    = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*(am|pm)?$`)
	reRelative = regexp.MustCompile(`^(\d+)\s*([a-z]+)$`)
)

var units = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// Parse converts spec into an instant strictly after now
func Parse(spec string, now time.Time) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(spec))
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", ErrParse)
	}

	if m := reClock.FindStringSubmatch(s); m != nil {
		return parseClock(spec, m, now)
	}
	if m := reRelative.FindStringSubmatch(s); m != nil {
		return parseRelative(spec, m, now)
	}

	return time.Time{}, fmt.Errorf("%w %q (use a time of day like '3:06pm' or an offset like '10 minutes')", ErrParse, spec)
}

func parseClock(spec string, m []string, now time.Time) (time.Time, error) {
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if minute > 59 {
		return time.Time{}, fmt.Errorf("%w %q: minutes out of range", ErrParse, spec)
	}

	switch m[3] {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return time.Time{}, fmt.Errorf("%w %q: hour out of range", ErrParse, spec)
		}
		hour %= 12
		if m[3] == "pm" {
			hour += 12
		}
	default:
		if hour > 23 {
			return time.Time{}, fmt.Errorf("%w %q: hour out of range", ErrParse, spec)
		}
	}

	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

func parseRelative(spec string, m []string, now time.Time) (time.Time, error) {
	unit, ok := units[m[2]]
	if !ok {
		return time.Time{}, fmt.Errorf("%w %q: unknown unit %q", ErrParse, spec, m[2])
	}
	amount, err := strconv.Atoi(m[1])
	if err != nil || amount <= 0 {
		return time.Time{}, fmt.Errorf("%w %q: amount must be a positive integer", ErrParse, spec)
	}
	if int64(amount) > int64(MaxOffset/unit) {
		return time.Time{}, fmt.Errorf("%w %q: offset longer than %d days", ErrParse, spec, int(MaxOffset/(24*time.Hour)))
	}
	return now.Add(time.Duration(amount) * unit), nil
}

// Validate reports whether spec could be parsed, without caring about the result
func Validate(spec string) error {
	_, err := Parse(spec, time.Now())
	return err
}
