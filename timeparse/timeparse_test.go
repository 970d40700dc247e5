package timeparse

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, time.March, 14, hour, minute, 0, 0, time.UTC)
}

func TestParseRelative(t *testing.T) {
	now := at(15, 10)

	tests := []struct {
		name     string
		spec     string
		expected time.Time
	}{
		{name: "Minutes", spec: "10 minutes", expected: now.Add(10 * time.Minute)},
		{name: "Plural hours with one", spec: "1 hours", expected: now.Add(time.Hour)},
		{name: "Singular hour", spec: "3 hour", expected: now.Add(3 * time.Hour)},
		{name: "Days", spec: "2 days", expected: now.Add(48 * time.Hour)},
		{name: "Weeks", spec: "1 week", expected: now.Add(7 * 24 * time.Hour)},
		{name: "Short form without space", spec: "45m", expected: now.Add(45 * time.Minute)},
		{name: "Upper case and padding", spec: "  5 MINUTES ", expected: now.Add(5 * time.Minute)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Parse(tc.spec, now)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		now      time.Time
		expected time.Time
	}{
		{name: "Later today", spec: "3:06pm", now: at(14, 0), expected: at(15, 6)},
		{name: "Already passed rolls to tomorrow", spec: "3:06pm", now: at(15, 10), expected: at(15, 6).AddDate(0, 0, 1)},
		{name: "Exactly now rolls to tomorrow", spec: "3:10pm", now: at(15, 10), expected: at(15, 10).AddDate(0, 0, 1)},
		{name: "Morning", spec: "10:14am", now: at(8, 0), expected: at(10, 14)},
		{name: "Midnight", spec: "12:00am", now: at(8, 0), expected: at(0, 0).AddDate(0, 0, 1)},
		{name: "Noon", spec: "12:30pm", now: at(8, 0), expected: at(12, 30)},
		{name: "Upper case meridiem with space", spec: "9:05 PM", now: at(8, 0), expected: at(21, 5)},
		{name: "24 hour clock", spec: "18:45", now: at(8, 0), expected: at(18, 45)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Parse(tc.spec, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
			assert.True(t, result.After(tc.now))
		})
	}
}

func TestParseInvalid(t *testing.T) {
	specs := []string{
		"not a time",
		"",
		"0 minutes",
		"10 fortnights",
		"13:00pm",
		"0:30am",
		"25:00",
		"3:75pm",
		"-5 minutes",
		"minutes",
		"200000 days",
		"9999999999 weeks",
		"99999999999999999999 seconds",
		"3651 days",
	}

	for _, spec := range specs {
		t.Run(spec, func(t *testing.T) {
			_, err := Parse(spec, at(12, 0))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse), "expected ErrParse, got %v", err)
		})
	}
}

func TestParseLongestOffset(t *testing.T) {
	now := at(12, 0)

	result, err := Parse("3650 days", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(MaxOffset), result)
	assert.True(t, result.After(now))

	result, err = Parse("521 weeks", now)
	require.NoError(t, err)
	assert.True(t, result.After(now))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("10 minutes"))
	assert.Error(t, Validate("whenever"))
}
