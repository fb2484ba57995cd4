// Package utils provides small shared helpers: calendar-day bucketing
// for aggregation and string truncation for prompt building.
package utils

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DayFormat is the canonical key format for daily aggregates.
const DayFormat = "2006-01-02"

// DayOf returns the UTC calendar-day key for a timestamp.
// Aggregation buckets by the publication day of the article, so a
// mention analyzed late still lands on the correct day.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// ParseDay parses a YYYY-MM-DD day key.
func ParseDay(day string) (time.Time, error) {
	return time.ParseInLocation(DayFormat, day, time.UTC)
}

// DayBounds returns the half-open UTC interval [start, end) covering
// the given day key.
func DayBounds(day string) (start, end time.Time, err error) {
	start, err = ParseDay(day)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 0, 1), nil
}

// PrevDays returns the n day keys immediately before day, most recent
// first. Used for trailing-window trend comparison.
func PrevDays(day string, n int) ([]string, error) {
	t, err := ParseDay(day)
	if err != nil {
		return nil, err
	}
	days := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		days = append(days, t.AddDate(0, 0, -i).Format(DayFormat))
	}
	return days, nil
}

// NormalizeTicker uppercases and trims a ticker symbol.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Truncate shortens s to at most n runes, appending an ellipsis when
// anything was cut. Used to bound prompt token cost.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
