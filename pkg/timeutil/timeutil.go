// Package timeutil provides timezone utilities for the campus timezone
// (Asia/Manila, UTC+8). Schedules are authored in local wall-clock time, so
// session materialization and day boundaries must be timezone-aware.
// No external dependencies - uses only standard library.
package timeutil

import (
	"time"
)

// CampusTZ is the campus timezone (UTC+8, no DST). The Philippines has not
// observed DST since 1990, so a fixed zone is safe year-round.
var CampusTZ = time.FixedZone("Asia/Manila", 8*60*60)

// Now returns the current time in the campus timezone.
func Now() time.Time {
	return time.Now().In(CampusTZ)
}

// ToCampus converts a time to the campus timezone.
func ToCampus(t time.Time) time.Time {
	return t.In(CampusTZ)
}

// Date creates a time in the campus timezone with the given date.
func Date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, CampusTZ)
}

// DateTime creates a time in the campus timezone with date and time.
func DateTime(year, month, day, hour, min, sec int) time.Time {
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, CampusTZ)
}

// StartOfDay returns 00:00:00 of the given time's day in campus time.
func StartOfDay(t time.Time) time.Time {
	local := ToCampus(t)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, CampusTZ)
}

// EndOfDay returns 23:59:59.999999999 of the given time's day in campus time.
func EndOfDay(t time.Time) time.Time {
	local := ToCampus(t)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 999999999, CampusTZ)
}

// OnDay combines a wall-clock time (hour/minute taken from clock) with the
// date of day, in campus time. Used to materialize timetable entries onto a
// concrete date.
func OnDay(day time.Time, clock time.Time) time.Time {
	d := ToCampus(day)
	c := ToCampus(clock)
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, CampusTZ)
}

// SameDay checks whether two times fall on the same campus-time day.
func SameDay(a, b time.Time) bool {
	la, lb := ToCampus(a), ToCampus(b)
	return la.Year() == lb.Year() && la.Month() == lb.Month() && la.Day() == lb.Day()
}

// IsToday checks if the given time is today in campus time.
func IsToday(t time.Time) bool {
	return SameDay(t, Now())
}

// IsWeekend checks if the given time is on a weekend.
func IsWeekend(t time.Time) bool {
	weekday := ToCampus(t).Weekday()
	return weekday == time.Saturday || weekday == time.Sunday
}

// Common date/time formats.
const (
	// FormatDate is the standard date format (YYYY-MM-DD).
	FormatDate = "2006-01-02"
	// FormatTime is the standard time format (HH:MM).
	FormatTime = "15:04"
	// FormatDateTime is the standard datetime format.
	FormatDateTime = "2006-01-02 15:04"
)

// FormatCampus formats a time in campus timezone with the given layout.
func FormatCampus(t time.Time, layout string) string {
	return ToCampus(t).Format(layout)
}

// FormatDateStr formats a time as a date string (YYYY-MM-DD) in campus time.
func FormatDateStr(t time.Time) string {
	return FormatCampus(t, FormatDate)
}

// FormatTimeStr formats a time as a time string (HH:MM) in campus time.
func FormatTimeStr(t time.Time) string {
	return FormatCampus(t, FormatTime)
}
