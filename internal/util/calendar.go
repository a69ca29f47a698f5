package util

import (
	"time"
)

// VendorDateLayout is the numeric YYYYMMDD date format used by the
// Vietnamese brokerages.
const VendorDateLayout = "20060102"

// Clock returns the current time.
type Clock func() time.Time

// TradingCalendar provides vendor-local calendar dates. Brokerages bucket
// orders by their own calendar day, not the caller's.
type TradingCalendar struct {
	loc *time.Location
	now Clock
}

// NewTradingCalendar creates a TradingCalendar for the named IANA location.
// An unknown location falls back to a fixed UTC+7 zone. A nil clock uses
// time.Now.
func NewTradingCalendar(location string, now Clock) *TradingCalendar {
	loc, err := time.LoadLocation(location)
	if err != nil {
		loc = time.FixedZone("ICT", 7*60*60)
	}
	if now == nil {
		now = time.Now
	}
	return &TradingCalendar{loc: loc, now: now}
}

// Location returns the calendar's timezone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// Now returns the current time in the calendar's timezone.
func (tc *TradingCalendar) Now() time.Time {
	return tc.now().In(tc.loc)
}

// Today returns midnight of the current vendor day.
func (tc *TradingCalendar) Today() time.Time {
	return tc.DateOf(tc.now())
}

// DateOf truncates t to midnight of its vendor-local day.
func (tc *TradingCalendar) DateOf(t time.Time) time.Time {
	t = t.In(tc.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, tc.loc)
}

// Format renders t's vendor-local date as YYYYMMDD.
func (tc *TradingCalendar) Format(t time.Time) string {
	return t.In(tc.loc).Format(VendorDateLayout)
}

// OnOrAfter reports whether t falls on or after start's calendar day, both
// evaluated in the vendor timezone.
func (tc *TradingCalendar) OnOrAfter(t, start time.Time) bool {
	return !tc.DateOf(t).Before(tc.CalendarDay(start))
}

// CalendarDay interprets start as a calendar date in the vendor timezone.
// Dates built at UTC midnight (e.g. parsed from "2006-01-02") keep their
// Y/M/D rather than shifting.
func (tc *TradingCalendar) CalendarDay(start time.Time) time.Time {
	y, m, d := start.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, tc.loc)
}
