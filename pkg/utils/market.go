package utils

import (
	"fmt"
	"time"
)

// NewYorkLocation is the timezone for US equity markets.
var NewYorkLocation *time.Location

func init() {
	var err error
	NewYorkLocation, err = time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback to EST; DST is lost but sessions stay roughly aligned
		NewYorkLocation = time.FixedZone("EST", -5*60*60)
	}
}

// MarketStatus represents the current market session.
type MarketStatus string

const (
	MarketPreOpen  MarketStatus = "PRE_OPEN"
	MarketOpen     MarketStatus = "OPEN"
	MarketPostOpen MarketStatus = "AFTER_HOURS"
	MarketClosed   MarketStatus = "CLOSED"
)

// GetMarketStatus returns the US equity session status at t.
func GetMarketStatus(t time.Time) MarketStatus {
	now := t.In(NewYorkLocation)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return MarketClosed
	}

	timeMinutes := now.Hour()*60 + now.Minute()

	switch {
	// Pre-market: 4:00 - 9:30
	case timeMinutes >= 240 && timeMinutes < 570:
		return MarketPreOpen
	// Regular session: 9:30 - 16:00
	case timeMinutes >= 570 && timeMinutes < 960:
		return MarketOpen
	// After hours: 16:00 - 20:00
	case timeMinutes >= 960 && timeMinutes < 1200:
		return MarketPostOpen
	}

	return MarketClosed
}

// IsMarketOpen returns true if the regular session is open at t.
func IsMarketOpen(t time.Time) bool {
	return GetMarketStatus(t) == MarketOpen
}

// GetNextMarketOpen returns the next regular session opening after t.
func GetNextMarketOpen(t time.Time) time.Time {
	now := t.In(NewYorkLocation)

	next := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, NewYorkLocation)
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}

	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}

	return next
}

// QuietHours is a daily local-time window during which passes are skipped.
// A window whose end precedes its start wraps past midnight.
type QuietHours struct {
	StartMinute int
	EndMinute   int
	Location    *time.Location
	enabled     bool
}

// ParseQuietHours builds a window from "HH:MM" bounds. Empty bounds disable it.
func ParseQuietHours(start, end string, loc *time.Location) (QuietHours, error) {
	if loc == nil {
		loc = time.UTC
	}
	if start == "" && end == "" {
		return QuietHours{Location: loc}, nil
	}

	s, err := time.Parse("15:04", start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("parsing quiet hours start %q: %w", start, err)
	}
	e, err := time.Parse("15:04", end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("parsing quiet hours end %q: %w", end, err)
	}

	return QuietHours{
		StartMinute: s.Hour()*60 + s.Minute(),
		EndMinute:   e.Hour()*60 + e.Minute(),
		Location:    loc,
		enabled:     s != e,
	}, nil
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.enabled {
		return false
	}

	local := t.In(q.Location)
	m := local.Hour()*60 + local.Minute()

	if q.StartMinute < q.EndMinute {
		return m >= q.StartMinute && m < q.EndMinute
	}
	return m >= q.StartMinute || m < q.EndMinute
}
