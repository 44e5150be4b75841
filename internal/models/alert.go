// Package models defines the domain types shared by the alert pipeline.
package models

import (
	"strings"
	"time"
)

// Direction is the side of the threshold an alert watches.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

// AlertStatus represents the lifecycle status of an alert.
type AlertStatus string

const (
	AlertActive  AlertStatus = "active"
	AlertPaused  AlertStatus = "paused"
	AlertDeleted AlertStatus = "deleted"
)

// Alert represents a price alert owned by a user.
type Alert struct {
	ID        string
	UserID    string
	Symbol    string
	Direction Direction
	Threshold float64
	Status    AlertStatus
	Target    string // legacy single push token, used when the user has no devices
	Notes     string
	CreatedAt time.Time
}

// IsActive returns true if the alert takes part in evaluation.
func (a *Alert) IsActive() bool {
	return a.Status == AlertActive
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// AlertStateSnapshot is the persisted edge-trigger state of one alert.
// The zero value is the state of an alert that has never been evaluated.
type AlertStateSnapshot struct {
	LastConditionMet bool       `json:"lastConditionMet"`
	LastPrice        *float64   `json:"lastPrice,omitempty"`
	LastTriggeredAt  *time.Time `json:"lastTriggeredAt,omitempty"`
}

// PushTarget is a device registration able to receive push messages.
type PushTarget struct {
	Token      string
	UserID     string
	Platform   string // ios, android, web
	Active     bool
	CreatedAt  time.Time
	LastSeenAt time.Time
}
