// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"stockly/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	AlertStore
	TargetStore
	DeliveryLog

	// Lifecycle
	Close() error
}

// AlertStore manages price alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error)
	ListActiveAlerts(ctx context.Context) ([]models.Alert, error)
	SetAlertStatus(ctx context.Context, id string, status models.AlertStatus) error
}

// TargetStore manages device registrations.
type TargetStore interface {
	RegisterPushTarget(ctx context.Context, target *models.PushTarget) error
	ListPushTargets(ctx context.Context, alert models.Alert) ([]models.PushTarget, error)
	ListUserTargets(ctx context.Context, userID string, includeInactive bool) ([]models.PushTarget, error)
	DeactivatePushTarget(ctx context.Context, token string) error
}

// DeliveryLog is the audit trail of push attempts.
type DeliveryLog interface {
	RecordDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, filter DeliveryFilter) ([]models.DeliveryAttempt, error)
}

// AlertFilter represents filters for querying alerts.
type AlertFilter struct {
	UserID string
	Symbol string
	Status models.AlertStatus
	Limit  int
}

// DeliveryFilter represents filters for querying delivery attempts.
type DeliveryFilter struct {
	AlertID      string
	UserID       string
	FailuresOnly bool
	Since        time.Time
	Limit        int
}
