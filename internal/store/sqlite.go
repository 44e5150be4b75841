package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "stockly/internal/errors"
	"stockly/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Dispatch goroutines write delivery rows concurrently
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Price alerts
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		threshold REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		target TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Device registrations
	CREATE TABLE IF NOT EXISTS push_targets (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL
	);

	-- One row per dispatch, successful or not
	CREATE TABLE IF NOT EXISTS delivery_log (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		token TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		payload TEXT,
		success INTEGER NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL,
		permanent INTEGER NOT NULL DEFAULT 0,
		cleanup_token INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
	CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id);
	CREATE INDEX IF NOT EXISTS idx_push_targets_user ON push_targets(user_id, active);
	CREATE INDEX IF NOT EXISTS idx_delivery_log_alert ON delivery_log(alert_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_delivery_log_created ON delivery_log(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// Alerts Methods
// ============================================================================

// SaveAlert inserts or replaces an alert. A missing ID is generated.
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}
	if alert.Status == "" {
		alert.Status = models.AlertActive
	}
	alert.Symbol = models.NormalizeSymbol(alert.Symbol)

	if !alert.Direction.Valid() {
		return apperrors.NewValidationError("direction", alert.Direction, "must be 'above' or 'below'")
	}
	if alert.Symbol == "" {
		return apperrors.NewValidationError("symbol", alert.Symbol, "must not be empty")
	}
	if alert.UserID == "" {
		return apperrors.NewValidationError("user_id", alert.UserID, "must not be empty")
	}
	if math.IsNaN(alert.Threshold) || math.IsInf(alert.Threshold, 0) {
		return apperrors.NewValidationError("threshold", alert.Threshold, "must be a finite number")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (id, user_id, symbol, direction, threshold, status, target, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.UserID, alert.Symbol, string(alert.Direction), alert.Threshold,
		string(alert.Status), alert.Target, alert.Notes, alert.CreatedAt, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

const alertColumns = "id, user_id, symbol, direction, threshold, status, target, notes, created_at"

func scanAlert(row interface{ Scan(...any) error }) (models.Alert, error) {
	var a models.Alert
	var direction, status string
	err := row.Scan(&a.ID, &a.UserID, &a.Symbol, &direction, &a.Threshold, &status, &a.Target, &a.Notes, &a.CreatedAt)
	a.Direction = models.Direction(direction)
	a.Status = models.AlertStatus(status)
	return a, err
}

// GetAlert retrieves a single alert.
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return &a, nil
}

// ListAlerts retrieves alerts matching the filter, oldest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	query := "SELECT " + alertColumns + " FROM alerts WHERE 1=1"
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, models.NormalizeSymbol(filter.Symbol))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// ListActiveAlerts retrieves every alert taking part in evaluation.
func (s *SQLiteStore) ListActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	return s.ListAlerts(ctx, AlertFilter{Status: models.AlertActive})
}

// SetAlertStatus changes an alert's lifecycle status.
func (s *SQLiteStore) SetAlertStatus(ctx context.Context, id string, status models.AlertStatus) error {
	switch status {
	case models.AlertActive, models.AlertPaused, models.AlertDeleted:
	default:
		return apperrors.NewValidationError("status", status, "must be active, paused or deleted")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrAlertNotFound, id)
	}

	return nil
}

// ============================================================================
// Push Target Methods
// ============================================================================

// RegisterPushTarget upserts a device token. Re-registering reactivates it
// and moves it to the given user.
func (s *SQLiteStore) RegisterPushTarget(ctx context.Context, target *models.PushTarget) error {
	if target.Token == "" {
		return apperrors.NewValidationError("token", target.Token, "must not be empty")
	}
	if target.UserID == "" {
		return apperrors.NewValidationError("user_id", target.UserID, "must not be empty")
	}

	now := s.now().UTC()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	target.LastSeenAt = now
	target.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_targets (token, user_id, platform, active, created_at, last_seen_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			user_id = excluded.user_id,
			platform = excluded.platform,
			active = 1,
			last_seen_at = excluded.last_seen_at
	`, target.Token, target.UserID, target.Platform, target.CreatedAt, target.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to register push target: %w", err)
	}
	return nil
}

// ListPushTargets resolves an alert to the active devices of its owner.
// When the owner has none, the alert's legacy target is used if set.
func (s *SQLiteStore) ListPushTargets(ctx context.Context, alert models.Alert) ([]models.PushTarget, error) {
	targets, err := s.ListUserTargets(ctx, alert.UserID, false)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 && alert.Target != "" {
		targets = append(targets, models.PushTarget{
			Token:  alert.Target,
			UserID: alert.UserID,
			Active: true,
		})
	}
	return targets, nil
}

// ListUserTargets retrieves a user's devices, most recently seen first.
func (s *SQLiteStore) ListUserTargets(ctx context.Context, userID string, includeInactive bool) ([]models.PushTarget, error) {
	query := "SELECT token, user_id, platform, active, created_at, last_seen_at FROM push_targets WHERE user_id = ?"
	if !includeInactive {
		query += " AND active = 1"
	}
	query += " ORDER BY last_seen_at DESC"

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query push targets: %w", err)
	}
	defer rows.Close()

	var targets []models.PushTarget
	for rows.Next() {
		var t models.PushTarget
		var active int
		if err := rows.Scan(&t.Token, &t.UserID, &t.Platform, &active, &t.CreatedAt, &t.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan push target: %w", err)
		}
		t.Active = active == 1
		targets = append(targets, t)
	}

	return targets, rows.Err()
}

// DeactivatePushTarget disables a dead token, both as a registered device
// and as a legacy alert target.
func (s *SQLiteStore) DeactivatePushTarget(ctx context.Context, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE push_targets SET active = 0 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to deactivate push target: %w", err)
	}
	devices, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `UPDATE alerts SET target = '', updated_at = ? WHERE target = ?`, s.now().UTC(), token)
	if err != nil {
		return fmt.Errorf("failed to clear alert target: %w", err)
	}
	legacy, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if devices+legacy == 0 {
		return apperrors.ErrTargetNotFound
	}
	return nil
}

// ============================================================================
// Delivery Log Methods
// ============================================================================

// RecordDeliveryAttempt appends one audit row.
func (s *SQLiteStore) RecordDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = s.now().UTC()
	}

	var payload []byte
	if len(attempt.Payload) > 0 {
		var err error
		payload, err = json.Marshal(attempt.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_log (id, alert_id, user_id, symbol, token, title, body, payload, success,
			error_kind, error_message, attempts, permanent, cleanup_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, attempt.ID, attempt.AlertID, attempt.UserID, attempt.Symbol, attempt.Token, attempt.Title, attempt.Body,
		string(payload), boolToInt(attempt.Success), attempt.ErrorKind, attempt.ErrorMessage, attempt.Attempts,
		boolToInt(attempt.Permanent), boolToInt(attempt.ShouldCleanupToken), attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts retrieves audit rows, newest first.
func (s *SQLiteStore) ListDeliveryAttempts(ctx context.Context, filter DeliveryFilter) ([]models.DeliveryAttempt, error) {
	query := `SELECT id, alert_id, user_id, symbol, token, title, body, payload, success,
		error_kind, error_message, attempts, permanent, cleanup_token, created_at
		FROM delivery_log WHERE 1=1`
	args := []interface{}{}

	if filter.AlertID != "" {
		query += " AND alert_id = ?"
		args = append(args, filter.AlertID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.FailuresOnly {
		query += " AND success = 0"
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery log: %w", err)
	}
	defer rows.Close()

	var attempts []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		var payload sql.NullString
		var success, permanent, cleanup int
		if err := rows.Scan(&a.ID, &a.AlertID, &a.UserID, &a.Symbol, &a.Token, &a.Title, &a.Body, &payload,
			&success, &a.ErrorKind, &a.ErrorMessage, &a.Attempts, &permanent, &cleanup, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &a.Payload)
		}
		a.Success = success == 1
		a.Permanent = permanent == 1
		a.ShouldCleanupToken = cleanup == 1
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
