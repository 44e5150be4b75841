// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotConfigured          = errors.New("not configured")
	ErrPriceSourceUnavailable = errors.New("price source unavailable")
	ErrNoPrices               = errors.New("no prices returned")
	ErrCredentials            = errors.New("push credentials unavailable")
	ErrKVUnavailable          = errors.New("kv store unavailable")
	ErrAlertNotFound          = errors.New("alert not found")
	ErrTargetNotFound         = errors.New("push target not found")
	ErrConfigInvalid          = errors.New("invalid configuration")
	ErrInputValidation        = errors.New("input validation failed")
)

// SystemicError marks a failure that aborts a whole cron pass.
// Stage names the pipeline step that failed (load_alerts, fetch_prices, load_state).
type SystemicError struct {
	Stage string
	Err   error
}

func (e *SystemicError) Error() string {
	return fmt.Sprintf("systemic error [%s]: %v", e.Stage, e.Err)
}

func (e *SystemicError) Unwrap() error {
	return e.Err
}

// NewSystemicError creates a new SystemicError.
func NewSystemicError(stage string, err error) *SystemicError {
	return &SystemicError{
		Stage: stage,
		Err:   err,
	}
}

// DeliveryError represents a failed call to the push gateway.
type DeliveryError struct {
	Kind    string
	Status  string // gateway status string, e.g. NOT_FOUND
	Code    int    // HTTP status code, 0 for transport failures
	Message string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery error [%s] status=%s code=%d: %s: %v", e.Kind, e.Status, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("delivery error [%s] status=%s code=%d: %s", e.Kind, e.Status, e.Code, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewDeliveryError creates a new DeliveryError.
func NewDeliveryError(kind, status string, code int, message string, err error) *DeliveryError {
	return &DeliveryError{
		Kind:    kind,
		Status:  status,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// PriceError represents a failed quote lookup.
type PriceError struct {
	Symbols []string
	Message string
	Err     error
}

func (e *PriceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("price error %v: %s: %v", e.Symbols, e.Message, e.Err)
	}
	return fmt.Sprintf("price error %v: %s", e.Symbols, e.Message)
}

func (e *PriceError) Unwrap() error {
	return e.Err
}

// NewPriceError creates a new PriceError.
func NewPriceError(symbols []string, message string, err error) *PriceError {
	return &PriceError{
		Symbols: symbols,
		Message: message,
		Err:     err,
	}
}

// StoreError represents a persistence failure.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store error [%s] %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store error [%s]: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{
		Op:  op,
		Key: key,
		Err: err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsSystemic reports whether err aborted a whole pass.
func IsSystemic(err error) bool {
	var se *SystemicError
	return errors.As(err, &se)
}
