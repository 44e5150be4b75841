package models

import "time"

// DeliveryAttempt is the audit record of one push dispatch, successful or not.
type DeliveryAttempt struct {
	ID                 string
	AlertID            string
	UserID             string
	Symbol             string
	Token              string
	Title              string
	Body               string
	Payload            map[string]string
	Success            bool
	ErrorKind          string
	ErrorMessage       string
	Attempts           int
	Permanent          bool
	ShouldCleanupToken bool
	CreatedAt          time.Time
}
