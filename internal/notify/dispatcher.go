// Package notify delivers push notifications through an FCM HTTP v1 style gateway.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "stockly/internal/errors"
	"stockly/internal/logging"
	"stockly/pkg/utils"
)

// Message is one push to one device token.
type Message struct {
	Token string
	Title string
	Body  string
	// Data values are sent as strings; the gateway rejects other types.
	Data map[string]any
}

// Result is the outcome of Send. ShouldCleanupToken is always populated so
// the caller can deactivate dead tokens.
type Result struct {
	Success            bool
	MessageID          string
	Attempts           int
	ErrorKind          ErrorKind
	ErrorMessage       string
	Permanent          bool
	ShouldCleanupToken bool
}

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, msg Message) Result
	ResetCredentials()
}

// DispatcherConfig configures the push gateway client.
type DispatcherConfig struct {
	Endpoint    string
	ProjectID   string
	Timeout     time.Duration
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultDelays is the backoff between attempts.
var DefaultDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1000 * time.Millisecond}

// Dispatcher sends messages with bounded retries and error classification.
type Dispatcher struct {
	endpoint string
	tokens   TokenSource
	client   *http.Client
	retry    utils.RetryConfig
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, tokens TokenSource, logger zerolog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Delays) == 0 {
		cfg.Delays = DefaultDelays
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://fcm.googleapis.com"
	}

	return &Dispatcher{
		endpoint: fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(cfg.Endpoint, "/"), cfg.ProjectID),
		tokens:   tokens,
		client:   &http.Client{Timeout: cfg.Timeout},
		retry: utils.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
			Delays:      cfg.Delays,
			ShouldRetry: func(err error) bool {
				var de *apperrors.DeliveryError
				if errors.As(err, &de) {
					return !ClassificationFor(ErrorKind(de.Kind)).Permanent
				}
				return true
			},
		},
		logger: logger,
	}
}

// ResetCredentials forgets the cached bearer token so the next Send
// performs a fresh exchange. Called once per cron pass.
func (d *Dispatcher) ResetCredentials() {
	d.tokens.Invalidate()
}

// Send delivers msg, retrying transient failures. Permanent failures stop
// after the first attempt.
func (d *Dispatcher) Send(ctx context.Context, msg Message) Result {
	var res Result

	id, err := utils.RetryWithResult(ctx, d.retry, func() (string, error) {
		res.Attempts++
		id, err := d.attempt(ctx, msg)
		if err != nil {
			d.logger.Debug().
				Err(err).
				Str("token", logging.MaskToken(msg.Token)).
				Int("attempt", res.Attempts).
				Msg("Push attempt failed")
		}
		return id, err
	})
	if err == nil {
		res.Success = true
		res.MessageID = id
		return res
	}

	kind := KindUnknown
	var de *apperrors.DeliveryError
	if errors.As(err, &de) {
		kind = ErrorKind(de.Kind)
	}
	c := ClassificationFor(kind)
	res.ErrorKind = c.Kind
	res.ErrorMessage = err.Error()
	res.Permanent = c.Permanent
	res.ShouldCleanupToken = c.CleanupToken
	return res
}

// attempt performs one gateway call. Panics inside are turned into an
// UNKNOWN_ERROR so they share the retry budget.
func (d *Dispatcher) attempt(ctx context.Context, msg Message) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewDeliveryError(string(KindUnknown), "", 0, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	bearer, err := d.tokens.Token(ctx)
	if err != nil {
		kind := KindUnauthenticated
		if c := Classify(Failure{Message: err.Error()}); c.Kind == KindNetworkError {
			kind = KindNetworkError
		}
		return "", apperrors.NewDeliveryError(string(kind), "", 0, "obtaining bearer token", err)
	}

	body, err := json.Marshal(buildRequest(msg))
	if err != nil {
		return "", apperrors.NewDeliveryError(string(KindUnknown), "", 0, "encoding message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.NewDeliveryError(string(KindUnknown), "", 0, "creating request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	start := time.Now()
	resp, err := d.client.Do(req)
	logging.LogAPICall(d.logger, http.MethodPost, "messages:send", time.Since(start), err)
	if err != nil {
		c := Classify(Failure{Message: err.Error()})
		return "", apperrors.NewDeliveryError(string(c.Kind), "", 0, "sending message", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok sendResponse
		_ = json.Unmarshal(raw, &ok)
		return ok.Name, nil
	}

	f := parseFailure(resp.StatusCode, raw)
	c := Classify(f)
	if c.Kind == KindUnauthenticated {
		d.tokens.Invalidate()
	}
	return "", apperrors.NewDeliveryError(string(c.Kind), f.Status, f.HTTPStatus, f.Message, nil)
}

type sendRequest struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	Token        string            `json:"token"`
	Notification wireNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *wireAndroid      `json:"android,omitempty"`
	APNS         *wireAPNS         `json:"apns,omitempty"`
}

type wireNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type wireAndroid struct {
	Priority string `json:"priority"`
}

type wireAPNS struct {
	Payload map[string]any `json:"payload"`
}

type sendResponse struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func buildRequest(msg Message) sendRequest {
	return sendRequest{Message: wireMessage{
		Token:        msg.Token,
		Notification: wireNotification{Title: msg.Title, Body: msg.Body},
		Data:         StringifyData(msg.Data),
		Android:      &wireAndroid{Priority: "high"},
		APNS:         &wireAPNS{Payload: map[string]any{"aps": map[string]any{"sound": "default"}}},
	}}
}

func parseFailure(status int, raw []byte) Failure {
	f := Failure{HTTPStatus: status, Message: strings.TrimSpace(string(raw))}

	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return f
	}
	f.Status = er.Error.Status
	if er.Error.Message != "" {
		f.Message = er.Error.Message
	}
	for _, d := range er.Error.Details {
		if d.ErrorCode != "" {
			f.ErrorCode = d.ErrorCode
			break
		}
	}
	return f
}
