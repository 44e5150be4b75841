package notify

import (
	"net/http"
	"strings"
)

// ErrorKind is the classified cause of a failed delivery.
type ErrorKind string

const (
	KindInvalidArgument   ErrorKind = "INVALID_ARGUMENT"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindPermissionDenied  ErrorKind = "PERMISSION_DENIED"
	KindUnauthenticated   ErrorKind = "UNAUTHENTICATED"
	KindResourceExhausted ErrorKind = "RESOURCE_EXHAUSTED"
	KindUnavailable       ErrorKind = "UNAVAILABLE"
	KindDeadlineExceeded  ErrorKind = "DEADLINE_EXCEEDED"
	KindNetworkError      ErrorKind = "NETWORK_ERROR"
	KindUnknown           ErrorKind = "UNKNOWN_ERROR"
)

// Classification describes how the caller should react to a failure.
type Classification struct {
	Kind      ErrorKind
	Permanent bool
	// CleanupToken means the destination token itself is dead.
	CleanupToken bool
}

var classifications = map[ErrorKind]Classification{
	KindInvalidArgument:   {Kind: KindInvalidArgument, Permanent: true, CleanupToken: true},
	KindNotFound:          {Kind: KindNotFound, Permanent: true, CleanupToken: true},
	KindPermissionDenied:  {Kind: KindPermissionDenied, Permanent: true},
	KindUnauthenticated:   {Kind: KindUnauthenticated},
	KindResourceExhausted: {Kind: KindResourceExhausted},
	KindUnavailable:       {Kind: KindUnavailable},
	KindDeadlineExceeded:  {Kind: KindDeadlineExceeded},
	KindNetworkError:      {Kind: KindNetworkError},
	KindUnknown:           {Kind: KindUnknown},
}

// ClassificationFor returns the fixed policy for a kind.
func ClassificationFor(kind ErrorKind) Classification {
	if c, ok := classifications[kind]; ok {
		return c
	}
	return classifications[KindUnknown]
}

// Failure is everything known about one failed gateway call.
type Failure struct {
	HTTPStatus int    // 0 when the request never got a response
	Status     string // gateway status, e.g. NOT_FOUND
	ErrorCode  string // FCM detail code, e.g. UNREGISTERED
	Message    string
}

type rule struct {
	name  string
	match func(Failure) (ErrorKind, bool)
}

// FCM detail codes that refine or rename the gateway status.
var fcmErrorCodes = map[string]ErrorKind{
	"UNREGISTERED":           KindNotFound,
	"INVALID_ARGUMENT":       KindInvalidArgument,
	"SENDER_ID_MISMATCH":     KindPermissionDenied,
	"QUOTA_EXCEEDED":         KindResourceExhausted,
	"UNAVAILABLE":            KindUnavailable,
	"THIRD_PARTY_AUTH_ERROR": KindUnauthenticated,
}

var httpStatuses = map[int]ErrorKind{
	http.StatusBadRequest:         KindInvalidArgument,
	http.StatusUnauthorized:       KindUnauthenticated,
	http.StatusForbidden:          KindPermissionDenied,
	http.StatusNotFound:           KindNotFound,
	http.StatusTooManyRequests:    KindResourceExhausted,
	http.StatusServiceUnavailable: KindUnavailable,
	http.StatusGatewayTimeout:     KindDeadlineExceeded,
}

var networkHints = []string{"network", "timeout", "timed out", "connection", "deadline exceeded", "eof", "no such host"}

// Structured rules run before text matching, so a message that merely
// mentions "connection" cannot mask a real NOT_FOUND.
var rules = []rule{
	{"gateway-status", func(f Failure) (ErrorKind, bool) {
		kind := ErrorKind(strings.ToUpper(strings.TrimSpace(f.Status)))
		switch kind {
		case KindInvalidArgument, KindNotFound, KindPermissionDenied, KindUnauthenticated,
			KindResourceExhausted, KindUnavailable, KindDeadlineExceeded:
			return kind, true
		}
		return "", false
	}},
	{"fcm-error-code", func(f Failure) (ErrorKind, bool) {
		kind, ok := fcmErrorCodes[strings.ToUpper(strings.TrimSpace(f.ErrorCode))]
		return kind, ok
	}},
	{"http-status", func(f Failure) (ErrorKind, bool) {
		kind, ok := httpStatuses[f.HTTPStatus]
		return kind, ok
	}},
	{"network-text", func(f Failure) (ErrorKind, bool) {
		msg := strings.ToLower(f.Message)
		for _, hint := range networkHints {
			if strings.Contains(msg, hint) {
				return KindNetworkError, true
			}
		}
		return "", false
	}},
}

// Classify maps a failure to its kind by the first matching rule.
func Classify(f Failure) Classification {
	for _, r := range rules {
		if kind, ok := r.match(f); ok {
			return ClassificationFor(kind)
		}
	}
	return ClassificationFor(KindUnknown)
}
