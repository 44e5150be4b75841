package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		failure   Failure
		kind      ErrorKind
		permanent bool
		cleanup   bool
	}{
		{"status not found", Failure{HTTPStatus: 404, Status: "NOT_FOUND"}, KindNotFound, true, true},
		{"unregistered code", Failure{ErrorCode: "UNREGISTERED"}, KindNotFound, true, true},
		{"invalid argument", Failure{HTTPStatus: 400, Status: "INVALID_ARGUMENT"}, KindInvalidArgument, true, true},
		{"sender mismatch", Failure{ErrorCode: "SENDER_ID_MISMATCH"}, KindPermissionDenied, true, false},
		{"unauthenticated", Failure{HTTPStatus: 401}, KindUnauthenticated, false, false},
		{"quota", Failure{ErrorCode: "QUOTA_EXCEEDED"}, KindResourceExhausted, false, false},
		{"rate limited", Failure{HTTPStatus: 429}, KindResourceExhausted, false, false},
		{"unavailable", Failure{HTTPStatus: 503}, KindUnavailable, false, false},
		{"deadline", Failure{Status: "DEADLINE_EXCEEDED"}, KindDeadlineExceeded, false, false},
		{"gateway timeout", Failure{HTTPStatus: 504}, KindDeadlineExceeded, false, false},
		{"connection reset", Failure{Message: "read: connection reset by peer"}, KindNetworkError, false, false},
		{"client timeout", Failure{Message: "Client.Timeout exceeded while awaiting headers"}, KindNetworkError, false, false},
		{"internal", Failure{HTTPStatus: 500, Status: "INTERNAL"}, KindUnknown, false, false},
		{"empty", Failure{}, KindUnknown, false, false},
		{"lower-case status", Failure{Status: "not_found"}, KindNotFound, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.failure)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.permanent, c.Permanent)
			assert.Equal(t, tt.cleanup, c.CleanupToken)
		})
	}
}

func TestClassifyStructuredBeatsText(t *testing.T) {
	c := Classify(Failure{Status: "NOT_FOUND", Message: "connection to device lost"})
	assert.Equal(t, KindNotFound, c.Kind)
}

func TestClassificationForUnknownKind(t *testing.T) {
	assert.Equal(t, KindUnknown, ClassificationFor("SOMETHING_NEW").Kind)
}
