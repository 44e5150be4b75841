package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemicErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("cron pass: %w", NewSystemicError("fetch_prices", ErrPriceSourceUnavailable))

	assert.True(t, IsSystemic(err))
	assert.True(t, Is(err, ErrPriceSourceUnavailable))
	assert.Contains(t, err.Error(), "fetch_prices")
}

func TestDeliveryErrorAs(t *testing.T) {
	err := Wrap(NewDeliveryError("NOT_FOUND", "NOT_FOUND", 404, "Requested entity was not found.", nil), "send")

	var de *DeliveryError
	assert.True(t, As(err, &de))
	assert.Equal(t, 404, de.Code)
	assert.False(t, IsSystemic(err))
}

func TestValidationErrorMatchesSentinel(t *testing.T) {
	err := NewValidationError("threshold", -1.0, "must be positive")
	assert.True(t, Is(err, ErrInputValidation))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))
}
