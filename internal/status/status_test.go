package status

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs_MatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("reserve: %w", ErrOutOfStock.With("only 2 GA left", nil))

	assert.ErrorIs(t, err, ErrOutOfStock)
	assert.NotErrorIs(t, err, ErrInventoryConflict)
	assert.Equal(t, "only 2 GA left", MessageOf(err))
}

func TestErrorUnwrap_KeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := ErrGatewayUnavailable.With("create payment", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrDiscountExpired, http.StatusBadRequest},
		{ErrInvalidCode, http.StatusNotFound},
		{ErrNotOrderOwner, http.StatusForbidden},
		{ErrMaxUsesReached, http.StatusConflict},
		{ErrGatewayAuth, http.StatusBadGateway},
		{ErrGatewayValidation, http.StatusUnprocessableEntity},
		{ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{ErrGatewayTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(ReasonOf(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrGatewayTimeout))
	assert.True(t, Retryable(fmt.Errorf("capture: %w", ErrGatewayUnavailable)))
	assert.False(t, Retryable(ErrGatewayAuth))
	assert.False(t, Retryable(ErrOutOfStock))
	assert.False(t, Retryable(errors.New("boom")))
}

func TestMessageOf_HidesInternalDetails(t *testing.T) {
	assert.Equal(t, "internal error", MessageOf(errors.New("sql: database is locked")))
	assert.Equal(t, "internal error", MessageOf(Internal(errors.New("disk full"))))
}
