package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"ticket-marketplace/internal/status"
)

func (p *paypal) setHeaders(req *http.Request, token, requestID string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")

	// PayPal replays the stored response for a repeated request id
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}
	return req
}

// APIError is the error body PayPal returns for non-2xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	DebugID    string `json:"debug_id"`
	Details    []struct {
		Field       string `json:"field"`
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
	// token endpoint errors
	OAuthError       string `json:"error"`
	OAuthDescription string `json:"error_description"`
}

func (e *APIError) Error() string {
	name, msg := e.Name, e.Message
	if name == "" {
		name, msg = e.OAuthError, e.OAuthDescription
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("paypal %d %s: %s (%s)", e.StatusCode, name, msg, e.Details[0].Issue)
	}
	return fmt.Sprintf("paypal %d %s: %s", e.StatusCode, name, msg)
}

func (e *APIError) HasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// classify maps a non-2xx response to a gateway error kind.
func classify(op string, code int, body []byte) error {
	apiErr := &APIError{StatusCode: code}
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr.Message = string(body)
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return status.ErrGatewayAuth.With(op, apiErr)
	case code == http.StatusTooManyRequests || code >= 500:
		return status.ErrGatewayUnavailable.With(op, apiErr)
	default:
		return status.ErrGatewayValidation.With(op, apiErr)
	}
}

// transportError classifies failures where no response arrived.
func transportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return status.ErrGatewayTimeout.With(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return status.ErrGatewayTimeout.With(op+": canceled", err)
	}
	return status.ErrGatewayUnavailable.With(op, err)
}

// countsAsHealthy keeps client side failures from tripping the breaker.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch status.KindOf(err) {
	case status.KindGatewayValidation, status.KindGatewayAuth:
		return true
	}
	return false
}
