package handlers

import (
	"log/slog"
	"net/http"

	"ticket-marketplace/internal/status"

	"github.com/pocketbase/pocketbase/core"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	OrderID   string `json:"order_id,omitempty"`
}

// respondError writes the reason, the client-safe message and the status
// class of err. Internal details only go to the log.
func respondError(e *core.RequestEvent, logger *slog.Logger, err error) error {
	return respondErrorWith(e, logger, err, errorBody{})
}

func respondErrorWith(e *core.RequestEvent, logger *slog.Logger, err error, body errorBody) error {
	code := status.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "method", e.Request.Method, "path", e.Request.URL.Path)
	}

	body.Error = status.ReasonOf(err)
	body.Message = status.MessageOf(err)
	body.Retryable = status.Retryable(err)
	return e.JSON(code, body)
}

func isAdmin(e *core.RequestEvent) bool {
	if e.Auth == nil {
		return false
	}
	return e.Auth.IsSuperuser() || e.Auth.Collection().Name == "admins"
}
