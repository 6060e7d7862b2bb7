package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"MailRota/internal/models"
)

// httpError is an error with a status code and a message safe to show
// clients.
type httpError struct {
	Code    int
	Message string
	Fields  map[string][]string
	cause   error
}

func (e *httpError) Error() string { return e.Message }

func (e *httpError) Unwrap() error { return e.cause }

func errBadRequest(message string, cause error) *httpError {
	return &httpError{Code: http.StatusBadRequest, Message: message, cause: cause}
}

func errNotFound(message string) *httpError {
	return &httpError{Code: http.StatusNotFound, Message: message}
}

func errUnavailable(message string) *httpError {
	return &httpError{Code: http.StatusServiceUnavailable, Message: message}
}

// appHandler is a handler that reports failure by returning an error.
type appHandler func(w http.ResponseWriter, r *http.Request) error

// makeHandler writes a JSON error for anything h returns. Unknown errors are
// logged and surface as a generic 500.
func makeHandler(log *zap.Logger, h appHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		he := toHTTPError(err)
		fields := []zap.Field{
			zap.Int("code", he.Code),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		}
		if he.Code >= http.StatusInternalServerError {
			log.Error("request failed", fields...)
		} else {
			log.Debug("request rejected", fields...)
		}

		body := map[string]any{"error": he.Message}
		if len(he.Fields) > 0 {
			body["fields"] = he.Fields
		}
		writeJSON(w, he.Code, body)
	}
}

func toHTTPError(err error) *httpError {
	var he *httpError
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &he):
		return he
	case errors.As(err, &verrs):
		return &httpError{
			Code:    http.StatusUnprocessableEntity,
			Message: "validation failed",
			Fields:  models.ValidationFields(verrs),
			cause:   err,
		}
	case errors.Is(err, models.ErrTaskNotFound):
		return &httpError{Code: http.StatusNotFound, Message: "task not found", cause: err}
	case errors.Is(err, models.ErrSenderNotFound):
		return &httpError{Code: http.StatusNotFound, Message: "sender not found", cause: err}
	case errors.Is(err, models.ErrStatusConflict), errors.Is(err, models.ErrInvalidTransition):
		return &httpError{Code: http.StatusConflict, Message: "task is not in a state that allows this action", cause: err}
	case errors.Is(err, models.ErrLastEnabledSender):
		return &httpError{Code: http.StatusConflict, Message: models.ErrLastEnabledSender.Error(), cause: err}
	default:
		return &httpError{
			Code:    http.StatusInternalServerError,
			Message: "internal server error",
			cause:   fmt.Errorf("unhandled: %w", err),
		}
	}
}
