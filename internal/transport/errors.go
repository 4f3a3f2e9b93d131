package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/pslog"

	"pkt.systems/keyrename/internal/correlation"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/replica"
)

// Error codes carried in ErrorResponse.
const (
	CodeInvalidMessage    = "invalid_message"
	CodeWrongStore        = "wrong_store"
	CodeNotRequest        = "not_request"
	CodeProtocolViolation = "protocol_violation"
	CodeReplicaFaulted    = "replica_faulted"
	CodeLocked            = "locked"
	CodeInternal          = "internal_error"
)

// ErrorResponse is the JSON error envelope of every keyrename endpoint.
type ErrorResponse struct {
	ErrorCode string `json:"error"`
	Detail    string `json:"detail,omitempty"`
}

// HTTPError is a handler error with a status code and a stable code.
type HTTPError struct {
	Status int
	Code   string
	Detail string
}

func (e HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// APIError is an error response decoded by Client.
type APIError struct {
	Status   int
	Response ErrorResponse
	Body     []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("keyrename: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("keyrename: status %d", e.Status)
}

// Unwrap maps replica failure codes back onto the replica sentinels.
func (e *APIError) Unwrap() error {
	switch e.Response.ErrorCode {
	case CodeProtocolViolation:
		return replica.ErrProtocolViolation
	case CodeReplicaFaulted:
		return replica.ErrFaulted
	case CodeLocked:
		return replica.ErrLocked
	case CodeWrongStore:
		return replica.ErrWrongStore
	case CodeNotRequest:
		return replica.ErrNotRequest
	}
	return nil
}

// Retryable reports whether the request may succeed when repeated.
func (e *APIError) Retryable() bool {
	if e.Response.ErrorCode == CodeProtocolViolation || e.Response.ErrorCode == CodeReplicaFaulted {
		return false
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as an ErrorResponse. Errors that are not an
// HTTPError become 500 internal_error.
func WriteError(ctx context.Context, w http.ResponseWriter, logger pslog.Logger, err error) {
	logger = correlation.Logger(ctx, loggingutil.FromContext(ctx, logger))
	var httpErr HTTPError
	if !errors.As(err, &httpErr) {
		logger.Error("http.request.internal_error", "error", err)
		httpErr = HTTPError{Status: http.StatusInternalServerError, Code: CodeInternal, Detail: err.Error()}
	} else {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	}
	if id := correlation.ID(ctx); id != "" {
		w.Header().Set(correlation.Header, id)
	}
	WriteJSON(w, httpErr.Status, ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
}

// replicaError maps replica errors onto HTTP errors.
func replicaError(err error) error {
	switch {
	case errors.Is(err, replica.ErrProtocolViolation):
		return HTTPError{Status: http.StatusInternalServerError, Code: CodeProtocolViolation, Detail: err.Error()}
	case errors.Is(err, replica.ErrFaulted):
		return HTTPError{Status: http.StatusServiceUnavailable, Code: CodeReplicaFaulted, Detail: err.Error()}
	case errors.Is(err, replica.ErrLocked):
		return HTTPError{Status: http.StatusConflict, Code: CodeLocked, Detail: err.Error()}
	case errors.Is(err, replica.ErrWrongStore):
		return HTTPError{Status: http.StatusBadRequest, Code: CodeWrongStore, Detail: err.Error()}
	case errors.Is(err, replica.ErrNotRequest):
		return HTTPError{Status: http.StatusBadRequest, Code: CodeNotRequest, Detail: err.Error()}
	}
	return err
}
