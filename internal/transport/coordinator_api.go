package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyrename/internal/coordinator"
	"pkt.systems/keyrename/internal/correlation"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/svcfields"
)

// Coordinator API paths.
const (
	PathBegin        = "/v1/rename/begin"
	PathRenameStatus = "/v1/rename/status"
)

// Coordinator API error codes.
const (
	CodeAttemptInFlight = "attempt_in_flight"
	CodeRenameDone      = "rename_done"
	CodeCrashed         = "coordinator_crashed"
)

// RenameController is the coordinator surface served over HTTP.
type RenameController interface {
	Begin(ctx context.Context) (coordinator.Attempt, error)
	Snapshot() coordinator.Snapshot
}

// CoordinatorHandler serves the coordinator API.
type CoordinatorHandler struct {
	ctrl   RenameController
	logger pslog.Logger
	mux    *http.ServeMux
}

// NewCoordinatorHandler builds the coordinator HTTP surface.
func NewCoordinatorHandler(ctrl RenameController, logger pslog.Logger) (*CoordinatorHandler, error) {
	if ctrl == nil {
		return nil, errors.New("transport: rename controller required")
	}
	h := &CoordinatorHandler{
		ctrl:   ctrl,
		logger: svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "coordinator.http"),
		mux:    http.NewServeMux(),
	}
	h.mux.Handle("POST "+PathBegin, h.wrap("begin", h.handleBegin))
	h.mux.Handle("GET "+PathRenameStatus, h.wrap("status", h.handleStatus))
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *CoordinatorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlation.Middleware(h.mux).ServeHTTP(w, r)
}

func (h *CoordinatorHandler) wrap(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := correlation.Logger(r.Context(), h.logger.With("op", operation))
		ctx := pslog.ContextWithLogger(r.Context(), logger)
		if err := fn(w, r.WithContext(ctx)); err != nil {
			WriteError(ctx, w, logger, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
}

func (h *CoordinatorHandler) handleBegin(w http.ResponseWriter, r *http.Request) error {
	attempt, err := h.ctrl.Begin(r.Context())
	switch {
	case errors.Is(err, coordinator.ErrAttemptInFlight):
		return HTTPError{Status: http.StatusConflict, Code: CodeAttemptInFlight, Detail: err.Error()}
	case errors.Is(err, coordinator.ErrAlreadyDone):
		return HTTPError{Status: http.StatusConflict, Code: CodeRenameDone, Detail: err.Error()}
	case errors.Is(err, coordinator.ErrCrashed):
		return HTTPError{Status: http.StatusServiceUnavailable, Code: CodeCrashed, Detail: err.Error()}
	case err != nil:
		return err
	}
	loggingutil.FromContext(r.Context(), h.logger).Info("coordinator.http.begin", "attempt", attempt.ID, "txn_id", attempt.TxnID)
	w.Header().Set(correlation.Header, attempt.ID)
	WriteJSON(w, http.StatusAccepted, attempt)
	return nil
}

func (h *CoordinatorHandler) handleStatus(w http.ResponseWriter, _ *http.Request) error {
	WriteJSON(w, http.StatusOK, h.ctrl.Snapshot())
	return nil
}

// CoordinatorClient calls the coordinator API.
type CoordinatorClient struct {
	requester
	base string
}

// NewCoordinatorClient targets the coordinator at url. Endpoints in cfg are
// ignored.
func NewCoordinatorClient(url string, cfg ClientConfig) (*CoordinatorClient, error) {
	base, err := normalizeBase(url)
	if err != nil {
		return nil, fmt.Errorf("transport: coordinator: %w", err)
	}
	return &CoordinatorClient{requester: newRequester(cfg, "transport.coordinator_client"), base: base}, nil
}

// Begin starts a rename attempt.
func (c *CoordinatorClient) Begin(ctx context.Context) (coordinator.Attempt, error) {
	var attempt coordinator.Attempt
	_, err := c.exchange(ctx, correlation.Logger(ctx, c.logger), http.MethodPost, c.base+PathBegin, []byte("{}"), &attempt)
	return attempt, err
}

// Status fetches the coordinator snapshot.
func (c *CoordinatorClient) Status(ctx context.Context) (coordinator.Snapshot, error) {
	var snap coordinator.Snapshot
	_, err := c.exchange(ctx, correlation.Logger(ctx, c.logger), http.MethodGet, c.base+PathRenameStatus, nil, &snap)
	return snap, err
}
