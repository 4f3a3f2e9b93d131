package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyrename/internal/correlation"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/replica"
	"pkt.systems/keyrename/internal/svcfields"
)

// Replica endpoint paths.
const (
	PathMessage = "/v1/rename/message"
	PathStatus  = "/v1/replica/status"
	PathValue   = "/v1/replica/value"
)

const maxMessageBytes = 64 << 10

// ValuePayload is the body of the value endpoints.
type ValuePayload struct {
	Value   []byte           `json:"value"`
	KeyName protocol.KeyName `json:"key_name,omitempty"`
}

// ReplicaHandlerConfig configures NewReplicaHandler.
type ReplicaHandlerConfig struct {
	Replica *replica.Replica
	Logger  pslog.Logger
	// OnFault is called once when a message faults the replica.
	OnFault func(error)
}

// ReplicaHandler serves one replica over HTTP.
type ReplicaHandler struct {
	replica *replica.Replica
	logger  pslog.Logger
	onFault func(error)
	mux     *http.ServeMux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// NewReplicaHandler builds the replica HTTP surface.
func NewReplicaHandler(cfg ReplicaHandlerConfig) (*ReplicaHandler, error) {
	if cfg.Replica == nil {
		return nil, errors.New("transport: replica required")
	}
	h := &ReplicaHandler{
		replica: cfg.Replica,
		logger:  svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "replica.http"),
		onFault: cfg.OnFault,
		mux:     http.NewServeMux(),
	}
	h.mux.Handle("POST "+PathMessage, h.wrap("message", h.handleMessage))
	h.mux.Handle("GET "+PathStatus, h.wrap("status", h.handleStatus))
	h.mux.Handle("GET "+PathValue, h.wrap("value.get", h.handleGetValue))
	h.mux.Handle("PUT "+PathValue, h.wrap("value.put", h.handlePutValue))
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *ReplicaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlation.Middleware(h.mux).ServeHTTP(w, r)
}

func (h *ReplicaHandler) wrap(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		logger := correlation.Logger(ctx, svcfields.WithStore(h.logger, h.replica.ID()).With("op", operation))
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "method", r.Method, "path", r.URL.Path)
		if err := fn(w, r); err != nil {
			WriteError(ctx, w, logger, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
}

func (h *ReplicaHandler) handleMessage(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		return HTTPError{Status: http.StatusBadRequest, Code: CodeInvalidMessage, Detail: err.Error()}
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		return HTTPError{Status: http.StatusBadRequest, Code: CodeInvalidMessage, Detail: err.Error()}
	}
	wasFaulted := h.replica.Faulted()
	resp, ok, err := h.replica.Handle(r.Context(), msg)
	if err != nil {
		if errors.Is(err, replica.ErrProtocolViolation) && !wasFaulted && h.onFault != nil {
			h.onFault(err)
		}
		return replicaError(err)
	}
	loggingutil.FromContext(r.Context(), h.logger).Debug("replica.http.message", "kind", msg.Kind.String(), "txn_id", msg.TxnID, "applied", ok)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	WriteJSON(w, http.StatusOK, resp)
	return nil
}

func (h *ReplicaHandler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	status, err := h.replica.Status(r.Context())
	if err != nil {
		return replicaError(err)
	}
	WriteJSON(w, http.StatusOK, status)
	return nil
}

func (h *ReplicaHandler) handleGetValue(w http.ResponseWriter, r *http.Request) error {
	value, name, err := h.replica.Value(r.Context())
	if err != nil {
		return replicaError(err)
	}
	WriteJSON(w, http.StatusOK, ValuePayload{Value: value, KeyName: name})
	return nil
}

func (h *ReplicaHandler) handlePutValue(w http.ResponseWriter, r *http.Request) error {
	var payload ValuePayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&payload); err != nil {
		return HTTPError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	if err := h.replica.UpdateValue(r.Context(), payload.Value); err != nil {
		return replicaError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
