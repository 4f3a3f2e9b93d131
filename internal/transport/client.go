package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/correlation"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/replica"
	"pkt.systems/keyrename/internal/svcfields"
)

// ErrUnknownStore is returned for a store without a configured endpoint.
var ErrUnknownStore = errors.New("transport: unknown store")

// Client defaults.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 50 * time.Millisecond
	DefaultMaxDelay       = time.Second
	DefaultMultiplier     = 2.0
)

// ClientConfig configures NewClient.
type ClientConfig struct {
	// Endpoints maps each store to its replica base URL.
	Endpoints map[protocol.StoreID]string
	// HTTPClient overrides the default otelhttp-instrumented client.
	HTTPClient *http.Client
	// RequestTimeout bounds each individual attempt.
	RequestTimeout time.Duration
	// MaxAttempts bounds delivery attempts per Send.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Client delivers protocol messages to replica servers. It retries transport
// failures with exponential backoff; the protocol itself tolerates the
// resulting duplicates.
type Client struct {
	requester
	endpoints map[protocol.StoreID]string
}

// requester performs JSON exchanges with retry and backoff.
type requester struct {
	http     *http.Client
	timeout  time.Duration
	attempts int
	base     time.Duration
	max      time.Duration
	mult     float64
	clock    clock.Clock
	logger   pslog.Logger
}

// NewClient validates cfg and applies defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("transport: at least one replica endpoint required")
	}
	endpoints := make(map[protocol.StoreID]string, len(cfg.Endpoints))
	for id, raw := range cfg.Endpoints {
		base, err := normalizeBase(raw)
		if err != nil {
			return nil, fmt.Errorf("transport: store %d: %w", id, err)
		}
		endpoints[id] = base
	}
	return &Client{requester: newRequester(cfg, "transport.client"), endpoints: endpoints}, nil
}

func newRequester(cfg ClientConfig, subsystem string) requester {
	r := requester{
		http:     cfg.HTTPClient,
		timeout:  cfg.RequestTimeout,
		attempts: cfg.MaxAttempts,
		base:     cfg.BaseDelay,
		max:      cfg.MaxDelay,
		mult:     cfg.Multiplier,
		clock:    clock.OrReal(cfg.Clock),
		logger:   svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), subsystem),
	}
	if r.http == nil {
		r.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone())}
	}
	if r.timeout <= 0 {
		r.timeout = DefaultRequestTimeout
	}
	if r.attempts <= 0 {
		r.attempts = DefaultMaxAttempts
	}
	if r.base <= 0 {
		r.base = DefaultBaseDelay
	}
	if r.max <= 0 {
		r.max = DefaultMaxDelay
	}
	if r.mult < 1 {
		r.mult = DefaultMultiplier
	}
	return r
}

func normalizeBase(raw string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return "", errors.New("empty endpoint")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return base, nil
}

// Send delivers msg to its store and returns the replica's answer. ok is
// false when the replica discarded the message as stale. Replica faults
// surface as errors matching replica.ErrProtocolViolation or
// replica.ErrFaulted.
func (c *Client) Send(ctx context.Context, msg protocol.Message) (protocol.Message, bool, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Message{}, false, err
	}
	var resp protocol.Message
	status, err := c.do(ctx, msg.StoreID, http.MethodPost, PathMessage, payload, &resp)
	if err != nil {
		return protocol.Message{}, false, err
	}
	if status == http.StatusNoContent {
		return protocol.Message{}, false, nil
	}
	if err := resp.Validate(); err != nil {
		return protocol.Message{}, false, fmt.Errorf("transport: store %d: %w", msg.StoreID, err)
	}
	return resp, true, nil
}

// Status fetches a replica's status.
func (c *Client) Status(ctx context.Context, store protocol.StoreID) (replica.Status, error) {
	var status replica.Status
	_, err := c.do(ctx, store, http.MethodGet, PathStatus, nil, &status)
	return status, err
}

// Value fetches a replica's value and the name it lives under.
func (c *Client) Value(ctx context.Context, store protocol.StoreID) (ValuePayload, error) {
	var payload ValuePayload
	_, err := c.do(ctx, store, http.MethodGet, PathValue, nil, &payload)
	return payload, err
}

// UpdateValue writes a new value. It fails with replica.ErrLocked while a
// rename holds the locks.
func (c *Client) UpdateValue(ctx context.Context, store protocol.StoreID, value []byte) error {
	payload, err := json.Marshal(ValuePayload{Value: value})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, store, http.MethodPut, PathValue, payload, nil)
	return err
}

func (c *Client) do(ctx context.Context, store protocol.StoreID, method, path string, payload []byte, out any) (int, error) {
	base, ok := c.endpoints[store]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStore, store)
	}
	logger := svcfields.WithStore(correlation.Logger(ctx, c.logger), store).With("path", path)
	status, err := c.exchange(ctx, logger, method, base+path, payload, out)
	if err != nil {
		return 0, fmt.Errorf("transport: store %d: %w", store, err)
	}
	return status, nil
}

func (c *requester) exchange(ctx context.Context, logger pslog.Logger, method, url string, payload []byte, out any) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		status, err := c.once(ctx, method, url, payload, out)
		if err == nil {
			if attempt > 1 {
				logger.Debug("transport.client.recovered", "attempt", attempt)
			}
			return status, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return 0, err
		}
		if attempt == c.attempts {
			break
		}
		delay := c.backoff(attempt)
		logger.Debug("transport.client.retry", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.clock.After(delay):
		}
	}
	logger.Warn("transport.client.exhausted", "attempts", c.attempts, "error", lastErr)
	return 0, fmt.Errorf("after %d attempts: %w", c.attempts, lastErr)
}

func (c *requester) once(ctx context.Context, method, url string, payload []byte, out any) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	correlation.Inject(ctx, req)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: data}
		_ = json.Unmarshal(data, &apiErr.Response)
		return resp.StatusCode, apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("transport: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *requester) backoff(attempt int) time.Duration {
	delay := float64(c.base) * math.Pow(c.mult, float64(attempt-1))
	if delay > float64(c.max) {
		return c.max
	}
	return time.Duration(delay)
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}
