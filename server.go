package keyrename

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/coordinator"
	"pkt.systems/keyrename/internal/kvstore"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/replica"
	"pkt.systems/keyrename/internal/statestore"
	"pkt.systems/keyrename/internal/svcfields"
	"pkt.systems/keyrename/internal/transport"
	"pkt.systems/pslog"
)

// ErrReplicaFaulted is returned by ReplicaServer.Start after the replica
// observed a protocol violation.
var ErrReplicaFaulted = errors.New("keyrename: replica faulted")

// Option configures server instances.
type Option func(*options)

type options struct {
	logger     pslog.Logger
	clock      clock.Clock
	state      statestore.Store
	kv         kvstore.Store
	httpClient *http.Client
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStateStore injects the coordinator's durable record store instead of
// opening cfg.Store.
func WithStateStore(s statestore.Store) Option {
	return func(o *options) { o.state = s }
}

// WithKVStore injects the replica's local store instead of opening badger.
func WithKVStore(s kvstore.Store) Option {
	return func(o *options) { o.kv = s }
}

// WithHTTPClient overrides the client the coordinator reaches replicas with.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.logger = loggingutil.EnsureLogger(o.logger)
	o.clock = clock.OrReal(o.clock)
	return o
}

// httpServer is the listener lifecycle shared by both server roles.
type httpServer struct {
	name      string
	listen    string
	srv       *http.Server
	logger    pslog.Logger
	telemetry *telemetry

	mu        sync.Mutex
	listener  net.Listener
	readyOnce sync.Once
	readyCh   chan struct{}
}

func newHTTPServer(name, listen string, handler http.Handler, streams uint32, logger pslog.Logger) *httpServer {
	instrumented := otelhttp.NewHandler(handler, name)
	return &httpServer{
		name:   name,
		listen: listen,
		logger: logger,
		srv: &http.Server{
			Handler:           h2c.NewHandler(instrumented, &http2.Server{MaxConcurrentStreams: streams}),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          log.New(errorLogWriter{logger: logger}, "", 0),
			BaseContext:       func(net.Listener) context.Context { return context.Background() },
		},
		readyCh: make(chan struct{}),
	}
}

func (h *httpServer) serve() error {
	ln, err := net.Listen("tcp", h.listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", h.listen, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.readyCh) })
	h.logger.Info("listening", "address", ln.Addr().String())
	if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

func (h *httpServer) shutdown(ctx context.Context) error {
	var err error
	if serr := h.srv.Shutdown(ctx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		err = multierr.Append(err, fmt.Errorf("http shutdown: %w", serr))
	}
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return multierr.Append(err, h.telemetry.Shutdown(telemetryCtx))
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (h *httpServer) WaitUntilReady(ctx context.Context) error {
	select {
	case <-h.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (h *httpServer) ListenerAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Handler returns the HTTP handler for embedding into another server.
func (h *httpServer) Handler() http.Handler {
	return h.srv.Handler
}

type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// CoordinatorServer runs the rename coordinator: the durable record, the
// event driver that talks to replicas and the HTTP API.
type CoordinatorServer struct {
	*httpServer
	cfg    CoordinatorConfig
	logger pslog.Logger
	driver *coordinator.Driver
	state  statestore.Store
	closer func() error

	runCtx    context.Context
	runCancel context.CancelFunc
	shutOnce  sync.Once
	shutErr   error
}

// NewCoordinatorServer boots the coordinator from its durable record. A
// record left mid-attempt is recovered immediately and the resulting
// messages are queued for the replicas.
func NewCoordinatorServer(ctx context.Context, cfg CoordinatorConfig, opts ...Option) (_ *CoordinatorServer, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	logger := svcfields.WithSubsystem(o.logger, "coordinator.server")
	tel, err := startTelemetry(ctx, TelemetryConfig{
		Service:                "keyrename-coordinator",
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(o.logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tel.Shutdown(context.Background())
		}
	}()
	state := o.state
	closer := func() error { return nil }
	if state == nil {
		opened, err := OpenStateStore(ctx, cfg, o.clock, o.logger)
		if err != nil {
			return nil, err
		}
		state, closer = opened, opened.Close
	}
	defer func() {
		if err != nil {
			_ = closer()
		}
	}()
	coord, recovered, err := coordinator.Open(ctx, coordinator.Config{
		Stores: cfg.StoreIDs(),
		State:  state,
		Clock:  o.clock,
		Logger: svcfields.WithSubsystem(o.logger, "coordinator"),
	})
	if err != nil {
		return nil, err
	}
	client, err := transport.NewClient(transport.ClientConfig{
		Endpoints:      cfg.Endpoints(),
		HTTPClient:     o.httpClient,
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.SendAttempts,
		Clock:          o.clock,
		Logger:         o.logger,
	})
	if err != nil {
		return nil, err
	}
	driver, err := coordinator.NewDriver(coordinator.DriverConfig{
		Coordinator:        coord,
		Sender:             client,
		Clock:              o.clock,
		Logger:             o.logger,
		RetransmitInterval: cfg.RetransmitInterval,
		Concurrency:        cfg.SendConcurrency,
	})
	if err != nil {
		return nil, err
	}
	driver.Enqueue(ctx, recovered)
	handler, err := transport.NewCoordinatorHandler(driver, o.logger)
	if err != nil {
		return nil, err
	}
	hs := newHTTPServer("keyrename-coordinator", cfg.Listen, handler, cfg.MaxConcurrentStreams, logger)
	hs.telemetry = tel
	runCtx, runCancel := context.WithCancel(context.Background())
	snap := coord.Snapshot()
	logger.Info("coordinator.booted",
		"phase", snap.Phase.String(),
		"txn_id", snap.TxnID,
		"wal_committed", snap.WALCommitted,
		"stores", len(snap.Stores),
		"recovered_messages", len(recovered),
	)
	return &CoordinatorServer{
		httpServer: hs,
		cfg:        cfg,
		logger:     logger,
		driver:     driver,
		state:      state,
		closer:     closer,
		runCtx:     runCtx,
		runCancel:  runCancel,
	}, nil
}

// Driver returns the coordinator event driver.
func (s *CoordinatorServer) Driver() *coordinator.Driver { return s.driver }

// State returns the durable record store.
func (s *CoordinatorServer) State() statestore.Store { return s.state }

// Start serves the API and drives the coordinator until Shutdown, or until
// a replica reports a protocol violation.
func (s *CoordinatorServer) Start() error {
	g, gctx := errgroup.WithContext(s.runCtx)
	g.Go(s.serve)
	g.Go(func() error {
		err := s.driver.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("coordinator.driver.failed", "error", err)
			go func() { _ = s.Shutdown(context.Background()) }()
			return err
		}
		return nil
	})
	if s.cfg.AutoBegin {
		g.Go(func() error {
			if err := s.WaitUntilReady(gctx); err != nil {
				return nil
			}
			if s.driver.Snapshot().Phase != protocol.PhaseIdle {
				return nil
			}
			if _, err := s.driver.Begin(gctx); err != nil {
				s.logger.Warn("coordinator.autobegin.failed", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops the API, the driver and the state backend.
func (s *CoordinatorServer) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() {
		err := s.shutdown(ctx)
		s.runCancel()
		err = multierr.Append(err, s.closer())
		s.shutErr = err
	})
	return s.shutErr
}

// ReplicaServer serves one KV store replica.
type ReplicaServer struct {
	*httpServer
	cfg     ReplicaConfig
	logger  pslog.Logger
	replica *replica.Replica

	faultOnce sync.Once
	faultCh   chan error
	shutOnce  sync.Once
	shutErr   error
}

// NewReplicaServer opens the local store and restores the replica's fence.
func NewReplicaServer(ctx context.Context, cfg ReplicaConfig, opts ...Option) (_ *ReplicaServer, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	logger := svcfields.WithStore(svcfields.WithSubsystem(o.logger, "replica.server"), cfg.ID)
	mode, err := replica.ParseFenceMode(cfg.FenceMode)
	if err != nil {
		return nil, err
	}
	tel, err := startTelemetry(ctx, TelemetryConfig{
		Service:                "keyrename-replica",
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(o.logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tel.Shutdown(context.Background())
		}
	}()
	kv := o.kv
	if kv == nil {
		opened, err := OpenKVStore(cfg, svcfields.WithSubsystem(o.logger, "replica.kv"))
		if err != nil {
			return nil, err
		}
		kv = opened
	}
	rep, err := replica.New(ctx, replica.Config{
		ID:         cfg.ID,
		Store:      kv,
		Key:        cfg.Key,
		RenamedKey: cfg.RenamedKey,
		FenceMode:  mode,
		Logger:     svcfields.WithSubsystem(o.logger, "replica"),
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = rep.Close()
		}
	}()
	if cfg.Seed != nil {
		name, err := rep.KeyName(ctx)
		if err != nil {
			return nil, err
		}
		if name == protocol.KeyMissing {
			if err := rep.UpdateValue(ctx, cfg.Seed); err != nil {
				return nil, fmt.Errorf("seed value: %w", err)
			}
			logger.Info("replica.seeded", "key", cfg.Key, "bytes", len(cfg.Seed))
		}
	}
	s := &ReplicaServer{
		cfg:     cfg,
		logger:  logger,
		replica: rep,
		faultCh: make(chan error, 1),
	}
	handler, err := transport.NewReplicaHandler(transport.ReplicaHandlerConfig{
		Replica: rep,
		Logger:  o.logger,
		OnFault: s.fault,
	})
	if err != nil {
		return nil, err
	}
	s.httpServer = newHTTPServer("keyrename-replica", cfg.Listen, handler, cfg.MaxConcurrentStreams, logger)
	s.telemetry = tel
	status, err := rep.Status(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("replica.booted",
		"key_name", status.KeyName.String(),
		"locked", status.Locked,
		"fence_txn_id", status.Fence.TxnID,
		"fence_mode", mode.String(),
	)
	return s, nil
}

// Replica returns the served replica.
func (s *ReplicaServer) Replica() *replica.Replica { return s.replica }

// Faults delivers the protocol violation that faulted the replica.
func (s *ReplicaServer) Faults() <-chan error { return s.faultCh }

func (s *ReplicaServer) fault(err error) {
	s.faultOnce.Do(func() {
		s.logger.Error("replica.faulted", "error", err)
		s.faultCh <- err
	})
}

// Start serves until Shutdown. It returns an error wrapping
// ErrReplicaFaulted once the replica faults so the process exits non-zero.
func (s *ReplicaServer) Start() error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.serve() }()
	select {
	case err := <-errCh:
		return err
	case ferr := <-s.faultCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err := multierr.Append(fmt.Errorf("%w: %w", ErrReplicaFaulted, ferr), s.Shutdown(shutdownCtx))
		return multierr.Append(err, <-errCh)
	}
}

// Shutdown stops serving and closes the local store.
func (s *ReplicaServer) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() {
		err := s.shutdown(ctx)
		s.shutErr = multierr.Append(err, s.replica.Close())
	})
	return s.shutErr
}

// Starter is a server that can be started and stopped.
type Starter interface {
	Start() error
	Shutdown(ctx context.Context) error
	WaitUntilReady(ctx context.Context) error
}

// Run starts srv in the background and waits until it listens. The returned
// stop function shuts it down and reports the serve error. Cancelling ctx
// also stops the server.
func Run(ctx context.Context, srv Starter) (func(context.Context) error, error) {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	ready := make(chan error, 1)
	go func() { ready <- srv.WaitUntilReady(waitCtx) }()
	select {
	case err := <-errCh:
		cancelWait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err == nil {
			err = errors.New("keyrename: server stopped before it was ready")
		}
		return nil, multierr.Append(err, srv.Shutdown(shutdownCtx))
	case err := <-ready:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return nil, multierr.Combine(err, srv.Shutdown(shutdownCtx), <-errCh)
		}
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			stopErr = multierr.Append(srv.Shutdown(shutdownCtx), <-errCh)
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return stop, nil
}
