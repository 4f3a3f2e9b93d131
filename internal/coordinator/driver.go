package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/correlation"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/replica"
	"pkt.systems/keyrename/internal/svcfields"
	"pkt.systems/pslog"
)

// Sender delivers one request to its store. ok is false when the store
// discarded the request as stale.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) (resp protocol.Message, ok bool, err error)
}

// DriverConfig configures the runtime event loop.
type DriverConfig struct {
	Coordinator        *Coordinator
	Sender             Sender
	Clock              clock.Clock
	Logger             pslog.Logger
	RetransmitInterval time.Duration
	// Concurrency bounds parallel sends per batch.
	Concurrency int
	// StopWhenDone makes Run return once the coordinator reaches Done.
	StopWhenDone bool
}

// Driver feeds coordinator output to the network and responses back into
// the coordinator from a single event loop.
type Driver struct {
	coord        *Coordinator
	sender       Sender
	clock        clock.Clock
	logger       pslog.Logger
	interval     time.Duration
	concurrency  int
	stopWhenDone bool

	outbox chan batch
}

type batch struct {
	ctx  context.Context
	msgs []protocol.Message
}

// NewDriver validates cfg and returns a Driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator: driver requires a coordinator")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("coordinator: driver requires a sender")
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	if cfg.RetransmitInterval <= 0 {
		cfg.RetransmitInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Driver{
		coord:        cfg.Coordinator,
		sender:       cfg.Sender,
		clock:        cfg.Clock,
		logger:       svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "coordinator.driver"),
		interval:     cfg.RetransmitInterval,
		concurrency:  cfg.Concurrency,
		stopWhenDone: cfg.StopWhenDone,
		outbox:       make(chan batch, 16),
	}, nil
}

// Coordinator returns the driven state machine.
func (d *Driver) Coordinator() *Coordinator { return d.coord }

// Snapshot reports the coordinator state.
func (d *Driver) Snapshot() Snapshot { return d.coord.Snapshot() }

// Begin starts a rename attempt and queues its lock requests.
func (d *Driver) Begin(ctx context.Context) (Attempt, error) {
	attempt, out, err := d.coord.BeginRename(ctx)
	if err != nil {
		return Attempt{}, err
	}
	d.Enqueue(correlation.Set(context.Background(), attempt.ID), out)
	return attempt, nil
}

// Enqueue hands messages to the event loop. When the queue is full the
// batch is dropped and left to retransmission.
func (d *Driver) Enqueue(ctx context.Context, msgs []protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	select {
	case d.outbox <- batch{ctx: ctx, msgs: msgs}:
	default:
		d.logger.Warn("rename.driver.outbox.full", "dropped", len(msgs))
	}
}

// Run drives the coordinator until ctx is cancelled, a replica reports a
// protocol violation, or (with StopWhenDone) the coordinator reaches Done.
// A crashed coordinator is recovered on the next retransmit tick.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	inbox := make(chan protocol.Message, 64)
	dispatch := func(b batch) {
		if len(b.msgs) == 0 {
			return
		}
		g.Go(func() error { return d.fanout(gctx, b, inbox) })
	}
	g.Go(func() error {
		defer cancel()
		return d.loop(gctx, dispatch, inbox)
	})
	err := g.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

var errStopped = errors.New("coordinator: driver stopped")

func (d *Driver) loop(ctx context.Context, dispatch func(batch), inbox <-chan protocol.Message) error {
	tick := d.clock.After(d.interval)
	for {
		if d.stopWhenDone && d.coord.Phase() == protocol.PhaseDone {
			d.logger.Info("rename.driver.stopped", "txn_id", d.coord.TxnID(), "wal_committed", d.coord.IsDurableCommit())
			return errStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-d.outbox:
			dispatch(b)
		case resp := <-inbox:
			out, err := d.coord.HandleResponse(ctx, resp)
			if err != nil {
				d.logger.Warn("rename.driver.response.error", "kind", resp.Kind.String(), "store_id", resp.StoreID, "error", err)
			}
			dispatch(batch{ctx: d.attemptContext(ctx), msgs: out})
		case <-tick:
			tick = d.clock.After(d.interval)
			dispatch(batch{ctx: d.attemptContext(ctx), msgs: d.tick(ctx)})
		}
	}
}

func (d *Driver) tick(ctx context.Context) []protocol.Message {
	out, err := d.coord.Retransmit(ctx)
	if errors.Is(err, ErrCrashed) {
		out, err = d.coord.Recover(ctx)
		if err != nil {
			d.logger.Warn("rename.driver.recover.failed", "error", err)
			return nil
		}
		return out
	}
	if err != nil {
		d.logger.Warn("rename.driver.retransmit.failed", "error", err)
	}
	return out
}

func (d *Driver) attemptContext(ctx context.Context) context.Context {
	if snap := d.coord.Snapshot(); snap.Attempt != nil {
		return correlation.Set(ctx, snap.Attempt.ID)
	}
	return ctx
}

// fanout sends one batch in parallel. Transport failures are logged and
// left to retransmission; a replica fault stops the driver.
func (d *Driver) fanout(ctx context.Context, b batch, inbox chan<- protocol.Message) error {
	if id := correlation.ID(b.ctx); id != "" {
		ctx = correlation.Set(ctx, id)
	}
	logger := correlation.Logger(ctx, d.logger)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, msg := range b.msgs {
		g.Go(func() error {
			resp, ok, err := d.sender.Send(gctx, msg)
			logger := svcfields.WithMessage(logger, msg)
			switch {
			case errors.Is(err, replica.ErrProtocolViolation) || errors.Is(err, replica.ErrFaulted):
				d.coord.metrics.recordSend(gctx, msg.Kind, "fault")
				logger.Error("rename.driver.replica.fault", "error", err)
				return fmt.Errorf("store %d: %w", msg.StoreID, err)
			case err != nil:
				if gctx.Err() != nil {
					return nil
				}
				d.coord.metrics.recordSend(gctx, msg.Kind, "error")
				logger.Warn("rename.driver.send.failed", "error", err)
				return nil
			case !ok:
				d.coord.metrics.recordSend(gctx, msg.Kind, "discarded")
				logger.Debug("rename.driver.send.discarded")
				return nil
			}
			d.coord.metrics.recordSend(gctx, msg.Kind, "ok")
			select {
			case inbox <- resp:
			case <-gctx.Done():
			}
			return nil
		})
	}
	return g.Wait()
}
