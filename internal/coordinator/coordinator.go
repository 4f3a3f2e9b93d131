// Package coordinator drives the rename of A to A' across every participant
// store. Transitions return the messages they produce; callers deliver them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/statestore"
	"pkt.systems/pslog"
)

var (
	// ErrAttemptInFlight rejects BeginRename while an attempt is running.
	ErrAttemptInFlight = errors.New("coordinator: rename attempt in flight")
	// ErrAlreadyDone rejects BeginRename once the rename finished.
	ErrAlreadyDone = errors.New("coordinator: rename already finished")
	// ErrCrashed rejects calls that need volatile state while crashed.
	ErrCrashed = errors.New("coordinator: crashed")
	// ErrNotResponse rejects request messages passed to HandleResponse.
	ErrNotResponse = errors.New("coordinator: not a response")
)

// Config describes a coordinator.
type Config struct {
	Stores []protocol.StoreID
	State  statestore.Store
	Clock  clock.Clock
	Logger pslog.Logger
}

// Attempt identifies one rename attempt.
type Attempt struct {
	ID        string    `json:"id"`
	TxnID     uint64    `json:"txn_id"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	Phase         protocol.Phase     `json:"phase"`
	TxnID         uint64             `json:"txn_id"`
	WALCommitted  bool               `json:"wal_committed"`
	Aborted       bool               `json:"aborted,omitempty"`
	Stores        []protocol.StoreID `json:"stores"`
	LocksAcquired []protocol.StoreID `json:"locks_acquired"`
	RenamesDone   []protocol.StoreID `json:"renames_done"`
	UnlocksAcked  []protocol.StoreID `json:"unlocks_acked"`
	Attempt       *Attempt           `json:"attempt,omitempty"`
}

type storeSet map[protocol.StoreID]struct{}

func (s storeSet) sorted() []protocol.StoreID {
	return slices.Sorted(maps.Keys(s))
}

// Coordinator is the rename state machine. Methods are safe for concurrent
// use; transitions are serialized.
type Coordinator struct {
	mu      sync.Mutex
	stores  []protocol.StoreID
	members storeSet
	state   statestore.Store
	clock   clock.Clock
	logger  pslog.Logger
	metrics *coordinatorMetrics

	txnID        uint64
	walCommitted bool
	done         bool
	phase        protocol.Phase
	aborted      bool
	attempt      *Attempt

	locks   storeSet
	renames storeSet
	unlocks storeSet
}

func newCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("coordinator: state store required")
	}
	if len(cfg.Stores) == 0 {
		return nil, fmt.Errorf("coordinator: at least one store required")
	}
	members := make(storeSet, len(cfg.Stores))
	for _, id := range cfg.Stores {
		if _, dup := members[id]; dup {
			return nil, fmt.Errorf("coordinator: duplicate store id %d", id)
		}
		members[id] = struct{}{}
	}
	clk := clock.OrReal(cfg.Clock)
	logger := loggingutil.EnsureLogger(cfg.Logger)
	return &Coordinator{
		stores:  members.sorted(),
		members: members,
		state:   cfg.State,
		clock:   clk,
		logger:  logger,
		metrics: newCoordinatorMetrics(logger),
		phase:   protocol.PhaseCrashed,
	}, nil
}

// Open boots a coordinator from durable state. Without a record it starts
// Idle at txn 1; a finished record restores Done; anything else runs
// recovery and returns the messages to resend.
func Open(ctx context.Context, cfg Config) (*Coordinator, []protocol.Message, error) {
	c, err := newCoordinator(cfg)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.Recover(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c, out, nil
}

// BeginRename starts an attempt. The epoch is persisted before any lock
// request is returned so that a crash in Preparing recovers into cleanup.
func (c *Coordinator) BeginRename(ctx context.Context) (Attempt, []protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case protocol.PhaseIdle:
	case protocol.PhaseDone:
		return Attempt{}, nil, ErrAlreadyDone
	case protocol.PhaseCrashed:
		return Attempt{}, nil, ErrCrashed
	default:
		return Attempt{}, nil, fmt.Errorf("%w: phase %s txn %d", ErrAttemptInFlight, c.phase, c.txnID)
	}
	attempt := Attempt{ID: xid.New().String(), TxnID: c.txnID, StartedAt: c.clock.Now()}
	rec := statestore.Record{TxnID: c.txnID, AttemptID: attempt.ID}
	if err := c.persist(ctx, rec); err != nil {
		c.logger.Warn("rename.coordinator.begin.persist_failed", "txn_id", c.txnID, "error", err)
		return Attempt{}, nil, fmt.Errorf("coordinator: persist epoch: %w", err)
	}
	c.attempt = &attempt
	c.resetTracking()
	c.setPhase(ctx, protocol.PhasePreparing)
	c.metrics.recordAttempt(ctx, "started")
	c.logger.Info("rename.coordinator.begin",
		"attempt", attempt.ID,
		"txn_id", attempt.TxnID,
		"stores", len(c.stores),
	)
	return attempt, c.broadcast(protocol.LockRequest, nil), nil
}

// HandleResponse applies a response. Responses from another epoch, for an
// unknown store, or of a kind the current phase does not expect are ignored.
func (c *Coordinator) HandleResponse(ctx context.Context, msg protocol.Message) ([]protocol.Message, error) {
	if !msg.Kind.IsResponse() {
		return nil, fmt.Errorf("%w: %s", ErrNotResponse, msg.Kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[msg.StoreID]; !ok {
		c.ignore(ctx, msg, "unknown_store")
		return nil, nil
	}
	if c.phase == protocol.PhaseCrashed {
		c.ignore(ctx, msg, "crashed")
		return nil, nil
	}
	if msg.TxnID != c.txnID {
		c.ignore(ctx, msg, "stale_txn")
		return nil, nil
	}
	switch msg.Kind {
	case protocol.KindLockResponse:
		if c.phase != protocol.PhasePreparing {
			c.ignore(ctx, msg, "phase")
			return nil, nil
		}
		return c.onLockResponse(ctx, msg)
	case protocol.KindRenameResponse:
		if c.phase != protocol.PhaseCommitted {
			c.ignore(ctx, msg, "phase")
			return nil, nil
		}
		return c.onRenameResponse(ctx, msg), nil
	case protocol.KindUnlockResponse:
		if c.phase != protocol.PhaseCleanup {
			c.ignore(ctx, msg, "phase")
			return nil, nil
		}
		c.onUnlockResponse(ctx, msg)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotResponse, msg.Kind)
	}
}

func (c *Coordinator) onLockResponse(ctx context.Context, msg protocol.Message) ([]protocol.Message, error) {
	if !msg.Success {
		c.logger.Info("rename.coordinator.abort",
			"txn_id", c.txnID,
			"store_id", msg.StoreID,
			"locks_acquired", len(c.locks),
		)
		c.aborted = true
		c.resetTracking()
		c.setPhase(ctx, protocol.PhaseCleanup)
		return c.broadcast(protocol.UnlockRequest, nil), nil
	}
	if _, dup := c.locks[msg.StoreID]; dup {
		return nil, nil
	}
	c.locks[msg.StoreID] = struct{}{}
	c.logger.Debug("rename.coordinator.lock.acquired", "txn_id", c.txnID, "store_id", msg.StoreID, "locks_acquired", len(c.locks))
	if len(c.locks) < len(c.stores) {
		return nil, nil
	}
	return c.decideCommit(ctx)
}

// decideCommit makes the commit decision durable and only then enters
// Committed. On a failed save the coordinator stays in Preparing and the
// decision is retried by Retransmit.
func (c *Coordinator) decideCommit(ctx context.Context) ([]protocol.Message, error) {
	start := c.clock.Now()
	rec := statestore.Record{TxnID: c.txnID, WALCommitted: true, AttemptID: c.attemptID()}
	if err := c.persist(ctx, rec); err != nil {
		c.logger.Warn("rename.coordinator.commit.persist_failed", "txn_id", c.txnID, "error", err)
		return nil, fmt.Errorf("coordinator: persist commit decision: %w", err)
	}
	c.walCommitted = true
	c.setPhase(ctx, protocol.PhaseCommitted)
	c.metrics.recordCommit(ctx, c.clock.Now().Sub(start))
	c.logger.Info("rename.coordinator.commit.durable",
		"txn_id", c.txnID,
		"attempt", c.attemptID(),
		"duration_ms", c.clock.Now().Sub(start).Milliseconds(),
	)
	return c.broadcast(protocol.RenameRequest, nil), nil
}

func (c *Coordinator) onRenameResponse(ctx context.Context, msg protocol.Message) []protocol.Message {
	if _, dup := c.renames[msg.StoreID]; dup {
		return nil
	}
	c.renames[msg.StoreID] = struct{}{}
	c.logger.Debug("rename.coordinator.rename.acked", "txn_id", c.txnID, "store_id", msg.StoreID, "renames_done", len(c.renames))
	if len(c.renames) < len(c.stores) {
		return nil
	}
	c.setPhase(ctx, protocol.PhaseCleanup)
	c.logger.Info("rename.coordinator.cleanup", "txn_id", c.txnID, "committed", true)
	return c.broadcast(protocol.UnlockRequest, nil)
}

func (c *Coordinator) onUnlockResponse(ctx context.Context, msg protocol.Message) {
	if _, dup := c.unlocks[msg.StoreID]; dup {
		return
	}
	c.unlocks[msg.StoreID] = struct{}{}
	c.logger.Debug("rename.coordinator.unlock.acked", "txn_id", c.txnID, "store_id", msg.StoreID, "unlocks_acked", len(c.unlocks))
	if len(c.unlocks) < len(c.stores) {
		return
	}
	c.setPhase(ctx, protocol.PhaseDone)
	outcome := "aborted"
	if c.walCommitted {
		outcome = "renamed"
	}
	c.metrics.recordAttempt(ctx, outcome)
	// Losing this write only causes recovery to re-drive cleanup.
	rec := statestore.Record{TxnID: c.txnID, WALCommitted: c.walCommitted, Done: true, AttemptID: c.attemptID()}
	if err := c.persist(ctx, rec); err != nil {
		c.logger.Warn("rename.coordinator.done.persist_failed", "txn_id", c.txnID, "error", err)
	} else {
		c.done = true
	}
	c.logger.Info("rename.coordinator.done", "txn_id", c.txnID, "outcome", outcome, "attempt", c.attemptID())
}

// Retransmit re-emits the current phase's request to every store that has
// not acknowledged it, and retries a commit decision whose save failed.
func (c *Coordinator) Retransmit(ctx context.Context) ([]protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	switch c.phase {
	case protocol.PhasePreparing:
		if len(c.locks) == len(c.stores) {
			return c.decideCommit(ctx)
		}
		out = c.broadcast(protocol.LockRequest, c.locks)
	case protocol.PhaseCommitted:
		out = c.broadcast(protocol.RenameRequest, c.renames)
	case protocol.PhaseCleanup:
		out = c.broadcast(protocol.UnlockRequest, c.unlocks)
	case protocol.PhaseCrashed:
		return nil, ErrCrashed
	}
	if len(out) > 0 {
		c.metrics.recordRetransmit(ctx, c.phase, len(out))
	}
	return out, nil
}

// Crash discards all volatile state. Durable state is untouched.
func (c *Coordinator) Crash() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Warn("rename.coordinator.crash", "phase", c.phase.String(), "txn_id", c.txnID)
	c.phase = protocol.PhaseCrashed
	c.txnID = 0
	c.walCommitted = false
	c.done = false
	c.aborted = false
	c.attempt = nil
	c.locks, c.renames, c.unlocks = nil, nil, nil
}

// Recover rebuilds state from the durable record. An unfinished attempt is
// resumed under a new, persisted epoch: Committed with rename requests when
// the commit decision is durable, Cleanup with unlock requests otherwise. If
// anything fails the coordinator stays Crashed and nothing is emitted.
func (c *Coordinator) Recover(ctx context.Context) ([]protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != protocol.PhaseCrashed {
		return nil, fmt.Errorf("coordinator: recover from phase %s", c.phase)
	}
	rec, ok, err := c.state.Load(ctx)
	if err != nil {
		c.logger.Warn("rename.coordinator.recover.load_failed", "error", err)
		return nil, fmt.Errorf("coordinator: load state: %w", err)
	}
	if !ok {
		c.txnID = 1
		c.resetTracking()
		c.phase = protocol.PhaseIdle
		c.logger.Info("rename.coordinator.boot.fresh", "txn_id", c.txnID)
		return nil, nil
	}
	if rec.Done {
		c.txnID = rec.TxnID
		c.walCommitted = rec.WALCommitted
		c.done = true
		c.resetTracking()
		c.restoreAttempt(rec)
		c.phase = protocol.PhaseDone
		c.logger.Info("rename.coordinator.boot.done", "txn_id", rec.TxnID, "wal_committed", rec.WALCommitted)
		return nil, nil
	}
	next := statestore.Record{TxnID: rec.TxnID + 1, WALCommitted: rec.WALCommitted, AttemptID: rec.AttemptID}
	if err := c.persist(ctx, next); err != nil {
		c.logger.Warn("rename.coordinator.recover.persist_failed", "txn_id", next.TxnID, "error", err)
		return nil, fmt.Errorf("coordinator: persist recovered epoch: %w", err)
	}
	c.txnID = next.TxnID
	c.walCommitted = next.WALCommitted
	c.resetTracking()
	c.restoreAttempt(next)
	c.metrics.recordRecovery(ctx, next.WALCommitted)
	if next.WALCommitted {
		c.setPhase(ctx, protocol.PhaseCommitted)
		c.logger.Info("rename.coordinator.recover", "txn_id", next.TxnID, "previous_txn_id", rec.TxnID, "resume", "rename")
		return c.broadcast(protocol.RenameRequest, nil), nil
	}
	c.aborted = true
	c.setPhase(ctx, protocol.PhaseCleanup)
	c.logger.Info("rename.coordinator.recover", "txn_id", next.TxnID, "previous_txn_id", rec.TxnID, "resume", "cleanup")
	return c.broadcast(protocol.UnlockRequest, nil), nil
}

// Phase returns the current phase.
func (c *Coordinator) Phase() protocol.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// TxnID returns the current epoch, or 0 while crashed.
func (c *Coordinator) TxnID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txnID
}

// IsDurableCommit reports whether the commit decision is durable.
func (c *Coordinator) IsDurableCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.walCommitted
}

// Stores returns the participant store ids in ascending order.
func (c *Coordinator) Stores() []protocol.StoreID {
	return slices.Clone(c.stores)
}

// Snapshot returns a copy of the coordinator state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Phase:         c.phase,
		TxnID:         c.txnID,
		WALCommitted:  c.walCommitted,
		Aborted:       c.aborted,
		Stores:        slices.Clone(c.stores),
		LocksAcquired: c.locks.sorted(),
		RenamesDone:   c.renames.sorted(),
		UnlocksAcked:  c.unlocks.sorted(),
	}
	if c.attempt != nil {
		attempt := *c.attempt
		snap.Attempt = &attempt
	}
	return snap
}

// Clone copies the coordinator onto state, which must hold an equivalent
// durable record. Used by exhaustive exploration.
func (c *Coordinator) Clone(state statestore.Store) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := &Coordinator{
		stores:       c.stores,
		members:      c.members,
		state:        state,
		clock:        c.clock,
		logger:       c.logger,
		metrics:      c.metrics,
		txnID:        c.txnID,
		walCommitted: c.walCommitted,
		done:         c.done,
		phase:        c.phase,
		aborted:      c.aborted,
		locks:        maps.Clone(c.locks),
		renames:      maps.Clone(c.renames),
		unlocks:      maps.Clone(c.unlocks),
	}
	if c.attempt != nil {
		attempt := *c.attempt
		clone.attempt = &attempt
	}
	return clone
}

func (c *Coordinator) persist(ctx context.Context, rec statestore.Record) error {
	start := c.clock.Now()
	err := c.state.Save(ctx, rec)
	c.metrics.recordSave(ctx, c.clock.Now().Sub(start), err)
	return err
}

func (c *Coordinator) resetTracking() {
	c.locks = make(storeSet, len(c.stores))
	c.renames = make(storeSet, len(c.stores))
	c.unlocks = make(storeSet, len(c.stores))
}

func (c *Coordinator) restoreAttempt(rec statestore.Record) {
	if rec.AttemptID == "" {
		c.attempt = nil
		return
	}
	c.attempt = &Attempt{ID: rec.AttemptID, TxnID: rec.TxnID, StartedAt: rec.UpdatedAt}
}

func (c *Coordinator) attemptID() string {
	if c.attempt == nil {
		return ""
	}
	return c.attempt.ID
}

func (c *Coordinator) setPhase(ctx context.Context, next protocol.Phase) {
	prev := c.phase
	c.phase = next
	c.metrics.recordTransition(ctx, prev, next)
}

func (c *Coordinator) ignore(ctx context.Context, msg protocol.Message, reason string) {
	c.metrics.recordIgnored(ctx, msg.Kind, reason)
	c.logger.Debug("rename.coordinator.response.ignored",
		"kind", msg.Kind.String(),
		"store_id", msg.StoreID,
		"msg_txn_id", msg.TxnID,
		"txn_id", c.txnID,
		"phase", c.phase.String(),
		"reason", reason,
	)
}

// broadcast builds one request per store, skipping stores in acked.
func (c *Coordinator) broadcast(build func(protocol.StoreID, uint64) protocol.Message, acked storeSet) []protocol.Message {
	out := make([]protocol.Message, 0, len(c.stores))
	for _, id := range c.stores {
		if _, ok := acked[id]; ok {
			continue
		}
		out = append(out, build(id, c.txnID))
	}
	return out
}
