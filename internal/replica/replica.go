// Package replica implements the per-store side of the rename protocol: it
// applies lock, rename and unlock requests to a key-value store and discards
// requests from superseded coordinator epochs.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/keyrename/internal/kvstore"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/pslog"
)

var (
	// ErrProtocolViolation reports a rename request for a store that is
	// neither renamed nor locked. The replica faults permanently.
	ErrProtocolViolation = errors.New("replica: protocol violation")
	// ErrFaulted is returned by every call after a protocol violation.
	ErrFaulted = errors.New("replica: faulted")
	// ErrLocked rejects value updates while the rename locks are held.
	ErrLocked = errors.New("replica: key locked")
	// ErrWrongStore rejects messages addressed to another store.
	ErrWrongStore = errors.New("replica: message for another store")
	// ErrNotRequest rejects response messages.
	ErrNotRequest = errors.New("replica: not a request")
	// ErrNotCloneable is returned by Clone when the backing store cannot be copied.
	ErrNotCloneable = errors.New("replica: store not cloneable")
)

// FenceKey is where the replica persists its fence inside the store.
const FenceKey = kvstore.ReservedPrefix + "fence"

// Config describes a replica.
type Config struct {
	ID         protocol.StoreID
	Store      kvstore.Store
	Key        string
	RenamedKey string
	FenceMode  FenceMode
	Logger     pslog.Logger
}

// Status is a point-in-time view of a replica.
type Status struct {
	StoreID protocol.StoreID `json:"store_id"`
	KeyName protocol.KeyName `json:"key_name"`
	Locked  bool             `json:"locked"`
	Fence   Fence            `json:"fence"`
	Faulted bool             `json:"faulted"`
}

// Replica is one participant store. Methods are safe for concurrent use.
type Replica struct {
	mu         sync.Mutex
	id         protocol.StoreID
	store      kvstore.Store
	key        string
	renamedKey string
	mode       FenceMode
	fence      Fence
	faulted    bool
	logger     pslog.Logger
	metrics    *replicaMetrics
}

// New builds a replica and restores its persisted fence.
func New(ctx context.Context, cfg Config) (*Replica, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("replica: store required")
	}
	if err := kvstore.ValidateUserKey(cfg.Key); err != nil {
		return nil, fmt.Errorf("replica: key %q: %w", cfg.Key, err)
	}
	if err := kvstore.ValidateUserKey(cfg.RenamedKey); err != nil {
		return nil, fmt.Errorf("replica: renamed key %q: %w", cfg.RenamedKey, err)
	}
	if cfg.Key == cfg.RenamedKey {
		return nil, fmt.Errorf("replica: key and renamed key must differ")
	}
	logger := loggingutil.EnsureLogger(cfg.Logger).With("store_id", cfg.ID)
	r := &Replica{
		id:         cfg.ID,
		store:      cfg.Store,
		key:        cfg.Key,
		renamedKey: cfg.RenamedKey,
		mode:       cfg.FenceMode,
		logger:     logger,
		metrics:    newReplicaMetrics(logger),
	}
	raw, err := cfg.Store.Get(ctx, FenceKey)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("replica: load fence: %w", err)
	default:
		if r.fence, err = decodeFence(raw); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ID returns the store id.
func (r *Replica) ID() protocol.StoreID { return r.id }

// Handle applies a request. ok is false when the request was discarded as
// stale and no response must be sent.
func (r *Replica) Handle(ctx context.Context, msg protocol.Message) (resp protocol.Message, ok bool, err error) {
	if !msg.Kind.IsRequest() {
		return protocol.Message{}, false, fmt.Errorf("%w: %s", ErrNotRequest, msg.Kind)
	}
	if msg.StoreID != r.id {
		return protocol.Message{}, false, fmt.Errorf("%w: got %d, am %d", ErrWrongStore, msg.StoreID, r.id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.faulted {
		return protocol.Message{}, false, ErrFaulted
	}
	stage := msg.Kind.Stage()
	if r.fence.Stale(msg.TxnID, stage, r.mode) {
		r.logger.Debug("rename.replica.stale",
			"kind", msg.Kind.String(),
			"txn_id", msg.TxnID,
			"fence_txn_id", r.fence.TxnID,
			"fence_stage", r.fence.Stage.String(),
		)
		r.metrics.recordStale(ctx, r.id, msg.Kind)
		return protocol.Message{}, false, nil
	}
	if err := r.advanceFence(ctx, msg.TxnID, stage); err != nil {
		return protocol.Message{}, false, err
	}
	switch msg.Kind {
	case protocol.KindLockRequest:
		resp, err = r.handleLock(ctx, msg.TxnID)
	case protocol.KindRenameRequest:
		resp, err = r.handleRename(ctx, msg.TxnID)
	case protocol.KindUnlockRequest:
		resp, err = r.handleUnlock(ctx, msg.TxnID)
	case protocol.KindLockResponse, protocol.KindRenameResponse, protocol.KindUnlockResponse:
		return protocol.Message{}, false, fmt.Errorf("%w: %s", ErrNotRequest, msg.Kind)
	}
	if err != nil {
		return protocol.Message{}, false, err
	}
	return resp, true, nil
}

func (r *Replica) advanceFence(ctx context.Context, txnID uint64, stage protocol.Stage) error {
	next := r.fence.Advance(txnID, stage)
	if next == r.fence {
		return nil
	}
	raw, err := encodeFence(next)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, FenceKey, raw); err != nil {
		return fmt.Errorf("replica: persist fence: %w", err)
	}
	r.fence = next
	return nil
}

func (r *Replica) handleLock(ctx context.Context, txnID uint64) (protocol.Message, error) {
	name, err := r.keyName(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	if name != protocol.KeyOriginal {
		r.logger.Info("rename.replica.lock.refused", "txn_id", txnID, "key_name", name.String())
		r.metrics.recordRequest(ctx, r.id, protocol.KindLockRequest, "refused")
		return protocol.LockResponse(r.id, txnID, false), nil
	}
	locked, err := r.locked(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	if locked {
		r.metrics.recordRequest(ctx, r.id, protocol.KindLockRequest, "duplicate")
		return protocol.LockResponse(r.id, txnID, true), nil
	}
	occupied, err := r.store.Contains(ctx, r.renamedKey)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("replica: inspect renamed key: %w", err)
	}
	if occupied {
		r.logger.Info("rename.replica.lock.refused", "txn_id", txnID, "reason", "target_exists")
		r.metrics.recordRequest(ctx, r.id, protocol.KindLockRequest, "refused")
		return protocol.LockResponse(r.id, txnID, false), nil
	}
	if err := r.store.Lock(ctx, r.key, r.renamedKey); err != nil {
		return protocol.Message{}, fmt.Errorf("replica: lock: %w", err)
	}
	r.logger.Info("rename.replica.locked", "txn_id", txnID)
	r.metrics.recordRequest(ctx, r.id, protocol.KindLockRequest, "applied")
	return protocol.LockResponse(r.id, txnID, true), nil
}

func (r *Replica) handleRename(ctx context.Context, txnID uint64) (protocol.Message, error) {
	name, err := r.keyName(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	if name == protocol.KeyRenamed {
		r.metrics.recordRequest(ctx, r.id, protocol.KindRenameRequest, "duplicate")
		return protocol.RenameResponse(r.id, txnID), nil
	}
	locked, err := r.locked(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	if !locked || name != protocol.KeyOriginal {
		r.faulted = true
		r.logger.Error("rename.replica.protocol_violation",
			"txn_id", txnID,
			"key_name", name.String(),
			"locked", locked,
		)
		r.metrics.recordFault(ctx, r.id)
		return protocol.Message{}, fmt.Errorf("%w: rename txn %d on store %d (key=%s locked=%t)",
			ErrProtocolViolation, txnID, r.id, name, locked)
	}
	if _, err := r.store.Rename(ctx, r.key, r.renamedKey); err != nil {
		return protocol.Message{}, fmt.Errorf("replica: rename: %w", err)
	}
	r.logger.Info("rename.replica.renamed", "txn_id", txnID)
	r.metrics.recordRequest(ctx, r.id, protocol.KindRenameRequest, "applied")
	return protocol.RenameResponse(r.id, txnID), nil
}

func (r *Replica) handleUnlock(ctx context.Context, txnID uint64) (protocol.Message, error) {
	if err := r.store.Unlock(ctx, r.key, r.renamedKey); err != nil {
		return protocol.Message{}, fmt.Errorf("replica: unlock: %w", err)
	}
	r.logger.Info("rename.replica.unlocked", "txn_id", txnID)
	r.metrics.recordRequest(ctx, r.id, protocol.KindUnlockRequest, "applied")
	return protocol.UnlockResponse(r.id, txnID), nil
}

// UpdateValue overwrites the value under its current name. It fails with
// ErrLocked while a rename holds the locks.
func (r *Replica) UpdateValue(ctx context.Context, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.faulted {
		return ErrFaulted
	}
	locked, err := r.locked(ctx)
	if err != nil {
		return err
	}
	if locked {
		return ErrLocked
	}
	name, err := r.keyName(ctx)
	if err != nil {
		return err
	}
	target := r.key
	if name == protocol.KeyRenamed {
		target = r.renamedKey
	}
	if err := r.store.Put(ctx, target, value); err != nil {
		if errors.Is(err, kvstore.ErrLocked) {
			return ErrLocked
		}
		return fmt.Errorf("replica: update value: %w", err)
	}
	r.logger.Debug("rename.replica.value.updated", "key_name", name.String(), "bytes", len(value))
	return nil
}

// Value returns the value under its current name.
func (r *Replica) Value(ctx context.Context) ([]byte, protocol.KeyName, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, err := r.keyName(ctx)
	if err != nil {
		return nil, protocol.KeyMissing, err
	}
	var key string
	switch name {
	case protocol.KeyOriginal:
		key = r.key
	case protocol.KeyRenamed:
		key = r.renamedKey
	case protocol.KeyMissing:
		return nil, protocol.KeyMissing, kvstore.ErrNotFound
	}
	value, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, name, err
	}
	return value, name, nil
}

// KeyName reports which name currently holds the value.
func (r *Replica) KeyName(ctx context.Context) (protocol.KeyName, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keyName(ctx)
}

// Locked reports whether the rename locks are held.
func (r *Replica) Locked(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked(ctx)
}

// Fence returns the current fence.
func (r *Replica) Fence() Fence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fence
}

// Faulted reports whether the replica observed a protocol violation.
func (r *Replica) Faulted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faulted
}

// Status returns a point-in-time view of the replica.
func (r *Replica) Status(ctx context.Context) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, err := r.keyName(ctx)
	if err != nil {
		return Status{}, err
	}
	locked, err := r.locked(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		StoreID: r.id,
		KeyName: name,
		Locked:  locked,
		Fence:   r.fence,
		Faulted: r.faulted,
	}, nil
}

// Clone returns an independent copy backed by a copy of the store.
func (r *Replica) Clone() (*Replica, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cloner, ok := r.store.(kvstore.Cloner)
	if !ok {
		return nil, ErrNotCloneable
	}
	return &Replica{
		id:         r.id,
		store:      cloner.Clone(),
		key:        r.key,
		renamedKey: r.renamedKey,
		mode:       r.mode,
		fence:      r.fence,
		faulted:    r.faulted,
		logger:     r.logger,
		metrics:    r.metrics,
	}, nil
}

// Close closes the backing store.
func (r *Replica) Close() error {
	return r.store.Close()
}

func (r *Replica) keyName(ctx context.Context) (protocol.KeyName, error) {
	hasKey, err := r.store.Contains(ctx, r.key)
	if err != nil {
		return protocol.KeyMissing, fmt.Errorf("replica: inspect key: %w", err)
	}
	if hasKey {
		return protocol.KeyOriginal, nil
	}
	hasRenamed, err := r.store.Contains(ctx, r.renamedKey)
	if err != nil {
		return protocol.KeyMissing, fmt.Errorf("replica: inspect renamed key: %w", err)
	}
	if hasRenamed {
		return protocol.KeyRenamed, nil
	}
	return protocol.KeyMissing, nil
}

func (r *Replica) locked(ctx context.Context) (bool, error) {
	for _, key := range []string{r.key, r.renamedKey} {
		held, err := r.store.IsLocked(ctx, key)
		if err != nil {
			return false, fmt.Errorf("replica: inspect lock: %w", err)
		}
		if !held {
			return false, nil
		}
	}
	return true, nil
}
