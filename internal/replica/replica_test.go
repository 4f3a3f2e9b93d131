package replica

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/keyrename/internal/kvstore"
	"pkt.systems/keyrename/internal/protocol"
)

const (
	testKey     = "orders/current"
	testRenamed = "orders/archived"
)

func newTestReplica(t testing.TB, mode FenceMode) (*Replica, *kvstore.Memory) {
	t.Helper()
	store := kvstore.NewMemory()
	if err := store.Put(context.Background(), testKey, []byte("payload")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r, err := New(context.Background(), Config{
		ID:         1,
		Store:      store,
		Key:        testKey,
		RenamedKey: testRenamed,
		FenceMode:  mode,
	})
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	return r, store
}

func mustHandle(t testing.TB, r *Replica, msg protocol.Message) (protocol.Message, bool) {
	t.Helper()
	resp, ok, err := r.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle %s: %v", msg, err)
	}
	return resp, ok
}

func TestLockRenameUnlock(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReplica(t, FenceEpochStage)

	resp, ok := mustHandle(t, r, protocol.LockRequest(1, 1))
	if !ok || resp != protocol.LockResponse(1, 1, true) {
		t.Fatalf("unexpected lock response %v ok=%t", resp, ok)
	}
	if err := r.UpdateValue(ctx, []byte("other")); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected locked update, got %v", err)
	}

	resp, ok = mustHandle(t, r, protocol.RenameRequest(1, 1))
	if !ok || resp != protocol.RenameResponse(1, 1) {
		t.Fatalf("unexpected rename response %v", resp)
	}
	value, name, err := r.Value(ctx)
	if err != nil || name != protocol.KeyRenamed || string(value) != "payload" {
		t.Fatalf("value after rename: %q %s %v", value, name, err)
	}

	resp, ok = mustHandle(t, r, protocol.UnlockRequest(1, 1))
	if !ok || resp != protocol.UnlockResponse(1, 1) {
		t.Fatalf("unexpected unlock response %v", resp)
	}
	if locked, _ := r.Locked(ctx); locked {
		t.Fatalf("still locked after unlock")
	}
	if ok, _ := store.Contains(ctx, testKey); ok {
		t.Fatalf("original key still present")
	}
	if err := r.UpdateValue(ctx, []byte("after")); err != nil {
		t.Fatalf("update after unlock: %v", err)
	}
	if got, _ := store.Get(ctx, testRenamed); string(got) != "after" {
		t.Fatalf("update must target the renamed key, got %q", got)
	}
}

func TestHandlersAreIdempotent(t *testing.T) {
	r, _ := newTestReplica(t, FenceEpochStage)
	for _, msg := range []protocol.Message{
		protocol.LockRequest(1, 1),
		protocol.RenameRequest(1, 1),
		protocol.UnlockRequest(1, 1),
	} {
		first, ok1 := mustHandle(t, r, msg)
		statusAfterFirst, _ := r.Status(context.Background())
		second, ok2 := mustHandle(t, r, msg)
		statusAfterSecond, _ := r.Status(context.Background())
		if first != second || ok1 != ok2 {
			t.Fatalf("%s: responses differ %v / %v", msg.Kind, first, second)
		}
		if statusAfterFirst != statusAfterSecond {
			t.Fatalf("%s: state changed on duplicate: %+v -> %+v", msg.Kind, statusAfterFirst, statusAfterSecond)
		}
	}
}

func TestLockRefusedWhenRenamedOrTargetOccupied(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReplica(t, FenceEpochStage)
	if err := store.Put(ctx, testRenamed, []byte("foreign")); err != nil {
		t.Fatalf("seed foreign: %v", err)
	}
	resp, ok := mustHandle(t, r, protocol.LockRequest(1, 1))
	if !ok || resp.Success {
		t.Fatalf("expected refusal, got %v", resp)
	}
	if locked, _ := r.Locked(ctx); locked {
		t.Fatalf("refused lock must not lock")
	}

	renamed := kvstore.NewMemory()
	_ = renamed.Put(ctx, testRenamed, []byte("payload"))
	r2, err := New(ctx, Config{ID: 2, Store: renamed, Key: testKey, RenamedKey: testRenamed})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, ok, err = r2.Handle(ctx, protocol.LockRequest(2, 1))
	if err != nil || !ok || resp.Success {
		t.Fatalf("expected refusal on renamed store, got %v %t %v", resp, ok, err)
	}
}

func TestStaleEpochDiscarded(t *testing.T) {
	r, _ := newTestReplica(t, FenceEpochStage)
	mustHandle(t, r, protocol.UnlockRequest(1, 5))
	if _, ok := mustHandle(t, r, protocol.LockRequest(1, 4)); ok {
		t.Fatalf("older epoch must be discarded")
	}
	if _, ok := mustHandle(t, r, protocol.RenameRequest(1, 4)); ok {
		t.Fatalf("older epoch rename must be discarded")
	}
	if got := r.Fence(); got != (Fence{TxnID: 5, Stage: protocol.StageUnlock}) {
		t.Fatalf("unexpected fence %+v", got)
	}
}

func TestEarlierStageDiscardedWithinEpoch(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReplica(t, FenceEpochStage)
	mustHandle(t, r, protocol.LockRequest(1, 1))
	mustHandle(t, r, protocol.UnlockRequest(1, 1))
	if _, ok := mustHandle(t, r, protocol.LockRequest(1, 1)); ok {
		t.Fatalf("late duplicate lock must be discarded")
	}
	if locked, _ := r.Locked(ctx); locked {
		t.Fatalf("late duplicate lock re-locked the store")
	}
}

func TestTxnOnlyFenceRelocksOnLateDuplicate(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReplica(t, FenceTxnOnly)
	mustHandle(t, r, protocol.LockRequest(1, 1))
	mustHandle(t, r, protocol.UnlockRequest(1, 1))
	if _, ok := mustHandle(t, r, protocol.LockRequest(1, 1)); !ok {
		t.Fatalf("txn-only fence accepts same-epoch duplicates")
	}
	if locked, _ := r.Locked(ctx); !locked {
		t.Fatalf("expected the duplicate to re-lock")
	}
}

func TestRenameWithoutLockFaults(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReplica(t, FenceEpochStage)
	_, _, err := r.Handle(ctx, protocol.RenameRequest(1, 1))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if !r.Faulted() {
		t.Fatalf("replica must fault")
	}
	if _, _, err := r.Handle(ctx, protocol.UnlockRequest(1, 2)); !errors.Is(err, ErrFaulted) {
		t.Fatalf("expected faulted, got %v", err)
	}
	if err := r.UpdateValue(ctx, nil); !errors.Is(err, ErrFaulted) {
		t.Fatalf("expected faulted update, got %v", err)
	}
}

func TestHandleRejectsMisaddressedAndResponses(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReplica(t, FenceEpochStage)
	if _, _, err := r.Handle(ctx, protocol.LockRequest(9, 1)); !errors.Is(err, ErrWrongStore) {
		t.Fatalf("expected wrong store, got %v", err)
	}
	if _, _, err := r.Handle(ctx, protocol.LockResponse(1, 1, true)); !errors.Is(err, ErrNotRequest) {
		t.Fatalf("expected not request, got %v", err)
	}
}

func TestFencePersistsInStore(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReplica(t, FenceEpochStage)
	mustHandle(t, r, protocol.LockRequest(1, 3))
	restarted, err := New(ctx, Config{ID: 1, Store: store, Key: testKey, RenamedKey: testRenamed})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := restarted.Fence(); got != (Fence{TxnID: 3, Stage: protocol.StageLock}) {
		t.Fatalf("fence not restored: %+v", got)
	}
}

func TestConfigValidation(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	cases := []Config{
		{Store: nil, Key: "a", RenamedKey: "b"},
		{Store: store, Key: "", RenamedKey: "b"},
		{Store: store, Key: "a", RenamedKey: FenceKey},
		{Store: store, Key: "a", RenamedKey: "a"},
	}
	for i, cfg := range cases {
		if _, err := New(ctx, cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReplica(t, FenceEpochStage)
	clone, err := r.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	mustHandle(t, r, protocol.LockRequest(1, 1))
	if locked, _ := clone.Locked(ctx); locked {
		t.Fatalf("clone observed lock")
	}
	if clone.Fence() != (Fence{}) {
		t.Fatalf("clone observed fence advance")
	}
}

func TestFenceModeParsing(t *testing.T) {
	for name, want := range map[string]FenceMode{"": FenceEpochStage, "epoch-stage": FenceEpochStage, "txn-only": FenceTxnOnly} {
		got, err := ParseFenceMode(name)
		if err != nil || got != want {
			t.Fatalf("%q: got %s %v", name, got, err)
		}
	}
	if _, err := ParseFenceMode("strict"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
