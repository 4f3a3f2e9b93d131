package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/kvstore"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/replica"
	"pkt.systems/keyrename/internal/statestore"
)

// lossySender delivers straight to in-process replicas and loses every
// dropEvery-th request.
type lossySender struct {
	mu        sync.Mutex
	replicas  map[protocol.StoreID]*replica.Replica
	dropEvery int
	calls     int
}

func (s *lossySender) Send(ctx context.Context, msg protocol.Message) (protocol.Message, bool, error) {
	s.mu.Lock()
	s.calls++
	drop := s.dropEvery > 0 && s.calls%s.dropEvery == 0
	r := s.replicas[msg.StoreID]
	s.mu.Unlock()
	if r == nil {
		return protocol.Message{}, false, fmt.Errorf("no store %d", msg.StoreID)
	}
	if drop {
		return protocol.Message{}, false, errors.New("connection reset")
	}
	return r.Handle(ctx, msg)
}

func newReplicas(t testing.TB, ids ...protocol.StoreID) map[protocol.StoreID]*replica.Replica {
	t.Helper()
	out := make(map[protocol.StoreID]*replica.Replica, len(ids))
	for _, id := range ids {
		store := kvstore.NewMemory()
		if err := store.Put(context.Background(), "config", []byte("v1")); err != nil {
			t.Fatalf("seed: %v", err)
		}
		r, err := replica.New(context.Background(), replica.Config{ID: id, Store: store, Key: "config", RenamedKey: "config.next"})
		if err != nil {
			t.Fatalf("replica: %v", err)
		}
		out[id] = r
	}
	return out
}

func runDriver(t testing.TB, d *Driver) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDriverCompletesRenameDespiteLoss(t *testing.T) {
	ctx := context.Background()
	replicas := newReplicas(t, 1, 2, 3)
	c, _ := openTest(t, statestore.NewMemory(), 1, 2, 3)
	d, err := NewDriver(DriverConfig{
		Coordinator:        c,
		Sender:             &lossySender{replicas: replicas, dropEvery: 3},
		RetransmitInterval: 5 * time.Millisecond,
		StopWhenDone:       true,
	})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	if _, err := d.Begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	runDriver(t, d)
	if !c.IsDurableCommit() {
		t.Fatalf("expected commit")
	}
	for id, r := range replicas {
		status, err := r.Status(ctx)
		if err != nil {
			t.Fatalf("status %d: %v", id, err)
		}
		if status.KeyName != protocol.KeyRenamed || status.Locked {
			t.Fatalf("store %d not renamed and unlocked: %+v", id, status)
		}
	}
}

func TestDriverRecoversCrashedCoordinator(t *testing.T) {
	ctx := context.Background()
	replicas := newReplicas(t, 1, 2)
	state := statestore.NewMemory()
	c, _ := openTest(t, state)
	if _, _, err := c.BeginRename(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Lock requests never left the process before the crash.
	c.Crash()
	d, err := NewDriver(DriverConfig{
		Coordinator:        c,
		Sender:             &lossySender{replicas: replicas},
		RetransmitInterval: 5 * time.Millisecond,
		StopWhenDone:       true,
	})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	runDriver(t, d)
	if c.IsDurableCommit() || c.TxnID() != 2 {
		t.Fatalf("expected aborted attempt at txn 2, got committed=%t txn=%d", c.IsDurableCommit(), c.TxnID())
	}
	for id, r := range replicas {
		if name, _ := r.KeyName(ctx); name != protocol.KeyOriginal {
			t.Fatalf("store %d moved to %s", id, name)
		}
	}
}

type faultySender struct{}

func (faultySender) Send(context.Context, protocol.Message) (protocol.Message, bool, error) {
	return protocol.Message{}, false, fmt.Errorf("remote: %w", replica.ErrProtocolViolation)
}

func TestDriverStopsOnReplicaFault(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _ := openTest(t, statestore.NewMemory())
	d, err := NewDriver(DriverConfig{Coordinator: c, Sender: faultySender{}, RetransmitInterval: time.Hour})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	if _, err := d.Begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := d.Run(ctx); !errors.Is(err, replica.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestNewDriverValidation(t *testing.T) {
	if _, err := NewDriver(DriverConfig{}); err == nil {
		t.Fatalf("expected missing coordinator error")
	}
	c, _ := openTest(t, statestore.NewMemory())
	if _, err := NewDriver(DriverConfig{Coordinator: c}); err == nil {
		t.Fatalf("expected missing sender error")
	}
}

func TestDriverRecoversOnManualTick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	replicas := newReplicas(t, 1, 2)
	state := statestore.NewMemory()
	c, _ := openTest(t, state)
	if _, _, err := c.BeginRename(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	c.Crash()
	clk := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	d, err := NewDriver(DriverConfig{
		Coordinator:        c,
		Sender:             &lossySender{replicas: replicas},
		Clock:              clk,
		RetransmitInterval: time.Second,
		StopWhenDone:       true,
	})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	if !clk.BlockUntil(1, time.Second) {
		t.Fatalf("driver never armed its retransmit timer")
	}
	if c.Phase() != protocol.PhaseCrashed {
		t.Fatalf("recovered before the tick: %s", c.Phase())
	}
	clk.Advance(time.Second)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("driver did not finish after recovery tick")
	}
	if rec, _, _ := state.Load(ctx); !rec.Done || rec.TxnID != 2 || rec.WALCommitted {
		t.Fatalf("unexpected final record %+v", rec)
	}
}
