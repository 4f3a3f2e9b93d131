package keyrename

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/keyrename/internal/kvstore"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/statestore"
	"pkt.systems/keyrename/internal/transport"
)

func startReplica(t *testing.T, id protocol.StoreID, opts ...Option) (*ReplicaServer, string) {
	t.Helper()
	srv, err := NewReplicaServer(context.Background(), ReplicaConfig{
		Listen:     "127.0.0.1:0",
		ID:         id,
		Key:        "orders/current",
		RenamedKey: "orders/archived",
		Seed:       []byte("payload"),
	}, opts...)
	if err != nil {
		t.Fatalf("replica %d: %v", id, err)
	}
	stop, err := Run(context.Background(), srv)
	if err != nil {
		t.Fatalf("run replica %d: %v", id, err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return srv, "http://" + srv.ListenerAddr().String()
}

func waitForPhase(t *testing.T, client *transport.CoordinatorClient, want protocol.Phase) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := client.Status(ctx)
		if err == nil && snap.Phase == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("coordinator did not reach %s", want)
}

func TestCoordinatorRenamesAcrossReplicaServers(t *testing.T) {
	ctx := context.Background()
	var replicas []ReplicaEndpoint
	var servers []*ReplicaServer
	for id := protocol.StoreID(1); id <= 3; id++ {
		var opts []Option
		if id == 2 {
			opts = append(opts, WithKVStore(kvstore.NewMemory()))
		}
		srv, url := startReplica(t, id, opts...)
		servers = append(servers, srv)
		replicas = append(replicas, ReplicaEndpoint{ID: id, URL: url})
	}
	state := statestore.NewMemory()
	coord, err := NewCoordinatorServer(ctx, CoordinatorConfig{
		Listen:             "127.0.0.1:0",
		Replicas:           replicas,
		RetransmitInterval: 20 * time.Millisecond,
	}, WithStateStore(state))
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	stop, err := Run(ctx, coord)
	if err != nil {
		t.Fatalf("run coordinator: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })

	client, err := transport.NewCoordinatorClient(coord.ListenerAddr().String(), transport.ClientConfig{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	attempt, err := client.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if attempt.TxnID != 1 {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
	waitForPhase(t, client, protocol.PhaseDone)

	for _, srv := range servers {
		value, name, err := srv.Replica().Value(ctx)
		if err != nil {
			t.Fatalf("store %d value: %v", srv.Replica().ID(), err)
		}
		if name != protocol.KeyRenamed || !bytes.Equal(value, []byte("payload")) {
			t.Fatalf("store %d: %s=%q", srv.Replica().ID(), name, value)
		}
		if locked, _ := srv.Replica().Locked(ctx); locked {
			t.Fatalf("store %d still locked", srv.Replica().ID())
		}
	}
	rec, ok, err := state.Load(ctx)
	if err != nil || !ok || !rec.WALCommitted || !rec.Done {
		t.Fatalf("unexpected durable record %s ok=%v err=%v", rec, ok, err)
	}
	_, err = client.Begin(ctx)
	var apiErr *transport.APIError
	if !errors.As(err, &apiErr) || apiErr.Response.ErrorCode != transport.CodeRenameDone {
		t.Fatalf("expected rename_done, got %v", err)
	}
}

func TestCoordinatorRecoversCommittedRecordOnBoot(t *testing.T) {
	ctx := context.Background()
	var replicas []ReplicaEndpoint
	var servers []*ReplicaServer
	for id := protocol.StoreID(1); id <= 2; id++ {
		srv, url := startReplica(t, id)
		servers = append(servers, srv)
		replicas = append(replicas, ReplicaEndpoint{ID: id, URL: url})
	}
	// Drive both replicas to locked-at-epoch-1, then leave a committed
	// record behind as if the coordinator died right after its decision.
	for _, srv := range servers {
		if _, ok, err := srv.Replica().Handle(ctx, protocol.LockRequest(srv.Replica().ID(), 1)); err != nil || !ok {
			t.Fatalf("lock: ok=%v err=%v", ok, err)
		}
	}
	state := statestore.NewMemory()
	if err := state.Save(ctx, statestore.Record{TxnID: 1, WALCommitted: true}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	coord, err := NewCoordinatorServer(ctx, CoordinatorConfig{
		Listen:             "127.0.0.1:0",
		Replicas:           replicas,
		RetransmitInterval: 20 * time.Millisecond,
	}, WithStateStore(state))
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	stop, err := Run(ctx, coord)
	if err != nil {
		t.Fatalf("run coordinator: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	client, err := transport.NewCoordinatorClient(coord.ListenerAddr().String(), transport.ClientConfig{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	waitForPhase(t, client, protocol.PhaseDone)
	snap, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.TxnID != 2 || !snap.WALCommitted {
		t.Fatalf("expected recovery under txn 2 with commit, got %+v", snap)
	}
	for _, srv := range servers {
		name, err := srv.Replica().KeyName(ctx)
		if err != nil || name != protocol.KeyRenamed {
			t.Fatalf("store %d at %s (%v)", srv.Replica().ID(), name, err)
		}
	}
}

func TestReplicaServerExitsOnProtocolViolation(t *testing.T) {
	srv, err := NewReplicaServer(context.Background(), ReplicaConfig{Listen: "127.0.0.1:0", ID: 7, Seed: []byte("v")})
	if err != nil {
		t.Fatalf("replica: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	readyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	client, err := transport.NewClient(transport.ClientConfig{
		Endpoints: map[protocol.StoreID]string{7: srv.ListenerAddr().String()},
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, _, err := client.Send(context.Background(), protocol.RenameRequest(7, 1)); err == nil {
		t.Fatalf("expected protocol violation")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrReplicaFaulted) {
			t.Fatalf("expected ErrReplicaFaulted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("replica server kept running after fault")
	}
}

func TestReplicaServerSeedsOnlyMissingValue(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	if err := store.Put(ctx, "A'", []byte("already renamed")); err != nil {
		t.Fatalf("put: %v", err)
	}
	srv, err := NewReplicaServer(ctx, ReplicaConfig{Listen: "127.0.0.1:0", ID: 1, Seed: []byte("fresh")}, WithKVStore(store))
	if err != nil {
		t.Fatalf("replica: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	value, name, err := srv.Replica().Value(ctx)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if name != protocol.KeyRenamed || string(value) != "already renamed" {
		t.Fatalf("seed overwrote existing value: %s=%q", name, value)
	}
	if ok, _ := store.Contains(ctx, "A"); ok {
		t.Fatalf("seed created A next to the renamed value")
	}
}
