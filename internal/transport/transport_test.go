package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyrename/internal/coordinator"
	"pkt.systems/keyrename/internal/correlation"
	"pkt.systems/keyrename/internal/kvstore"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/replica"
	"pkt.systems/keyrename/internal/statestore"
)

func newReplicaServer(t *testing.T, id protocol.StoreID, logger pslog.Logger) (*replica.Replica, *httptest.Server) {
	t.Helper()
	store := kvstore.NewMemory()
	if err := store.Put(context.Background(), "orders/current", []byte("payload")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r, err := replica.New(context.Background(), replica.Config{ID: id, Store: store, Key: "orders/current", RenamedKey: "orders/archived"})
	if err != nil {
		t.Fatalf("replica: %v", err)
	}
	h, err := NewReplicaHandler(ReplicaHandlerConfig{Replica: r, Logger: logger})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return r, srv
}

func postMessage(t *testing.T, url string, msg protocol.Message) *http.Response {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url+PathMessage, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return out
}

func TestReplicaHandlerMessageStatuses(t *testing.T) {
	_, srv := newReplicaServer(t, 1, nil)

	resp := postMessage(t, srv.URL, protocol.LockRequest(1, 5))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lock status %d", resp.StatusCode)
	}
	var got protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != protocol.LockResponse(1, 5, true) {
		t.Fatalf("unexpected response %s", got)
	}

	if resp := postMessage(t, srv.URL, protocol.LockRequest(1, 4)); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stale request status %d", resp.StatusCode)
	}
	if resp := postMessage(t, srv.URL, protocol.LockRequest(2, 5)); resp.StatusCode != http.StatusBadRequest || decodeError(t, resp).ErrorCode != CodeWrongStore {
		t.Fatalf("wrong store not rejected")
	}
	if resp := postMessage(t, srv.URL, protocol.LockResponse(1, 5, true)); resp.StatusCode != http.StatusBadRequest || decodeError(t, resp).ErrorCode != CodeNotRequest {
		t.Fatalf("response kind not rejected")
	}

	bad, err := http.Post(srv.URL+PathMessage, "application/json", strings.NewReader(`{"kind":"shout","txn_id":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest || decodeError(t, bad).ErrorCode != CodeInvalidMessage {
		t.Fatalf("invalid message not rejected: %d", bad.StatusCode)
	}
}

func TestReplicaHandlerProtocolViolationFaults(t *testing.T) {
	store := kvstore.NewMemory()
	if err := store.Put(context.Background(), "orders/current", []byte("payload")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r, err := replica.New(context.Background(), replica.Config{ID: 1, Store: store, Key: "orders/current", RenamedKey: "orders/archived"})
	if err != nil {
		t.Fatalf("replica: %v", err)
	}
	var faults atomic.Int32
	h, err := NewReplicaHandler(ReplicaHandlerConfig{Replica: r, OnFault: func(error) { faults.Add(1) }})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := postMessage(t, srv.URL, protocol.RenameRequest(1, 1))
	if resp.StatusCode != http.StatusInternalServerError || decodeError(t, resp).ErrorCode != CodeProtocolViolation {
		t.Fatalf("expected protocol violation, got %d", resp.StatusCode)
	}
	resp = postMessage(t, srv.URL, protocol.UnlockRequest(1, 1))
	if resp.StatusCode != http.StatusServiceUnavailable || decodeError(t, resp).ErrorCode != CodeReplicaFaulted {
		t.Fatalf("expected faulted, got %d", resp.StatusCode)
	}
	if faults.Load() != 1 {
		t.Fatalf("fault hook called %d times", faults.Load())
	}
}

func TestClientValueAndStatus(t *testing.T) {
	ctx := context.Background()
	_, srv := newReplicaServer(t, 3, nil)
	client, err := NewClient(ClientConfig{Endpoints: map[protocol.StoreID]string{3: srv.URL}})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := client.UpdateValue(ctx, 3, []byte("v2")); err != nil {
		t.Fatalf("update: %v", err)
	}
	value, err := client.Value(ctx, 3)
	if err != nil || string(value.Value) != "v2" || value.KeyName != protocol.KeyOriginal {
		t.Fatalf("unexpected value %+v err %v", value, err)
	}
	if _, ok, err := client.Send(ctx, protocol.LockRequest(3, 1)); err != nil || !ok {
		t.Fatalf("lock: ok=%t err=%v", ok, err)
	}
	if err := client.UpdateValue(ctx, 3, []byte("v3")); !errors.Is(err, replica.ErrLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
	status, err := client.Status(ctx, 3)
	if err != nil || !status.Locked || status.StoreID != 3 || status.KeyName != protocol.KeyOriginal {
		t.Fatalf("unexpected status %+v err %v", status, err)
	}
	if _, _, err := client.Send(ctx, protocol.LockRequest(9, 1)); !errors.Is(err, ErrUnknownStore) {
		t.Fatalf("expected unknown store, got %v", err)
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var seenAttempt atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAttempt.Store(r.Header.Get(correlation.Header))
		if calls.Add(1) < 3 {
			WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{ErrorCode: "unavailable"})
			return
		}
		WriteJSON(w, http.StatusOK, protocol.UnlockResponse(1, 2))
	}))
	defer srv.Close()
	client, err := NewClient(ClientConfig{
		Endpoints:   map[protocol.StoreID]string{1: srv.URL},
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := correlation.Set(context.Background(), "attempt-7")
	resp, ok, err := client.Send(ctx, protocol.UnlockRequest(1, 2))
	if err != nil || !ok || resp != protocol.UnlockResponse(1, 2) {
		t.Fatalf("unexpected result %s ok=%t err=%v", resp, ok, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if got, _ := seenAttempt.Load().(string); got != "attempt-7" {
		t.Fatalf("correlation header not propagated: %q", got)
	}
}

func TestClientDoesNotRetryProtocolViolation(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{ErrorCode: CodeProtocolViolation})
	}))
	defer srv.Close()
	client, err := NewClient(ClientConfig{Endpoints: map[protocol.StoreID]string{1: srv.URL}, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, _, err = client.Send(context.Background(), protocol.RenameRequest(1, 1))
	if !errors.Is(err, replica.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("protocol violation retried %d times", calls.Load())
	}
}

func TestClientBackoffCapped(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Endpoints:  map[protocol.StoreID]string{1: "127.0.0.1:1"},
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   25 * time.Millisecond,
		Multiplier: 2,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	for i, w := range want {
		if got := client.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
	if client.endpoints[1] != "http://127.0.0.1:1" {
		t.Fatalf("endpoint not normalised: %s", client.endpoints[1])
	}
}

func TestRenameOverHTTP(t *testing.T) {
	var buf bytes.Buffer
	logger := loggingutil.Buffer(&buf, pslog.DebugLevel)
	endpoints := map[protocol.StoreID]string{}
	replicas := map[protocol.StoreID]*replica.Replica{}
	for _, id := range []protocol.StoreID{1, 2, 3} {
		r, srv := newReplicaServer(t, id, logger)
		replicas[id] = r
		endpoints[id] = srv.URL
	}
	client, err := NewClient(ClientConfig{Endpoints: endpoints, BaseDelay: time.Millisecond, Logger: logger})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coord, _, err := coordinator.Open(ctx, coordinator.Config{Stores: []protocol.StoreID{1, 2, 3}, State: statestore.NewMemory(), Logger: logger})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	driver, err := coordinator.NewDriver(coordinator.DriverConfig{
		Coordinator:        coord,
		Sender:             client,
		RetransmitInterval: 20 * time.Millisecond,
		StopWhenDone:       true,
		Logger:             logger,
	})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	attempt, err := driver.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := driver.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	for id, r := range replicas {
		value, name, err := r.Value(ctx)
		if err != nil || name != protocol.KeyRenamed || string(value) != "payload" {
			t.Fatalf("store %d: name=%s value=%q err=%v", id, name, value, err)
		}
	}
	found := false
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "replica.http.message") && strings.Contains(line, attempt.ID) {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("attempt id %s missing from replica logs:\n%s", attempt.ID, buf.String())
	}
}
