package statestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/kryptograf"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/keyrename/internal/storage/disk"
	"pkt.systems/keyrename/internal/storage/memory"
)

func TestMemoryLoadSave(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("expected empty store, ok=%t err=%v", ok, err)
	}
	if err := store.Save(ctx, Record{}); err == nil {
		t.Fatalf("expected zero txn id to be rejected")
	}
	if err := store.Save(ctx, Record{TxnID: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	store.FailNextSaves(1)
	if err := store.Save(ctx, Record{TxnID: 1, WALCommitted: true}); !errors.Is(err, ErrInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	rec, ok, err := store.Load(ctx)
	if err != nil || !ok || rec.WALCommitted {
		t.Fatalf("failed save must not persist: %+v ok=%t err=%v", rec, ok, err)
	}
	clone := store.Clone()
	if err := store.Save(ctx, Record{TxnID: 2}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec, _, _ := clone.Load(ctx); rec.TxnID != 1 {
		t.Fatalf("clone shares state: %+v", rec)
	}
	store.SetFailing(true)
	if err := store.Save(ctx, Record{TxnID: 3}); !errors.Is(err, ErrInjected) {
		t.Fatalf("expected failing store")
	}
	if store.Saves() != 2 {
		t.Fatalf("expected 2 successful saves, got %d", store.Saves())
	}
}

func newObjectStore(t *testing.T, backend storage.Backend, crypto *storage.Crypto) *Object {
	t.Helper()
	store, err := NewObject(ObjectConfig{
		Backend: backend,
		Crypto:  crypto,
		Clock:   clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("new object store: %v", err)
	}
	return store
}

func TestObjectRoundTripAcrossInstances(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	first := newObjectStore(t, backend, nil)
	if _, ok, err := first.Load(ctx); err != nil || ok {
		t.Fatalf("expected empty record, ok=%t err=%v", ok, err)
	}
	if err := first.Save(ctx, Record{TxnID: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Save(ctx, Record{TxnID: 1, WALCommitted: true}); err != nil {
		t.Fatalf("save commit: %v", err)
	}

	second := newObjectStore(t, backend, nil)
	rec, ok, err := second.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%t err=%v", ok, err)
	}
	if !rec.Equal(Record{TxnID: 1, WALCommitted: true}) {
		t.Fatalf("unexpected record %s", rec)
	}
	if rec.UpdatedAt.IsZero() {
		t.Fatalf("expected update timestamp")
	}
	if err := second.Save(ctx, Record{TxnID: 2, WALCommitted: true}); err != nil {
		t.Fatalf("save after reload: %v", err)
	}
}

func TestObjectRejectsOlderEpochWriter(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	stale := newObjectStore(t, backend, nil)
	if err := stale.Save(ctx, Record{TxnID: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	recovered := newObjectStore(t, backend, nil)
	if _, _, err := recovered.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := recovered.Save(ctx, Record{TxnID: 2}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := stale.Save(ctx, Record{TxnID: 1, WALCommitted: true}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestObjectRecoversFromUnacknowledgedWrite(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	store := newObjectStore(t, backend, nil)
	if err := store.Save(ctx, Record{TxnID: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A write that landed while the caller lost the response leaves the
	// cached ETag stale.
	if _, err := backend.PutObject(ctx, DefaultNamespace, DefaultKey, bytes.NewReader([]byte(`{"txn_id":1,"wal_committed":true}`)), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Save(ctx, Record{TxnID: 1, WALCommitted: true}); err != nil {
		t.Fatalf("save after stale etag: %v", err)
	}
}

func TestObjectSealedRecord(t *testing.T) {
	ctx := context.Background()
	root := kryptograf.MustGenerateRootKey()
	mat, err := kryptograf.New(root).MintDEK([]byte("coordinator-state"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	crypto, err := storage.NewCrypto(storage.CryptoConfig{
		Enabled:    true,
		RootKey:    root,
		Descriptor: mat.Descriptor,
		Context:    []byte("coordinator-state"),
	})
	mat.Zero()
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	backend := memory.New()
	sealed := newObjectStore(t, backend, crypto)
	if err := sealed.Save(ctx, Record{TxnID: 4, WALCommitted: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := backend.GetObject(ctx, DefaultNamespace, DefaultKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	raw, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if bytes.Contains(raw, []byte("txn_id")) || res.Info.ContentType != storage.ContentTypeJSONEncrypted {
		t.Fatalf("record stored in plaintext: %q (%s)", raw, res.Info.ContentType)
	}
	rec, ok, err := newObjectStore(t, backend, crypto).Load(ctx)
	if err != nil || !ok || rec.TxnID != 4 || !rec.WALCommitted {
		t.Fatalf("sealed load: %+v ok=%t err=%v", rec, ok, err)
	}
	if _, _, err := newObjectStore(t, backend, nil).Load(ctx); err == nil {
		t.Fatalf("expected error loading sealed record without keyring")
	}
}

func TestObjectOnDiskBackendWatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	backend, err := disk.New(disk.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	defer backend.Close()
	store := newObjectStore(t, backend, nil)
	if err := store.Save(ctx, Record{TxnID: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	updates, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := store.Save(ctx, Record{TxnID: 1, WALCommitted: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	for {
		select {
		case rec, ok := <-updates:
			if !ok {
				t.Fatalf("watch closed early")
			}
			if rec.WALCommitted {
				return
			}
		case <-ctx.Done():
			t.Fatalf("no update observed")
		}
	}
}

func TestObjectConfigValidation(t *testing.T) {
	if _, err := NewObject(ObjectConfig{}); err == nil {
		t.Fatalf("expected backend error")
	}
	if _, err := NewObject(ObjectConfig{Backend: memory.New(), Namespace: "a/b"}); err == nil {
		t.Fatalf("expected namespace error")
	}
	store, err := NewObject(ObjectConfig{Backend: memory.New()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if ns, key := store.Location(); ns != DefaultNamespace || key != DefaultKey {
		t.Fatalf("unexpected location %s/%s", ns, key)
	}
}

func TestObjectResetRefusesUnfinishedRename(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	store := newObjectStore(t, backend, nil)
	if _, err := store.Reset(ctx, false); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on empty store, got %v", err)
	}
	if err := store.Save(ctx, Record{TxnID: 3, WALCommitted: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Reset(ctx, false); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected in-flight refusal, got %v", err)
	}
	if err := store.Save(ctx, Record{TxnID: 3, WALCommitted: true, Done: true}); err != nil {
		t.Fatalf("save done: %v", err)
	}
	rec, err := store.Reset(ctx, false)
	if err != nil || !rec.Done {
		t.Fatalf("reset: %s %v", rec, err)
	}
	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("record survived reset: ok=%t err=%v", ok, err)
	}
	if err := store.Save(ctx, Record{TxnID: 1}); err != nil {
		t.Fatalf("save after reset: %v", err)
	}
	if _, err := store.Reset(ctx, true); err != nil {
		t.Fatalf("forced reset: %v", err)
	}
}

func TestObjectRecordsListsSiblings(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	for _, key := range []string{"coordinator/orders.json", "coordinator/users.json"} {
		store, err := NewObject(ObjectConfig{Backend: backend, Key: key})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if err := store.Save(ctx, Record{TxnID: 1}); err != nil {
			t.Fatalf("save %s: %v", key, err)
		}
	}
	if _, err := backend.PutObject(ctx, DefaultNamespace, "elsewhere.json", bytes.NewReader([]byte("{}")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	store := newObjectStore(t, backend, nil)
	records, err := store.Records(ctx)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 || records[0].Key != "coordinator/orders.json" || records[1].Key != "coordinator/users.json" {
		t.Fatalf("unexpected listing %+v", records)
	}
}
