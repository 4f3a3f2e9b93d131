package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/keyrename/internal/storage"
)

func TestPutGetCAS(t *testing.T) {
	ctx := context.Background()
	store := New()

	info, err := store.PutObject(ctx, "ns", "coord/state.json", strings.NewReader("v1"), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.PutObject(ctx, "ns", "coord/state.json", strings.NewReader("v1b"), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on duplicate create, got %v", err)
	}
	if _, err := store.PutObject(ctx, "ns", "coord/state.json", strings.NewReader("v2"), storage.PutObjectOptions{ExpectedETag: "stale"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	updated, err := store.PutObject(ctx, "ns", "coord/state.json", strings.NewReader("v2"), storage.PutObjectOptions{ExpectedETag: info.ETag})
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if updated.ETag == info.ETag {
		t.Fatalf("etag must change on update")
	}

	obj, err := store.GetObject(ctx, "ns", "coord/state.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer obj.Reader.Close()
	payload, _ := io.ReadAll(obj.Reader)
	if string(payload) != "v2" || obj.Info.ETag != updated.ETag || obj.Info.ContentType != "" {
		t.Fatalf("unexpected object %q %+v", payload, obj.Info)
	}
	if _, err := store.PutObject(ctx, "ns", "missing", strings.NewReader("x"), storage.PutObjectOptions{ExpectedETag: "e"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, key := range []string{"b", "a", "c/d"} {
		if _, err := store.PutObject(ctx, "ns", key, strings.NewReader(key), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	_, _ = store.PutObject(ctx, "other", "a", strings.NewReader("x"), storage.PutObjectOptions{})

	page, err := store.ListObjects(ctx, "ns", storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 2 || page.Objects[0].Key != "a" || !page.Truncated || page.NextStartAfter != "b" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, _ = store.ListObjects(ctx, "ns", storage.ListOptions{StartAfter: page.NextStartAfter})
	if len(page.Objects) != 1 || page.Objects[0].Key != "c/d" || page.Truncated {
		t.Fatalf("unexpected second page %+v", page)
	}

	if err := store.DeleteObject(ctx, "ns", "a", storage.DeleteObjectOptions{ExpectedETag: "nope"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "ns", "a", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "ns", "a", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "ns", "a", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
}

func TestSubscribeChanges(t *testing.T) {
	ctx := context.Background()
	store := New()
	sub, err := store.SubscribeChanges("ns", "state.json")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := store.PutObject(ctx, "ns", "state.json", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatalf("expected change event")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = sub.Close()
	if _, err := store.PutObject(ctx, "ns", "state.json", strings.NewReader("y"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
		t.Fatalf("closed subscription must not receive events")
	default:
	}
}

func TestListStopsAtPrefixBoundary(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, key := range []string{"coordinator/a.json", "coordinator/b.json", "coordinatorx", "d"} {
		if _, err := store.PutObject(ctx, "ns", key, strings.NewReader("{}"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	page, err := store.ListObjects(ctx, "ns", storage.ListOptions{Prefix: "coordinator/", StartAfter: "a"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 2 || page.Objects[1].Key != "coordinator/b.json" || page.Truncated {
		t.Fatalf("unexpected listing %+v", page)
	}
	page, _ = store.ListObjects(ctx, "ns", storage.ListOptions{Prefix: "coordinator/", StartAfter: "coordinator/a.json"})
	if len(page.Objects) != 1 || page.Objects[0].Key != "coordinator/b.json" {
		t.Fatalf("unexpected listing after start %+v", page)
	}
}
