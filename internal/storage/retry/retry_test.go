package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/keyrename/internal/storage/memory"
	"pkt.systems/keyrename/internal/storage/retry"
	"pkt.systems/pslog"
)

type fakeClock struct {
	waits []time.Duration
	now   time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.waits = append(f.waits, d)
	f.now = f.Now().Add(d)
	ch <- f.now
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.waits = append(f.waits, d)
	f.now = f.Now().Add(d)
}

// flakyBackend fails the first N calls of every operation with the
// configured error before delegating to an in-memory store.
type flakyBackend struct {
	*memory.Store
	failures int
	err      error
	calls    int
	bodies   []string
}

func (f *flakyBackend) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyBackend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := f.fail(); err != nil {
		return storage.GetObjectResult{}, err
	}
	return f.Store.GetObject(ctx, namespace, key)
}

func (f *flakyBackend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.bodies = append(f.bodies, string(payload))
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.PutObject(ctx, namespace, key, bytes.NewReader(payload), opts)
}

func newFlaky(failures int, err error) *flakyBackend {
	return &flakyBackend{Store: memory.New(), failures: failures, err: err}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	inner := newFlaky(2, storage.NewTransientError(errors.New("throttled")))
	clk := &fakeClock{}
	backend := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Multiplier:  2,
	})
	ctx := context.Background()
	if _, err := backend.PutObject(ctx, "ns", "record", strings.NewReader("payload"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
	if len(clk.waits) != 2 || clk.waits[0] != 10*time.Millisecond || clk.waits[1] != 15*time.Millisecond {
		t.Fatalf("unexpected backoff schedule %v", clk.waits)
	}
	for i, body := range inner.bodies {
		if body != "payload" {
			t.Fatalf("attempt %d saw body %q", i+1, body)
		}
	}
}

func TestRetryReplaysNonSeekableBody(t *testing.T) {
	inner := newFlaky(1, storage.NewTransientError(errors.New("reset")))
	backend := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	body := io.MultiReader(strings.NewReader("pay"), strings.NewReader("load"))
	if _, err := backend.PutObject(context.Background(), "ns", "record", body, storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(inner.bodies) != 2 || inner.bodies[1] != "payload" {
		t.Fatalf("unexpected bodies %q", inner.bodies)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	inner := newFlaky(5, storage.ErrCASMismatch)
	clk := &fakeClock{}
	backend := retry.Wrap(inner, nil, clk, retry.Config{MaxAttempts: 5})
	_, err := backend.GetObject(context.Background(), "ns", "record")
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if inner.calls != 1 || len(clk.waits) != 0 {
		t.Fatalf("permanent error retried: calls=%d waits=%v", inner.calls, clk.waits)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	inner := newFlaky(10, storage.NewTransientError(errors.New("unavailable")))
	backend := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	_, err := backend.GetObject(context.Background(), "ns", "record")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	inner := newFlaky(10, storage.NewTransientError(errors.New("unavailable")))
	backend := retry.Wrap(inner, nil, blockingClock{}, retry.Config{MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := backend.GetObject(ctx, "ns", "record"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRetryForwardsChangeFeed(t *testing.T) {
	backend := retry.Wrap(newFlaky(0, nil), nil, nil, retry.Config{})
	feed, ok := backend.(storage.ChangeFeed)
	if !ok {
		t.Fatalf("expected change feed passthrough")
	}
	sub, err := feed.SubscribeChanges("ns", "record")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
}

type blockingClock struct{}

func (blockingClock) Now() time.Time                       { return time.Unix(0, 0) }
func (blockingClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
func (blockingClock) Sleep(time.Duration)                  {}
