// Package retry decorates a storage.Backend so transient failures (throttling,
// resets, 5xx) are retried with capped exponential backoff before they reach
// the coordinator's persist step.
package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/pslog"
)

// Config tunes the backoff. Zero values take defaults; MaxAttempts of one
// disables retries.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	return c
}

// backoff returns the wait before retry number n (1-based).
func (c Config) backoff(n int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < n && d < c.MaxDelay; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
	}
	return min(d, c.MaxDelay)
}

// Wrap decorates inner. A nil logger or clock falls back to no-op logging
// and the wall clock.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{inner: inner, logger: logger, clock: clock.OrReal(clk), cfg: cfg.withDefaults()}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

// do runs fn until it succeeds, fails permanently, exhausts the attempts or
// ctx ends while backing off.
func do[T any](ctx context.Context, b *backend, op, namespace, key string, fn func(context.Context) (T, error)) (T, error) {
	for n := 1; ; n++ {
		out, err := fn(ctx)
		if err == nil || !storage.IsTransient(err) || n >= b.cfg.MaxAttempts {
			return out, err
		}
		wait := b.cfg.backoff(n)
		b.logger.Warn("storage.retry.transient_error",
			"operation", op,
			"namespace", namespace,
			"key", key,
			"attempt", n,
			"max_attempts", b.cfg.MaxAttempts,
			"backoff", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-b.clock.After(wait):
		}
	}
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	return do(ctx, b, "get_object", namespace, key, func(ctx context.Context) (storage.GetObjectResult, error) {
		return b.inner.GetObject(ctx, namespace, key)
	})
}

// PutObject resends the same bytes on every attempt.
func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	replay, err := replayable(body)
	if err != nil {
		return nil, err
	}
	return do(ctx, b, "put_object", namespace, key, func(ctx context.Context) (*storage.ObjectInfo, error) {
		r, err := replay()
		if err != nil {
			return nil, err
		}
		return b.inner.PutObject(ctx, namespace, key, r, opts)
	})
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	_, err := do(ctx, b, "delete_object", namespace, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.DeleteObject(ctx, namespace, key, opts)
	})
	return err
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	return do(ctx, b, "list_objects", namespace, opts.Prefix, func(ctx context.Context) (*storage.ListResult, error) {
		return b.inner.ListObjects(ctx, namespace, opts)
	})
}

func (b *backend) Close() error { return b.inner.Close() }

func (b *backend) SubscribeChanges(namespace, key string) (storage.ChangeSubscription, error) {
	feed, ok := b.inner.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return feed.SubscribeChanges(namespace, key)
}

// replayable returns a function yielding body from its start on each call.
// Seekable bodies are rewound; others are buffered once.
func replayable(body io.Reader) (func() (io.Reader, error), error) {
	switch r := body.(type) {
	case nil:
		return func() (io.Reader, error) { return bytes.NewReader(nil), nil }, nil
	case io.ReadSeeker:
		start, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("retry: locate body: %w", err)
		}
		return func() (io.Reader, error) {
			if _, err := r.Seek(start, io.SeekStart); err != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", err)
			}
			return r, nil
		}, nil
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("retry: buffer body: %w", err)
	}
	return func() (io.Reader, error) { return bytes.NewReader(payload), nil }, nil
}
