// Package logging decorates a storage.Backend with an OpenTelemetry span and
// pslog events per call, tagged with the rename attempt id when the context
// carries one.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/keyrename/internal/correlation"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/pslog"
)

const attrPrefix = "keyrename.storage."

// Wrap decorates inner. kind names the backend (mem, disk, s3, aws, azure).
func Wrap(inner storage.Backend, logger pslog.Logger, kind string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/keyrename/storage"),
		kind:   kind,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	kind   string
}

// observed is one traced call. describe adds result attributes on success.
type observed[T any] struct {
	op       string
	key      string
	extra    []attribute.KeyValue
	describe func(T) []attribute.KeyValue
}

func observe[T any](ctx context.Context, b *backend, namespace string, o observed[T], fn func(context.Context) (T, error)) (T, error) {
	ctx, span := b.tracer.Start(ctx, "keyrename.storage."+o.op, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String(attrPrefix+"operation", o.op),
		attribute.String(attrPrefix+"backend", b.kind),
		attribute.String(attrPrefix+"namespace", namespace),
	)
	span.SetAttributes(o.extra...)

	logger := loggingutil.FromContext(ctx, b.logger)
	if attempt := correlation.ID(ctx); attempt != "" {
		span.SetAttributes(attribute.String("keyrename.attempt", attempt))
		logger = correlation.Logger(ctx, logger)
	}
	logger = logger.With("namespace", namespace, "key", o.key)
	event := "storage." + o.op
	logger.Trace(event + ".begin")

	start := time.Now()
	out, err := fn(pslog.ContextWithLogger(ctx, logger))
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64(attrPrefix+"duration_ms", elapsed.Milliseconds()))
	switch {
	case err == nil:
		if o.describe != nil {
			span.SetAttributes(o.describe(out)...)
		}
		span.SetStatus(codes.Ok, "")
		logger.Debug(event+".success", "elapsed", elapsed)
	case errors.Is(err, storage.ErrNotFound):
		// A missing record is how a fresh coordinator learns it is Idle.
		span.SetAttributes(attribute.Bool(attrPrefix+"missing", true))
		logger.Debug(event+".miss", "elapsed", elapsed)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage_error")
		logger.Debug(event+".error", "error", err, "elapsed", elapsed)
	}
	return out, err
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	return observe(ctx, b, namespace, observed[storage.GetObjectResult]{
		op:  "get_object",
		key: key,
		describe: func(res storage.GetObjectResult) []attribute.KeyValue {
			if res.Info == nil {
				return nil
			}
			return []attribute.KeyValue{
				attribute.Bool(attrPrefix+"has_etag", res.Info.ETag != ""),
				attribute.Int64(attrPrefix+"object_size", res.Info.Size),
			}
		},
	}, func(ctx context.Context) (storage.GetObjectResult, error) {
		return b.inner.GetObject(ctx, namespace, key)
	})
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	return observe(ctx, b, namespace, observed[*storage.ObjectInfo]{
		op:  "put_object",
		key: key,
		extra: []attribute.KeyValue{
			attribute.Bool(attrPrefix+"cas", opts.ExpectedETag != ""),
			attribute.Bool(attrPrefix+"if_not_exists", opts.IfNotExists),
		},
		describe: func(info *storage.ObjectInfo) []attribute.KeyValue {
			if info == nil {
				return nil
			}
			return []attribute.KeyValue{attribute.Int64(attrPrefix+"object_size", info.Size)}
		},
	}, func(ctx context.Context) (*storage.ObjectInfo, error) {
		return b.inner.PutObject(ctx, namespace, key, body, opts)
	})
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	_, err := observe(ctx, b, namespace, observed[struct{}]{
		op:    "delete_object",
		key:   key,
		extra: []attribute.KeyValue{attribute.Bool(attrPrefix+"cas", opts.ExpectedETag != "")},
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.DeleteObject(ctx, namespace, key, opts)
	})
	return err
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	return observe(ctx, b, namespace, observed[*storage.ListResult]{
		op:  "list_objects",
		key: opts.Prefix,
		describe: func(res *storage.ListResult) []attribute.KeyValue {
			if res == nil {
				return nil
			}
			return []attribute.KeyValue{
				attribute.Int(attrPrefix+"objects", len(res.Objects)),
				attribute.Bool(attrPrefix+"truncated", res.Truncated),
			}
		},
	}, func(ctx context.Context) (*storage.ListResult, error) {
		return b.inner.ListObjects(ctx, namespace, opts)
	})
}

func (b *backend) SubscribeChanges(namespace, key string) (storage.ChangeSubscription, error) {
	feed, ok := b.inner.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return feed.SubscribeChanges(namespace, key)
}

func (b *backend) Close() error {
	b.logger.Debug("storage.close", "backend", b.kind)
	return b.inner.Close()
}
