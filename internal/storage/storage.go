// Package storage defines the object store the coordinator keeps its
// durable record in. Backends live in the subpackages (memory, disk, s3,
// aws, azure); retry and logging decorate any of them.
//
// The record is a single small object addressed by namespace and key. All
// writes that matter to the protocol are conditional: a backend must apply
// PutObject atomically and honor ExpectedETag/IfNotExists so that two
// coordinators racing on one record cannot both win.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types of persisted records.
const (
	ContentTypeJSON          = "application/json"
	ContentTypeJSONEncrypted = "application/vnd.keyrename+json-encrypted"
	ContentTypeOctetStream   = "application/octet-stream"
)

var (
	// ErrNotFound reports that no object exists under the key.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch reports that a conditional write or delete lost to a
	// concurrent writer.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented reports an optional capability the backend lacks.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend stores opaque objects with compare-and-swap on ETags.
type Backend interface {
	// GetObject opens key. The caller closes Reader.
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	// PutObject replaces key with body. It fails with ErrCASMismatch when
	// opts.ExpectedETag no longer matches, or when opts.IfNotExists is set
	// and the key exists.
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes key, guarded by opts.ExpectedETag when set.
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error
	// ListObjects returns keys below opts.Prefix in lexical order.
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	Close() error
}

// ObjectInfo describes one stored object. Key is the logical key, without
// backend prefix or namespace.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// GetObjectResult is an open object.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// PutObjectOptions selects the write condition. ExpectedETag takes
// precedence over IfNotExists.
type PutObjectOptions struct {
	ExpectedETag string
	IfNotExists  bool
	ContentType  string
}

// DeleteObjectOptions selects the delete condition.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions selects one page of keys. A zero Limit lists everything.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult is one page of keys. NextStartAfter is set only when
// Truncated.
type ListResult struct {
	Objects        []ObjectInfo
	Truncated      bool
	NextStartAfter string
}

// ChangeFeed is implemented by backends that can notify watchers when an
// object may have changed. Wrappers forward it when the inner backend has
// one and return ErrNotImplemented otherwise.
type ChangeFeed interface {
	SubscribeChanges(namespace, key string) (ChangeSubscription, error)
}

// ChangeSubscription signals possible changes. Signals coalesce; receivers
// re-read the object rather than count events.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// transient marks a failure a retry may clear.
type transient struct{ cause error }

func (t transient) Error() string { return t.cause.Error() }
func (t transient) Unwrap() error { return t.cause }

// NewTransientError marks err as retryable. A nil err stays nil.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transient{cause: err}
}

// IsTransient reports whether err, or anything it wraps, is retryable.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t)
}
