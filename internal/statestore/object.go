package statestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"go.uber.org/multierr"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/pslog"
)

// Default object location of the record.
const (
	DefaultNamespace = "keyrename"
	DefaultKey       = "coordinator/record.json"
)

// ObjectConfig configures an Object store.
type ObjectConfig struct {
	Backend   storage.Backend
	Namespace string
	Key       string
	Crypto    *storage.Crypto
	Clock     clock.Clock
	Logger    pslog.Logger
}

// Object keeps the record as a single JSON object in a storage backend and
// writes it with ETag compare-and-swap.
type Object struct {
	backend   storage.Backend
	namespace string
	key       string
	crypto    *storage.Crypto
	clock     clock.Clock
	logger    pslog.Logger

	mu   sync.Mutex
	etag string
}

// NewObject validates cfg and returns an Object store.
func NewObject(cfg ObjectConfig) (*Object, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("statestore: backend required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if _, err := storage.ObjectPath("", cfg.Namespace, cfg.Key); err != nil {
		return nil, fmt.Errorf("statestore: %w", err)
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	return &Object{
		backend:   cfg.Backend,
		namespace: cfg.Namespace,
		key:       cfg.Key,
		crypto:    cfg.Crypto,
		clock:     cfg.Clock,
		logger:    loggingutil.EnsureLogger(cfg.Logger).With("namespace", cfg.Namespace, "key", cfg.Key),
	}, nil
}

// Load reads the record and remembers its ETag for the next Save.
func (o *Object) Load(ctx context.Context) (Record, bool, error) {
	rec, etag, ok, err := o.read(ctx)
	if err != nil {
		return Record{}, false, err
	}
	o.mu.Lock()
	o.etag = etag
	o.mu.Unlock()
	if ok {
		o.logger.Debug("statestore.load.success", "txn_id", rec.TxnID, "wal_committed", rec.WALCommitted, "done", rec.Done)
	}
	return rec, ok, nil
}

func (o *Object) read(ctx context.Context) (Record, string, bool, error) {
	res, err := o.backend.GetObject(ctx, o.namespace, o.key)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, "", false, nil
	}
	if err != nil {
		return Record{}, "", false, fmt.Errorf("statestore: load: %w", err)
	}
	defer res.Reader.Close()
	payload, err := io.ReadAll(res.Reader)
	if err != nil {
		return Record{}, "", false, fmt.Errorf("statestore: read: %w", err)
	}
	if res.Info != nil && res.Info.ContentType == storage.ContentTypeJSONEncrypted {
		if !o.crypto.Enabled() {
			return Record{}, "", false, fmt.Errorf("statestore: record is sealed but no keyring is configured")
		}
		if payload, err = o.crypto.Open(payload); err != nil {
			return Record{}, "", false, err
		}
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return Record{}, "", false, err
	}
	etag := ""
	if res.Info != nil {
		etag = res.Info.ETag
	}
	return rec, etag, true, nil
}

// Save writes rec conditioned on the last observed ETag. When the condition
// fails because an earlier write of this process landed without being
// acknowledged, the store re-reads and retries once; a record written by a
// newer epoch yields ErrConflict.
func (o *Object) Save(ctx context.Context, rec Record) error {
	rec.UpdatedAt = o.clock.Now()
	plain, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	payload, err := o.crypto.Seal(plain)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	err = o.put(ctx, payload)
	if !errors.Is(err, storage.ErrCASMismatch) && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	current, etag, ok, readErr := o.read(ctx)
	if readErr != nil {
		return fmt.Errorf("statestore: save: %w", multierr.Combine(err, readErr))
	}
	if ok && current.TxnID > rec.TxnID {
		o.logger.Warn("statestore.save.conflict", "txn_id", rec.TxnID, "stored_txn_id", current.TxnID)
		return fmt.Errorf("%w: stored %s, writing %s", ErrConflict, current, rec)
	}
	o.etag = etag
	o.logger.Debug("statestore.save.retry_after_cas", "txn_id", rec.TxnID, "stored", current.String())
	return o.put(ctx, payload)
}

func (o *Object) put(ctx context.Context, payload []byte) error {
	opts := storage.PutObjectOptions{ContentType: o.crypto.ContentType()}
	if o.etag != "" {
		opts.ExpectedETag = o.etag
	} else {
		opts.IfNotExists = true
	}
	info, err := o.backend.PutObject(ctx, o.namespace, o.key, bytes.NewReader(payload), opts)
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("statestore: save: %w", err)
	}
	if info != nil {
		o.etag = info.ETag
	}
	return nil
}

// Watch emits the record every time the backing object changes. It requires
// a backend implementing storage.ChangeFeed.
func (o *Object) Watch(ctx context.Context) (<-chan Record, error) {
	feed, ok := o.backend.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	sub, err := feed.SubscribeChanges(o.namespace, o.key)
	if err != nil {
		return nil, err
	}
	out := make(chan Record, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, open := <-sub.Events():
				if !open {
					return
				}
				rec, _, ok, err := o.read(ctx)
				if err != nil {
					o.logger.Debug("statestore.watch.read_error", "error", err)
					continue
				}
				if !ok {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Reset deletes the record so the next coordinator boots Idle. A record
// whose rename has not finished is refused with ErrInFlight unless force is
// set: replicas may still hold locks fenced by its transaction id.
func (o *Object) Reset(ctx context.Context, force bool) (Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, etag, ok, err := o.read(ctx)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, storage.ErrNotFound
	}
	if !rec.Done && !force {
		return rec, fmt.Errorf("%w: %s", ErrInFlight, rec)
	}
	err = o.backend.DeleteObject(ctx, o.namespace, o.key, storage.DeleteObjectOptions{ExpectedETag: etag})
	if errors.Is(err, storage.ErrCASMismatch) {
		return rec, fmt.Errorf("%w: record changed during reset", ErrConflict)
	}
	if err != nil {
		return rec, fmt.Errorf("statestore: reset: %w", err)
	}
	o.etag = ""
	o.logger.Info("statestore.reset", "txn_id", rec.TxnID, "done", rec.Done, "forced", force && !rec.Done)
	return rec, nil
}

// Records lists the objects stored next to the record, the record itself
// included. Several coordinators may share one namespace under different
// state keys.
func (o *Object) Records(ctx context.Context) ([]storage.ObjectInfo, error) {
	prefix := ""
	if dir := path.Dir(o.key); dir != "." {
		prefix = dir + "/"
	}
	var (
		out   []storage.ObjectInfo
		after string
	)
	for {
		page, err := o.backend.ListObjects(ctx, o.namespace, storage.ListOptions{Prefix: prefix, StartAfter: after, Limit: 100})
		if err != nil {
			return nil, fmt.Errorf("statestore: list: %w", err)
		}
		out = append(out, page.Objects...)
		if !page.Truncated || page.NextStartAfter == "" {
			return out, nil
		}
		after = page.NextStartAfter
	}
}

// Location returns namespace and key of the record object.
func (o *Object) Location() (string, string) {
	return o.namespace, o.key
}
