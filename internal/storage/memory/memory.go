// Package memory is an in-process storage.Backend. The coordinator uses it
// for mem:// state, and tests use it wherever a real object store would be
// overkill. Objects live in a persistent sorted map, so listings are ordered
// and readers never block writers for long.
package memory

import (
	"bytes"
	"cmp"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/immutable"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/keyrename/internal/uuidv7"
)

// Config tunes the memory backend.
type Config struct {
	Clock clock.Clock
}

type object struct {
	payload     []byte
	etag        string
	contentType string
	modified    time.Time
}

func (o *object) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         o.etag,
		Size:         int64(len(o.payload)),
		LastModified: o.modified,
		ContentType:  o.contentType,
	}
}

type byName struct{}

func (byName) Compare(a, b string) int { return cmp.Compare(a, b) }

// Store keeps objects keyed by "namespace/key".
type Store struct {
	clock clock.Clock

	mu       sync.Mutex
	objects  *immutable.SortedMap[string, *object]
	watchers map[string]map[*watcher]struct{}
}

// New returns an empty store on the wall clock.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an empty store using cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		clock:    clock.OrReal(cfg.Clock),
		objects:  immutable.NewSortedMap[string, *object](byName{}),
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

func (s *Store) snapshot() *immutable.SortedMap[string, *object] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects
}

// GetObject returns a private copy of the payload.
func (s *Store) GetObject(_ context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name, err := storage.ObjectPath("", namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	obj, ok := s.snapshot().Get(name)
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := obj.info(key)
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(bytes.Clone(obj.payload))),
		Info:   &info,
	}, nil
}

// PutObject stores body when the write condition in opts holds.
func (s *Store) PutObject(_ context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := storage.ObjectPath("", namespace, key)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	next := &object{
		payload:     payload,
		etag:        uuidv7.ETag(),
		contentType: opts.ContentType,
		modified:    s.clock.Now(),
	}
	s.mu.Lock()
	current, exists := s.objects.Get(name)
	if err := admit(current, exists, opts); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.objects = s.objects.Set(name, next)
	s.notifyLocked(name)
	s.mu.Unlock()
	info := next.info(key)
	return &info, nil
}

func admit(current *object, exists bool, opts storage.PutObjectOptions) error {
	switch {
	case opts.ExpectedETag != "" && !exists:
		return storage.ErrNotFound
	case opts.ExpectedETag != "" && current.etag != opts.ExpectedETag:
		return storage.ErrCASMismatch
	case opts.ExpectedETag == "" && opts.IfNotExists && exists:
		return storage.ErrCASMismatch
	}
	return nil
}

// DeleteObject removes key when opts.ExpectedETag, if any, still matches.
func (s *Store) DeleteObject(_ context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name, err := storage.ObjectPath("", namespace, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.objects.Get(name)
	switch {
	case !exists && opts.IgnoreNotFound:
		return nil
	case !exists:
		return storage.ErrNotFound
	case opts.ExpectedETag != "" && current.etag != opts.ExpectedETag:
		return storage.ErrCASMismatch
	}
	s.objects = s.objects.Delete(name)
	s.notifyLocked(name)
	return nil
}

// ListObjects walks a snapshot from the first name at or after the prefix.
func (s *Store) ListObjects(_ context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root, err := storage.NamespacePrefix("", namespace)
	if err != nil {
		return nil, err
	}
	from := root + opts.Prefix
	if opts.StartAfter != "" && root+opts.StartAfter > from {
		from = root + opts.StartAfter
	}
	result := &storage.ListResult{}
	itr := s.snapshot().Iterator()
	itr.Seek(from)
	for !itr.Done() {
		name, obj, _ := itr.Next()
		rel, ok := strings.CutPrefix(name, root)
		if !ok || !strings.HasPrefix(rel, opts.Prefix) {
			break
		}
		if rel == opts.StartAfter {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, obj.info(rel))
	}
	return result, nil
}

// SubscribeChanges signals whenever key is written or deleted.
func (s *Store) SubscribeChanges(namespace, key string) (storage.ChangeSubscription, error) {
	name, err := storage.ObjectPath("", namespace, key)
	if err != nil {
		return nil, err
	}
	w := &watcher{events: make(chan struct{}, 1)}
	w.stop = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[name], w)
		if len(s.watchers[name]) == 0 {
			delete(s.watchers, name)
		}
	}
	s.mu.Lock()
	if s.watchers[name] == nil {
		s.watchers[name] = make(map[*watcher]struct{})
	}
	s.watchers[name][w] = struct{}{}
	s.mu.Unlock()
	return w, nil
}

func (s *Store) notifyLocked(name string) {
	for w := range s.watchers[name] {
		select {
		case w.events <- struct{}{}:
		default:
		}
	}
}

// Close drops every object.
func (s *Store) Close() error {
	s.mu.Lock()
	s.objects = immutable.NewSortedMap[string, *object](byName{})
	s.mu.Unlock()
	return nil
}

type watcher struct {
	events chan struct{}
	once   sync.Once
	stop   func()
}

func (w *watcher) Events() <-chan struct{} { return w.events }

func (w *watcher) Close() error {
	w.once.Do(w.stop)
	return nil
}
