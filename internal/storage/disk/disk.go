// Package disk keeps coordinator records on a local filesystem. Each write
// is staged in a temp file, synced and renamed over the target, and every
// mutation of a key holds an advisory flock so several coordinators may
// share one root.
//
// Layout below Root:
//
//	objects/<ns>/<escaped key>       payload
//	info/<ns>/<escaped key>.json     content type and write time
//	tmp/                             staging area
//	locks/                           one flock file per key
package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/keyrename/internal/storage/remote"
	"pkt.systems/pslog"
)

const (
	objectsDir = "objects"
	metaDir    = "info"
	stagingDir = "tmp"
	locksDir   = "locks"
)

// Config selects the root directory. Now defaults to time.Now.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store is a filesystem storage.Backend.
type Store struct {
	root  string
	now   func() time.Time
	locks sync.Map
}

// New prepares the directory layout below cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("disk: root path required")
	}
	s := &Store{root: filepath.Clean(cfg.Root), now: cfg.Now}
	if s.now == nil {
		s.now = time.Now
	}
	for _, dir := range []string{objectsDir, metaDir, stagingDir, locksDir} {
		if err := os.MkdirAll(s.dir(dir), 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare %s: %w", s.dir(dir), err)
		}
	}
	return s, nil
}

// Root returns the backend root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) dir(name string) string { return filepath.Join(s.root, name) }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, nil).With("storage_backend", "disk")
}

// entry locates one key on disk.
type entry struct {
	name string
	data string
	meta string
}

func (s *Store) locate(namespace, key string) (entry, error) {
	name, err := storage.ObjectPath("", namespace, key)
	if err != nil {
		return entry{}, err
	}
	parts := strings.Split(name, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	rel := filepath.Join(parts...)
	return entry{
		name: name,
		data: filepath.Join(s.dir(objectsDir), rel),
		meta: filepath.Join(s.dir(metaDir), rel+".json"),
	}, nil
}

type sidecar struct {
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

func readSidecar(path string) sidecar {
	var sc sidecar
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &sc)
	}
	return sc
}

func etagOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// load reads the payload at e and describes it as key. A missing file is
// storage.ErrNotFound.
func (s *Store) load(e entry, key string) ([]byte, storage.ObjectInfo, error) {
	payload, err := os.ReadFile(e.data)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ObjectInfo{}, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.ObjectInfo{}, fmt.Errorf("disk: read %q: %w", key, err)
	}
	sc := readSidecar(e.meta)
	info := storage.ObjectInfo{
		Key:          key,
		ETag:         etagOf(payload),
		Size:         int64(len(payload)),
		LastModified: time.Unix(sc.UpdatedAtUnix, 0).UTC(),
		ContentType:  sc.ContentType,
	}
	if fi, err := os.Stat(e.data); err == nil {
		info.LastModified = fi.ModTime()
	}
	return payload, info, nil
}

// guard serializes mutations of name within the process and, through
// flock, across processes sharing the root.
func (s *Store) guard(name string) (func(), error) {
	v, _ := s.locks.LoadOrStore(name, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()
	sum := sha256.Sum256([]byte(name))
	f, err := os.OpenFile(filepath.Join(s.dir(locksDir), hex.EncodeToString(sum[:16])+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err == nil {
		if err = lockFile(f); err != nil {
			f.Close()
		}
	}
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock %q: %w", name, err)
	}
	return func() {
		_ = unlockFile(f)
		_ = f.Close()
		mu.Unlock()
	}, nil
}

// commit stages fill's output and renames it over target.
func (s *Store) commit(target string, fill func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir(stagingDir), "stage-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	err = fill(tmp)
	if err == nil {
		err = syncFile(tmp)
	}
	if err = multierr.Append(err, tmp.Close()); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	return syncDir(filepath.Dir(target))
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	return multierr.Append(dir.Sync(), dir.Close())
}

// GetObject reads key into memory and hands back a reader over the copy.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	e, err := s.locate(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	payload, info, err := s.load(e, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger(ctx).Debug("disk.get_object.error", "key", key, "error", err)
		}
		return storage.GetObjectResult{}, err
	}
	s.logger(ctx).Trace("disk.get_object.success", "key", key, "size", info.Size)
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(payload)), Info: &info}, nil
}

// PutObject replaces key once the write condition in opts holds.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	e, err := s.locate(namespace, key)
	if err != nil {
		return nil, err
	}
	release, err := s.guard(e.name)
	if err != nil {
		return nil, err
	}
	defer release()

	if opts.ExpectedETag != "" || opts.IfNotExists {
		_, current, err := s.load(e, key)
		exists := err == nil
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		switch {
		case opts.ExpectedETag != "" && !exists:
			logger.Debug("disk.put_object.cas_missing", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			logger.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && exists:
			logger.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		}
	}

	hasher := sha256.New()
	var written int64
	err = s.commit(e.data, func(w io.Writer) error {
		n, err := io.Copy(io.MultiWriter(w, hasher), body)
		written = n
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("disk: write %q: %w", key, err)
	}
	now := s.now()
	err = s.commit(e.meta, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(sidecar{ContentType: opts.ContentType, UpdatedAtUnix: now.Unix()})
	})
	if err != nil {
		logger.Warn("disk.put_object.info_error", "key", key, "error", err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         hex.EncodeToString(hasher.Sum(nil)),
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}
	logger.Debug("disk.put_object.success", "key", key, "size", written, "etag", info.ETag)
	return info, nil
}

// DeleteObject removes key and its sidecar.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	e, err := s.locate(namespace, key)
	if err != nil {
		return err
	}
	release, err := s.guard(e.name)
	if err != nil {
		return err
	}
	defer release()
	_, current, err := s.load(e, key)
	switch {
	case errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound:
		return nil
	case err != nil:
		return err
	case opts.ExpectedETag != "" && opts.ExpectedETag != current.ETag:
		return storage.ErrCASMismatch
	}
	if err := os.Remove(e.data); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: remove %q: %w", key, err)
	}
	_ = os.Remove(e.meta)
	if err := syncDir(filepath.Dir(e.data)); err != nil {
		return fmt.Errorf("disk: sync after removing %q: %w", key, err)
	}
	s.logger(ctx).Debug("disk.delete_object.success", "key", key)
	return nil
}

// ListObjects walks the namespace tree and returns keys in lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ns, err := storage.ValidateNamespace(namespace)
	if err != nil {
		return nil, err
	}
	base := filepath.Join(s.dir(objectsDir), url.PathEscape(ns))
	keys, err := walkKeys(base, func(key string) bool {
		return strings.HasPrefix(key, opts.Prefix) && (opts.StartAfter == "" || key > opts.StartAfter)
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list %q: %w", namespace, err)
	}
	page := remote.NewPage(opts)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := s.locate(namespace, key)
		if err != nil {
			continue
		}
		_, info, err := s.load(e, key)
		if err != nil {
			continue
		}
		if !page.Add(info) {
			break
		}
	}
	return page.Result(), nil
}

// walkKeys returns the unescaped keys below base accepted by keep, sorted.
func walkKeys(base string, keep func(string) bool) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.SkipAll
		}
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		for i, part := range parts {
			if parts[i], err = url.PathUnescape(part); err != nil {
				return nil
			}
		}
		if key := strings.Join(parts, "/"); keep(key) {
			keys = append(keys, key)
		}
		return nil
	})
	slices.Sort(keys)
	return keys, err
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
