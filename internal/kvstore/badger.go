package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/pslog"
)

const (
	badgerDataPrefix = "d/"
	badgerLockPrefix = "l/"
)

// BadgerConfig configures a badger-backed store.
type BadgerConfig struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps the database in RAM.
	InMemory bool
	// SyncWrites fsyncs every committed transaction.
	SyncWrites bool
	// ValueLogFileSize caps value log files; zero keeps the badger default.
	ValueLogFileSize int64
	Logger           pslog.Logger
}

// Badger persists values and locks in a badger database so a restarted
// replica keeps both.
type Badger struct {
	db     *badger.DB
	mu     sync.Mutex
	logger pslog.Logger
}

// OpenBadger opens (or creates) the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("kvstore: badger dir required")
	}
	logger := loggingutil.EnsureLogger(cfg.Logger).With("kv_backend", "badger")
	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger: logger})
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger: %w", err)
	}
	return &Badger{db: db, logger: logger}, nil
}

func dataKey(key string) []byte { return []byte(badgerDataPrefix + key) }
func lockKey(key string) []byte { return []byte(badgerLockPrefix + key) }

// Get returns the value stored at key.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, b.mapError(err)
	}
	return value, nil
}

// Put stores value at key unless key is locked.
func (b *Badger) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		if locked, err := exists(txn, lockKey(key)); err != nil {
			return err
		} else if locked {
			return ErrLocked
		}
		return txn.Set(dataKey(key), append([]byte(nil), value...))
	})
}

// Delete removes key unless it is locked.
func (b *Badger) Delete(ctx context.Context, key string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		if locked, err := exists(txn, lockKey(key)); err != nil {
			return err
		} else if locked {
			return ErrLocked
		}
		return txn.Delete(dataKey(key))
	})
}

// Contains reports whether key holds a value.
func (b *Badger) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = exists(txn, dataKey(key))
		return err
	})
	return found, b.mapError(err)
}

// Lock marks keys as locked in a single transaction.
func (b *Badger) Lock(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return err
		}
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Set(lockKey(key), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Unlock releases keys in a single transaction.
func (b *Badger) Unlock(ctx context.Context, keys ...string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(lockKey(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// IsLocked reports whether key is locked.
func (b *Badger) IsLocked(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var locked bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		locked, err = exists(txn, lockKey(key))
		return err
	})
	return locked, b.mapError(err)
}

// Rename moves the value at from to to inside one transaction.
func (b *Badger) Rename(ctx context.Context, from, to string) ([]byte, error) {
	if err := validateKey(from); err != nil {
		return nil, err
	}
	if err := validateKey(to); err != nil {
		return nil, err
	}
	if from == to {
		return nil, ErrInvalidKey
	}
	var value []byte
	err := b.update(ctx, func(txn *badger.Txn) error {
		for _, key := range []string{from, to} {
			locked, err := exists(txn, lockKey(key))
			if err != nil {
				return err
			}
			if !locked {
				return ErrNotLocked
			}
		}
		item, err := txn.Get(dataKey(from))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(dataKey(from)); err != nil {
			return err
		}
		return txn.Set(dataKey(to), value)
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Close flushes and closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapError(b.db.Update(fn))
}

func (b *Badger) mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	default:
		return err
	}
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type badgerLogger struct {
	logger pslog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("kv.badger.log", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("kv.badger.log", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug("kv.badger.log", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace("kv.badger.log", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}
