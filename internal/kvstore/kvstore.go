// Package kvstore defines the key-value contract a rename replica runs on
// and ships an in-memory and a badger-backed implementation.
package kvstore

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates the key holds no value.
	ErrNotFound = errors.New("kvstore: not found")
	// ErrLocked indicates a write hit a locked key.
	ErrLocked = errors.New("kvstore: key locked")
	// ErrNotLocked indicates a rename was attempted without holding both locks.
	ErrNotLocked = errors.New("kvstore: key not locked")
	// ErrInvalidKey indicates an empty key or one inside the reserved range.
	ErrInvalidKey = errors.New("kvstore: invalid key")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kvstore: closed")
)

// ReservedPrefix marks keys used for replica bookkeeping. User keys must not
// start with it.
const ReservedPrefix = "\x00"

// Store is a key-value store with advisory per-key locks. Writes to a locked
// key are rejected; Rename moves a value between two locked keys atomically.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Contains(ctx context.Context, key string) (bool, error)
	Lock(ctx context.Context, keys ...string) error
	Unlock(ctx context.Context, keys ...string) error
	IsLocked(ctx context.Context, key string) (bool, error)
	// Rename moves the value stored at from to to and returns it. Both keys
	// must be locked; locks are left in place.
	Rename(ctx context.Context, from, to string) ([]byte, error)
	Close() error
}

// Cloner is implemented by stores that can produce an independent copy of
// themselves.
type Cloner interface {
	Clone() Store
}

// ValidateUserKey rejects keys that collide with replica bookkeeping.
func ValidateUserKey(key string) error {
	if key == "" || strings.HasPrefix(key, ReservedPrefix) {
		return ErrInvalidKey
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
