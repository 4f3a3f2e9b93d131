package kvstore

import (
	"context"
	"maps"
	"sync"
)

// Memory is a process-local Store.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	locked map[string]struct{}
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string][]byte),
		locked: make(map[string]struct{}),
	}
}

// Get returns a copy of the value stored at key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put stores value at key unless key is locked.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.locked[key]; ok {
		return ErrLocked
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key unless it is locked. Deleting a missing key succeeds.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.locked[key]; ok {
		return ErrLocked
	}
	delete(m.data, key)
	return nil
}

// Contains reports whether key holds a value.
func (m *Memory) Contains(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.data[key]
	return ok, nil
}

// Lock marks every key as locked. Locking an already locked key is a no-op.
func (m *Memory) Lock(_ context.Context, keys ...string) error {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		m.locked[key] = struct{}{}
	}
	return nil
}

// Unlock releases every key.
func (m *Memory) Unlock(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(m.locked, key)
	}
	return nil
}

// IsLocked reports whether key is locked.
func (m *Memory) IsLocked(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.locked[key]
	return ok, nil
}

// Rename moves the value at from to to.
func (m *Memory) Rename(_ context.Context, from, to string) ([]byte, error) {
	if err := validateKey(from); err != nil {
		return nil, err
	}
	if err := validateKey(to); err != nil {
		return nil, err
	}
	if from == to {
		return nil, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	_, fromLocked := m.locked[from]
	_, toLocked := m.locked[to]
	if !fromLocked || !toLocked {
		return nil, ErrNotLocked
	}
	value, ok := m.data[from]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.data, from)
	m.data[to] = value
	return append([]byte(nil), value...), nil
}

// Close marks the store closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Clone returns an independent copy of m. Values are shared because the
// store never mutates a stored slice in place.
func (m *Memory) Clone() Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Memory{
		data:   maps.Clone(m.data),
		locked: maps.Clone(m.locked),
		closed: m.closed,
	}
}

// Keys returns the number of stored values, for tests and diagnostics.
func (m *Memory) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
