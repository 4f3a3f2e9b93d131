package statestore

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is returned by Memory when a save failure was injected.
var ErrInjected = errors.New("statestore: injected save failure")

// Memory is an in-process Store with failure injection for tests and the
// model checker.
type Memory struct {
	mu        sync.Mutex
	rec       Record
	ok        bool
	saves     int
	failSaves int
	failAll   bool
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load returns the last saved record.
func (m *Memory) Load(ctx context.Context) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec, m.ok, nil
}

// Save replaces the record unless a failure is pending.
func (m *Memory) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return ErrInjected
	}
	if m.failSaves > 0 {
		m.failSaves--
		return ErrInjected
	}
	m.rec = rec
	m.ok = true
	m.saves++
	return nil
}

// FailNextSaves makes the next n saves fail without persisting anything.
func (m *Memory) FailNextSaves(n int) {
	m.mu.Lock()
	m.failSaves = n
	m.mu.Unlock()
}

// SetFailing makes every save fail until cleared.
func (m *Memory) SetFailing(fail bool) {
	m.mu.Lock()
	m.failAll = fail
	m.mu.Unlock()
}

// Saves reports the number of successful saves.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Clone returns an independent copy, including pending failures.
func (m *Memory) Clone() *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Memory{
		rec:       m.rec,
		ok:        m.ok,
		saves:     m.saves,
		failSaves: m.failSaves,
		failAll:   m.failAll,
	}
}
