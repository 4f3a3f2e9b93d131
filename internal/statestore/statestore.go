// Package statestore persists the coordinator's durable record: the current
// transaction id, whether the commit decision is durable, and whether the
// rename has finished.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict reports that another writer advanced the record.
	ErrConflict = errors.New("statestore: record advanced by another writer")
	// ErrInFlight reports a reset of a record whose rename has not finished.
	ErrInFlight = errors.New("statestore: rename still in flight")
)

// Record is the durable coordinator state. Both flags and the transaction id
// are written in one atomic Save.
type Record struct {
	TxnID        uint64    `json:"txn_id"`
	WALCommitted bool      `json:"wal_committed"`
	Done         bool      `json:"done,omitempty"`
	AttemptID    string    `json:"attempt_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// Validate rejects records that can never be produced by a coordinator.
func (r Record) Validate() error {
	if r.TxnID == 0 {
		return fmt.Errorf("statestore: txn id must be positive")
	}
	return nil
}

// Equal compares the protocol-relevant fields.
func (r Record) Equal(other Record) bool {
	return r.TxnID == other.TxnID && r.WALCommitted == other.WALCommitted && r.Done == other.Done
}

func (r Record) String() string {
	return fmt.Sprintf("txn=%d wal_committed=%t done=%t", r.TxnID, r.WALCommitted, r.Done)
}

// Store loads and saves the durable record. Save returns only after the
// record is durable.
type Store interface {
	Load(ctx context.Context) (Record, bool, error)
	Save(ctx context.Context, rec Record) error
}

// Watcher is implemented by stores that can report record changes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Record, error)
}

func encodeRecord(rec Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("statestore: encode record: %w", err)
	}
	return payload, nil
}

func decodeRecord(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("statestore: decode record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
