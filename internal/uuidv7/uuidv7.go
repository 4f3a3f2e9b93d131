// Package uuidv7 mints time-ordered identifiers for object ETags.
package uuidv7

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 and panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns New in canonical form.
func NewString() string {
	return New().String()
}

// ETag returns a fresh opaque entity tag: a UUIDv7 in compact hex, so tags
// sort by creation time.
func ETag() string {
	id := New()
	return hex.EncodeToString(id[:])
}

// Timestamp returns the creation time embedded in a canonical or compact
// UUIDv7.
func Timestamp(s string) (time.Time, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("uuidv7: %w", err)
	}
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("uuidv7: version %d", id.Version())
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}
