package replica

import (
	"encoding/json"
	"fmt"

	"pkt.systems/keyrename/internal/protocol"
)

// FenceMode selects how stale requests are detected.
type FenceMode uint8

const (
	// FenceEpochStage discards requests from an older epoch and requests from
	// an earlier stage of the current epoch. Duplicates of the current stage
	// are accepted.
	FenceEpochStage FenceMode = iota
	// FenceTxnOnly only discards requests from an older epoch. A duplicate
	// lock request that arrives after the unlock of the same epoch re-locks
	// the store.
	FenceTxnOnly
)

// String returns the configuration name of m.
func (m FenceMode) String() string {
	switch m {
	case FenceEpochStage:
		return "epoch-stage"
	case FenceTxnOnly:
		return "txn-only"
	default:
		return fmt.Sprintf("fence(%d)", uint8(m))
	}
}

// ParseFenceMode resolves a configuration name.
func ParseFenceMode(name string) (FenceMode, error) {
	switch name {
	case "", "epoch-stage":
		return FenceEpochStage, nil
	case "txn-only":
		return FenceTxnOnly, nil
	default:
		return 0, fmt.Errorf("replica: unknown fence mode %q", name)
	}
}

// Fence is the highest (epoch, stage) pair a replica has accepted.
type Fence struct {
	TxnID uint64         `json:"txn_id"`
	Stage protocol.Stage `json:"stage"`
}

// Stale reports whether a request with the given epoch and stage must be
// discarded.
func (f Fence) Stale(txnID uint64, stage protocol.Stage, mode FenceMode) bool {
	if txnID < f.TxnID {
		return true
	}
	if mode == FenceTxnOnly {
		return false
	}
	return txnID == f.TxnID && stage < f.Stage
}

// Advance returns the fence after accepting a request.
func (f Fence) Advance(txnID uint64, stage protocol.Stage) Fence {
	switch {
	case txnID > f.TxnID:
		return Fence{TxnID: txnID, Stage: stage}
	case txnID == f.TxnID && stage > f.Stage:
		return Fence{TxnID: txnID, Stage: stage}
	default:
		return f
	}
}

func encodeFence(f Fence) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFence(data []byte) (Fence, error) {
	var f Fence
	if err := json.Unmarshal(data, &f); err != nil {
		return Fence{}, fmt.Errorf("replica: decode fence: %w", err)
	}
	return f, nil
}
