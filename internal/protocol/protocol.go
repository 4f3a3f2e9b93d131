// Package protocol defines the messages exchanged between the rename
// coordinator and the key-value store replicas.
package protocol

import (
	"encoding/json"
	"fmt"
)

// StoreID identifies a participating key-value store.
type StoreID uint32

// Kind enumerates the closed set of protocol messages.
type Kind uint8

const (
	// KindLockRequest asks a store to lock both key names.
	KindLockRequest Kind = iota + 1
	// KindLockResponse reports the outcome of a lock request.
	KindLockResponse
	// KindRenameRequest asks a locked store to move the value from A to A'.
	KindRenameRequest
	// KindRenameResponse acknowledges a rename request.
	KindRenameResponse
	// KindUnlockRequest asks a store to release both locks.
	KindUnlockRequest
	// KindUnlockResponse acknowledges an unlock request.
	KindUnlockResponse
)

var kindNames = map[Kind]string{
	KindLockRequest:    "lock_req",
	KindLockResponse:   "lock_resp",
	KindRenameRequest:  "rename_req",
	KindRenameResponse: "rename_resp",
	KindUnlockRequest:  "unlock_req",
	KindUnlockResponse: "unlock_resp",
}

// String returns the wire name of k.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind resolves a wire name into a Kind.
func ParseKind(name string) (Kind, error) {
	for kind, candidate := range kindNames {
		if candidate == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown message kind %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("protocol: invalid message kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsRequest reports whether k flows from the coordinator to a store.
func (k Kind) IsRequest() bool {
	switch k {
	case KindLockRequest, KindRenameRequest, KindUnlockRequest:
		return true
	case KindLockResponse, KindRenameResponse, KindUnlockResponse:
		return false
	default:
		return false
	}
}

// IsResponse reports whether k flows from a store to the coordinator.
func (k Kind) IsResponse() bool {
	return k.Valid() && !k.IsRequest()
}

// Stage returns the protocol stage k belongs to.
func (k Kind) Stage() Stage {
	switch k {
	case KindLockRequest, KindLockResponse:
		return StageLock
	case KindRenameRequest, KindRenameResponse:
		return StageRename
	case KindUnlockRequest, KindUnlockResponse:
		return StageUnlock
	default:
		return StageNone
	}
}

// Response returns the response kind paired with request kind k.
func (k Kind) Response() (Kind, bool) {
	switch k {
	case KindLockRequest:
		return KindLockResponse, true
	case KindRenameRequest:
		return KindRenameResponse, true
	case KindUnlockRequest:
		return KindUnlockResponse, true
	default:
		return 0, false
	}
}

// Stage orders the requests of a single transaction epoch.
type Stage uint8

const (
	// StageNone is the zero stage recorded before any request was seen.
	StageNone Stage = iota
	// StageLock covers lock requests.
	StageLock
	// StageRename covers rename requests.
	StageRename
	// StageUnlock covers unlock requests.
	StageUnlock
)

// String returns a readable stage name.
func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageLock:
		return "lock"
	case StageRename:
		return "rename"
	case StageUnlock:
		return "unlock"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Message is an immutable protocol message. Success is only meaningful for
// lock responses; every other kind carries true.
type Message struct {
	Kind    Kind    `json:"kind"`
	StoreID StoreID `json:"store_id"`
	TxnID   uint64  `json:"txn_id"`
	Success bool    `json:"success,omitempty"`
}

// LockRequest builds a lock request for store.
func LockRequest(store StoreID, txnID uint64) Message {
	return Message{Kind: KindLockRequest, StoreID: store, TxnID: txnID}
}

// LockResponse builds a lock response.
func LockResponse(store StoreID, txnID uint64, success bool) Message {
	return Message{Kind: KindLockResponse, StoreID: store, TxnID: txnID, Success: success}
}

// RenameRequest builds a rename request for store.
func RenameRequest(store StoreID, txnID uint64) Message {
	return Message{Kind: KindRenameRequest, StoreID: store, TxnID: txnID}
}

// RenameResponse builds a rename acknowledgement.
func RenameResponse(store StoreID, txnID uint64) Message {
	return Message{Kind: KindRenameResponse, StoreID: store, TxnID: txnID, Success: true}
}

// UnlockRequest builds an unlock request for store.
func UnlockRequest(store StoreID, txnID uint64) Message {
	return Message{Kind: KindUnlockRequest, StoreID: store, TxnID: txnID}
}

// UnlockResponse builds an unlock acknowledgement.
func UnlockResponse(store StoreID, txnID uint64) Message {
	return Message{Kind: KindUnlockResponse, StoreID: store, TxnID: txnID, Success: true}
}

// String renders m for logs and test failures.
func (m Message) String() string {
	if m.Kind == KindLockResponse {
		return fmt.Sprintf("%s(store=%d txn=%d ok=%t)", m.Kind, m.StoreID, m.TxnID, m.Success)
	}
	return fmt.Sprintf("%s(store=%d txn=%d)", m.Kind, m.StoreID, m.TxnID)
}

// Validate checks that m carries a known kind and a transaction id.
func (m Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("protocol: invalid message kind %d", uint8(m.Kind))
	}
	if m.TxnID == 0 {
		return fmt.Errorf("protocol: %s without txn id", m.Kind)
	}
	return nil
}

// Encode returns the JSON wire form of m.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a JSON message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Phase is the coordinator's volatile protocol phase.
type Phase uint8

const (
	// PhaseIdle waits for a rename to be started.
	PhaseIdle Phase = iota
	// PhasePreparing collects lock responses.
	PhasePreparing
	// PhaseCommitted drives renames after the decision became durable.
	PhaseCommitted
	// PhaseCleanup releases locks after commit or abort.
	PhaseCleanup
	// PhaseDone is terminal.
	PhaseDone
	// PhaseCrashed has lost all volatile state.
	PhaseCrashed
)

// String returns a readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePreparing:
		return "preparing"
	case PhaseCommitted:
		return "committed"
	case PhaseCleanup:
		return "cleanup"
	case PhaseDone:
		return "done"
	case PhaseCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	for candidate := PhaseIdle; candidate <= PhaseCrashed; candidate++ {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("protocol: unknown phase %q", text)
}

// KeyName identifies which of the two names currently holds the value.
type KeyName uint8

const (
	// KeyMissing means neither name holds the value.
	KeyMissing KeyName = iota
	// KeyOriginal is the pre-rename name A.
	KeyOriginal
	// KeyRenamed is the post-rename name A'.
	KeyRenamed
)

// String returns a readable key name.
func (k KeyName) String() string {
	switch k {
	case KeyOriginal:
		return "A"
	case KeyRenamed:
		return "A'"
	default:
		return "missing"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k KeyName) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KeyName) UnmarshalText(text []byte) error {
	switch string(text) {
	case "A":
		*k = KeyOriginal
	case "A'":
		*k = KeyRenamed
	case "missing":
		*k = KeyMissing
	default:
		return fmt.Errorf("protocol: unknown key name %q", text)
	}
	return nil
}
