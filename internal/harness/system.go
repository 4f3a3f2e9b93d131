// Package harness steps a coordinator, its replicas and an unreliable
// network through explicit actions so that loss, duplication and crash
// interleavings can be explored deterministically.
package harness

import (
	"context"
	"fmt"
	"slices"

	"github.com/segmentio/fasthash/fnv1a"
	"pkt.systems/pslog"

	"pkt.systems/keyrename/internal/coordinator"
	"pkt.systems/keyrename/internal/kvstore"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/replica"
	"pkt.systems/keyrename/internal/statestore"
	"pkt.systems/keyrename/internal/transport"
)

// Key names used by every harness replica.
const (
	KeyA       = "A"
	KeyRenamed = "A'"
)

// Config shapes a System and bounds the nondeterministic actions it offers.
type Config struct {
	// Stores is the number of replicas, numbered from 1.
	Stores int
	// Contended lists stores whose target name is already taken, so their
	// lock request fails and the attempt aborts.
	Contended []protocol.StoreID
	FenceMode replica.FenceMode
	Payload   []byte

	MaxCrashes     int
	MaxDuplicates  int
	MaxLosses      int
	MaxRetransmits int
	MaxUpdates     int

	Logger pslog.Logger
}

func (c Config) withDefaults() Config {
	if c.Stores <= 0 {
		c.Stores = 2
	}
	if len(c.Payload) == 0 {
		c.Payload = []byte("payload")
	}
	return c
}

// ActionKind enumerates harness actions.
type ActionKind uint8

const (
	ActionBegin ActionKind = iota + 1
	ActionDeliver
	ActionDeliverAgain
	ActionLose
	ActionRetransmit
	ActionCrash
	ActionRecover
	ActionUpdate
)

var actionNames = map[ActionKind]string{
	ActionBegin:        "begin",
	ActionDeliver:      "deliver",
	ActionDeliverAgain: "deliver_again",
	ActionLose:         "lose",
	ActionRetransmit:   "retransmit",
	ActionCrash:        "crash",
	ActionRecover:      "recover",
	ActionUpdate:       "update",
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// Action is one step. Message is set for network actions, Store for updates.
type Action struct {
	Kind    ActionKind
	ID      transport.MessageID
	Message protocol.Message
	Store   protocol.StoreID
}

func (a Action) String() string {
	switch a.Kind {
	case ActionDeliver, ActionDeliverAgain, ActionLose:
		return fmt.Sprintf("%s#%d %s", a.Kind, a.ID, a.Message)
	case ActionUpdate:
		return fmt.Sprintf("%s store=%d", a.Kind, a.Store)
	default:
		return a.Kind.String()
	}
}

type budget struct {
	crashes, duplicates, losses, retransmits, updates int
}

// System is the whole protocol world. It is not safe for concurrent use.
type System struct {
	cfg      Config
	ids      []protocol.StoreID
	coord    *coordinator.Coordinator
	state    *statestore.Memory
	replicas map[protocol.StoreID]*replica.Replica
	expected map[protocol.StoreID][]byte
	net      *transport.Network
	left     budget
	begun    bool
	trace    []Action
}

// NewSystem builds a fresh system: every store holds Payload under A and the
// coordinator has booted Idle.
func NewSystem(ctx context.Context, cfg Config) (*System, error) {
	cfg = cfg.withDefaults()
	logger := loggingutil.EnsureLogger(cfg.Logger)
	s := &System{
		cfg:      cfg,
		state:    statestore.NewMemory(),
		replicas: make(map[protocol.StoreID]*replica.Replica, cfg.Stores),
		expected: make(map[protocol.StoreID][]byte, cfg.Stores),
		net:      transport.NewNetwork(),
		left: budget{
			crashes:     cfg.MaxCrashes,
			duplicates:  cfg.MaxDuplicates,
			losses:      cfg.MaxLosses,
			retransmits: cfg.MaxRetransmits,
			updates:     cfg.MaxUpdates,
		},
	}
	for i := 1; i <= cfg.Stores; i++ {
		id := protocol.StoreID(i)
		store := kvstore.NewMemory()
		if err := store.Put(ctx, KeyA, cfg.Payload); err != nil {
			return nil, err
		}
		if slices.Contains(cfg.Contended, id) {
			if err := store.Put(ctx, KeyRenamed, []byte("occupied")); err != nil {
				return nil, err
			}
		}
		r, err := replica.New(ctx, replica.Config{
			ID:         id,
			Store:      store,
			Key:        KeyA,
			RenamedKey: KeyRenamed,
			FenceMode:  cfg.FenceMode,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		s.ids = append(s.ids, id)
		s.replicas[id] = r
		s.expected[id] = slices.Clone(cfg.Payload)
	}
	coord, out, err := coordinator.Open(ctx, coordinator.Config{Stores: s.ids, State: s.state, Logger: logger})
	if err != nil {
		return nil, err
	}
	s.coord = coord
	s.net.SendAll(out)
	return s, nil
}

// Coordinator returns the coordinator under test.
func (s *System) Coordinator() *coordinator.Coordinator { return s.coord }

// Replica returns the replica for id.
func (s *System) Replica(id protocol.StoreID) *replica.Replica { return s.replicas[id] }

// Network returns the simulated network.
func (s *System) Network() *transport.Network { return s.net }

// State returns the coordinator's durable state store.
func (s *System) State() *statestore.Memory { return s.state }

// Stores returns the store ids in order.
func (s *System) Stores() []protocol.StoreID { return slices.Clone(s.ids) }

// Trace returns the actions applied so far.
func (s *System) Trace() []Action { return slices.Clone(s.trace) }

// Enabled lists every action allowed in the current state, in a stable
// order.
func (s *System) Enabled(ctx context.Context) []Action {
	var out []Action
	phase := s.coord.Phase()
	if phase == protocol.PhaseIdle {
		out = append(out, Action{Kind: ActionBegin})
	}
	for _, env := range s.net.Pending() {
		out = append(out, Action{Kind: ActionDeliver, ID: env.ID, Message: env.Msg})
		if s.left.duplicates > 0 {
			out = append(out, Action{Kind: ActionDeliverAgain, ID: env.ID, Message: env.Msg})
		}
		if s.left.losses > 0 {
			out = append(out, Action{Kind: ActionLose, ID: env.ID, Message: env.Msg})
		}
	}
	inFlight := phase == protocol.PhasePreparing || phase == protocol.PhaseCommitted || phase == protocol.PhaseCleanup
	if inFlight && s.left.retransmits > 0 {
		out = append(out, Action{Kind: ActionRetransmit})
	}
	if inFlight && s.left.crashes > 0 {
		out = append(out, Action{Kind: ActionCrash})
	}
	if phase == protocol.PhaseCrashed {
		out = append(out, Action{Kind: ActionRecover})
	}
	if s.left.updates > 0 {
		for _, id := range s.ids {
			if locked, err := s.replicas[id].Locked(ctx); err == nil && !locked {
				out = append(out, Action{Kind: ActionUpdate, Store: id})
			}
		}
	}
	return out
}

// Apply performs a. Transport-level failures of the protocol itself, such
// as a replica protocol violation, are returned as errors.
func (s *System) Apply(ctx context.Context, a Action) error {
	s.trace = append(s.trace, a)
	switch a.Kind {
	case ActionBegin:
		_, out, err := s.coord.BeginRename(ctx)
		if err != nil {
			return err
		}
		s.begun = true
		s.net.SendAll(out)
	case ActionDeliver:
		msg, ok := s.net.Deliver(a.ID)
		if !ok {
			return fmt.Errorf("harness: message %d not in flight", a.ID)
		}
		return s.dispatch(ctx, msg)
	case ActionDeliverAgain:
		msg, ok := s.net.DeliverAgain(a.ID)
		if !ok {
			return fmt.Errorf("harness: message %d not in flight", a.ID)
		}
		s.left.duplicates--
		return s.dispatch(ctx, msg)
	case ActionLose:
		if !s.net.Lose(a.ID) {
			return fmt.Errorf("harness: message %d not in flight", a.ID)
		}
		s.left.losses--
	case ActionRetransmit:
		out, err := s.coord.Retransmit(ctx)
		if err != nil {
			return err
		}
		s.left.retransmits--
		s.net.SendAll(out)
	case ActionCrash:
		s.coord.Crash()
		s.left.crashes--
	case ActionRecover:
		out, err := s.coord.Recover(ctx)
		if err != nil {
			return err
		}
		s.net.SendAll(out)
	case ActionUpdate:
		value := fmt.Appendf(nil, "%s#%d", s.cfg.Payload, len(s.trace))
		if err := s.replicas[a.Store].UpdateValue(ctx, value); err != nil {
			return err
		}
		s.expected[a.Store] = value
		s.left.updates--
	default:
		return fmt.Errorf("harness: unknown action %s", a.Kind)
	}
	return nil
}

func (s *System) dispatch(ctx context.Context, msg protocol.Message) error {
	if msg.Kind.IsRequest() {
		r, ok := s.replicas[msg.StoreID]
		if !ok {
			return fmt.Errorf("harness: no store %d", msg.StoreID)
		}
		resp, ok, err := r.Handle(ctx, msg)
		if err != nil {
			return err
		}
		if ok {
			s.net.Send(resp)
		}
		return nil
	}
	out, err := s.coord.HandleResponse(ctx, msg)
	if err != nil {
		return err
	}
	s.net.SendAll(out)
	return nil
}

// Clone returns an independent copy of the system.
func (s *System) Clone() (*System, error) {
	state := s.state.Clone()
	clone := &System{
		cfg:      s.cfg,
		ids:      s.ids,
		coord:    s.coord.Clone(state),
		state:    state,
		replicas: make(map[protocol.StoreID]*replica.Replica, len(s.replicas)),
		expected: make(map[protocol.StoreID][]byte, len(s.expected)),
		net:      s.net.Clone(),
		left:     s.left,
		begun:    s.begun,
		trace:    slices.Clone(s.trace),
	}
	for id, r := range s.replicas {
		rc, err := r.Clone()
		if err != nil {
			return nil, err
		}
		clone.replicas[id] = rc
		clone.expected[id] = s.expected[id]
	}
	return clone, nil
}

// Fingerprint hashes everything that influences future behaviour: the
// coordinator snapshot, the durable record, every replica, the in-flight
// multiset and the remaining action budgets. Message ids are excluded so
// states that differ only in send order collapse.
func (s *System) Fingerprint(ctx context.Context) (uint64, error) {
	h := fnv1a.Init64
	snap := s.coord.Snapshot()
	h = fnv1a.AddUint64(h, uint64(snap.Phase))
	h = fnv1a.AddUint64(h, snap.TxnID)
	h = addBool(h, snap.WALCommitted)
	h = addBool(h, snap.Aborted)
	for _, set := range [][]protocol.StoreID{snap.LocksAcquired, snap.RenamesDone, snap.UnlocksAcked} {
		h = fnv1a.AddUint64(h, uint64(len(set)))
		for _, id := range set {
			h = fnv1a.AddUint64(h, uint64(id))
		}
	}
	rec, ok, err := s.state.Load(ctx)
	if err != nil {
		return 0, err
	}
	h = addBool(h, ok)
	h = fnv1a.AddUint64(h, rec.TxnID)
	h = addBool(h, rec.WALCommitted)
	h = addBool(h, rec.Done)
	for _, id := range s.ids {
		status, err := s.replicas[id].Status(ctx)
		if err != nil {
			return 0, err
		}
		h = fnv1a.AddUint64(h, uint64(status.KeyName))
		h = addBool(h, status.Locked)
		h = addBool(h, status.Faulted)
		h = fnv1a.AddUint64(h, status.Fence.TxnID)
		h = fnv1a.AddUint64(h, uint64(status.Fence.Stage))
		h = fnv1a.AddString64(h, string(s.expected[id]))
	}
	msgs := make([]protocol.Message, 0, s.net.Len())
	for _, env := range s.net.Pending() {
		msgs = append(msgs, env.Msg)
	}
	slices.SortFunc(msgs, compareMessages)
	for _, msg := range msgs {
		h = fnv1a.AddUint64(h, uint64(msg.Kind))
		h = fnv1a.AddUint64(h, uint64(msg.StoreID))
		h = fnv1a.AddUint64(h, msg.TxnID)
		h = addBool(h, msg.Success)
	}
	for _, n := range []int{s.left.crashes, s.left.duplicates, s.left.losses, s.left.retransmits, s.left.updates} {
		h = fnv1a.AddUint64(h, uint64(n))
	}
	return h, nil
}

func addBool(h uint64, b bool) uint64 {
	if b {
		return fnv1a.AddUint64(h, 1)
	}
	return fnv1a.AddUint64(h, 0)
}

func compareMessages(a, b protocol.Message) int {
	switch {
	case a.Kind != b.Kind:
		return int(a.Kind) - int(b.Kind)
	case a.StoreID != b.StoreID:
		return int(a.StoreID) - int(b.StoreID)
	case a.TxnID != b.TxnID:
		if a.TxnID < b.TxnID {
			return -1
		}
		return 1
	case a.Success != b.Success:
		if a.Success {
			return 1
		}
		return -1
	}
	return 0
}
