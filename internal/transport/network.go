// Package transport carries protocol messages between the coordinator and
// the replicas: an in-memory arena the model checker steps through, and a
// JSON over HTTP transport for real deployments.
package transport

import (
	"cmp"

	"github.com/benbjohnson/immutable"

	"pkt.systems/keyrename/internal/protocol"
)

// MessageID names one in-flight message. IDs increase monotonically and are
// never reused within a network and its clones.
type MessageID uint64

// Envelope is an in-flight message and its id.
type Envelope struct {
	ID  MessageID
	Msg protocol.Message
}

type idComparer struct{}

func (idComparer) Compare(a, b MessageID) int { return cmp.Compare(a, b) }

// Network is an unreliable network: messages may be delivered in any order,
// delivered more than once, or lost. It is a value-semantics arena; Clone is
// O(1) and the clone shares no mutable state with the original. A Network is
// not safe for concurrent use.
type Network struct {
	inflight *immutable.SortedMap[MessageID, protocol.Message]
	nextID   MessageID
	sent     uint64
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		inflight: immutable.NewSortedMap[MessageID, protocol.Message](idComparer{}),
		nextID:   1,
	}
}

// Send puts msg in flight and returns its id.
func (n *Network) Send(msg protocol.Message) MessageID {
	id := n.nextID
	n.nextID++
	n.sent++
	n.inflight = n.inflight.Set(id, msg)
	return id
}

// SendAll puts every message in flight in order.
func (n *Network) SendAll(msgs []protocol.Message) []MessageID {
	ids := make([]MessageID, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, n.Send(msg))
	}
	return ids
}

// Deliver removes the message and returns it.
func (n *Network) Deliver(id MessageID) (protocol.Message, bool) {
	msg, ok := n.inflight.Get(id)
	if !ok {
		return protocol.Message{}, false
	}
	n.inflight = n.inflight.Delete(id)
	return msg, true
}

// DeliverAgain returns the message and leaves it in flight, modelling
// duplicate delivery.
func (n *Network) DeliverAgain(id MessageID) (protocol.Message, bool) {
	return n.inflight.Get(id)
}

// Lose drops the message without delivering it.
func (n *Network) Lose(id MessageID) bool {
	if _, ok := n.inflight.Get(id); !ok {
		return false
	}
	n.inflight = n.inflight.Delete(id)
	return true
}

// Pending lists in-flight messages in id order.
func (n *Network) Pending() []Envelope {
	out := make([]Envelope, 0, n.inflight.Len())
	itr := n.inflight.Iterator()
	for !itr.Done() {
		id, msg, _ := itr.Next()
		out = append(out, Envelope{ID: id, Msg: msg})
	}
	return out
}

// Len returns the number of in-flight messages.
func (n *Network) Len() int { return n.inflight.Len() }

// Count returns how many in-flight messages equal msg.
func (n *Network) Count(msg protocol.Message) int {
	count := 0
	itr := n.inflight.Iterator()
	for !itr.Done() {
		_, candidate, _ := itr.Next()
		if candidate == msg {
			count++
		}
	}
	return count
}

// Sent returns the total number of messages ever sent.
func (n *Network) Sent() uint64 { return n.sent }

// Clone returns an independent copy sharing the persistent arena.
func (n *Network) Clone() *Network {
	clone := *n
	return &clone
}
