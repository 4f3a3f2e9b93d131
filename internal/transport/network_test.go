package transport

import (
	"testing"

	"pkt.systems/keyrename/internal/protocol"
)

func TestNetworkDeliverySemantics(t *testing.T) {
	n := NewNetwork()
	ids := n.SendAll([]protocol.Message{
		protocol.LockRequest(1, 1),
		protocol.LockRequest(2, 1),
		protocol.LockRequest(1, 1),
	})
	if n.Len() != 3 || n.Count(protocol.LockRequest(1, 1)) != 2 {
		t.Fatalf("unexpected arena: len=%d", n.Len())
	}
	if msg, ok := n.DeliverAgain(ids[1]); !ok || msg.StoreID != 2 || n.Len() != 3 {
		t.Fatalf("duplicate delivery must leave message in flight")
	}
	if msg, ok := n.Deliver(ids[1]); !ok || msg.StoreID != 2 || n.Len() != 2 {
		t.Fatalf("deliver did not consume message")
	}
	if _, ok := n.Deliver(ids[1]); ok {
		t.Fatalf("consumed message delivered twice")
	}
	if !n.Lose(ids[0]) || n.Lose(ids[0]) {
		t.Fatalf("lose must succeed exactly once")
	}
	pending := n.Pending()
	if len(pending) != 1 || pending[0].ID != ids[2] {
		t.Fatalf("unexpected pending %v", pending)
	}
	if n.Sent() != 3 {
		t.Fatalf("sent = %d", n.Sent())
	}
}

func TestNetworkPendingOrderedByID(t *testing.T) {
	n := NewNetwork()
	for i := range 20 {
		n.Send(protocol.UnlockRequest(protocol.StoreID(i%3), uint64(i+1)))
	}
	var last MessageID
	for _, env := range n.Pending() {
		if env.ID <= last {
			t.Fatalf("pending out of order: %d after %d", env.ID, last)
		}
		last = env.ID
	}
}

func TestNetworkCloneIsIndependent(t *testing.T) {
	n := NewNetwork()
	id := n.Send(protocol.RenameRequest(1, 4))
	clone := n.Clone()
	clone.Deliver(id)
	cloneID := clone.Send(protocol.RenameRequest(2, 4))
	if n.Len() != 1 || clone.Len() != 1 {
		t.Fatalf("clone shares arena: original=%d clone=%d", n.Len(), clone.Len())
	}
	if next := n.Send(protocol.RenameRequest(2, 4)); next != cloneID {
		t.Fatalf("ids diverged: %d vs %d", next, cloneID)
	}
	if _, ok := n.Deliver(id); !ok {
		t.Fatalf("original lost message delivered in clone")
	}
}
