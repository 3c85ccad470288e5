package mqttloop

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// InflightMessage is a QoS>0 message awaiting acknowledgment or delivery.
type InflightMessage struct {
	PacketID  uint16
	QoS       byte
	Packet    []byte
	Timestamp time.Time
}

// MessageQueue is an ordered, lock-guarded sequence of in-flight messages.
// Each queue has its own lock so producers on different queues never
// contend with each other.
type MessageQueue struct {
	mu    sync.Mutex
	items *queue.Queue
}

// NewMessageQueue creates an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{items: queue.New()}
}

// Len returns the number of queued messages. The lock is held only for
// the read.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Length()
}

// Push appends a message.
func (q *MessageQueue) Push(msg *InflightMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items.Add(msg)
}

// Peek returns the oldest message without removing it.
func (q *MessageQueue) Peek() (*InflightMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Length() == 0 {
		return nil, false
	}
	return q.items.Peek().(*InflightMessage), true
}

// Remove deletes the message with the given packet ID, preserving the order
// of the rest.
func (q *MessageQueue) Remove(packetID uint16) (*InflightMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var found *InflightMessage
	n := q.items.Length()
	for range n {
		msg := q.items.Remove().(*InflightMessage)
		if found == nil && msg.PacketID == packetID {
			found = msg
			continue
		}
		q.items.Add(msg)
	}

	return found, found != nil
}

// Snapshot returns the queued messages in order.
func (q *MessageQueue) Snapshot() []*InflightMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*InflightMessage, q.items.Length())
	for i := range out {
		out[i] = q.items.Get(i).(*InflightMessage)
	}
	return out
}

// Clear drops every message.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = queue.New()
}

// workBudget is the number of packet operations one scheduler call may
// perform: the in-flight backlog, at least one.
func workBudget(inbound, outbound int) int {
	return max(inbound+outbound, 1)
}
