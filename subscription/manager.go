// Package subscription tracks which server session subscribes to which
// queue (C5): at most one subscriber per recipient_id, with push fan-out
// of newly enqueued messages.
package subscription

import (
	"sync"

	"github.com/halilertekin/simplexmq/internal/metrics"
	"github.com/halilertekin/simplexmq/queue"
)

// Subscriber is anything that can receive a pushed message or eviction
// signal; server.Session implements it, and the manager stores that
// Subscriber value per recipient_id until Unsubscribe removes it.
type Subscriber interface {
	// ID uniquely identifies this subscriber for bookkeeping.
	ID() string
	// Deliver is called with a freshly enqueued or re-delivered message.
	Deliver(recipientID string, msg queue.Message)
	// Evict is called when another session subscribes to the same queue.
	Evict(recipientID string)
}

// Manager maps recipient_id to its current subscriber.
type Manager struct {
	mu          sync.Mutex
	subscribers map[string]Subscriber          // recipientID -> subscriber
	bySub       map[string]map[string]struct{} // subscriberID -> set of recipientIDs
}

// NewManager creates an empty subscription manager.
func NewManager() *Manager {
	return &Manager{
		subscribers: make(map[string]Subscriber),
		bySub:       make(map[string]map[string]struct{}),
	}
}

// Subscribe attaches sub to recipientID, evicting any prior subscriber.
func (m *Manager) Subscribe(recipientID string, sub Subscriber) {
	m.mu.Lock()
	prev, had := m.subscribers[recipientID]
	m.subscribers[recipientID] = sub
	if m.bySub[sub.ID()] == nil {
		m.bySub[sub.ID()] = make(map[string]struct{})
	}
	m.bySub[sub.ID()][recipientID] = struct{}{}
	m.mu.Unlock()

	if had && prev.ID() != sub.ID() {
		prev.Evict(recipientID)
		metrics.SubscriptionEvictions.Inc()
	}
	metrics.QueuesActive.Set(float64(len(m.subscribers)))
}

// Unsubscribe removes every recipient_id subscribed by sub.
func (m *Manager) Unsubscribe(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rid := range m.bySub[sub.ID()] {
		if cur, ok := m.subscribers[rid]; ok && cur.ID() == sub.ID() {
			delete(m.subscribers, rid)
		}
	}
	delete(m.bySub, sub.ID())
}

// Deliver pushes msg to recipientID's current subscriber, if any. It
// satisfies queue.Notifier.
func (m *Manager) Deliver(recipientID string, msg queue.Message) {
	m.mu.Lock()
	sub, ok := m.subscribers[recipientID]
	m.mu.Unlock()
	if ok {
		sub.Deliver(recipientID, msg)
	}
}

var _ queue.Notifier = (*Manager)(nil)
