package subs

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"coinfeed/logger"
)

// Delta is the precise change to the union interest set produced by one
// Acquire or Release call. Never a full re-send of the whole set.
type Delta struct {
	Added   []string
	Removed []string
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Handle is the opaque token a consumer uses to release its interest set.
// A handle invalidated by a later Acquire for the same consumer releases
// nothing.
type Handle struct {
	id         uuid.UUID
	consumerID string
}

func (h *Handle) ConsumerID() string {
	if h == nil {
		return ""
	}
	return h.consumerID
}

// Manager tracks per-consumer interest sets and reference counts per coin
// id. All mutation happens under one mutex; deltas are returned
// synchronously from the mutating call.
type Manager struct {
	mu         sync.Mutex
	refs       map[string]int
	byConsumer map[string]map[string]struct{}
	handles    map[string]uuid.UUID
	log        *logger.Entry
}

func NewManager() *Manager {
	return &Manager{
		refs:       make(map[string]int),
		byConsumer: make(map[string]map[string]struct{}),
		handles:    make(map[string]uuid.UUID),
		log:        logger.GetLogger().WithComponent("subscriptions"),
	}
}

// Acquire registers that consumerID wants exactly coinIDs, replacing any
// previous set for that consumer. The returned delta contains coin ids
// newly needed by anyone and coin ids no longer needed by anyone.
func (m *Manager) Acquire(consumerID string, coinIDs []string) (*Handle, Delta) {
	next := make(map[string]struct{}, len(coinIDs))
	for _, id := range coinIDs {
		if id != "" {
			next[id] = struct{}{}
		}
	}

	m.mu.Lock()
	prev := m.byConsumer[consumerID]

	var delta Delta
	for id := range next {
		if _, held := prev[id]; held {
			continue
		}
		m.refs[id]++
		if m.refs[id] == 1 {
			delta.Added = append(delta.Added, id)
		}
	}
	for id := range prev {
		if _, kept := next[id]; kept {
			continue
		}
		m.drop(id, &delta)
	}

	m.byConsumer[consumerID] = next
	h := &Handle{id: uuid.New(), consumerID: consumerID}
	m.handles[consumerID] = h.id
	m.mu.Unlock()

	sort.Strings(delta.Added)
	sort.Strings(delta.Removed)

	if !delta.Empty() {
		m.log.WithFields(logger.Fields{
			"consumer": consumerID,
			"added":    delta.Added,
			"removed":  delta.Removed,
		}).Debug("interest delta")
	}
	return h, delta
}

// Release removes the consumer's interest set entirely. Stale handles are
// ignored.
func (m *Manager) Release(h *Handle) Delta {
	if h == nil {
		return Delta{}
	}

	m.mu.Lock()
	current, ok := m.handles[h.consumerID]
	if !ok || current != h.id {
		m.mu.Unlock()
		return Delta{}
	}

	var delta Delta
	for id := range m.byConsumer[h.consumerID] {
		m.drop(id, &delta)
	}
	delete(m.byConsumer, h.consumerID)
	delete(m.handles, h.consumerID)
	m.mu.Unlock()

	sort.Strings(delta.Removed)

	if !delta.Empty() {
		m.log.WithFields(logger.Fields{
			"consumer": h.consumerID,
			"removed":  delta.Removed,
		}).Debug("interest released")
	}
	return delta
}

// drop decrements one reference; caller holds the lock.
func (m *Manager) drop(id string, d *Delta) {
	m.refs[id]--
	if m.refs[id] <= 0 {
		delete(m.refs, id)
		d.Removed = append(d.Removed, id)
	}
}

// CurrentInterest returns the sorted union of all consumers' interest
// sets, used to resubscribe everything after a reconnect.
func (m *Manager) CurrentInterest() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.refs))
	for id := range m.refs {
		out = append(out, id)
	}
	m.mu.Unlock()

	sort.Strings(out)
	return out
}

// Holds reports whether any consumer currently wants the coin id.
func (m *Manager) Holds(coinID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[coinID] > 0
}

// RefCount returns the number of consumers holding the coin id.
func (m *Manager) RefCount(coinID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[coinID]
}
