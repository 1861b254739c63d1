package channel

import (
	"sync"

	"coinfeed/internal/models"
	"coinfeed/logger"
)

// StateBroadcaster fans out connection state transitions to any number of
// observers. Every transition is published, including transient ones; a
// slow observer whose buffer fills loses the newest transition, not the
// stream itself.
type StateBroadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan models.ConnectionState
	next   uint64
	buffer int
	closed bool
	log    *logger.Entry
}

func NewStateBroadcaster(buffer int) *StateBroadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &StateBroadcaster{
		subs:   make(map[uint64]chan models.ConnectionState),
		buffer: buffer,
		log:    logger.GetLogger().WithComponent("state_broadcast"),
	}
}

// Subscribe returns a channel of future transitions and a cancel function.
// The channel is closed by cancel or by Close.
func (b *StateBroadcaster) Subscribe() (<-chan models.ConnectionState, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan models.ConnectionState)
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	ch := make(chan models.ConnectionState, b.buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *StateBroadcaster) Publish(s models.ConnectionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			b.log.WithFields(logger.Fields{"state": s.String()}).Warn("state observer buffer full, dropping transition")
		}
	}
}

func (b *StateBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// UpdateBroadcaster fans out merged price updates to consumers. Each
// consumer owns a buffered channel; a consumer that cannot keep up drops
// updates rather than stalling the merge loop or other consumers.
type UpdateBroadcaster struct {
	mu      sync.Mutex
	subs    map[uint64]chan models.PriceUpdate
	next    uint64
	buffer  int
	dropped int64
	closed  bool
	log     *logger.Entry
}

func NewUpdateBroadcaster(buffer int) *UpdateBroadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &UpdateBroadcaster{
		subs:   make(map[uint64]chan models.PriceUpdate),
		buffer: buffer,
		log:    logger.GetLogger().WithComponent("update_broadcast"),
	}
}

func (b *UpdateBroadcaster) Subscribe() (<-chan models.PriceUpdate, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan models.PriceUpdate)
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	ch := make(chan models.PriceUpdate, b.buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *UpdateBroadcaster) Publish(u models.PriceUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
			b.dropped++
			b.log.WithFields(logger.Fields{"coin_id": u.CoinID}).Warn("consumer buffer full, dropping update")
		}
	}
}

// Dropped reports how many updates were lost to consumer backpressure.
func (b *UpdateBroadcaster) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *UpdateBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
