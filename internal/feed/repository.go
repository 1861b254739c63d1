package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinfeed/internal/channel"
	"coinfeed/internal/metrics"
	"coinfeed/internal/models"
	"coinfeed/internal/subs"
	"coinfeed/logger"
)

// Streamer is the stream client surface the repository composes.
type Streamer interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(coinIDs []string) error
	Unsubscribe(coinIDs []string) error
	Updates() <-chan models.PriceUpdate
	States() (<-chan models.ConnectionState, func())
	State() models.ConnectionState
}

// PollSource is the fallback poller surface the repository composes.
type PollSource interface {
	Start(ctx context.Context, provider func() []string)
	Stop()
	Updates() <-chan models.PriceUpdate
}

type lastEntry struct {
	price decimal.Decimal
	ts    time.Time
}

// Repository merges the stream and the fallback poller into one continuous
// per-coin feed. It is the sole owner of last-known-price state and the
// sole place direction is computed.
type Repository struct {
	stream    Streamer
	poller    PollSource
	subs      *subs.Manager
	consumers *channel.UpdateBroadcaster
	log       *logger.Log

	mu   sync.Mutex
	last map[string]lastEntry

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	closed      bool
}

func NewRepository(stream Streamer, poller PollSource, consumerBuffer int) *Repository {
	return &Repository{
		stream:    stream,
		poller:    poller,
		subs:      subs.NewManager(),
		consumers: channel.NewUpdateBroadcaster(consumerBuffer),
		last:      make(map[string]lastEntry),
		log:       logger.GetLogger(),
	}
}

// Start connects the stream and spins up the state watcher and merge
// loops. The poller is engaged immediately when the stream is not yet
// CONNECTED.
func (r *Repository) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.closed {
		return fmt.Errorf("repository is closed")
	}
	if r.started {
		return fmt.Errorf("repository already started")
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	// Subscribe to transitions before connecting so none are missed.
	stateCh, cancelStates := r.stream.States()

	if err := r.stream.Connect(runCtx); err != nil {
		cancelStates()
		cancel()
		r.started = false
		return fmt.Errorf("failed to connect stream: %w", err)
	}

	if r.stream.State() != models.StateConnected {
		r.poller.Start(runCtx, r.subs.CurrentInterest)
	}

	r.wg.Add(2)
	go r.watchState(runCtx, stateCh, cancelStates)
	go r.merge(runCtx)

	r.log.WithComponent("feed_repository").Info("feed repository started")
	return nil
}

// Subscribe registers consumerID's interest set and forwards the resulting
// delta downstream. The same consumer re-subscribing the same set produces
// no downstream commands.
func (r *Repository) Subscribe(consumerID string, coinIDs []string) (*subs.Handle, error) {
	r.lifecycleMu.Lock()
	closed := r.closed
	r.lifecycleMu.Unlock()
	if closed {
		return nil, fmt.Errorf("repository is closed")
	}

	h, delta := r.subs.Acquire(consumerID, coinIDs)
	r.applyDelta(delta)
	return h, nil
}

// Unsubscribe releases the consumer's interest set.
func (r *Repository) Unsubscribe(h *subs.Handle) {
	delta := r.subs.Release(h)
	r.applyDelta(delta)
}

func (r *Repository) applyDelta(delta subs.Delta) {
	log := r.log.WithComponent("feed_repository")
	if len(delta.Added) > 0 {
		if err := r.stream.Subscribe(delta.Added); err != nil {
			// Interest state is retained; the ids are replayed on the
			// next reconnect.
			log.WithError(err).WithField("coin_ids", delta.Added).Warn("subscribe command failed")
		}
	}
	if len(delta.Removed) > 0 {
		if err := r.stream.Unsubscribe(delta.Removed); err != nil {
			log.WithError(err).WithField("coin_ids", delta.Removed).Warn("unsubscribe command failed")
		}
		r.forget(delta.Removed)
	}
}

// forget clears stored price state for released coins so a later
// re-subscribe starts from UNCHANGED instead of a stale direction.
func (r *Repository) forget(coinIDs []string) {
	r.mu.Lock()
	for _, id := range coinIDs {
		delete(r.last, id)
	}
	r.mu.Unlock()
}

// Consumers returns a merged update feed for one consumer plus a cancel
// function. Closed by cancel or repository shutdown; not restartable.
func (r *Repository) Consumers() (<-chan models.PriceUpdate, func()) {
	return r.consumers.Subscribe()
}

// States exposes the stream state transitions for UI indicators.
func (r *Repository) States() (<-chan models.ConnectionState, func()) {
	return r.stream.States()
}

// CurrentInterest returns the aggregate interest set.
func (r *Repository) CurrentInterest() []string {
	return r.subs.CurrentInterest()
}

// Close tears down the poller, the stream and the merge loop without
// leaking background tasks.
func (r *Repository) Close() {
	r.lifecycleMu.Lock()
	if r.closed {
		r.lifecycleMu.Unlock()
		return
	}
	r.closed = true
	cancel := r.cancel
	r.cancel = nil
	r.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.poller.Stop()
	r.stream.Disconnect()
	r.wg.Wait()
	r.consumers.Close()
	r.log.WithComponent("feed_repository").Info("feed repository closed")
}

// watchState engages the poller whenever the stream is not CONNECTED and
// disengages it once CONNECTED is observed. After FAILED the poller stays
// on as the sole data source.
func (r *Repository) watchState(ctx context.Context, stateCh <-chan models.ConnectionState, cancelStates func()) {
	defer r.wg.Done()
	defer cancelStates()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-stateCh:
			if !ok {
				return
			}
			if s == models.StateConnected {
				r.poller.Stop()
			} else {
				r.poller.Start(ctx, r.subs.CurrentInterest)
			}
		}
	}
}

// merge fans in stream and poller updates in arrival order. A single
// goroutine serializes direction computation and stored-state updates, so
// per-coin emission order follows accepted timestamp order.
func (r *Repository) merge(ctx context.Context) {
	defer r.wg.Done()

	streamCh := r.stream.Updates()
	pollCh := r.poller.Updates()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-streamCh:
			if !ok {
				streamCh = nil
				break
			}
			r.process(u)
		case u, ok := <-pollCh:
			if !ok {
				pollCh = nil
				break
			}
			r.process(u)
		}
		if streamCh == nil && pollCh == nil {
			return
		}
	}
}

// process filters, orders, derives direction and emits one update.
func (r *Repository) process(u models.PriceUpdate) {
	if !r.subs.Holds(u.CoinID) {
		// Do not touch stored state for coins nobody wants.
		metrics.IncDiscarded(metrics.ReasonUninterested)
		return
	}

	r.mu.Lock()
	prev, seen := r.last[u.CoinID]
	if seen && !u.Timestamp.After(prev.ts) {
		r.mu.Unlock()
		metrics.IncDiscarded(metrics.ReasonStale)
		r.log.WithComponent("feed_repository").WithFields(logger.Fields{
			"coin_id": u.CoinID,
			"source":  string(u.Source),
		}).Debug("discarding out-of-order update")
		return
	}

	u.Direction = models.DirectionUnchanged
	if seen {
		switch u.Price.Cmp(prev.price) {
		case 1:
			u.Direction = models.DirectionUp
		case -1:
			u.Direction = models.DirectionDown
		}
	}
	r.last[u.CoinID] = lastEntry{price: u.Price, ts: u.Timestamp}

	// Publish while holding the lock so stored state and emission stay
	// atomic; sends to consumers never block.
	r.consumers.Publish(u)
	r.mu.Unlock()

	metrics.IncUpdate(u.Source)
}
