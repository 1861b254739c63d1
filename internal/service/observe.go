package service

import (
	"fmt"
	"sync"

	"coinfeed/internal/models"
	"coinfeed/internal/subs"
	"coinfeed/logger"
)

// PriceFeed is the repository surface the use case fronts.
type PriceFeed interface {
	Subscribe(consumerID string, coinIDs []string) (*subs.Handle, error)
	Unsubscribe(h *subs.Handle)
	Consumers() (<-chan models.PriceUpdate, func())
	States() (<-chan models.ConnectionState, func())
}

// ObservePrices is the thin facade presentation code talks to. It
// registers a consumer's interest set and hands back the merged feed.
type ObservePrices struct {
	feed PriceFeed
	log  *logger.Entry
}

func NewObservePrices(feed PriceFeed) *ObservePrices {
	return &ObservePrices{
		feed: feed,
		log:  logger.GetLogger().WithComponent("observe_prices"),
	}
}

// Subscription is one consumer's view of the feed. Close releases the
// interest set and the channels; not restartable afterwards.
type Subscription struct {
	Updates <-chan models.PriceUpdate
	States  <-chan models.ConnectionState

	handle       *subs.Handle
	feed         PriceFeed
	closeUpdates func()
	closeStates  func()
	once         sync.Once
}

// Observe registers that consumerID wants exactly coinIDs and returns the
// consumer's feed.
func (o *ObservePrices) Observe(consumerID string, coinIDs []string) (*Subscription, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("consumer id is required")
	}

	updates, closeUpdates := o.feed.Consumers()
	states, closeStates := o.feed.States()

	h, err := o.feed.Subscribe(consumerID, coinIDs)
	if err != nil {
		closeUpdates()
		closeStates()
		return nil, err
	}

	o.log.WithFields(logger.Fields{
		"consumer": consumerID,
		"coin_ids": coinIDs,
	}).Info("consumer observing prices")

	return &Subscription{
		Updates:      updates,
		States:       states,
		handle:       h,
		feed:         o.feed,
		closeUpdates: closeUpdates,
		closeStates:  closeStates,
	}, nil
}

// Close releases the consumer's interest set and closes its channels.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.feed.Unsubscribe(s.handle)
		s.closeUpdates()
		s.closeStates()
	})
}
