package channel

import (
	"context"
	"sync"

	"coinfeed/internal/models"
	"coinfeed/logger"
)

type Stats struct {
	UpdatesSent    int64
	UpdatesDropped int64
}

// Channels carries decoded price updates from a producer (stream client or
// poller) to the feed repository.
type Channels struct {
	Updates chan models.PriceUpdate

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(updateBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Updates: make(chan models.PriceUpdate, updateBufferSize),
		log:     log,
	}

	log.WithComponent("price_channels").WithFields(logger.Fields{
		"update_buffer_size": updateBufferSize,
	}).Debug("price channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Updates)
}

func (c *Channels) IncrementUpdatesSent() {
	c.statsMutex.Lock()
	c.stats.UpdatesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementUpdatesDropped() {
	c.statsMutex.Lock()
	c.stats.UpdatesDropped++
	c.statsMutex.Unlock()
}

// SendUpdate forwards an update without blocking the producer. Returns false
// when the context is done or the buffer is full; a full buffer counts as a
// drop.
func (c *Channels) SendUpdate(ctx context.Context, u models.PriceUpdate) bool {
	select {
	case c.Updates <- u:
		c.IncrementUpdatesSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementUpdatesDropped()
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
