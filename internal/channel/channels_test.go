package channel

import (
	"context"
	"testing"
	"time"

	"coinfeed/internal/models"
)

func TestSendUpdateCountsSentAndDropped(t *testing.T) {
	ch := NewChannels(1)
	ctx := context.Background()

	u := models.PriceUpdate{CoinID: "BTC", Timestamp: time.Now()}
	if !ch.SendUpdate(ctx, u) {
		t.Fatal("first send should fit the buffer")
	}
	if ch.SendUpdate(ctx, u) {
		t.Fatal("second send should drop on a full buffer")
	}

	stats := ch.GetStats()
	if stats.UpdatesSent != 1 || stats.UpdatesDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendUpdateHonorsContext(t *testing.T) {
	ch := NewChannels(1)
	ch.Updates <- models.PriceUpdate{CoinID: "BTC"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Both the buffer-full and the cancelled branches are valid here; the
	// send must simply not block.
	ch.SendUpdate(ctx, models.PriceUpdate{CoinID: "ETH"})
}

func TestChannelsClose(t *testing.T) {
	ch := NewChannels(1)
	ch.Close()
	if _, ok := <-ch.Updates; ok {
		t.Fatal("expected closed updates channel")
	}
}
