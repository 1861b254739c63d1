package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Command is the outbound subscribe/unsubscribe message sent over the
// stream connection.
type Command struct {
	Action  string   `json:"action"`
	CoinIDs []string `json:"coinIds"`
}

// Tick is the inbound price tuple shared by the stream decoder and the
// poll response. Timestamp is milliseconds since epoch, source-supplied.
type Tick struct {
	CoinID    string          `json:"coinId"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// ToUpdate validates the tick and converts it into a PriceUpdate.
// Direction is left at Unchanged; the feed repository derives it.
func (t Tick) ToUpdate(source UpdateSource) (PriceUpdate, error) {
	if t.CoinID == "" {
		return PriceUpdate{}, fmt.Errorf("tick missing coin id")
	}
	if t.Price.IsNegative() {
		return PriceUpdate{}, fmt.Errorf("tick for %s has negative price %s", t.CoinID, t.Price)
	}
	if t.Timestamp <= 0 {
		return PriceUpdate{}, fmt.Errorf("tick for %s has invalid timestamp %d", t.CoinID, t.Timestamp)
	}
	return PriceUpdate{
		CoinID:    t.CoinID,
		Price:     t.Price,
		Timestamp: time.UnixMilli(t.Timestamp),
		Source:    source,
	}, nil
}

// StreamMessage is the envelope for inbound stream frames. Frames with an
// unrecognized type are ignored by the decoder.
type StreamMessage struct {
	Type string `json:"type"`
	Tick
}
