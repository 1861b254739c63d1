package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionState describes the lifecycle of the streaming connection.
// Only the stream client mutates it; everyone else observes.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PriceDirection is derived by comparing a new price against the last
// stored price for the same coin. Unchanged when equal or no prior value.
type PriceDirection int

const (
	DirectionUnchanged PriceDirection = iota
	DirectionUp
	DirectionDown
)

func (d PriceDirection) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "unchanged"
	}
}

// UpdateSource identifies which data path produced an update.
type UpdateSource string

const (
	SourceStream UpdateSource = "stream"
	SourcePoll   UpdateSource = "poll"
)

// PriceUpdate is a single price observation for a coin. Immutable once
// constructed; Direction is filled in by the feed repository.
type PriceUpdate struct {
	CoinID    string
	Price     decimal.Decimal
	Timestamp time.Time
	Direction PriceDirection
	Source    UpdateSource
}
