package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTickToUpdate(t *testing.T) {
	raw := []byte(`{"coinId":"BTC","price":"100.5","timestamp":1700000000000}`)
	var tick Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	u, err := tick.ToUpdate(SourcePoll)
	if err != nil {
		t.Fatalf("ToUpdate failed: %v", err)
	}
	if u.CoinID != "BTC" {
		t.Fatalf("unexpected coin id %q", u.CoinID)
	}
	if u.Timestamp != time.UnixMilli(1700000000000) {
		t.Fatalf("unexpected timestamp %v", u.Timestamp)
	}
	if u.Source != SourcePoll {
		t.Fatalf("unexpected source %q", u.Source)
	}
	if u.Direction != DirectionUnchanged {
		t.Fatal("direction must start unchanged")
	}
}

func TestTickToUpdateRejectsBadTicks(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing coin id", `{"price":"1","timestamp":1}`},
		{"negative price", `{"coinId":"BTC","price":"-1","timestamp":1}`},
		{"zero timestamp", `{"coinId":"BTC","price":"1","timestamp":0}`},
	}
	for _, tc := range cases {
		var tick Tick
		if err := json.Unmarshal([]byte(tc.raw), &tick); err != nil {
			t.Fatalf("%s: unmarshal failed: %v", tc.name, err)
		}
		if _, err := tick.ToUpdate(SourceStream); err == nil {
			t.Fatalf("%s: expected an error", tc.name)
		}
	}
}

func TestStreamMessageDecodesNumericPrice(t *testing.T) {
	raw := []byte(`{"type":"ticker","coinId":"ETH","price":2500.25,"timestamp":1700000000001}`)
	var msg StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Type != "ticker" || msg.CoinID != "ETH" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Price.String() != "2500.25" {
		t.Fatalf("unexpected price %s", msg.Price)
	}
}

func TestConnectionStateString(t *testing.T) {
	if StateReconnecting.String() != "reconnecting" || StateFailed.String() != "failed" {
		t.Fatal("unexpected state names")
	}
	if ConnectionState(99).String() != "unknown" {
		t.Fatal("unexpected name for out-of-range state")
	}
}
