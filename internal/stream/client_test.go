package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coinfeed/config"
	"coinfeed/internal/backoff"
	"coinfeed/internal/models"
)

// wsServer is a minimal price-stream endpoint for client tests.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	commands chan models.Command
	reject   int32
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{
		t:        t,
		commands: make(chan models.Command, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.reject) > 0 {
		atomic.AddInt32(&s.reject, -1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var cmd models.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands <- cmd
	}
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) send(payload string) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.conns)
		var conn *websocket.Conn
		if n > 0 {
			conn = s.conns[n-1]
		}
		s.mu.Unlock()
		if conn != nil {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				s.t.Fatalf("server write failed: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			s.t.Fatal("no server-side connection to write to")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *wsServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

func (s *wsServer) command(t *testing.T) models.Command {
	t.Helper()
	select {
	case cmd := <-s.commands:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a command")
		return models.Command{}
	}
}

func testConfig(url string) config.StreamConfig {
	return config.StreamConfig{
		URL:                  url,
		HandshakeTimeoutMs:   1000,
		WriteTimeoutMs:       1000,
		PingIntervalMs:       60000,
		MaxReconnectAttempts: 5,
	}
}

func testStrategy() *backoff.Strategy {
	return backoff.NewStrategy(5*time.Millisecond, 20*time.Millisecond, 0, 1)
}

func interestOf(ids ...string) func() []string {
	return func() []string { return ids }
}

func waitState(t *testing.T, ch <-chan models.ConnectionState, want models.ConnectionState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatalf("state channel closed while waiting for %v", want)
			}
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func waitUpdate(t *testing.T, ch <-chan models.PriceUpdate) models.PriceUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an update")
		return models.PriceUpdate{}
	}
}

func TestConnectReplaysInterestAndDeliversUpdates(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(testConfig(srv.url()), testStrategy(), interestOf("BTC", "ETH"), 16, 16)

	states, cancelStates := c.States()
	defer cancelStates()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	waitState(t, states, models.StateConnecting)
	waitState(t, states, models.StateConnected)

	cmd := srv.command(t)
	if cmd.Action != models.ActionSubscribe {
		t.Fatalf("expected subscribe, got %q", cmd.Action)
	}
	if !reflect.DeepEqual(cmd.CoinIDs, []string{"BTC", "ETH"}) {
		t.Fatalf("unexpected replayed interest: %v", cmd.CoinIDs)
	}

	srv.send(`{"type":"ticker","coinId":"BTC","price":"100.5","timestamp":1700000000000}`)
	u := waitUpdate(t, c.Updates())
	if u.CoinID != "BTC" || u.Price.String() != "100.5" || u.Source != models.SourceStream {
		t.Fatalf("unexpected update: %+v", u)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(testConfig(srv.url()), testStrategy(), interestOf("BTC"), 16, 16)

	states, cancelStates := c.States()
	defer cancelStates()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()
	waitState(t, states, models.StateConnected)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if got := c.State(); got != models.StateConnected {
		t.Fatalf("expected connected after duplicate connect, got %v", got)
	}
}

func TestMalformedMessagesAreDroppedNotFatal(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(testConfig(srv.url()), testStrategy(), nil, 16, 16)

	states, cancelStates := c.States()
	defer cancelStates()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()
	waitState(t, states, models.StateConnected)

	srv.send(`not json at all`)
	srv.send(`{"type":"heartbeat"}`)
	srv.send(`{"type":"ticker","coinId":"","price":"1","timestamp":1}`)
	srv.send(`{"type":"ticker","coinId":"ETH","price":"2500","timestamp":1700000000000}`)

	u := waitUpdate(t, c.Updates())
	if u.CoinID != "ETH" {
		t.Fatalf("expected only the valid ticker, got %+v", u)
	}
	if got := c.State(); got != models.StateConnected {
		t.Fatalf("malformed input must not tear down the connection, state %v", got)
	}
}

func TestReconnectReplaysFinalInterestSet(t *testing.T) {
	srv := newWSServer(t)

	var mu sync.Mutex
	interest := []string{"BTC", "ETH", "SOL"}
	provider := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(interest))
		copy(out, interest)
		return out
	}

	c := NewClient(testConfig(srv.url()), testStrategy(), provider, 16, 16)

	states, cancelStates := c.States()
	defer cancelStates()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()
	waitState(t, states, models.StateConnected)
	srv.command(t)

	// Interest changes during the outage; only the final set may be
	// replayed.
	mu.Lock()
	interest = []string{"ADA", "BTC", "ETH"}
	mu.Unlock()

	srv.dropConnections()
	waitState(t, states, models.StateReconnecting)
	waitState(t, states, models.StateConnected)

	cmd := srv.command(t)
	if cmd.Action != models.ActionSubscribe {
		t.Fatalf("expected subscribe, got %q", cmd.Action)
	}
	if !reflect.DeepEqual(cmd.CoinIDs, []string{"ADA", "BTC", "ETH"}) {
		t.Fatalf("expected the final desired set in one batch, got %v", cmd.CoinIDs)
	}
}

func TestFailedAfterMaxAttemptsUntilExplicitConnect(t *testing.T) {
	srv := newWSServer(t)
	atomic.StoreInt32(&srv.reject, 100)

	cfg := testConfig(srv.url())
	cfg.MaxReconnectAttempts = 2
	c := NewClient(cfg, testStrategy(), nil, 16, 16)

	states, cancelStates := c.States()
	defer cancelStates()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitState(t, states, models.StateFailed)

	// FAILED is terminal until an explicit connect.
	time.Sleep(50 * time.Millisecond)
	if got := c.State(); got != models.StateFailed {
		t.Fatalf("expected failed to stick, got %v", got)
	}

	atomic.StoreInt32(&srv.reject, 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reset connect failed: %v", err)
	}
	defer c.Disconnect()
	waitState(t, states, models.StateConnected)
}

func TestSubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	srv := newWSServer(t)
	c := NewClient(testConfig(srv.url()), testStrategy(), interestOf("BTC"), 16, 16)

	if err := c.Subscribe([]string{"BTC"}); err != nil {
		t.Fatalf("deferred subscribe must not error: %v", err)
	}
	if err := c.Unsubscribe([]string{"BTC"}); err != nil {
		t.Fatalf("deferred unsubscribe must not error: %v", err)
	}
	select {
	case cmd := <-srv.commands:
		t.Fatalf("no command should reach the server while disconnected: %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newWSServer(t)
	atomic.StoreInt32(&srv.reject, 100)

	cfg := testConfig(srv.url())
	cfg.MaxReconnectAttempts = 0 // unbounded
	strategy := backoff.NewStrategy(time.Hour, 2*time.Hour, 0, 1)
	c := NewClient(cfg, strategy, nil, 16, 16)

	states, cancelStates := c.States()
	defer cancelStates()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitState(t, states, models.StateReconnecting)

	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not cancel the pending reconnect timer")
	}
	waitState(t, states, models.StateDisconnected)
}
