package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coinfeed/config"
	"coinfeed/internal/backoff"
	"coinfeed/internal/channel"
	"coinfeed/internal/metrics"
	"coinfeed/internal/models"
	"coinfeed/logger"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 2 * time.Second
	defaultKeepAlive        = 20 * time.Second

	messageTypeTicker = "ticker"
)

// Client owns the single physical stream connection and its state machine.
// The server holds no subscription state across reconnects, so on every
// CONNECTED transition the client replays the current interest set supplied
// by the interest provider in one batch.
type Client struct {
	cfg      config.StreamConfig
	strategy *backoff.Strategy
	interest func() []string
	ch       *channel.Channels
	states   *channel.StateBroadcaster
	log      *logger.Log

	mu      sync.Mutex
	state   models.ConnectionState
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewClient creates a stream client. interest returns the union interest
// set to replay after a reconnect.
func NewClient(cfg config.StreamConfig, strategy *backoff.Strategy, interest func() []string, updateBuffer, stateBuffer int) *Client {
	return &Client{
		cfg:      cfg,
		strategy: strategy,
		interest: interest,
		ch:       channel.NewChannels(updateBuffer),
		states:   channel.NewStateBroadcaster(stateBuffer),
		log:      logger.GetLogger(),
	}
}

// Connect begins the handshake. Idempotent while a connection cycle is
// already running; also the explicit reset out of FAILED.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Disconnect is the user-initiated terminal close. It cancels any pending
// reconnect timer and waits for the connection cycle to wind down.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	running := c.running
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	if !running {
		c.transition(models.StateDisconnected)
	}
}

// Subscribe writes a subscribe command for the given coin ids. While not
// CONNECTED the command is not written; the ids stay part of the desired
// set and are flushed in the resubscribe batch on the next CONNECTED
// transition.
func (c *Client) Subscribe(coinIDs []string) error {
	return c.sendCommand(models.ActionSubscribe, coinIDs)
}

// Unsubscribe writes an unsubscribe command for the given coin ids.
func (c *Client) Unsubscribe(coinIDs []string) error {
	return c.sendCommand(models.ActionUnsubscribe, coinIDs)
}

// Updates returns the decoded inbound price updates. Malformed frames are
// dropped and logged, never surfaced as errors.
func (c *Client) Updates() <-chan models.PriceUpdate {
	return c.ch.Updates
}

// States returns a subscription to every state transition, including
// transient ones, plus a cancel function.
func (c *Client) States() (<-chan models.ConnectionState, func()) {
	return c.states.Subscribe()
}

// State returns the current connection state.
func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats exposes the update channel counters.
func (c *Client) Stats() channel.Stats {
	return c.ch.GetStats()
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	log := c.log.WithComponent("stream_client")

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.finish(models.StateDisconnected)
			return
		}

		c.transition(models.StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.finish(models.StateDisconnected)
				return
			}
			log.WithError(err).WithFields(logger.Fields{"url": c.cfg.URL, "attempt": attempt}).Warn("stream connect failed")
			if !c.scheduleReconnect(ctx, &attempt) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.transition(models.StateConnected)
		attempt = 0

		if err := c.resubscribe(conn); err != nil {
			log.WithError(err).Warn("failed to replay subscriptions after connect")
			c.closeConn()
			if !c.scheduleReconnect(ctx, &attempt) {
				return
			}
			continue
		}

		pingCancel := c.startPingLoop(ctx, conn)
		err = c.readLoop(ctx, conn)
		pingCancel()
		c.closeConn()

		if ctx.Err() != nil {
			c.finish(models.StateDisconnected)
			return
		}
		log.WithError(err).WithField("url", c.cfg.URL).Warn("stream read loop ended")
		if !c.scheduleReconnect(ctx, &attempt) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	timeout := c.cfg.HandshakeTimeout()
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	return conn, err
}

// scheduleReconnect advances the attempt counter and waits out the backoff
// delay. Returns false when the client gives up (FAILED) or the context is
// cancelled (DISCONNECTED); the terminal state is already set.
func (c *Client) scheduleReconnect(ctx context.Context, attempt *int) bool {
	*attempt++
	if c.cfg.MaxReconnectAttempts > 0 && *attempt > c.cfg.MaxReconnectAttempts {
		c.log.WithComponent("stream_client").WithFields(logger.Fields{
			"attempts": *attempt - 1,
		}).Error("reconnect attempts exhausted")
		c.finish(models.StateFailed)
		return false
	}

	c.transition(models.StateReconnecting)
	metrics.IncReconnect()

	delay := c.strategy.NextDelay(*attempt - 1)
	c.log.WithComponent("stream_client").WithFields(logger.Fields{
		"attempt": *attempt,
		"delay":   delay.String(),
	}).Info("scheduling reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.finish(models.StateDisconnected)
		return false
	case <-timer.C:
		return true
	}
}

// resubscribe replays the full desired set in one batch.
func (c *Client) resubscribe(conn *websocket.Conn) error {
	if c.interest == nil {
		return nil
	}
	ids := c.interest()
	if len(ids) == 0 {
		return nil
	}
	c.log.WithComponent("stream_client").WithFields(logger.Fields{
		"coin_ids": ids,
	}).Info("replaying subscriptions")
	return c.writeCommand(conn, models.ActionSubscribe, ids)
}

func (c *Client) sendCommand(action string, coinIDs []string) error {
	if len(coinIDs) == 0 {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == models.StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		// The desired set lives with the subscription manager and is
		// replayed in one batch on the next CONNECTED transition.
		c.log.WithComponent("stream_client").WithFields(logger.Fields{
			"action":   action,
			"coin_ids": coinIDs,
		}).Debug("not connected, command deferred to resubscribe")
		return nil
	}
	return c.writeCommand(conn, action, coinIDs)
}

func (c *Client) writeCommand(conn *websocket.Conn, action string, coinIDs []string) error {
	timeout := c.cfg.WriteTimeout()
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteJSON(models.Command{Action: action, CoinIDs: coinIDs}); err != nil {
		c.log.WithComponent("stream_client").WithError(err).WithFields(logger.Fields{
			"action": action,
		}).Warn("failed to write command")
		return err
	}
	metrics.IncCommand(action)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(ctx, raw)
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	log := c.log.WithComponent("stream_client")

	var msg models.StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.IncDiscarded(metrics.ReasonDecode)
		log.WithError(err).WithField("payload_bytes", len(raw)).Warn("dropping malformed stream message")
		return
	}
	if msg.Type != messageTypeTicker {
		log.WithField("type", msg.Type).Debug("ignoring unrecognized stream message")
		return
	}

	u, err := msg.ToUpdate(models.SourceStream)
	if err != nil {
		metrics.IncDiscarded(metrics.ReasonDecode)
		log.WithError(err).Warn("dropping invalid ticker")
		return
	}

	if !c.ch.SendUpdate(ctx, u) && ctx.Err() == nil {
		log.WithField("coin_id", u.CoinID).Warn("update buffer full, dropping stream update")
	}
}

func (c *Client) startPingLoop(ctx context.Context, conn *websocket.Conn) context.CancelFunc {
	interval := c.cfg.PingInterval()
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					c.log.WithComponent("stream_client").WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// finish marks the connection cycle as stopped and records the terminal
// state for this cycle.
func (c *Client) finish(s models.ConnectionState) {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.transition(s)
}

func (c *Client) transition(s models.ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.log.WithComponent("stream_client").WithFields(logger.Fields{
		"from": prev.String(),
		"to":   s.String(),
	}).Info("connection state changed")
	metrics.SetConnectionState(s)
	c.states.Publish(s)
}
