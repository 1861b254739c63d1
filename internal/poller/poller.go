package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"coinfeed/config"
	"coinfeed/internal/channel"
	"coinfeed/internal/metrics"
	"coinfeed/internal/models"
	"coinfeed/logger"
)

const defaultInterval = 10 * time.Second

// Poller periodically fetches prices for the current interest set over the
// request/response endpoint. It is engaged and disengaged by the feed
// repository based on stream connection state; it knows nothing about the
// websocket. A failed cycle is swallowed and retried on the next tick.
type Poller struct {
	cfg     config.PollerConfig
	client  *http.Client
	limiter *rate.Limiter
	ch      *channel.Channels
	log     *logger.Log

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a poller writing decoded updates into a buffered channel.
func New(cfg config.PollerConfig, updateBuffer int) *Poller {
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
		burst = cfg.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
	}

	return &Poller{
		cfg: cfg,
		client: &http.Client{
			Transport: userAgentTransport{agent: cfg.UserAgent},
			Timeout:   cfg.Timeout(),
		},
		limiter: rate.NewLimiter(limit, burst),
		ch:      channel.NewChannels(updateBuffer),
		log:     logger.GetLogger(),
	}
}

// Updates returns the decoded poll results.
func (p *Poller) Updates() <-chan models.PriceUpdate {
	return p.ch.Updates
}

// Stats exposes the update channel counters.
func (p *Poller) Stats() channel.Stats {
	return p.ch.GetStats()
}

// Start begins the poll loop for the ids returned by provider on each
// tick. Idempotent while already running.
func (p *Poller) Start(ctx context.Context, provider func() []string) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.log.WithComponent("poller").WithFields(logger.Fields{
		"interval": p.interval().String(),
		"batch":    p.cfg.Batch,
	}).Info("poller started")

	p.wg.Add(1)
	go p.loop(loopCtx, provider)
}

// Stop halts the poll loop and waits for in-flight requests. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.WithComponent("poller").Info("poller stopped")
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) interval() time.Duration {
	if d := p.cfg.Interval(); d > 0 {
		return d
	}
	return defaultInterval
}

func (p *Poller) loop(ctx context.Context, provider func() []string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	// First cycle fires immediately so consumers are not left waiting a
	// full interval after the stream drops.
	p.poll(ctx, provider())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, provider())
		}
	}
}

func (p *Poller) poll(ctx context.Context, coinIDs []string) {
	if len(coinIDs) == 0 || ctx.Err() != nil {
		return
	}

	if p.cfg.Batch {
		p.fetch(ctx, coinIDs)
		return
	}

	// One request per coin id with bounded concurrency.
	maxConcurrent := p.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	for _, id := range coinIDs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(coinID string) {
			defer wg.Done()
			defer func() { <-sem }()
			p.fetch(ctx, []string{coinID})
		}(id)
	}
	wg.Wait()
}

// fetch issues one price request and forwards the decoded ticks. Errors
// are logged and swallowed; the next tick retries.
func (p *Poller) fetch(ctx context.Context, coinIDs []string) {
	log := p.log.WithComponent("poller").WithFields(logger.Fields{
		"coin_ids": strings.Join(coinIDs, ","),
	})

	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	ticks, err := p.request(ctx, coinIDs)
	if err != nil {
		if ctx.Err() == nil {
			metrics.IncPollError()
			log.WithError(err).Warn("poll request failed")
		}
		return
	}

	for _, tick := range ticks {
		u, err := tick.ToUpdate(models.SourcePoll)
		if err != nil {
			metrics.IncDiscarded(metrics.ReasonDecode)
			log.WithError(err).Warn("dropping invalid poll tick")
			continue
		}
		if !p.ch.SendUpdate(ctx, u) && ctx.Err() == nil {
			log.WithField("coin_id", u.CoinID).Warn("update buffer full, dropping poll update")
		}
	}
}

func (p *Poller) request(ctx context.Context, coinIDs []string) ([]models.Tick, error) {
	reqURL := fmt.Sprintf("%s?ids=%s", p.cfg.URL, url.QueryEscape(strings.Join(coinIDs, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll endpoint returned status %d", resp.StatusCode)
	}

	var ticks []models.Tick
	if err := json.NewDecoder(resp.Body).Decode(&ticks); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}
	return ticks, nil
}
