package backoff

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
)

// Strategy computes the delay before the next reconnect attempt.
// Exponential growth of the base delay capped at the max, with symmetric
// uniform jitter of a configurable fraction to avoid reconnection storms.
// The attempt counter is owned by the caller and resets on every
// successful connection.
type Strategy struct {
	mu             sync.Mutex
	base           *backoff.Backoff
	jitterFraction float64
	rnd            *rand.Rand
}

// NewStrategy builds a strategy. Non-positive delays and out-of-range
// jitter fractions fall back to defaults. seed feeds the jitter source so
// tests can pin it.
func NewStrategy(baseDelay, maxDelay time.Duration, jitterFraction float64, seed int64) *Strategy {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	if jitterFraction < 0 || jitterFraction >= 1 {
		jitterFraction = 0.2
	}
	return &Strategy{
		base: &backoff.Backoff{
			Min:    baseDelay,
			Max:    maxDelay,
			Factor: 2,
			Jitter: false,
		},
		jitterFraction: jitterFraction,
		rnd:            rand.New(rand.NewSource(seed)),
	}
}

// NextDelay returns the delay before reconnect attempt number attempt.
// Always strictly positive.
func (s *Strategy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.base.ForAttempt(float64(attempt))
	if s.jitterFraction > 0 {
		span := float64(d) * s.jitterFraction
		d += time.Duration((s.rnd.Float64()*2 - 1) * span)
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
