package backoff

import (
	"testing"
	"time"
)

func TestNextDelayGrowsUntilCap(t *testing.T) {
	s := NewStrategy(time.Second, 30*time.Second, 0, 1)

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := s.NextDelay(attempt)
		if d < prev {
			t.Fatalf("delay shrank at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
	if prev != 30*time.Second {
		t.Fatalf("expected cap of 30s after 10 attempts, got %v", prev)
	}
}

func TestNextDelayWithoutJitterIsExponential(t *testing.T) {
	s := NewStrategy(time.Second, time.Minute, 0, 1)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := s.NextDelay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestNextDelayAlwaysPositive(t *testing.T) {
	s := NewStrategy(time.Millisecond, 10*time.Millisecond, 0.2, 42)

	for attempt := 0; attempt < 50; attempt++ {
		if d := s.NextDelay(attempt); d <= 0 {
			t.Fatalf("attempt %d produced non-positive delay %v", attempt, d)
		}
	}
}

func TestNextDelayJitterStaysWithinFraction(t *testing.T) {
	base := 10 * time.Second
	s := NewStrategy(base, time.Minute, 0.2, 7)

	for i := 0; i < 100; i++ {
		d := s.NextDelay(0)
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestNextDelayNegativeAttemptTreatedAsZero(t *testing.T) {
	s := NewStrategy(time.Second, time.Minute, 0, 1)
	if got := s.NextDelay(-3); got != time.Second {
		t.Fatalf("expected base delay for negative attempt, got %v", got)
	}
}

func TestNewStrategyDefaults(t *testing.T) {
	s := NewStrategy(0, 0, -1, 1)
	d := s.NextDelay(0)
	if d <= 0 {
		t.Fatalf("defaulted strategy produced non-positive delay %v", d)
	}
}
