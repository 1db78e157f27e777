package netatmo

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, time.Second)
	b.Jitter = 0

	cases := map[int]time.Duration{
		0: 100 * time.Millisecond,
		1: 200 * time.Millisecond,
		2: 400 * time.Millisecond,
		3: 800 * time.Millisecond,
		4: time.Second,
		9: time.Second,
	}
	for attempt, want := range cases {
		if got := b.NextDelay(attempt); got != want {
			t.Fatalf("NextDelay(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	b := NewExponentialBackoff(time.Second, time.Minute)
	for i := 0; i < 100; i++ {
		d := b.NextDelay(0)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("delay %s outside 10%% jitter band", d)
		}
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
