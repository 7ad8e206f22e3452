package autopost

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Scheduler draws the wait before each auto post.
type Scheduler struct {
	minDelay time.Duration
	maxDelay time.Duration
	int64N   func(n int64) int64
}

// NewScheduler creates a scheduler drawing uniformly from [minDelay, maxDelay]
// at millisecond granularity. A nil int64N uses math/rand/v2.
func NewScheduler(minDelay, maxDelay time.Duration, int64N func(n int64) int64) (*Scheduler, error) {
	if minDelay <= 0 {
		return nil, fmt.Errorf("new scheduler: min delay must be > 0")
	}
	if maxDelay < minDelay {
		return nil, fmt.Errorf("new scheduler: max delay must be >= min delay")
	}
	if int64N == nil {
		int64N = rand.Int64N
	}

	return &Scheduler{minDelay: minDelay, maxDelay: maxDelay, int64N: int64N}, nil
}

// NextDelay returns one delay with both bounds reachable.
func (s *Scheduler) NextDelay() time.Duration {
	span := (s.maxDelay - s.minDelay).Milliseconds()

	return s.minDelay + time.Duration(s.int64N(span+1))*time.Millisecond
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
