package genie

import (
	"context"
	"math/rand/v2"
	"time"
)

// Sleeper abstracts waiting so polling and retry loops can be tested
// without real delays.
type Sleeper interface {
	// Sleep waits for d or until ctx is done, returning ctx.Err() in
	// the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// realSleeper sleeps on the wall clock.
type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollPolicy generates the interval sequence for the message polling
// loop: starts at Initial, doubles each step, capped at Max.
type PollPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultPollPolicy matches the Genie API guidance: 1s, 2s, 4s, then
// 5s thereafter.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Initial: time.Second, Multiplier: 2, Max: 5 * time.Second}
}

// Next returns the interval to wait after attempt (0-based).
func (p PollPolicy) Next(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	if time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// maxRetryBackoff caps the jitter window for request retries.
const maxRetryBackoff = 10 * time.Second

// retryBackoff returns the jittered delay before retry attempt
// (1-based) of a failed request. Full jitter over an exponentially
// growing window, capped at maxRetryBackoff. Uses the shared top-level
// generator; requests retry concurrently across goroutines.
func retryBackoff(attempt int) time.Duration {
	base := maxRetryBackoff
	// 1s << 4 already exceeds the cap; larger shifts would overflow
	if attempt >= 1 && attempt <= 4 {
		base = time.Second << uint(attempt-1)
	}
	if base > maxRetryBackoff {
		base = maxRetryBackoff
	}
	return base/2 + rand.N(base)
}
