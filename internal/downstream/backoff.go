package downstream

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the transport-level retry loop inside one execution
// attempt. Delays grow as BaseDelay * 2^(n-1) and are capped at MaxDelay.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is three attempts with 1s/2s backoff capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// exponential builds an un-jittered doubling schedule. Elapsed time is not
// bounded; the attempt cap is the only stop condition.
func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	maxInterval := p.MaxDelay
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// schedule returns the backoff for one Invoke call: at most Attempts-1
// waits, stopping early once ctx is done.
func (p RetryPolicy) schedule(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = p.exponential()
	if p.Attempts > 1 {
		b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	b := p.exponential()
	var d time.Duration
	for range n {
		d = b.NextBackOff()
	}
	return d
}
