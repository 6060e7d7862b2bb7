package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides when a transiently failed task is tried again.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  5 * time.Minute,
		MaxDelay:   6 * time.Hour,
	}
}

// Delay returns the wait before retry number retry (1-based):
// BaseDelay * 2^(retry-1), capped at MaxDelay.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < retry; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Next returns the retry count after one more transient failure and whether
// the task has exhausted its retries.
func (p RetryPolicy) Next(retryCount int) (int, bool) {
	next := retryCount + 1
	return next, next > p.MaxRetries
}
