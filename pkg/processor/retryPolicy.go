package processor

import "time"

// RetryPolicy is the bounded exponential backoff applied to transient
// processing failures.
//
// The schedule doubles from BaseDelay: delay = BaseDelay * 2^retryCount,
// so with a 1s base the redeliveries arrive after 1s, 2s, 4s.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Delay returns the backoff to apply before the next redelivery of a
// message that has already been retried retryCount times.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return p.BaseDelay << uint(retryCount)
}

// Exhausted reports whether the retry budget is spent.
func (p RetryPolicy) Exhausted(retryCount, maxRetries int) bool {
	return retryCount >= maxRetries
}
