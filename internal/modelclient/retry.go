package modelclient

import (
	"context"
	"time"
)

// RetryPolicy governs the turn engine's backoff when a Stream call
// fails transiently, ported from the teacher's doRequest: 3 retries,
// exponential backoff starting at 1s, doubling each attempt.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}

// Retryable classifies an error as worth retrying (network failure or
// 5xx-equivalent) versus terminal.
type Retryable interface {
	Retryable() bool
}

// Do runs attempt repeatedly per the policy, sleeping with exponential
// backoff between attempts, until it succeeds, ctx is canceled, or
// attempts are exhausted. onRetry is called before each sleep so the
// turn engine can emit a StreamError event (spec §4.7 notify_stream_error).
func (p RetryPolicy) Do(ctx context.Context, attempt func(attemptNum int) error, onRetry func(attemptNum, maxRetries int, err error)) error {
	delay := p.InitialDelay
	var lastErr error
	for i := 0; i <= p.MaxRetries; i++ {
		lastErr = attempt(i)
		if lastErr == nil {
			return nil
		}
		if r, ok := lastErr.(Retryable); ok && !r.Retryable() {
			return lastErr
		}
		if i == p.MaxRetries {
			break
		}
		if onRetry != nil {
			onRetry(i+1, p.MaxRetries, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
