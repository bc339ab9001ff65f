package scheduler

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"

	"github.com/wattflow/wattflow/pkg/models"
)

// retryDelay computes the jittered wait before the next attempt of a key
// that has already consumed the given number of attempts. Delays double
// per attempt between the policy's bounds.
func retryDelay(policy models.RetryPolicy, attemptsConsumed int) time.Duration {
	b := backoff.New(context.Background(), backoff.Config{
		MinBackoff: policy.BackoffMin,
		MaxBackoff: policy.BackoffMax,
		MaxRetries: policy.MaxAttempts,
	})

	delay := policy.BackoffMin
	for range attemptsConsumed {
		delay = b.NextDelay()
	}

	return delay
}
