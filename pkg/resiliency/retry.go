// Package resiliency wraps outbound calls with bounded retries, exponential
// backoff with jitter, and circuit breaking. Only transient failures are
// retried; everything else surfaces immediately.
package resiliency

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // backoff is BaseDelay * 2^attempt + jitter
	MaxJitter  time.Duration
}

// DefaultRetryConfig matches the production defaults: 3 retries, 1s base.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxJitter: time.Second}
}

// transientMarkers are the substrings that mark an error message as
// transient. Coarse on purpose; a retried permanent failure costs little,
// a dropped transient one costs a task.
var transientMarkers = []string{
	"network",
	"timeout",
	"connection",
	"429",
	"500",
	"502",
	"503",
	"rate limit",
	"exceeded",
	"temporarily unavailable",
}

// IsTransient reports whether err looks like a transient external failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Retry invokes op until it succeeds, a permanent error occurs, the retry
// budget is exhausted, or ctx is cancelled.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		out, err := op()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries || !IsTransient(err) {
			return zero, err
		}

		if err := sleep(ctx, backoff(cfg, attempt)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * cfg.BaseDelay
	if cfg.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(cfg.MaxJitter)))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
