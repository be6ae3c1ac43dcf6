// Package backoff holds the retry timing shared by the HTTP clients and the
// dispatcher.
package backoff

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// WithDefaults fills unset fields and keeps MaxDelay at or above BaseDelay.
func (p Policy) WithDefaults(maxRetries int, baseDelay, maxDelay time.Duration) Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = maxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = baseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = maxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based). A positive
// Retry-After value wins over the exponential schedule; both are capped at
// MaxDelay.
func (p Policy) Delay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := ParseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return retryAfter
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
