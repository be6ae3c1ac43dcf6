package drive

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/driveindex/internal/backoff"
	"github.com/agentworkforce/driveindex/internal/reconcile"
)

const maxDiscardedBody = 64 << 10

// retryTransport retries transport errors, 429 and 5xx responses with
// exponential backoff, honoring Retry-After when the server sends one.
type retryTransport struct {
	base      http.RoundTripper
	policy    backoff.Policy
	userAgent string
	logger    reconcile.Logger
}

func newRetryTransport(base http.RoundTripper, opts Options) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	policy := backoff.Policy{
		MaxRetries: opts.MaxRetries,
		BaseDelay:  opts.BaseDelay,
		MaxDelay:   opts.MaxDelay,
	}
	return &retryTransport{
		base:      base,
		policy:    policy.WithDefaults(3, 250*time.Millisecond, 10*time.Second),
		userAgent: strings.TrimSpace(opts.UserAgent),
		logger:    opts.Logger,
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		current, err := t.prepare(req, attempt)
		if err != nil {
			return nil, err
		}
		canRetry := attempt < t.policy.MaxRetries && rewindable(req)

		resp, err := t.base.RoundTrip(current)
		if err != nil {
			if canRetry && ctx.Err() == nil {
				t.logf("drive %s %s attempt %d failed: %v", req.Method, req.URL.Path, attempt+1, err)
				if waitErr := backoff.Sleep(ctx, t.policy.Delay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		if canRetry && backoff.RetryableStatus(resp.StatusCode) {
			retryAfter := resp.Header.Get("Retry-After")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDiscardedBody))
			_ = resp.Body.Close()
			t.logf("drive %s %s attempt %d returned status %d", req.Method, req.URL.Path, attempt+1, resp.StatusCode)
			if waitErr := backoff.Sleep(ctx, t.policy.Delay(attempt+1, retryAfter)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return resp, nil
	}
}

func (t *retryTransport) prepare(req *http.Request, attempt int) (*http.Request, error) {
	current := req.Clone(req.Context())
	if t.userAgent != "" && current.Header.Get("User-Agent") == "" {
		current.Header.Set("User-Agent", t.userAgent)
	}
	if attempt > 0 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		current.Body = body
	}
	return current, nil
}

func (t *retryTransport) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}
