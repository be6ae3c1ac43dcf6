// Package notify delivers cycle-level failures to operators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/driveindex/internal/backoff"
	"github.com/agentworkforce/driveindex/internal/reconcile"
)

type Log struct {
	logger reconcile.Logger
}

func NewLog(logger reconcile.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, failure reconcile.CycleFailure) error {
	if l == nil || l.logger == nil {
		return nil
	}
	if failure.CollectionID != "" {
		l.logger.Printf("poll cycle failure: collection=%s (%s) stage=%s error=%s",
			failure.CollectionID, failure.CollectionName, failure.Stage, failure.Error)
		return nil
	}
	l.logger.Printf("poll cycle failure: stage=%s error=%s", failure.Stage, failure.Error)
	return nil
}

type WebhookOptions struct {
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
	Source     string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Webhook struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	source     string
	policy     backoff.Policy
}

type webhookPayload struct {
	Source string `json:"source"`
	reconcile.CycleFailure
}

// NewWebhook returns a notifier that POSTs each failure as JSON.
func NewWebhook(opts WebhookOptions) (*Webhook, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: webhook url is required", reconcile.ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	source := strings.TrimSpace(opts.Source)
	if source == "" {
		source = "driveindex"
	}
	policy := backoff.Policy{MaxRetries: opts.MaxRetries, BaseDelay: opts.BaseDelay, MaxDelay: opts.MaxDelay}
	return &Webhook{
		url:        url,
		headers:    opts.Headers,
		httpClient: httpClient,
		source:     source,
		policy:     policy.WithDefaults(2, 200*time.Millisecond, 2*time.Second),
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, failure reconcile.CycleFailure) error {
	body, err := json.Marshal(webhookPayload{Source: w.source, CycleFailure: failure})
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for key, value := range w.headers {
			req.Header.Set(key, value)
		}
		resp, err := w.httpClient.Do(req)
		if err != nil {
			if attempt < w.policy.MaxRetries {
				if waitErr := backoff.Sleep(ctx, w.policy.Delay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("webhook notify: %w", err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if backoff.RetryableStatus(resp.StatusCode) && attempt < w.policy.MaxRetries {
			if waitErr := backoff.Sleep(ctx, w.policy.Delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return fmt.Errorf("webhook notify failed: status=%d", resp.StatusCode)
	}
}

// Multi fans a failure out to every notifier and joins their errors.
type Multi []reconcile.Notifier

func (m Multi) Notify(ctx context.Context, failure reconcile.CycleFailure) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, failure); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
