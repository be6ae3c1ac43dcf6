// Package solr writes action requests to a Solr collection as add, atomic
// update, and delete commands.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/driveindex/internal/backoff"
	"github.com/agentworkforce/driveindex/internal/reconcile"
)

// HTTPError is a non-2xx answer from Solr after retries ran out.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("solr update failed: status=%d message=%s", e.StatusCode, e.Message)
}

type ClientOptions struct {
	BaseURL      string
	HTTPClient   *http.Client
	Username     string
	Password     string
	CommitWithin time.Duration
	UserAgent    string
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

type Client struct {
	updateURL  string
	httpClient *http.Client
	username   string
	password   string
	userAgent  string
	policy     backoff.Policy
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: solr base url is required", reconcile.ErrInvalidInput)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: solr base url: %v", reconcile.ErrInvalidInput, err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	commitWithin := opts.CommitWithin
	if commitWithin <= 0 {
		commitWithin = 10 * time.Second
	}
	policy := backoff.Policy{MaxRetries: opts.MaxRetries, BaseDelay: opts.BaseDelay, MaxDelay: opts.MaxDelay}
	query := url.Values{}
	query.Set("commitWithin", strconv.FormatInt(commitWithin.Milliseconds(), 10))
	query.Set("wt", "json")
	return &Client{
		updateURL:  baseURL + "/update?" + query.Encode(),
		httpClient: httpClient,
		username:   opts.Username,
		password:   opts.Password,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		policy:     policy.WithDefaults(3, 100*time.Millisecond, 2*time.Second),
	}, nil
}

// Update posts one JSON update command. correlationID travels as
// X-Correlation-Id on every attempt.
func (c *Client) Update(ctx context.Context, correlationID string, payload any) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if correlationID == "" {
		correlationID = fmt.Sprintf("solr_%d", time.Now().UnixNano())
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.updateURL, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.policy.MaxRetries {
				if waitErr := backoff.Sleep(ctx, c.policy.Delay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}

		if backoff.RetryableStatus(resp.StatusCode) && attempt < c.policy.MaxRetries {
			if waitErr := backoff.Sleep(ctx, c.policy.Delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed struct {
			Error struct {
				Msg string `json:"msg"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && strings.TrimSpace(parsed.Error.Msg) != "" {
			message = parsed.Error.Msg
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}
