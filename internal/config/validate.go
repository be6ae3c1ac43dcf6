package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// FieldError names the config field that failed validation.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate reports every invalid field joined with errors.Join.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Drive.PublishedRoot) == "" {
		fail("drive.published_root", "must not be empty")
	}
	if c.Drive.PageSize <= 0 || c.Drive.PageSize > 1000 {
		fail("drive.page_size", "must be between 1 and 1000, got %d", c.Drive.PageSize)
	}
	if c.Drive.MaxRetries < 0 {
		fail("drive.max_retries", "must not be negative")
	}
	if c.Drive.Endpoint != "" {
		if err := checkURL(c.Drive.Endpoint); err != nil {
			fail("drive.endpoint", "%v", err)
		}
	}

	if strings.TrimSpace(c.State.CheckpointDSN) == "" {
		fail("state.checkpoint_dsn", "must not be empty")
	}
	if strings.TrimSpace(c.State.IdentityDSN) == "" {
		fail("state.identity_dsn", "must not be empty")
	}
	if sameFileDSN(c.State.CheckpointDSN, c.State.IdentityDSN) {
		fail("state.identity_dsn", "must differ from state.checkpoint_dsn for file stores")
	}

	if strings.TrimSpace(c.Dispatch.QueueDSN) == "" {
		fail("dispatch.queue_dsn", "must not be empty")
	}
	if c.Dispatch.Capacity <= 0 {
		fail("dispatch.capacity", "must be positive")
	}
	if c.Dispatch.Workers <= 0 {
		fail("dispatch.workers", "must be positive")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		fail("dispatch.max_attempts", "must be positive")
	}
	if c.Dispatch.RetryDelay < 0 || c.Dispatch.MaxRetryDelay < c.Dispatch.RetryDelay {
		fail("dispatch.max_retry_delay", "must be at least dispatch.retry_delay")
	}

	if strings.TrimSpace(c.Mirror.Root) == "" {
		fail("mirror.root", "must not be empty")
	}
	if c.Mirror.MaxBytes < 0 {
		fail("mirror.max_bytes", "must not be negative")
	}
	if c.Solr.BaseURL != "" {
		if err := checkURL(c.Solr.BaseURL); err != nil {
			fail("solr.base_url", "%v", err)
		}
	}
	if c.Extract.MaxBytes <= 0 {
		fail("extract.max_bytes", "must be positive")
	}
	if c.Extract.MaxDocumentBytes < c.Extract.MaxBytes {
		fail("extract.max_document_bytes", "must be at least extract.max_bytes")
	}
	if c.Notify.WebhookURL != "" {
		if err := checkURL(c.Notify.WebhookURL); err != nil {
			fail("notify.webhook_url", "%v", err)
		}
	}
	if len(c.Facets.Categories) == 0 {
		fail("facets.categories", "must list at least one category")
	}

	if c.Poll.Interval <= 0 {
		fail("poll.interval", "must be positive")
	}
	if c.Poll.Jitter < 0 || c.Poll.Jitter > 1 {
		fail("poll.jitter", "must be between 0 and 1, got %v", c.Poll.Jitter)
	}
	if c.Poll.CycleTimeout <= 0 {
		fail("poll.cycle_timeout", "must be positive")
	}
	if c.Poll.Concurrency <= 0 {
		fail("poll.concurrency", "must be positive")
	}
	if c.Poll.MaxDepth <= 0 {
		fail("poll.max_depth", "must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("log.level", "unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		fail("log.format", "must be text or json, got %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// sameFileDSN reports whether two DSNs name the same properties file. Shared
// databases are fine since each store owns its own table.
func sameFileDSN(a, b string) bool {
	a = strings.TrimPrefix(strings.TrimSpace(a), "file://")
	b = strings.TrimPrefix(strings.TrimSpace(b), "file://")
	if a != b || a == "" {
		return false
	}
	return !strings.Contains(a, "://")
}
