// Package config holds the explicit configuration every component is built
// from, and loads it from TOML, YAML or JSON files plus DRIVEINDEX_* env.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Drive    DriveConfig    `toml:"drive" json:"drive" yaml:"drive"`
	State    StateConfig    `toml:"state" json:"state" yaml:"state"`
	Dispatch DispatchConfig `toml:"dispatch" json:"dispatch" yaml:"dispatch"`
	Mirror   MirrorConfig   `toml:"mirror" json:"mirror" yaml:"mirror"`
	Solr     SolrConfig     `toml:"solr" json:"solr" yaml:"solr"`
	Extract  ExtractConfig  `toml:"extract" json:"extract" yaml:"extract"`
	HTTP     HTTPConfig     `toml:"http" json:"http" yaml:"http"`
	Notify   NotifyConfig   `toml:"notify" json:"notify" yaml:"notify"`
	Facets   FacetsConfig   `toml:"facets" json:"facets" yaml:"facets"`
	Poll     PollConfig     `toml:"poll" json:"poll" yaml:"poll"`
	Log      LogConfig      `toml:"log" json:"log" yaml:"log"`
}

type DriveConfig struct {
	CredentialsFile string   `toml:"credentials_file" json:"credentials_file" yaml:"credentials_file"`
	Subject         string   `toml:"subject" json:"subject" yaml:"subject"`
	PublishedRoot   string   `toml:"published_root" json:"published_root" yaml:"published_root"`
	PageSize        int64    `toml:"page_size" json:"page_size" yaml:"page_size"`
	RequestTimeout  Duration `toml:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	MaxRetries      int      `toml:"max_retries" json:"max_retries" yaml:"max_retries"`
	// Endpoint overrides the Drive API base URL.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
}

type StateConfig struct {
	CheckpointDSN string `toml:"checkpoint_dsn" json:"checkpoint_dsn" yaml:"checkpoint_dsn"`
	IdentityDSN   string `toml:"identity_dsn" json:"identity_dsn" yaml:"identity_dsn"`
}

type DispatchConfig struct {
	QueueDSN        string   `toml:"queue_dsn" json:"queue_dsn" yaml:"queue_dsn"`
	Capacity        int      `toml:"capacity" json:"capacity" yaml:"capacity"`
	Workers         int      `toml:"workers" json:"workers" yaml:"workers"`
	MaxAttempts     int      `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	RetryDelay      Duration `toml:"retry_delay" json:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay   Duration `toml:"max_retry_delay" json:"max_retry_delay" yaml:"max_retry_delay"`
	EnqueueTimeout  Duration `toml:"enqueue_timeout" json:"enqueue_timeout" yaml:"enqueue_timeout"`
	DeadLetterLimit int      `toml:"dead_letter_limit" json:"dead_letter_limit" yaml:"dead_letter_limit"`
	DrainTimeout    Duration `toml:"drain_timeout" json:"drain_timeout" yaml:"drain_timeout"`
}

type MirrorConfig struct {
	Root     string `toml:"root" json:"root" yaml:"root"`
	MaxBytes int64  `toml:"max_bytes" json:"max_bytes" yaml:"max_bytes"`
}

// SolrConfig with an empty BaseURL disables indexing.
type SolrConfig struct {
	BaseURL      string   `toml:"base_url" json:"base_url" yaml:"base_url"`
	Username     string   `toml:"username" json:"username" yaml:"username"`
	Password     string   `toml:"password" json:"password" yaml:"password"`
	CommitWithin Duration `toml:"commit_within" json:"commit_within" yaml:"commit_within"`
	Genre        string   `toml:"genre" json:"genre" yaml:"genre"`
}

type ExtractConfig struct {
	// MaxBytes caps the text sent to the index.
	MaxBytes         int64 `toml:"max_bytes" json:"max_bytes" yaml:"max_bytes"`
	// MaxDocumentBytes caps how much of a PDF or Office file is parsed.
	MaxDocumentBytes int64 `toml:"max_document_bytes" json:"max_document_bytes" yaml:"max_document_bytes"`
}

// HTTPConfig with an empty Addr disables the operational server.
type HTTPConfig struct {
	Addr  string `toml:"addr" json:"addr" yaml:"addr"`
	Token string `toml:"token" json:"token" yaml:"token"`
}

type NotifyConfig struct {
	WebhookURL     string            `toml:"webhook_url" json:"webhook_url" yaml:"webhook_url"`
	WebhookHeaders map[string]string `toml:"webhook_headers" json:"webhook_headers" yaml:"webhook_headers"`
}

type FacetsConfig struct {
	Categories []string `toml:"categories" json:"categories" yaml:"categories"`
	// Groups maps a collection name, spaces replaced by underscores, to its
	// acronym.
	Groups map[string]string `toml:"groups" json:"groups" yaml:"groups"`
}

type PollConfig struct {
	Interval          Duration `toml:"interval" json:"interval" yaml:"interval"`
	Jitter            float64  `toml:"jitter" json:"jitter" yaml:"jitter"`
	CycleTimeout      Duration `toml:"cycle_timeout" json:"cycle_timeout" yaml:"cycle_timeout"`
	Concurrency       int      `toml:"concurrency" json:"concurrency" yaml:"concurrency"`
	MaxDepth          int      `toml:"max_depth" json:"max_depth" yaml:"max_depth"`
	ResolverCacheSize int      `toml:"resolver_cache_size" json:"resolver_cache_size" yaml:"resolver_cache_size"`
}

type LogConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	File       string `toml:"file" json:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

func Default() *Config {
	return &Config{
		Drive: DriveConfig{
			PublishedRoot:  "published",
			PageSize:       100,
			RequestTimeout: Duration(30 * time.Second),
			MaxRetries:     3,
		},
		State: StateConfig{
			CheckpointDSN: "data/checkpoints.properties",
			IdentityDSN:   "data/identities.properties",
		},
		Dispatch: DispatchConfig{
			QueueDSN:        "data/action-queue.json",
			Capacity:        1024,
			Workers:         1,
			MaxAttempts:     5,
			RetryDelay:      Duration(time.Second),
			MaxRetryDelay:   Duration(time.Minute),
			EnqueueTimeout:  Duration(5 * time.Second),
			DeadLetterLimit: 1000,
			DrainTimeout:    Duration(10 * time.Minute),
		},
		Mirror: MirrorConfig{
			Root: "data/mirror",
		},
		Solr: SolrConfig{
			CommitWithin: Duration(10 * time.Second),
			Genre:        "Google Drive",
		},
		Extract: ExtractConfig{
			MaxBytes:         4 << 20,
			MaxDocumentBytes: 64 << 20,
		},
		Facets: FacetsConfig{
			Categories: []string{"policies", "reports", "guidelines", "links", "workplans", "minutes"},
			Groups:     map[string]string{},
		},
		Poll: PollConfig{
			Interval:          Duration(5 * time.Minute),
			Jitter:            0.1,
			CycleTimeout:      Duration(30 * time.Minute),
			Concurrency:       2,
			MaxDepth:          64,
			ResolverCacheSize: 4096,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Duration decodes from strings such as "90s" in every supported format.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
