package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const envPrefix = "DRIVEINDEX_"

// Load returns the defaults overlaid with the file at path (skipped when path
// is empty) and the environment, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (use .toml, .yaml, .yml or .json)", filepath.Ext(path))
	}
	return nil
}

// ApplyEnvOverrides applies DRIVEINDEX_* variables. DRIVEINDEX_BACKEND_PROFILE
// fills every store and queue DSN at once; explicit DSN variables still win.
func (c *Config) ApplyEnvOverrides() error {
	var errs []error
	if err := c.applyBackendProfile(); err != nil {
		errs = append(errs, err)
	}
	stringEnv("DRIVE_CREDENTIALS_FILE", &c.Drive.CredentialsFile)
	stringEnv("DRIVE_SUBJECT", &c.Drive.Subject)
	stringEnv("DRIVE_PUBLISHED_ROOT", &c.Drive.PublishedRoot)
	stringEnv("DRIVE_ENDPOINT", &c.Drive.Endpoint)
	stringEnv("CHECKPOINT_DSN", &c.State.CheckpointDSN)
	stringEnv("IDENTITY_DSN", &c.State.IdentityDSN)
	stringEnv("QUEUE_DSN", &c.Dispatch.QueueDSN)
	stringEnv("MIRROR_ROOT", &c.Mirror.Root)
	stringEnv("SOLR_URL", &c.Solr.BaseURL)
	stringEnv("SOLR_USERNAME", &c.Solr.Username)
	stringEnv("SOLR_PASSWORD", &c.Solr.Password)
	stringEnv("HTTP_ADDR", &c.HTTP.Addr)
	stringEnv("HTTP_TOKEN", &c.HTTP.Token)
	stringEnv("NOTIFY_WEBHOOK_URL", &c.Notify.WebhookURL)
	stringEnv("LOG_LEVEL", &c.Log.Level)
	stringEnv("LOG_FORMAT", &c.Log.Format)
	stringEnv("LOG_FILE", &c.Log.File)
	errs = append(errs,
		intEnv("DISPATCH_WORKERS", &c.Dispatch.Workers),
		intEnv("DISPATCH_MAX_ATTEMPTS", &c.Dispatch.MaxAttempts),
		intEnv("QUEUE_CAPACITY", &c.Dispatch.Capacity),
		intEnv("POLL_CONCURRENCY", &c.Poll.Concurrency),
		durationEnv("POLL_INTERVAL", &c.Poll.Interval),
		durationEnv("POLL_CYCLE_TIMEOUT", &c.Poll.CycleTimeout),
		durationEnv("DISPATCH_RETRY_DELAY", &c.Dispatch.RetryDelay),
	)
	if raw := os.Getenv(envPrefix + "FACETS_CATEGORIES"); raw != "" {
		c.Facets.Categories = splitList(raw)
	}
	return errors.Join(errs...)
}

func (c *Config) applyBackendProfile() error {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv(envPrefix + "BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv(envPrefix + "DATA_DIR"))
	if dataDir == "" {
		dataDir = "data"
	}
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		c.State.CheckpointDSN = "memory://"
		c.State.IdentityDSN = "memory://"
		c.Dispatch.QueueDSN = "memory://"
	case "durable-local", "local-durable":
		c.State.CheckpointDSN = filepath.Join(dataDir, "checkpoints.properties")
		c.State.IdentityDSN = filepath.Join(dataDir, "identities.properties")
		c.Dispatch.QueueDSN = filepath.Join(dataDir, "action-queue.json")
		c.Mirror.Root = filepath.Join(dataDir, "mirror")
	case "sqlite":
		dsn := "sqlite://" + filepath.Join(dataDir, "driveindex.db")
		c.State.CheckpointDSN = dsn
		c.State.IdentityDSN = dsn
		c.Dispatch.QueueDSN = filepath.Join(dataDir, "action-queue.json")
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv(envPrefix + "POSTGRES_DSN"))
		if dsn == "" {
			return fmt.Errorf("%sPOSTGRES_DSN is required when %sBACKEND_PROFILE=%s", envPrefix, envPrefix, profile)
		}
		c.State.CheckpointDSN = dsn
		c.State.IdentityDSN = dsn
		c.Dispatch.QueueDSN = dsn
	default:
		return fmt.Errorf("unsupported %sBACKEND_PROFILE: %s", envPrefix, profile)
	}
	return nil
}

func stringEnv(name string, target *string) {
	if raw, ok := os.LookupEnv(envPrefix + name); ok {
		*target = strings.TrimSpace(raw)
	}
}

func intEnv(name string, target *int) error {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s%s=%q", envPrefix, name, raw)
	}
	*target = value
	return nil
}

func durationEnv(name string, target *Duration) error {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s%s=%q", envPrefix, name, raw)
	}
	*target = Duration(value)
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
