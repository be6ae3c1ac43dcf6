package state

import (
	"fmt"
	"strings"
	"sync"
)

type CheckpointFactory func(dsn string) (CheckpointBackend, error)
type IdentityFactory func(dsn string) (IdentityBackend, error)

var factoryRegistry = struct {
	mu          sync.RWMutex
	checkpoints map[string]CheckpointFactory
	identities  map[string]IdentityFactory
}{
	checkpoints: map[string]CheckpointFactory{},
	identities:  map[string]IdentityFactory{},
}

// RegisterCheckpointFactory makes a custom DSN scheme available to
// OpenCheckpoints. Registered schemes take precedence over built-in ones.
func RegisterCheckpointFactory(scheme string, factory CheckpointFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.checkpoints[scheme] = factory
}

func RegisterIdentityFactory(scheme string, factory IdentityFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.identities[scheme] = factory
}

func lookupCheckpointFactory(scheme string) (CheckpointFactory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.checkpoints[normalizeScheme(scheme)]
	return factory, ok
}

func lookupIdentityFactory(scheme string) (IdentityFactory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.identities[normalizeScheme(scheme)]
	return factory, ok
}

// OpenCheckpoints builds a checkpoint store from a DSN: a bare path or
// file:// for a properties file, memory://, postgres://, sqlite://<path>.
func OpenCheckpoints(dsn string) (CheckpointBackend, error) {
	scheme, rest, err := splitDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupCheckpointFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		return NewFileCheckpoints(rest)
	case "memory", "mem", "inmem":
		return NewMemoryCheckpoints(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(strings.TrimSpace(dsn))
	case "sqlite":
		return NewSQLiteStore(rest)
	case "mysql":
		return nil, fmt.Errorf("%w: checkpoint store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store scheme: %s", scheme)
	}
}

func OpenIdentities(dsn string) (IdentityBackend, error) {
	scheme, rest, err := splitDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupIdentityFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		return NewFileIdentities(rest)
	case "memory", "mem", "inmem":
		return NewMemoryIdentities(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(strings.TrimSpace(dsn))
	case "sqlite":
		return NewSQLiteStore(rest)
	case "mysql":
		return nil, fmt.Errorf("%w: identity store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported identity store scheme: %s", scheme)
	}
}

// splitDSN separates the scheme from the remainder without URL parsing, so
// SQLite names like file::memory: survive.
func splitDSN(dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", ErrInvalidInput
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "", dsn, nil
	}
	scheme = normalizeScheme(scheme)
	rest = strings.TrimSpace(rest)
	switch scheme {
	case "memory", "mem", "inmem", "postgres", "postgresql":
		return scheme, rest, nil
	}
	if rest == "" {
		return "", "", fmt.Errorf("%w: %s dsn has no path", ErrInvalidInput, scheme)
	}
	return scheme, rest, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
