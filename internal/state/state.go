// Package state holds the durable Checkpoint and Identity Record stores.
package state

import (
	"context"
	"errors"

	"github.com/agentworkforce/driveindex/internal/reconcile"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrCorrupt        = errors.New("corrupt state file")
	ErrLocked         = errors.New("state file is locked by another process")
	ErrClosed         = errors.New("store is closed")
)

// CheckpointBackend is a checkpoint store that can also list every cursor it
// holds.
type CheckpointBackend interface {
	reconcile.CheckpointStore
	All(ctx context.Context) (map[string]string, error)
	Close() error
}

type IdentityBackend interface {
	reconcile.IdentityStore
	Close() error
}

const (
	kindFile   = "file"
	kindFolder = "folder"
)

func recordKind(record reconcile.IdentityRecord) string {
	if record.Folder {
		return kindFolder
	}
	return kindFile
}
