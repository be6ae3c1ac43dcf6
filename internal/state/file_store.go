package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/driveindex/internal/reconcile"
)

// FileCheckpoints keeps one line per collection: <collectionId>=<cursor>.
type FileCheckpoints struct {
	file *propertiesFile
}

func NewFileCheckpoints(path string) (*FileCheckpoints, error) {
	file, err := openPropertiesFile(path, "driveindex change checkpoints")
	if err != nil {
		return nil, err
	}
	return &FileCheckpoints{file: file}, nil
}

func (s *FileCheckpoints) Load(_ context.Context, collectionID string) (string, error) {
	cursor, ok, err := s.file.get(collectionID)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(cursor) == "" {
		return reconcile.NeverSynced, nil
	}
	return cursor, nil
}

func (s *FileCheckpoints) Save(_ context.Context, collectionID, cursor string) error {
	if strings.TrimSpace(collectionID) == "" {
		return ErrInvalidInput
	}
	return s.file.set(collectionID, cursor)
}

func (s *FileCheckpoints) All(context.Context) (map[string]string, error) {
	return s.file.snapshot()
}

func (s *FileCheckpoints) Close() error {
	return s.file.Close()
}

// FileIdentities keeps one line per item: <itemId>=<file|folder>|<checksum>|<path>.
// The path goes last since it may contain the separator.
type FileIdentities struct {
	file *propertiesFile
}

func NewFileIdentities(path string) (*FileIdentities, error) {
	file, err := openPropertiesFile(path, "driveindex identity records")
	if err != nil {
		return nil, err
	}
	s := &FileIdentities{file: file}
	values, err := file.snapshot()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	for id, value := range values {
		if _, err := decodeIdentity(value); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s: record %s: %v", ErrCorrupt, path, id, err)
		}
	}
	return s, nil
}

func (s *FileIdentities) Get(_ context.Context, id string) (reconcile.IdentityRecord, bool, error) {
	value, ok, err := s.file.get(id)
	if err != nil || !ok {
		return reconcile.IdentityRecord{}, false, err
	}
	record, err := decodeIdentity(value)
	if err != nil {
		return reconcile.IdentityRecord{}, false, fmt.Errorf("%w: record %s: %v", ErrCorrupt, id, err)
	}
	return record, true, nil
}

func (s *FileIdentities) Put(_ context.Context, id string, record reconcile.IdentityRecord) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(record.LocalPath) == "" {
		return ErrInvalidInput
	}
	return s.file.set(id, encodeIdentity(record))
}

func (s *FileIdentities) Delete(_ context.Context, id string) error {
	return s.file.remove(id)
}

func (s *FileIdentities) ListUnder(_ context.Context, prefix string) ([]reconcile.IdentityEntry, error) {
	values, err := s.file.snapshot()
	if err != nil {
		return nil, err
	}
	records := make(map[string]reconcile.IdentityRecord, len(values))
	for id, value := range values {
		record, err := decodeIdentity(value)
		if err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, id, err)
		}
		records[id] = record
	}
	return entriesUnder(records, prefix), nil
}

func (s *FileIdentities) Close() error {
	return s.file.Close()
}

func encodeIdentity(record reconcile.IdentityRecord) string {
	return recordKind(record) + "|" + record.ContentChecksum + "|" + record.LocalPath
}

func decodeIdentity(value string) (reconcile.IdentityRecord, error) {
	parts := strings.SplitN(value, "|", 3)
	if len(parts) != 3 {
		return reconcile.IdentityRecord{}, fmt.Errorf("expected kind|checksum|path, got %q", value)
	}
	record := reconcile.IdentityRecord{ContentChecksum: parts[1], LocalPath: parts[2]}
	switch parts[0] {
	case kindFile:
	case kindFolder:
		record.Folder = true
	default:
		return reconcile.IdentityRecord{}, fmt.Errorf("unknown kind %q", parts[0])
	}
	if record.LocalPath == "" {
		return reconcile.IdentityRecord{}, fmt.Errorf("empty path")
	}
	return record, nil
}
