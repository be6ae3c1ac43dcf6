// Package mirror applies action requests to a local directory tree.
package mirror

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/driveindex/internal/reconcile"
)

var (
	ErrPathEscapesRoot  = errors.New("path escapes mirror root")
	ErrChecksumMismatch = errors.New("content checksum mismatch")
	ErrSourceMissing    = errors.New("neither old nor new path exists")
	ErrNoContentSource  = errors.New("content source is required")
)

// ContentSource streams the bytes of the item named by a request.
type ContentSource interface {
	Fetch(ctx context.Context, req reconcile.ActionRequest) (io.ReadCloser, error)
}

type Options struct {
	Root   string
	Source ContentSource
	// MaxBytes bounds a single download. Zero means unlimited.
	MaxBytes int64
	Logger   reconcile.Logger
}

type Mirror struct {
	root     string
	source   ContentSource
	maxBytes int64
	logger   reconcile.Logger
}

func New(opts Options) (*Mirror, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("%w: mirror root is required", reconcile.ErrInvalidInput)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror root: %w", err)
	}
	return &Mirror{root: root, source: opts.Source, maxBytes: opts.MaxBytes, logger: opts.Logger}, nil
}

func (m *Mirror) Root() string {
	return m.root
}

// Path maps a logical path such as /Team/published/a.pdf to its location
// under the mirror root.
func (m *Mirror) Path(localPath string) (string, error) {
	localPath = strings.TrimSpace(localPath)
	if localPath == "" || localPath == "/" {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, localPath)
	}
	cleaned := filepath.Clean(filepath.FromSlash("/" + strings.TrimLeft(localPath, "/")))
	full := filepath.Join(m.root, cleaned)
	rel, err := filepath.Rel(m.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, localPath)
	}
	return full, nil
}

func (m *Mirror) Handle(ctx context.Context, req reconcile.ActionRequest) error {
	target, err := m.Path(req.LocalPath)
	if err != nil {
		return err
	}
	switch req.Kind {
	case reconcile.ActionMakeDirectory:
		return os.MkdirAll(target, 0o755)
	case reconcile.ActionDownload, reconcile.ActionUpdate:
		return m.write(ctx, req, target)
	case reconcile.ActionRenameFile, reconcile.ActionMoveFile,
		reconcile.ActionRenameDirectory, reconcile.ActionMoveDirectory:
		source, err := m.Path(req.OldPath)
		if err != nil {
			return err
		}
		return m.relocate(source, target)
	case reconcile.ActionUpdatePath:
		source, err := m.Path(req.OldPath)
		if err != nil {
			return err
		}
		return m.follow(source, target)
	case reconcile.ActionDelete:
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", req.LocalPath, err)
		}
		m.logf("mirror removed %s", req.LocalPath)
		return nil
	default:
		return fmt.Errorf("%w: unknown action kind %q", reconcile.ErrInvalidInput, req.Kind)
	}
}

// relocate is a no-op once the source is gone and the target exists, so the
// second of a rename and move pair succeeds. A directory whose target already
// exists is merged into it.
func (m *Mirror) relocate(source, target string) error {
	if source == target {
		return nil
	}
	sourceInfo, sourceErr := os.Lstat(source)
	if errors.Is(sourceErr, os.ErrNotExist) {
		if _, err := os.Lstat(target); err == nil {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrSourceMissing, source, target)
	}
	if sourceErr != nil {
		return sourceErr
	}
	if sourceInfo.IsDir() {
		targetInfo, err := os.Lstat(target)
		if err == nil && targetInfo.IsDir() {
			return m.merge(source, target)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Rename(source, target); err != nil {
		return fmt.Errorf("relocate %s: %w", source, err)
	}
	m.logf("mirror moved %s -> %s", source, target)
	return nil
}

// merge moves every entry of source into the existing directory target and
// removes source. An entry already present under target was written by a
// later action and is kept.
func (m *Mirror) merge(source, target string) error {
	entries, err := os.ReadDir(source)
	if err != nil {
		return fmt.Errorf("merge %s: %w", source, err)
	}
	for _, entry := range entries {
		from := filepath.Join(source, entry.Name())
		to := filepath.Join(target, entry.Name())
		existing, err := os.Lstat(to)
		switch {
		case errors.Is(err, os.ErrNotExist):
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("merge %s: %w", from, err)
			}
		case err != nil:
			return err
		case entry.IsDir() && existing.IsDir():
			if err := m.merge(from, to); err != nil {
				return err
			}
		default:
			if err := os.RemoveAll(from); err != nil {
				return fmt.Errorf("merge %s: %w", from, err)
			}
			m.logf("mirror kept newer %s over %s", to, from)
		}
	}
	if err := os.Remove(source); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("merge %s: %w", source, err)
	}
	m.logf("mirror merged %s into %s", source, target)
	return nil
}

// follow moves a file whose parent folder was relocated. It does nothing when
// the file already sits at its new path or was never mirrored.
func (m *Mirror) follow(source, target string) error {
	if source == target {
		return nil
	}
	if _, err := os.Lstat(target); err == nil {
		return nil
	}
	if _, err := os.Lstat(source); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	return m.relocate(source, target)
}

func (m *Mirror) write(ctx context.Context, req reconcile.ActionRequest, target string) error {
	if m.source == nil {
		return ErrNoContentSource
	}
	body, err := m.source.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	hash := md5.New()
	var reader io.Reader = body
	if m.maxBytes > 0 {
		reader = io.LimitReader(body, m.maxBytes+1)
	}
	written, err := io.Copy(io.MultiWriter(tmp, hash), reader)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("download %s: %w", req.SourceID, err)
	}
	if m.maxBytes > 0 && written > m.maxBytes {
		_ = tmp.Close()
		return fmt.Errorf("download %s: exceeds %d bytes", req.SourceID, m.maxBytes)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if want := strings.ToLower(strings.TrimSpace(req.ContentChecksum)); want != "" && req.ExportMimeType == "" {
		if got := hex.EncodeToString(hash.Sum(nil)); got != want {
			return fmt.Errorf("%w: %s expected %s got %s", ErrChecksumMismatch, req.SourceID, want, got)
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return err
	}
	m.logf("mirror wrote %s (%d bytes)", req.LocalPath, written)
	return nil
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
