package solr

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/agentworkforce/driveindex/internal/extract"
	"github.com/agentworkforce/driveindex/internal/reconcile"
)

const (
	DefaultGenre = "Google Drive"
	viewURLBase  = "https://drive.google.com/open"
)

type Updater interface {
	Update(ctx context.Context, correlationID string, payload any) error
}

// Locator maps a logical path to the mirrored file holding its content.
type Locator interface {
	Path(localPath string) (string, error)
}

type Extractor interface {
	ExtractFile(path string) (extract.Document, error)
}

type IndexerOptions struct {
	Client    Updater
	Locator   Locator
	Extractor Extractor
	Genre     string
	Logger    reconcile.Logger
}

// Indexer is the dispatch handler that keeps the search index in step with
// the mirror. Directory actions have no index document.
type Indexer struct {
	client    Updater
	locator   Locator
	extractor Extractor
	genre     string
	logger    reconcile.Logger
}

func NewIndexer(opts IndexerOptions) (*Indexer, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: solr client is required", reconcile.ErrInvalidInput)
	}
	genre := opts.Genre
	if genre == "" {
		genre = DefaultGenre
	}
	return &Indexer{
		client:    opts.Client,
		locator:   opts.Locator,
		extractor: opts.Extractor,
		genre:     genre,
		logger:    opts.Logger,
	}, nil
}

func (i *Indexer) Handle(ctx context.Context, req reconcile.ActionRequest) error {
	payload, ok, err := i.Command(req)
	if err != nil || !ok {
		return err
	}
	if err := i.client.Update(ctx, req.ID, payload); err != nil {
		return fmt.Errorf("index %s %s: %w", req.Kind, req.SourceID, err)
	}
	i.logf("indexed %s %s at %s", req.Kind, req.SourceID, req.LocalPath)
	return nil
}

// Command builds the Solr update body for req. ok is false when the action
// has no index effect.
func (i *Indexer) Command(req reconcile.ActionRequest) (payload any, ok bool, err error) {
	switch req.Kind {
	case reconcile.ActionDownload:
		doc := map[string]any{
			"id":           req.SourceID,
			"title":        title(req),
			"storagePath":  req.LocalPath,
			"genre":        i.genre,
			"url":          viewURL(req.SourceID),
			"teamDrive":    req.CollectionName,
			"fileChecksum": req.ContentChecksum,
		}
		setIfPresent(doc, "group", req.Group)
		setIfPresent(doc, "category", req.Category)
		setIfPresent(doc, "subCategory", req.SubCategory)
		setIfPresent(doc, "created", formatTime(req.CreatedAt))
		setIfPresent(doc, "updated", formatTime(req.ModifiedAt))
		content, err := i.content(req)
		if err != nil {
			return nil, false, err
		}
		setIfPresent(doc, "type", content.ContentType)
		setIfPresent(doc, "fileContent", content.Text)
		return []map[string]any{doc}, true, nil
	case reconcile.ActionUpdate:
		content, err := i.content(req)
		if err != nil {
			return nil, false, err
		}
		return []map[string]any{{
			"id":           req.SourceID,
			"type":         set(content.ContentType),
			"fileContent":  set(content.Text),
			"fileChecksum": set(req.ContentChecksum),
			"updated":      set(formatTime(req.ModifiedAt)),
		}}, true, nil
	case reconcile.ActionRenameFile:
		return []map[string]any{{
			"id":          req.SourceID,
			"title":       set(title(req)),
			"storagePath": set(req.LocalPath),
			"updated":     set(formatTime(req.ModifiedAt)),
		}}, true, nil
	case reconcile.ActionMoveFile, reconcile.ActionUpdatePath:
		return []map[string]any{{
			"id":          req.SourceID,
			"storagePath": set(req.LocalPath),
			"category":    set(req.Category),
			"subCategory": set(req.SubCategory),
			"group":       set(req.Group),
		}}, true, nil
	case reconcile.ActionDelete:
		return map[string]any{"delete": map[string]any{"id": req.SourceID}}, true, nil
	case reconcile.ActionMakeDirectory, reconcile.ActionRenameDirectory, reconcile.ActionMoveDirectory:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown action kind %q", reconcile.ErrInvalidInput, req.Kind)
	}
}

func (i *Indexer) content(req reconcile.ActionRequest) (extract.Document, error) {
	if i.locator == nil || i.extractor == nil {
		return extract.Document{ContentType: req.MimeType}, nil
	}
	file, err := i.locator.Path(req.LocalPath)
	if err != nil {
		return extract.Document{}, err
	}
	doc, err := i.extractor.ExtractFile(file)
	if err != nil {
		return extract.Document{}, err
	}
	if doc.Skipped != "" {
		i.logf("indexing %s without content: %s", req.SourceID, doc.Skipped)
	}
	return doc, nil
}

func (i *Indexer) logf(format string, args ...any) {
	if i.logger != nil {
		i.logger.Printf(format, args...)
	}
}

// set is an atomic update; an empty value clears the field.
func set(value string) map[string]any {
	if value == "" {
		return map[string]any{"set": nil}
	}
	return map[string]any{"set": value}
}

func setIfPresent(doc map[string]any, key, value string) {
	if value != "" {
		doc[key] = value
	}
}

func title(req reconcile.ActionRequest) string {
	if req.SourceName != "" {
		return req.SourceName
	}
	return path.Base(req.LocalPath)
}

func viewURL(id string) string {
	return viewURLBase + "?" + url.Values{"id": {id}}.Encode()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
