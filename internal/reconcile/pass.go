package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// pass is one collection's share of a poll cycle.
type pass struct {
	engine     *Engine
	collection Collection
	resolver   *Resolver
	walker     *Walker
	facets     *Facets
	dispatched map[string]struct{}
	report     CollectionReport
}

func (p *pass) run(ctx context.Context) error {
	cursor, err := p.engine.checkpoints.Load(ctx, p.collection.ID)
	if err != nil {
		return abort(stageLoadCheckpoint, err)
	}
	cursor = strings.TrimSpace(cursor)
	if cursor == "" || cursor == NeverSynced {
		return p.bootstrap(ctx)
	}
	return p.drain(ctx, cursor)
}

// drain consumes the change feed page by page. The cursor advances only after
// every record of a page was classified and its actions dispatched.
func (p *pass) drain(ctx context.Context, cursor string) error {
	p.report.Mode = modeIncremental
	p.report.Cursor = cursor
	for {
		if err := ctx.Err(); err != nil {
			return abort(stageCollectionCancel, err)
		}
		page, err := p.engine.tree.GetChanges(ctx, cursor, p.collection.ID)
		if errors.Is(err, ErrCursorExpired) {
			p.engine.logf("change cursor for collection %s expired, bootstrapping again", p.collection.ID)
			return p.bootstrap(ctx)
		}
		if err != nil {
			return abort(stageListChanges, err)
		}
		p.report.Pages++

		failed := 0
		for _, change := range page.Changes {
			p.report.Changes++
			if err := p.classify(ctx, change); err != nil {
				if isAbort(err) {
					return err
				}
				failed++
				p.report.ItemErrors++
				p.engine.logf("change for %s in collection %s failed: %v", change.Item.ID, p.collection.ID, err)
			}
		}
		if failed > 0 {
			p.report.Held = true
			p.engine.logf("collection %s holds cursor after %d failed changes", p.collection.ID, failed)
			return nil
		}

		next := page.NextPageToken
		last := next == ""
		if last {
			next = page.NewStartCursor
		}
		if next == "" {
			return abort(stageListChanges, fmt.Errorf("change feed for %s returned no continuation cursor", p.collection.ID))
		}
		if next != cursor {
			if err := p.engine.checkpoints.Save(ctx, p.collection.ID, next); err != nil {
				return abort(stageSaveCheckpoint, err)
			}
		}
		cursor = next
		p.report.Cursor = cursor
		if last {
			return nil
		}
	}
}

func (p *pass) collectionRoot() string {
	return pathSeparator + segmentName(p.collection.Name)
}

func (p *pass) publishedRoot() string {
	return joinPath(p.collectionRoot(), segmentName(p.engine.opts.PublishedRoot))
}

// inScope reports whether path lies strictly below the published root.
func (p *pass) inScope(path string) bool {
	segments := splitPath(path)
	return len(segments) > 2 && segments[1] == segmentName(p.engine.opts.PublishedRoot)
}

func (p *pass) request(kind ActionKind, item RemoteItem, localPath string) ActionRequest {
	name := item.Name
	if strings.TrimSpace(name) == "" {
		name = baseOf(localPath)
	}
	req := ActionRequest{
		Kind:            kind,
		SourceID:        item.ID,
		SourceName:      name,
		LocalPath:       localPath,
		MimeType:        item.MimeType,
		ContentChecksum: item.ContentChecksum,
		CreatedAt:       item.CreatedAt,
		ModifiedAt:      item.ModifiedAt,
	}
	if format, ok := LookupExport(item.MimeType); ok {
		req.ExportMimeType = format.MimeType
	}
	return req
}

// emit dispatches req unless the same logical change already went out
// during this cycle.
func (p *pass) emit(ctx context.Context, req ActionRequest) error {
	req.CollectionID = p.collection.ID
	req.CollectionName = p.collection.Name
	facets := p.facets.Derive(req.LocalPath, p.collection.Name)
	req.Category = facets.Category
	req.SubCategory = facets.SubCategory
	req.Group = facets.Group

	key := strings.Join([]string{string(req.Kind), req.SourceID, req.OldPath, req.LocalPath, req.ContentChecksum, req.ModifiedAt.String()}, "\x00")
	if _, ok := p.dispatched[key]; ok {
		return nil
	}
	if err := p.engine.dispatcher.Dispatch(ctx, req); err != nil {
		return abort(stageDispatch, fmt.Errorf("dispatch %s %s: %w", req.Kind, req.SourceID, err))
	}
	p.dispatched[key] = struct{}{}
	p.report.Actions[req.Kind]++
	return nil
}

func (p *pass) lookup(ctx context.Context, id string) (IdentityRecord, bool, error) {
	record, ok, err := p.engine.identities.Get(ctx, id)
	if err != nil {
		return IdentityRecord{}, false, abort(stageIdentityStore, err)
	}
	return record, ok, nil
}

func (p *pass) remember(ctx context.Context, id string, record IdentityRecord) error {
	if err := p.engine.identities.Put(ctx, id, record); err != nil {
		return abort(stageIdentityStore, err)
	}
	return nil
}

func (p *pass) forget(ctx context.Context, id string) error {
	if err := p.engine.identities.Delete(ctx, id); err != nil {
		return abort(stageIdentityStore, err)
	}
	return nil
}
