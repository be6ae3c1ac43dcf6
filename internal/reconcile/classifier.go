package reconcile

import (
	"context"
	"errors"
	"fmt"
)

// classify turns one change record into actions. Errors that are not aborts
// are per-item failures.
func (p *pass) classify(ctx context.Context, change ChangeRecord) error {
	item := change.Item
	if item.ID == "" {
		return nil
	}
	if change.Removed || item.Trashed {
		return p.classifyRemoval(ctx, item)
	}
	if !Eligible(item) {
		return nil
	}
	if item.IsFolder() {
		p.resolver.Remember(item)
	}
	path, err := p.resolver.Resolve(ctx, item)
	if errors.Is(err, ErrItemNotFound) {
		p.engine.logf("item %s vanished while resolving its path, treating it as deleted", item.ID)
		return p.classifyRemoval(ctx, item)
	}
	if err != nil {
		return fmt.Errorf("resolve path of %s: %w", item.ID, err)
	}
	if !p.inScope(path) {
		return nil
	}
	record, known, err := p.lookup(ctx, item.ID)
	if err != nil {
		return err
	}
	if item.IsFolder() {
		return p.classifyFolder(ctx, item, path, record, known)
	}
	return p.classifyFile(ctx, item, path, record, known)
}

// classifyRemoval works from the identity record alone since removed items
// can no longer be fetched. Unknown items were never dispatched.
func (p *pass) classifyRemoval(ctx context.Context, item RemoteItem) error {
	record, known, err := p.lookup(ctx, item.ID)
	if err != nil || !known {
		return err
	}
	if record.Folder || item.IsFolder() {
		return p.cascadeDelete(ctx, item.ID, record)
	}
	if err := p.emit(ctx, p.request(ActionDelete, item, record.LocalPath)); err != nil {
		return err
	}
	return p.forget(ctx, item.ID)
}

func (p *pass) classifyFolder(ctx context.Context, item RemoteItem, path string, record IdentityRecord, known bool) error {
	if !known {
		if err := p.emit(ctx, p.request(ActionMakeDirectory, item, path)); err != nil {
			return err
		}
		if err := p.remember(ctx, item.ID, IdentityRecord{LocalPath: path, Folder: true}); err != nil {
			return err
		}
		// A folder arriving with content, e.g. moved in from outside the
		// published root, brings its subtree along.
		return p.cascadeAdmit(ctx, item, path)
	}
	if record.LocalPath == path {
		return nil
	}
	oldPath := record.LocalPath
	if baseOf(oldPath) != baseOf(path) {
		req := p.request(ActionRenameDirectory, item, path)
		req.OldPath = oldPath
		if err := p.emit(ctx, req); err != nil {
			return err
		}
	}
	if dirOf(oldPath) != dirOf(path) {
		req := p.request(ActionMoveDirectory, item, path)
		req.OldPath = oldPath
		if err := p.emit(ctx, req); err != nil {
			return err
		}
	}
	// The folder record moves last so an interrupted cascade repeats in full.
	if err := p.cascadePaths(ctx, item, path); err != nil {
		return err
	}
	return p.remember(ctx, item.ID, IdentityRecord{LocalPath: path, Folder: true})
}

func (p *pass) classifyFile(ctx context.Context, item RemoteItem, path string, record IdentityRecord, known bool) error {
	version := contentVersion(item)
	if !known {
		if err := p.emit(ctx, p.request(ActionDownload, item, path)); err != nil {
			return err
		}
		return p.remember(ctx, item.ID, IdentityRecord{LocalPath: path, ContentChecksum: version})
	}

	oldPath := record.LocalPath
	renamed := baseOf(oldPath) != baseOf(path)
	moved := dirOf(oldPath) != dirOf(path)
	changed := version != "" && version != record.ContentChecksum
	if !renamed && !moved && !changed {
		return nil
	}
	if renamed {
		req := p.request(ActionRenameFile, item, path)
		req.OldPath = oldPath
		if err := p.emit(ctx, req); err != nil {
			return err
		}
	}
	if moved {
		req := p.request(ActionMoveFile, item, path)
		req.OldPath = oldPath
		if err := p.emit(ctx, req); err != nil {
			return err
		}
	}
	if changed {
		if err := p.emit(ctx, p.request(ActionUpdate, item, path)); err != nil {
			return err
		}
	}
	next := IdentityRecord{LocalPath: path, ContentChecksum: record.ContentChecksum}
	if version != "" {
		next.ContentChecksum = version
	}
	return p.remember(ctx, item.ID, next)
}

// cascadePaths refreshes the stored paths below a renamed or moved folder.
// Files get an UpdatePath action; nothing is downloaded again.
func (p *pass) cascadePaths(ctx context.Context, folder RemoteItem, path string) error {
	err := p.walker.Walk(ctx, folder.ID, p.collection.ID, path, func(node Node) error {
		record, known, err := p.lookup(ctx, node.Item.ID)
		if err != nil {
			return err
		}
		if !known {
			return p.admit(ctx, node, record, false)
		}
		if record.LocalPath == node.Path {
			return nil
		}
		if node.Item.IsFolder() {
			return p.remember(ctx, node.Item.ID, IdentityRecord{LocalPath: node.Path, Folder: true})
		}
		req := p.request(ActionUpdatePath, node.Item, node.Path)
		req.OldPath = record.LocalPath
		if err := p.emit(ctx, req); err != nil {
			return err
		}
		return p.remember(ctx, node.Item.ID, IdentityRecord{LocalPath: node.Path, ContentChecksum: record.ContentChecksum})
	})
	if errors.Is(err, ErrItemNotFound) {
		p.engine.logf("folder %s vanished during path cascade", folder.ID)
		return nil
	}
	if err != nil && !isAbort(err) {
		return fmt.Errorf("cascade paths below %s: %w", folder.ID, err)
	}
	return err
}

// cascadeAdmit dispatches every not yet known item below a new folder.
func (p *pass) cascadeAdmit(ctx context.Context, folder RemoteItem, path string) error {
	err := p.walker.Walk(ctx, folder.ID, p.collection.ID, path, func(node Node) error {
		record, known, err := p.lookup(ctx, node.Item.ID)
		if err != nil {
			return err
		}
		return p.admit(ctx, node, record, known)
	})
	if errors.Is(err, ErrItemNotFound) {
		return nil
	}
	if err != nil && !isAbort(err) {
		return fmt.Errorf("admit subtree of %s: %w", folder.ID, err)
	}
	return err
}

// cascadeDelete removes every file below a deleted folder. Descendants come
// from the remote walk and from the identity records under the folder's
// stored path, since a removed folder can no longer be listed.
func (p *pass) cascadeDelete(ctx context.Context, folderID string, record IdentityRecord) error {
	seen := map[string]struct{}{folderID: {}}
	var files []IdentityEntry
	var folders []string

	nodes, err := p.walker.ListDescendantFiles(ctx, folderID, p.collection.ID, record.LocalPath)
	if err != nil && !errors.Is(err, ErrItemNotFound) {
		if isAbort(err) {
			return err
		}
		return fmt.Errorf("list files below deleted folder %s: %w", folderID, err)
	}
	for _, node := range nodes {
		descendant, known, err := p.lookup(ctx, node.Item.ID)
		if err != nil {
			return err
		}
		seen[node.Item.ID] = struct{}{}
		if !known || descendant.Folder {
			continue
		}
		files = append(files, IdentityEntry{ID: node.Item.ID, IdentityRecord: descendant})
	}

	entries, err := p.engine.identities.ListUnder(ctx, record.LocalPath)
	if err != nil {
		return abort(stageIdentityStore, err)
	}
	for _, entry := range entries {
		if _, ok := seen[entry.ID]; ok {
			continue
		}
		seen[entry.ID] = struct{}{}
		if entry.Folder {
			folders = append(folders, entry.ID)
			continue
		}
		files = append(files, entry)
	}

	for _, file := range files {
		req := ActionRequest{
			Kind:       ActionDelete,
			SourceID:   file.ID,
			SourceName: baseOf(file.LocalPath),
			LocalPath:  file.LocalPath,
		}
		if err := p.emit(ctx, req); err != nil {
			return err
		}
		if err := p.forget(ctx, file.ID); err != nil {
			return err
		}
	}
	for _, id := range folders {
		if err := p.forget(ctx, id); err != nil {
			return err
		}
	}
	return p.forget(ctx, folderID)
}

// admit brings one walked node in line with its identity record. Bootstrap
// and the folder cascades share it.
func (p *pass) admit(ctx context.Context, node Node, record IdentityRecord, known bool) error {
	if node.Item.IsFolder() {
		if known && record.LocalPath == node.Path {
			return nil
		}
		if err := p.emit(ctx, p.request(ActionMakeDirectory, node.Item, node.Path)); err != nil {
			return err
		}
		return p.remember(ctx, node.Item.ID, IdentityRecord{LocalPath: node.Path, Folder: true})
	}
	return p.classifyFile(ctx, node.Item, node.Path, record, known)
}
