package reconcile

import (
	"context"
	"fmt"
)

// bootstrap enumerates the published subtree of a collection and then moves
// the collection to incremental mode. The start cursor is taken before the
// walk so that changes made while walking are replayed, not lost.
func (p *pass) bootstrap(ctx context.Context) error {
	p.report.Mode = modeBootstrap
	cursor, err := p.engine.tree.GetStartCursor(ctx, p.collection.ID)
	if err != nil {
		return abort(stageStartCursor, err)
	}
	if cursor == "" || cursor == NeverSynced {
		return abort(stageStartCursor, fmt.Errorf("collection %s returned unusable start cursor %q", p.collection.ID, cursor))
	}

	root, found, err := p.engine.tree.FindRootFolder(ctx, p.collection.ID, p.engine.opts.PublishedRoot)
	if err != nil {
		return abort(stageFindRoot, err)
	}
	if found {
		p.resolver.Remember(root)
		err = p.walker.Walk(ctx, root.ID, p.collection.ID, p.publishedRoot(), func(node Node) error {
			p.report.Changes++
			record, known, err := p.lookup(ctx, node.Item.ID)
			if err != nil {
				return err
			}
			return p.admit(ctx, node, record, known)
		})
		if err != nil {
			return abort(stageBootstrapWalk, err)
		}
	} else {
		p.engine.logf("collection %s (%s) has no %q folder", p.collection.ID, p.collection.Name, p.engine.opts.PublishedRoot)
	}

	if err := p.engine.checkpoints.Save(ctx, p.collection.ID, cursor); err != nil {
		return abort(stageSaveCheckpoint, err)
	}
	p.report.Cursor = cursor
	return nil
}
