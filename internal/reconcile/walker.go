package reconcile

import (
	"context"
	"fmt"
)

// Node is one item reached by a walk, with the logical path it occupies.
type Node struct {
	Item  RemoteItem
	Path  string
	Depth int
}

// Walker enumerates folder subtrees depth first with an explicit stack.
type Walker struct {
	tree     RemoteTree
	maxDepth int
}

func NewWalker(tree RemoteTree, maxDepth int) *Walker {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	return &Walker{tree: tree, maxDepth: maxDepth}
}

// Walk visits every eligible descendant of folderID in pre-order: a folder
// is visited before anything below it. The folder itself is not visited.
func (w *Walker) Walk(ctx context.Context, folderID, collectionID, folderPath string, visit func(Node) error) error {
	expanded := map[string]struct{}{folderID: {}}
	children, err := w.listAll(ctx, folderID, collectionID)
	if err != nil {
		return err
	}
	stack := make([]Node, 0, len(children))
	stack = pushChildren(stack, children, folderPath, 1)
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := visit(node); err != nil {
			return err
		}
		if !node.Item.IsFolder() {
			continue
		}
		if _, ok := expanded[node.Item.ID]; ok {
			continue
		}
		expanded[node.Item.ID] = struct{}{}
		if node.Depth >= w.maxDepth {
			return fmt.Errorf("%w: walking %s below %s", ErrTreeTooDeep, node.Path, folderPath)
		}
		children, err := w.listAll(ctx, node.Item.ID, collectionID)
		if err != nil {
			return err
		}
		stack = pushChildren(stack, children, node.Path, node.Depth+1)
	}
	return nil
}

// ListDescendantFiles returns every eligible file below folderID.
func (w *Walker) ListDescendantFiles(ctx context.Context, folderID, collectionID, folderPath string) ([]Node, error) {
	var files []Node
	err := w.Walk(ctx, folderID, collectionID, folderPath, func(node Node) error {
		if !node.Item.IsFolder() {
			files = append(files, node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (w *Walker) listAll(ctx context.Context, folderID, collectionID string) ([]RemoteItem, error) {
	var items []RemoteItem
	pageToken := ""
	for {
		page, err := w.tree.ListChildren(ctx, folderID, collectionID, pageToken)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if item.Trashed || !Eligible(item) {
				continue
			}
			items = append(items, item)
		}
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			return items, nil
		}
		pageToken = page.NextPageToken
	}
}

// pushChildren pushes in reverse so the first child is popped first.
func pushChildren(stack []Node, children []RemoteItem, parentPath string, depth int) []Node {
	for i := len(children) - 1; i >= 0; i-- {
		stack = append(stack, Node{
			Item:  children[i],
			Path:  joinPath(parentPath, leafName(children[i])),
			Depth: depth,
		})
	}
	return stack
}
