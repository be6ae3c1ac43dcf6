package reconcile

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxDepth          = 64
	defaultResolverCacheSize = 4096
)

// Resolver reconstructs logical paths from parent chains. A Resolver lives
// for one poll cycle; parents fetched during the cycle are memoized.
type Resolver struct {
	tree        RemoteTree
	collections map[string]string
	maxDepth    int
	cache       *lru.Cache[string, RemoteItem]
	inflight    singleflight.Group
}

// NewResolver returns a resolver. collections maps collection root ids to
// their display names.
func NewResolver(tree RemoteTree, collections map[string]string, cacheSize, maxDepth int) (*Resolver, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: remote tree is required", ErrInvalidInput)
	}
	if cacheSize <= 0 {
		cacheSize = defaultResolverCacheSize
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	cache, err := lru.New[string, RemoteItem](cacheSize)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(collections))
	for id, name := range collections {
		names[id] = name
	}
	return &Resolver{
		tree:        tree,
		collections: names,
		maxDepth:    maxDepth,
		cache:       cache,
	}, nil
}

// Resolve returns the full logical path of item, starting with the display
// name of its collection.
func (r *Resolver) Resolve(ctx context.Context, item RemoteItem) (string, error) {
	if len(item.ParentIDs) == 0 {
		return pathSeparator + r.rootName(item), nil
	}
	segments := []string{leafName(item)}
	seen := map[string]struct{}{item.ID: {}}
	parentID := item.ParentIDs[0]
	for depth := 0; ; depth++ {
		if depth >= r.maxDepth {
			return "", fmt.Errorf("%w: resolving %s", ErrTreeTooDeep, item.ID)
		}
		if _, ok := seen[parentID]; ok {
			return "", fmt.Errorf("%w: resolving %s at %s", ErrParentCycle, item.ID, parentID)
		}
		seen[parentID] = struct{}{}
		parent, err := r.fetch(ctx, parentID)
		if err != nil {
			return "", err
		}
		if len(parent.ParentIDs) == 0 {
			segments = append(segments, r.rootName(parent))
			break
		}
		segments = append(segments, segmentName(parent.Name))
		parentID = parent.ParentIDs[0]
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return pathSeparator + strings.Join(segments, pathSeparator), nil
}

// Remember seeds the memo with an item already fetched by the caller.
func (r *Resolver) Remember(item RemoteItem) {
	if item.ID != "" {
		r.cache.Add(item.ID, item)
	}
}

func (r *Resolver) rootName(root RemoteItem) string {
	if name, ok := r.collections[root.ID]; ok && strings.TrimSpace(name) != "" {
		return segmentName(name)
	}
	return segmentName(root.Name)
}

func (r *Resolver) fetch(ctx context.Context, id string) (RemoteItem, error) {
	if item, ok := r.cache.Get(id); ok {
		return item, nil
	}
	value, err, _ := r.inflight.Do(id, func() (any, error) {
		item, err := r.tree.GetItem(ctx, id)
		if err != nil {
			return RemoteItem{}, err
		}
		r.cache.Add(id, item)
		return item, nil
	})
	if err != nil {
		return RemoteItem{}, err
	}
	return value.(RemoteItem), nil
}
