package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultPublishedRoot  = "published"
	notifyTimeout         = 10 * time.Second
	maxCollectionPages    = 10000
	modeBootstrap         = "bootstrap"
	modeIncremental       = "incremental"
	stageListCollections  = "list_collections"
	stageResolver         = "resolver"
	stageLoadCheckpoint   = "load_checkpoint"
	stageSaveCheckpoint   = "save_checkpoint"
	stageIdentityStore    = "identity_store"
	stageDispatch         = "dispatch"
	stageListChanges      = "list_changes"
	stageStartCursor      = "start_cursor"
	stageFindRoot         = "find_root"
	stageBootstrapWalk    = "bootstrap_walk"
	stageCollectionCancel = "cancelled"
)

type Options struct {
	// PublishedRoot is the folder name, directly below each collection root,
	// that bounds what gets reconciled.
	PublishedRoot     string
	MaxDepth          int
	Concurrency       int
	ResolverCacheSize int
	Facets            *Facets
	Notifier          Notifier
	Logger            Logger
	Now               func() time.Time
}

// Engine reconciles the remote tree against the local identity records and
// hands the resulting actions to a dispatcher.
type Engine struct {
	tree        RemoteTree
	checkpoints CheckpointStore
	identities  IdentityStore
	dispatcher  ActionDispatcher
	opts        Options

	facets      atomic.Pointer[Facets]
	last        atomic.Pointer[CycleReport]
	running     sync.Mutex
	trigger     chan struct{}
	newResolver func(RemoteTree, map[string]string, int, int) (*Resolver, error)
}

func NewEngine(tree RemoteTree, checkpoints CheckpointStore, identities IdentityStore, dispatcher ActionDispatcher, opts Options) (*Engine, error) {
	if tree == nil {
		return nil, fmt.Errorf("remote tree is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if identities == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("action dispatcher is required")
	}
	opts.PublishedRoot = strings.TrimSpace(opts.PublishedRoot)
	if opts.PublishedRoot == "" {
		opts.PublishedRoot = DefaultPublishedRoot
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ResolverCacheSize <= 0 {
		opts.ResolverCacheSize = defaultResolverCacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		tree:        tree,
		checkpoints: checkpoints,
		identities:  identities,
		dispatcher:  dispatcher,
		opts:        opts,
		trigger:     make(chan struct{}, 1),
		newResolver: NewResolver,
	}
	facets := opts.Facets
	if facets == nil {
		facets = NewFacets(DefaultCategories, nil)
	}
	e.facets.Store(facets)
	return e, nil
}

// SetFacets swaps the facet vocabulary used by subsequent cycles.
func (e *Engine) SetFacets(facets *Facets) {
	if facets != nil {
		e.facets.Store(facets)
	}
}

// LastReport returns the report of the most recently finished cycle.
func (e *Engine) LastReport() (CycleReport, bool) {
	report := e.last.Load()
	if report == nil {
		return CycleReport{}, false
	}
	return *report, true
}

// RunCycle performs one poll cycle over every collection. Collections fail
// independently; the returned error wraps ErrCycleIncomplete when any did.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !e.running.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer e.running.Unlock()

	report := CycleReport{StartedAt: e.opts.Now().UTC()}
	collections, err := e.listCollections(ctx)
	if err != nil {
		return e.failCycle(ctx, report, stageListCollections, fmt.Errorf("list collections: %w", err))
	}

	names := make(map[string]string, len(collections))
	for _, collection := range collections {
		names[collection.ID] = collection.Name
	}
	resolver, err := e.newResolver(e.tree, names, e.opts.ResolverCacheSize, e.opts.MaxDepth)
	if err != nil {
		return e.failCycle(ctx, report, stageResolver, fmt.Errorf("build resolver: %w", err))
	}
	facets := e.facets.Load()

	reports := make([]CollectionReport, len(collections))
	var group errgroup.Group
	group.SetLimit(e.opts.Concurrency)
	for i, collection := range collections {
		i, collection := i, collection
		group.Go(func() error {
			reports[i] = e.runCollection(ctx, collection, resolver, facets)
			return nil
		})
	}
	_ = group.Wait()

	report.Collections = reports
	report.FinishedAt = e.opts.Now().UTC()
	var errs []error
	for _, collection := range reports {
		if collection.Error != "" {
			errs = append(errs, fmt.Errorf("collection %s: %s", collection.CollectionID, collection.Error))
		}
	}
	if len(errs) > 0 {
		err = fmt.Errorf("%w: %w", ErrCycleIncomplete, errors.Join(errs...))
		report.Error = err.Error()
	}
	e.last.Store(&report)
	return report, err
}

// failCycle records and reports a failure that stopped the cycle before any
// collection ran.
func (e *Engine) failCycle(ctx context.Context, report CycleReport, stage string, err error) (CycleReport, error) {
	report.Error = err.Error()
	report.FinishedAt = e.opts.Now().UTC()
	e.last.Store(&report)
	if !errors.Is(err, context.Canceled) {
		e.notify(ctx, CycleFailure{Stage: stage, Error: err.Error(), At: report.FinishedAt})
	}
	return report, err
}

func (e *Engine) listCollections(ctx context.Context) ([]Collection, error) {
	var collections []Collection
	seen := map[string]struct{}{}
	pageToken := ""
	for page := 0; page < maxCollectionPages; page++ {
		result, err := e.tree.ListCollections(ctx, pageToken)
		if err != nil {
			return nil, err
		}
		for _, collection := range result.Collections {
			if collection.ID == "" {
				continue
			}
			if _, ok := seen[collection.ID]; ok {
				continue
			}
			seen[collection.ID] = struct{}{}
			if strings.TrimSpace(collection.Name) == "" {
				collection.Name = collection.ID
			}
			collections = append(collections, collection)
		}
		if result.NextPageToken == "" || result.NextPageToken == pageToken {
			return collections, nil
		}
		pageToken = result.NextPageToken
	}
	return nil, fmt.Errorf("collection listing did not terminate after %d pages", maxCollectionPages)
}

func (e *Engine) runCollection(ctx context.Context, collection Collection, resolver *Resolver, facets *Facets) CollectionReport {
	started := e.opts.Now()
	p := &pass{
		engine:     e,
		collection: collection,
		resolver:   resolver,
		walker:     NewWalker(e.tree, e.opts.MaxDepth),
		facets:     facets,
		dispatched: map[string]struct{}{},
		report: CollectionReport{
			CollectionID:   collection.ID,
			CollectionName: collection.Name,
			Actions:        map[ActionKind]int{},
		},
	}
	err := p.run(ctx)
	p.report.Duration = e.opts.Now().Sub(started)
	if err == nil {
		return p.report
	}
	p.report.Error = err.Error()
	stage := "collection"
	var cycleErr *cycleError
	if errors.As(err, &cycleErr) {
		stage = cycleErr.stage
	}
	e.logf("collection %s (%s) cycle failed at %s: %v", collection.ID, collection.Name, stage, err)
	if !errors.Is(err, context.Canceled) {
		e.notify(ctx, CycleFailure{
			CollectionID:   collection.ID,
			CollectionName: collection.Name,
			Stage:          stage,
			Error:          err.Error(),
			At:             e.opts.Now().UTC(),
		})
	}
	return p.report
}

func (e *Engine) notify(ctx context.Context, failure CycleFailure) {
	if e.opts.Notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := e.opts.Notifier.Notify(notifyCtx, failure); err != nil {
		e.logf("operator notification failed: %v", err)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.opts.Logger == nil {
		return
	}
	e.opts.Logger.Printf(format, args...)
}

// cycleError marks failures that abort a collection's cycle, as opposed to
// per-item errors that only hold its cursor.
type cycleError struct {
	stage string
	err   error
}

func (e *cycleError) Error() string {
	return e.stage + ": " + e.err.Error()
}

func (e *cycleError) Unwrap() error {
	return e.err
}

func abort(stage string, err error) error {
	var existing *cycleError
	if errors.As(err, &existing) {
		return err
	}
	return &cycleError{stage: stage, err: err}
}

func isAbort(err error) bool {
	var cycleErr *cycleError
	return errors.As(err, &cycleErr)
}
