package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeTree struct {
	mu          sync.Mutex
	collections []Collection
	items       map[string]RemoteItem
	feeds       map[string]ChangePage
	startCursor map[string]string
	pageSize    int

	getItemCalls  map[string]int
	getItemErr    map[string]error
	changesErr    error
	startErr      error
	collectionErr error
}

func newFakeTree() *fakeTree {
	return &fakeTree{
		items:        map[string]RemoteItem{},
		feeds:        map[string]ChangePage{},
		startCursor:  map[string]string{},
		pageSize:     2,
		getItemCalls: map[string]int{},
		getItemErr:   map[string]error{},
	}
}

func (t *fakeTree) addCollection(id, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.collections = append(t.collections, Collection{ID: id, Name: name})
	t.items[id] = RemoteItem{ID: id, Name: name, Kind: ItemFolder, MimeType: FolderMimeType}
	t.startCursor[id] = "start_" + id
}

func (t *fakeTree) addFolder(id, name, parent string) RemoteItem {
	item := RemoteItem{ID: id, Name: name, Kind: ItemFolder, MimeType: FolderMimeType, ParentIDs: []string{parent}}
	t.put(item)
	return item
}

func (t *fakeTree) addFile(id, name, parent, checksum string) RemoteItem {
	item := RemoteItem{
		ID:              id,
		Name:            name,
		Kind:            ItemFile,
		MimeType:        "application/pdf",
		ParentIDs:       []string{parent},
		ContentChecksum: checksum,
		ModifiedAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	t.put(item)
	return item
}

func (t *fakeTree) put(item RemoteItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[item.ID] = item
}

func (t *fakeTree) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}

func (t *fakeTree) item(id string) RemoteItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items[id]
}

func (t *fakeTree) setFeed(collectionID, cursor string, page ChangePage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.feeds[collectionID+"|"+cursor] = page
}

func (t *fakeTree) ListCollections(_ context.Context, pageToken string) (CollectionPage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.collectionErr != nil {
		return CollectionPage{}, t.collectionErr
	}
	start, _ := strconv.Atoi(pageToken)
	end := start + 1
	if end > len(t.collections) {
		end = len(t.collections)
	}
	page := CollectionPage{Collections: append([]Collection(nil), t.collections[start:end]...)}
	if end < len(t.collections) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (t *fakeTree) FindRootFolder(_ context.Context, collectionID, name string) (RemoteItem, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range t.items {
		if item.IsFolder() && item.Name == name && !item.Trashed && len(item.ParentIDs) > 0 && item.ParentIDs[0] == collectionID {
			return item, true, nil
		}
	}
	return RemoteItem{}, false, nil
}

func (t *fakeTree) ListChildren(_ context.Context, folderID, _ string, pageToken string) (ItemPage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[folderID]; !ok {
		return ItemPage{}, fmt.Errorf("list %s: %w", folderID, ErrItemNotFound)
	}
	var children []RemoteItem
	for _, item := range t.items {
		if len(item.ParentIDs) > 0 && item.ParentIDs[0] == folderID && !item.Trashed {
			children = append(children, item)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	start, _ := strconv.Atoi(pageToken)
	end := start + t.pageSize
	if end > len(children) {
		end = len(children)
	}
	page := ItemPage{Items: children[start:end]}
	if end < len(children) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (t *fakeTree) GetChanges(_ context.Context, cursor, collectionID string) (ChangePage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.changesErr != nil {
		return ChangePage{}, t.changesErr
	}
	page, ok := t.feeds[collectionID+"|"+cursor]
	if !ok {
		return ChangePage{NewStartCursor: cursor}, nil
	}
	return page, nil
}

func (t *fakeTree) GetItem(_ context.Context, id string) (RemoteItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getItemCalls[id]++
	if err := t.getItemErr[id]; err != nil {
		return RemoteItem{}, err
	}
	item, ok := t.items[id]
	if !ok {
		return RemoteItem{}, fmt.Errorf("get %s: %w", id, ErrItemNotFound)
	}
	return item, nil
}

func (t *fakeTree) GetStartCursor(_ context.Context, collectionID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return "", t.startErr
	}
	return t.startCursor[collectionID], nil
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []ActionRequest
	err      error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req ActionRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.requests = append(d.requests, req)
	return nil
}

func (d *recordingDispatcher) take() []ActionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.requests
	d.requests = nil
	return out
}

type memoryCheckpoints struct {
	mu      sync.Mutex
	cursors map[string]string
	loadErr error
	saveErr error
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{cursors: map[string]string{}}
}

func (c *memoryCheckpoints) Load(_ context.Context, collectionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return "", c.loadErr
	}
	cursor, ok := c.cursors[collectionID]
	if !ok {
		return NeverSynced, nil
	}
	return cursor, nil
}

func (c *memoryCheckpoints) Save(_ context.Context, collectionID, cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.cursors[collectionID] = cursor
	return nil
}

func (c *memoryCheckpoints) get(collectionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[collectionID]
}

type memoryIdentities struct {
	mu      sync.Mutex
	records map[string]IdentityRecord
	getErr  error
}

func newMemoryIdentities() *memoryIdentities {
	return &memoryIdentities{records: map[string]IdentityRecord{}}
}

func (s *memoryIdentities) Get(_ context.Context, id string) (IdentityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return IdentityRecord{}, false, s.getErr
	}
	record, ok := s.records[id]
	return record, ok, nil
}

func (s *memoryIdentities) Put(_ context.Context, id string, record IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = record
	return nil
}

func (s *memoryIdentities) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memoryIdentities) ListUnder(_ context.Context, prefix string) ([]IdentityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []IdentityEntry
	for id, record := range s.records {
		if IsUnder(record.LocalPath, prefix) {
			entries = append(entries, IdentityEntry{ID: id, IdentityRecord: record})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LocalPath < entries[j].LocalPath })
	return entries, nil
}

func (s *memoryIdentities) get(id string) (IdentityRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	return record, ok
}

func (s *memoryIdentities) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type recordingNotifier struct {
	mu       sync.Mutex
	failures []CycleFailure
}

func (n *recordingNotifier) Notify(_ context.Context, failure CycleFailure) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, failure)
	return nil
}

type harness struct {
	tree        *fakeTree
	checkpoints *memoryCheckpoints
	identities  *memoryIdentities
	dispatcher  *recordingDispatcher
	notifier    *recordingNotifier
	engine      *Engine
}

// newHarness builds a collection "d1" named "Team Drive" with a published
// root folder "pub".
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tree:        newFakeTree(),
		checkpoints: newMemoryCheckpoints(),
		identities:  newMemoryIdentities(),
		dispatcher:  &recordingDispatcher{},
		notifier:    &recordingNotifier{},
	}
	h.tree.addCollection("d1", "Team Drive")
	h.tree.addFolder("pub", "published", "d1")
	engine, err := NewEngine(h.tree, h.checkpoints, h.identities, h.dispatcher, Options{
		Facets:   NewFacets(DefaultCategories, map[string]string{"Team Drive": "TD"}),
		Notifier: h.notifier,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) cycle(t *testing.T) (CycleReport, []ActionRequest) {
	t.Helper()
	report, err := h.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle failed: %v", err)
	}
	return report, h.dispatcher.take()
}

// newPass returns a collection pass for driving the classifier directly.
func (h *harness) newPass(t *testing.T) *pass {
	t.Helper()
	resolver, err := NewResolver(h.tree, map[string]string{"d1": "Team Drive"}, 16, 0)
	if err != nil {
		t.Fatalf("new resolver failed: %v", err)
	}
	return &pass{
		engine:     h.engine,
		collection: Collection{ID: "d1", Name: "Team Drive"},
		resolver:   resolver,
		walker:     NewWalker(h.tree, 0),
		facets:     h.engine.facets.Load(),
		dispatched: map[string]struct{}{},
		report:     CollectionReport{Actions: map[ActionKind]int{}},
	}
}

func countKind(requests []ActionRequest, kind ActionKind) int {
	n := 0
	for _, req := range requests {
		if req.Kind == kind {
			n++
		}
	}
	return n
}

func kinds(requests []ActionRequest) string {
	parts := make([]string, 0, len(requests))
	for _, req := range requests {
		parts = append(parts, string(req.Kind)+":"+req.LocalPath)
	}
	return strings.Join(parts, ", ")
}

var errTransport = errors.New("connection reset")
