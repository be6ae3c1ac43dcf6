package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBootstrapEmitsEveryFolderBeforeItsDescendants(t *testing.T) {
	h := newHarness(t)
	h.tree.addFolder("f_reports", "reports", "pub")
	h.tree.addFile("a", "a.pdf", "f_reports", "c1")
	h.tree.addFolder("f_q1", "Q1 2024", "f_reports")
	h.tree.addFile("b", "b.pdf", "f_q1", "c2")
	h.tree.addFolder("f_minutes", "minutes", "pub")
	doc := h.tree.addFile("doc", "Agenda", "f_minutes", "")
	doc.MimeType = "application/vnd.google-apps.document"
	h.tree.put(doc)
	form := h.tree.addFile("form", "Survey", "f_minutes", "")
	form.MimeType = "application/vnd.google-apps.form"
	h.tree.put(form)

	report, requests := h.cycle(t)

	if got := countKind(requests, ActionMakeDirectory); got != 3 {
		t.Fatalf("expected 3 make_directory actions, got %d (%s)", got, kinds(requests))
	}
	if got := countKind(requests, ActionDownload); got != 3 {
		t.Fatalf("expected 3 download actions, got %d (%s)", got, kinds(requests))
	}
	if len(requests) != 6 {
		t.Fatalf("expected 6 actions, got %d (%s)", len(requests), kinds(requests))
	}
	dirIndex := map[string]int{}
	for i, req := range requests {
		if req.Kind == ActionMakeDirectory {
			dirIndex[req.LocalPath] = i
		}
	}
	for i, req := range requests {
		for dir, at := range dirIndex {
			if req.LocalPath != dir && IsUnder(req.LocalPath, dir) && at > i {
				t.Fatalf("request %s at %d precedes its directory %s at %d", req.LocalPath, i, dir, at)
			}
		}
	}
	if got := h.checkpoints.get("d1"); got != "start_d1" {
		t.Fatalf("expected start cursor to be saved, got %q", got)
	}
	if report.Collections[0].Mode != modeBootstrap {
		t.Fatalf("expected bootstrap mode, got %q", report.Collections[0].Mode)
	}
	record, ok := h.identities.get("doc")
	if !ok || record.LocalPath != "/Team Drive/published/minutes/Agenda.docx" {
		t.Fatalf("expected exported document record, got %+v (ok=%v)", record, ok)
	}
	if _, ok := h.identities.get("form"); ok {
		t.Fatalf("expected unexported form to be ignored")
	}
}

func TestBootstrapCarriesFacetsAndExportFormat(t *testing.T) {
	h := newHarness(t)
	h.tree.addFolder("f_policies", "policies", "pub")
	h.tree.addFolder("f_hr", "H.R. Rules", "f_policies")
	h.tree.addFile("p", "leave.pdf", "f_hr", "c1")
	sheet := h.tree.addFile("s", "Budget", "f_policies", "")
	sheet.MimeType = "application/vnd.google-apps.spreadsheet"
	h.tree.put(sheet)

	_, requests := h.cycle(t)

	var leave, budget ActionRequest
	for _, req := range requests {
		switch req.SourceID {
		case "p":
			leave = req
		case "s":
			budget = req
		}
	}
	if leave.Category != "policies" || leave.SubCategory != "hrrules" || leave.Group != "TD" {
		t.Fatalf("unexpected facets on leave.pdf: %+v", leave)
	}
	if leave.CollectionID != "d1" || leave.CollectionName != "Team Drive" {
		t.Fatalf("expected collection fields, got %+v", leave)
	}
	if budget.LocalPath != "/Team Drive/published/policies/Budget.xlsx" {
		t.Fatalf("expected spreadsheet export path, got %q", budget.LocalPath)
	}
	if budget.ExportMimeType != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("expected spreadsheet export mime, got %q", budget.ExportMimeType)
	}
	if budget.SubCategory != "" {
		t.Fatalf("expected no sub category for a file directly in the category, got %q", budget.SubCategory)
	}
}

func TestScenarioContentUpdateThenDirectoryRename(t *testing.T) {
	h := newHarness(t)
	h.tree.addFolder("f_reports", "reports", "pub")
	file := h.tree.addFile("a", "a.pdf", "f_reports", "c1")

	_, first := h.cycle(t)
	if len(first) != 2 || first[0].Kind != ActionMakeDirectory || first[1].Kind != ActionDownload {
		t.Fatalf("expected make_directory then download, got %s", kinds(first))
	}
	if first[0].LocalPath != "/Team Drive/published/reports" {
		t.Fatalf("unexpected directory path %q", first[0].LocalPath)
	}

	file.ContentChecksum = "c2"
	h.tree.put(file)
	h.tree.setFeed("d1", "start_d1", ChangePage{Changes: []ChangeRecord{{Item: file}}, NewStartCursor: "s2"})
	_, second := h.cycle(t)
	if len(second) != 1 || second[0].Kind != ActionUpdate {
		t.Fatalf("expected exactly one update, got %s", kinds(second))
	}
	if countKind(second, ActionRenameFile)+countKind(second, ActionMoveFile) != 0 {
		t.Fatalf("expected no rename or move, got %s", kinds(second))
	}
	if got := h.checkpoints.get("d1"); got != "s2" {
		t.Fatalf("expected cursor s2, got %q", got)
	}

	folder := h.tree.addFolder("f_reports", "archive", "pub")
	h.tree.setFeed("d1", "s2", ChangePage{Changes: []ChangeRecord{{Item: folder}}, NewStartCursor: "s3"})
	_, third := h.cycle(t)
	if countKind(third, ActionRenameDirectory) != 1 || countKind(third, ActionUpdatePath) != 1 || len(third) != 2 {
		t.Fatalf("expected one rename_directory and one update_path, got %s", kinds(third))
	}
	if countKind(third, ActionUpdate) != 0 {
		t.Fatalf("expected no content update, got %s", kinds(third))
	}
	rename := third[0]
	if rename.OldPath != "/Team Drive/published/reports" || rename.LocalPath != "/Team Drive/published/archive" {
		t.Fatalf("unexpected rename paths: %+v", rename)
	}
	update := third[1]
	if update.SourceID != "a" || update.LocalPath != "/Team Drive/published/archive/a.pdf" || update.OldPath != "/Team Drive/published/reports/a.pdf" {
		t.Fatalf("unexpected path update: %+v", update)
	}
	record, _ := h.identities.get("a")
	if record.LocalPath != "/Team Drive/published/archive/a.pdf" || record.ContentChecksum != "c2" {
		t.Fatalf("unexpected identity record after cascade: %+v", record)
	}
}

func TestNewCollectionIsBootstrappedAlone(t *testing.T) {
	h := newHarness(t)
	h.tree.addFile("a", "a.pdf", "pub", "c1")
	h.cycle(t)

	h.tree.addCollection("d2", "Finance")
	h.tree.addFolder("pub2", "published", "d2")
	h.tree.addFile("b", "b.pdf", "pub2", "c1")

	report, requests := h.cycle(t)
	if len(requests) != 1 || requests[0].SourceID != "b" || requests[0].Kind != ActionDownload {
		t.Fatalf("expected only the new collection to bootstrap, got %s", kinds(requests))
	}
	if requests[0].LocalPath != "/Finance/published/b.pdf" {
		t.Fatalf("unexpected path %q", requests[0].LocalPath)
	}
	modes := map[string]string{}
	for _, collection := range report.Collections {
		modes[collection.CollectionID] = collection.Mode
	}
	if modes["d1"] != modeIncremental || modes["d2"] != modeBootstrap {
		t.Fatalf("unexpected modes %+v", modes)
	}
	if got := h.checkpoints.get("d2"); got != "start_d2" {
		t.Fatalf("expected new collection cursor, got %q", got)
	}
}

func TestCollectionWithoutPublishedRootStillGetsCursor(t *testing.T) {
	h := newHarness(t)
	h.tree.addCollection("d2", "Scratch")
	h.tree.addFile("x", "x.pdf", "d2", "c1")

	_, requests := h.cycle(t)
	for _, req := range requests {
		if req.CollectionID == "d2" {
			t.Fatalf("expected nothing from a collection without published root, got %+v", req)
		}
	}
	if got := h.checkpoints.get("d2"); got != "start_d2" {
		t.Fatalf("expected cursor for d2, got %q", got)
	}
}

func TestPagedFeedSavesCursorPerPage(t *testing.T) {
	h := newHarness(t)
	h.cycle(t)
	one := h.tree.addFile("one", "one.pdf", "pub", "c1")
	two := h.tree.addFile("two", "two.pdf", "pub", "c1")
	h.tree.setFeed("d1", "start_d1", ChangePage{Changes: []ChangeRecord{{Item: one}}, NextPageToken: "p2"})
	h.tree.setFeed("d1", "p2", ChangePage{Changes: []ChangeRecord{{Item: two}}, NewStartCursor: "s9"})

	report, requests := h.cycle(t)
	if countKind(requests, ActionDownload) != 2 {
		t.Fatalf("expected two downloads, got %s", kinds(requests))
	}
	if report.Collections[0].Pages != 2 {
		t.Fatalf("expected 2 pages, got %d", report.Collections[0].Pages)
	}
	if got := h.checkpoints.get("d1"); got != "s9" {
		t.Fatalf("expected final cursor s9, got %q", got)
	}
}

func TestItemErrorHoldsCursorButFinishesPage(t *testing.T) {
	h := newHarness(t)
	h.tree.addFolder("f_reports", "reports", "pub")
	h.cycle(t)

	broken := h.tree.addFile("broken", "broken.pdf", "f_reports", "c1")
	fine := h.tree.addFile("fine", "fine.pdf", "pub", "c1")
	h.tree.getItemErr["f_reports"] = errTransport
	h.tree.setFeed("d1", "start_d1", ChangePage{Changes: []ChangeRecord{{Item: broken}, {Item: fine}}, NewStartCursor: "s2"})

	report, err := h.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("per-item errors must not fail the cycle: %v", err)
	}
	requests := h.dispatcher.take()
	if len(requests) != 1 || requests[0].SourceID != "fine" {
		t.Fatalf("expected the healthy change to dispatch, got %s", kinds(requests))
	}
	collection := report.Collections[0]
	if !collection.Held || collection.ItemErrors != 1 {
		t.Fatalf("expected held cursor with one item error, got %+v", collection)
	}
	if got := h.checkpoints.get("d1"); got != "start_d1" {
		t.Fatalf("expected cursor to stay on the failing page, got %q", got)
	}

	delete(h.tree.getItemErr, "f_reports")
	_, retried := h.cycle(t)
	if len(retried) != 1 || retried[0].SourceID != "broken" {
		t.Fatalf("expected only the failed change on retry, got %s", kinds(retried))
	}
	if got := h.checkpoints.get("d1"); got != "s2" {
		t.Fatalf("expected cursor to advance after retry, got %q", got)
	}
}

func TestCheckpointWriteFailureAbortsCollectionAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.tree.addFile("a", "a.pdf", "pub", "c1")
	h.checkpoints.saveErr = errors.New("disk full")

	report, err := h.engine.RunCycle(context.Background())
	if !errors.Is(err, ErrCycleIncomplete) {
		t.Fatalf("expected incomplete cycle, got %v", err)
	}
	if report.Collections[0].Error == "" {
		t.Fatalf("expected collection error in report")
	}
	if len(h.notifier.failures) != 1 || h.notifier.failures[0].Stage != stageSaveCheckpoint {
		t.Fatalf("expected one save_checkpoint notification, got %+v", h.notifier.failures)
	}
	if got := h.checkpoints.get("d1"); got != "" {
		t.Fatalf("expected no cursor, got %q", got)
	}
}

func TestUnreadableCheckpointFailsLoudly(t *testing.T) {
	h := newHarness(t)
	h.checkpoints.loadErr = errors.New("corrupt checkpoint file")

	_, err := h.engine.RunCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "corrupt checkpoint file") {
		t.Fatalf("expected load failure, got %v", err)
	}
	if len(h.dispatcher.take()) != 0 {
		t.Fatalf("expected no actions when state is unreadable")
	}
}

func TestDispatchFailureLeavesCursorUntouched(t *testing.T) {
	h := newHarness(t)
	h.cycle(t)
	file := h.tree.addFile("a", "a.pdf", "pub", "c1")
	h.tree.setFeed("d1", "start_d1", ChangePage{Changes: []ChangeRecord{{Item: file}}, NewStartCursor: "s2"})
	h.dispatcher.err = errors.New("queue full")

	if _, err := h.engine.RunCycle(context.Background()); err == nil {
		t.Fatalf("expected dispatch failure to fail the cycle")
	}
	if got := h.checkpoints.get("d1"); got != "start_d1" {
		t.Fatalf("expected cursor to stay, got %q", got)
	}
	if _, ok := h.identities.get("a"); ok {
		t.Fatalf("expected no identity record for undispatched item")
	}
}

func TestListCollectionsFailureNotifies(t *testing.T) {
	h := newHarness(t)
	h.tree.collectionErr = errTransport

	if _, err := h.engine.RunCycle(context.Background()); !errors.Is(err, errTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(h.notifier.failures) != 1 || h.notifier.failures[0].Stage != stageListCollections {
		t.Fatalf("expected list_collections notification, got %+v", h.notifier.failures)
	}
	last, ok := h.engine.LastReport()
	if !ok || last.Error == "" {
		t.Fatalf("expected failed report to be retained, got %+v", last)
	}
}

func TestResolverFailureNotifies(t *testing.T) {
	h := newHarness(t)
	errCache := errors.New("cache unavailable")
	h.engine.newResolver = func(RemoteTree, map[string]string, int, int) (*Resolver, error) {
		return nil, errCache
	}

	if _, err := h.engine.RunCycle(context.Background()); !errors.Is(err, errCache) {
		t.Fatalf("expected resolver error, got %v", err)
	}
	if len(h.notifier.failures) != 1 || h.notifier.failures[0].Stage != stageResolver {
		t.Fatalf("expected resolver notification, got %+v", h.notifier.failures)
	}
	last, ok := h.engine.LastReport()
	if !ok || last.Error == "" || last.FinishedAt.IsZero() {
		t.Fatalf("expected failed report to be retained, got %+v", last)
	}
	if got := h.checkpoints.get("d1"); got != "" {
		t.Fatalf("expected no checkpoint after failed cycle, got %q", got)
	}
}

type expiringTree struct {
	*fakeTree
	expired bool
}

func (t *expiringTree) GetChanges(ctx context.Context, cursor, collectionID string) (ChangePage, error) {
	if t.expired {
		return ChangePage{}, ErrCursorExpired
	}
	return t.fakeTree.GetChanges(ctx, cursor, collectionID)
}

func TestExpiredCursorBootstrapsAgainWithoutDuplicates(t *testing.T) {
	h := newHarness(t)
	h.tree.addFile("a", "a.pdf", "pub", "c1")
	tree := &expiringTree{fakeTree: h.tree}
	engine, err := NewEngine(tree, h.checkpoints, h.identities, h.dispatcher, Options{})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if _, err := engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	h.dispatcher.take()

	tree.expired = true
	h.tree.addFile("b", "b.pdf", "pub", "c1")
	h.tree.startCursor["d1"] = "fresh"
	report, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	requests := h.dispatcher.take()
	if len(requests) != 1 || requests[0].SourceID != "b" {
		t.Fatalf("expected only the unseen file, got %s", kinds(requests))
	}
	if report.Collections[0].Mode != modeBootstrap || h.checkpoints.get("d1") != "fresh" {
		t.Fatalf("expected re-bootstrap to fresh cursor, got %+v", report.Collections[0])
	}
}

func TestRunCycleRejectsOverlap(t *testing.T) {
	h := newHarness(t)
	h.engine.running.Lock()
	defer h.engine.running.Unlock()
	if _, err := h.engine.RunCycle(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("expected ErrCycleRunning, got %v", err)
	}
}

func TestConcurrentCollectionsShareNothingMutable(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"d2", "d3", "d4"} {
		h.tree.addCollection(id, "Drive "+id)
		h.tree.addFolder("pub_"+id, "published", id)
		h.tree.addFile("file_"+id, "f.pdf", "pub_"+id, "c1")
	}
	engine, err := NewEngine(h.tree, h.checkpoints, h.identities, h.dispatcher, Options{Concurrency: 4})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	report, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if got := report.ActionCount(ActionDownload); got != 3 {
		t.Fatalf("expected 3 downloads, got %d", got)
	}
	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		if h.checkpoints.get(id) == "" {
			t.Fatalf("expected cursor for %s", id)
		}
	}
}
