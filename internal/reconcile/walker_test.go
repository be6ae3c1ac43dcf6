package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWalkIsPreOrderAcrossPages(t *testing.T) {
	tree := newFakeTree()
	tree.addCollection("d1", "Team Drive")
	tree.addFolder("root", "published", "d1")
	tree.addFolder("a", "a", "root")
	tree.addFile("a1", "a1.pdf", "a", "c")
	tree.addFile("a2", "a2.pdf", "a", "c")
	tree.addFile("a3", "a3.pdf", "a", "c")
	tree.addFolder("b", "b", "root")
	tree.addFolder("b1", "b1", "b")
	tree.addFile("b1x", "x.pdf", "b1", "c")
	tree.addFile("c", "c.pdf", "root", "c")
	tree.pageSize = 1

	var got []string
	err := NewWalker(tree, 0).Walk(context.Background(), "root", "d1", "/Team Drive/published", func(node Node) error {
		got = append(got, fmt.Sprintf("%s@%d", node.Path, node.Depth))
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	want := []string{
		"/Team Drive/published/a@1",
		"/Team Drive/published/a/a1.pdf@2",
		"/Team Drive/published/a/a2.pdf@2",
		"/Team Drive/published/a/a3.pdf@2",
		"/Team Drive/published/b@1",
		"/Team Drive/published/b/b1@2",
		"/Team Drive/published/b/b1/x.pdf@3",
		"/Team Drive/published/c.pdf@1",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d nodes, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("node %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestWalkSkipsTrashedAndIneligible(t *testing.T) {
	tree := newFakeTree()
	tree.addFolder("root", "published", "d1")
	trashed := tree.addFile("t", "t.pdf", "root", "c")
	trashed.Trashed = true
	tree.put(trashed)
	form := tree.addFile("form", "Survey", "root", "")
	form.MimeType = "application/vnd.google-apps.form"
	tree.put(form)
	tree.addFile("ok", "ok.pdf", "root", "c")

	files, err := NewWalker(tree, 0).ListDescendantFiles(context.Background(), "root", "d1", "/x")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(files) != 1 || files[0].Item.ID != "ok" {
		t.Fatalf("expected only ok.pdf, got %+v", files)
	}
}

func TestWalkBoundsDepth(t *testing.T) {
	tree := newFakeTree()
	tree.addFolder("root", "published", "d1")
	parent := "root"
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("f%d", i)
		tree.addFolder(id, id, parent)
		parent = id
	}
	err := NewWalker(tree, 3).Walk(context.Background(), "root", "d1", "/x", func(Node) error { return nil })
	if !errors.Is(err, ErrTreeTooDeep) {
		t.Fatalf("expected ErrTreeTooDeep, got %v", err)
	}
}

func TestWalkStopsOnVisitError(t *testing.T) {
	tree := newFakeTree()
	tree.addFolder("root", "published", "d1")
	tree.addFile("a", "a.pdf", "root", "c")
	tree.addFile("b", "b.pdf", "root", "c")

	visits := 0
	stop := errors.New("stop")
	err := NewWalker(tree, 0).Walk(context.Background(), "root", "d1", "/x", func(Node) error {
		visits++
		return stop
	})
	if !errors.Is(err, stop) || visits != 1 {
		t.Fatalf("expected walk to stop after first visit, got visits=%d err=%v", visits, err)
	}
}
