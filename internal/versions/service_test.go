package versions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func TestDocumentVersionLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Content{Title: "Mutual NDA", Body: "This agreement is made between...", Status: "draft"}
	if err := svc.EnsureRepo("doc-1", initial, "Avery Quinn"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	if err := svc.EnsureRepo("doc-1", Content{Title: "ignored"}, "Avery Quinn"); err != nil {
		t.Fatalf("second EnsureRepo() error = %v", err)
	}

	updated := initial
	updated.Body = "This mutual agreement is made between..."
	version, err := svc.Commit("doc-1", updated, "Avery Quinn", "Tighten recital")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(version.Hash) != 7 || version.Author != "Avery Quinn" {
		t.Fatalf("version = %+v", version)
	}

	history, err := svc.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != version.Hash {
		t.Fatalf("History() = %+v, want newest first with 2 entries", history)
	}

	body, at, err := svc.ContentAt("doc-1", version.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if body != updated || at.Hash != version.Hash {
		t.Fatalf("ContentAt() = %+v %+v", body, at)
	}

	original, _, err := svc.ContentAt("doc-1", history[1].Hash)
	if err != nil {
		t.Fatalf("ContentAt(baseline) error = %v", err)
	}
	if original != initial {
		t.Fatalf("baseline = %+v, want %+v", original, initial)
	}
	if got := ChangedFields(original, body); !reflect.DeepEqual(got, []string{"body"}) {
		t.Fatalf("ChangedFields() = %v", got)
	}
}

func TestCommitUnchangedContentIsNoop(t *testing.T) {
	svc := New(t.TempDir())
	content := Content{Title: "Lease", Body: "Term: 12 months", Status: "draft"}
	if err := svc.EnsureRepo("doc-2", content, "Blake"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if _, err := svc.Commit("doc-2", content, "Blake", "Save"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	history, err := svc.History("doc-2", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("History() len = %d, want 1", len(history))
	}
}

func TestHistoryLimit(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureRepo("doc-3", Content{Title: "v0"}, "Casey"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	for i := 1; i <= 4; i++ {
		if _, err := svc.Commit("doc-3", Content{Title: fmt.Sprintf("v%d", i)}, "Casey", fmt.Sprintf("rev %d", i)); err != nil {
			t.Fatalf("Commit(%d) error = %v", i, err)
		}
	}
	history, err := svc.History("doc-3", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Message != "rev 4" {
		t.Fatalf("History() = %+v", history)
	}
}

func TestMissingRepoAndRevision(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("nope", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("History() error = %v, want ErrNotFound", err)
	}
	if err := svc.EnsureRepo("doc-4", Content{Title: "x"}, "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if _, _, err := svc.ContentAt("doc-4", "abcdef1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ContentAt() error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureRepo("doc-5", Content{Title: "base"}, "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Commit("doc-5", Content{Title: fmt.Sprintf("edit %d", i)}, "Avery", "edit"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Commit() error = %v", err)
	}

	history, err := svc.History("doc-5", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 9 {
		t.Fatalf("History() len = %d, want 9", len(history))
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("Avery Quinn-Lee"); got != "Avery.Quinn.Lee" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
	if got := sanitizeEmail("!!"); got != "user" {
		t.Fatalf("sanitizeEmail() = %q, want user", got)
	}
}

func TestRemoveDropsHistory(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureRepo("doc-9", Content{Title: "Lease"}, "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if err := svc.Remove("doc-9"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := svc.History("doc-9", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("History() error = %v, want ErrNotFound", err)
	}
	if err := svc.Remove("doc-9"); err != nil {
		t.Fatalf("second Remove() error = %v", err)
	}
}
