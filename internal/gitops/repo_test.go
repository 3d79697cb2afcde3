package gitops

import (
	"os"
	"path/filepath"
	"testing"
)

// setupTestRepo initializes a repository with one committed file
func setupTestRepo(t *testing.T) (*Repo, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := Init(dir)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	writeFile(t, dir, "README.md", "hello\n")
	if err := repo.Add("README.md"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := repo.Commit("initial commit", "Test User", "test@example.com"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return repo, dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestStatusCleanAfterCommit(t *testing.T) {
	repo, _ := setupTestRepo(t)

	status, err := repo.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.IsClean {
		t.Errorf("expected clean worktree, got %+v", status)
	}
	if status.Branch == "" {
		t.Error("expected a branch name")
	}
}

func TestStatusTracksChanges(t *testing.T) {
	repo, dir := setupTestRepo(t)

	writeFile(t, dir, "README.md", "changed\n")
	writeFile(t, dir, "new.txt", "untracked\n")

	status, err := repo.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status.Modified) != 1 || status.Modified[0].Path != "README.md" {
		t.Errorf("modified = %+v, want README.md", status.Modified)
	}
	if len(status.Untracked) != 1 || status.Untracked[0].Path != "new.txt" {
		t.Errorf("untracked = %+v, want new.txt", status.Untracked)
	}
}

func TestAddAndCommit(t *testing.T) {
	repo, dir := setupTestRepo(t)

	writeFile(t, dir, "feature.go", "package feature\n")
	if err := repo.Add("feature.go"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	hash, err := repo.Commit("add feature", "Test User", "test@example.com")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(hash) != 40 {
		t.Errorf("unexpected commit hash %q", hash)
	}

	status, err := repo.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.IsClean {
		t.Errorf("worktree not clean after commit: %+v", status)
	}
}

func TestLog(t *testing.T) {
	repo, dir := setupTestRepo(t)

	writeFile(t, dir, "second.txt", "two\n")
	if err := repo.Add("second.txt"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := repo.Commit("second commit", "Test User", "test@example.com"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	commits, err := repo.Log(10)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].Message != "second commit" {
		t.Errorf("newest commit first expected, got %q", commits[0].Message)
	}

	limited, err := repo.Log(1)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d commits", len(limited))
	}
}

func TestRunRejectsExcludedOperations(t *testing.T) {
	repo, _ := setupTestRepo(t)

	for _, op := range []string{"push", "pull", "merge", "rebase", "reset"} {
		t.Run(op, func(t *testing.T) {
			if _, err := repo.Run(op); err == nil {
				t.Errorf("git %s should be rejected", op)
			}
		})
	}
}

func TestOpenMissingRepo(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Error("expected error opening a non-repository directory")
	}
}
