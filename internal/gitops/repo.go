package gitops

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"agentward/internal/workspace"
)

// Repo is the execution arm for agent git operations. It only performs
// local, history-preserving operations; push, pull, merge, rebase, and reset
// are rejected here regardless of what the caller asks for, mirroring the
// permission layer.
type Repo struct {
	path string
	repo *git.Repository
}

// FileStatus is the state of a single file in the worktree
type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"` // modified, added, deleted, untracked, ...
}

// RepoStatus is a snapshot of the repository state
type RepoStatus struct {
	Branch    string       `json:"branch"`
	Modified  []FileStatus `json:"modified"`
	Staged    []FileStatus `json:"staged"`
	Untracked []FileStatus `json:"untracked"`
	IsClean   bool         `json:"is_clean"`
}

// CommitInfo is one entry of the commit log
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// Open opens the git repository at the given path
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open git repository: %w", err)
	}
	return &Repo{path: path, repo: repo}, nil
}

// Init creates a new repository at the given path
func Init(path string) (*Repo, error) {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init git repository: %w", err)
	}
	return &Repo{path: path, repo: repo}, nil
}

// Status returns the current worktree status
func (r *Repo) Status() (*RepoStatus, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}

	branch, err := r.CurrentBranch()
	if err != nil {
		branch = "" // empty repo has no branch yet
	}

	repoStatus := &RepoStatus{
		Branch:    branch,
		Modified:  make([]FileStatus, 0),
		Staged:    make([]FileStatus, 0),
		Untracked: make([]FileStatus, 0),
		IsClean:   status.IsClean(),
	}

	for path, fileStatus := range status {
		fs := FileStatus{Path: path}

		if fileStatus.Staging != git.Unmodified && fileStatus.Staging != git.Untracked {
			fs.Status = mapStatusCode(fileStatus.Staging)
			repoStatus.Staged = append(repoStatus.Staged, fs)
		}

		if fileStatus.Worktree == git.Untracked {
			fs.Status = "untracked"
			repoStatus.Untracked = append(repoStatus.Untracked, fs)
		} else if fileStatus.Worktree != git.Unmodified {
			fs.Status = mapStatusCode(fileStatus.Worktree)
			repoStatus.Modified = append(repoStatus.Modified, fs)
		}
	}

	return repoStatus, nil
}

func mapStatusCode(code git.StatusCode) string {
	switch code {
	case git.Unmodified:
		return "unmodified"
	case git.Untracked:
		return "untracked"
	case git.Modified:
		return "modified"
	case git.Added:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed:
		return "renamed"
	case git.Copied:
		return "copied"
	case git.UpdatedButUnmerged:
		return "updated-but-unmerged"
	default:
		return "unknown"
	}
}

// CurrentBranch returns the short name of the checked-out branch
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("get HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached")
	}
	return head.Name().Short(), nil
}

// Add stages the given paths
func (r *Repo) Add(paths ...string) error {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	for _, p := range paths {
		if _, err := worktree.Add(p); err != nil {
			return fmt.Errorf("stage %s: %w", p, err)
		}
	}
	return nil
}

// Commit records the staged changes and returns the commit hash
func (r *Repo) Commit(message, authorName, authorEmail string) (string, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("get worktree: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// Log returns up to limit commits starting from HEAD
func (r *Repo) Log(limit int) ([]CommitInfo, error) {
	iter, err := r.repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var commits []CommitInfo
	for limit <= 0 || len(commits) < limit {
		c, err := iter.Next()
		if err != nil {
			break
		}
		commits = append(commits, CommitInfo{
			Hash:    c.Hash.String(),
			Author:  c.Author.Name,
			Message: strings.TrimSpace(c.Message),
			When:    c.Author.When,
		})
	}
	return commits, nil
}

// Run executes a git subcommand after checking it against the permanent
// exclusion list. Used for operations go-git does not cover well (diff,
// stash).
func (r *Repo) Run(args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("no git operation given")
	}
	if workspace.GitOpExcluded(args[0]) {
		return "", fmt.Errorf("git %s is not permitted", args[0])
	}

	cmd := exec.Command("git", args...)
	cmd.Dir = r.path

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w, stderr: %s", args[0], err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Diff returns the unstaged diff, or the staged diff when cached is true
func (r *Repo) Diff(cached bool) (string, error) {
	args := []string{"diff"}
	if cached {
		args = append(args, "--cached")
	}
	return r.Run(args...)
}
