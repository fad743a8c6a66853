// Package vcs defines the version-control operations the pipeline uses to
// prepare task workspaces, capture agent changes, and integrate finished work.
package vcs

import "context"

// Worktree describes a task-scoped checkout: a dedicated working directory
// on its own branch, isolated from every other in-flight task.
type Worktree struct {
	// Path is the absolute directory the agent works in.
	Path string

	// Branch is the branch checked out at Path.
	Branch string
}

// TestResult carries the separated output of a test command run.
// A non-zero ExitCode is an outcome, not an error.
type TestResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Passed reports whether the test command exited cleanly.
func (r *TestResult) Passed() bool {
	return r.ExitCode == 0
}

// Combined returns stdout followed by stderr, for error capture.
func (r *TestResult) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// VCS is the pipeline's view of version control. The default implementation
// shells out to git (and gh for pull requests); tests substitute fakes.
type VCS interface {
	// CreateWorktree allocates the task-scoped worktree for taskID in repo
	// and returns its branch and path. The call is idempotent: if the
	// worktree already exists it is resumed, and a corrupted leftover is
	// torn down and recreated.
	CreateWorktree(ctx context.Context, repo string, taskID int64, title string) (*Worktree, error)

	// RemoveWorktree tears down the task's worktree and prunes its
	// registration. Removing a worktree that does not exist is an error
	// (ErrWorktreeNotFound).
	RemoveWorktree(ctx context.Context, repo string, taskID int64) error

	// Commit stages all changes in dir and commits them with message.
	// It returns false with a nil error when there is nothing to commit.
	Commit(ctx context.Context, dir, message string) (bool, error)

	// RunTests executes command in dir through the shell and returns the
	// separated output and exit code.
	RunTests(ctx context.Context, dir, command string) (*TestResult, error)

	// Rebase replays the branch checked out in dir onto base. On conflict
	// the rebase is aborted and ErrRebaseConflict returned, leaving the
	// worktree clean.
	Rebase(ctx context.Context, dir, base string) error

	// OpenPR pushes the branch from dir and opens a pull request with the
	// given title. When autoMerge is set the request is flagged to merge
	// automatically once checks pass.
	OpenPR(ctx context.Context, dir, branch, title string, autoMerge bool) error

	// ListTrackedFiles returns the repo-relative paths tracked in dir.
	ListTrackedFiles(ctx context.Context, dir string) ([]string, error)

	// ResetWorktree discards uncommitted changes and untracked files in
	// dir, restoring it to the last commit.
	ResetWorktree(ctx context.Context, dir string) error
}
