// Package git implements the pipeline's VCS operations by shelling out to
// git, one worktree per task so concurrent agents never share a checkout.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/common/procutil"
	"github.com/conveyorhq/conveyor/internal/vcs"
)

const (
	commitAuthorName  = "Conveyor"
	commitAuthorEmail = "pipeline@conveyor.dev"
)

// Manager runs git (and gh, for pull requests) against watched repositories.
// Worktree mutations are serialized per repository; operations inside a
// task's own worktree run unlocked because no other task touches it.
type Manager struct {
	cfg    config.WorktreeConfig
	logger *logger.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewManager creates a worktree-backed VCS manager.
func NewManager(cfg config.WorktreeConfig, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "vcs")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

var _ vcs.VCS = (*Manager)(nil)

// getRepoLock returns the mutex guarding worktree mutations for a repository.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// WorktreePath returns the deterministic worktree directory for a task.
func (m *Manager) WorktreePath(repo string, taskID int64) (string, error) {
	basePath, err := ExpandBasePath(m.cfg.BasePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, WorktreeName(repo, taskID)), nil
}

// CreateWorktree allocates the task-scoped worktree, or resumes it when the
// directory already exists from an earlier attempt. A corrupted leftover
// directory is torn down and replaced with a fresh branch.
func (m *Manager) CreateWorktree(ctx context.Context, repo string, taskID int64, title string) (*vcs.Worktree, error) {
	if !isGitRepo(repo) {
		return nil, fmt.Errorf("%w: %s", vcs.ErrRepoNotGit, repo)
	}

	lock := m.getRepoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	worktreePath, err := m.WorktreePath(repo, taskID)
	if err != nil {
		return nil, err
	}

	if IsValid(worktreePath) {
		branch, err := m.currentBranch(ctx, worktreePath)
		if err != nil {
			return nil, err
		}
		m.logger.Debug("resuming existing worktree",
			zap.Int64("task_id", taskID),
			zap.String("path", worktreePath),
			zap.String("branch", branch))
		return &vcs.Worktree{Path: worktreePath, Branch: branch}, nil
	}

	if _, statErr := os.Stat(worktreePath); statErr == nil {
		m.logger.Warn("removing corrupted worktree directory",
			zap.Int64("task_id", taskID),
			zap.String("path", worktreePath))
		if err := m.removeWorktreeDir(ctx, worktreePath, repo); err != nil {
			return nil, fmt.Errorf("%w: %v", vcs.ErrWorktreeCorrupted, err)
		}
	}

	base := m.cfg.DefaultBranch
	if rc, err := config.LoadRepoConfig(repo); err == nil && rc != nil && rc.BaseBranch != "" {
		base = rc.BaseBranch
	}
	if !m.branchExists(repo, base) {
		return nil, fmt.Errorf("%w: %s", vcs.ErrInvalidBaseBranch, base)
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	branch := SemanticBranchName(m.cfg.BranchPrefix, title, taskID)

	// git worktree add -b <branch> <path> <base-branch>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branch,
		worktreePath,
		base)
	cmd.Dir = repo

	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("output", string(output)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", vcs.ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	m.logger.Info("created worktree",
		zap.Int64("task_id", taskID),
		zap.String("path", worktreePath),
		zap.String("branch", branch))

	return &vcs.Worktree{Path: worktreePath, Branch: branch}, nil
}

// RemoveWorktree tears down the task's worktree and deletes its branch.
func (m *Manager) RemoveWorktree(ctx context.Context, repo string, taskID int64) error {
	lock := m.getRepoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	worktreePath, err := m.WorktreePath(repo, taskID)
	if err != nil {
		return err
	}

	if _, err := os.Stat(worktreePath); err != nil {
		return fmt.Errorf("%w: %s", vcs.ErrWorktreeNotFound, worktreePath)
	}

	// Branch lookup is best effort; a corrupted worktree has no branch to
	// clean up.
	branch, _ := m.currentBranch(ctx, worktreePath)

	if err := m.removeWorktreeDir(ctx, worktreePath, repo); err != nil {
		return err
	}

	if branch != "" && branch != "HEAD" {
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", branch)
		cmd.Dir = repo
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Debug("branch delete failed",
				zap.String("branch", branch),
				zap.String("output", string(output)),
				zap.Error(err))
		}
	}

	m.logger.Info("removed worktree",
		zap.Int64("task_id", taskID),
		zap.String("path", worktreePath))
	return nil
}

// Commit stages everything in dir and commits. Returns false when the tree
// is clean.
func (m *Manager) Commit(ctx context.Context, dir, message string) (bool, error) {
	if _, err := m.runGit(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}

	status, err := m.runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	_, err = m.runGit(ctx, dir,
		"-c", "user.name="+commitAuthorName,
		"-c", "user.email="+commitAuthorEmail,
		"commit", "-m", message)
	if err != nil {
		return false, err
	}
	return true, nil
}

// RunTests executes command through the shell in dir. The exit code is part
// of the result; only a failure to run the shell itself is an error.
func (m *Manager) RunTests(ctx context.Context, dir, command string) (*vcs.TestResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run test command: %w", err)
		}
	}

	return &vcs.TestResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: procutil.ExitCode(err),
	}, nil
}

// Rebase replays dir's branch onto base, aborting on conflict.
func (m *Manager) Rebase(ctx context.Context, dir, base string) error {
	output, err := m.runGit(ctx, dir, "rebase", base)
	if err == nil {
		return nil
	}

	if isConflict(output) {
		if _, abortErr := m.runGit(ctx, dir, "rebase", "--abort"); abortErr != nil {
			m.logger.Warn("rebase abort failed", zap.Error(abortErr))
		}
		return fmt.Errorf("%w: rebasing onto %s", vcs.ErrRebaseConflict, base)
	}
	return err
}

// OpenPR pushes the branch and opens a pull request via gh. With autoMerge
// the request is flagged to merge once checks pass.
func (m *Manager) OpenPR(ctx context.Context, dir, branch, title string, autoMerge bool) error {
	// Rebased branches rewrite history, so the push must be forced. The
	// lease keeps us from clobbering anything pushed outside the pipeline.
	if _, err := m.runGit(ctx, dir, "push", "-u", "--force-with-lease", "origin", branch); err != nil {
		return err
	}

	if output, err := m.runTool(ctx, dir, "gh", "pr", "create",
		"--head", branch,
		"--title", title,
		"--body", "Automated change produced by the conveyor pipeline."); err != nil {
		// A rebase re-run hits the PR opened on the first pass; the push
		// above already refreshed it.
		if !strings.Contains(output, "already exists") {
			return err
		}
		m.logger.Debug("pull request already open", zap.String("branch", branch))
	}

	if autoMerge {
		if output, err := m.runTool(ctx, dir, "gh", "pr", "merge", "--auto", "--squash", branch); err != nil {
			// Auto-merge needs repo settings we do not control; the PR
			// itself is open, so log and move on.
			m.logger.Warn("auto-merge not enabled for pull request",
				zap.String("branch", branch),
				zap.String("output", output),
				zap.Error(err))
		}
	}

	m.logger.Info("opened pull request",
		zap.String("branch", branch),
		zap.String("title", title))
	return nil
}

// ListTrackedFiles returns the repo-relative paths git tracks in dir.
func (m *Manager) ListTrackedFiles(ctx context.Context, dir string) ([]string, error) {
	output, err := m.runGit(ctx, dir, "ls-files")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// ResetWorktree discards uncommitted changes and untracked files in dir.
func (m *Manager) ResetWorktree(ctx context.Context, dir string) error {
	if _, err := m.runGit(ctx, dir, "reset", "--hard"); err != nil {
		return err
	}
	_, err := m.runGit(ctx, dir, "clean", "-fd")
	return err
}

// IsValid reports whether path looks like a healthy linked worktree.
func IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	// Linked worktrees have a .git file, not a directory.
	gitFile := filepath.Join(path, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}

	return strings.HasPrefix(string(content), "gitdir:")
}

// runGit runs git with args in dir and returns its combined output.
func (m *Manager) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	return m.runTool(ctx, dir, "git", args...)
}

func (m *Manager) runTool(ctx context.Context, dir, tool string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s %s: %s",
			vcs.ErrGitCommandFailed, tool, strings.Join(args, " "),
			strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func (m *Manager) currentBranch(ctx context.Context, dir string) (string, error) {
	output, err := m.runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	err := cmd.Run()
	return err == nil
}

// removeWorktreeDir removes a worktree directory, falling back to direct
// removal plus prune when git refuses.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}

		cmd = exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		if err := cmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

func isGitRepo(path string) bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = path
	return cmd.Run() == nil
}

func isConflict(output string) bool {
	return strings.Contains(output, "CONFLICT") ||
		strings.Contains(output, "could not apply") ||
		strings.Contains(output, "needs merge")
}
