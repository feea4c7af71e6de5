// Package vcs handles worktree and branch management via the git CLI, and
// pull request creation via the GitHub REST API.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Subprocess timeouts. Pushes talk to the network and get a longer budget
// than local plumbing commands.
const (
	cmdTimeout  = 30 * time.Second
	pushTimeout = 120 * time.Second
)

// CommandError wraps a failed subprocess invocation with its captured
// stderr.
type CommandError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// Worktree describes one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// Adapter implements VcsAdapter. Operations on distinct repositories are
// independent; operations against the same repository's metadata (branch
// creation, worktree add/remove) are serialized by a per-repo lock.
type Adapter struct {
	worktreesRoot string
	logger        zerolog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	prOpen *ghPRCreator // nil if GitHub App auth is not configured
}

// New builds an Adapter. worktreesRoot is the directory under which every
// branch gets its own worktree subdirectory (<worktreesRoot>/<branch>).
func New(worktreesRoot string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		worktreesRoot: worktreesRoot,
		logger:        logger.With().Str("component", "vcs").Logger(),
		locks:         make(map[string]*sync.Mutex),
	}
}

// WithGitHubPRCreator attaches PR-creation capability. Without it, CreatePR
// returns an error — a project registered without GitHub App credentials
// simply cannot open PRs, which callers surface as a failed task.
func (a *Adapter) WithGitHubPRCreator(c *ghPRCreator) *Adapter {
	a.prOpen = c
	return a
}

func (a *Adapter) repoLock(repoDir string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[repoDir]
	if !ok {
		l = &sync.Mutex{}
		a.locks[repoDir] = l
	}
	return l
}

func (a *Adapter) run(ctx context.Context, dir string, args ...string) (string, error) {
	return a.runTimeout(ctx, cmdTimeout, dir, args...)
}

func (a *Adapter) runTimeout(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return "", &CommandError{Cmd: "git " + strings.Join(args, " "), Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// DefaultBranch resolves the remote's default branch: symbolic-ref first,
// then `remote show origin`, then the currently checked-out branch.
func (a *Adapter) DefaultBranch(ctx context.Context, repoDir string) (string, error) {
	if out, err := a.run(ctx, repoDir, "symbolic-ref", "refs/remotes/origin/HEAD", "--short"); err == nil {
		if idx := strings.LastIndex(out, "/"); idx >= 0 {
			return out[idx+1:], nil
		}
	}

	if out, err := a.run(ctx, repoDir, "remote", "show", "origin"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "HEAD branch:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "HEAD branch:")), nil
			}
		}
	}

	if out, err := a.run(ctx, repoDir, "branch", "--show-current"); err == nil && out != "" {
		return out, nil
	}

	return "main", nil
}

// CreateWorktree fetches the remote, fast-forwards the local ref for base
// to match origin, and adds a new worktree under <worktreesRoot>/<branch>
// on a freshly created branch. Returns the worktree path.
func (a *Adapter) CreateWorktree(ctx context.Context, repoDir, branch, base string) (string, error) {
	lock := a.repoLock(repoDir)
	lock.Lock()
	defer lock.Unlock()

	if _, err := a.run(ctx, repoDir, "fetch", "origin", "--prune"); err != nil {
		return "", fmt.Errorf("fetch origin: %w", err)
	}

	if _, err := a.run(ctx, repoDir, "update-ref", "refs/heads/"+base, "refs/remotes/origin/"+base); err != nil {
		return "", fmt.Errorf("update-ref %s: %w", base, err)
	}

	path := filepath.Join(a.worktreesRoot, branch)
	if _, err := a.run(ctx, repoDir, "worktree", "add", "-b", branch, path, "origin/"+base); err != nil {
		return "", fmt.Errorf("worktree add: %w", err)
	}

	a.logger.Info().Str("branch", branch).Str("path", path).Msg("created worktree")
	return path, nil
}

// CommitAndPush stages every change in the worktree, commits if there is
// anything staged, and pushes the branch upstream. Returns the resulting
// commit sha, or the current HEAD sha if there was nothing to commit.
func (a *Adapter) CommitAndPush(ctx context.Context, worktree, message string) (string, error) {
	if _, err := a.run(ctx, worktree, "add", "-A"); err != nil {
		return "", fmt.Errorf("add -A: %w", err)
	}

	diffCmd := exec.CommandContext(ctx, "git", "diff", "--cached", "--quiet")
	diffCmd.Dir = worktree
	nothingToCommit := diffCmd.Run() == nil

	if !nothingToCommit {
		if _, err := a.run(ctx, worktree, "commit", "-m", message); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
	}

	branch, err := a.run(ctx, worktree, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}
	if _, err := a.runTimeout(ctx, pushTimeout, worktree, "push", "-u", "origin", branch); err != nil {
		return "", fmt.Errorf("push: %w", err)
	}

	sha, err := a.run(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return sha, nil
}

// RemoveWorktree force-removes a worktree directory and prunes stale
// administrative metadata. Removing a path that no longer exists succeeds:
// the prune alone reconciles git's bookkeeping.
func (a *Adapter) RemoveWorktree(ctx context.Context, repoDir, worktree string) error {
	lock := a.repoLock(repoDir)
	lock.Lock()
	defer lock.Unlock()

	if _, err := a.run(ctx, repoDir, "worktree", "remove", "--force", worktree); err != nil {
		if _, statErr := os.Stat(worktree); os.IsNotExist(statErr) {
			_, _ = a.run(ctx, repoDir, "worktree", "prune")
			return nil
		}
		return fmt.Errorf("worktree remove: %w", err)
	}
	if _, err := a.run(ctx, repoDir, "worktree", "prune"); err != nil {
		return fmt.Errorf("worktree prune: %w", err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch and, unless localOnly, the
// matching remote branch too. A failure to delete the remote branch (e.g.
// it was already removed) is logged, not returned, since the local delete
// already achieved the caller's goal.
func (a *Adapter) DeleteBranch(ctx context.Context, repoDir, branch string, localOnly bool) error {
	lock := a.repoLock(repoDir)
	lock.Lock()
	defer lock.Unlock()

	if _, err := a.run(ctx, repoDir, "branch", "-D", branch); err != nil {
		return fmt.Errorf("branch -D: %w", err)
	}
	if !localOnly {
		if _, err := a.runTimeout(ctx, pushTimeout, repoDir, "push", "origin", "--delete", branch); err != nil {
			a.logger.Warn().Err(err).Str("branch", branch).Msg("failed to delete remote branch")
		}
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain`, skipping the
// repository's own primary worktree entry.
func (a *Adapter) ListWorktrees(ctx context.Context, repoDir string) ([]Worktree, error) {
	out, err := a.run(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}

	absRepoDir, err := filepath.Abs(repoDir)
	if err != nil {
		absRepoDir = repoDir
	}

	var result []Worktree
	var cur Worktree
	flush := func() {
		if cur.Path == "" {
			return
		}
		if cur.Path != absRepoDir {
			result = append(result, cur)
		}
		cur = Worktree{}
	}

	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case line == "":
			flush()
		}
	}
	flush()

	return result, nil
}

// CleanupStaleWorktrees removes every worktree whose branch is not in
// activeBranches, then prunes. Individual removal failures are logged as
// warnings and do not abort the sweep.
func (a *Adapter) CleanupStaleWorktrees(ctx context.Context, repoDir string, activeBranches map[string]bool) error {
	worktrees, err := a.ListWorktrees(ctx, repoDir)
	if err != nil {
		return fmt.Errorf("listing worktrees: %w", err)
	}

	for _, wt := range worktrees {
		if activeBranches[wt.Branch] {
			continue
		}
		if err := a.RemoveWorktree(ctx, repoDir, wt.Path); err != nil {
			a.logger.Warn().Err(err).Str("path", wt.Path).Str("branch", wt.Branch).
				Msg("failed to remove stale worktree")
		}
	}
	return nil
}

// BranchName composes the canonical branch name for a task, matching the
// Scheduler's execute_next_tasks naming: task-<id>-<slug40>.
func BranchName(taskID int64, title string) string {
	return fmt.Sprintf("task-%s-%s", strconv.FormatInt(taskID, 10), slugify(title))
}

// CreatePR opens a pull request from the worktree's current branch onto the
// repository's default branch. Requires the adapter to have been built
// with WithGitHubPRCreator.
func (a *Adapter) CreatePR(ctx context.Context, worktree, owner, repo, title, body string) (string, error) {
	if a.prOpen == nil {
		return "", fmt.Errorf("vcs: no GitHub App credentials configured, cannot create PRs")
	}

	branch, err := a.run(ctx, worktree, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}

	base, err := a.DefaultBranch(ctx, worktree)
	if err != nil {
		return "", fmt.Errorf("resolving default branch: %w", err)
	}

	return a.prOpen.createPR(ctx, owner, repo, branch, base, title, body)
}
