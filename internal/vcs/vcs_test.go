package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// newBareRepoPair sets up a bare "origin" repo plus a local clone with an
// initial commit on main, standing in for a registered Project's repo_dir.
func newBareRepoPair(t *testing.T) (origin, clone string) {
	t.Helper()
	root := t.TempDir()
	origin = filepath.Join(root, "origin.git")
	clone = filepath.Join(root, "clone")

	runGit(t, root, "init", "--bare", origin)

	scratch := filepath.Join(root, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	runGit(t, scratch, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "README.md"), []byte("hello"), 0o644))
	runGit(t, scratch, "add", "-A")
	runGit(t, scratch, "commit", "-m", "initial commit")
	runGit(t, scratch, "remote", "add", "origin", origin)
	runGit(t, scratch, "push", "-u", "origin", "main")

	runGit(t, root, "clone", origin, clone)
	runGit(t, clone, "symbolic-ref", "refs/remotes/origin/HEAD", "refs/remotes/origin/main")
	return origin, clone
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	worktrees := t.TempDir()
	return New(worktrees, zerolog.Nop())
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "fix-the-login-bug", slugify("Fix the login bug!!"))
	assert.Equal(t, "a-b-c", slugify("a   b---c"))
	assert.Equal(t, "", slugify("!!!"))
	assert.LessOrEqual(t, len(slugify("this title is extremely long and will definitely need truncation to fit")), slugMaxLen)
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "task-42-add-login-page", BranchName(42, "Add login page"))
}

func TestDefaultBranch(t *testing.T) {
	_, clone := newBareRepoPair(t)
	a := newTestAdapter(t)

	branch, err := a.DefaultBranch(context.Background(), clone)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestCreateWorktree_CommitAndPush_RemoveWorktree(t *testing.T) {
	_, clone := newBareRepoPair(t)
	a := newTestAdapter(t)
	ctx := context.Background()

	path, err := a.CreateWorktree(ctx, clone, "task-1-demo", "main")
	require.NoError(t, err)
	assert.DirExists(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(path, "new.txt"), []byte("content"), 0o644))
	sha, err := a.CommitAndPush(ctx, path, "add new file")
	require.NoError(t, err)
	assert.NotEmpty(t, sha)

	worktrees, err := a.ListWorktrees(ctx, clone)
	require.NoError(t, err)
	assert.Len(t, worktrees, 1)
	assert.Equal(t, "task-1-demo", worktrees[0].Branch)

	require.NoError(t, a.RemoveWorktree(ctx, clone, path))
	assert.NoDirExists(t, path)

	// removing an already-removed worktree succeeds
	require.NoError(t, a.RemoveWorktree(ctx, clone, path))
}

func TestRemoveWorktree_MissingPathSucceeds(t *testing.T) {
	_, clone := newBareRepoPair(t)
	a := newTestAdapter(t)

	require.NoError(t, a.RemoveWorktree(context.Background(), clone, filepath.Join(t.TempDir(), "never-existed")))
}

func TestCommitAndPush_NoopWhenNothingChanged(t *testing.T) {
	_, clone := newBareRepoPair(t)
	a := newTestAdapter(t)
	ctx := context.Background()

	path, err := a.CreateWorktree(ctx, clone, "task-2-noop", "main")
	require.NoError(t, err)

	sha, err := a.CommitAndPush(ctx, path, "no changes")
	require.NoError(t, err)
	assert.NotEmpty(t, sha)
}

func TestCleanupStaleWorktrees_RemovesInactiveBranches(t *testing.T) {
	_, clone := newBareRepoPair(t)
	a := newTestAdapter(t)
	ctx := context.Background()

	keepPath, err := a.CreateWorktree(ctx, clone, "task-3-keep", "main")
	require.NoError(t, err)
	stalePath, err := a.CreateWorktree(ctx, clone, "task-4-stale", "main")
	require.NoError(t, err)

	require.NoError(t, a.CleanupStaleWorktrees(ctx, clone, map[string]bool{"task-3-keep": true}))

	assert.DirExists(t, keepPath)
	assert.NoDirExists(t, stalePath)
}

func TestDeleteBranch_LocalOnly(t *testing.T) {
	_, clone := newBareRepoPair(t)
	a := newTestAdapter(t)
	ctx := context.Background()

	path, err := a.CreateWorktree(ctx, clone, "task-5-branch", "main")
	require.NoError(t, err)
	require.NoError(t, a.RemoveWorktree(ctx, clone, path))

	require.NoError(t, a.DeleteBranch(ctx, clone, "task-5-branch", true))
}

func TestParseGitHubRemote(t *testing.T) {
	owner, repo, err := ParseGitHubRemote("https://github.com/acme/widgets.git")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)

	owner, repo, err = ParseGitHubRemote("git@github.com:acme/widgets.git")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)

	_, _, err = ParseGitHubRemote("https://gitlab.com/acme/widgets.git")
	assert.Error(t, err)
}

func TestCreatePR_WithoutCredentialsErrors(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.CreatePR(context.Background(), t.TempDir(), "owner", "repo", "title", "body")
	assert.Error(t, err)
}
