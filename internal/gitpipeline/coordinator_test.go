package gitpipeline

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	remote := filepath.Join(t.TempDir(), "origin.git")

	shIn := func(d string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = d
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	shIn(t.TempDir(), "init", "--bare", remote)
	shIn(dir, "init", "-b", "main")
	shIn(dir, "config", "user.email", "test@example.com")
	shIn(dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	shIn(dir, "add", "-A")
	shIn(dir, "commit", "-m", "initial")
	shIn(dir, "remote", "add", "origin", remote)
	shIn(dir, "push", "-u", "origin", "main")
	return dir
}

func TestValidateBranchNameRejectsUnsafe(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"cursorflow/abc123-xyz", true},
		{"feature/my-task", true},
		{"has..dotdot", false},
		{"has space", false},
		{"has;semicolon", false},
		{"", false},
	}
	for _, c := range cases {
		err := ValidateBranchName(c.name)
		if c.ok {
			require.NoError(t, err, c.name)
		} else {
			require.Error(t, err, c.name)
		}
	}
}

func TestCurrentBranch(t *testing.T) {
	dir := initRepo(t)
	branch, err := CurrentBranch(dir)
	require.NoError(t, err)
	require.Equal(t, "main", branch)
}

func TestEnsureWorktreeCreatesAndIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	c := New(repo)
	wtDir := WorktreePath(repo, "cursorflow/abc123-xyz")

	require.NoError(t, c.EnsureWorktree(wtDir, "cursorflow/abc123-xyz", "main"))
	require.DirExists(t, wtDir)

	// Idempotent: calling again against the now-valid worktree should not error.
	require.NoError(t, c.EnsureWorktree(wtDir, "cursorflow/abc123-xyz", "main"))
}

func TestForkAndMergeTaskBranch(t *testing.T) {
	repo := initRepo(t)
	c := New(repo)
	pipelineBranch := "cursorflow/run1"
	wtDir := WorktreePath(repo, pipelineBranch)
	require.NoError(t, c.EnsureWorktree(wtDir, pipelineBranch, "main"))

	require.NoError(t, c.ForkTaskBranch(wtDir, pipelineBranch+"--01-a", pipelineBranch))

	require.NoError(t, os.WriteFile(filepath.Join(wtDir, "task-a.txt"), []byte("work\n"), 0644))
	sh := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = wtDir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	sh("add", "-A")
	sh("commit", "-m", "task a work")

	result, err := c.MergeTaskIntoPipeline(wtDir, "a", pipelineBranch+"--01-a", pipelineBranch)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.FileExists(t, filepath.Join(wtDir, "task-a.txt"))
}

func TestFinalizeFlowBranchRenamesOnPushRejection(t *testing.T) {
	repo := initRepo(t)
	c := New(repo)
	pipelineBranch := "cursorflow/run2"
	wtDir := WorktreePath(repo, pipelineBranch)
	require.NoError(t, c.EnsureWorktree(wtDir, pipelineBranch, "main"))

	sh := func(d string, args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = d
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
		return string(out)
	}
	sh(wtDir, "push", "-u", "origin", pipelineBranch)

	// Race a second clone that pushes "lanefoo" first, so this repo's own
	// push of the same flow branch name arrives as a non-fast-forward.
	origin := sh(repo, "remote", "get-url", "origin")
	origin = origin[:len(origin)-1]
	other := t.TempDir()
	sh(other, "clone", origin, other)
	require.NoError(t, os.WriteFile(filepath.Join(other, "other.txt"), []byte("x\n"), 0644))
	sh(other, "checkout", "-b", "lanefoo")
	sh(other, "add", "-A")
	sh(other, "commit", "-m", "unrelated work on lanefoo")
	sh(other, "push", "origin", "lanefoo")

	final, err := c.FinalizeFlowBranch(wtDir, "lanefoo", pipelineBranch)
	require.NoError(t, err)
	require.NotEqual(t, "lanefoo", final)
	require.Contains(t, final, "lanefoo-")

	remoteBranches := sh(repo, "ls-remote", "--heads", "origin")
	require.Contains(t, remoteBranches, "refs/heads/lanefoo\n")
	require.Contains(t, remoteBranches, "refs/heads/"+final)
	require.Contains(t, remoteBranches, "refs/heads/"+pipelineBranch)
}
