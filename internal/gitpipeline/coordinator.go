// Package gitpipeline encapsulates every Git operation CursorFlow performs:
// worktree lifecycle, branch forking, dependency merges with pre-conflict
// checks, and flow-branch finalization with rename-on-rejection.
package gitpipeline

import (
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// retry/backoff constants for worktree creation: up to 3 attempts with
// randomized backoff between 500 and 1500 ms.
const (
	worktreeRetryCount = 3
	worktreeBackoffMin = 500 * time.Millisecond
	worktreeBackoffMax = 1500 * time.Millisecond
)

// sleepFunc is swapped out in tests.
var sleepFunc = time.Sleep

// Coordinator wraps git operations for a single repository checkout.
type Coordinator struct {
	RepoRoot string
}

// New returns a Coordinator rooted at repoRoot (the main repo, not a
// worktree).
func New(repoRoot string) *Coordinator {
	return &Coordinator{RepoRoot: repoRoot}
}

// run executes a git command with the given working directory.
func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// HeadSHA returns the full commit hash checked out in dir.
func (c *Coordinator) HeadSHA(dir string) (string, error) {
	return run(dir, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name in dir. CursorFlow
// always uses the current branch as a lane's base branch, never a
// configured one.
func CurrentBranch(dir string) (string, error) {
	return run(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

var branchUnsafe = regexp.MustCompile(`\.\.|[\s$` + "`" + `;|&<>\\]`)

// ValidateBranchName rejects branch names containing "..", whitespace, or
// shell metacharacters.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	if branchUnsafe.MatchString(name) {
		return fmt.Errorf("branch name %q contains unsafe characters", name)
	}
	return nil
}

// flattenBranch turns a branch name into a filesystem-safe directory
// component.
func flattenBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

// WorktreePath returns the conventional worktree directory for a pipeline
// branch
func WorktreePath(repoRoot, pipelineBranch string) string {
	return filepath.Join(repoRoot, "_cursorflow", "worktrees", flattenBranch(pipelineBranch))
}

// IsRegisteredWorktree reports whether path appears in `git worktree list`
// for repoRoot.
func (c *Coordinator) IsRegisteredWorktree(path string) bool {
	out, err := run(c.RepoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	abs, _ := filepath.Abs(path)
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			wt := strings.TrimPrefix(line, "worktree ")
			if wt == abs || wt == path {
				return true
			}
		}
	}
	return false
}

// EnsureWorktree creates or reconnects the worktree for pipelineBranch,
// idempotently.
func (c *Coordinator) EnsureWorktree(worktreeDir, pipelineBranch, baseBranch string) error {
	info, statErr := os.Stat(worktreeDir)

	switch {
	case os.IsNotExist(statErr):
		return c.createWorktreeWithRetry(worktreeDir, pipelineBranch, baseBranch)

	case statErr == nil && info.IsDir() && !c.IsRegisteredWorktree(worktreeDir):
		// Present but not a registered worktree: attempt safe cleanup then recreate.
		_, _ = run(c.RepoRoot, "worktree", "remove", "--force", worktreeDir)
		os.RemoveAll(worktreeDir)
		return c.createWorktreeWithRetry(worktreeDir, pipelineBranch, baseBranch)

	case statErr == nil:
		// Present and valid: just make sure the right branch is checked out.
		_, err := run(worktreeDir, "checkout", pipelineBranch)
		return err

	default:
		return statErr
	}
}

func (c *Coordinator) createWorktreeWithRetry(worktreeDir, pipelineBranch, baseBranch string) error {
	branchExists := c.branchExists(pipelineBranch)

	var lastErr error
	for attempt := 0; attempt < worktreeRetryCount; attempt++ {
		if attempt > 0 {
			sleepFunc(randomBackoff())
		}
		if err := os.MkdirAll(filepath.Dir(worktreeDir), 0755); err != nil {
			lastErr = err
			continue
		}
		var err error
		if branchExists {
			_, err = run(c.RepoRoot, "worktree", "add", worktreeDir, pipelineBranch)
		} else {
			_, err = run(c.RepoRoot, "worktree", "add", "-b", pipelineBranch, worktreeDir, baseBranch)
		}
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("creating worktree after %d attempts: %w", worktreeRetryCount, lastErr)
}

func randomBackoff() time.Duration {
	span := worktreeBackoffMax - worktreeBackoffMin
	return worktreeBackoffMin + time.Duration(rand.Int63n(int64(span)))
}

func (c *Coordinator) branchExists(name string) bool {
	_, err := run(c.RepoRoot, "rev-parse", "--verify", name)
	return err == nil
}

// BranchExists is the exported form of branchExists, used by callers
// repairing a LaneState's possibly-stale pipelineBranch reference.
func (c *Coordinator) BranchExists(name string) bool {
	return c.branchExists(name)
}

// MergeConflictError is returned by merge operations when a conflict is
// pre-detected or encountered, distinguishing it from other git failures.
type MergeConflictError struct {
	Branch           string
	ConflictingFiles []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict merging %s: %s", e.Branch, strings.Join(e.ConflictingFiles, ", "))
}

// trialMerge attempts a --no-commit --no-ff merge to detect conflicts
// without leaving any trace, then always aborts.
func trialMerge(worktreeDir, ref string) (conflict bool, files []string, err error) {
	_, mergeErr := run(worktreeDir, "merge", "--no-commit", "--no-ff", ref)
	if mergeErr == nil {
		_, _ = run(worktreeDir, "merge", "--abort")
		return false, nil, nil
	}
	out, _ := run(worktreeDir, "diff", "--name-only", "--diff-filter=U")
	_, _ = run(worktreeDir, "merge", "--abort")
	if out == "" {
		// Merge failed for a reason other than conflicting files (e.g. dirty tree).
		return false, nil, fmt.Errorf("trial merge of %s failed: %w", ref, mergeErr)
	}
	return true, strings.Split(out, "\n"), nil
}

// safeMerge performs a real --no-ff merge with msg, aborting and returning a
// MergeConflictError if a conflict appears despite the trial-merge pass.
func safeMerge(worktreeDir, ref, msg string) error {
	_, err := run(worktreeDir, "merge", "--no-ff", "-m", msg, ref)
	if err == nil {
		return nil
	}
	out, _ := run(worktreeDir, "diff", "--name-only", "--diff-filter=U")
	_, _ = run(worktreeDir, "merge", "--abort")
	if out != "" {
		return &MergeConflictError{Branch: ref, ConflictingFiles: strings.Split(out, "\n")}
	}
	return fmt.Errorf("merging %s: %w", ref, err)
}

// DependencyBranchResolver looks up the pipeline branch name for a
// dependency lane — supplied by the LaneRunner, which knows how to load
// another lane's state.json (state package can't import lane, and
// gitpipeline shouldn't know about LaneState at all).
type DependencyBranchResolver func(depLane string) (pipelineBranch string, err error)

// MergeDependencyBranches merges each distinct dependency lane's pipeline
// branch into the current lane's pipelineBranch.
func (c *Coordinator) MergeDependencyBranches(worktreeDir string, depLanes []string, resolve DependencyBranchResolver) error {
	seen := make(map[string]bool)
	for _, dep := range depLanes {
		if seen[dep] {
			continue
		}
		seen[dep] = true

		branch, err := resolve(dep)
		if err != nil {
			return fmt.Errorf("resolving dependency lane %s: %w", dep, err)
		}
		ref, err := c.resolveMergeRef(worktreeDir, branch)
		if err != nil {
			return fmt.Errorf("resolving merge ref for %s: %w", dep, err)
		}

		conflict, files, err := trialMerge(worktreeDir, ref)
		if err != nil {
			return err
		}
		if conflict {
			return &MergeConflictError{Branch: branch, ConflictingFiles: files}
		}

		msg := fmt.Sprintf("chore: merge dependency %s (%s) into pipeline", dep, branch)
		if err := safeMerge(worktreeDir, ref, msg); err != nil {
			return err
		}
	}
	return nil
}

// resolveMergeRef prefers a local branch, then an explicit-refspec fetch
// into origin/<branch>, then FETCH_HEAD as a last resort.
func (c *Coordinator) resolveMergeRef(worktreeDir, branch string) (string, error) {
	if _, err := run(worktreeDir, "rev-parse", "--verify", branch); err == nil {
		return branch, nil
	}

	refspec := fmt.Sprintf("%s:refs/remotes/origin/%s", branch, branch)
	if _, err := run(worktreeDir, "fetch", "origin", refspec); err == nil {
		remote := "origin/" + branch
		if _, err := run(worktreeDir, "rev-parse", "--verify", remote); err == nil {
			return remote, nil
		}
	}

	if _, err := run(worktreeDir, "fetch", "origin", branch); err != nil {
		return "", fmt.Errorf("fetching %s: %w", branch, err)
	}
	return "FETCH_HEAD", nil
}

// SyncPipelineBranch fast-forwards pipelineBranch from origin before
// forking a task branch.
func (c *Coordinator) SyncPipelineBranch(worktreeDir, pipelineBranch string) error {
	_, err := run(worktreeDir, "checkout", pipelineBranch)
	if err != nil {
		return err
	}
	_, err = run(worktreeDir, "pull", "--ff-only", "origin", pipelineBranch)
	if err != nil && !strings.Contains(err.Error(), "couldn't find remote ref") {
		return fmt.Errorf("fast-forwarding %s: %w", pipelineBranch, err)
	}
	return nil
}

// ForkTaskBranch checks out a fresh taskBranch from pipelineBranch.
func (c *Coordinator) ForkTaskBranch(worktreeDir, taskBranch, pipelineBranch string) error {
	_, err := run(worktreeDir, "checkout", "-B", taskBranch, pipelineBranch)
	return err
}

// PushTaskBranch pushes taskBranch with --set-upstream.
func (c *Coordinator) PushTaskBranch(worktreeDir, taskBranch string) error {
	_, err := run(worktreeDir, "push", "--set-upstream", "origin", taskBranch)
	return err
}

// TaskMergeResult reports file-level stats from MergeTaskIntoPipeline.
type TaskMergeResult struct {
	ChangedFiles int
}

// MergeTaskIntoPipeline merges taskBranch into pipelineBranch with a
// pre-check trial merge so conflicts are reported before the real merge
// is attempted.
func (c *Coordinator) MergeTaskIntoPipeline(worktreeDir, taskName, taskBranch, pipelineBranch string) (*TaskMergeResult, error) {
	if _, err := run(worktreeDir, "checkout", pipelineBranch); err != nil {
		return nil, err
	}

	conflict, files, err := trialMerge(worktreeDir, taskBranch)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, &MergeConflictError{Branch: taskBranch, ConflictingFiles: files}
	}

	msg := fmt.Sprintf("chore: merge task %s into pipeline", taskName)
	if err := safeMerge(worktreeDir, taskBranch, msg); err != nil {
		return nil, err
	}

	changed, _ := run(worktreeDir, "diff", "--name-only", pipelineBranch+"@{1}", pipelineBranch)
	n := 0
	if changed != "" {
		n = len(strings.Split(changed, "\n"))
	}

	if _, err := run(worktreeDir, "push", "origin", pipelineBranch); err != nil {
		return nil, fmt.Errorf("pushing %s: %w", pipelineBranch, err)
	}

	return &TaskMergeResult{ChangedFiles: n}, nil
}

// DeleteBranch deletes a local branch, force, ignoring "not found" errors.
func (c *Coordinator) DeleteBranch(worktreeDir, branch string) error {
	_, err := run(worktreeDir, "branch", "-D", branch)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// FinalizeFlowBranch renames pipelineBranch to flowBranch and pushes it,
// retrying under a timestamp-suffixed name on non-fast-forward rejection so
// the original remote pipelineBranch is preserved for any lane still
// depending on it.
func (c *Coordinator) FinalizeFlowBranch(worktreeDir, flowBranch, pipelineBranch string) (string, error) {
	if flowBranch == pipelineBranch {
		return pipelineBranch, nil
	}

	if _, err := run(worktreeDir, "checkout", "-B", flowBranch, pipelineBranch); err != nil {
		return "", fmt.Errorf("checking out flow branch: %w", err)
	}

	finalName := flowBranch
	_, pushErr := run(worktreeDir, "push", "origin", flowBranch)
	if pushErr != nil {
		if !isRejection(pushErr) {
			return "", fmt.Errorf("pushing flow branch: %w", pushErr)
		}
		suffix := time.Now().UTC().Format("20060102T150405")
		renamed := fmt.Sprintf("%s-%s", flowBranch, suffix)
		if _, err := run(worktreeDir, "branch", "-m", flowBranch, renamed); err != nil {
			return "", fmt.Errorf("renaming local branch after push rejection: %w", err)
		}
		if _, err := run(worktreeDir, "push", "origin", renamed); err != nil {
			return "", fmt.Errorf("pushing renamed flow branch %s: %w", renamed, err)
		}
		finalName = renamed
	}

	// Remote pipelineBranch is preserved; only the local branch is removed.
	_, _ = run(worktreeDir, "branch", "-D", pipelineBranch)

	return finalName, nil
}

func isRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rejected") ||
		strings.Contains(msg, "non-fast-forward") ||
		strings.Contains(msg, "fetch first")
}

// RemoveWriteBits clears write permissions (file &^= 0o222) on path, used to
// enforce dependencyPolicy.allowDependencyChange / lockfileReadOnly
//. A missing file is not an error — not every
// worktree carries package.json or a lockfile.
func RemoveWriteBits(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode()&^0o222)
}
