package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cursorflow/cursorflow/internal/ids"
)

// lockStaleTimeout and lockRetry* bound lock acquisition: a 10s
// stale-timeout before stealing an abandoned lock, and up to 50 retries
// at 100ms apart.
const (
	lockStaleTimeout = 10 * time.Second
	lockRetryCount   = 50
	lockRetryDelay   = 100 * time.Millisecond
)

// StaleRunningWindow is the "updatedAt older than 5 min" threshold used by
// NeedsRecovery and the LaneRunner startup staleness check.
const StaleRunningWindow = 5 * time.Minute

// sleepFunc is replaced in tests to avoid real delays between retries.
var sleepFunc = time.Sleep

// Save writes data to path via write-temp-then-rename so a reader never
// observes partial JSON.
func Save(path string, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming state file: %w", err)
	}
	return nil
}

// lockPath returns the advisory lock file sibling to path.
func lockPath(path string) string {
	return path + ".lock"
}

// acquireLock creates the lock file exclusively, retrying on contention and
// stealing a stale lock (older than lockStaleTimeout) left behind by a
// crashed process.
func acquireLock(path string) (release func(), err error) {
	lp := lockPath(path)
	token := ids.NewToken()

	for attempt := 0; attempt < lockRetryCount; attempt++ {
		f, err := os.OpenFile(lp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), token)
			f.Close()
			return func() { os.Remove(lp) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		if info, statErr := os.Stat(lp); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleTimeout {
				os.Remove(lp) // steal a stale lock and retry immediately
				continue
			}
		}
		sleepFunc(lockRetryDelay)
	}
	return nil, fmt.Errorf("timed out acquiring lock %s", lp)
}

// SaveWithLock acquires the sibling lock file around Save.
func SaveWithLock(path string, data any) error {
	release, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer release()
	return Save(path, data)
}

// UpdateAtomic loads the LaneState at path, applies fn, stamps UpdatedAt,
// and saves — all under the lock, so it never interleaves with another
// UpdateAtomic or SaveWithLock on the same path, from this process or
// another one.
func UpdateAtomic(path string, fn func(*LaneState) error) (*LaneState, error) {
	release, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := loadUnlocked(path)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = NewLaneState(0)
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.UpdatedAt = NowMillis()
	if err := Save(path, current); err != nil {
		return nil, err
	}
	return current, nil
}

// Load parses the LaneState JSON at path. On parse failure it attempts
// recovery from path+".backup"; returns (nil, nil) if the file does not
// exist, or if neither it nor the backup can be read and parsed. It never
// returns a non-nil error.
func Load(path string) (*LaneState, error) {
	return loadUnlocked(path)
}

func loadUnlocked(path string) (*LaneState, error) {
	s, err := readState(path)
	if err == nil {
		return s, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	// Primary parse failed (corruption) — try the backup copy.
	backup, backupErr := readState(path + ".backup")
	if backupErr == nil {
		return backup, nil
	}
	return nil, nil
}

func readState(path string) (*LaneState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s LaneState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state %s: %w", path, err)
	}
	return &s, nil
}

// ValidationResult holds issues found by Validate plus an optionally
// auto-repaired candidate state.
type ValidationResult struct {
	Issues   []string
	Repaired *LaneState
}

// ValidateOptions configures Validate's auto-repair behavior.
type ValidateOptions struct {
	AutoRepair            bool
	WorktreeExists        func(path string) bool
	PipelineBranchExists  func(branch string) bool
}

// Validate checks a LaneState for internal consistency and, when
// AutoRepair is set, returns a repaired copy:
// nullify missing worktree/branch references, clamp currentTaskIndex,
// derive missing fields.
func Validate(s *LaneState, opts ValidateOptions) ValidationResult {
	var issues []string
	repaired := *s // shallow copy; slices shared but we only ever replace them

	if repaired.TotalTasks < 0 {
		issues = append(issues, "totalTasks is negative")
		repaired.TotalTasks = 0
	}
	if repaired.CurrentTaskIndex < 0 {
		issues = append(issues, "currentTaskIndex is negative")
		repaired.CurrentTaskIndex = 0
	}
	if repaired.CurrentTaskIndex > repaired.TotalTasks {
		issues = append(issues, "currentTaskIndex exceeds totalTasks")
		repaired.CurrentTaskIndex = repaired.TotalTasks
	}
	if repaired.Status == StatusCompleted && repaired.CurrentTaskIndex != repaired.TotalTasks {
		issues = append(issues, "status=completed but currentTaskIndex != totalTasks")
		repaired.CurrentTaskIndex = repaired.TotalTasks
	}
	if repaired.Status == StatusCompleted && repaired.EndTime == 0 {
		issues = append(issues, "status=completed but endTime unset")
		repaired.EndTime = NowMillis()
	}
	if repaired.Status == StatusFailed && repaired.Error == "" {
		issues = append(issues, "status=failed but error unset")
		repaired.Error = "unknown failure (recovered state had no error message)"
	}

	if opts.WorktreeExists != nil && repaired.WorktreeDir != "" && !opts.WorktreeExists(repaired.WorktreeDir) {
		issues = append(issues, "worktreeDir no longer exists")
		repaired.WorktreeDir = ""
	}
	if opts.PipelineBranchExists != nil && repaired.PipelineBranch != "" && !opts.PipelineBranchExists(repaired.PipelineBranch) {
		issues = append(issues, "pipelineBranch no longer exists")
		repaired.PipelineBranch = ""
	}

	result := ValidationResult{Issues: issues}
	if opts.AutoRepair {
		result.Repaired = &repaired
	}
	return result
}

// NeedsRecovery reports whether the state at path looks like it was
// abandoned mid-run: status=running with a stale updatedAt, or leftover
// *.tmp.* siblings from an interrupted Save.
func NeedsRecovery(path string) bool {
	s, err := readState(path)
	if err != nil {
		return false
	}
	if s.StaleRunning(time.Now(), StaleRunningWindow) {
		return true
	}
	matches, _ := filepath.Glob(path + ".tmp.*")
	return len(matches) > 0
}
