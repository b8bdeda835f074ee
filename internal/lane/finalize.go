package lane

import (
	"fmt"

	"github.com/cursorflow/cursorflow/internal/state"
)

// finalize deletes the last task branch, finalizes the flow branch, and
// marks the lane completed.
func (r *Runner) finalize() error {
	if len(r.spec.Tasks) > 0 {
		last := r.spec.Tasks[len(r.spec.Tasks)-1]
		lastBranch := taskBranchName(r.st.PipelineBranch, len(r.spec.Tasks)-1, last.Name)
		_ = r.Git.DeleteBranch(r.st.WorktreeDir, lastBranch)
	}

	finalName, err := r.Git.FinalizeFlowBranch(r.st.WorktreeDir, r.LaneName, r.st.PipelineBranch)
	if err != nil {
		return fmt.Errorf("finalizing flow branch: %w", err)
	}
	r.Log.Info("flow branch finalized", "lane", r.LaneName, "branch", finalName)

	r.st.Status = state.StatusCompleted
	r.st.EndTime = state.NowMillis()
	return r.saveState()
}
