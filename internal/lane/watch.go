package lane

import (
	"time"

	"github.com/cursorflow/cursorflow/internal/stall"
)

// watchStall runs an independent stall-watch ticker: it does not preempt
// the task loop, but performs side effects (intervention file writes,
// agent kills) that the task loop observes the next time it blocks on the
// agent subprocess exiting. Returns a stop function the caller invokes
// once the blocking sendPrompt call returns.
func (r *Runner) watchStall(cfg stall.Config) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.tickStall(cfg)
			}
		}
	}()
	return func() { close(done) }
}

func (r *Runner) tickStall(cfg stall.Config) {
	analysis := r.stallState.Analyze(cfg)
	switch analysis.Action {
	case stall.ActionSendContinue:
		if wrote, _ := r.bus.Request(stall.InterventionContinue, stall.Message(stall.InterventionContinue, "")); wrote {
			r.stallState.IncrementContinueSignalCount()
			r.Agent.Interrupt(false)
		}
	case stall.ActionSendStrongerPrompt:
		if wrote, _ := r.bus.Request(stall.InterventionStrongerPrompt, stall.Message(stall.InterventionStrongerPrompt, "")); wrote {
			r.Agent.Interrupt(false)
		}
	case stall.ActionRequestRestart:
		if wrote, _ := r.bus.Request(stall.InterventionRestart, ""); wrote {
			r.Agent.Interrupt(true)
		}
	case stall.ActionRunDoctor:
		r.runDoctor(analysis.Reason)
	case stall.ActionAbortLane:
		r.Agent.Interrupt(true)
	}
}

func (r *Runner) runDoctor(reason string) {
	idle := time.Since(r.stallState.LastRealActivityTime)
	snap := r.stallState.Snapshot()
	_ = stall.WriteDiagnostic(r.RunRoot, r.LaneName, stall.Diagnostic{
		LaneName:     r.LaneName,
		Phase:        snap.Phase.String(),
		RestartCount: snap.RestartCount,
		IdleSeconds:  int64(idle.Seconds()),
		Checks:       []string{reason},
		CreatedAt:    time.Now().UnixMilli(),
	})
}
