// Package stall implements the StallDetector and InterventionBus: a
// four-step recovery ladder (continue -> stronger-prompt -> restart ->
// diagnose) driven by a 10s analysis tick, plus the file+signal
// intervention protocol that injects messages into a running agent without
// losing its chat session.
package stall

import (
	"regexp"
	"sync"
	"time"
)

// Phase is a lane's position on the recovery ladder.
type Phase int

const (
	PhaseNormal Phase = iota
	PhaseContinueSent
	PhaseStrongerPromptSent
	PhaseRestartRequested
	PhaseDiagnosed
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "NORMAL"
	case PhaseContinueSent:
		return "CONTINUE_SENT"
	case PhaseStrongerPromptSent:
		return "STRONGER_PROMPT_SENT"
	case PhaseRestartRequested:
		return "RESTART_REQUESTED"
	case PhaseDiagnosed:
		return "DIAGNOSED"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the tunable stall-detection thresholds.
type Config struct {
	IdleTimeout           time.Duration
	ProgressTimeout       time.Duration
	TaskTimeout           time.Duration
	LongOpGrace           time.Duration
	ContinueGrace         time.Duration
	StrongerPromptGrace   time.Duration
	MaxRestarts           int
	TickInterval          time.Duration
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:         2 * time.Minute,
		ProgressTimeout:     10 * time.Minute,
		TaskTimeout:         30 * time.Minute,
		LongOpGrace:         10 * time.Minute,
		ContinueGrace:       2 * time.Minute,
		StrongerPromptGrace: 2 * time.Minute,
		MaxRestarts:         2,
		TickInterval:        10 * time.Second,
	}
}

var longOpPattern = regexp.MustCompile(`(?i)installing|npm|pnpm|yarn|building|compiling|downloading|fetching|cloning|bundling`)

// LaneStallState tracks one lane's stall-detection bookkeeping.
type LaneStallState struct {
	mu sync.Mutex

	Phase                Phase
	LastRealActivityTime time.Time
	LastStateUpdateTime  time.Time
	LastPhaseChangeTime  time.Time
	TaskStartTime        time.Time
	TotalBytesReceived   int64
	bytesAtLastCheck     int64
	RestartCount         int
	ContinueSignalCount  int
	IsLongOperation      bool
	InterventionEnabled  bool
	LaneStatus           string // mirrors LaneState.Status; "waiting" makes the detector inert
	lastOutput           string

	now func() time.Time
}

// NewLaneStallState returns a fresh tracker with all timers at the given
// start time, interventions enabled.
func NewLaneStallState(start time.Time) *LaneStallState {
	return &LaneStallState{
		Phase:                PhaseNormal,
		LastRealActivityTime: start,
		LastStateUpdateTime:  start,
		LastPhaseChangeTime:  start,
		TaskStartTime:        start,
		InterventionEnabled:  true,
		now:                  time.Now,
	}
}

func (s *LaneStallState) nowTime() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// RecordActivity applies the activity recording rule: real bytes reset the
// ladder (when phase <= STRONGER_PROMPT_SENT); a zero-byte heartbeat only
// updates lastOutput/isLongOperation, never the timers. This intentionally
// treats a tool-call echo the same as genuine progress.
func (s *LaneStallState) RecordActivity(bytesReceived int, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowTime()
	if output != "" {
		s.lastOutput = output
		s.IsLongOperation = longOpPattern.MatchString(output)
	}

	if bytesReceived <= 0 {
		return
	}

	s.LastRealActivityTime = now
	s.TotalBytesReceived += int64(bytesReceived)
	if s.Phase <= PhaseStrongerPromptSent {
		s.setPhaseLocked(PhaseNormal, now)
	}
}

// RecordStateUpdate stamps LastStateUpdateTime, called each time the lane
// runner saves this lane's state.json through its saveState helper.
func (s *LaneStallState) RecordStateUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastStateUpdateTime = s.nowTime()
}

// RecordTaskStart resets all timers and the phase for a new task.
func (s *LaneStallState) RecordTaskStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowTime()
	s.TaskStartTime = now
	s.LastRealActivityTime = now
	s.LastStateUpdateTime = now
	s.setPhaseLocked(PhaseNormal, now)
}

func (s *LaneStallState) setPhaseLocked(p Phase, now time.Time) {
	s.Phase = p
	s.LastPhaseChangeTime = now
}

// SetLaneStatus mirrors the owning LaneState.Status into the detector so it
// can go inert while waiting on a dependency.
func (s *LaneStallState) SetLaneStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LaneStatus = status
}

// Action is what the analysis tick decided to do.
type Action string

const (
	ActionNone                 Action = "NONE"
	ActionSendContinue         Action = "SEND_CONTINUE"
	ActionSendStrongerPrompt   Action = "SEND_STRONGER_PROMPT"
	ActionRequestRestart       Action = "REQUEST_RESTART"
	ActionRunDoctor            Action = "RUN_DOCTOR"
	ActionAbortLane            Action = "ABORT_LANE"
)

// Analysis is the result of one analysis tick.
type Analysis struct {
	Action Action
	Reason string
}

// effectiveIdleTimeout applies the long-operation cap: when isLongOp,
// min(longOpGrace, 2*idleTimeout), otherwise idleTimeout.
func effectiveIdleTimeout(cfg Config, isLongOp bool) time.Duration {
	if !isLongOp {
		return cfg.IdleTimeout
	}
	cap2x := 2 * cfg.IdleTimeout
	if cfg.LongOpGrace < cap2x {
		return cfg.LongOpGrace
	}
	return cap2x
}

// Analyze runs one 10s tick's worth of decision logic, checking priorities
// in order and advancing the phase ladder.
func (s *LaneStallState) Analyze(cfg Config) Analysis {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.LaneStatus == "waiting" {
		return Analysis{Action: ActionNone, Reason: "lane is waiting on a dependency"}
	}

	now := s.nowTime()

	// Priority 2: overall task timeout.
	if now.Sub(s.TaskStartTime) > cfg.TaskTimeout {
		if s.RestartCount < cfg.MaxRestarts {
			s.markRestartLocked(now)
			return Analysis{Action: ActionRequestRestart, Reason: "task exceeded its overall timeout"}
		}
		s.setPhaseLocked(PhaseDiagnosed, now)
		return Analysis{Action: ActionRunDoctor, Reason: "task exceeded its overall timeout and restarts are exhausted"}
	}

	idleFor := now.Sub(s.LastRealActivityTime)
	progressFor := now.Sub(s.LastStateUpdateTime)
	effIdle := effectiveIdleTimeout(cfg, s.IsLongOperation)

	bytesDelta := s.TotalBytesReceived - s.bytesAtLastCheck
	s.bytesAtLastCheck = s.TotalBytesReceived

	// Priority 3: zero bytes this tick and idle beyond effective timeout.
	if bytesDelta == 0 && idleFor > effIdle {
		return s.ladderDecision(now, cfg)
	}

	// Priority 4: overall progress timeout regardless of per-tick bytes.
	if progressFor > cfg.ProgressTimeout {
		return s.ladderDecision(now, cfg)
	}

	return Analysis{Action: ActionNone}
}

// ladderDecision advances the recovery ladder by one step.
func (s *LaneStallState) ladderDecision(now time.Time, cfg Config) Analysis {
	sincePhase := now.Sub(s.LastPhaseChangeTime)

	switch s.Phase {
	case PhaseNormal:
		s.setPhaseLocked(PhaseContinueSent, now)
		if !s.InterventionEnabled {
			return Analysis{Action: ActionNone, Reason: "interventions disabled"}
		}
		return Analysis{Action: ActionSendContinue, Reason: "idle beyond effective timeout"}

	case PhaseContinueSent:
		if sincePhase > cfg.ContinueGrace {
			s.setPhaseLocked(PhaseStrongerPromptSent, now)
			return Analysis{Action: ActionSendStrongerPrompt, Reason: "no response to continue signal"}
		}
		return Analysis{Action: ActionNone}

	case PhaseStrongerPromptSent:
		if sincePhase > cfg.StrongerPromptGrace {
			if s.RestartCount < cfg.MaxRestarts {
				s.markRestartLocked(now)
				return Analysis{Action: ActionRequestRestart, Reason: "no response to stronger prompt"}
			}
			s.setPhaseLocked(PhaseDiagnosed, now)
			return Analysis{Action: ActionRunDoctor, Reason: "restarts exhausted after stronger prompt"}
		}
		return Analysis{Action: ActionNone}

	case PhaseRestartRequested:
		if now.Sub(s.LastRealActivityTime) > time.Duration(0.75*float64(cfg.IdleTimeout)) {
			if s.RestartCount < cfg.MaxRestarts {
				s.setPhaseLocked(PhaseContinueSent, now)
				return Analysis{Action: ActionSendContinue, Reason: "restarted agent still idle"}
			}
			s.setPhaseLocked(PhaseDiagnosed, now)
			return Analysis{Action: ActionRunDoctor, Reason: "restarted agent idle and restarts exhausted"}
		}
		return Analysis{Action: ActionNone}

	case PhaseDiagnosed, PhaseAborted:
		s.setPhaseLocked(PhaseAborted, now)
		return Analysis{Action: ActionAbortLane, Reason: "recovery ladder exhausted"}

	default:
		return Analysis{Action: ActionNone}
	}
}

func (s *LaneStallState) markRestartLocked(now time.Time) {
	s.RestartCount++
	s.setPhaseLocked(PhaseRestartRequested, now)
}

// Snapshot returns a read-only copy of the state for diagnostics/tests.
type Snapshot struct {
	Phase               Phase
	RestartCount        int
	ContinueSignalCount int
	IsLongOperation     bool
}

func (s *LaneStallState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Phase:               s.Phase,
		RestartCount:        s.RestartCount,
		ContinueSignalCount: s.ContinueSignalCount,
		IsLongOperation:      s.IsLongOperation,
	}
}

// IncrementContinueSignalCount is called by the lane runner's stall watcher
// after the InterventionBus has written a SEND_CONTINUE request.
func (s *LaneStallState) IncrementContinueSignalCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ContinueSignalCount++
}
