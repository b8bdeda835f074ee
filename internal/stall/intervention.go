package stall

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cursorflow/cursorflow/internal/pathutil"
)

// InterventionType is the kind of nudge written to pending-intervention.json.
type InterventionType string

const (
	InterventionContinue       InterventionType = "CONTINUE"
	InterventionStrongerPrompt InterventionType = "STRONGER_PROMPT"
	InterventionRestart        InterventionType = "RESTART"
)

// priority enforces monotonicity: a later, stronger intervention may
// always overwrite an earlier, weaker one, but never the reverse.
func (t InterventionType) priority() int {
	switch t {
	case InterventionContinue:
		return 5
	case InterventionStrongerPrompt:
		return 7
	case InterventionRestart:
		return 9
	default:
		return 0
	}
}

// PendingIntervention is the file-protocol payload LaneRunner polls for at
// the top of its task loop.
type PendingIntervention struct {
	Type      InterventionType `json:"type"`
	Priority  int              `json:"priority"`
	Message   string           `json:"message,omitempty"`
	Source    string           `json:"source"` // user | system | stall-detector
	Token     string           `json:"token"`
	CreatedAt int64            `json:"createdAt"`
}

// Bus writes and consumes the intervention file protocol for one lane. It
// does not kill the agent itself; see ApplyRestart and GracefulKill.
type Bus struct {
	runRoot  string
	laneName string
}

// NewBus returns an intervention bus scoped to a single lane's directory.
func NewBus(runRoot, laneName string) *Bus {
	return &Bus{runRoot: runRoot, laneName: laneName}
}

func (b *Bus) path() string {
	return pathutil.PendingInterventionPath(b.runRoot, b.laneName)
}

// Request writes a new pending intervention from the stall detector,
// honoring priority monotonicity: it refuses to downgrade an existing
// unconsumed request.
func (b *Bus) Request(t InterventionType, message string) (bool, error) {
	return b.RequestFrom(t, message, "stall-detector")
}

// RequestUser writes a pending intervention on behalf of an operator
// (the `cursorflow signal` command), subject to the same monotonicity rule.
func (b *Bus) RequestUser(t InterventionType, message string) (bool, error) {
	return b.RequestFrom(t, message, "user")
}

// RequestFrom is the shared implementation behind Request/RequestUser.
func (b *Bus) RequestFrom(t InterventionType, message, source string) (bool, error) {
	existing, err := b.Peek()
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Priority >= t.priority() {
		return false, nil
	}

	pi := PendingIntervention{
		Type:      t,
		Priority:  t.priority(),
		Message:   message,
		Source:    source,
		Token:     uuid.NewString(),
		CreatedAt: time.Now().UnixMilli(),
	}
	data, err := json.MarshalIndent(pi, "", "  ")
	if err != nil {
		return false, err
	}
	if err := pathutil.EnsureDir(pathutil.LaneDir(b.runRoot, b.laneName)); err != nil {
		return false, err
	}
	tmp := b.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, b.path()); err != nil {
		return false, err
	}
	return true, nil
}

// Peek reads the pending intervention without consuming it, returning nil
// if none is pending.
func (b *Bus) Peek() (*PendingIntervention, error) {
	data, err := os.ReadFile(b.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pi PendingIntervention
	if err := json.Unmarshal(data, &pi); err != nil {
		// A half-written file from a racing writer; treat as absent rather
		// than fail the lane's task loop.
		return nil, nil
	}
	return &pi, nil
}

// Consume removes the pending intervention file after LaneRunner has acted
// on it.
func (b *Bus) Consume() error {
	err := os.Remove(b.path())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

const killGrace = 5 * time.Second

// ApplyRestart carries out the RESTART kill sequence: unlike the graceful
// continue/stronger-prompt path, a restart kills the agent process
// directly with SIGKILL since there is no point waiting for a process
// that has already been judged unresponsive.
func ApplyRestart(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	return proc.Signal(syscall.SIGKILL)
}

// GracefulKill sends SIGTERM and escalates to SIGKILL after killGrace.
// The lane runner's abort path does not call it; it kills the agent through
// agent.Supervisor.Interrupt instead.
func GracefulKill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(killGrace):
		return cmd.Process.Kill()
	}
}

// Message returns the canned prompt text for a given intervention type.
func Message(t InterventionType, taskName string) string {
	switch t {
	case InterventionContinue:
		return "It looks like you've gone quiet. Please continue working on the current task."
	case InterventionStrongerPrompt:
		return fmt.Sprintf(
			"You have not produced output in some time while working on %q. "+
				"If you are stuck, say so explicitly and explain what is blocking you. "+
				"Otherwise continue the task now.",
			taskName,
		)
	default:
		return ""
	}
}
