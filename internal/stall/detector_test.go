package stall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
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

func TestAnalyzeNoneWhenActive(t *testing.T) {
	start := time.Now()
	s := NewLaneStallState(start)
	clock := start
	s.now = func() time.Time { return clock }

	s.RecordActivity(128, "compiling foo.go")
	clock = clock.Add(30 * time.Second)

	a := s.Analyze(testConfig())
	assert.Equal(t, ActionNone, a.Action)
}

func TestAnalyzeEscalatesThroughLadder(t *testing.T) {
	cfg := testConfig()
	start := time.Now()
	s := NewLaneStallState(start)
	clock := start
	s.now = func() time.Time { return clock }

	clock = clock.Add(cfg.IdleTimeout + time.Second)
	a := s.Analyze(cfg)
	require.Equal(t, ActionSendContinue, a.Action)
	assert.Equal(t, PhaseContinueSent, s.Phase)

	clock = clock.Add(cfg.ContinueGrace + time.Second)
	a = s.Analyze(cfg)
	require.Equal(t, ActionSendStrongerPrompt, a.Action)
	assert.Equal(t, PhaseStrongerPromptSent, s.Phase)

	clock = clock.Add(cfg.StrongerPromptGrace + time.Second)
	a = s.Analyze(cfg)
	require.Equal(t, ActionRequestRestart, a.Action)
	assert.Equal(t, PhaseRestartRequested, s.Phase)
	assert.Equal(t, 1, s.RestartCount)
}

func TestAnalyzeRealActivityResetsLadder(t *testing.T) {
	cfg := testConfig()
	start := time.Now()
	s := NewLaneStallState(start)
	clock := start
	s.now = func() time.Time { return clock }

	clock = clock.Add(cfg.IdleTimeout + time.Second)
	a := s.Analyze(cfg)
	require.Equal(t, ActionSendContinue, a.Action)

	s.RecordActivity(64, "still working")
	assert.Equal(t, PhaseNormal, s.Phase)

	a = s.Analyze(cfg)
	assert.Equal(t, ActionNone, a.Action)
}

func TestAnalyzeHeartbeatDoesNotResetTimers(t *testing.T) {
	cfg := testConfig()
	start := time.Now()
	s := NewLaneStallState(start)
	clock := start
	s.now = func() time.Time { return clock }

	clock = clock.Add(cfg.IdleTimeout + time.Second)
	s.RecordActivity(0, "")
	a := s.Analyze(cfg)
	assert.Equal(t, ActionSendContinue, a.Action)
}

func TestAnalyzeRestartsExhaustedRunsDoctor(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestarts = 1
	start := time.Now()
	s := NewLaneStallState(start)
	clock := start
	s.now = func() time.Time { return clock }

	clock = clock.Add(cfg.IdleTimeout + time.Second)
	s.Analyze(cfg) // -> CONTINUE_SENT
	clock = clock.Add(cfg.ContinueGrace + time.Second)
	s.Analyze(cfg) // -> STRONGER_PROMPT_SENT
	clock = clock.Add(cfg.StrongerPromptGrace + time.Second)
	a := s.Analyze(cfg) // -> RESTART_REQUESTED (restart 1 of 1)
	require.Equal(t, ActionRequestRestart, a.Action)

	clock = clock.Add(time.Duration(0.76 * float64(cfg.IdleTimeout)))
	a = s.Analyze(cfg)
	require.Equal(t, ActionRunDoctor, a.Action)
	assert.Equal(t, PhaseDiagnosed, s.Phase)

	a = s.Analyze(cfg)
	assert.Equal(t, ActionAbortLane, a.Action)
	assert.Equal(t, PhaseAborted, s.Phase)
}

func TestAnalyzeInertWhileWaiting(t *testing.T) {
	cfg := testConfig()
	start := time.Now()
	s := NewLaneStallState(start)
	clock := start
	s.now = func() time.Time { return clock }
	s.SetLaneStatus("waiting")

	clock = clock.Add(time.Hour)
	a := s.Analyze(cfg)
	assert.Equal(t, ActionNone, a.Action)
}

func TestEffectiveIdleTimeoutCapsLongOperations(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, cfg.IdleTimeout, effectiveIdleTimeout(cfg, false))
	assert.Equal(t, 2*cfg.IdleTimeout, effectiveIdleTimeout(cfg, true))

	cfg.LongOpGrace = time.Minute
	assert.Equal(t, time.Minute, effectiveIdleTimeout(cfg, true))
}

func TestPOFNestsPreviousFailures(t *testing.T) {
	first := NewPOF("run-1", "lane-a", "task-1", "idle timeout", "DIAGNOSED", 100, nil)
	second := NewPOF("run-1", "lane-a", "task-1", "idle timeout again", "DIAGNOSED", 200, &first)

	require.Len(t, second.PreviousFailures, 1)
	assert.Equal(t, "idle timeout", second.PreviousFailures[0].Reason)
	assert.Empty(t, second.PreviousFailures[0].PreviousFailures)
}

func TestInterventionPriorityMonotonicity(t *testing.T) {
	dir := t.TempDir()
	b := NewBus(dir, "lane-a")

	wrote, err := b.Request(InterventionContinue, "continue")
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = b.Request(InterventionContinue, "continue again")
	require.NoError(t, err)
	assert.False(t, wrote, "should not rewrite same-priority request")

	wrote, err = b.Request(InterventionRestart, "restart")
	require.NoError(t, err)
	assert.True(t, wrote, "higher priority should overwrite")

	wrote, err = b.Request(InterventionStrongerPrompt, "nope")
	require.NoError(t, err)
	assert.False(t, wrote, "lower priority must not downgrade a pending restart")

	pi, err := b.Peek()
	require.NoError(t, err)
	require.NotNil(t, pi)
	assert.Equal(t, InterventionRestart, pi.Type)

	require.NoError(t, b.Consume())
	pi, err = b.Peek()
	require.NoError(t, err)
	assert.Nil(t, pi)
}
