package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"shipline/internal/agent"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/engine/lifecycle"
	"shipline/internal/events"
	"shipline/internal/migrate"
	"shipline/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	Engine  engine.Engine
	Agents  *agent.Scripted
	Clock   *testClock
	Bus     *events.Bus
	Ctx     context.Context
	Project domain.Project
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.Backoff.Initial = time.Millisecond
	cfg.Pipeline.Backoff.Max = 2 * time.Millisecond
	cfg.Workflows["triple"] = config.Workflow{Steps: []config.Step{
		{Name: "outline", Agent: "nicole", Instruction: "Outline the work."},
		{Name: "implement", Agent: "engineer", Instruction: "Implement it."},
		{Name: "verify", Agent: "qa", Instruction: "Verify it."},
	}}
	cfg.Workflows["single"] = config.Workflow{Steps: []config.Step{
		{Name: "implement", Agent: "engineer", Instruction: "Implement it."},
	}}
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	agents := agent.NewScripted()
	log := zaptest.NewLogger(t)
	bus := events.NewBus(512, log)
	eng := engine.New(conn, cfg, engine.Options{Agents: agents, Publisher: bus, Log: log, Now: clock.Now})
	t.Cleanup(func() {
		eng.Close()
		bus.Close()
		conn.Close()
	})
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, engine.CreateProjectOptions{
		ID:      "proj-1",
		Name:    "Bakery site",
		Prompt:  "A landing page for a neighbourhood bakery",
		ActorID: "tester",
	})
	require.NoError(t, err)
	return testEnv{Engine: eng, Agents: agents, Clock: clock, Bus: bus, Ctx: ctx, Project: p}
}

func (env testEnv) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(env.Ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, env.Engine.WaitIdle(ctx))
}

func (env testEnv) project(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.GetProject(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	return p
}

func (env testEnv) runs(t *testing.T) []domain.WorkflowRun {
	t.Helper()
	runs, err := env.Engine.ListRuns(env.Ctx, repo.RunFilters{ProjectID: env.Project.ID})
	require.NoError(t, err)
	return runs
}

func (env testEnv) startRun(t *testing.T, workflow string) domain.WorkflowRun {
	t.Helper()
	run, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: env.Project.ID, Workflow: workflow, UserID: "tester"})
	require.NoError(t, err)
	return run
}

func (env testEnv) wait(t *testing.T, runID string) domain.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(env.Ctx, 10*time.Second)
	defer cancel()
	run, err := env.Engine.WaitRun(ctx, runID)
	require.NoError(t, err)
	return run
}

func assertTerminalRun(t *testing.T, run domain.WorkflowRun) {
	t.Helper()
	require.True(t, run.Status.Terminal(), "run %s is %s", run.RunID, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.NotNil(t, run.DurationMS)
	assert.LessOrEqual(t, run.StepsCompleted, run.StepsTotal)
	for i, st := range run.Steps {
		assert.Equal(t, i+1, st.StepNumber)
	}
}

var errReset = errors.New("connection reset by peer")

func TestRunRetriesTransientFailureUntilSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.On(domain.AgentEngineer, agent.Response{Err: errReset}, agent.Response{Err: errReset})

	run := env.wait(t, env.startRun(t, "triple").RunID)

	assertTerminalRun(t, run)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 3, run.StepsCompleted)
	assert.Equal(t, 3, run.StepsTotal)
	require.Len(t, run.Steps, 3)
	assert.Equal(t, 2, run.Steps[1].RetryCount)
	assert.Equal(t, domain.StepCompleted, run.Steps[1].Status)
	assert.Equal(t, 0, run.Steps[0].RetryCount)

	execs, err := env.Engine.ListExecutions(env.Ctx, repo.ExecutionFilters{ProjectID: env.Project.ID, RunID: run.RunID, AgentType: string(domain.AgentEngineer)})
	require.NoError(t, err)
	require.Len(t, execs, 3)
	failed := 0
	for _, ex := range execs {
		if ex.Status == domain.ExecutionFailed {
			failed++
			assert.Contains(t, ex.ErrorMessage, "connection reset")
		}
	}
	assert.Equal(t, 2, failed)
}

func TestRunFailsWhenStepExhaustsRetries(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.On(domain.AgentEngineer, agent.Response{Err: errReset}, agent.Response{Err: errReset}, agent.Response{Err: errReset})

	run := env.wait(t, env.startRun(t, "single").RunID)

	assertTerminalRun(t, run)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, 0, run.StepsCompleted)
	assert.NotEmpty(t, run.ErrorMessage)
	assert.Contains(t, run.ErrorMessage, "step 1 (implement) failed after 2 retries")
	require.Len(t, run.Steps, 1)
	assert.Equal(t, domain.StepFailed, run.Steps[0].Status)
	assert.Equal(t, 2, run.Steps[0].RetryCount)

	holder, err := env.Engine.Repo.RunLockHolder(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestPartialResultGetsOneExtraAttempt(t *testing.T) {
	env := newTestEnv(t)
	partial := agent.Response{Result: agent.Result{Output: "half a page", Status: agent.StatusPartial, Error: "ran out of context"}}
	env.Agents.On(domain.AgentEngineer, partial, partial)

	run := env.wait(t, env.startRun(t, "single").RunID)

	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, 1, run.Steps[0].RetryCount)
	assert.Contains(t, run.Steps[0].ErrorMessage, "ran out of context")
	assert.Len(t, env.Agents.Calls(), 2)
}

func TestOptionalStepIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.On(domain.AgentEngineer, agent.Response{Err: errReset}, agent.Response{Err: errReset}, agent.Response{Err: errReset})

	run := env.wait(t, env.startRun(t, "design").RunID)

	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 1, run.StepsCompleted)
	assert.Equal(t, domain.StepCompleted, run.Steps[0].Status)
	assert.Equal(t, domain.StepSkipped, run.Steps[1].Status)
	assert.Equal(t, run.Steps[0].Result, run.OutputData["design_system"])
}

func TestSecondRunConflictsWithoutCreatingRow(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.On(domain.AgentEngineer, agent.Response{Delay: time.Hour})

	first := env.startRun(t, "single")
	_, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: env.Project.ID, Workflow: "single"})
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), first.RunID)
	assert.Len(t, env.runs(t), 1)

	require.Eventually(t, func() bool {
		ex, err := env.Engine.CurrentAgent(env.Ctx, env.Project.ID)
		return err == nil && ex.Status == domain.ExecutionRunning && ex.AgentType == domain.AgentEngineer
	}, 5*time.Second, 5*time.Millisecond)

	stopped, err := env.Engine.StopRun(env.Ctx, first.RunID, "tester")
	require.NoError(t, err)
	assertTerminalRun(t, stopped)
	assert.Equal(t, domain.RunCancelled, stopped.Status)
	assert.Equal(t, domain.StepFailed, stopped.Steps[0].Status)
	assert.Equal(t, "cancelled", stopped.Steps[0].ErrorMessage)

	execs, err := env.Engine.ListExecutions(env.Ctx, repo.ExecutionFilters{ProjectID: env.Project.ID, RunID: first.RunID})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecutionCancelled, execs[0].Status)

	_, err = env.Engine.CurrentAgent(env.Ctx, env.Project.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	again := env.wait(t, env.startRun(t, "single").RunID)
	assert.Equal(t, domain.RunCompleted, again.Status)
	assert.Len(t, env.runs(t), 2)
}

func TestStopRunRejectsFinishedRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.wait(t, env.startRun(t, "single").RunID)
	_, err := env.Engine.StopRun(env.Ctx, run.RunID, "tester")
	var ce *engine.ConflictError
	assert.ErrorAs(t, err, &ce)
}

func TestStopFromAnotherEngineCancelsOwner(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.On(domain.AgentEngineer, agent.Response{Delay: time.Hour})
	run := env.startRun(t, "single")
	require.Eventually(t, func() bool {
		ex, err := env.Engine.CurrentAgent(env.Ctx, env.Project.ID)
		return err == nil && ex.Status == domain.ExecutionRunning
	}, 5*time.Second, 5*time.Millisecond)

	// A second engine on the same database stands in for `sl stop` in
	// another process.
	other := engine.New(env.Engine.DB, env.Engine.Config, engine.Options{Agents: agent.NewScripted(), Log: zaptest.NewLogger(t)})
	defer other.Close()
	stopped, err := other.StopRun(env.Ctx, run.RunID, "cli")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, stopped.Status)
	assert.Equal(t, domain.StepFailed, stopped.Steps[0].Status)

	holder, err := env.Engine.Repo.RunLockHolder(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	assert.Empty(t, holder)

	final := env.wait(t, run.RunID)
	assertTerminalRun(t, final)
	assert.Equal(t, domain.RunCancelled, final.Status)
	execs, err := env.Engine.ListExecutions(env.Ctx, repo.ExecutionFilters{ProjectID: env.Project.ID, RunID: run.RunID})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecutionCancelled, execs[0].Status)

	again := env.wait(t, env.startRun(t, "single").RunID)
	assert.Equal(t, domain.RunCompleted, again.Status)
}

func TestStartRunRejectsUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: env.Project.ID, Workflow: "nope"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, env.runs(t))

	holder, err := env.Engine.Repo.RunLockHolder(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestCloseInterruptsRunningRuns(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.On(domain.AgentEngineer, agent.Response{Delay: time.Hour})
	run := env.startRun(t, "single")
	require.Eventually(t, func() bool {
		_, err := env.Engine.CurrentAgent(env.Ctx, env.Project.ID)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	env.Engine.Close()

	got, err := env.Engine.GetRun(env.Ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, "interrupted: orchestrator stopped", got.ErrorMessage)
	_, err = env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: env.Project.ID, Workflow: "single"})
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestReconcileFailsStaleRuns(t *testing.T) {
	env := newTestEnv(t)
	now := env.Clock.Now()
	r := env.Engine.Repo
	_, err := r.InsertRun(env.Ctx, domain.WorkflowRun{
		RunID:        "wf_single_stale",
		ProjectID:    env.Project.ID,
		WorkflowName: "single",
		Status:       domain.RunRunning,
		StepsTotal:   1,
		CreatedAt:    now,
		Steps:        []domain.WorkflowStep{{StepNumber: 1, StepName: "implement", ToolName: "agent:engineer", Status: domain.StepRunning}},
	})
	require.NoError(t, err)
	require.NoError(t, r.AcquireRunLock(env.Ctx, env.Project.ID, "wf_single_stale", now))

	n, err := env.Engine.Reconcile(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := env.Engine.GetRun(env.Ctx, "wf_single_stale")
	require.NoError(t, err)
	assertTerminalRun(t, run)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "interrupted: orchestrator restarted", run.ErrorMessage)
	assert.Equal(t, domain.StepFailed, run.Steps[0].Status)

	holder, err := r.RunLockHolder(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	assert.Empty(t, holder)

	n, err = env.Engine.Reconcile(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchOutcomes(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Pipeline.AgentTimeout = 20 * time.Millisecond })
	env.Agents.On(domain.AgentEngineer,
		agent.Response{Result: agent.Result{Output: "done", Files: []string{"index.html", "app.css"}, TokensIn: 10, TokensOut: 20, CostUSD: 0.5}},
		agent.Response{Result: agent.Result{Output: "half", Status: agent.StatusFailed, Error: "lint errors"}},
		agent.Response{Delay: time.Second},
	)
	req := engine.DispatchRequest{ProjectID: env.Project.ID, AgentType: domain.AgentEngineer, Instruction: "Build the page"}

	ex, err := env.Engine.Dispatch(env.Ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSuccess, ex.Status)
	assert.Equal(t, int64(10), ex.TokensIn)
	assert.InDelta(t, 0.5, ex.CostUSD, 1e-9)
	require.NotNil(t, ex.DurationMS)
	files, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, env.Project.ID, events.FileUpdated, "", "")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	ex, err = env.Engine.Dispatch(env.Ctx, req)
	assert.ErrorIs(t, err, engine.ErrAgentPartial)
	assert.Equal(t, domain.ExecutionPartial, ex.Status)
	assert.Equal(t, "lint errors", ex.ErrorMessage)

	ex, err = env.Engine.Dispatch(env.Ctx, req)
	assert.ErrorIs(t, err, engine.ErrAgentTransient)
	assert.Equal(t, domain.ExecutionFailed, ex.Status)
	assert.Equal(t, "timed out after 20ms", ex.ErrorMessage)

	_, err = env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{ProjectID: env.Project.ID, AgentType: "designer"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "AgentType")

	_, err = env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{ProjectID: "missing", AgentType: domain.AgentQA})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDispatchCancelledByCaller(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.On(domain.AgentNicole, agent.Response{Delay: time.Hour})
	ctx, cancel := context.WithCancel(env.Ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	ex, err := env.Engine.Dispatch(ctx, engine.DispatchRequest{ProjectID: env.Project.ID, AgentType: domain.AgentNicole, Instruction: "plan"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.ExecutionCancelled, ex.Status)

	stored, err := env.Engine.Repo.GetExecution(env.Ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	ch, cancel := env.Bus.Subscribe(env.Project.ID)
	defer cancel()

	run := env.wait(t, env.startRun(t, "single").RunID)
	require.Equal(t, domain.RunCompleted, run.Status)

	seen := map[string]int{}
	timeout := time.After(5 * time.Second)
	for seen[events.RunStatusUpdate] < 3 {
		select {
		case evt := <-ch:
			assert.Positive(t, evt.ID)
			seen[evt.Type]++
		case <-timeout:
			t.Fatalf("missing run events, saw %v", seen)
		}
	}
	assert.GreaterOrEqual(t, seen[events.AgentStatusUpdate], 2)
	assert.GreaterOrEqual(t, seen[events.StepStatusUpdate], 2)
}

func TestIllegalTransitionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ResumeProject(env.Ctx, env.Project.ID, "tester")
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
	assert.Equal(t, domain.ProjectIntake, env.project(t).Status)

	_, err = env.Engine.RunPipeline(env.Ctx, engine.RunPipelineOptions{ProjectID: env.Project.ID, Intent: engine.IntentDeploy})
	var ce *engine.ConflictError
	assert.ErrorAs(t, err, &ce)

	_, err = env.Engine.RunPipeline(env.Ctx, engine.RunPipelineOptions{ProjectID: env.Project.ID, Intent: "launch"})
	var ve *engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestPauseStopsActiveRun(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.On(domain.AgentEngineer, agent.Response{Delay: time.Hour})
	run := env.startRun(t, "single")

	p, err := env.Engine.PauseProject(env.Ctx, env.Project.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectPaused, p.Status)
	assert.Equal(t, domain.ProjectIntake, p.PausedFrom)

	got, err := env.Engine.GetRun(env.Ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, got.Status)

	_, err = env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: env.Project.ID, Workflow: "single"})
	var ce *engine.ConflictError
	assert.ErrorAs(t, err, &ce)

	p, err = env.Engine.ResumeProject(env.Ctx, env.Project.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectIntake, p.Status)

	p, err = env.Engine.CancelProject(env.Ctx, env.Project.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectCancelled, p.Status)
	p, err = env.Engine.ArchiveProject(env.Ctx, env.Project.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectArchived, p.Status)
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{Name: ""})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "Name")

	_, err = env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{ID: env.Project.ID, Name: "dup"})
	var ce *engine.ConflictError
	assert.ErrorAs(t, err, &ce)

	p, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{Name: "Second", BudgetLimitUSD: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.ProjectIntake, p.Status)
	cfg, err := env.Engine.ProjectConfig(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, cfg.Workflows, "triple")
}
