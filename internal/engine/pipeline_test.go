package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/agent"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/events"
	"shipline/internal/repo"
)

const criticalFinding = `{"findings":[{"category":"functional","name":"checkout_button","status":"fail","severity":"critical","location":"index.html","message":"checkout button does nothing"}]}`

func (env testEnv) pendingApproval(t *testing.T) domain.Approval {
	t.Helper()
	pending, err := env.Engine.ListApprovals(env.Ctx, repo.ApprovalFilters{ProjectID: env.Project.ID, Status: string(domain.ApprovalPending)})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func (env testEnv) resolve(t *testing.T, decision domain.ApprovalStatus, note string) domain.Approval {
	t.Helper()
	env.settle(t)
	a := env.pendingApproval(t)
	got, err := env.Engine.ResolveApproval(env.Ctx, engine.ResolveApprovalOptions{ID: a.ID, Decision: decision, Note: note, ActorID: "reviewer"})
	require.NoError(t, err)
	env.settle(t)
	return got
}

func (env testEnv) start(t *testing.T) {
	t.Helper()
	res, err := env.Engine.RunPipeline(env.Ctx, engine.RunPipelineOptions{ProjectID: env.Project.ID, Intent: engine.IntentStart, ActorID: "tester"})
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	assert.Equal(t, config.WorkflowPlan, res.Run.WorkflowName)
	assert.Equal(t, domain.ProjectPlanning, res.Project.Status)
	env.settle(t)
}

func (env testEnv) plan(t *testing.T) domain.Plan {
	t.Helper()
	plan, err := env.Engine.ActivePlan(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	return plan
}

func (env testEnv) countEvents(t *testing.T, typ string) int {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 1000, 0, env.Project.ID, typ, "", "")
	require.NoError(t, err)
	return len(evts)
}

func TestPipelineRunsToDeployment(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	assert.Equal(t, domain.ProjectAwaitingPlanApproval, env.project(t).Status)
	plan := env.plan(t)
	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, domain.PlanAwaitingApproval, plan.Status)
	require.Len(t, plan.Phases, 3)
	assert.Contains(t, plan.Summary, "nicole completed")
	assert.Equal(t, domain.ApprovalPlan, env.pendingApproval(t).Type)

	env.resolve(t, domain.ApprovalApproved, "")
	assert.Equal(t, domain.ProjectAwaitingDesignApproval, env.project(t).Status)
	plan = env.plan(t)
	assert.Equal(t, domain.PlanInProgress, plan.Status)
	assert.Equal(t, domain.PhaseCompleted, plan.Phases[0].Status)
	assert.Equal(t, domain.PhaseInProgress, plan.Phases[1].Status)
	assert.Equal(t, domain.PhaseApprovalPending, plan.Phases[1].ApprovalStatus)

	env.resolve(t, domain.ApprovalApproved, "looks good")
	assert.Equal(t, domain.ProjectAwaitingQAApproval, env.project(t).Status)
	reports, err := env.Engine.ListQAReports(env.Ctx, env.Project.ID, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.QAPass, reports[0].OverallStatus)
	assert.Equal(t, 3, reports[0].PhaseNumber)

	env.resolve(t, domain.ApprovalApproved, "")
	assert.Equal(t, domain.ProjectAwaitingFinalApproval, env.project(t).Status)
	assert.Equal(t, domain.PlanCompleted, env.plan(t).Status)
	assert.Equal(t, domain.ApprovalDeploy, env.pendingApproval(t).Type)

	env.resolve(t, domain.ApprovalApproved, "ship it")
	p := env.project(t)
	assert.Equal(t, domain.ProjectDeployed, p.Status)
	assert.Equal(t, []string{"preview"}, p.Settings.DeployedTargets)
	assert.Equal(t, 1, env.countEvents(t, events.PreviewRefresh))

	runs := env.runs(t)
	require.Len(t, runs, 5)
	for _, r := range runs {
		full, err := env.Engine.GetRun(env.Ctx, r.RunID)
		require.NoError(t, err)
		assertTerminalRun(t, full)
		assert.Equal(t, domain.RunCompleted, full.Status, full.WorkflowName)
	}
	iterations, err := env.Engine.ListIterations(env.Ctx, repo.IterationFilters{ProjectID: env.Project.ID})
	require.NoError(t, err)
	assert.Empty(t, iterations)
}

func TestRejectedPlanReworksImplicatedPhase(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	planApproval := env.pendingApproval(t)

	env.resolve(t, domain.ApprovalRejected, "color scheme too dark")

	iterations, err := env.Engine.ListIterations(env.Ctx, repo.IterationFilters{ProjectID: env.Project.ID})
	require.NoError(t, err)
	require.Len(t, iterations, 1)
	it := iterations[0]
	assert.Equal(t, "color scheme too dark", it.Feedback)
	assert.Equal(t, domain.TriggerApprovalRejected, it.Trigger)
	assert.Equal(t, domain.IterationRevision, it.Type)
	assert.Equal(t, []int{2}, it.ScopePhases)
	require.NotNil(t, it.ApprovalRef)
	assert.Equal(t, planApproval.Reference, *it.ApprovalRef)
	assert.Equal(t, domain.IterationInProgress, it.Status)

	runs := env.runs(t)
	require.Len(t, runs, 2)
	rework := runs[0]
	assert.Equal(t, "design", rework.WorkflowName)
	assert.Equal(t, 2, rework.PhaseNumber)
	assert.Equal(t, it.ID, rework.IterationID)
	assert.Equal(t, it.RunID, rework.RunID)
	full, err := env.Engine.GetRun(env.Ctx, rework.RunID)
	require.NoError(t, err)
	assert.Equal(t, "color scheme too dark", full.InputData["feedback"])

	// The rework answers the rejected approval with a fresh request.
	assert.Equal(t, domain.ProjectAwaitingPlanApproval, env.project(t).Status)
	again := env.pendingApproval(t)
	assert.NotEqual(t, planApproval.ID, again.ID)
	assert.Equal(t, planApproval.Reference, again.Reference)
	plan := env.plan(t)
	assert.Equal(t, domain.PhasePending, plan.Phases[1].Status)

	env.resolve(t, domain.ApprovalApproved, "")
	resolved, err := env.Engine.GetIteration(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IterationResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, domain.ProjectAwaitingDesignApproval, env.project(t).Status)
}

func TestExpiredApprovalPausesProjectOnce(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	a := env.pendingApproval(t)
	assert.True(t, a.RequestedAt.Add(72*time.Hour).Equal(a.ExpiresAt))

	n, err := env.Engine.SweepExpiredApprovals(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Clock.Advance(73 * time.Hour)
	n, err = env.Engine.SweepExpiredApprovals(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = env.Engine.SweepExpiredApprovals(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := env.Engine.GetApproval(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, got.Status)
	p := env.project(t)
	assert.Equal(t, domain.ProjectPaused, p.Status)
	assert.Equal(t, domain.ProjectAwaitingPlanApproval, p.PausedFrom)
	assert.Equal(t, 1, env.countEvents(t, events.ApprovalResolved))

	_, err = env.Engine.ResolveApproval(env.Ctx, engine.ResolveApprovalOptions{ID: a.ID, Decision: domain.ApprovalApproved})
	var ce *engine.ConflictError
	assert.ErrorAs(t, err, &ce)

	p, err = env.Engine.ResumeProject(env.Ctx, env.Project.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectAwaitingPlanApproval, p.Status)
	assert.Empty(t, p.PausedFrom)
	reissued := env.pendingApproval(t)
	assert.NotEqual(t, a.ID, reissued.ID)
	assert.Equal(t, a.Reference, reissued.Reference)
	assert.True(t, env.Clock.Now().Add(72*time.Hour).Equal(reissued.ExpiresAt))
}

// driveToBuild approves the plan and the design so the build phase runs.
func (env testEnv) driveToBuild(t *testing.T) {
	t.Helper()
	env.start(t)
	env.resolve(t, domain.ApprovalApproved, "")
	env.resolve(t, domain.ApprovalApproved, "")
}

func TestQAFailureReworksBuildUntilPass(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.On(domain.AgentQA,
		agent.Response{Result: agent.Result{Output: "smoke ok"}},
		agent.Response{Result: agent.Result{Output: criticalFinding}},
	)
	env.driveToBuild(t)

	assert.Equal(t, domain.ProjectAwaitingQAApproval, env.project(t).Status)
	reports, err := env.Engine.ListQAReports(env.Ctx, env.Project.ID, 10)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	var failed, passed domain.QAReport
	for _, r := range reports {
		if r.OverallStatus == domain.QAFail {
			failed = r
		} else {
			passed = r
		}
	}
	assert.Equal(t, 1, failed.BlockingIssuesCount)
	assert.Equal(t, domain.QAPass, passed.OverallStatus)
	assert.NotEqual(t, failed.ExecutionID, passed.ExecutionID)

	iterations, err := env.Engine.ListIterations(env.Ctx, repo.IterationFilters{ProjectID: env.Project.ID})
	require.NoError(t, err)
	require.Len(t, iterations, 1)
	it := iterations[0]
	assert.Equal(t, domain.IterationQAFix, it.Type)
	assert.Equal(t, domain.TriggerQAFailure, it.Trigger)
	assert.Equal(t, []int{3}, it.ScopePhases)
	assert.Equal(t, domain.IterationResolved, it.Status)
	assert.Contains(t, it.Feedback, "checkout_button at index.html")
	assert.Equal(t, passed.ExecutionID, it.RunID)
}

func TestQAFailuresBeyondLimitFailProject(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Pipeline.MaxIterations = 1 })
	env.Agents.On(domain.AgentQA,
		agent.Response{Result: agent.Result{Output: "smoke ok"}},
		agent.Response{Result: agent.Result{Output: criticalFinding}},
		agent.Response{Result: agent.Result{Output: "smoke ok"}},
		agent.Response{Result: agent.Result{Output: criticalFinding}},
	)
	env.driveToBuild(t)

	p := env.project(t)
	assert.Equal(t, domain.ProjectFailed, p.Status)
	assert.Equal(t, domain.PhaseFailed, env.plan(t).Phases[2].Status)
	reports, err := env.Engine.ListQAReports(env.Ctx, env.Project.ID, 10)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
	iterations, err := env.Engine.ListIterations(env.Ctx, repo.IterationFilters{ProjectID: env.Project.ID, Trigger: string(domain.TriggerQAFailure)})
	require.NoError(t, err)
	assert.Len(t, iterations, 1)
}

func TestFailedPhaseRunCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.Agents.On(domain.AgentNicole, agent.Response{Err: errReset}, agent.Response{Err: errReset}, agent.Response{Err: errReset})
	env.resolve(t, domain.ApprovalApproved, "")

	p := env.project(t)
	assert.Equal(t, domain.ProjectResearching, p.Status)
	assert.Equal(t, domain.PhaseFailed, env.plan(t).Phases[0].Status)

	res, err := env.Engine.RunPipeline(env.Ctx, engine.RunPipelineOptions{ProjectID: env.Project.ID, Intent: engine.IntentRetry, ActorID: "tester"})
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	assert.Equal(t, 1, res.Run.PhaseNumber)
	env.settle(t)
	assert.Equal(t, domain.ProjectAwaitingDesignApproval, env.project(t).Status)
}

func TestRecordIterationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.RecordIterationOptions{ProjectID: env.Project.ID, Feedback: "The login button is broken", Trigger: domain.TriggerUserRequest}
	_, err := env.Engine.RecordIteration(env.Ctx, opts)
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)

	env.start(t)
	first, err := env.Engine.RecordIteration(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, domain.IterationBugFix, first.Type)
	assert.Equal(t, []int{3}, first.ScopePhases)
	assert.Equal(t, domain.IterationPending, first.Status)

	opts.Feedback = "  the LOGIN   button is broken "
	second, err := env.Engine.RecordIteration(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = env.Engine.RecordIteration(env.Ctx, engine.RecordIterationOptions{ProjectID: env.Project.ID, Feedback: "   ", Trigger: domain.TriggerUserRequest})
	var ve *engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestAgentApprovalLeavesStateAlone(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	ref := domain.Reference{Kind: "execution", ID: "exec-1"}
	a, err := env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalOptions{ProjectID: env.Project.ID, Type: domain.ApprovalAgent, Reference: ref})
	require.NoError(t, err)
	_, err = env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalOptions{ProjectID: env.Project.ID, Type: domain.ApprovalAgent, Reference: ref})
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)

	_, err = env.Engine.ResolveApproval(env.Ctx, engine.ResolveApprovalOptions{ID: a.ID, Decision: domain.ApprovalRejected, Note: "no"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectAwaitingPlanApproval, env.project(t).Status)

	_, err = env.Engine.RunPipeline(env.Ctx, engine.RunPipelineOptions{ProjectID: env.Project.ID, Intent: engine.IntentContinue})
	assert.ErrorAs(t, err, &ce)
	iterations, err := env.Engine.ListIterations(env.Ctx, repo.IterationFilters{ProjectID: env.Project.ID})
	require.NoError(t, err)
	assert.Empty(t, iterations)
}

func TestScopeFor(t *testing.T) {
	plan := domain.Plan{Phases: []domain.PlanPhase{
		{Number: 1, Kind: domain.PhaseResearch},
		{Number: 2, Kind: domain.PhaseDesign},
		{Number: 3, Kind: domain.PhaseBuild},
		{Number: 4, Kind: domain.PhaseDesign},
	}}
	cases := []struct {
		name     string
		feedback string
		current  int
		want     []int
	}{
		{"design words", "Color scheme too dark", 0, []int{2}},
		{"nearest earlier phase of kind", "the fonts feel cramped", 4, []int{4}},
		{"build words win", "login button broken on the dark page", 2, []int{3}},
		{"research words", "missing competitor requirements", 3, []int{1}},
		{"no hits uses current", "make it better", 3, []int{3}},
		{"no hits no current", "make it better", 0, []int{1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, engine.ScopeFor(plan, tc.feedback, tc.current))
		})
	}
	assert.Nil(t, engine.ScopeFor(domain.Plan{}, "anything", 0))
}

func TestPausedProjectDefersApprovalDecisions(t *testing.T) {
	for _, decision := range []domain.ApprovalStatus{domain.ApprovalApproved, domain.ApprovalRejected} {
		t.Run(string(decision), func(t *testing.T) {
			env := newTestEnv(t)
			env.start(t)
			a := env.pendingApproval(t)

			p, err := env.Engine.PauseProject(env.Ctx, env.Project.ID, "tester")
			require.NoError(t, err)
			require.Equal(t, domain.ProjectPaused, p.Status)

			_, err = env.Engine.ResolveApproval(env.Ctx, engine.ResolveApprovalOptions{ID: a.ID, Decision: decision, Note: "color scheme too dark", ActorID: "reviewer"})
			var ce *engine.ConflictError
			require.ErrorAs(t, err, &ce)
			stored, err := env.Engine.GetApproval(env.Ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalPending, stored.Status)
			assert.Equal(t, domain.PlanAwaitingApproval, env.plan(t).Status)

			p, err = env.Engine.ResumeProject(env.Ctx, env.Project.ID, "tester")
			require.NoError(t, err)
			assert.Equal(t, domain.ProjectAwaitingPlanApproval, p.Status)
			assert.Equal(t, a.ID, env.pendingApproval(t).ID)

			env.resolve(t, decision, "color scheme too dark")
			iterations, err := env.Engine.ListIterations(env.Ctx, repo.IterationFilters{ProjectID: env.Project.ID})
			require.NoError(t, err)
			if decision == domain.ApprovalApproved {
				assert.Equal(t, domain.ProjectAwaitingDesignApproval, env.project(t).Status)
				assert.Empty(t, iterations)
				return
			}
			require.Len(t, iterations, 1)
			assert.Equal(t, "color scheme too dark", iterations[0].Feedback)
			assert.Equal(t, domain.ProjectAwaitingPlanApproval, env.project(t).Status)
		})
	}
}

func TestGatedApprovalNeedsMatchingReference(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	plan := env.plan(t)
	a := env.pendingApproval(t)
	_, err := env.Engine.ResolveApproval(env.Ctx, engine.ResolveApprovalOptions{ID: a.ID, Decision: domain.ApprovalApproved})
	require.NoError(t, err)
	env.settle(t)
	require.Equal(t, domain.ProjectAwaitingDesignApproval, env.project(t).Status)

	var ve *engine.ValidationError
	_, err = env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalOptions{
		ProjectID: env.Project.ID, Type: domain.ApprovalPlan, Reference: domain.Reference{Kind: "execution", ID: "exec-1"},
	})
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalOptions{
		ProjectID: env.Project.ID, Type: domain.ApprovalDeploy, Reference: domain.Reference{Kind: engine.RefPlan, ID: plan.ID},
	})
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalOptions{
		ProjectID: env.Project.ID, Type: domain.ApprovalQAOverride, Reference: domain.Reference{Kind: engine.RefPlan, ID: plan.ID},
	})
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalOptions{
		ProjectID: env.Project.ID, Type: domain.ApprovalPlan, Reference: domain.Reference{Kind: engine.RefPlan, ID: "plan-missing"},
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	assert.Equal(t, domain.ProjectAwaitingDesignApproval, env.project(t).Status)
	assert.Equal(t, domain.ApprovalPhase, env.pendingApproval(t).Type)
}
