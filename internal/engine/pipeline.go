package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine/lifecycle"
	"shipline/internal/events"
	"shipline/internal/repo"
)

// Pipeline intents accepted by RunPipeline.
const (
	IntentStart       = "start"
	IntentContinue    = "continue"
	IntentRetry       = "retry"
	IntentDeploy      = "deploy"
	IntentUserTesting = "user_testing"
)

type RunPipelineOptions struct {
	ProjectID string `validate:"required"`
	Intent    string `validate:"required,oneof=start continue retry deploy user_testing"`
	ActorID   string
}

// PipelineResult reports what an intent set in motion.
type PipelineResult struct {
	Project   domain.Project      `json:"project"`
	Run       *domain.WorkflowRun `json:"run,omitempty"`
	Approval  *domain.Approval    `json:"approval,omitempty"`
	Iteration *domain.Iteration   `json:"iteration,omitempty"`
}

// RunPipeline moves a project forward according to intent. Runs start in
// the background; the result carries whatever was created.
func (e Engine) RunPipeline(ctx context.Context, opts RunPipelineOptions) (PipelineResult, error) {
	var res PipelineResult
	if err := check(opts); err != nil {
		return res, err
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return res, err
	}
	switch opts.Intent {
	case IntentStart:
		if p.Status != domain.ProjectIntake {
			return res, conflict(nil, "project %s is %s; start applies to intake projects", p.ID, p.Status)
		}
		run, err := e.startPlanRun(ctx, p, nil, opts.ActorID)
		if err != nil {
			return res, err
		}
		res.Run = &run
	case IntentContinue:
		run, a, err := e.advance(ctx, p.ID, opts.ActorID)
		if err != nil {
			return res, err
		}
		if run == nil && a == nil {
			return res, conflict(nil, "nothing to continue for project %s in %s", p.ID, p.Status)
		}
		res.Run, res.Approval = run, a
	case IntentRetry:
		run, err := e.retryLatest(ctx, p, opts.ActorID)
		if err != nil {
			return res, err
		}
		res.Run = &run
	case IntentDeploy:
		if p.Status != domain.ProjectApproved && p.Status != domain.ProjectDeploying {
			return res, conflict(nil, "project %s is %s; deploy needs final approval", p.ID, p.Status)
		}
		run, err := e.startDeploy(ctx, p.ID, opts.ActorID)
		if err != nil {
			return res, err
		}
		res.Run = &run
	case IntentUserTesting:
		if !lifecycle.IsWorking(p.Status) {
			return res, conflict(nil, "project %s is %s; user testing starts from active work", p.ID, p.Status)
		}
		ref := domain.Reference{Kind: RefUserTesting, ID: p.ID}
		if plan, err := e.Repo.ActivePlan(ctx, p.ID); err == nil {
			ref.ID = plan.ID
		}
		a, err := e.RequestApproval(ctx, RequestApprovalOptions{ProjectID: p.ID, Type: domain.ApprovalPhase, Reference: ref, ActorID: opts.ActorID})
		if err != nil {
			return res, err
		}
		res.Approval = &a
	}
	if res.Run != nil {
		if it, err := e.Repo.IterationForRun(ctx, res.Run.RunID); err == nil {
			res.Iteration = &it
		}
	}
	res.Project, err = e.Repo.GetProject(ctx, p.ID)
	return res, err
}

// retryLatest re-runs the newest run of a project if it failed or was
// cancelled.
func (e Engine) retryLatest(ctx context.Context, p domain.Project, actorID string) (domain.WorkflowRun, error) {
	runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{ProjectID: p.ID, Limit: 1})
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if len(runs) == 0 {
		return domain.WorkflowRun{}, conflict(nil, "project %s has no run to retry", p.ID)
	}
	last := runs[0]
	if last.Status != domain.RunFailed && last.Status != domain.RunCancelled {
		return domain.WorkflowRun{}, conflict(nil, "latest run %s is %s", last.RunID, last.Status)
	}
	var it *domain.Iteration
	if last.IterationID != "" {
		if cur, err := e.Repo.GetIteration(ctx, last.IterationID); err == nil && cur.Status != domain.IterationResolved {
			it = &cur
		}
	}
	switch {
	case last.PhaseNumber > 0:
		plan, err := e.Repo.ActivePlan(ctx, p.ID)
		if err != nil {
			return domain.WorkflowRun{}, err
		}
		return e.startPhase(ctx, plan, last.PhaseNumber, it, actorID)
	case last.WorkflowName == config.WorkflowPlan:
		return e.startPlanRun(ctx, p, it, actorID)
	case last.WorkflowName == config.WorkflowDeploy:
		return e.startDeploy(ctx, p.ID, actorID)
	}
	return e.StartRun(ctx, StartRunOptions{
		ProjectID:      p.ID,
		Workflow:       last.WorkflowName,
		Input:          last.InputData,
		UserID:         actorID,
		ConversationID: last.ConversationID,
	})
}

// advance starts whatever the project needs next: a pending rework, the
// plan run, the plan approval, the next phase, the final approval or the
// deploy run. It returns nils when the project is waiting on something.
func (e Engine) advance(ctx context.Context, projectID, actorID string) (*domain.WorkflowRun, *domain.Approval, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	holder, err := e.Repo.RunLockHolder(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	if holder != "" {
		return nil, nil, nil
	}
	if p.Status == domain.ProjectApproved || p.Status == domain.ProjectDeploying {
		run, err := e.startDeploy(ctx, p.ID, actorID)
		if err != nil {
			return nil, nil, err
		}
		return &run, nil, nil
	}
	if !lifecycle.IsWorking(p.Status) {
		return nil, nil, nil
	}

	pending, err := e.Repo.ListIterations(ctx, repo.IterationFilters{ProjectID: p.ID, Status: string(domain.IterationPending)})
	if err != nil {
		return nil, nil, err
	}
	if len(pending) > 0 {
		run, err := e.startRework(ctx, pending[0], actorID)
		if err != nil {
			return nil, nil, err
		}
		return &run, nil, nil
	}

	plan, err := e.Repo.ActivePlan(ctx, p.ID)
	if errors.Is(err, repo.ErrNotFound) {
		run, err := e.startPlanRun(ctx, p, nil, actorID)
		if err != nil {
			return nil, nil, err
		}
		return &run, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if plan.Status == domain.PlanDraft || plan.Status == domain.PlanAwaitingApproval {
		a, err := e.RequestApproval(ctx, RequestApprovalOptions{
			ProjectID: p.ID, Type: domain.ApprovalPlan, Reference: domain.Reference{Kind: RefPlan, ID: plan.ID}, ActorID: actorID,
		})
		if err != nil {
			return nil, nil, err
		}
		return nil, &a, nil
	}
	for _, ph := range plan.Phases {
		if ph.Status == domain.PhaseCompleted || ph.Status == domain.PhaseSkipped {
			continue
		}
		run, err := e.startPhase(ctx, plan, ph.Number, nil, actorID)
		if err != nil {
			return nil, nil, err
		}
		return &run, nil, nil
	}

	var a domain.Approval
	err = e.withTx(ctx, func(t *txn) error {
		cur, err := t.repo.GetProject(ctx, p.ID)
		if err != nil {
			return err
		}
		if plan.Status != domain.PlanCompleted {
			if err := t.repo.UpdatePlanStatus(ctx, plan.ID, domain.PlanCompleted, e.now()); err != nil {
				return err
			}
		}
		a, _, err = t.requestApproval(cur, RequestApprovalOptions{
			ProjectID: p.ID, Type: domain.ApprovalDeploy, Reference: domain.Reference{Kind: RefDeploy, ID: plan.ID}, ActorID: actorID,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, &a, nil
}

// startPlanRun runs the plan workflow. From intake it submits the project.
func (e Engine) startPlanRun(ctx context.Context, p domain.Project, it *domain.Iteration, actorID string) (domain.WorkflowRun, error) {
	input := map[string]any{"project_name": p.Name, "prompt": p.Prompt}
	for k, v := range iterationInput(it) {
		input[k] = v
	}
	opts := StartRunOptions{
		ProjectID: p.ID,
		Workflow:  config.WorkflowPlan,
		Input:     input,
		UserID:    actorID,
		prepare: func(t *txn, cur domain.Project, runID string) error {
			if cur.Status == domain.ProjectIntake {
				if _, err := t.transition(cur, lifecycle.Submit, actorID, events.EventPayload{"run_id": runID}); err != nil {
					return err
				}
			} else if !lifecycle.IsWorking(cur.Status) {
				return conflict(nil, "project %s is %s", cur.ID, cur.Status)
			}
			if it != nil {
				return t.repo.StartIteration(t.ctx, it.ID, runID)
			}
			return nil
		},
	}
	if it != nil {
		opts.IterationID = it.ID
	}
	return e.StartRun(ctx, opts)
}

var beginEvents = map[domain.PhaseKind]lifecycle.Event{
	domain.PhaseResearch: lifecycle.BeginResearch,
	domain.PhaseDesign:   lifecycle.BeginDesign,
	domain.PhaseBuild:    lifecycle.BeginBuild,
}

// startPhase runs the workflow of plan phase n. A phase run requires every
// earlier phase to be done; a rework run (it != nil) may revisit any phase.
func (e Engine) startPhase(ctx context.Context, plan domain.Plan, n int, it *domain.Iteration, actorID string) (domain.WorkflowRun, error) {
	ph, ok := plan.Phase(n)
	if !ok {
		return domain.WorkflowRun{}, invalid("plan %s has no phase %d", plan.ID, n)
	}
	p, err := e.Repo.GetProject(ctx, plan.ProjectID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	input := map[string]any{
		"prompt":       p.Prompt,
		"plan_id":      plan.ID,
		"phase_number": ph.Number,
		"phase_name":   ph.Name,
		"phase_kind":   string(ph.Kind),
	}
	for k, v := range iterationInput(it) {
		input[k] = v
	}
	opts := StartRunOptions{
		ProjectID: plan.ProjectID,
		Workflow:  ph.Workflow,
		Input:     input,
		Phase:     ph.Number,
		UserID:    actorID,
		prepare: func(t *txn, cur domain.Project, runID string) error {
			fresh, err := t.repo.GetPlan(t.ctx, plan.ID)
			if err != nil {
				return err
			}
			if it == nil {
				for _, prev := range fresh.Phases {
					if prev.Number < n && prev.Status != domain.PhaseCompleted && prev.Status != domain.PhaseSkipped {
						return conflict(nil, "phase %d (%s) is %s", prev.Number, prev.Name, prev.Status)
					}
				}
				if err := t.repo.UpdatePhaseStatus(t.ctx, plan.ID, n, domain.PhaseInProgress); err != nil {
					return err
				}
				if fresh.Status == domain.PlanApproved {
					if err := t.repo.UpdatePlanStatus(t.ctx, plan.ID, domain.PlanInProgress, t.e.now()); err != nil {
						return err
					}
				}
			} else if err := t.repo.StartIteration(t.ctx, it.ID, runID); err != nil {
				return err
			}
			cur.CurrentPhaseNumber = n
			payload := events.EventPayload{"run_id": runID, "phase_number": n}
			if it != nil {
				payload["iteration_id"] = it.ID
			}
			_, err = t.transition(cur, beginEvents[ph.Kind], actorID, payload)
			return err
		},
	}
	if it != nil {
		opts.IterationID = it.ID
	}
	run, err := e.StartRun(ctx, opts)
	if err != nil {
		return run, err
	}
	if it != nil {
		e.log().Info("rework started", zap.String("run_id", run.RunID), zap.String("iteration", iterationLabel(*it)), zap.Int("phase", n))
	}
	return run, nil
}

// startDeploy runs the deploy workflow once the final approval is granted.
func (e Engine) startDeploy(ctx context.Context, projectID, actorID string) (domain.WorkflowRun, error) {
	return e.StartRun(ctx, StartRunOptions{
		ProjectID: projectID,
		Workflow:  config.WorkflowDeploy,
		UserID:    actorID,
		prepare: func(t *txn, cur domain.Project, runID string) error {
			switch cur.Status {
			case domain.ProjectApproved:
				_, err := t.transition(cur, lifecycle.BeginDeploy, actorID, events.EventPayload{"run_id": runID})
				return err
			case domain.ProjectDeploying:
				return nil
			}
			return conflict(nil, "project %s is %s; deploy needs final approval", cur.ID, cur.Status)
		},
	})
}

// afterRun continues the pipeline once a run has reached a terminal state.
func (e Engine) afterRun(ctx context.Context, fin domain.WorkflowRun) error {
	if fin.Status != domain.RunCompleted {
		return e.afterRunFailure(ctx, fin)
	}
	switch {
	case fin.PhaseNumber > 0:
		return e.afterPhaseWork(ctx, fin)
	case fin.WorkflowName == config.WorkflowPlan:
		return e.createPlan(ctx, fin)
	case fin.WorkflowName == config.WorkflowDeploy:
		return e.withTx(ctx, func(t *txn) error {
			p, err := t.repo.GetProject(ctx, fin.ProjectID)
			if err != nil {
				return err
			}
			if p.Status != domain.ProjectDeploying {
				return nil
			}
			_, err = t.transition(p, lifecycle.DeployDone, fin.UserID, events.EventPayload{"run_id": fin.RunID})
			return err
		})
	}
	return nil
}

// afterRunFailure leaves the project where it is and records why, so a
// retry intent can pick it up.
func (e Engine) afterRunFailure(ctx context.Context, fin domain.WorkflowRun) error {
	return e.withTx(ctx, func(t *txn) error {
		if fin.PhaseNumber > 0 && fin.IterationID == "" {
			if planID, _ := fin.InputData["plan_id"].(string); planID != "" {
				if err := t.repo.UpdatePhaseStatus(ctx, planID, fin.PhaseNumber, domain.PhaseFailed); err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
			}
		}
		return t.note(fin.ProjectID, "system", fmt.Sprintf("run %s %s: %s", fin.RunID, fin.Status, fin.ErrorMessage),
			events.EventPayload{"run_id": fin.RunID, "workflow": fin.WorkflowName, "phase_number": fin.PhaseNumber})
	})
}

// createPlan turns a completed plan run into a new plan version and asks
// for its approval.
func (e Engine) createPlan(ctx context.Context, fin domain.WorkflowRun) error {
	cfg := e.projectConfig(ctx, e.Repo, fin.ProjectID)
	return e.withTx(ctx, func(t *txn) error {
		p, err := t.repo.GetProject(ctx, fin.ProjectID)
		if err != nil {
			return err
		}
		if !lifecycle.IsWorking(p.Status) {
			return t.note(p.ID, "system", fmt.Sprintf("plan run %s finished while project was %s; plan not created", fin.RunID, p.Status), nil)
		}
		now := e.now()
		if err := t.repo.AbandonActivePlans(ctx, p.ID, now); err != nil {
			return err
		}
		version, err := t.repo.NextPlanVersion(ctx, p.ID)
		if err != nil {
			return err
		}
		plan := domain.Plan{
			ID:        e.newID(),
			ProjectID: p.ID,
			Version:   version,
			Status:    domain.PlanDraft,
			Summary:   planSummary(fin),
			CreatedAt: now,
			UpdatedAt: now,
		}
		for i, tpl := range cfg.Phases {
			depth := domain.QADepth(tpl.QADepth)
			if depth == "" {
				depth = domain.QAStandard
			}
			agents := make([]domain.AgentType, 0, len(tpl.Agents))
			for _, a := range tpl.Agents {
				agents = append(agents, domain.AgentType(a))
			}
			plan.Phases = append(plan.Phases, domain.PlanPhase{
				PlanID:           plan.ID,
				Number:           i + 1,
				Name:             tpl.Name,
				Kind:             domain.PhaseKind(tpl.Kind),
				Workflow:         tpl.Workflow,
				Status:           domain.PhasePending,
				RequiredAgents:   agents,
				QADepth:          depth,
				RequiresApproval: tpl.RequiresApproval,
				ApprovalStatus:   domain.PhaseApprovalNone,
			})
		}
		if err := t.repo.InsertPlan(ctx, plan); err != nil {
			return err
		}
		if err := t.emit(events.PlanCreated, p.ID, "plan", plan.ID, "system", events.EventPayload{
			"version": plan.Version, "phases": len(plan.Phases), "run_id": fin.RunID,
		}); err != nil {
			return err
		}
		if fin.IterationID != "" {
			it, err := t.repo.GetIteration(ctx, fin.IterationID)
			if err != nil {
				return err
			}
			if it.Status != domain.IterationResolved {
				if err := t.resolveIteration(it, fmt.Sprintf("plan version %d drafted", plan.Version), "system"); err != nil {
					return err
				}
			}
		}
		_, _, err = t.requestApproval(p, RequestApprovalOptions{
			ProjectID: p.ID, Type: domain.ApprovalPlan, Reference: domain.Reference{Kind: RefPlan, ID: plan.ID}, ActorID: "system",
		})
		return err
	})
}

func planSummary(fin domain.WorkflowRun) string {
	var parts []string
	for _, st := range fin.Steps {
		if out, ok := fin.OutputData[st.StepName].(string); ok && out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n")
}

// afterPhaseWork sends build output through QA; other phases go straight
// to their gate.
func (e Engine) afterPhaseWork(ctx context.Context, fin domain.WorkflowRun) error {
	plan, err := e.Repo.ActivePlan(ctx, fin.ProjectID)
	if err != nil {
		return err
	}
	ph, ok := plan.Phase(fin.PhaseNumber)
	if !ok {
		return nil
	}
	if ph.Kind == domain.PhaseBuild {
		_, err := e.RunChecks(ctx, RunChecksOptions{ProjectID: fin.ProjectID, ExecutionID: fin.RunID, ActorID: "system"})
		return err
	}
	return e.afterPhaseDone(ctx, fin.RunID, plan, fin.PhaseNumber, "system")
}

// afterPhaseDone decides what follows finished phase work: the approval a
// rework was answering, the phase gate, or the next step of the pipeline.
func (e Engine) afterPhaseDone(ctx context.Context, runID string, plan domain.Plan, n int, actorID string) error {
	if it, err := e.Repo.IterationForRun(ctx, runID); err == nil && it.Status != domain.IterationResolved {
		switch {
		case it.Trigger == domain.TriggerApprovalRejected && it.ApprovalRef != nil:
			ref := *it.ApprovalRef
			_, err := e.RequestApproval(ctx, RequestApprovalOptions{ProjectID: it.ProjectID, Type: it.ApprovalType, Reference: ref, ActorID: actorID})
			return err
		case it.Trigger == domain.TriggerUserRequest:
			if _, err := e.ResolveIteration(ctx, it.ID, "rework run "+runID+" completed", actorID); err != nil {
				return err
			}
		}
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	fresh, err := e.Repo.GetPlan(ctx, plan.ID)
	if err != nil {
		return err
	}
	ph, ok := fresh.Phase(n)
	if !ok {
		return nil
	}
	if ph.Status == domain.PhaseCompleted || ph.Status == domain.PhaseSkipped {
		_, _, err := e.advance(ctx, plan.ProjectID, actorID)
		return err
	}
	if ph.RequiresApproval {
		_, err := e.RequestApproval(ctx, RequestApprovalOptions{
			ProjectID: plan.ProjectID, Type: domain.ApprovalPhase, Reference: phaseRef(plan.ID, n), ActorID: actorID,
		})
		return err
	}
	if err := e.withTx(ctx, func(t *txn) error {
		return t.repo.UpdatePhaseStatus(ctx, plan.ID, n, domain.PhaseCompleted)
	}); err != nil {
		return err
	}
	_, _, err = e.advance(ctx, plan.ProjectID, actorID)
	return err
}
