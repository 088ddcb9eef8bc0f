package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"shipline/internal/domain"
	"shipline/internal/engine/lifecycle"
	"shipline/internal/engine/qa"
	"shipline/internal/events"
	"shipline/internal/metrics"
	"shipline/internal/repo"
)

type RunChecksOptions struct {
	ProjectID string `validate:"required"`
	// ExecutionID is the run_id of the build run under review. Empty means
	// the latest completed build run.
	ExecutionID string
	Depth       domain.QADepth `validate:"omitempty,oneof=quick standard deep"`
	FocusAreas  []string
	ActorID     string
}

type qaOutcome struct {
	report    domain.QAReport
	gated     bool
	passed    bool
	plan      domain.Plan
	phase     int
	iteration *domain.Iteration
}

// RunChecks evaluates a build run and stores the report. When the project
// is building or in qa the verdict moves the pipeline: a pass continues to
// the phase gate, a blocking failure records a qa_failure iteration and
// reworks the phase, and exceeding max_iterations fails the project.
func (e Engine) RunChecks(ctx context.Context, opts RunChecksOptions) (domain.QAReport, error) {
	out, err := e.evaluate(ctx, opts)
	if err != nil {
		return domain.QAReport{}, err
	}
	switch {
	case out.gated && out.passed:
		if err := e.afterPhaseDone(ctx, out.report.ExecutionID, out.plan, out.phase, opts.ActorID); err != nil {
			e.log().Error("continue pipeline after qa", zap.String("report_id", out.report.ID), zap.Error(err))
		}
	case out.iteration != nil:
		if _, err := e.startRework(ctx, *out.iteration, opts.ActorID); err != nil {
			e.log().Error("start qa rework", zap.String("iteration_id", out.iteration.ID), zap.Error(err))
		}
	}
	return out.report, nil
}

// buildRun resolves the run a QA pass looks at.
func (e Engine) buildRun(ctx context.Context, projectID, runID string) (domain.WorkflowRun, domain.Plan, error) {
	plan, err := e.Repo.ActivePlan(ctx, projectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkflowRun{}, plan, err
	}
	if runID != "" {
		run, err := e.Repo.GetRunWithSteps(ctx, runID)
		if err != nil {
			return run, plan, err
		}
		if run.ProjectID != projectID {
			return run, plan, invalid("run %s belongs to another project", runID)
		}
		return run, plan, nil
	}
	runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{ProjectID: projectID, Status: string(domain.RunCompleted)})
	if err != nil {
		return domain.WorkflowRun{}, plan, err
	}
	for _, run := range runs {
		ph, ok := plan.Phase(run.PhaseNumber)
		if !ok || ph.Kind != domain.PhaseBuild {
			continue
		}
		run, err := e.Repo.GetRunWithSteps(ctx, run.RunID)
		return run, plan, err
	}
	return domain.WorkflowRun{}, plan, fmt.Errorf("no completed build run: %w", repo.ErrNotFound)
}

func (e Engine) evaluate(ctx context.Context, opts RunChecksOptions) (qaOutcome, error) {
	var out qaOutcome
	if err := check(opts); err != nil {
		return out, err
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return out, err
	}
	run, plan, err := e.buildRun(ctx, p.ID, opts.ExecutionID)
	if err != nil {
		return out, err
	}
	out.plan, out.phase = plan, run.PhaseNumber
	cfg := e.projectConfig(ctx, e.Repo, p.ID)

	if p.Status == domain.ProjectBuilding {
		err := e.withTx(ctx, func(t *txn) error {
			cur, err := t.repo.GetProject(ctx, p.ID)
			if err != nil {
				return err
			}
			p, err = t.transition(cur, lifecycle.BeginQA, opts.ActorID, events.EventPayload{"run_id": run.RunID})
			return err
		})
		if err != nil {
			return out, err
		}
	}

	depth := opts.Depth
	if depth == "" {
		if ph, ok := plan.Phase(run.PhaseNumber); ok && ph.QADepth != "" {
			depth = ph.QADepth
		} else {
			depth = domain.QAStandard
		}
	}
	execs, err := e.Repo.ListExecutions(ctx, repo.ExecutionFilters{ProjectID: p.ID, RunID: run.RunID})
	if err != nil {
		return out, err
	}
	cost, err := e.Repo.ProjectCost(ctx, p.ID)
	if err != nil {
		return out, err
	}
	budget := p.Settings.BudgetLimitUSD
	if budget == 0 {
		budget = cfg.Pipeline.BudgetLimitUSD
	}
	reviewer := func(ctx context.Context, a domain.AgentType, instruction string, args map[string]any) (domain.AgentExecution, error) {
		return e.Dispatch(ctx, DispatchRequest{ProjectID: p.ID, AgentType: a, Instruction: instruction, Context: args})
	}
	checks, err := qa.Select(qa.Builtin(reviewer), cfg.QA.Checks)
	if err != nil {
		return out, invalid("%v", err)
	}
	results, err := qa.Evaluate(ctx, checks, qa.Input{
		Project:            p,
		Run:                run,
		Executions:         execs,
		Depth:              depth,
		FocusAreas:         opts.FocusAreas,
		TotalCostUSD:       cost,
		BudgetLimitUSD:     budget,
		PlaceholderMarkers: cfg.QA.PlaceholderMarkers,
	})
	if err != nil {
		return out, err
	}
	status, blocking := qa.Verdict(results)
	rep := domain.QAReport{
		ID:                  e.newID(),
		ProjectID:           p.ID,
		ExecutionID:         run.RunID,
		PhaseNumber:         run.PhaseNumber,
		Depth:               depth,
		FocusAreas:          opts.FocusAreas,
		OverallStatus:       status,
		BlockingIssuesCount: blocking,
		Checks:              results,
		CreatedAt:           e.now(),
	}
	out.report = rep
	out.passed = qa.Passed(status, blocking)

	err = e.withTx(ctx, func(t *txn) error {
		if err := t.repo.InsertQAReport(ctx, rep); err != nil {
			return err
		}
		if err := t.emit(events.QAReportCreated, p.ID, "qa_report", rep.ID, opts.ActorID, events.EventPayload{
			"execution_id": rep.ExecutionID, "overall_status": rep.OverallStatus, "blocking_issues_count": rep.BlockingIssuesCount,
			"phase_number": rep.PhaseNumber, "depth": rep.Depth,
		}); err != nil {
			return err
		}
		cur, err := t.repo.GetProject(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.ProjectQA {
			return nil
		}
		out.gated = true
		payload := events.EventPayload{"report_id": rep.ID}
		if out.passed {
			if _, err := t.transition(cur, lifecycle.QAPassed, opts.ActorID, payload); err != nil {
				return err
			}
			return t.resolveQAIterations(p.ID, rep.PhaseNumber, "qa passed: report "+rep.ID)
		}
		if cur, err = t.transition(cur, lifecycle.QAFailed, opts.ActorID, payload); err != nil {
			return err
		}
		used, err := t.repo.CountQAIterations(ctx, p.ID, rep.PhaseNumber)
		if err != nil {
			return err
		}
		if used >= cfg.Pipeline.MaxIterations {
			if _, err := t.transition(cur, lifecycle.Fail, opts.ActorID, payload); err != nil {
				return err
			}
			if plan.ID != "" && rep.PhaseNumber > 0 {
				if err := t.repo.UpdatePhaseStatus(ctx, plan.ID, rep.PhaseNumber, domain.PhaseFailed); err != nil {
					return err
				}
			}
			return t.note(p.ID, opts.ActorID, fmt.Sprintf("phase %d failed qa after %d iterations", rep.PhaseNumber, used), payload)
		}
		var scope []int
		if rep.PhaseNumber > 0 {
			scope = []int{rep.PhaseNumber}
		}
		it, _, err := t.recordIteration(cur, RecordIterationOptions{
			ProjectID:   p.ID,
			Feedback:    qaFeedback(rep),
			Trigger:     domain.TriggerQAFailure,
			ScopePhases: scope,
			ActorID:     opts.ActorID,
		})
		if err != nil {
			return err
		}
		if it.Status == domain.IterationPending {
			out.iteration = &it
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	metrics.QAReports.WithLabelValues(string(rep.OverallStatus)).Inc()
	return out, nil
}

// qaFeedback names the report and its blocking checks so that every
// failing report yields distinct feedback.
func qaFeedback(rep domain.QAReport) string {
	var names []string
	for _, c := range rep.Checks {
		if c.Status == domain.CheckFail && c.Severity == domain.SeverityCritical {
			name := c.Name
			if c.Location != "" {
				name += " at " + c.Location
			}
			names = append(names, name)
		}
	}
	return fmt.Sprintf("QA report %s: %d blocking issue(s): %s", rep.ID, rep.BlockingIssuesCount, strings.Join(names, "; "))
}

func (e Engine) GetQAReport(ctx context.Context, id string) (domain.QAReport, error) {
	return e.Repo.GetQAReport(ctx, id)
}

func (e Engine) ListQAReports(ctx context.Context, projectID string, limit int) ([]domain.QAReport, error) {
	return e.Repo.ListQAReports(ctx, projectID, limit)
}
