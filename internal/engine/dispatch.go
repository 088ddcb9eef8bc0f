package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shipline/internal/agent"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/metrics"
	"shipline/internal/repo"
)

const defaultAgentTimeout = 120 * time.Second

// DispatchRequest is one agent call, optionally tied to a run step.
type DispatchRequest struct {
	ProjectID   string           `validate:"required"`
	RunID       string
	StepID      int64
	AgentType   domain.AgentType `validate:"required"`
	Instruction string
	Context     map[string]any
}

// Dispatch sends one request to the agent executor and records it as an
// AgentExecution. It never retries: a timeout or transport failure returns
// ErrAgentTransient, a partial or failed agent result returns
// ErrAgentPartial. The execution is returned in every case it was created.
func (e Engine) Dispatch(ctx context.Context, req DispatchRequest) (domain.AgentExecution, error) {
	if err := check(req); err != nil {
		return domain.AgentExecution{}, err
	}
	if !req.AgentType.Valid() {
		return domain.AgentExecution{}, &ValidationError{Fields: map[string]string{"AgentType": fmt.Sprintf("unknown agent %q", req.AgentType)}}
	}
	if e.Agents == nil {
		return domain.AgentExecution{}, errors.New("no agent executor configured")
	}
	if _, err := e.Repo.GetProject(ctx, req.ProjectID); err != nil {
		return domain.AgentExecution{}, err
	}
	wctx := context.WithoutCancel(ctx)
	timeout := defaultAgentTimeout
	if cfg := e.projectConfig(ctx, e.Repo, req.ProjectID); cfg != nil && cfg.Pipeline.AgentTimeout > 0 {
		timeout = cfg.Pipeline.AgentTimeout
	}

	now := e.now()
	ex := domain.AgentExecution{
		ID:          e.newID(),
		ProjectID:   req.ProjectID,
		RunID:       req.RunID,
		StepID:      req.StepID,
		AgentType:   req.AgentType,
		Instruction: req.Instruction,
		Context:     req.Context,
		Status:      domain.ExecutionPending,
		CreatedAt:   now,
	}
	err := e.withTx(ctx, func(t *txn) error {
		if err := t.repo.InsertExecution(ctx, ex); err != nil {
			return err
		}
		if err := t.emit(events.AgentStatusUpdate, ex.ProjectID, "agent_execution", ex.ID, "", agentPayload(ex)); err != nil {
			return err
		}
		if err := t.repo.MarkExecutionRunning(ctx, ex.ID, now); err != nil {
			return err
		}
		ex.Status = domain.ExecutionRunning
		ex.StartedAt = &now
		return t.emit(events.AgentStatusUpdate, ex.ProjectID, "agent_execution", ex.ID, "", agentPayload(ex))
	})
	if err != nil {
		return domain.AgentExecution{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	res, callErr := e.Agents.Execute(callCtx, agent.Request{
		AgentType:   req.AgentType,
		ProjectID:   req.ProjectID,
		RunID:       req.RunID,
		Instruction: req.Instruction,
		Context:     req.Context,
		Timeout:     timeout,
	})
	cancel()

	end := e.now()
	ex.CompletedAt = &end
	ex.DurationMS = durationMS(ex.StartedAt, end)
	ex.Result = res.Output
	ex.Files = res.Files
	ex.TokensIn = res.TokensIn
	ex.TokensOut = res.TokensOut
	ex.CostUSD = res.CostUSD

	var outErr error
	switch {
	case ctx.Err() != nil:
		ex.Status = domain.ExecutionCancelled
		ex.ErrorMessage = "cancelled"
		outErr = context.Cause(ctx)
	case callErr != nil:
		ex.Status = domain.ExecutionFailed
		ex.ErrorMessage = callErr.Error()
		if errors.Is(callErr, context.DeadlineExceeded) {
			ex.ErrorMessage = fmt.Sprintf("timed out after %s", timeout)
		}
		outErr = fmt.Errorf("%w: %s: %s", ErrAgentTransient, req.AgentType, ex.ErrorMessage)
	case res.Status == agent.StatusPartial || res.Status == agent.StatusFailed:
		ex.Status = domain.ExecutionPartial
		ex.ErrorMessage = res.Error
		if ex.ErrorMessage == "" {
			ex.ErrorMessage = "agent reported " + string(res.Status)
		}
		outErr = fmt.Errorf("%w: %s: %s", ErrAgentPartial, req.AgentType, ex.ErrorMessage)
	default:
		ex.Status = domain.ExecutionSuccess
	}

	err = e.withTx(wctx, func(t *txn) error {
		if err := t.repo.FinalizeExecution(wctx, ex); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return conflict(err, "execution %s already finalized", ex.ID)
			}
			return err
		}
		if err := t.emit(events.AgentStatusUpdate, ex.ProjectID, "agent_execution", ex.ID, "", agentPayload(ex)); err != nil {
			return err
		}
		for _, f := range ex.Files {
			if err := t.emit(events.FileUpdated, ex.ProjectID, "file", f, "", events.EventPayload{
				"path": f, "execution_id": ex.ID, "agent_type": ex.AgentType, "run_id": ex.RunID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ex, err
	}
	metrics.AgentExecutions.WithLabelValues(string(ex.AgentType), string(ex.Status)).Inc()
	metrics.AgentDuration.WithLabelValues(string(ex.AgentType)).Observe(float64(*ex.DurationMS) / 1000)
	if ex.CostUSD > 0 {
		metrics.AgentCost.WithLabelValues(string(ex.AgentType)).Add(ex.CostUSD)
	}
	if outErr != nil {
		e.log().Warn("agent execution did not succeed", zap.String("execution_id", ex.ID), zap.String("agent", string(ex.AgentType)),
			zap.String("status", string(ex.Status)), zap.Error(outErr))
	}
	return ex, outErr
}

func agentPayload(ex domain.AgentExecution) events.EventPayload {
	p := events.EventPayload{
		"agent_type": ex.AgentType,
		"status":     ex.Status,
		"run_id":     ex.RunID,
		"step_id":    ex.StepID,
	}
	if ex.Status != domain.ExecutionPending && ex.Status != domain.ExecutionRunning {
		p["tokens_in"] = ex.TokensIn
		p["tokens_out"] = ex.TokensOut
		p["cost_usd"] = ex.CostUSD
		p["duration_ms"] = ex.DurationMS
		if ex.ErrorMessage != "" {
			p["error_message"] = ex.ErrorMessage
		}
	}
	return p
}

// CurrentAgent returns the execution attached to the project's running
// step. It is derived on every call.
func (e Engine) CurrentAgent(ctx context.Context, projectID string) (domain.AgentExecution, error) {
	st, err := e.Repo.ActiveStep(ctx, projectID)
	if err != nil {
		return domain.AgentExecution{}, err
	}
	return e.Repo.LatestExecutionForStep(ctx, st.ID)
}

func (e Engine) ListExecutions(ctx context.Context, f repo.ExecutionFilters) ([]domain.AgentExecution, error) {
	return e.Repo.ListExecutions(ctx, f)
}
