package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shipline/internal/domain"
)

const executionColumns = `id,project_id,COALESCE(run_id,''),COALESCE(step_id,0),agent_type,instruction,context_json,status,COALESCE(result,''),files_json,tokens_in,tokens_out,cost_usd,COALESCE(error_message,''),started_at,completed_at,duration_ms,created_at`

func scanExecution(s scanner) (domain.AgentExecution, error) {
	var (
		ex                     domain.AgentExecution
		ctxJSON, files         sql.NullString
		startedAt, completedAt sql.NullString
		duration               sql.NullInt64
		createdAt              string
	)
	err := s.Scan(&ex.ID, &ex.ProjectID, &ex.RunID, &ex.StepID, &ex.AgentType, &ex.Instruction, &ctxJSON, &ex.Status, &ex.Result, &files,
		&ex.TokensIn, &ex.TokensOut, &ex.CostUSD, &ex.ErrorMessage, &startedAt, &completedAt, &duration, &createdAt)
	if err == sql.ErrNoRows {
		return ex, ErrNotFound
	}
	if err != nil {
		return ex, err
	}
	if err := unmarshalJSON(ctxJSON, &ex.Context); err != nil {
		return ex, err
	}
	if err := unmarshalJSON(files, &ex.Files); err != nil {
		return ex, err
	}
	if ex.StartedAt, err = parseNullTime(startedAt); err != nil {
		return ex, err
	}
	if ex.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return ex, err
	}
	ex.DurationMS = int64Ptr(duration)
	ex.CreatedAt, err = ParseTime(createdAt)
	return ex, err
}

func (r Repo) InsertExecution(ctx context.Context, ex domain.AgentExecution) error {
	ctxJSON, err := marshalJSON(ex.Context)
	if err != nil {
		return err
	}
	var stepID any
	if ex.StepID != 0 {
		stepID = ex.StepID
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO agent_executions(id,project_id,run_id,step_id,agent_type,instruction,context_json,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		ex.ID, ex.ProjectID, nullable(ex.RunID), stepID, ex.AgentType, ex.Instruction, ctxJSON, ex.Status, FormatTime(ex.CreatedAt))
	return err
}

// MarkExecutionRunning moves a pending execution to running.
func (r Repo) MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE agent_executions SET status='running', started_at=? WHERE id=? AND status='pending'`, FormatTime(startedAt), id))
}

// FinalizeExecution writes the outcome. The update only applies to a
// running execution, so an execution is finalized exactly once.
func (r Repo) FinalizeExecution(ctx context.Context, ex domain.AgentExecution) error {
	if ex.CompletedAt == nil || ex.DurationMS == nil {
		return errors.New("finalize execution: completed_at and duration_ms are required")
	}
	files, err := marshalJSON(ex.Files)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE agent_executions SET status=?, result=?, files_json=?, tokens_in=?, tokens_out=?, cost_usd=?, error_message=?, completed_at=?, duration_ms=? WHERE id=? AND status='running'`,
		ex.Status, nullable(ex.Result), files, ex.TokensIn, ex.TokensOut, ex.CostUSD, nullable(ex.ErrorMessage), FormatTime(*ex.CompletedAt), *ex.DurationMS, ex.ID)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("execution %s already finalized: %w", ex.ID, ErrConflict)
		}
		return err
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.AgentExecution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM agent_executions WHERE id=?`, id))
}

// LatestExecutionForStep returns the newest execution dispatched for a step.
func (r Repo) LatestExecutionForStep(ctx context.Context, stepID int64) (domain.AgentExecution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM agent_executions WHERE step_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, stepID))
}

type ExecutionFilters struct {
	ProjectID string
	RunID     string
	AgentType string
	Status    string
	Limit     int
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.AgentExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM agent_executions WHERE project_id=?`
	args := []any{f.ProjectID}
	if f.RunID != "" {
		query += ` AND run_id=?`
		args = append(args, f.RunID)
	}
	if f.AgentType != "" {
		query += ` AND agent_type=?`
		args = append(args, f.AgentType)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

// ProjectCost sums the recorded agent cost of a project.
func (r Repo) ProjectCost(ctx context.Context, projectID string) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost_usd),0) FROM agent_executions WHERE project_id=?`, projectID).Scan(&total)
	return total, err
}
