package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shipline/internal/domain"
)

const runColumns = `id,run_id,project_id,COALESCE(user_id,''),COALESCE(conversation_id,''),workflow_name,COALESCE(phase_number,0),COALESCE(iteration_id,''),status,input_data,output_data,COALESCE(error_message,''),steps_completed,steps_total,started_at,completed_at,duration_ms,created_at`

func scanRun(s scanner) (domain.WorkflowRun, error) {
	var (
		run                    domain.WorkflowRun
		input, output          sql.NullString
		startedAt, completedAt sql.NullString
		duration               sql.NullInt64
		createdAt              string
	)
	err := s.Scan(&run.ID, &run.RunID, &run.ProjectID, &run.UserID, &run.ConversationID, &run.WorkflowName, &run.PhaseNumber, &run.IterationID,
		&run.Status, &input, &output, &run.ErrorMessage, &run.StepsCompleted, &run.StepsTotal, &startedAt, &completedAt, &duration, &createdAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if err := unmarshalJSON(input, &run.InputData); err != nil {
		return run, fmt.Errorf("run input: %w", err)
	}
	if err := unmarshalJSON(output, &run.OutputData); err != nil {
		return run, fmt.Errorf("run output: %w", err)
	}
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return run, err
	}
	if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return run, err
	}
	run.DurationMS = int64Ptr(duration)
	run.CreatedAt, err = ParseTime(createdAt)
	return run, err
}

// AcquireRunLock claims the per-project advisory lock. A held lock yields
// ErrConflict.
func (r Repo) AcquireRunLock(ctx context.Context, projectID, runID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO run_locks(project_id,run_id,acquired_at) VALUES (?,?,?)`, projectID, runID, FormatTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s has an active run: %w", projectID, ErrConflict)
	}
	return err
}

// ReleaseRunLock drops the lock if it is still held by runID.
func (r Repo) ReleaseRunLock(ctx context.Context, projectID, runID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM run_locks WHERE project_id=? AND run_id=?`, projectID, runID)
	return err
}

// RunLockHolder returns the run holding the project lock, or "".
func (r Repo) RunLockHolder(ctx context.Context, projectID string) (string, error) {
	var runID string
	err := r.DB.QueryRowContext(ctx, `SELECT run_id FROM run_locks WHERE project_id=?`, projectID).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return runID, err
}

// InsertRun stores the run and all of its steps, returning the row ids.
func (r Repo) InsertRun(ctx context.Context, run domain.WorkflowRun) (domain.WorkflowRun, error) {
	input, err := marshalJSON(run.InputData)
	if err != nil {
		return run, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO workflow_runs(run_id,project_id,user_id,conversation_id,workflow_name,phase_number,iteration_id,status,input_data,steps_completed,steps_total,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID, run.ProjectID, nullable(run.UserID), nullable(run.ConversationID), run.WorkflowName, nullableInt(run.PhaseNumber), nullable(run.IterationID),
		run.Status, input, run.StepsCompleted, run.StepsTotal, FormatTime(run.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return run, fmt.Errorf("run %s: %w", run.RunID, ErrConflict)
		}
		return run, err
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return run, err
	}
	for i := range run.Steps {
		st := &run.Steps[i]
		st.WorkflowRunID = run.ID
		args, err := marshalJSON(st.ToolArgs)
		if err != nil {
			return run, err
		}
		res, err := r.DB.ExecContext(ctx, `INSERT INTO workflow_steps(workflow_run_id,step_number,step_name,tool_name,tool_args,optional,status,retry_count) VALUES (?,?,?,?,?,?,?,0)`,
			run.ID, st.StepNumber, st.StepName, st.ToolName, args, st.Optional, st.Status)
		if err != nil {
			if isUniqueViolation(err) {
				return run, fmt.Errorf("step %d of %s: %w", st.StepNumber, run.RunID, ErrConflict)
			}
			return run, err
		}
		if st.ID, err = res.LastInsertId(); err != nil {
			return run, err
		}
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE run_id=?`, runID))
}

// GetRunWithSteps loads the run and its ordered steps.
func (r Repo) GetRunWithSteps(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	run.Steps, err = r.ListSteps(ctx, run.ID)
	return run, err
}

// MarkRunRunning moves a pending run to running.
func (r Repo) MarkRunRunning(ctx context.Context, runID string, startedAt time.Time) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE workflow_runs SET status='running', started_at=? WHERE run_id=? AND status='pending'`, FormatTime(startedAt), runID))
}

// IncrementStepsCompleted bumps the counter, bounded by steps_total.
func (r Repo) IncrementStepsCompleted(ctx context.Context, runRowID int64) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE workflow_runs SET steps_completed=steps_completed+1 WHERE id=? AND steps_completed < steps_total AND status='running'`, runRowID))
}

// FinishRun writes the terminal state once. A run that is already terminal
// is left alone and ErrConflict is returned.
func (r Repo) FinishRun(ctx context.Context, run domain.WorkflowRun) error {
	if !run.Status.Terminal() || run.CompletedAt == nil || run.DurationMS == nil {
		return errors.New("finish run: terminal status, completed_at and duration_ms are required")
	}
	output, err := marshalJSON(run.OutputData)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_runs SET status=?, output_data=?, error_message=?, completed_at=?, duration_ms=?, started_at=COALESCE(started_at, ?) WHERE run_id=? AND status IN ('pending','running')`,
		run.Status, output, nullable(run.ErrorMessage), FormatTime(*run.CompletedAt), *run.DurationMS, FormatTime(*run.CompletedAt), run.RunID)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("run %s already finished: %w", run.RunID, ErrConflict)
		}
		return err
	}
	return nil
}

type RunFilters struct {
	ProjectID string
	Status    string
	Workflow  string
	Limit     int
	CursorID  int64
}

// ListRuns returns runs newest first.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.WorkflowRun, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Workflow != "" {
		clauses = append(clauses, "workflow_name=?")
		args = append(args, f.Workflow)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ActiveRuns lists pending or running runs, optionally for one project.
func (r Repo) ActiveRuns(ctx context.Context, projectID string) ([]domain.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE status IN ('pending','running')`
	var args []any
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

const stepColumns = `id,workflow_run_id,step_number,step_name,tool_name,tool_args,optional,COALESCE(result,''),status,COALESCE(error_message,''),retry_count,started_at,completed_at,duration_ms`

func scanStep(s scanner) (domain.WorkflowStep, error) {
	var (
		st                     domain.WorkflowStep
		args                   sql.NullString
		startedAt, completedAt sql.NullString
		duration               sql.NullInt64
	)
	err := s.Scan(&st.ID, &st.WorkflowRunID, &st.StepNumber, &st.StepName, &st.ToolName, &args, &st.Optional, &st.Result, &st.Status,
		&st.ErrorMessage, &st.RetryCount, &startedAt, &completedAt, &duration)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if err := unmarshalJSON(args, &st.ToolArgs); err != nil {
		return st, err
	}
	if st.StartedAt, err = parseNullTime(startedAt); err != nil {
		return st, err
	}
	if st.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return st, err
	}
	st.DurationMS = int64Ptr(duration)
	return st, nil
}

func (r Repo) ListSteps(ctx context.Context, runRowID int64) ([]domain.WorkflowStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_run_id=? ORDER BY step_number`, runRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) GetStep(ctx context.Context, id int64) (domain.WorkflowStep, error) {
	return scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE id=?`, id))
}

// StartStepAttempt marks a step running. The first attempt comes from
// pending; retries re-enter running from running and bump retry_count.
// Steps of a run that is no longer running are left alone (ErrNotFound).
func (r Repo) StartStepAttempt(ctx context.Context, stepID int64, retryCount int, startedAt time.Time) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE workflow_steps SET status='running', retry_count=?, error_message=NULL, started_at=COALESCE(started_at, ?)
WHERE id=? AND status IN ('pending','running')
AND EXISTS (SELECT 1 FROM workflow_runs w WHERE w.id = workflow_steps.workflow_run_id AND w.status='running')`,
		retryCount, FormatTime(startedAt), stepID))
}

// RecordStepError keeps the latest attempt error on a running step.
func (r Repo) RecordStepError(ctx context.Context, stepID int64, msg string) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE workflow_steps SET error_message=? WHERE id=? AND status='running'`, msg, stepID))
}

// FinishStep moves a running step to a terminal step status.
func (r Repo) FinishStep(ctx context.Context, st domain.WorkflowStep) error {
	if st.CompletedAt == nil || st.DurationMS == nil {
		return errors.New("finish step: completed_at and duration_ms are required")
	}
	return expectOne(r.DB.ExecContext(ctx, `UPDATE workflow_steps SET status=?, result=?, error_message=?, completed_at=?, duration_ms=? WHERE id=? AND status='running'`,
		st.Status, nullable(st.Result), nullable(st.ErrorMessage), FormatTime(*st.CompletedAt), *st.DurationMS, st.ID))
}

// ActiveStep returns the running step of the project's active run.
func (r Repo) ActiveStep(ctx context.Context, projectID string) (domain.WorkflowStep, error) {
	return scanStep(r.DB.QueryRowContext(ctx, `SELECT s.id,s.workflow_run_id,s.step_number,s.step_name,s.tool_name,s.tool_args,s.optional,COALESCE(s.result,''),s.status,COALESCE(s.error_message,''),s.retry_count,s.started_at,s.completed_at,s.duration_ms
FROM workflow_steps s JOIN workflow_runs w ON w.id = s.workflow_run_id
WHERE w.project_id=? AND w.status='running' AND s.status='running' ORDER BY s.id DESC LIMIT 1`, projectID))
}

// FailRunningSteps closes steps left running by an interrupted run.
func (r Repo) FailRunningSteps(ctx context.Context, runRowID int64, msg string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_steps SET status='failed', error_message=?, completed_at=?,
duration_ms=CAST((julianday(?) - julianday(COALESCE(started_at, ?))) * 86400000 AS INTEGER)
WHERE workflow_run_id=? AND status='running'`, msg, FormatTime(at), FormatTime(at), FormatTime(at), runRowID)
	return err
}

// ReleaseStaleLocks drops locks whose run is no longer active.
func (r Repo) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM run_locks WHERE run_id NOT IN (SELECT run_id FROM workflow_runs WHERE status IN ('pending','running'))`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
