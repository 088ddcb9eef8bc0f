package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shipline/internal/domain"
)

const iterationColumns = `id,project_id,iteration_number,type,trigger_kind,feedback,feedback_hash,scope_json,COALESCE(approval_type,''),COALESCE(approval_ref_kind,''),COALESCE(approval_ref_id,''),COALESCE(run_id,''),status,COALESCE(resolution,''),created_at,resolved_at`

func scanIteration(s scanner) (domain.Iteration, error) {
	var (
		it             domain.Iteration
		scope          sql.NullString
		refKind, refID string
		createdAt      string
		resolvedAt     sql.NullString
	)
	err := s.Scan(&it.ID, &it.ProjectID, &it.Number, &it.Type, &it.Trigger, &it.Feedback, &it.FeedbackHash, &scope, &it.ApprovalType, &refKind, &refID,
		&it.RunID, &it.Status, &it.Resolution, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if err := unmarshalJSON(scope, &it.ScopePhases); err != nil {
		return it, err
	}
	if refKind != "" {
		it.ApprovalRef = &domain.Reference{Kind: refKind, ID: refID}
	}
	if it.CreatedAt, err = ParseTime(createdAt); err != nil {
		return it, err
	}
	it.ResolvedAt, err = parseNullTime(resolvedAt)
	return it, err
}

func (r Repo) NextIterationNumber(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(iteration_number),0)+1 FROM iterations WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// InsertIteration stores a new iteration. An unresolved iteration with the
// same feedback hash yields ErrConflict.
func (r Repo) InsertIteration(ctx context.Context, it domain.Iteration) error {
	scope, err := marshalJSON(it.ScopePhases)
	if err != nil {
		return err
	}
	if scope == nil {
		scope = "[]"
	}
	var refKind, refID string
	if it.ApprovalRef != nil {
		refKind, refID = it.ApprovalRef.Kind, it.ApprovalRef.ID
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO iterations(id,project_id,iteration_number,type,trigger_kind,feedback,feedback_hash,scope_json,approval_type,approval_ref_kind,approval_ref_id,run_id,status,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Number, it.Type, it.Trigger, it.Feedback, it.FeedbackHash, scope, nullable(string(it.ApprovalType)), nullable(refKind), nullable(refID),
		nullable(it.RunID), it.Status, FormatTime(it.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("iteration for project %s: %w", it.ProjectID, ErrConflict)
	}
	return err
}

func (r Repo) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	return scanIteration(r.DB.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE id=?`, id))
}

// OpenIterationByHash finds the unresolved iteration carrying this feedback.
func (r Repo) OpenIterationByHash(ctx context.Context, projectID, hash string) (domain.Iteration, error) {
	return scanIteration(r.DB.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE project_id=? AND feedback_hash=? AND status!='resolved'`, projectID, hash))
}

// StartIteration records the rework run and moves the iteration to in_progress.
func (r Repo) StartIteration(ctx context.Context, id, runID string) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE iterations SET status='in_progress', run_id=? WHERE id=? AND status!='resolved'`, runID, id))
}

// ResolveIteration closes an unresolved iteration.
func (r Repo) ResolveIteration(ctx context.Context, id, resolution string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE iterations SET status='resolved', resolution=?, resolved_at=? WHERE id=? AND status!='resolved'`, nullable(resolution), FormatTime(at), id)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("iteration %s is not open: %w", id, ErrConflict)
		}
		return err
	}
	return nil
}

type IterationFilters struct {
	ProjectID string
	Status    string
	Trigger   string
	Limit     int
}

// ListIterations returns iterations in iteration_number order.
func (r Repo) ListIterations(ctx context.Context, f IterationFilters) ([]domain.Iteration, error) {
	query := `SELECT ` + iterationColumns + ` FROM iterations WHERE project_id=?`
	args := []any{f.ProjectID}
	if f.Status == "open" {
		query += ` AND status!='resolved'`
	} else if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Trigger != "" {
		query += ` AND trigger_kind=?`
		args = append(args, f.Trigger)
	}
	query += ` ORDER BY iteration_number`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// IterationForRun returns the iteration whose rework run is runID.
func (r Repo) IterationForRun(ctx context.Context, runID string) (domain.Iteration, error) {
	return scanIteration(r.DB.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE run_id=?`, runID))
}

// CountQAIterations counts qa_failure iterations touching phase.
func (r Repo) CountQAIterations(ctx context.Context, projectID string, phase int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM iterations, json_each(iterations.scope_json) WHERE project_id=? AND trigger_kind='qa_failure' AND json_each.value=?`, projectID, phase).Scan(&n)
	return n, err
}
