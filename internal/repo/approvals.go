package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shipline/internal/domain"
)

const approvalColumns = `id,project_id,approval_type,reference_kind,reference_id,status,requested_at,expires_at,resolved_at,COALESCE(resolved_by,''),COALESCE(response_note,'')`

func scanApproval(s scanner) (domain.Approval, error) {
	var (
		a                      domain.Approval
		requestedAt, expiresAt string
		resolvedAt             sql.NullString
	)
	err := s.Scan(&a.ID, &a.ProjectID, &a.Type, &a.Reference.Kind, &a.Reference.ID, &a.Status, &requestedAt, &expiresAt, &resolvedAt, &a.ResolvedBy, &a.ResponseNote)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if a.RequestedAt, err = ParseTime(requestedAt); err != nil {
		return a, err
	}
	if a.ExpiresAt, err = ParseTime(expiresAt); err != nil {
		return a, err
	}
	a.ResolvedAt, err = parseNullTime(resolvedAt)
	return a, err
}

// InsertApproval stores a pending approval. A second pending approval for
// the same (project, reference) yields ErrConflict.
func (r Repo) InsertApproval(ctx context.Context, a domain.Approval) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approvals(id,project_id,approval_type,reference_kind,reference_id,status,requested_at,expires_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Type, a.Reference.Kind, a.Reference.ID, a.Status, FormatTime(a.RequestedAt), FormatTime(a.ExpiresAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("pending approval exists for %s %s: %w", a.Reference.Kind, a.Reference.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

// ResolveApproval moves a pending approval to status. Already resolved
// approvals yield ErrConflict.
func (r Repo) ResolveApproval(ctx context.Context, id string, status domain.ApprovalStatus, by, note string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE approvals SET status=?, resolved_at=?, resolved_by=?, response_note=? WHERE id=? AND status='pending'`,
		status, FormatTime(at), nullable(by), nullable(note), id)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("approval %s is not pending: %w", id, ErrConflict)
		}
		return err
	}
	return nil
}

type ApprovalFilters struct {
	ProjectID string
	Status    string
	Type      string
	Limit     int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += ` AND approval_type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY requested_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryApprovals(ctx, query, args...)
}

// ExpiredPending lists pending approvals whose expires_at is not after now.
func (r Repo) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE status='pending' AND expires_at <= ? ORDER BY expires_at, id LIMIT ?`, FormatTime(now), limit)
}

// LatestApprovalFor returns the newest approval for a reference.
func (r Repo) LatestApprovalFor(ctx context.Context, projectID string, ref domain.Reference) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE project_id=? AND reference_kind=? AND reference_id=? ORDER BY requested_at DESC, id DESC LIMIT 1`,
		projectID, ref.Kind, ref.ID))
}

func (r Repo) queryApprovals(ctx context.Context, query string, args ...any) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
