package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

// InsertQAReport stores a report and its checks. Reports are never updated.
func (r Repo) InsertQAReport(ctx context.Context, rep domain.QAReport) error {
	focus, err := marshalJSON(rep.FocusAreas)
	if err != nil {
		return err
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO qa_reports(id,project_id,execution_id,phase_number,depth,focus_areas_json,overall_status,blocking_issues_count,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		rep.ID, rep.ProjectID, rep.ExecutionID, nullableInt(rep.PhaseNumber), rep.Depth, focus, rep.OverallStatus, rep.BlockingIssuesCount, FormatTime(rep.CreatedAt)); err != nil {
		return err
	}
	for i, c := range rep.Checks {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO qa_checks(report_id,position,category,name,status,severity,location,message,suggestion) VALUES (?,?,?,?,?,?,?,?,?)`,
			rep.ID, i+1, c.Category, c.Name, c.Status, c.Severity, nullable(c.Location), nullable(c.Message), nullable(c.Suggestion)); err != nil {
			return err
		}
	}
	return nil
}

const qaReportColumns = `id,project_id,execution_id,COALESCE(phase_number,0),depth,focus_areas_json,overall_status,blocking_issues_count,created_at`

func scanQAReport(s scanner) (domain.QAReport, error) {
	var (
		rep       domain.QAReport
		focus     sql.NullString
		createdAt string
	)
	err := s.Scan(&rep.ID, &rep.ProjectID, &rep.ExecutionID, &rep.PhaseNumber, &rep.Depth, &focus, &rep.OverallStatus, &rep.BlockingIssuesCount, &createdAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	if err := unmarshalJSON(focus, &rep.FocusAreas); err != nil {
		return rep, err
	}
	rep.CreatedAt, err = ParseTime(createdAt)
	return rep, err
}

func (r Repo) GetQAReport(ctx context.Context, id string) (domain.QAReport, error) {
	rep, err := scanQAReport(r.DB.QueryRowContext(ctx, `SELECT `+qaReportColumns+` FROM qa_reports WHERE id=?`, id))
	if err != nil {
		return rep, err
	}
	rep.Checks, err = r.listChecks(ctx, rep.ID)
	return rep, err
}

// ListQAReports returns a project's reports newest first, checks included.
func (r Repo) ListQAReports(ctx context.Context, projectID string, limit int) ([]domain.QAReport, error) {
	query := `SELECT ` + qaReportColumns + ` FROM qa_reports WHERE project_id=? ORDER BY created_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.QAReport
	for rows.Next() {
		rep, err := scanQAReport(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, rep)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].Checks, err = r.listChecks(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) listChecks(ctx context.Context, reportID string) ([]domain.QACheck, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT category,name,status,severity,COALESCE(location,''),COALESCE(message,''),COALESCE(suggestion,'') FROM qa_checks WHERE report_id=? ORDER BY position`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QACheck
	for rows.Next() {
		var c domain.QACheck
		if err := rows.Scan(&c.Category, &c.Name, &c.Status, &c.Severity, &c.Location, &c.Message, &c.Suggestion); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
