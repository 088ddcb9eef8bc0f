package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shipline/internal/domain"
)

const planColumns = `id,project_id,version,status,COALESCE(summary,''),created_at,updated_at`

func scanPlan(s scanner) (domain.Plan, error) {
	var (
		p                    domain.Plan
		createdAt, updatedAt string
	)
	err := s.Scan(&p.ID, &p.ProjectID, &p.Version, &p.Status, &p.Summary, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.CreatedAt, err = ParseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

// InsertPlan stores a plan and its phases. Callers abandon the previous
// active plan first.
func (r Repo) InsertPlan(ctx context.Context, p domain.Plan) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO plans(id,project_id,version,status,summary,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.Version, p.Status, nullable(p.Summary), FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("plan for project %s: %w", p.ProjectID, ErrConflict)
		}
		return err
	}
	for _, ph := range p.Phases {
		agents, err := marshalJSON(ph.RequiredAgents)
		if err != nil {
			return err
		}
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO plan_phases(plan_id,phase_number,name,kind,workflow,status,required_agents_json,qa_depth,requires_approval,approval_status) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			p.ID, ph.Number, ph.Name, ph.Kind, ph.Workflow, ph.Status, agents, ph.QADepth, ph.RequiresApproval, ph.ApprovalStatus); err != nil {
			return fmt.Errorf("insert phase %d: %w", ph.Number, err)
		}
	}
	return nil
}

func (r Repo) NextPlanVersion(ctx context.Context, projectID string) (int, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM plans WHERE project_id=?`, projectID).Scan(&v)
	return v, err
}

// AbandonActivePlans marks every non-terminal plan of the project abandoned.
func (r Repo) AbandonActivePlans(ctx context.Context, projectID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE plans SET status='abandoned', updated_at=? WHERE project_id=? AND status NOT IN ('abandoned','completed')`, FormatTime(now), projectID)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	p, err := scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	p.Phases, err = r.listPhases(ctx, p.ID)
	return p, err
}

// ActivePlan returns the project's current plan.
func (r Repo) ActivePlan(ctx context.Context, projectID string) (domain.Plan, error) {
	p, err := scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE project_id=? AND status!='abandoned' ORDER BY version DESC LIMIT 1`, projectID))
	if err != nil {
		return p, err
	}
	p.Phases, err = r.listPhases(ctx, p.ID)
	return p, err
}

func (r Repo) listPhases(ctx context.Context, planID string) ([]domain.PlanPhase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT plan_id,phase_number,name,kind,workflow,status,required_agents_json,qa_depth,requires_approval,approval_status FROM plan_phases WHERE plan_id=? ORDER BY phase_number`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlanPhase
	for rows.Next() {
		var (
			ph     domain.PlanPhase
			agents sql.NullString
		)
		if err := rows.Scan(&ph.PlanID, &ph.Number, &ph.Name, &ph.Kind, &ph.Workflow, &ph.Status, &agents, &ph.QADepth, &ph.RequiresApproval, &ph.ApprovalStatus); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(agents, &ph.RequiredAgents); err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePlanStatus(ctx context.Context, id string, status domain.PlanStatus, now time.Time) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE plans SET status=?, updated_at=? WHERE id=?`, status, FormatTime(now), id))
}

func (r Repo) UpdatePhaseStatus(ctx context.Context, planID string, number int, status domain.PhaseStatus) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE plan_phases SET status=? WHERE plan_id=? AND phase_number=?`, status, planID, number))
}

func (r Repo) UpdatePhaseApproval(ctx context.Context, planID string, number int, status domain.PhaseApprovalStatus) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE plan_phases SET approval_status=? WHERE plan_id=? AND phase_number=?`, status, planID, number))
}
