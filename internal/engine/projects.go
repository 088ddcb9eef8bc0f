package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine/lifecycle"
	"shipline/internal/events"
	"shipline/internal/repo"
)

type CreateProjectOptions struct {
	ID             string
	Name           string  `validate:"required,max=200"`
	Prompt         string  `validate:"max=20000"`
	BudgetLimitUSD float64 `validate:"gte=0"`
	// Config overrides the engine's default pipeline config.
	Config  *config.Config
	ActorID string
}

// CreateProject stores a project in intake together with its pipeline config.
func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	if err := check(opts); err != nil {
		return domain.Project{}, err
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = e.Config
	}
	if err := cfg.Validate(); err != nil {
		return domain.Project{}, invalid("%v", err)
	}
	now := e.now()
	p := domain.Project{
		ID:        opts.ID,
		Name:      opts.Name,
		Prompt:    opts.Prompt,
		Status:    domain.ProjectIntake,
		Settings:  domain.ProjectSettings{BudgetLimitUSD: opts.BudgetLimitUSD},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := e.withTx(ctx, func(t *txn) error {
		if err := t.repo.InsertProject(ctx, p); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return conflict(err, "project %s already exists", p.ID)
			}
			return err
		}
		if err := t.repo.UpsertProjectConfig(ctx, p.ID, cfg, now); err != nil {
			return err
		}
		return t.emit(events.ProjectStatusUpdate, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
			"to": p.Status, "name": p.Name,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, f)
}

// ActivePlan returns the plan the project is working from.
func (e Engine) ActivePlan(ctx context.Context, projectID string) (domain.Plan, error) {
	return e.Repo.ActivePlan(ctx, projectID)
}

// UpdateProjectConfig replaces the pipeline config. Runs already started
// keep the config they were created with.
func (e Engine) UpdateProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return invalid("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return invalid("%v", err)
	}
	return e.withTx(ctx, func(t *txn) error {
		if _, err := t.repo.GetProject(ctx, projectID); err != nil {
			return err
		}
		if err := t.repo.UpsertProjectConfig(ctx, projectID, cfg, e.now()); err != nil {
			return err
		}
		return t.note(projectID, "", "pipeline config updated", nil)
	})
}

// applyEvent runs one lifecycle event on a project in its own transaction.
func (e Engine) applyEvent(ctx context.Context, projectID string, ev lifecycle.Event, actorID string) (domain.Project, error) {
	var p domain.Project
	err := e.withTx(ctx, func(t *txn) error {
		cur, err := t.repo.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		p, err = t.transition(cur, ev, actorID, nil)
		return err
	})
	return p, err
}

// PauseProject pauses a project and stops its active run. Completed steps
// are kept.
func (e Engine) PauseProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.haltProject(ctx, projectID, lifecycle.Pause, actorID)
}

func (e Engine) CancelProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.haltProject(ctx, projectID, lifecycle.Cancel, actorID)
}

func (e Engine) ArchiveProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.haltProject(ctx, projectID, lifecycle.Archive, actorID)
}

func (e Engine) haltProject(ctx context.Context, projectID string, ev lifecycle.Event, actorID string) (domain.Project, error) {
	p, err := e.applyEvent(ctx, projectID, ev, actorID)
	if err != nil {
		return p, err
	}
	if _, err := e.StopProjectRuns(ctx, projectID, actorID); err != nil {
		return p, err
	}
	return e.Repo.GetProject(ctx, projectID)
}

// ResumeProject restores the state a project was paused from. A project
// paused by an expired approval gets that approval re-requested; a working
// project continues its pipeline.
func (e Engine) ResumeProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	var reissue *domain.Approval
	p, err := e.applyEvent(ctx, projectID, lifecycle.Resume, actorID)
	if err != nil {
		return p, err
	}
	switch {
	case lifecycle.IsGate(p.Status):
		expired, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{ProjectID: p.ID, Status: string(domain.ApprovalExpired), Limit: 1})
		if err != nil {
			return p, err
		}
		if len(expired) == 0 {
			break
		}
		a := expired[0]
		pending, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{ProjectID: p.ID, Status: string(domain.ApprovalPending)})
		if err != nil {
			return p, err
		}
		for _, cur := range pending {
			if cur.Reference == a.Reference {
				return p, nil
			}
		}
		err = e.withTx(ctx, func(t *txn) error {
			cur, err := t.repo.GetProject(ctx, p.ID)
			if err != nil {
				return err
			}
			na, _, err := t.requestApproval(cur, RequestApprovalOptions{ProjectID: p.ID, Type: a.Type, Reference: a.Reference, ActorID: actorID})
			reissue = &na
			return err
		})
		if err != nil {
			return p, err
		}
		e.log().Info("approval re-requested", zap.String("project_id", p.ID), zap.String("approval_id", reissue.ID))
	case lifecycle.IsWorking(p.Status), p.Status == domain.ProjectApproved, p.Status == domain.ProjectDeploying:
		if _, _, err := e.advance(ctx, p.ID, actorID); err != nil {
			e.log().Warn("continue pipeline after resume", zap.String("project_id", p.ID), zap.Error(err))
		}
	}
	return e.Repo.GetProject(ctx, projectID)
}
