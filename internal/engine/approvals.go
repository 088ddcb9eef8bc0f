package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"shipline/internal/domain"
	"shipline/internal/engine/lifecycle"
	"shipline/internal/events"
	"shipline/internal/metrics"
	"shipline/internal/repo"
)

const defaultApprovalTTL = 72 * time.Hour

// Reference kinds used by the pipeline.
const (
	RefPlan        = "plan"
	RefPhase       = "phase"
	RefDeploy      = "deploy"
	RefUserTesting = "user_testing"
	RefQAReport    = "qa_report"
)

func phaseRef(planID string, number int) domain.Reference {
	return domain.Reference{Kind: RefPhase, ID: fmt.Sprintf("%s#%d", planID, number)}
}

func parsePhaseRef(ref domain.Reference) (string, int, bool) {
	if ref.Kind != RefPhase {
		return "", 0, false
	}
	planID, num, ok := strings.Cut(ref.ID, "#")
	if !ok {
		return "", 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, false
	}
	return planID, n, true
}

var phaseGates = map[domain.PhaseKind]domain.ProjectStatus{
	domain.PhaseResearch: domain.ProjectAwaitingResearchReview,
	domain.PhaseDesign:   domain.ProjectAwaitingDesignApproval,
	domain.PhaseBuild:    domain.ProjectAwaitingQAApproval,
}

// stateless reports whether approvals of this type leave the project state alone.
func stateless(t domain.ApprovalType) bool {
	return t == domain.ApprovalAgent || t == domain.ApprovalDestructive
}

// gateFor returns the gate an approval moves the project into, or "" when
// the type is recorded without a state change. Gated types must reference
// an object of this project.
func gateFor(ctx context.Context, r repo.Repo, projectID string, typ domain.ApprovalType, ref domain.Reference) (domain.ProjectStatus, error) {
	switch typ {
	case domain.ApprovalPlan, domain.ApprovalDeploy:
		kind, gate := RefPlan, domain.ProjectAwaitingPlanApproval
		if typ == domain.ApprovalDeploy {
			kind, gate = RefDeploy, domain.ProjectAwaitingFinalApproval
		}
		if ref.Kind != kind {
			return "", invalid("%s approval needs a %q reference, got %s", typ, kind, ref.Kind)
		}
		plan, err := r.GetPlan(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		if plan.ProjectID != projectID {
			return "", invalid("plan %s belongs to another project", ref.ID)
		}
		return gate, nil
	case domain.ApprovalQAOverride:
		if ref.Kind != RefQAReport {
			return "", invalid("qa_override approval needs a %q reference, got %s", RefQAReport, ref.Kind)
		}
		rep, err := r.GetQAReport(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		if rep.ProjectID != projectID {
			return "", invalid("qa report %s belongs to another project", ref.ID)
		}
		return domain.ProjectAwaitingQAApproval, nil
	case domain.ApprovalPhase:
		if ref.Kind == RefUserTesting {
			return domain.ProjectAwaitingUserTesting, nil
		}
		planID, n, ok := parsePhaseRef(ref)
		if !ok {
			return "", invalid("phase approval needs a %q reference <plan>#<n>, got %s/%s", RefPhase, ref.Kind, ref.ID)
		}
		plan, err := r.GetPlan(ctx, planID)
		if err != nil {
			return "", err
		}
		ph, ok := plan.Phase(n)
		if !ok {
			return "", invalid("plan %s has no phase %d", planID, n)
		}
		return phaseGates[ph.Kind], nil
	}
	return "", nil
}

type RequestApprovalOptions struct {
	ProjectID string              `validate:"required"`
	Type      domain.ApprovalType `validate:"required,oneof=plan phase agent deploy destructive qa_override"`
	Reference domain.Reference
	// TTL defaults to the project's approval_ttl.
	TTL     time.Duration `validate:"gte=0"`
	ActorID string

	gate domain.ProjectStatus
}

// RequestApproval records a pending approval and moves the project into the
// matching gate.
func (e Engine) RequestApproval(ctx context.Context, opts RequestApprovalOptions) (domain.Approval, error) {
	if err := check(opts); err != nil {
		return domain.Approval{}, err
	}
	if opts.Reference.Kind == "" || opts.Reference.ID == "" {
		return domain.Approval{}, &ValidationError{Fields: map[string]string{"Reference": "failed required"}}
	}
	var a domain.Approval
	err := e.withTx(ctx, func(t *txn) error {
		p, err := t.repo.GetProject(ctx, opts.ProjectID)
		if err != nil {
			return err
		}
		a, _, err = t.requestApproval(p, opts)
		return err
	})
	return a, err
}

func (t *txn) requestApproval(p domain.Project, opts RequestApprovalOptions) (domain.Approval, domain.Project, error) {
	ctx := t.ctx
	gate := opts.gate
	if gate == "" {
		var err error
		if gate, err = gateFor(ctx, t.repo, p.ID, opts.Type, opts.Reference); err != nil {
			return domain.Approval{}, p, err
		}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultApprovalTTL
		if cfg := t.e.projectConfig(ctx, t.repo, p.ID); cfg != nil && cfg.Pipeline.ApprovalTTL > 0 {
			ttl = cfg.Pipeline.ApprovalTTL
		}
	}
	now := t.e.now()
	a := domain.Approval{
		ID:          t.e.newID(),
		ProjectID:   p.ID,
		Type:        opts.Type,
		Reference:   opts.Reference,
		Status:      domain.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := t.repo.InsertApproval(ctx, a); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return a, p, conflict(err, "approval already pending for %s %s", a.Reference.Kind, a.Reference.ID)
		}
		return a, p, err
	}
	if gate != "" && p.Status != gate {
		ev, ok := lifecycle.GateEvent(gate)
		if !ok {
			return a, p, fmt.Errorf("no event enters %s", gate)
		}
		var err error
		if p, err = t.transition(p, ev, opts.ActorID, events.EventPayload{"approval_id": a.ID}); err != nil {
			return a, p, err
		}
	}
	switch a.Type {
	case domain.ApprovalPlan:
		if err := t.repo.UpdatePlanStatus(ctx, a.Reference.ID, domain.PlanAwaitingApproval, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return a, p, err
		}
	case domain.ApprovalPhase:
		if planID, n, ok := parsePhaseRef(a.Reference); ok {
			if err := t.repo.UpdatePhaseApproval(ctx, planID, n, domain.PhaseApprovalPending); err != nil {
				return a, p, err
			}
		}
	}
	if err := t.emit(events.ApprovalNew, p.ID, "approval", a.ID, opts.ActorID, events.EventPayload{
		"approval_type": a.Type, "reference": a.Reference, "expires_at": a.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return a, p, err
	}
	typ := string(a.Type)
	t.onCommit(func() { metrics.Approvals.WithLabelValues(typ, string(domain.ApprovalPending)).Inc() })
	return a, p, nil
}

type ResolveApprovalOptions struct {
	ID       string                `validate:"required"`
	Decision domain.ApprovalStatus `validate:"required,oneof=approved rejected"`
	Note     string
	ActorID  string
}

// ResolveApproval approves or rejects a pending approval. Approval advances
// the pipeline once the resolution has committed; rejection sends the
// project back to work and records an iteration with the note as feedback.
func (e Engine) ResolveApproval(ctx context.Context, opts ResolveApprovalOptions) (domain.Approval, error) {
	if err := check(opts); err != nil {
		return domain.Approval{}, err
	}
	var (
		a        domain.Approval
		it       domain.Iteration
		newIt    bool
		advances bool
	)
	err := e.withTx(ctx, func(t *txn) error {
		var err error
		a, err = t.repo.GetApproval(ctx, opts.ID)
		if err != nil {
			return err
		}
		if a.Status != domain.ApprovalPending {
			return conflict(nil, "approval %s is already %s", a.ID, a.Status)
		}
		now := e.now()
		if err := t.repo.ResolveApproval(ctx, a.ID, opts.Decision, opts.ActorID, opts.Note, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return conflict(err, "approval %s was resolved concurrently", a.ID)
			}
			return err
		}
		a.Status = opts.Decision
		a.ResolvedAt = &now
		a.ResolvedBy = opts.ActorID
		a.ResponseNote = opts.Note
		if err := t.emit(events.ApprovalResolved, a.ProjectID, "approval", a.ID, opts.ActorID, events.EventPayload{
			"approval_type": a.Type, "reference": a.Reference, "status": a.Status, "note": a.ResponseNote,
		}); err != nil {
			return err
		}
		p, err := t.repo.GetProject(ctx, a.ProjectID)
		if err != nil {
			return err
		}
		if p.Status == domain.ProjectPaused && !stateless(a.Type) {
			return conflict(nil, "project %s is paused; resume it before resolving approval %s", p.ID, a.ID)
		}
		gated := !stateless(a.Type) && lifecycle.IsGate(p.Status)
		if opts.Decision == domain.ApprovalApproved {
			if gated {
				if p, err = t.transition(p, lifecycle.Approve, opts.ActorID, events.EventPayload{"approval_id": a.ID}); err != nil {
					return err
				}
				advances = true
			}
			if err := t.approved(a, now); err != nil {
				return err
			}
			return t.resolveGateIterations(a, "approved: "+noteOr(a.ResponseNote, "no changes requested"))
		}
		if gated {
			if p, err = t.transition(p, lifecycle.Reject, opts.ActorID, events.EventPayload{"approval_id": a.ID, "note": a.ResponseNote}); err != nil {
				return err
			}
		}
		if planID, n, ok := parsePhaseRef(a.Reference); ok && a.Type == domain.ApprovalPhase {
			if err := t.repo.UpdatePhaseApproval(ctx, planID, n, domain.PhaseApprovalRejected); err != nil {
				return err
			}
		}
		if !gated || p.Status == domain.ProjectIntake {
			return nil
		}
		ref := a.Reference
		it, newIt, err = t.recordIteration(p, RecordIterationOptions{
			ProjectID:    p.ID,
			Feedback:     noteOr(a.ResponseNote, fmt.Sprintf("%s approval rejected", a.Type)),
			Trigger:      domain.TriggerApprovalRejected,
			ApprovalType: a.Type,
			ApprovalRef:  &ref,
			ActorID:      opts.ActorID,
		})
		return err
	})
	if err != nil {
		return domain.Approval{}, err
	}
	metrics.Approvals.WithLabelValues(string(a.Type), string(a.Status)).Inc()

	if advances {
		if _, _, err := e.advance(ctx, a.ProjectID, opts.ActorID); err != nil {
			e.log().Error("continue pipeline after approval", zap.String("approval_id", a.ID), zap.Error(err))
		}
	}
	if newIt {
		if _, err := e.startRework(ctx, it, opts.ActorID); err != nil {
			e.log().Error("start rework run", zap.String("iteration_id", it.ID), zap.Error(err))
		}
	}
	return a, nil
}

func noteOr(note, fallback string) string {
	if strings.TrimSpace(note) == "" {
		return fallback
	}
	return note
}

// approved applies the side effects of an approval on its reference.
func (t *txn) approved(a domain.Approval, now time.Time) error {
	switch a.Type {
	case domain.ApprovalPlan:
		plan, err := t.repo.GetPlan(t.ctx, a.Reference.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		if plan.Status == domain.PlanAwaitingApproval || plan.Status == domain.PlanDraft {
			return t.repo.UpdatePlanStatus(t.ctx, plan.ID, domain.PlanApproved, now)
		}
	case domain.ApprovalPhase:
		planID, n, ok := parsePhaseRef(a.Reference)
		if !ok {
			return nil
		}
		if err := t.repo.UpdatePhaseApproval(t.ctx, planID, n, domain.PhaseApprovalApproved); err != nil {
			return err
		}
		return t.repo.UpdatePhaseStatus(t.ctx, planID, n, domain.PhaseCompleted)
	}
	return nil
}

// resolveGateIterations closes the open iterations that were waiting for
// this approval to be granted again.
func (t *txn) resolveGateIterations(a domain.Approval, resolution string) error {
	open, err := t.repo.ListIterations(t.ctx, repo.IterationFilters{ProjectID: a.ProjectID, Status: "open"})
	if err != nil {
		return err
	}
	for _, it := range open {
		if it.ApprovalRef == nil || it.ApprovalType != a.Type || *it.ApprovalRef != a.Reference {
			continue
		}
		if err := t.resolveIteration(it, resolution, a.ResolvedBy); err != nil {
			return err
		}
	}
	return nil
}

// SweepExpiredApprovals expires pending approvals past their deadline and
// pauses the projects waiting on them. Each approval expires exactly once.
func (e Engine) SweepExpiredApprovals(ctx context.Context) (int, error) {
	due, err := e.Repo.ExpiredPending(ctx, e.now(), 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range due {
		expired := false
		err := e.withTx(ctx, func(t *txn) error {
			now := e.now()
			if err := t.repo.ResolveApproval(ctx, a.ID, domain.ApprovalExpired, "system", "expired", now); err != nil {
				if errors.Is(err, repo.ErrConflict) {
					return nil
				}
				return err
			}
			expired = true
			if err := t.emit(events.ApprovalResolved, a.ProjectID, "approval", a.ID, "system", events.EventPayload{
				"approval_type": a.Type, "reference": a.Reference, "status": domain.ApprovalExpired,
			}); err != nil {
				return err
			}
			p, err := t.repo.GetProject(ctx, a.ProjectID)
			if err != nil {
				return err
			}
			if stateless(a.Type) || !lifecycle.IsGate(p.Status) {
				return t.note(p.ID, "system", fmt.Sprintf("%s approval expired", a.Type), events.EventPayload{"approval_id": a.ID})
			}
			if _, err := t.transition(p, lifecycle.Expire, "system", events.EventPayload{"approval_id": a.ID}); err != nil {
				return err
			}
			return t.note(p.ID, "system", fmt.Sprintf("%s approval expired at %s; project paused until resumed", a.Type, a.ExpiresAt.Format(time.RFC3339)),
				events.EventPayload{"approval_id": a.ID})
		})
		if err != nil {
			return n, err
		}
		if expired {
			n++
			metrics.Approvals.WithLabelValues(string(a.Type), string(domain.ApprovalExpired)).Inc()
		}
	}
	if n > 0 {
		e.log().Info("expired approvals", zap.Int("count", n))
	}
	return n, nil
}

func (e Engine) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return e.Repo.GetApproval(ctx, id)
}

func (e Engine) ListApprovals(ctx context.Context, f repo.ApprovalFilters) ([]domain.Approval, error) {
	return e.Repo.ListApprovals(ctx, f)
}
