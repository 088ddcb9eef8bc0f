package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"shipline/internal/domain"
	"shipline/internal/engine/lifecycle"
	"shipline/internal/events"
	"shipline/internal/metrics"
	"shipline/internal/repo"
)

type RecordIterationOptions struct {
	ProjectID string                  `validate:"required"`
	Feedback  string                  `validate:"required"`
	Trigger   domain.IterationTrigger `validate:"required,oneof=qa_failure approval_rejected user_request"`
	Type      domain.IterationType    `validate:"omitempty,oneof=bug_fix revision qa_fix"`
	// ScopePhases overrides the keyword match.
	ScopePhases  []int
	ApprovalType domain.ApprovalType
	ApprovalRef  *domain.Reference
	ActorID      string
}

// RecordIteration stores user feedback as an iteration and starts a rework
// run on the implicated phase. Feedback matching an unresolved iteration
// returns that iteration.
func (e Engine) RecordIteration(ctx context.Context, opts RecordIterationOptions) (domain.Iteration, error) {
	if err := check(opts); err != nil {
		return domain.Iteration{}, err
	}
	if strings.TrimSpace(opts.Feedback) == "" {
		return domain.Iteration{}, &ValidationError{Fields: map[string]string{"Feedback": "failed required"}}
	}
	var (
		it      domain.Iteration
		created bool
	)
	err := e.withTx(ctx, func(t *txn) error {
		p, err := t.repo.GetProject(ctx, opts.ProjectID)
		if err != nil {
			return err
		}
		if lifecycle.IsTerminal(p.Status) || p.Status == domain.ProjectPaused || p.Status == domain.ProjectIntake {
			return conflict(nil, "project %s is %s", p.ID, p.Status)
		}
		it, created, err = t.recordIteration(p, opts)
		return err
	})
	if err != nil {
		return domain.Iteration{}, err
	}
	if !created || it.Status != domain.IterationPending {
		return it, nil
	}
	if _, err := e.startRework(ctx, it, opts.ActorID); err != nil {
		// The iteration stays pending; the pipeline picks it up once the
		// project is free.
		e.log().Info("rework deferred", zap.String("iteration_id", it.ID), zap.Error(err))
		return it, nil
	}
	return e.Repo.GetIteration(ctx, it.ID)
}

// FeedbackHash identifies feedback regardless of case and spacing.
func FeedbackHash(feedback string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(feedback)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func (t *txn) recordIteration(p domain.Project, opts RecordIterationOptions) (domain.Iteration, bool, error) {
	ctx := t.ctx
	hash := FeedbackHash(opts.Feedback)
	if open, err := t.repo.OpenIterationByHash(ctx, p.ID, hash); err == nil {
		return open, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Iteration{}, false, err
	}
	scope := opts.ScopePhases
	if len(scope) == 0 {
		plan, err := t.repo.ActivePlan(ctx, p.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Iteration{}, false, err
		}
		scope = ScopeFor(plan, opts.Feedback, p.CurrentPhaseNumber)
	}
	n, err := t.repo.NextIterationNumber(ctx, p.ID)
	if err != nil {
		return domain.Iteration{}, false, err
	}
	typ := opts.Type
	if typ == "" {
		typ = iterationType(opts.Trigger, opts.Feedback)
	}
	it := domain.Iteration{
		ID:           t.e.newID(),
		ProjectID:    p.ID,
		Number:       n,
		Type:         typ,
		Trigger:      opts.Trigger,
		Feedback:     opts.Feedback,
		FeedbackHash: hash,
		ScopePhases:  scope,
		ApprovalType: opts.ApprovalType,
		ApprovalRef:  opts.ApprovalRef,
		Status:       domain.IterationPending,
		CreatedAt:    t.e.now(),
	}
	if err := t.repo.InsertIteration(ctx, it); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return it, false, conflict(err, "iteration with the same feedback is open")
		}
		return it, false, err
	}
	if err := t.emit(events.IterationCreated, p.ID, "iteration", it.ID, opts.ActorID, events.EventPayload{
		"iteration_number": it.Number, "type": it.Type, "trigger": it.Trigger, "scope_phases": it.ScopePhases, "feedback": it.Feedback,
	}); err != nil {
		return it, false, err
	}
	trigger := string(it.Trigger)
	t.onCommit(func() { metrics.Iterations.WithLabelValues(trigger).Inc() })
	return it, true, nil
}

var bugWords = []string{"bug", "broken", "error", "crash", "fails", "failing", "doesn't work", "does not work"}

func iterationType(trigger domain.IterationTrigger, feedback string) domain.IterationType {
	if trigger == domain.TriggerQAFailure {
		return domain.IterationQAFix
	}
	low := strings.ToLower(feedback)
	for _, w := range bugWords {
		if strings.Contains(low, w) {
			return domain.IterationBugFix
		}
	}
	return domain.IterationRevision
}

var scopeKeywords = map[domain.PhaseKind][]string{
	domain.PhaseDesign: {"color", "colour", "scheme", "layout", "font", "style", "theme", "ui", "dark", "light",
		"design", "spacing", "logo"},
	domain.PhaseResearch: {"research", "requirement", "competitor", "audience", "market", "scope"},
	domain.PhaseBuild: {"bug", "broken", "error", "crash", "button", "form", "api", "feature", "page", "login",
		"performance", "slow"},
}

// ScopeFor picks the minimal set of phases implicated by feedback. The
// phase kind with the most keyword hits wins; with no hits the current
// phase is reworked. It never returns every phase unless the plan has one.
func ScopeFor(plan domain.Plan, feedback string, current int) []int {
	if len(plan.Phases) == 0 {
		if current > 0 {
			return []int{current}
		}
		return nil
	}
	words := strings.FieldsFunc(strings.ToLower(feedback), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	hits := make(map[domain.PhaseKind]int)
	for kind, keys := range scopeKeywords {
		for _, w := range words {
			for _, k := range keys {
				if w == k || w == k+"s" {
					hits[kind]++
				}
			}
		}
	}
	var best domain.PhaseKind
	bestHits := 0
	for _, ph := range plan.Phases {
		if h := hits[ph.Kind]; h > bestHits {
			best, bestHits = ph.Kind, h
		}
	}
	if bestHits > 0 {
		chosen := 0
		for _, ph := range plan.Phases {
			if ph.Kind != best {
				continue
			}
			if chosen == 0 || (ph.Number <= current && ph.Number > chosen) {
				chosen = ph.Number
			}
		}
		return []int{chosen}
	}
	if _, ok := plan.Phase(current); ok {
		return []int{current}
	}
	return []int{plan.Phases[0].Number}
}

// startRework runs the first phase in the iteration's scope on its behalf.
func (e Engine) startRework(ctx context.Context, it domain.Iteration, actorID string) (domain.WorkflowRun, error) {
	if len(it.ScopePhases) == 0 {
		return domain.WorkflowRun{}, invalid("iteration %s has no phase in scope", it.ID)
	}
	plan, err := e.Repo.ActivePlan(ctx, it.ProjectID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	return e.startPhase(ctx, plan, it.ScopePhases[0], &it, actorID)
}

// ResolveIteration closes an open iteration with a summary.
func (e Engine) ResolveIteration(ctx context.Context, id, summary, actorID string) (domain.Iteration, error) {
	var it domain.Iteration
	err := e.withTx(ctx, func(t *txn) error {
		var err error
		if it, err = t.repo.GetIteration(ctx, id); err != nil {
			return err
		}
		return t.resolveIteration(it, summary, actorID)
	})
	if err != nil {
		return domain.Iteration{}, err
	}
	return e.Repo.GetIteration(ctx, id)
}

func (t *txn) resolveIteration(it domain.Iteration, resolution, actorID string) error {
	if err := t.repo.ResolveIteration(t.ctx, it.ID, resolution, t.e.now()); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return conflict(err, "iteration %s is already resolved", it.ID)
		}
		return err
	}
	return t.emit(events.IterationResolved, it.ProjectID, "iteration", it.ID, actorID, events.EventPayload{
		"iteration_number": it.Number, "resolution": resolution,
	})
}

// resolveQAIterations closes the open qa_failure iterations touching phase.
func (t *txn) resolveQAIterations(projectID string, phase int, resolution string) error {
	open, err := t.repo.ListIterations(t.ctx, repo.IterationFilters{ProjectID: projectID, Status: "open", Trigger: string(domain.TriggerQAFailure)})
	if err != nil {
		return err
	}
	for _, it := range open {
		if phase > 0 && !slices.Contains(it.ScopePhases, phase) {
			continue
		}
		if err := t.resolveIteration(it, resolution, "system"); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	return e.Repo.GetIteration(ctx, id)
}

func (e Engine) ListIterations(ctx context.Context, f repo.IterationFilters) ([]domain.Iteration, error) {
	return e.Repo.ListIterations(ctx, f)
}

func iterationInput(it *domain.Iteration) map[string]any {
	if it == nil {
		return nil
	}
	return map[string]any{
		"iteration_id":     it.ID,
		"iteration_number": it.Number,
		"iteration_type":   string(it.Type),
		"feedback":         it.Feedback,
	}
}

func iterationLabel(it domain.Iteration) string {
	return fmt.Sprintf("iteration %d (%s)", it.Number, it.Type)
}
