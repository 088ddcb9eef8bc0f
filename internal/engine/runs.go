package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine/lifecycle"
	"shipline/internal/engine/retry"
	"shipline/internal/events"
	"shipline/internal/metrics"
	"shipline/internal/repo"
)

const (
	// stopPollInterval is how often a running run checks whether another
	// process has stopped it.
	stopPollInterval   = 200 * time.Millisecond
	stopHandoffTimeout = 10 * time.Second
)

// registry tracks the runs executing in this process.
type registry struct {
	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
	closed bool
	base   context.Context
	cancel context.CancelCauseFunc
}

type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newRegistry() *registry {
	base, cancel := context.WithCancelCause(context.Background())
	return &registry{active: make(map[string]*activeRun), base: base, cancel: cancel}
}

// add registers a run and returns its context. The caller must call
// finish exactly once.
func (r *registry) add(runID string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancelCause(r.base)
	r.active[runID] = &activeRun{cancel: cancel, done: make(chan struct{})}
	r.wg.Add(1)
	return ctx, nil
}

func (r *registry) finish(runID string) {
	r.mu.Lock()
	ar, ok := r.active[runID]
	delete(r.active, runID)
	r.mu.Unlock()
	if ok {
		ar.cancel(nil)
		close(ar.done)
	}
	r.wg.Done()
}

func (r *registry) get(runID string) (*activeRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ar, ok := r.active[runID]
	return ar, ok
}

func (r *registry) pending() []chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chan struct{}, 0, len(r.active))
	for _, ar := range r.active {
		out = append(out, ar.done)
	}
	return out
}

func (r *registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *registry) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel(errShutdown)
	r.wg.Wait()
}

// StartRunOptions describes a workflow run.
type StartRunOptions struct {
	ProjectID      string `validate:"required"`
	Workflow       string `validate:"required"`
	Input          map[string]any
	Phase          int `validate:"gte=0"`
	IterationID    string
	UserID         string
	ConversationID string

	// prepare runs inside the run-creation transaction, after the lock is
	// taken. Pipeline transitions use it so they commit with the run.
	prepare func(t *txn, p domain.Project, runID string) error
}

// StartRun creates a run with all of its steps pending and executes it in
// the background. A project with an active run yields *ConflictError and no
// new row.
func (e Engine) StartRun(ctx context.Context, opts StartRunOptions) (domain.WorkflowRun, error) {
	if err := check(opts); err != nil {
		return domain.WorkflowRun{}, err
	}
	if e.runs.isClosed() {
		return domain.WorkflowRun{}, ErrClosed
	}
	runID := fmt.Sprintf("wf_%s_%s", opts.Workflow, uuid.NewString())
	var (
		run domain.WorkflowRun
		cfg *config.Config
	)
	err := e.withTx(ctx, func(t *txn) error {
		p, err := t.repo.GetProject(ctx, opts.ProjectID)
		if err != nil {
			return err
		}
		if lifecycle.IsTerminal(p.Status) || p.Status == domain.ProjectPaused {
			return conflict(nil, "project %s is %s", p.ID, p.Status)
		}
		cfg = e.projectConfig(ctx, t.repo, p.ID)
		wf, ok := cfg.Workflows[opts.Workflow]
		if !ok {
			return invalid("unknown workflow %q", opts.Workflow)
		}
		now := e.now()
		if err := t.repo.AcquireRunLock(ctx, p.ID, runID, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				holder, _ := t.repo.RunLockHolder(ctx, p.ID)
				return conflict(err, "run %s is active", holder)
			}
			return err
		}
		if opts.prepare != nil {
			if err := opts.prepare(t, p, runID); err != nil {
				return err
			}
		}
		run = domain.WorkflowRun{
			RunID:          runID,
			ProjectID:      p.ID,
			UserID:         opts.UserID,
			ConversationID: opts.ConversationID,
			WorkflowName:   opts.Workflow,
			PhaseNumber:    opts.Phase,
			IterationID:    opts.IterationID,
			Status:         domain.RunPending,
			InputData:      opts.Input,
			StepsTotal:     len(wf.Steps),
			CreatedAt:      now,
			Steps:          buildSteps(wf),
		}
		run, err = t.repo.InsertRun(ctx, run)
		if err != nil {
			return err
		}
		return t.emit(events.RunStatusUpdate, p.ID, "run", runID, opts.UserID, events.EventPayload{
			"status": run.Status, "workflow": run.WorkflowName, "phase_number": run.PhaseNumber, "steps_total": run.StepsTotal,
		})
	})
	if err != nil {
		return domain.WorkflowRun{}, err
	}

	runCtx, err := e.runs.add(runID)
	if err != nil {
		e.abandonRun(context.WithoutCancel(ctx), run, err.Error())
		return domain.WorkflowRun{}, err
	}
	started := e.now()
	err = e.withTx(ctx, func(t *txn) error {
		if err := t.repo.MarkRunRunning(ctx, runID, started); err != nil {
			return err
		}
		return t.emit(events.RunStatusUpdate, run.ProjectID, "run", runID, opts.UserID, events.EventPayload{
			"status": domain.RunRunning, "workflow": run.WorkflowName,
		})
	})
	if err != nil {
		e.runs.finish(runID)
		e.abandonRun(context.WithoutCancel(ctx), run, err.Error())
		return domain.WorkflowRun{}, err
	}
	run.Status = domain.RunRunning
	run.StartedAt = &started
	metrics.ActiveRuns.Inc()
	e.log().Info("run started", zap.String("run_id", runID), zap.String("project_id", run.ProjectID), zap.String("workflow", run.WorkflowName))

	go e.execute(runCtx, run, retry.FromConfig(cfg.Pipeline))
	return run, nil
}

func buildSteps(wf config.Workflow) []domain.WorkflowStep {
	steps := make([]domain.WorkflowStep, 0, len(wf.Steps))
	for i, s := range wf.Steps {
		args := make(map[string]any, len(s.Args)+1)
		for k, v := range s.Args {
			args[k] = v
		}
		if s.Instruction != "" {
			args["instruction"] = s.Instruction
		}
		steps = append(steps, domain.WorkflowStep{
			StepNumber: i + 1,
			StepName:   s.Name,
			ToolName:   s.ToolName(),
			ToolArgs:   args,
			Optional:   s.Optional,
			Status:     domain.StepPending,
		})
	}
	return steps
}

// abandonRun fails a run that never reached its goroutine.
func (e Engine) abandonRun(ctx context.Context, run domain.WorkflowRun, msg string) {
	now := e.now()
	run.Status = domain.RunFailed
	run.ErrorMessage = msg
	run.CompletedAt = &now
	run.DurationMS = durationMS(&run.CreatedAt, now)
	err := e.withTx(ctx, func(t *txn) error {
		if err := t.repo.FinishRun(ctx, run); err != nil {
			return err
		}
		return t.repo.ReleaseRunLock(ctx, run.ProjectID, run.RunID)
	})
	if err != nil {
		e.log().Error("abandon run", zap.String("run_id", run.RunID), zap.Error(err))
	}
}

// stepFailure describes a required step that exhausted its attempts.
type stepFailure struct {
	step    domain.WorkflowStep
	retries int
	err     error
}

func (f *stepFailure) Error() string {
	return fmt.Sprintf("step %d (%s) failed after %d retries: %v", f.step.StepNumber, f.step.StepName, f.retries, f.err)
}

func (e Engine) execute(ctx context.Context, run domain.WorkflowRun, policy retry.Policy) {
	defer e.runs.finish(run.RunID)
	log := e.log().With(zap.String("run_id", run.RunID), zap.String("project_id", run.ProjectID))

	stopWatch := e.watchStop(ctx, run)
	outputs := make(map[string]any, len(run.Steps))
	var runErr error
	for _, st := range run.Steps {
		if ctx.Err() != nil {
			runErr = context.Cause(ctx)
			break
		}
		result, err := e.runStep(ctx, run, st, policy, outputs)
		if err != nil {
			runErr = err
			break
		}
		if result != "" {
			outputs[st.StepName] = result
		}
	}
	stopWatch()

	fin := run
	fin.OutputData = outputs
	switch {
	case runErr == nil:
		fin.Status = domain.RunCompleted
	case errors.Is(runErr, errRunStopped):
		fin.Status = domain.RunCancelled
		fin.ErrorMessage = "cancelled"
	case errors.Is(runErr, errShutdown):
		fin.Status = domain.RunFailed
		fin.ErrorMessage = errShutdown.Error()
	default:
		fin.Status = domain.RunFailed
		fin.ErrorMessage = runErr.Error()
	}
	fin = e.finishRun(context.WithoutCancel(ctx), fin, policy)
	metrics.ActiveRuns.Dec()
	metrics.RunsTotal.WithLabelValues(fin.WorkflowName, string(fin.Status)).Inc()
	log.Info("run finished", zap.String("status", string(fin.Status)), zap.String("error", fin.ErrorMessage))

	if errors.Is(context.Cause(ctx), errShutdown) {
		return
	}
	if err := e.afterRun(e.runs.base, fin); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("pipeline continuation failed", zap.Error(err))
	}
}

// watchStop polls the stored run status and cancels the run once another
// process has finished it, e.g. `sl runs stop` against a run owned by
// `sl serve`. The returned func stops the watcher and waits for it.
func (e Engine) watchStop(ctx context.Context, run domain.WorkflowRun) func() {
	ar, ok := e.runs.get(run.RunID)
	if !ok {
		return func() {}
	}
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
				cur, err := e.Repo.GetRun(wctx, run.RunID)
				if err != nil {
					if wctx.Err() == nil {
						e.log().Warn("poll run status", zap.String("run_id", run.RunID), zap.Error(err))
					}
					continue
				}
				if cur.Status.Terminal() {
					e.log().Info("run finished elsewhere, cancelling", zap.String("run_id", run.RunID), zap.String("status", string(cur.Status)))
					ar.cancel(errRunStopped)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// finishRun writes the terminal state, retrying with backoff. If the write
// keeps failing a persistence error is recorded instead.
func (e Engine) finishRun(ctx context.Context, fin domain.WorkflowRun, policy retry.Policy) domain.WorkflowRun {
	write := func(r domain.WorkflowRun) error {
		now := e.now()
		r.CompletedAt = &now
		r.DurationMS = durationMS(r.StartedAt, now)
		return e.withTx(ctx, func(t *txn) error {
			if err := t.repo.FinishRun(ctx, r); err != nil {
				return err
			}
			if err := t.repo.ReleaseRunLock(ctx, r.ProjectID, r.RunID); err != nil {
				return err
			}
			return t.emit(events.RunStatusUpdate, r.ProjectID, "run", r.RunID, "", events.EventPayload{
				"status": r.Status, "workflow": r.WorkflowName, "phase_number": r.PhaseNumber, "error_message": r.ErrorMessage,
			})
		})
	}
	err := retry.Do(ctx, policy, func() error {
		err := write(fin)
		if errors.Is(err, repo.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err == nil {
		return fin
	}
	if errors.Is(err, repo.ErrConflict) {
		// Stopped from another process, which leaves the lock to us.
		if rerr := e.Repo.ReleaseRunLock(ctx, fin.ProjectID, fin.RunID); rerr != nil {
			e.log().Error("release run lock", zap.String("run_id", fin.RunID), zap.Error(rerr))
		}
		if cur, gerr := e.Repo.GetRun(ctx, fin.RunID); gerr == nil {
			return cur
		}
		return fin
	}
	e.log().Error("terminal run write failed", zap.String("run_id", fin.RunID), zap.Error(err))
	fin.Status = domain.RunFailed
	fin.ErrorMessage = "persistence: " + err.Error()
	if perr := write(fin); perr != nil {
		e.log().Error("persistence error not recorded", zap.String("run_id", fin.RunID), zap.Error(perr))
	}
	return fin
}

// runStep executes one step with the retry policy and returns its result.
// An optional step that exhausts its attempts is skipped without error.
func (e Engine) runStep(ctx context.Context, run domain.WorkflowRun, st domain.WorkflowStep, policy retry.Policy, outputs map[string]any) (string, error) {
	wctx := context.WithoutCancel(ctx)
	tracker := policy.Start()
	first := e.now()
	var lastErr error
	for {
		if err := e.stepAttempt(wctx, run, st, tracker.Retries()); err != nil {
			return "", err
		}
		result, err := e.invoke(ctx, run, st, outputs)
		if err == nil {
			return result, e.endStep(wctx, run, st, domain.StepCompleted, result, "", tracker.Retries(), first)
		}
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			if ferr := e.endStep(wctx, run, st, domain.StepFailed, "", causeMessage(cause), tracker.Retries(), first); ferr != nil && !errors.Is(ferr, repo.ErrNotFound) {
				return "", ferr
			}
			return "", cause
		}
		lastErr = err
		if rerr := e.Repo.RecordStepError(wctx, st.ID, err.Error()); rerr != nil {
			return "", rerr
		}
		wait, ok := tracker.Next(errors.Is(err, ErrAgentPartial))
		if !ok {
			break
		}
		metrics.StepRetries.WithLabelValues(st.ToolName).Inc()
		e.log().Warn("step attempt failed, retrying", zap.String("run_id", run.RunID), zap.Int("step", st.StepNumber),
			zap.Int("retry", tracker.Retries()), zap.Duration("wait", wait), zap.Error(err))
		if err := retry.Sleep(ctx, wait); err != nil {
			cause := context.Cause(ctx)
			if ferr := e.endStep(wctx, run, st, domain.StepFailed, "", causeMessage(cause), tracker.Retries()-1, first); ferr != nil && !errors.Is(ferr, repo.ErrNotFound) {
				return "", ferr
			}
			return "", cause
		}
	}
	if st.Optional {
		return "", e.endStep(wctx, run, st, domain.StepSkipped, "", lastErr.Error(), tracker.Retries(), first)
	}
	fail := &stepFailure{step: st, retries: tracker.Retries(), err: lastErr}
	if err := e.endStep(wctx, run, st, domain.StepFailed, "", lastErr.Error(), tracker.Retries(), first); err != nil {
		return "", err
	}
	return "", fail
}

// stepAttempt marks the step running. It fails with errRunStopped when the
// stored run is no longer running.
func (e Engine) stepAttempt(ctx context.Context, run domain.WorkflowRun, st domain.WorkflowStep, retries int) error {
	return e.withTx(ctx, func(t *txn) error {
		if err := t.repo.StartStepAttempt(ctx, st.ID, retries, e.now()); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				if cur, gerr := t.repo.GetRun(ctx, run.RunID); gerr == nil && cur.Status.Terminal() {
					return errRunStopped
				}
			}
			return fmt.Errorf("start step %d: %w", st.StepNumber, err)
		}
		return t.emit(events.StepStatusUpdate, run.ProjectID, "step", run.RunID, "", events.EventPayload{
			"run_id": run.RunID, "step_number": st.StepNumber, "step_name": st.StepName, "status": domain.StepRunning, "retry_count": retries,
		})
	})
}

func (e Engine) endStep(ctx context.Context, run domain.WorkflowRun, st domain.WorkflowStep, status domain.StepStatus, result, msg string, retries int, first time.Time) error {
	now := e.now()
	st.Status = status
	st.Result = result
	st.ErrorMessage = msg
	st.RetryCount = retries
	st.CompletedAt = &now
	st.DurationMS = durationMS(&first, now)
	return e.withTx(ctx, func(t *txn) error {
		if err := t.repo.FinishStep(ctx, st); err != nil {
			return fmt.Errorf("finish step %d: %w", st.StepNumber, err)
		}
		if status == domain.StepCompleted {
			if err := t.repo.IncrementStepsCompleted(ctx, run.ID); err != nil {
				return fmt.Errorf("count step %d: %w", st.StepNumber, err)
			}
		}
		return t.emit(events.StepStatusUpdate, run.ProjectID, "step", run.RunID, "", events.EventPayload{
			"run_id": run.RunID, "step_number": st.StepNumber, "step_name": st.StepName, "status": status,
			"retry_count": retries, "duration_ms": *st.DurationMS, "error_message": msg,
		})
	})
}

func causeMessage(cause error) string {
	if errors.Is(cause, errRunStopped) {
		return "cancelled"
	}
	return cause.Error()
}

// invoke performs a single attempt of a step.
func (e Engine) invoke(ctx context.Context, run domain.WorkflowRun, st domain.WorkflowStep, outputs map[string]any) (string, error) {
	instruction, _ := st.ToolArgs["instruction"].(string)
	if agentType, ok := strings.CutPrefix(st.ToolName, "agent:"); ok {
		stepCtx := make(map[string]any, len(st.ToolArgs)+len(run.InputData)+1)
		for k, v := range run.InputData {
			stepCtx[k] = v
		}
		for k, v := range st.ToolArgs {
			if k != "instruction" {
				stepCtx[k] = v
			}
		}
		if len(outputs) > 0 {
			stepCtx["previous_outputs"] = outputs
		}
		ex, err := e.Dispatch(ctx, DispatchRequest{
			ProjectID:   run.ProjectID,
			RunID:       run.RunID,
			StepID:      st.ID,
			AgentType:   domain.AgentType(agentType),
			Instruction: instruction,
			Context:     stepCtx,
		})
		if err != nil {
			return "", err
		}
		return ex.Result, nil
	}
	return e.runTool(ctx, st.ToolName, ToolCall{
		ProjectID: run.ProjectID,
		RunID:     run.RunID,
		StepID:    st.ID,
		Phase:     run.PhaseNumber,
		Args:      st.ToolArgs,
	})
}

// StopRun cancels a pending or running run. Completed steps are kept and
// the project lock is released. A run owned by another process is marked
// cancelled here; its owner notices, cancels the in-flight step and releases
// the lock, which StopRun waits for.
func (e Engine) StopRun(ctx context.Context, runID, actorID string) (domain.WorkflowRun, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Status.Terminal() {
		return run, conflict(nil, "run %s is already %s", runID, run.Status)
	}
	if ar, ok := e.runs.get(runID); ok {
		ar.cancel(errRunStopped)
		select {
		case <-ar.done:
		case <-ctx.Done():
			return run, ctx.Err()
		}
		return e.Repo.GetRunWithSteps(ctx, runID)
	}

	now := e.now()
	run.Status = domain.RunCancelled
	run.ErrorMessage = "cancelled"
	run.CompletedAt = &now
	run.DurationMS = durationMS(run.StartedAt, now)
	err = e.withTx(ctx, func(t *txn) error {
		if err := t.repo.FinishRun(ctx, run); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return conflict(err, "run %s already finished", runID)
			}
			return err
		}
		if err := t.repo.FailRunningSteps(ctx, run.ID, "cancelled", now); err != nil {
			return err
		}
		return t.emit(events.RunStatusUpdate, run.ProjectID, "run", runID, actorID, events.EventPayload{"status": run.Status, "workflow": run.WorkflowName})
	})
	if err != nil {
		return run, err
	}
	if err := e.awaitLockRelease(ctx, run.ProjectID, runID); err != nil {
		return run, err
	}
	return e.Repo.GetRunWithSteps(ctx, runID)
}

// awaitLockRelease waits for the owner of a run stopped from here to drop
// the project lock. A lock still held after stopHandoffTimeout is left for
// Reconcile, since its owner may have died.
func (e Engine) awaitLockRelease(ctx context.Context, projectID, runID string) error {
	deadline := time.NewTimer(stopHandoffTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(stopPollInterval / 2)
	defer ticker.Stop()
	for {
		holder, err := e.Repo.RunLockHolder(ctx, projectID)
		if err != nil {
			return err
		}
		if holder != runID {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			e.log().Warn("stopped run still holds the project lock; run `sl reconcile` if its process is gone",
				zap.String("run_id", runID), zap.String("project_id", projectID))
			return nil
		case <-ticker.C:
		}
	}
}

// StopProjectRuns stops every active run of a project.
func (e Engine) StopProjectRuns(ctx context.Context, projectID, actorID string) ([]domain.WorkflowRun, error) {
	active, err := e.Repo.ActiveRuns(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var stopped []domain.WorkflowRun
	for _, run := range active {
		r, err := e.StopRun(ctx, run.RunID, actorID)
		if err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) {
				continue
			}
			return stopped, err
		}
		stopped = append(stopped, r)
	}
	return stopped, nil
}

// WaitRun blocks until a run started by this engine has finished,
// including the pipeline step that follows it.
func (e Engine) WaitRun(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	if ar, ok := e.runs.get(runID); ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return domain.WorkflowRun{}, ctx.Err()
		}
	}
	return e.Repo.GetRunWithSteps(ctx, runID)
}

// WaitIdle blocks until no run started by this engine is executing. Runs
// started by a finishing run's pipeline continuation are waited for too.
func (e Engine) WaitIdle(ctx context.Context) error {
	for {
		done := e.runs.pending()
		if len(done) == 0 {
			return nil
		}
		for _, ch := range done {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Reconcile fails runs left pending or running by a previous process and
// releases their locks. It returns the number of runs repaired.
func (e Engine) Reconcile(ctx context.Context) (int, error) {
	stale, err := e.Repo.ActiveRuns(ctx, "")
	if err != nil {
		return 0, err
	}
	const msg = "interrupted: orchestrator restarted"
	n := 0
	for _, run := range stale {
		if _, ok := e.runs.get(run.RunID); ok {
			continue
		}
		now := e.now()
		run.Status = domain.RunFailed
		run.ErrorMessage = msg
		run.CompletedAt = &now
		run.DurationMS = durationMS(run.StartedAt, now)
		err := e.withTx(ctx, func(t *txn) error {
			if err := t.repo.FinishRun(ctx, run); err != nil {
				return err
			}
			if err := t.repo.FailRunningSteps(ctx, run.ID, msg, now); err != nil {
				return err
			}
			if err := t.repo.ReleaseRunLock(ctx, run.ProjectID, run.RunID); err != nil {
				return err
			}
			return t.emit(events.RunStatusUpdate, run.ProjectID, "run", run.RunID, "", events.EventPayload{"status": run.Status, "error_message": msg})
		})
		if err != nil {
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	released, err := e.Repo.ReleaseStaleLocks(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 || released > 0 {
		e.log().Info("reconciled interrupted runs", zap.Int("runs", n), zap.Int64("locks", released))
	}
	return n, nil
}

// GetRun returns a run with its steps.
func (e Engine) GetRun(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	return e.Repo.GetRunWithSteps(ctx, runID)
}

// ListRuns returns runs matching f, newest first.
func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.WorkflowRun, error) {
	return e.Repo.ListRuns(ctx, f)
}
