// Package engine drives projects through the build pipeline: it runs
// workflows, dispatches agents, gates on approvals, evaluates QA and
// records iterations. Every mutation is a transaction that also appends to
// the event log; events are published only after commit.
package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"shipline/internal/agent"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine/lifecycle"
	"shipline/internal/events"
	"shipline/internal/metrics"
	"shipline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Config is the template for new projects and the fallback when a
	// project has no stored config.
	Config    *config.Config
	Agents    agent.Executor
	Publisher events.Publisher
	Tools     map[string]Tool
	Log       *zap.Logger
	Now       func() time.Time

	runs *registry
	ids  *idSource
}

// Options carries the optional collaborators of New.
type Options struct {
	Agents    agent.Executor
	Publisher events.Publisher
	Tools     map[string]Tool
	Log       *zap.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, opts Options) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Agents:    opts.Agents,
		Publisher: opts.Publisher,
		Tools:     opts.Tools,
		Log:       log,
		Now:       now,
		runs:      newRegistry(),
		ids:       &idSource{entropy: ulid.Monotonic(rand.Reader, 0)},
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Close cancels every run started by this engine and waits for their
// goroutines. Interrupted runs are recorded as failed.
func (e Engine) Close() {
	if e.runs != nil {
		e.runs.close()
	}
}

type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// newID returns a ULID ordered by the engine clock.
func (e Engine) newID() string {
	if e.ids == nil {
		return ulid.Make().String()
	}
	e.ids.mu.Lock()
	defer e.ids.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(e.now()), e.ids.entropy).String()
}

// projectConfig returns the stored pipeline config of a project.
func (e Engine) projectConfig(ctx context.Context, r repo.Repo, projectID string) *config.Config {
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err == nil && cfg != nil {
		return cfg
	}
	if !errors.Is(err, repo.ErrNotFound) {
		e.log().Warn("load project config", zap.String("project_id", projectID), zap.Error(err))
	}
	return e.Config
}

// ProjectConfig returns the pipeline config a project runs with.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.projectConfig(ctx, e.Repo, projectID), nil
}

// txn is one unit of work: repo writes plus the events they produce.
type txn struct {
	ctx   context.Context
	tx    *sql.Tx
	repo  repo.Repo
	e     Engine
	evts  []domain.Event
	after []func()
}

func (e Engine) withTx(ctx context.Context, fn func(t *txn) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t := &txn{ctx: ctx, tx: tx, repo: e.Repo.WithTx(tx), e: e}
	if err := fn(t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(t.evts...)
	for _, f := range t.after {
		f()
	}
	return nil
}

func (e Engine) publish(evts ...domain.Event) {
	if e.Publisher == nil || len(evts) == 0 {
		return
	}
	e.Publisher.Publish(evts...)
}

func (t *txn) emit(evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := t.e.Events
	if w.Now == nil {
		w.Now = t.e.now
	}
	evt, err := w.Append(t.ctx, t.tx, evtType, projectID, entityKind, entityID, actorID, payload)
	if err != nil {
		return err
	}
	t.evts = append(t.evts, evt)
	return nil
}

func (t *txn) onCommit(f func()) {
	t.after = append(t.after, f)
}

// transition applies ev to p, persists it guarded by the current status and
// logs project_status_update.
func (t *txn) transition(p domain.Project, ev lifecycle.Event, actorID string, payload events.EventPayload) (domain.Project, error) {
	next, err := lifecycle.Transition(p, ev)
	if err != nil {
		return p, err
	}
	next.UpdatedAt = t.e.now()
	if err := t.repo.UpdateProjectState(t.ctx, next, p.Status); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return p, conflict(err, "project %s changed concurrently", p.ID)
		}
		return p, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = p.Status
	payload["to"] = next.Status
	payload["event"] = ev
	if err := t.emit(events.ProjectStatusUpdate, p.ID, "project", p.ID, actorID, payload); err != nil {
		return p, err
	}
	to := string(next.Status)
	t.onCommit(func() { metrics.Transitions.WithLabelValues(string(ev), to).Inc() })
	return next, nil
}

// note logs a human readable project note.
func (t *txn) note(projectID, actorID, msg string, payload events.EventPayload) error {
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["message"] = msg
	return t.emit(events.ProjectNote, projectID, "project", projectID, actorID, payload)
}

func durationMS(from *time.Time, to time.Time) *int64 {
	var ms int64
	if from != nil {
		ms = to.Sub(*from).Milliseconds()
	}
	if ms < 0 {
		ms = 0
	}
	return &ms
}
