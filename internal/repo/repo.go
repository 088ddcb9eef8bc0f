package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"shipline/internal/config"
	"shipline/internal/domain"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB DBTX
}

// WithTx returns a Repo bound to tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	return Repo{DB: tx}
}

var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write loses a race or hits a unique index.
var ErrConflict = errors.New("conflict")

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t the way it is stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func unmarshalJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

// isUniqueViolation matches SQLite constraint errors without importing the
// driver's error codes.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id,name,COALESCE(prompt,''),status,COALESCE(paused_from,''),current_phase_number,settings_json,created_at,updated_at`

func scanProject(s scanner) (domain.Project, error) {
	var (
		p                    domain.Project
		settings             sql.NullString
		createdAt, updatedAt string
	)
	err := s.Scan(&p.ID, &p.Name, &p.Prompt, &p.Status, &p.PausedFrom, &p.CurrentPhaseNumber, &settings, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := unmarshalJSON(settings, &p.Settings); err != nil {
		return p, fmt.Errorf("project settings: %w", err)
	}
	if p.CreatedAt, err = ParseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	settings, err := json.Marshal(p.Settings)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,prompt,status,paused_from,current_phase_number,settings_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Prompt), p.Status, nullable(string(p.PausedFrom)), p.CurrentPhaseNumber, string(settings), FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// UpdateProjectState writes status, paused_from and the phase pointer only
// if the stored status still equals expected.
func (r Repo) UpdateProjectState(ctx context.Context, p domain.Project, expected domain.ProjectStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=?, paused_from=?, current_phase_number=?, updated_at=? WHERE id=? AND status=?`,
		p.Status, nullable(string(p.PausedFrom)), p.CurrentPhaseNumber, FormatTime(p.UpdatedAt), p.ID, expected)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("project %s changed concurrently: %w", p.ID, ErrConflict)
		}
		return err
	}
	return nil
}

func (r Repo) UpdateProjectSettings(ctx context.Context, id string, settings domain.ProjectSettings, now time.Time) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return expectOne(r.DB.ExecContext(ctx, `UPDATE projects SET settings_json=?, updated_at=? WHERE id=?`, string(payload), FormatTime(now), id))
}

type ProjectFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config, now time.Time) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.YAML()
	if err != nil {
		return err
	}
	ts := FormatTime(now)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, projectID, string(payload), ts, ts)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

func scanEvent(s scanner) (domain.Event, error) {
	var (
		e                   domain.Event
		projectID, entityID sql.NullString
		payload             sql.NullString
	)
	if err := s.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
		return e, err
	}
	e.ProjectID = projectID.String
	e.EntityID = entityID.String
	e.Payload = payload.String
	return e, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json`

// LatestEventsFrom pages backwards through the log starting below cursor.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID, optionally for one project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}
