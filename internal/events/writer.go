package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"shipline/internal/domain"
)

// Push event types delivered to subscribers.
const (
	AgentStatusUpdate   = "agent_status_update"
	ApprovalNew         = "approval_new"
	ApprovalResolved    = "approval_resolved"
	FileUpdated         = "file_updated"
	PreviewRefresh      = "preview_refresh"
	RunStatusUpdate     = "run_status_update"
	StepStatusUpdate    = "step_status_update"
	ProjectStatusUpdate = "project_status_update"
	PlanCreated         = "plan_created"
	QAReportCreated     = "qa_report_created"
	IterationCreated    = "iteration_created"
	IterationResolved   = "iteration_resolved"
	ProjectNote         = "project_note"
)

// Writer appends rows to the event log inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append logs one event and returns it so the caller can publish it once
// the transaction commits.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:         id,
		TS:         ts,
		Type:       evtType,
		ProjectID:  projectID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
