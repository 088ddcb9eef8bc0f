package server

import (
	"encoding/json"

	"shipline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID             string   `json:"id,omitempty"`
	Name           string   `json:"name" minLength:"1" maxLength:"200"`
	Prompt         string   `json:"prompt,omitempty" maxLength:"20000"`
	BudgetLimitUSD *float64 `json:"budget_limit_usd,omitempty" minimum:"0"`
	// ConfigYAML replaces the default pipeline config.
	ConfigYAML string `json:"config_yaml,omitempty"`
}

type RunPipelineRequest struct {
	Intent string `json:"intent" enum:"start,continue,retry,deploy,user_testing"`
}

type ResolveApprovalRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Note     string `json:"note,omitempty"`
}

type RunChecksRequest struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Depth       string   `json:"depth,omitempty" enum:"quick,standard,deep"`
	FocusAreas  []string `json:"focus_areas,omitempty"`
}

type CreateIterationRequest struct {
	Feedback    string `json:"feedback" minLength:"1"`
	ScopePhases []int  `json:"scope_phases,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	domain.Project
	ActiveRunID string `json:"active_run_id,omitempty"`
}

type StopResponse struct {
	Stopped []domain.WorkflowRun `json:"stopped"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = map[string]any{"raw": evt.Payload}
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
