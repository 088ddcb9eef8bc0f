package shiplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"shipline/internal/domain"
)

// Client is a minimal Shipline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project is a project with the id of the run holding its lock.
type Project struct {
	domain.Project
	ActiveRunID string `json:"active_run_id,omitempty"`
}

// PipelineResult reports what an intent set in motion.
type PipelineResult struct {
	Project   domain.Project      `json:"project"`
	Run       *domain.WorkflowRun `json:"run,omitempty"`
	Approval  *domain.Approval    `json:"approval,omitempty"`
	Iteration *domain.Iteration   `json:"iteration,omitempty"`
}

// Event is a stored state change.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Page is one page of a cursor-paginated listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// CreateProjectInput describes a new project.
type CreateProjectInput struct {
	ID             string   `json:"id,omitempty"`
	Name           string   `json:"name"`
	Prompt         string   `json:"prompt,omitempty"`
	BudgetLimitUSD *float64 `json:"budget_limit_usd,omitempty"`
	ConfigYAML     string   `json:"config_yaml,omitempty"`
}

// ListOptions narrows a listing. Empty fields are not sent.
type ListOptions struct {
	Status string
	Limit  int
	Cursor string
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateProject creates a project in intake.
func (c *Client) CreateProject(ctx context.Context, in CreateProjectInput) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", in, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

// ListProjects returns a page of projects, newest first.
func (c *Client) ListProjects(ctx context.Context, opts ListOptions) (Page[Project], error) {
	var resp Page[Project]
	err := c.do(ctx, http.MethodGet, withQuery("projects", opts.values()), nil, &resp)
	return resp, err
}

// ProjectConfig returns a project's pipeline config as YAML.
func (c *Client) ProjectConfig(ctx context.Context, id string) (string, error) {
	var resp struct {
		ConfigYAML string `json:"config_yaml"`
	}
	err := c.do(ctx, http.MethodGet, projectPath(id, "config"), nil, &resp)
	return resp.ConfigYAML, err
}

// SetProjectConfig replaces a project's pipeline config.
func (c *Client) SetProjectConfig(ctx context.Context, id, configYAML string) error {
	body := map[string]string{"config_yaml": configYAML}
	return c.do(ctx, http.MethodPut, projectPath(id, "config"), body, nil)
}

// Plan returns the project's active plan.
func (c *Client) Plan(ctx context.Context, id string) (domain.Plan, error) {
	var resp domain.Plan
	err := c.do(ctx, http.MethodGet, projectPath(id, "plan"), nil, &resp)
	return resp, err
}

// PauseProject pauses a project and stops its run.
func (c *Client) PauseProject(ctx context.Context, id string) (Project, error) {
	return c.projectAction(ctx, id, "pause")
}

// ResumeProject returns a paused project to the status it was paused from.
func (c *Client) ResumeProject(ctx context.Context, id string) (Project, error) {
	return c.projectAction(ctx, id, "resume")
}

// CancelProject cancels a project.
func (c *Client) CancelProject(ctx context.Context, id string) (Project, error) {
	return c.projectAction(ctx, id, "cancel")
}

// ArchiveProject archives a project.
func (c *Client) ArchiveProject(ctx context.Context, id string) (Project, error) {
	return c.projectAction(ctx, id, "archive")
}

func (c *Client) projectAction(ctx context.Context, id, action string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(id, action), nil, &resp)
	return resp, err
}

// RunPipeline drives the pipeline with an intent: start, continue, retry,
// deploy or user_testing.
func (c *Client) RunPipeline(ctx context.Context, id, intent string) (PipelineResult, error) {
	var resp PipelineResult
	body := map[string]string{"intent": intent}
	err := c.do(ctx, http.MethodPost, projectPath(id, "pipeline/run"), body, &resp)
	return resp, err
}

// StopPipeline stops the project's active run and returns the runs stopped.
func (c *Client) StopPipeline(ctx context.Context, id string) ([]domain.WorkflowRun, error) {
	var resp struct {
		Stopped []domain.WorkflowRun `json:"stopped"`
	}
	err := c.do(ctx, http.MethodPost, projectPath(id, "pipeline/stop"), nil, &resp)
	return resp.Stopped, err
}

// ListRuns returns a page of the project's runs, newest first.
func (c *Client) ListRuns(ctx context.Context, id string, opts ListOptions) (Page[domain.WorkflowRun], error) {
	var resp Page[domain.WorkflowRun]
	err := c.do(ctx, http.MethodGet, withQuery(projectPath(id, "runs"), opts.values()), nil, &resp)
	return resp, err
}

// GetRun fetches a run with its steps.
func (c *Client) GetRun(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	var resp domain.WorkflowRun
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// StopRun cancels one run.
func (c *Client) StopRun(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	var resp domain.WorkflowRun
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/stop", nil, &resp)
	return resp, err
}

// ListApprovals returns the project's approvals, filtered by status when set.
func (c *Client) ListApprovals(ctx context.Context, id, status string) ([]domain.Approval, error) {
	var resp Page[domain.Approval]
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	err := c.do(ctx, http.MethodGet, withQuery(projectPath(id, "approvals"), q), nil, &resp)
	return resp.Items, err
}

// ResolveApproval approves or rejects a pending approval.
func (c *Client) ResolveApproval(ctx context.Context, approvalID string, decision domain.ApprovalStatus, note string) (domain.Approval, error) {
	var resp domain.Approval
	body := map[string]string{"decision": string(decision), "note": note}
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(approvalID)+"/resolve", body, &resp)
	return resp, err
}

// RunChecks evaluates a build run. An empty executionID checks the latest
// completed build.
func (c *Client) RunChecks(ctx context.Context, id, executionID string, depth domain.QADepth) (domain.QAReport, error) {
	var resp domain.QAReport
	body := map[string]string{}
	if executionID != "" {
		body["execution_id"] = executionID
	}
	if depth != "" {
		body["depth"] = string(depth)
	}
	err := c.do(ctx, http.MethodPost, projectPath(id, "qa-reports"), body, &resp)
	return resp, err
}

// QAReports returns the project's QA reports, newest first.
func (c *Client) QAReports(ctx context.Context, id string) ([]domain.QAReport, error) {
	var resp Page[domain.QAReport]
	err := c.do(ctx, http.MethodGet, projectPath(id, "qa-reports"), nil, &resp)
	return resp.Items, err
}

// CreateIteration records user feedback against the given phases.
func (c *Client) CreateIteration(ctx context.Context, id, feedback string, scopePhases []int) (domain.Iteration, error) {
	var resp domain.Iteration
	body := map[string]any{"feedback": feedback}
	if len(scopePhases) > 0 {
		body["scope_phases"] = scopePhases
	}
	err := c.do(ctx, http.MethodPost, projectPath(id, "iterations"), body, &resp)
	return resp, err
}

// Iterations returns the project's iterations.
func (c *Client) Iterations(ctx context.Context, id string) ([]domain.Iteration, error) {
	var resp Page[domain.Iteration]
	err := c.do(ctx, http.MethodGet, projectPath(id, "iterations"), nil, &resp)
	return resp.Items, err
}

// ResolveIteration marks an iteration resolved.
func (c *Client) ResolveIteration(ctx context.Context, iterationID, resolution string) (domain.Iteration, error) {
	var resp domain.Iteration
	body := map[string]string{"resolution": resolution}
	err := c.do(ctx, http.MethodPost, "iterations/"+url.PathEscape(iterationID)+"/resolve", body, &resp)
	return resp, err
}

// EventsPage returns a page of the project's events, newest first.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (Page[Event], error) {
	var resp Page[Event]
	err := c.do(ctx, http.MethodGet, withQuery(projectPath(id, "events"), ListOptions{Limit: limit, Cursor: cursor}.values()), nil, &resp)
	return resp, err
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Cursor != "" {
		q.Set("cursor", o.Cursor)
	}
	return q
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(id, p string) string {
	base := "projects/" + url.PathEscape(id)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
