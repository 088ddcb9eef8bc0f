package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/engine/auth"
	"shipline/internal/repo"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func listOf[T any](items []T) *output[listResponse[T]] {
	return respond(listResponse[T]{Items: nonNilSlice(items)})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/approvals",
		Summary:     "List approvals",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
	}) (*output[listResponse[domain.Approval]], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListApprovals(ctx, repo.ApprovalFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Type:      input.Type,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return listOf(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}",
		Summary:     "Get an approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*output[domain.Approval], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		a, err := e.GetApproval(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/resolve",
		Summary:     "Approve or reject a pending approval",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApprovalID string                 `path:"approval_id"`
		Body       ResolveApprovalRequest `json:"body"`
	}) (*output[domain.Approval], error) {
		actor, err := requirePermission(ctx, auth.PermApprovalResolve)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.ResolveApproval(ctx, engine.ResolveApprovalOptions{
			ID:       input.ApprovalID,
			Decision: domain.ApprovalStatus(input.Body.Decision),
			Note:     input.Body.Note,
			ActorID:  actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}

func registerQA(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-qa-reports",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/qa-reports",
		Summary:     "List QA reports, newest first",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*output[listResponse[domain.QAReport]], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListQAReports(ctx, input.ProjectID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return listOf(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-qa-checks",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/qa-reports",
		Summary:       "Evaluate a build run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      RunChecksRequest `json:"body"`
	}) (*output[domain.QAReport], error) {
		actor, err := requirePermission(ctx, auth.PermQARun)
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := e.RunChecks(ctx, engine.RunChecksOptions{
			ProjectID:   input.ProjectID,
			ExecutionID: input.Body.ExecutionID,
			Depth:       domain.QADepth(input.Body.Depth),
			FocusAreas:  input.Body.FocusAreas,
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-qa-report",
		Method:      http.MethodGet,
		Path:        "/qa-reports/{report_id}",
		Summary:     "Get a QA report with its checks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReportID string `path:"report_id"`
	}) (*output[domain.QAReport], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.GetQAReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rep), nil
	})
}

func registerIterations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-iterations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/iterations",
		Summary:     "List iterations",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Trigger   string `query:"trigger"`
		Limit     int    `query:"limit" default:"50"`
	}) (*output[listResponse[domain.Iteration]], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListIterations(ctx, repo.IterationFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Trigger:   input.Trigger,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return listOf(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-iteration",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/iterations",
		Summary:       "Record revision feedback",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      CreateIterationRequest `json:"body"`
	}) (*output[domain.Iteration], error) {
		actor, err := requirePermission(ctx, auth.PermIterationCreate)
		if err != nil {
			return nil, handleError(err)
		}
		it, err := e.RecordIteration(ctx, engine.RecordIterationOptions{
			ProjectID:   input.ProjectID,
			Feedback:    input.Body.Feedback,
			Trigger:     domain.TriggerUserRequest,
			ScopePhases: input.Body.ScopePhases,
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(it), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-iteration",
		Method:      http.MethodPost,
		Path:        "/iterations/{iteration_id}/resolve",
		Summary:     "Mark an iteration resolved",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IterationID string `path:"iteration_id"`
		Body        struct {
			Resolution string `json:"resolution,omitempty"`
		} `json:"body"`
	}) (*output[domain.Iteration], error) {
		actor, err := requirePermission(ctx, auth.PermIterationCreate)
		if err != nil {
			return nil, handleError(err)
		}
		it, err := e.ResolveIteration(ctx, input.IterationID, input.Body.Resolution, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(it), nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/executions",
		Summary:     "List agent executions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `query:"run_id"`
		AgentType string `query:"agent_type"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" default:"50"`
	}) (*output[listResponse[domain.AgentExecution]], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListExecutions(ctx, repo.ExecutionFilters{
			ProjectID: input.ProjectID,
			RunID:     input.RunID,
			AgentType: input.AgentType,
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return listOf(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-agent",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/executions/current",
		Summary:     "The agent execution in flight, if any",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[domain.AgentExecution], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		ex, err := e.CurrentAgent(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ex), nil
	})
}
