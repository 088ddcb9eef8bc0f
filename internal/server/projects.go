package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/engine/auth"
	"shipline/internal/repo"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type paginatedProjects struct {
	Items      []ProjectResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedRuns struct {
	Items      []domain.WorkflowRun `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type ConfigBody struct {
	ConfigYAML string `json:"config_yaml"`
}

func projectResponse(ctx context.Context, e engine.Engine, p domain.Project) (ProjectResponse, error) {
	runID, err := e.Repo.RunLockHolder(ctx, p.ID)
	if err != nil {
		return ProjectResponse{}, err
	}
	return ProjectResponse{Project: p, ActiveRunID: runID}, nil
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a project in intake",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*output[ProjectResponse], error) {
		actor, err := requirePermission(ctx, auth.PermProjectCreate)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.CreateProjectOptions{
			ID:      input.Body.ID,
			Name:    input.Body.Name,
			Prompt:  input.Body.Prompt,
			ActorID: actor,
		}
		if input.Body.BudgetLimitUSD != nil {
			opts.BudgetLimitUSD = *input.Body.BudgetLimitUSD
		}
		if input.Body.ConfigYAML != "" {
			cfg, err := config.FromYAML([]byte(input.Body.ConfigYAML))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), nil)
			}
			opts.Config = cfg
		}
		p, err := e.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ProjectResponse{Project: p}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*output[paginatedProjects], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListProjects(ctx, repo.ProjectFilters{
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedProjects{Items: []ProjectResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.FormatTime(last.CreatedAt), last.ID)
		}
		for _, p := range items {
			pr, err := projectResponse(ctx, e, p)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = append(resp.Items, pr)
		}
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[ProjectResponse], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		pr, err := projectResponse(ctx, e, p)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(pr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Pipeline config as YAML",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[ConfigBody], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.ProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := cfg.YAML()
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ConfigBody{ConfigYAML: string(data)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace the pipeline config",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string     `path:"project_id"`
		Body      ConfigBody `json:"body"`
	}) (*output[ConfigBody], error) {
		if _, err := requirePermission(ctx, auth.PermProjectManage); err != nil {
			return nil, handleError(err)
		}
		cfg, err := config.FromYAML([]byte(input.Body.ConfigYAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), nil)
		}
		if err := e.UpdateProjectConfig(ctx, input.ProjectID, cfg); err != nil {
			return nil, handleError(err)
		}
		return respond(input.Body), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Active plan with its phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[domain.Plan], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		plan, err := e.ActivePlan(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(plan), nil
	})

	projectAction := func(id, summary string, act func(context.Context, string, string) (domain.Project, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id + "-project",
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/" + id,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *projectPath) (*output[ProjectResponse], error) {
			actor, err := requirePermission(ctx, auth.PermProjectManage)
			if err != nil {
				return nil, handleError(err)
			}
			p, err := act(ctx, input.ProjectID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			pr, err := projectResponse(ctx, e, p)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(pr), nil
		})
	}
	projectAction("pause", "Pause a project and stop its run", e.PauseProject)
	projectAction("resume", "Resume a paused project", e.ResumeProject)
	projectAction("cancel", "Cancel a project", e.CancelProject)
	projectAction("archive", "Archive a project", e.ArchiveProject)
}

func registerPipeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-pipeline",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/pipeline/run",
		Summary:       "Drive the pipeline with an intent",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      RunPipelineRequest `json:"body"`
	}) (*output[engine.PipelineResult], error) {
		actor, err := requirePermission(ctx, auth.PermPipelineRun)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.RunPipeline(ctx, engine.RunPipelineOptions{
			ProjectID: input.ProjectID,
			Intent:    input.Body.Intent,
			ActorID:   actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-pipeline",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/pipeline/stop",
		Summary:     "Stop the active run of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[StopResponse], error) {
		actor, err := requirePermission(ctx, auth.PermPipelineRun)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		stopped, err := e.StopProjectRuns(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(StopResponse{Stopped: nonNilSlice(stopped)}), nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List workflow runs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Workflow  string `query:"workflow"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*output[paginatedRuns], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListRuns(ctx, repo.RunFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Workflow:  input.Workflow,
			Limit:     limit + 1,
			CursorID:  cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRuns{Items: []domain.WorkflowRun{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a run with its steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*output[domain.WorkflowRun], error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		run, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/stop",
		Summary:     "Stop a pending or running run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*output[domain.WorkflowRun], error) {
		actor, err := requirePermission(ctx, auth.PermPipelineRun)
		if err != nil {
			return nil, handleError(err)
		}
		run, err := e.StopRun(ctx, input.RunID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(run), nil
	})
}
