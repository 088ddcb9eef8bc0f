package engine

import (
	"context"
	"fmt"
	"slices"

	"shipline/internal/events"
)

// Built-in tool names usable from workflow steps.
const (
	ToolDeploy         = "deploy"
	ToolPreviewRefresh = "preview_refresh"
)

// ToolCall is one invocation of a non-agent workflow step.
type ToolCall struct {
	ProjectID string
	RunID     string
	StepID    int64
	Phase     int
	Args      map[string]any
}

// Tool is a non-agent step implementation. Its result is stored on the step.
type Tool interface {
	Run(ctx context.Context, call ToolCall) (string, error)
}

type ToolFunc func(ctx context.Context, call ToolCall) (string, error)

func (f ToolFunc) Run(ctx context.Context, call ToolCall) (string, error) {
	return f(ctx, call)
}

func (e Engine) runTool(ctx context.Context, name string, call ToolCall) (string, error) {
	if t, ok := e.Tools[name]; ok {
		return t.Run(ctx, call)
	}
	switch name {
	case ToolDeploy:
		return e.deployTool(ctx, call)
	case ToolPreviewRefresh:
		return e.previewRefreshTool(ctx, call)
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

func (e Engine) deployTarget(ctx context.Context, call ToolCall) string {
	if target, ok := call.Args["target"].(string); ok && target != "" {
		return target
	}
	if cfg := e.projectConfig(ctx, e.Repo, call.ProjectID); cfg != nil && cfg.Pipeline.DeployTarget != "" {
		return cfg.Pipeline.DeployTarget
	}
	return "preview"
}

// deployTool records the target in the project settings. Re-deploying to the
// same target leaves the settings unchanged.
func (e Engine) deployTool(ctx context.Context, call ToolCall) (string, error) {
	target := e.deployTarget(ctx, call)
	err := e.withTx(ctx, func(t *txn) error {
		p, err := t.repo.GetProject(ctx, call.ProjectID)
		if err != nil {
			return err
		}
		if !slices.Contains(p.Settings.DeployedTargets, target) {
			p.Settings.DeployedTargets = append(p.Settings.DeployedTargets, target)
			if err := t.repo.UpdateProjectSettings(ctx, p.ID, p.Settings, e.now()); err != nil {
				return err
			}
		}
		return t.note(p.ID, "", "deployed to "+target, events.EventPayload{"run_id": call.RunID, "target": target})
	})
	if err != nil {
		return "", err
	}
	return "deployed to " + target, nil
}

func (e Engine) previewRefreshTool(ctx context.Context, call ToolCall) (string, error) {
	target := e.deployTarget(ctx, call)
	err := e.withTx(ctx, func(t *txn) error {
		return t.emit(events.PreviewRefresh, call.ProjectID, "project", call.ProjectID, "", events.EventPayload{
			"run_id": call.RunID, "target": target,
		})
	})
	if err != nil {
		return "", err
	}
	return "preview refreshed: " + target, nil
}
