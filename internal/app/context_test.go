package app

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shipline/internal/agent"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine"
)

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	workspace := t.TempDir()
	fs := afero.NewMemMapFs()
	custom := strings.Replace(config.DefaultTemplate(), "max_iterations: 3", "max_iterations: 5", 1)
	require.NoError(t, afero.WriteFile(fs, config.Path(workspace), []byte(custom), 0o644))

	ctx := context.Background()
	rt, err := Open(ctx, fs, Settings{Workspace: workspace}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, 5, rt.Config.Pipeline.MaxIterations)

	p, err := rt.Engine.CreateProject(ctx, engine.CreateProjectOptions{Name: "Bakery site"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectIntake, p.Status)
	cfg, err := rt.Engine.ProjectConfig(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pipeline.MaxIterations)
}

func TestOpenFallsBackToDefaults(t *testing.T) {
	rt, err := Open(context.Background(), afero.NewMemMapFs(), Settings{Workspace: t.TempDir()}, nil)
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, config.Default().Pipeline.MaxIterations, rt.Config.Pipeline.MaxIterations)
}

func TestExecutorSelection(t *testing.T) {
	ex, err := newExecutor(Settings{})
	require.NoError(t, err)
	assert.IsType(t, &agent.Scripted{}, ex)

	ex, err = newExecutor(Settings{AgentURL: "http://agents.internal:8080"})
	require.NoError(t, err)
	assert.IsType(t, &agent.HTTPExecutor{}, ex)
}

func TestOpenFailsWhenNATSUnreachable(t *testing.T) {
	rt, err := Open(context.Background(), afero.NewMemMapFs(), Settings{Workspace: t.TempDir(), NATSURL: "nats://127.0.0.1:1"}, nil)
	assert.Error(t, err)
	assert.Nil(t, rt)
}
