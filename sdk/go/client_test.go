package shiplinesdk

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shipline/internal/agent"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/migrate"
	"shipline/internal/server"
)

func newTestClient(t *testing.T) (*Client, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	log := zaptest.NewLogger(t)
	e := engine.New(conn, config.Default(), engine.Options{Agents: agent.NewScripted(), Log: log})
	handler, err := server.New(server.Config{Engine: e, Log: log})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		e.Close()
		conn.Close()
	})
	c := New(srv.URL + "/v0")
	c.HTTPClient = srv.Client()
	return c, e
}

func waitIdle(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.WaitIdle(ctx))
}

func TestClientDrivesPipeline(t *testing.T) {
	c, e := newTestClient(t)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, CreateProjectInput{Name: "Bakery site", Prompt: "A landing page for a bakery"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectIntake, p.Status)

	res, err := c.RunPipeline(ctx, p.ID, "start")
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	assert.Equal(t, "plan", res.Run.WorkflowName)
	waitIdle(t, e)

	plan, err := c.Plan(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, plan.Phases, 3)

	pending, err := c.ListApprovals(ctx, p.ID, "pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	approved, err := c.ResolveApproval(ctx, pending[0].ID, domain.ApprovalApproved, "looks right")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, approved.Status)
	waitIdle(t, e)

	runs, err := c.ListRuns(ctx, p.ID, ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs.Items, 1)
	assert.NotEmpty(t, runs.NextCursor)
	run, err := c.GetRun(ctx, runs.Items[0].RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, run.Steps)

	paused, err := c.PauseProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectPaused, paused.Status)
	resumed, err := c.ResumeProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paused.PausedFrom, resumed.Status)

	it, err := c.CreateIteration(ctx, p.ID, "Use a darker palette", []int{1})
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerUserRequest, it.Trigger)
	iterations, err := c.Iterations(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, iterations, 1)
	waitIdle(t, e)

	events, err := c.EventsPage(ctx, p.ID, 5, "")
	require.NoError(t, err)
	assert.Len(t, events.Items, 5)
	assert.NotEmpty(t, events.NextCursor)
}

func TestClientConfigAndIntakeConflicts(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, CreateProjectInput{Name: "Portfolio"})
	require.NoError(t, err)

	raw, err := c.ProjectConfig(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, raw, "max_iterations")

	_, err = c.CreateIteration(ctx, p.ID, "Use a darker palette", []int{1})
	assert.True(t, IsCode(err, "conflict"), err)
	items, err := c.Iterations(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestClientErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetProject(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsCode(err, "not_found"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)

	p, err := c.CreateProject(ctx, CreateProjectInput{Name: "Shop"})
	require.NoError(t, err)
	_, err = c.ResumeProject(ctx, p.ID)
	assert.True(t, IsCode(err, "illegal_transition"), err)
}
