package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	latest, err := Latest()
	require.NoError(t, err)
	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)
}

func TestSchemaConstraints(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))
	ctx := context.Background()

	_, err = conn.ExecContext(ctx, `INSERT INTO projects(id,name,status,created_at,updated_at) VALUES ('p1','demo','intake','t','t')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO workflow_runs(run_id,project_id,workflow_name,status,steps_completed,steps_total,created_at) VALUES ('wf_a','p1','build','running',2,1,'t')`)
	assert.Error(t, err, "steps_completed above steps_total must be rejected")

	res, err := conn.ExecContext(ctx, `INSERT INTO workflow_runs(run_id,project_id,workflow_name,status,steps_total,created_at) VALUES ('wf_b','p1','build','running',2,'t')`)
	require.NoError(t, err)
	runID, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO workflow_steps(workflow_run_id,step_number,step_name,tool_name,status) VALUES (?,1,'a','agent:engineer','pending')`, runID)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO workflow_steps(workflow_run_id,step_number,step_name,tool_name,status) VALUES (?,1,'b','agent:engineer','pending')`, runID)
	assert.Error(t, err, "duplicate step_number must be rejected")

	insertApproval := `INSERT INTO approvals(id,project_id,approval_type,reference_kind,reference_id,status,requested_at,expires_at) VALUES (?,'p1','plan','plan','plan-1',?,'t','t')`
	_, err = conn.ExecContext(ctx, insertApproval, "a1", "pending")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, insertApproval, "a2", "pending")
	assert.Error(t, err, "second pending approval for the same reference must be rejected")
	_, err = conn.ExecContext(ctx, insertApproval, "a3", "rejected")
	assert.NoError(t, err)
}
