// Package app wires a workspace into a running orchestrator: database,
// pipeline config, agent executor, event fan-out and the engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"shipline/internal/agent"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/engine"
	"shipline/internal/events"
	"shipline/internal/logging"
	"shipline/internal/migrate"
)

// Settings are the process-level options, usually bound from flags and
// SHIPLINE_* environment variables.
type Settings struct {
	Workspace string
	// AgentURL selects the remote agent service. Empty uses the scripted
	// executor.
	AgentURL       string
	AgentToken     string
	AgentRateLimit float64
	// NATSURL enables the NATS event bridge.
	NATSURL string
	// SkipReconcile leaves interrupted runs alone on open.
	SkipReconcile bool
}

// Runtime owns everything Open created.
type Runtime struct {
	Engine engine.Engine
	Bus    *events.Bus
	DB     *sql.DB
	Config *config.Config
	Log    *zap.Logger

	nats *events.NATSPublisher
}

// Open migrates the workspace database, loads shipline.yml (or the default
// config) and builds the engine. Runs left over from a previous process are
// reconciled unless SkipReconcile is set.
func Open(ctx context.Context, fs afero.Fs, s Settings, log *zap.Logger) (*Runtime, error) {
	log = logging.OrNop(log)
	cfg, err := config.LoadOptional(fs, s.Workspace)
	if err != nil {
		return nil, err
	}
	executor, err := newExecutor(s)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: s.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt := &Runtime{Bus: events.NewBus(256, log), DB: conn, Config: cfg, Log: log}
	publishers := events.Fanout{rt.Bus}
	if strings.TrimSpace(s.NATSURL) != "" {
		rt.nats, err = events.ConnectNATS(s.NATSURL, log)
		if err != nil {
			rt.Bus.Close()
			conn.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		publishers = append(publishers, rt.nats)
	}
	rt.Engine = engine.New(conn, cfg, engine.Options{
		Agents:    executor,
		Publisher: publishers,
		Log:       log,
	})
	if !s.SkipReconcile {
		if _, err := rt.Engine.Reconcile(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("reconcile: %w", err)
		}
	}
	return rt, nil
}

func newExecutor(s Settings) (agent.Executor, error) {
	if strings.TrimSpace(s.AgentURL) == "" {
		return agent.NewScripted(), nil
	}
	return agent.NewHTTPExecutor(agent.HTTPConfig{
		BaseURL:   s.AgentURL,
		Token:     s.AgentToken,
		RateLimit: s.AgentRateLimit,
	})
}

// Close stops the engine, then releases the bus, NATS and the database.
func (r *Runtime) Close() {
	r.Engine.Close()
	r.Bus.Close()
	if r.nats != nil {
		if err := r.nats.Close(); err != nil {
			r.Log.Warn("close nats", zap.Error(err))
		}
	}
	if err := r.DB.Close(); err != nil {
		r.Log.Warn("close db", zap.Error(err))
	}
}
