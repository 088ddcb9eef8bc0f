// Package agent defines the black-box executor the orchestrator hands agent
// work to, plus the implementations used by the CLI and tests.
package agent

import (
	"context"
	"time"

	"shipline/internal/domain"
)

// Status is the outcome an agent reports for a finished request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

type Request struct {
	AgentType   domain.AgentType `json:"agent_type"`
	ProjectID   string           `json:"project_id"`
	RunID       string           `json:"run_id,omitempty"`
	Instruction string           `json:"instruction"`
	Context     map[string]any   `json:"context,omitempty"`
	Timeout     time.Duration    `json:"-"`
}

type Result struct {
	Output    string   `json:"output"`
	Files     []string `json:"files,omitempty"`
	TokensIn  int64    `json:"tokens_in"`
	TokensOut int64    `json:"tokens_out"`
	CostUSD   float64  `json:"cost_usd"`
	Status    Status   `json:"status"`
	Error     string   `json:"error,omitempty"`
}

// Executor runs one agent request. A returned error means the request did
// not complete; an agent that ran but failed reports it through Result.Status.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
