package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"shipline/internal/domain"
)

// Response is one scripted reply.
type Response struct {
	Result Result
	Err    error
	// Delay blocks the call, honoring cancellation.
	Delay time.Duration
}

// Scripted replies from per-agent queues. When a queue is empty it answers
// with a deterministic success; review agents answer with no findings.
type Scripted struct {
	mu     sync.Mutex
	queues map[domain.AgentType][]Response
	calls  []Request
}

func NewScripted() *Scripted {
	return &Scripted{queues: make(map[domain.AgentType][]Response)}
}

// On queues responses for an agent type.
func (s *Scripted) On(agentType domain.AgentType, rs ...Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[agentType] = append(s.queues[agentType], rs...)
	return s
}

// Calls returns the requests received so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

func (s *Scripted) Execute(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var (
		r      Response
		queued bool
	)
	if q := s.queues[req.AgentType]; len(q) > 0 {
		r, queued = q[0], true
		s.queues[req.AgentType] = q[1:]
	}
	s.mu.Unlock()

	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !queued {
		return defaultResult(req), nil
	}
	if r.Err != nil {
		return Result{}, r.Err
	}
	res := r.Result
	if res.Status == "" {
		res.Status = StatusSuccess
	}
	return res, nil
}

func defaultResult(req Request) Result {
	out := fmt.Sprintf("%s completed: %s", req.AgentType, req.Instruction)
	if req.AgentType == domain.AgentQA || req.AgentType == domain.AgentSrQA {
		out = `{"findings":[]}`
	}
	return Result{
		Output:    out,
		Status:    StatusSuccess,
		TokensIn:  int64(len(req.Instruction)),
		TokensOut: int64(len(out)),
	}
}
