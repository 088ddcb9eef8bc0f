package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/domain"
)

func TestHTTPExecutorPostsRequest(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/engineer/execute", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Result{Output: "built", Files: []string{"index.html"}, TokensIn: 10, TokensOut: 20, CostUSD: 0.5})
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL + "/", Token: "secret", RateLimit: 100})
	require.NoError(t, err)
	res, err := ex.Execute(context.Background(), Request{AgentType: domain.AgentEngineer, ProjectID: "p1", Instruction: "build it"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"index.html"}, res.Files)
	assert.Equal(t, 0.5, res.CostUSD)
	assert.Equal(t, "build it", got.Instruction)
	assert.Equal(t, "p1", got.ProjectID)
}

func TestHTTPExecutorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), Request{AgentType: domain.AgentQA})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "overloaded", se.Body)
}

func TestHTTPExecutorTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ex, err := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), Request{AgentType: domain.AgentNicole, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewHTTPExecutorRequiresURL(t *testing.T) {
	_, err := NewHTTPExecutor(HTTPConfig{})
	assert.Error(t, err)
}

func TestScriptedQueuesThenDefaults(t *testing.T) {
	boom := errors.New("boom")
	s := NewScripted().
		On(domain.AgentEngineer, Response{Err: boom}, Response{Result: Result{Status: StatusPartial, Output: "half"}})
	ctx := context.Background()

	_, err := s.Execute(ctx, Request{AgentType: domain.AgentEngineer})
	assert.ErrorIs(t, err, boom)
	res, err := s.Execute(ctx, Request{AgentType: domain.AgentEngineer})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	res, err = s.Execute(ctx, Request{AgentType: domain.AgentEngineer, Instruction: "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "engineer completed: x", res.Output)

	res, err = s.Execute(ctx, Request{AgentType: domain.AgentQA})
	require.NoError(t, err)
	assert.JSONEq(t, `{"findings":[]}`, res.Output)
	assert.Len(t, s.Calls(), 4)
}

func TestScriptedDelayHonorsCancel(t *testing.T) {
	s := NewScripted().On(domain.AgentNicole, Response{Delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Execute(ctx, Request{AgentType: domain.AgentNicole})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFunc(t *testing.T) {
	var ex Executor = Func(func(_ context.Context, req Request) (Result, error) {
		return Result{Output: string(req.AgentType)}, nil
	})
	res, err := ex.Execute(context.Background(), Request{AgentType: domain.AgentSrQA})
	require.NoError(t, err)
	assert.Equal(t, "sr_qa", res.Output)
}
