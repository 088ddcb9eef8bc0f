package qa

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/domain"
)

func check(status domain.CheckStatus, sev domain.Severity) domain.QACheck {
	return domain.QACheck{Category: "c", Name: "n", Status: status, Severity: sev}
}

func TestVerdictOneCriticalFailure(t *testing.T) {
	status, blocking := Verdict([]domain.QACheck{
		check(domain.CheckFail, domain.SeverityCritical),
		check(domain.CheckPass, domain.SeverityInfo),
		check(domain.CheckPass, domain.SeverityInfo),
	})
	assert.Equal(t, domain.QAFail, status)
	assert.Equal(t, 1, blocking)
}

func TestVerdictRules(t *testing.T) {
	tests := []struct {
		name     string
		checks   []domain.QACheck
		status   domain.QAStatus
		blocking int
	}{
		{"empty", nil, domain.QAPass, 0},
		{"all pass", []domain.QACheck{check(domain.CheckPass, domain.SeverityCritical)}, domain.QAPass, 0},
		{"skip only", []domain.QACheck{check(domain.CheckSkip, domain.SeverityCritical)}, domain.QAPass, 0},
		{"non critical fail", []domain.QACheck{check(domain.CheckFail, domain.SeverityWarning)}, domain.QAPartial, 0},
		{"warn", []domain.QACheck{check(domain.CheckWarn, domain.SeverityCritical)}, domain.QAPartial, 0},
		{"two critical", []domain.QACheck{
			check(domain.CheckFail, domain.SeverityCritical),
			check(domain.CheckWarn, domain.SeverityInfo),
			check(domain.CheckFail, domain.SeverityCritical),
		}, domain.QAFail, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, blocking := Verdict(tt.checks)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.blocking, blocking)
		})
	}
}

func TestVerdictIsOrderIndependent(t *testing.T) {
	statuses := []domain.CheckStatus{domain.CheckPass, domain.CheckFail, domain.CheckWarn, domain.CheckSkip}
	sevs := []domain.Severity{domain.SeverityCritical, domain.SeverityWarning, domain.SeverityInfo}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := rng.Intn(6)
		checks := make([]domain.QACheck, n)
		for j := range checks {
			checks[j] = check(statuses[rng.Intn(len(statuses))], sevs[rng.Intn(len(sevs))])
		}
		s1, b1 := Verdict(checks)
		shuffled := append([]domain.QACheck(nil), checks...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		s2, b2 := Verdict(shuffled)
		require.Equal(t, s1, s2)
		require.Equal(t, b1, b2)
	}
}

func TestPassedTreatsAdvisoryPartialAsPass(t *testing.T) {
	assert.True(t, Passed(domain.QAPartial, 0))
	assert.True(t, Passed(domain.QAPass, 0))
	assert.False(t, Passed(domain.QAFail, 1))
}

func buildRun(steps ...domain.WorkflowStep) domain.WorkflowRun {
	done := 0
	for _, s := range steps {
		if s.Status == domain.StepCompleted {
			done++
		}
	}
	return domain.WorkflowRun{RunID: "wf_build_x", Status: domain.RunCompleted, Steps: steps, StepsCompleted: done, StepsTotal: len(steps)}
}

func TestStaticChecks(t *testing.T) {
	ctx := context.Background()
	in := Input{
		Run: buildRun(
			domain.WorkflowStep{StepName: "scaffold", Status: domain.StepCompleted, Result: "created app"},
			domain.WorkflowStep{StepName: "implement", Status: domain.StepCompleted, Result: "TODO: wire checkout"},
			domain.WorkflowStep{StepName: "smoke_test", Status: domain.StepSkipped, ErrorMessage: "agent unavailable"},
		),
		Executions: []domain.AgentExecution{
			{ID: "e1", AgentType: domain.AgentEngineer, Status: domain.ExecutionPartial, ErrorMessage: "ran out of context"},
			{ID: "e2", AgentType: domain.AgentEngineer, Status: domain.ExecutionSuccess, Files: []string{"index.html"}},
		},
		Depth:              domain.QAQuick,
		TotalCostUSD:       9,
		BudgetLimitUSD:     10,
		PlaceholderMarkers: []string{"todo"},
	}
	checks, err := Select(Builtin(nil), nil)
	require.NoError(t, err)
	res, err := Evaluate(ctx, checks, in)
	require.NoError(t, err)

	byName := map[string][]domain.QACheck{}
	for _, c := range res {
		byName[c.Name] = append(byName[c.Name], c)
	}
	assert.Equal(t, domain.CheckPass, byName["outputs_present"][0].Status)
	assert.Equal(t, domain.CheckWarn, byName["step_failures"][0].Status)
	assert.Equal(t, "smoke_test", byName["step_failures"][0].Location)
	assert.Equal(t, domain.CheckWarn, byName["partial_executions"][0].Status)
	assert.Equal(t, domain.CheckWarn, byName["budget"][0].Status)
	require.Len(t, byName["placeholders"], 1)
	assert.Equal(t, "implement", byName["placeholders"][0].Location)
	assert.Equal(t, domain.CheckSkip, byName["agent_review"][0].Status)

	status, blocking := Verdict(res)
	assert.Equal(t, domain.QAPartial, status)
	assert.Equal(t, 0, blocking)
}

func TestFailedRunIsBlocking(t *testing.T) {
	run := buildRun(domain.WorkflowStep{StepName: "implement", Status: domain.StepFailed, RetryCount: 2, ErrorMessage: "timeout"})
	run.Status = domain.RunFailed
	res, err := Evaluate(context.Background(), []Check{OutputsPresent{}, StepFailures{}}, Input{Run: run})
	require.NoError(t, err)
	status, blocking := Verdict(res)
	assert.Equal(t, domain.QAFail, status)
	assert.Equal(t, 2, blocking)
}

func TestBudgetExceeded(t *testing.T) {
	res, err := Budget{}.Run(context.Background(), Input{TotalCostUSD: 12.5, BudgetLimitUSD: 10})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, domain.CheckFail, res[0].Status)
	assert.Equal(t, domain.SeverityCritical, res[0].Severity)
}

func TestFocusAreasFilterByCategory(t *testing.T) {
	in := Input{Run: buildRun(domain.WorkflowStep{StepName: "s", Status: domain.StepCompleted, Result: "ok"}), FocusAreas: []string{CategoryCost}}
	checks, err := Select(Builtin(nil), []string{"outputs_present", "budget"})
	require.NoError(t, err)
	res, err := Evaluate(context.Background(), checks, in)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "budget", res[0].Name)
}

func TestSelectRejectsUnknownCheck(t *testing.T) {
	_, err := Select(Builtin(nil), []string{"lint"})
	assert.Error(t, err)
}

func TestAgentReviewByDepth(t *testing.T) {
	var called []domain.AgentType
	review := func(ctx context.Context, a domain.AgentType, instruction string, args map[string]any) (domain.AgentExecution, error) {
		called = append(called, a)
		if a == domain.AgentSrQA {
			return domain.AgentExecution{Result: `[{"category":"security","name":"xss","status":"fail","severity":"critical","location":"form.js"}]`}, nil
		}
		return domain.AgentExecution{Result: `{"findings":[]}`}, nil
	}
	c := AgentReview{Review: review}

	res, err := c.Run(context.Background(), Input{Depth: domain.QAStandard})
	require.NoError(t, err)
	assert.Equal(t, []domain.AgentType{domain.AgentQA}, called)
	require.Len(t, res, 1)
	assert.Equal(t, domain.CheckPass, res[0].Status)

	called = nil
	res, err = c.Run(context.Background(), Input{Depth: domain.QADeep})
	require.NoError(t, err)
	assert.Equal(t, []domain.AgentType{domain.AgentQA, domain.AgentSrQA}, called)
	require.Len(t, res, 2)
	assert.Equal(t, "xss", res[1].Name)
	status, blocking := Verdict(res)
	assert.Equal(t, domain.QAFail, status)
	assert.Equal(t, 1, blocking)
}

func TestAgentReviewFailureIsAdvisory(t *testing.T) {
	c := AgentReview{Review: func(ctx context.Context, a domain.AgentType, instruction string, args map[string]any) (domain.AgentExecution, error) {
		return domain.AgentExecution{}, errors.New("agent transient failure")
	}}
	res, err := c.Run(context.Background(), Input{Depth: domain.QAStandard})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, domain.CheckWarn, res[0].Status)
}

func TestParseFindings(t *testing.T) {
	checks, err := ParseFindings(`{"findings":[{"message":"contrast too low"}]}`)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, domain.CheckFail, checks[0].Status)
	assert.Equal(t, domain.SeverityWarning, checks[0].Severity)
	assert.Equal(t, CategoryReview, checks[0].Category)

	_, err = ParseFindings(`{"findings":[{"status":"broken"}]}`)
	assert.Error(t, err)
	_, err = ParseFindings(`not json`)
	assert.Error(t, err)
	checks, err = ParseFindings("")
	require.NoError(t, err)
	assert.Empty(t, checks)
}
