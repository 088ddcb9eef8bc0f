package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"shipline/internal/domain"
)

// Builtin returns the static checks plus the agent review check.
func Builtin(reviewer Reviewer) map[string]Check {
	return map[string]Check{
		"outputs_present":    OutputsPresent{},
		"step_failures":      StepFailures{},
		"partial_executions": PartialExecutions{},
		"budget":             Budget{},
		"placeholders":       Placeholders{},
		"agent_review":       AgentReview{Review: reviewer},
	}
}

// OutputsPresent fails when the build run produced nothing usable.
type OutputsPresent struct{}

func (OutputsPresent) Name() string     { return "outputs_present" }
func (OutputsPresent) Category() string { return CategoryCompleteness }

func (c OutputsPresent) Run(_ context.Context, in Input) ([]domain.QACheck, error) {
	if in.Run.Status != domain.RunCompleted {
		return []domain.QACheck{{
			Status:     domain.CheckFail,
			Severity:   domain.SeverityCritical,
			Location:   in.Run.RunID,
			Message:    fmt.Sprintf("build run is %s", in.Run.Status),
			Suggestion: "re-run the build phase",
		}}, nil
	}
	var out []domain.QACheck
	for _, st := range in.Run.Steps {
		if st.Status == domain.StepCompleted && strings.TrimSpace(st.Result) == "" {
			out = append(out, domain.QACheck{
				Status:     domain.CheckFail,
				Severity:   domain.SeverityWarning,
				Location:   st.StepName,
				Message:    "step completed without output",
				Suggestion: "check the agent instruction for this step",
			})
		}
	}
	if len(out) == 0 {
		out = append(out, pass(c.Name(), c.Category(), fmt.Sprintf("%d steps produced output", in.Run.StepsCompleted)))
	}
	return out, nil
}

// StepFailures reports failed and skipped steps.
type StepFailures struct{}

func (StepFailures) Name() string     { return "step_failures" }
func (StepFailures) Category() string { return CategoryReliability }

func (c StepFailures) Run(_ context.Context, in Input) ([]domain.QACheck, error) {
	var out []domain.QACheck
	for _, st := range in.Run.Steps {
		switch st.Status {
		case domain.StepFailed:
			out = append(out, domain.QACheck{
				Status:   domain.CheckFail,
				Severity: domain.SeverityCritical,
				Location: st.StepName,
				Message:  fmt.Sprintf("step failed after %d retries: %s", st.RetryCount, st.ErrorMessage),
			})
		case domain.StepSkipped:
			out = append(out, domain.QACheck{
				Status:     domain.CheckWarn,
				Severity:   domain.SeverityWarning,
				Location:   st.StepName,
				Message:    "optional step was skipped: " + st.ErrorMessage,
				Suggestion: "review whether the skipped work is needed",
			})
		}
	}
	if len(out) == 0 {
		out = append(out, pass(c.Name(), c.Category(), "no failed steps"))
	}
	return out, nil
}

// PartialExecutions warns about agent calls that only partly completed.
type PartialExecutions struct{}

func (PartialExecutions) Name() string     { return "partial_executions" }
func (PartialExecutions) Category() string { return CategoryReliability }

func (c PartialExecutions) Run(_ context.Context, in Input) ([]domain.QACheck, error) {
	var out []domain.QACheck
	for _, ex := range in.Executions {
		if ex.Status != domain.ExecutionPartial {
			continue
		}
		out = append(out, domain.QACheck{
			Status:   domain.CheckWarn,
			Severity: domain.SeverityWarning,
			Location: fmt.Sprintf("%s/%s", ex.AgentType, ex.ID),
			Message:  "agent reported partial completion: " + ex.ErrorMessage,
		})
	}
	if len(out) == 0 {
		out = append(out, pass(c.Name(), c.Category(), "all agent executions completed"))
	}
	return out, nil
}

// Budget compares cumulative agent cost with the project limit.
type Budget struct{}

func (Budget) Name() string     { return "budget" }
func (Budget) Category() string { return CategoryCost }

func (c Budget) Run(_ context.Context, in Input) ([]domain.QACheck, error) {
	limit := in.BudgetLimitUSD
	if limit <= 0 {
		return []domain.QACheck{{Status: domain.CheckSkip, Severity: domain.SeverityInfo, Message: "no budget limit set"}}, nil
	}
	spent := in.TotalCostUSD
	switch {
	case spent > limit:
		return []domain.QACheck{{
			Status:     domain.CheckFail,
			Severity:   domain.SeverityCritical,
			Message:    fmt.Sprintf("agent cost $%.2f exceeds budget $%.2f", spent, limit),
			Suggestion: "raise the budget or narrow the scope",
		}}, nil
	case spent > 0.8*limit:
		return []domain.QACheck{{
			Status:   domain.CheckWarn,
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("agent cost $%.2f is above 80%% of budget $%.2f", spent, limit),
		}}, nil
	}
	return []domain.QACheck{pass(c.Name(), c.Category(), fmt.Sprintf("agent cost $%.2f within budget", spent))}, nil
}

// Placeholders looks for unfinished markers in step and agent output.
type Placeholders struct{}

func (Placeholders) Name() string     { return "placeholders" }
func (Placeholders) Category() string { return CategoryCompleteness }

func (c Placeholders) Run(_ context.Context, in Input) ([]domain.QACheck, error) {
	if len(in.PlaceholderMarkers) == 0 {
		return []domain.QACheck{{Status: domain.CheckSkip, Severity: domain.SeverityInfo, Message: "no placeholder markers configured"}}, nil
	}
	var out []domain.QACheck
	scan := func(location, text string) {
		lower := strings.ToLower(text)
		for _, m := range in.PlaceholderMarkers {
			if m != "" && strings.Contains(lower, strings.ToLower(m)) {
				out = append(out, domain.QACheck{
					Status:     domain.CheckFail,
					Severity:   domain.SeverityWarning,
					Location:   location,
					Message:    fmt.Sprintf("output contains placeholder %q", m),
					Suggestion: "replace placeholder content before release",
				})
				return
			}
		}
	}
	for _, st := range in.Run.Steps {
		scan(st.StepName, st.Result)
	}
	for _, ex := range in.Executions {
		for _, f := range ex.Files {
			scan(f, f)
		}
	}
	if len(out) == 0 {
		out = append(out, pass(c.Name(), c.Category(), "no placeholder content found"))
	}
	return out, nil
}

// Reviewer dispatches a review agent and returns its execution record.
type Reviewer func(ctx context.Context, agent domain.AgentType, instruction string, args map[string]any) (domain.AgentExecution, error)

// AgentReview asks the qa agent (and sr_qa at deep depth) for findings.
type AgentReview struct {
	Review Reviewer
}

func (AgentReview) Name() string     { return "agent_review" }
func (AgentReview) Category() string { return CategoryReview }

// Agents returns the reviewers consulted at depth.
func (AgentReview) Agents(depth domain.QADepth) []domain.AgentType {
	switch depth {
	case domain.QAStandard:
		return []domain.AgentType{domain.AgentQA}
	case domain.QADeep:
		return []domain.AgentType{domain.AgentQA, domain.AgentSrQA}
	}
	return nil
}

func (c AgentReview) Run(ctx context.Context, in Input) ([]domain.QACheck, error) {
	agents := c.Agents(in.Depth)
	if len(agents) == 0 || c.Review == nil {
		return []domain.QACheck{{Status: domain.CheckSkip, Severity: domain.SeverityInfo, Message: fmt.Sprintf("agent review not run at depth %s", in.Depth)}}, nil
	}
	var out []domain.QACheck
	for _, a := range agents {
		ex, err := c.Review(ctx, a, reviewInstruction(in), map[string]any{
			"run_id":      in.Run.RunID,
			"focus_areas": in.FocusAreas,
			"depth":       string(in.Depth),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out = append(out, domain.QACheck{
				Status:   domain.CheckWarn,
				Severity: domain.SeverityWarning,
				Location: string(a),
				Message:  "review incomplete: " + err.Error(),
			})
			continue
		}
		findings, err := ParseFindings(ex.Result)
		if err != nil {
			out = append(out, domain.QACheck{
				Status:   domain.CheckWarn,
				Severity: domain.SeverityWarning,
				Location: string(a),
				Message:  "unreadable review output: " + err.Error(),
			})
			continue
		}
		if len(findings) == 0 {
			out = append(out, pass(c.Name(), c.Category(), string(a)+" reported no findings"))
			continue
		}
		out = append(out, findings...)
	}
	return out, nil
}

func reviewInstruction(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the output of build run %s at %s depth.", in.Run.RunID, in.Depth)
	if len(in.FocusAreas) > 0 {
		fmt.Fprintf(&b, " Focus on: %s.", strings.Join(in.FocusAreas, ", "))
	}
	b.WriteString(` Reply with JSON {"findings":[{"category","name","status","severity","location","message","suggestion"}]}.`)
	return b.String()
}

type findingsEnvelope struct {
	Findings []domain.QACheck `json:"findings"`
}

// ParseFindings reads review agent output. Both an envelope object and a bare
// array are accepted.
func ParseFindings(raw string) ([]domain.QACheck, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var checks []domain.QACheck
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &checks); err != nil {
			return nil, err
		}
	} else {
		var env findingsEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, err
		}
		checks = env.Findings
	}
	for i := range checks {
		if err := normalize(&checks[i]); err != nil {
			return nil, err
		}
	}
	return checks, nil
}

func normalize(c *domain.QACheck) error {
	switch c.Status {
	case domain.CheckPass, domain.CheckFail, domain.CheckWarn, domain.CheckSkip:
	case "":
		c.Status = domain.CheckFail
	default:
		return fmt.Errorf("finding %q has unknown status %q", c.Name, c.Status)
	}
	switch c.Severity {
	case domain.SeverityCritical, domain.SeverityWarning, domain.SeverityInfo:
	case "":
		c.Severity = domain.SeverityWarning
	default:
		return fmt.Errorf("finding %q has unknown severity %q", c.Name, c.Severity)
	}
	if c.Category == "" {
		c.Category = CategoryReview
	}
	if c.Name == "" {
		c.Name = "agent_finding"
	}
	return nil
}
