// Package qa evaluates build output. Checks produce QACheck entries and
// Verdict folds them into the report status.
package qa

import (
	"context"
	"fmt"
	"slices"

	"shipline/internal/domain"
)

// Check categories.
const (
	CategoryCompleteness = "completeness"
	CategoryReliability  = "reliability"
	CategoryCost         = "cost"
	CategoryReview       = "review"
)

// Input is everything a check may look at.
type Input struct {
	Project            domain.Project
	Run                domain.WorkflowRun
	Executions         []domain.AgentExecution
	Depth              domain.QADepth
	FocusAreas         []string
	TotalCostUSD       float64
	BudgetLimitUSD     float64
	PlaceholderMarkers []string
}

// Check is one named test of the build output.
type Check interface {
	Name() string
	Category() string
	Run(ctx context.Context, in Input) ([]domain.QACheck, error)
}

// Verdict derives the overall status and the number of blocking issues.
// It depends on nothing but the checks.
func Verdict(checks []domain.QACheck) (domain.QAStatus, int) {
	blocking := 0
	soft := false
	for _, c := range checks {
		switch c.Status {
		case domain.CheckFail:
			if c.Severity == domain.SeverityCritical {
				blocking++
			} else {
				soft = true
			}
		case domain.CheckWarn:
			soft = true
		}
	}
	switch {
	case blocking > 0:
		return domain.QAFail, blocking
	case soft:
		return domain.QAPartial, 0
	default:
		return domain.QAPass, 0
	}
}

// Passed reports whether the pipeline may advance: nothing blocking.
func Passed(status domain.QAStatus, blocking int) bool {
	return status != domain.QAFail && blocking == 0
}

// Evaluate runs checks in order and keeps the entries matching the focus areas.
func Evaluate(ctx context.Context, checks []Check, in Input) ([]domain.QACheck, error) {
	var out []domain.QACheck
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := c.Run(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("qa check %s: %w", c.Name(), err)
		}
		for _, r := range res {
			if r.Name == "" {
				r.Name = c.Name()
			}
			if r.Category == "" {
				r.Category = c.Category()
			}
			if !inFocus(in.FocusAreas, r.Category) {
				continue
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func inFocus(areas []string, category string) bool {
	return len(areas) == 0 || slices.Contains(areas, category)
}

// Select returns the enabled checks in the configured order. Unknown names
// are reported as an error.
func Select(registry map[string]Check, names []string) ([]Check, error) {
	if len(names) == 0 {
		names = DefaultOrder
	}
	out := make([]Check, 0, len(names))
	for _, n := range names {
		c, ok := registry[n]
		if !ok {
			return nil, fmt.Errorf("unknown qa check %q", n)
		}
		out = append(out, c)
	}
	return out, nil
}

// DefaultOrder is the battery used when the config lists none.
var DefaultOrder = []string{"outputs_present", "step_failures", "partial_executions", "budget", "placeholders", "agent_review"}

func pass(name, category, msg string) domain.QACheck {
	return domain.QACheck{Category: category, Name: name, Status: domain.CheckPass, Severity: domain.SeverityInfo, Message: msg}
}
