// Package lifecycle holds the project state machine: a closed table of
// (state, event) edges. It performs no I/O.
package lifecycle

import (
	"errors"
	"fmt"

	"shipline/internal/domain"
)

type Event string

const (
	Submit         Event = "submit"
	RequestConfirm Event = "request_confirm"
	BeginResearch  Event = "begin_research"
	BeginDesign    Event = "begin_design"
	BeginBuild     Event = "begin_build"
	BeginQA        Event = "begin_qa"
	QAPassed       Event = "qa_passed"
	QAFailed       Event = "qa_failed"

	AwaitConfirm        Event = "await_confirm"
	AwaitResearchReview Event = "await_research_review"
	AwaitPlanApproval   Event = "await_plan_approval"
	AwaitDesignApproval Event = "await_design_approval"
	AwaitQAApproval     Event = "await_qa_approval"
	AwaitUserTesting    Event = "await_user_testing"
	AwaitFinalApproval  Event = "await_final_approval"

	Approve     Event = "approve"
	Reject      Event = "reject"
	Expire      Event = "expire"
	BeginDeploy Event = "begin_deploy"
	DeployDone  Event = "deploy_done"
	Fail        Event = "fail"
	Cancel      Event = "cancel"
	Pause       Event = "pause"
	Resume      Event = "resume"
	Archive     Event = "archive"
)

// ErrIllegalTransition matches every *TransitionError.
var ErrIllegalTransition = errors.New("illegal transition")

type TransitionError struct {
	From  domain.ProjectStatus
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s on %s", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// gateSuccessor is where an approved gate leads.
var gateSuccessor = map[domain.ProjectStatus]domain.ProjectStatus{
	domain.ProjectAwaitingConfirm:        domain.ProjectPlanning,
	domain.ProjectAwaitingResearchReview: domain.ProjectPlanning,
	domain.ProjectAwaitingPlanApproval:   domain.ProjectDesigning,
	domain.ProjectAwaitingDesignApproval: domain.ProjectBuilding,
	domain.ProjectAwaitingQAApproval:     domain.ProjectReview,
	domain.ProjectAwaitingUserTesting:    domain.ProjectReview,
	domain.ProjectAwaitingFinalApproval:  domain.ProjectApproved,
}

var awaitTarget = map[Event]domain.ProjectStatus{
	AwaitConfirm:        domain.ProjectAwaitingConfirm,
	AwaitResearchReview: domain.ProjectAwaitingResearchReview,
	AwaitPlanApproval:   domain.ProjectAwaitingPlanApproval,
	AwaitDesignApproval: domain.ProjectAwaitingDesignApproval,
	AwaitQAApproval:     domain.ProjectAwaitingQAApproval,
	AwaitUserTesting:    domain.ProjectAwaitingUserTesting,
	AwaitFinalApproval:  domain.ProjectAwaitingFinalApproval,
}

var beginTarget = map[Event]domain.ProjectStatus{
	BeginResearch: domain.ProjectResearching,
	BeginDesign:   domain.ProjectDesigning,
	BeginBuild:    domain.ProjectBuilding,
}

// IsGate reports whether s blocks on a human approval.
func IsGate(s domain.ProjectStatus) bool {
	_, ok := gateSuccessor[s]
	return ok
}

// IsWorking reports whether agents may be dispatched in s.
func IsWorking(s domain.ProjectStatus) bool {
	switch s {
	case domain.ProjectPlanning, domain.ProjectResearching, domain.ProjectDesigning,
		domain.ProjectBuilding, domain.ProjectReview:
		return true
	}
	return false
}

// IsTerminal reports whether no further work happens in s.
func IsTerminal(s domain.ProjectStatus) bool {
	switch s {
	case domain.ProjectDeployed, domain.ProjectFailed, domain.ProjectCancelled, domain.ProjectArchived:
		return true
	}
	return false
}

// GateEvent returns the await event that enters gate.
func GateEvent(gate domain.ProjectStatus) (Event, bool) {
	for ev, target := range awaitTarget {
		if target == gate {
			return ev, true
		}
	}
	return "", false
}

// Next computes the target state without mutating anything.
func Next(from domain.ProjectStatus, ev Event) (domain.ProjectStatus, bool) {
	if target, ok := beginTarget[ev]; ok {
		return target, IsWorking(from)
	}
	if target, ok := awaitTarget[ev]; ok {
		if ev == AwaitConfirm && from == domain.ProjectIntake {
			return target, true
		}
		return target, IsWorking(from)
	}
	switch ev {
	case Submit:
		return domain.ProjectPlanning, from == domain.ProjectIntake
	case RequestConfirm:
		return domain.ProjectAwaitingConfirm, from == domain.ProjectIntake
	case BeginQA:
		return domain.ProjectQA, from == domain.ProjectBuilding
	case QAPassed:
		return domain.ProjectReview, from == domain.ProjectQA
	case QAFailed:
		return domain.ProjectBuilding, from == domain.ProjectQA
	case Approve:
		target, ok := gateSuccessor[from]
		return target, ok
	case Reject:
		if from == domain.ProjectAwaitingConfirm {
			return domain.ProjectIntake, true
		}
		return domain.ProjectBuilding, IsGate(from)
	case Expire:
		return domain.ProjectPaused, IsGate(from)
	case BeginDeploy:
		return domain.ProjectDeploying, from == domain.ProjectApproved
	case DeployDone:
		return domain.ProjectDeployed, from == domain.ProjectDeploying
	case Fail:
		return domain.ProjectFailed, !IsTerminal(from)
	case Cancel:
		return domain.ProjectCancelled, !IsTerminal(from)
	case Pause:
		return domain.ProjectPaused, !IsTerminal(from) && from != domain.ProjectPaused
	case Archive:
		return domain.ProjectArchived, from != domain.ProjectArchived
	}
	return "", false
}

// Transition applies ev to p. On an illegal edge p is returned unchanged
// together with a *TransitionError.
func Transition(p domain.Project, ev Event) (domain.Project, error) {
	if ev == Resume {
		if p.Status != domain.ProjectPaused || p.PausedFrom == "" {
			return p, &TransitionError{From: p.Status, Event: ev}
		}
		next := p
		next.Status = p.PausedFrom
		next.PausedFrom = ""
		return next, nil
	}
	target, ok := Next(p.Status, ev)
	if !ok {
		return p, &TransitionError{From: p.Status, Event: ev}
	}
	next := p
	switch ev {
	case Pause, Expire:
		next.PausedFrom = p.Status
	default:
		if p.Status == domain.ProjectPaused {
			next.PausedFrom = ""
		}
	}
	next.Status = target
	return next, nil
}
