package domain

import "time"

// ProjectStatus is the lifecycle state of a project. The legal edges between
// states live in internal/engine/lifecycle.
type ProjectStatus string

const (
	ProjectIntake      ProjectStatus = "intake"
	ProjectPlanning    ProjectStatus = "planning"
	ProjectResearching ProjectStatus = "researching"
	ProjectDesigning   ProjectStatus = "designing"
	ProjectBuilding    ProjectStatus = "building"
	ProjectQA          ProjectStatus = "qa"
	ProjectReview      ProjectStatus = "review"
	ProjectApproved    ProjectStatus = "approved"
	ProjectDeploying   ProjectStatus = "deploying"
	ProjectDeployed    ProjectStatus = "deployed"
	ProjectFailed      ProjectStatus = "failed"
	ProjectPaused      ProjectStatus = "paused"
	ProjectArchived    ProjectStatus = "archived"
	ProjectCancelled   ProjectStatus = "cancelled"

	ProjectAwaitingConfirm        ProjectStatus = "awaiting_confirm"
	ProjectAwaitingResearchReview ProjectStatus = "awaiting_research_review"
	ProjectAwaitingPlanApproval   ProjectStatus = "awaiting_plan_approval"
	ProjectAwaitingDesignApproval ProjectStatus = "awaiting_design_approval"
	ProjectAwaitingQAApproval     ProjectStatus = "awaiting_qa_approval"
	ProjectAwaitingUserTesting    ProjectStatus = "awaiting_user_testing"
	ProjectAwaitingFinalApproval  ProjectStatus = "awaiting_final_approval"
)

type ProjectSettings struct {
	BudgetLimitUSD  float64  `json:"budget_limit_usd,omitempty"`
	DeployedTargets []string `json:"deployed_targets,omitempty"`
}

type Project struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Prompt             string          `json:"prompt,omitempty"`
	Status             ProjectStatus   `json:"status"`
	PausedFrom         ProjectStatus   `json:"paused_from,omitempty"`
	CurrentPhaseNumber int             `json:"current_phase_number"`
	Settings           ProjectSettings `json:"settings"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type PlanStatus string

const (
	PlanDraft            PlanStatus = "draft"
	PlanAwaitingApproval PlanStatus = "awaiting_approval"
	PlanApproved         PlanStatus = "approved"
	PlanInProgress       PlanStatus = "in_progress"
	PlanCompleted        PlanStatus = "completed"
	PlanAbandoned        PlanStatus = "abandoned"
)

type PhaseKind string

const (
	PhaseResearch PhaseKind = "research"
	PhaseDesign   PhaseKind = "design"
	PhaseBuild    PhaseKind = "build"
)

type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseSkipped    PhaseStatus = "skipped"
	PhaseFailed     PhaseStatus = "failed"
)

type QADepth string

const (
	QAQuick    QADepth = "quick"
	QAStandard QADepth = "standard"
	QADeep     QADepth = "deep"
)

type PhaseApprovalStatus string

const (
	PhaseApprovalNone     PhaseApprovalStatus = "none"
	PhaseApprovalPending  PhaseApprovalStatus = "pending"
	PhaseApprovalApproved PhaseApprovalStatus = "approved"
	PhaseApprovalRejected PhaseApprovalStatus = "rejected"
)

type Plan struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Version   int         `json:"version"`
	Status    PlanStatus  `json:"status"`
	Summary   string      `json:"summary,omitempty"`
	Phases    []PlanPhase `json:"phases"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Phase returns the phase with the given number.
func (p Plan) Phase(number int) (PlanPhase, bool) {
	for _, ph := range p.Phases {
		if ph.Number == number {
			return ph, true
		}
	}
	return PlanPhase{}, false
}

type PlanPhase struct {
	PlanID           string              `json:"plan_id"`
	Number           int                 `json:"phase_number"`
	Name             string              `json:"name"`
	Kind             PhaseKind           `json:"kind"`
	Workflow         string              `json:"workflow"`
	Status           PhaseStatus         `json:"status"`
	RequiredAgents   []AgentType         `json:"required_agents,omitempty"`
	QADepth          QADepth             `json:"qa_depth"`
	RequiresApproval bool                `json:"requires_approval"`
	ApprovalStatus   PhaseApprovalStatus `json:"approval_status"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions may happen.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

type WorkflowRun struct {
	ID             int64          `json:"-"`
	RunID          string         `json:"run_id"`
	ProjectID      string         `json:"project_id"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	WorkflowName   string         `json:"workflow_name"`
	PhaseNumber    int            `json:"phase_number,omitempty"`
	IterationID    string         `json:"iteration_id,omitempty"`
	Status         RunStatus      `json:"status"`
	InputData      map[string]any `json:"input_data,omitempty"`
	OutputData     map[string]any `json:"output_data,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	StepsCompleted int            `json:"steps_completed"`
	StepsTotal     int            `json:"steps_total"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMS     *int64         `json:"duration_ms,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Steps          []WorkflowStep `json:"steps,omitempty"`
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type WorkflowStep struct {
	ID            int64          `json:"id"`
	WorkflowRunID int64          `json:"-"`
	StepNumber    int            `json:"step_number"`
	StepName      string         `json:"step_name"`
	ToolName      string         `json:"tool_name"`
	ToolArgs      map[string]any `json:"tool_args,omitempty"`
	Optional      bool           `json:"optional,omitempty"`
	Result        string         `json:"result,omitempty"`
	Status        StepStatus     `json:"status"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	RetryCount    int            `json:"retry_count"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMS    *int64         `json:"duration_ms,omitempty"`
}

type AgentType string

const (
	AgentNicole   AgentType = "nicole"
	AgentQA       AgentType = "qa"
	AgentEngineer AgentType = "engineer"
	AgentSrQA     AgentType = "sr_qa"
)

// AgentTypes is the closed set of agents the dispatcher accepts.
var AgentTypes = []AgentType{AgentNicole, AgentQA, AgentEngineer, AgentSrQA}

func (a AgentType) Valid() bool {
	for _, t := range AgentTypes {
		if a == t {
			return true
		}
	}
	return false
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

type AgentExecution struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	RunID        string          `json:"run_id,omitempty"`
	StepID       int64           `json:"step_id,omitempty"`
	AgentType    AgentType       `json:"agent_type"`
	Instruction  string          `json:"instruction"`
	Context      map[string]any  `json:"context,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Result       string          `json:"result,omitempty"`
	Files        []string        `json:"files,omitempty"`
	TokensIn     int64           `json:"tokens_in"`
	TokensOut    int64           `json:"tokens_out"`
	CostUSD      float64         `json:"cost_usd"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type ApprovalType string

const (
	ApprovalPlan        ApprovalType = "plan"
	ApprovalPhase       ApprovalType = "phase"
	ApprovalAgent       ApprovalType = "agent"
	ApprovalDeploy      ApprovalType = "deploy"
	ApprovalDestructive ApprovalType = "destructive"
	ApprovalQAOverride  ApprovalType = "qa_override"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Reference points at the object an approval gates.
type Reference struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type Approval struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	Type         ApprovalType   `json:"approval_type"`
	Reference    Reference      `json:"reference"`
	Status       ApprovalStatus `json:"status"`
	RequestedAt  time.Time      `json:"requested_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
	ResponseNote string         `json:"response_note,omitempty"`
}

type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
	CheckWarn CheckStatus = "warn"
	CheckSkip CheckStatus = "skip"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type QACheck struct {
	Category   string      `json:"category"`
	Name       string      `json:"name"`
	Status     CheckStatus `json:"status"`
	Severity   Severity    `json:"severity"`
	Location   string      `json:"location,omitempty"`
	Message    string      `json:"message,omitempty"`
	Suggestion string      `json:"suggestion,omitempty"`
}

type QAStatus string

const (
	QAPass    QAStatus = "pass"
	QAPartial QAStatus = "partial"
	QAFail    QAStatus = "fail"
)

type QAReport struct {
	ID                  string    `json:"id"`
	ProjectID           string    `json:"project_id"`
	ExecutionID         string    `json:"execution_id"`
	PhaseNumber         int       `json:"phase_number,omitempty"`
	Depth               QADepth   `json:"depth"`
	FocusAreas          []string  `json:"focus_areas,omitempty"`
	OverallStatus       QAStatus  `json:"overall_status"`
	BlockingIssuesCount int       `json:"blocking_issues_count"`
	Checks              []QACheck `json:"checks"`
	CreatedAt           time.Time `json:"created_at"`
}

type IterationType string

const (
	IterationBugFix   IterationType = "bug_fix"
	IterationRevision IterationType = "revision"
	IterationQAFix    IterationType = "qa_fix"
)

type IterationTrigger string

const (
	TriggerQAFailure        IterationTrigger = "qa_failure"
	TriggerApprovalRejected IterationTrigger = "approval_rejected"
	TriggerUserRequest      IterationTrigger = "user_request"
)

type IterationStatus string

const (
	IterationPending    IterationStatus = "pending"
	IterationInProgress IterationStatus = "in_progress"
	IterationResolved   IterationStatus = "resolved"
)

type Iteration struct {
	ID           string           `json:"id"`
	ProjectID    string           `json:"project_id"`
	Number       int              `json:"iteration_number"`
	Type         IterationType    `json:"type"`
	Trigger      IterationTrigger `json:"trigger"`
	Feedback     string           `json:"feedback"`
	FeedbackHash string           `json:"-"`
	ScopePhases  []int            `json:"scope_phases"`
	ApprovalType ApprovalType     `json:"approval_type,omitempty"`
	ApprovalRef  *Reference       `json:"approval_reference,omitempty"`
	RunID        string           `json:"run_id,omitempty"`
	Status       IterationStatus  `json:"status"`
	Resolution   string           `json:"resolution,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
