package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config models shipline.yml, the per-project pipeline configuration.
type Config struct {
	Pipeline  Pipeline            `yaml:"pipeline"`
	Workflows map[string]Workflow `yaml:"workflows" validate:"required,min=1,dive"`
	Phases    []PhaseTemplate     `yaml:"phases" validate:"required,min=1,dive"`
	QA        QA                  `yaml:"qa"`
}

type Pipeline struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1,max=10"`
	Backoff        Backoff       `yaml:"backoff"`
	AgentTimeout   time.Duration `yaml:"agent_timeout" validate:"gt=0"`
	ApprovalTTL    time.Duration `yaml:"approval_ttl" validate:"gt=0"`
	MaxIterations  int           `yaml:"max_iterations" validate:"min=1"`
	BudgetLimitUSD float64       `yaml:"budget_limit_usd,omitempty" validate:"gte=0"`
	DeployTarget   string        `yaml:"deploy_target,omitempty"`
}

type Backoff struct {
	Initial    time.Duration `yaml:"initial" validate:"gte=0"`
	Max        time.Duration `yaml:"max" validate:"gte=0"`
	Multiplier float64       `yaml:"multiplier" validate:"gte=1"`
}

type Workflow struct {
	Steps []Step `yaml:"steps" validate:"required,min=1,dive"`
}

// Step names either an agent or a tool, never both.
type Step struct {
	Name        string         `yaml:"name" validate:"required"`
	Agent       string         `yaml:"agent,omitempty" validate:"omitempty,oneof=nicole qa engineer sr_qa"`
	Tool        string         `yaml:"tool,omitempty"`
	Instruction string         `yaml:"instruction,omitempty"`
	Args        map[string]any `yaml:"args,omitempty"`
	Optional    bool           `yaml:"optional,omitempty"`
}

// ToolName is the capability recorded on the workflow step row.
func (s Step) ToolName() string {
	if s.Agent != "" {
		return "agent:" + s.Agent
	}
	return s.Tool
}

type PhaseTemplate struct {
	Name             string   `yaml:"name" validate:"required"`
	Kind             string   `yaml:"kind" validate:"oneof=research design build"`
	Workflow         string   `yaml:"workflow" validate:"required"`
	QADepth          string   `yaml:"qa_depth,omitempty" validate:"omitempty,oneof=quick standard deep"`
	RequiresApproval bool     `yaml:"requires_approval"`
	Agents           []string `yaml:"agents,omitempty" validate:"dive,oneof=nicole qa engineer sr_qa"`
}

type QA struct {
	Checks             []string `yaml:"checks,omitempty"`
	PlaceholderMarkers []string `yaml:"placeholder_markers,omitempty"`
}

// Well-known workflow names the pipeline driver starts on its own.
const (
	WorkflowPlan   = "plan"
	WorkflowDeploy = "deploy"
)

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, wf := range c.Workflows {
		for i, st := range wf.Steps {
			if (st.Agent == "") == (st.Tool == "") {
				return fmt.Errorf("workflow %s step %d (%s) must set exactly one of agent or tool", name, i+1, st.Name)
			}
		}
	}
	for _, ph := range c.Phases {
		if _, ok := c.Workflows[ph.Workflow]; !ok {
			return fmt.Errorf("phase %s references unknown workflow %s", ph.Name, ph.Workflow)
		}
	}
	if _, ok := c.Workflows[WorkflowPlan]; !ok {
		return fmt.Errorf("workflow %s is required", WorkflowPlan)
	}
	if c.Pipeline.Backoff.Max > 0 && c.Pipeline.Backoff.Max < c.Pipeline.Backoff.Initial {
		return fmt.Errorf("pipeline.backoff.max must be >= pipeline.backoff.initial")
	}
	return nil
}

// Workflow returns the named workflow.
func (c *Config) Workflow(name string) (Workflow, bool) {
	wf, ok := c.Workflows[name]
	return wf, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shipline.yml")
}

// Load reads and validates config from the workspace on fs.
func Load(fs afero.Fs, workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config %s not found; generate one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(fs afero.Fs, workspace string) (*Config, error) {
	data, err := afero.ReadFile(fs, Path(workspace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// WriteDefault writes the default template to the workspace unless a file exists.
func WriteDefault(fs afero.Fs, workspace string) (string, error) {
	path := Path(workspace)
	if ok, err := afero.Exists(fs, path); err != nil {
		return "", err
	} else if ok {
		return "", fmt.Errorf("config %s already exists", path)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, afero.WriteFile(fs, path, []byte(defaultTemplate), 0o644)
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// YAML renders the config back to YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// DefaultTemplate returns the default config YAML.
func DefaultTemplate() string {
	return defaultTemplate
}

const defaultTemplate = `pipeline:
  max_attempts: 3
  backoff:
    initial: 500ms
    max: 10s
    multiplier: 2
  agent_timeout: 120s
  approval_ttl: 72h
  max_iterations: 3
  budget_limit_usd: 0
  deploy_target: preview

workflows:
  plan:
    steps:
      - name: draft_plan
        agent: nicole
        instruction: "Turn the project brief into a phased build plan."
  research:
    steps:
      - name: gather_requirements
        agent: nicole
        instruction: "Research the domain and list functional requirements."
  design:
    steps:
      - name: design_system
        agent: nicole
        instruction: "Propose layout, color scheme and component structure."
      - name: design_review
        agent: engineer
        instruction: "Check the design for buildability."
        optional: true
  build:
    steps:
      - name: scaffold
        agent: engineer
        instruction: "Scaffold the application."
      - name: implement
        agent: engineer
        instruction: "Implement the approved design."
      - name: smoke_test
        agent: qa
        instruction: "Smoke test the build output."
        optional: true
  deploy:
    steps:
      - name: publish
        tool: deploy
      - name: refresh_preview
        tool: preview_refresh

phases:
  - name: Research
    kind: research
    workflow: research
    qa_depth: quick
    requires_approval: false
    agents: [nicole]
  - name: Design
    kind: design
    workflow: design
    qa_depth: quick
    requires_approval: true
    agents: [nicole, engineer]
  - name: Build
    kind: build
    workflow: build
    qa_depth: standard
    requires_approval: true
    agents: [engineer, qa]

qa:
  checks: [outputs_present, step_failures, partial_executions, budget, placeholders, agent_review]
  placeholder_markers: ["TODO", "FIXME", "lorem ipsum"]
`
