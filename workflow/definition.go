package workflow

import (
	"fmt"
	"os"
	"strings"

	"github.com/leadpulse/toolhub/types"
	"gopkg.in/yaml.v3"
)

// Execution modes. Parallel is accepted and recorded, but steps still run
// in plan order; parallel workflows are expressed as top-level steps with
// empty dependency lists, relying on the caller's workflow shape rather
// than engine-level scheduling.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Retry backoff strategies for step-level policies. The workflow-level
// policy is always fixed backoff.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
)

// Fallback strategies.
const (
	FallbackSkip = "skip"
)

// Definition is a named, versioned DAG of tool invocations. It is
// immutable once registered; registering the same name again overwrites
// it (last-write-wins).
type Definition struct {
	Name    string     `yaml:"name" json:"name"`
	Version string     `yaml:"version" json:"version"`
	Steps   []Step     `yaml:"steps" json:"steps"`
	Config  ExecConfig `yaml:"config" json:"config"`
}

// Step is one tool invocation inside a workflow.
type Step struct {
	ID       string `yaml:"id" json:"id"`
	ToolName string `yaml:"tool_name" json:"tool_name"`

	// InputMapping maps destination field -> source path expression
	// evaluated against {input, results}.
	InputMapping map[string]string `yaml:"input_mapping" json:"input_mapping"`

	Dependencies []string `yaml:"dependencies" json:"dependencies"`
	Optional     bool     `yaml:"optional" json:"optional"`

	// Retry overrides the workflow-level retry policy for this step.
	Retry *StepRetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Fallback substitutes a result or skips the step when all retries
	// are exhausted.
	Fallback *Fallback `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// ExecConfig is the workflow-level execution config.
type ExecConfig struct {
	ExecutionMode string      `yaml:"execution_mode" json:"execution_mode"`
	TimeoutMs     int         `yaml:"timeout_ms" json:"timeout_ms"`
	RetryPolicy   RetryPolicy `yaml:"retry_policy" json:"retry_policy"`
}

// RetryPolicy is the workflow-level policy: fixed backoff between up to
// MaxRetries additional attempts.
type RetryPolicy struct {
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	BackoffMs  int `yaml:"backoff_ms" json:"backoff_ms"`
}

// StepRetryPolicy is the richer per-step policy used by fallback-oriented
// workflows; it supports exponential and linear backoff.
type StepRetryPolicy struct {
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
	BackoffMs  int    `yaml:"backoff_ms" json:"backoff_ms"`
	Strategy   string `yaml:"strategy" json:"strategy"`
}

// Fallback configures what happens when a step exhausts its retries.
type Fallback struct {
	// DefaultResult, when set, is substituted for the step's output.
	DefaultResult map[string]any `yaml:"default_result,omitempty" json:"default_result,omitempty"`

	// Strategy "skip" with OnFailure "continue" silently omits the
	// step's contribution.
	Strategy  string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	OnFailure string `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// Validate checks the definition's structure, collecting every violation.
// Dependency cycles and unknown dependency ids are detected later, at
// execution-plan-build time.
func (d *Definition) Validate() error {
	var violations []string

	if d.Name == "" {
		violations = append(violations, "workflow name is required")
	}
	if d.Version == "" {
		violations = append(violations, "workflow version is required")
	}
	if len(d.Steps) == 0 {
		violations = append(violations, "workflow must have at least one step")
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			violations = append(violations, fmt.Sprintf("steps[%d]: id is required", i))
		} else if seen[step.ID] {
			violations = append(violations, fmt.Sprintf("steps[%d]: duplicate step id %q", i, step.ID))
		}
		seen[step.ID] = true

		if step.ToolName == "" {
			violations = append(violations, fmt.Sprintf("steps[%d]: tool_name is required", i))
		}
		if step.InputMapping == nil {
			violations = append(violations, fmt.Sprintf("steps[%d]: input_mapping is required", i))
		}
	}

	switch d.Config.ExecutionMode {
	case ModeSequential, ModeParallel:
	case "":
		violations = append(violations, "config.execution_mode is required")
	default:
		violations = append(violations, fmt.Sprintf("config.execution_mode %q must be %q or %q",
			d.Config.ExecutionMode, ModeSequential, ModeParallel))
	}
	if d.Config.RetryPolicy.MaxRetries < 0 {
		violations = append(violations, "config.retry_policy.max_retries must not be negative")
	}

	if len(violations) > 0 {
		return types.NewError(types.ErrInvalidWorkflow,
			fmt.Sprintf("invalid workflow definition: %s", strings.Join(violations, "; "))).
			WithViolations(violations)
	}
	return nil
}

// LoadDefinitions reads workflow definitions from a YAML file containing
// a `workflows` list, the same contract as the registration API.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var file struct {
		Workflows []Definition `yaml:"workflows"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}

	for i := range file.Workflows {
		if err := file.Workflows[i].Validate(); err != nil {
			return nil, fmt.Errorf("workflow %d (%s): %w", i, file.Workflows[i].Name, err)
		}
	}

	return file.Workflows, nil
}
