// Package definition models declarative process definitions: parsing,
// validation, versioning, and the published-definition registry that
// triggers and sub-processes resolve against.
package definition

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from Go duration strings
// ("30s", "2h") in YAML and JSON; bare numbers are taken as seconds.
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) set(raw interface{}) error {
	switch t := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %v", t, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(t) * time.Second)
	case int64:
		*d = Duration(time.Duration(t) * time.Second)
	case float64:
		*d = Duration(time.Duration(t * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Status is the lifecycle state of a definition. Draft definitions are
// mutable; published ones are immutable and addressable by {name, version}.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// TriggerKind identifies how an execution gets created.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
)

// StepType is the closed set of step variants. Extending it is a deliberate
// engine change, not a user extension point.
type StepType string

const (
	StepAgentTask     StepType = "agent_task"
	StepHumanApproval StepType = "human_approval"
	StepGateway       StepType = "gateway"
	StepTimer         StepType = "timer"
	StepNotification  StepType = "notification"
	StepSubProcess    StepType = "sub_process"
)

// BackoffType defines retry backoff strategies.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// TimeoutAction resolves an expired approval deadline.
type TimeoutAction string

const (
	TimeoutSkip    TimeoutAction = "skip"
	TimeoutApprove TimeoutAction = "approve"
	TimeoutReject  TimeoutAction = "reject"
)

// Definition is a complete declarative process.
type Definition struct {
	Name        string    `yaml:"name" json:"name"`
	Version     string    `yaml:"version" json:"version"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Status      Status    `yaml:"status,omitempty" json:"status"`
	Triggers    []Trigger `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Steps       []Step    `yaml:"steps" json:"steps"`
	Outputs     []Output  `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Config      *Config   `yaml:"config,omitempty" json:"config,omitempty"`
}

// Trigger declares one way an execution of this definition starts.
type Trigger struct {
	Kind     TriggerKind            `yaml:"kind" json:"kind"`
	ID       string                 `yaml:"id" json:"id"`
	Cron     string                 `yaml:"cron,omitempty" json:"cron,omitempty"`
	Timezone string                 `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Input    map[string]interface{} `yaml:"input,omitempty" json:"input,omitempty"`
}

// Retry defines per-step retry behavior.
type Retry struct {
	MaxAttempts  int         `yaml:"max_attempts" json:"max_attempts"`
	Backoff      BackoffType `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	InitialDelay Duration    `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
}

// GatewayCondition is one ordered routing entry of a gateway step.
type GatewayCondition struct {
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
	Next       string `yaml:"next" json:"next"`
	Default    bool   `yaml:"default,omitempty" json:"default,omitempty"`
}

// ProcessRef names a sub-process target. An empty version resolves to the
// latest published version at launch time.
type ProcessRef struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

// Step is the tagged step variant: Type selects which of the per-type
// fields apply. Kept flat with omitempty tags so YAML stays readable.
type Step struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name,omitempty" json:"name,omitempty"`
	Type      StepType `yaml:"type" json:"type"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition string   `yaml:"condition,omitempty" json:"condition,omitempty"`
	Retry     *Retry   `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// agent_task
	Agent        string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	Message      string   `yaml:"message,omitempty" json:"message,omitempty"`
	Model        string   `yaml:"model,omitempty" json:"model,omitempty"`
	AllowedTools []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	Roles        []string `yaml:"roles,omitempty" json:"roles,omitempty"`

	// human_approval
	Title         string        `yaml:"title,omitempty" json:"title,omitempty"`
	Description   string        `yaml:"description,omitempty" json:"description,omitempty"`
	TimeoutAction TimeoutAction `yaml:"timeout_action,omitempty" json:"timeout_action,omitempty"`
	Approvers     []string      `yaml:"approvers,omitempty" json:"approvers,omitempty"`

	// gateway
	Conditions []GatewayCondition `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// timer
	Duration Duration `yaml:"duration,omitempty" json:"duration,omitempty"`

	// notification
	Channels   []string `yaml:"channels,omitempty" json:"channels,omitempty"`
	Recipients []string `yaml:"recipients,omitempty" json:"recipients,omitempty"`

	// sub_process
	Process      *ProcessRef       `yaml:"process,omitempty" json:"process,omitempty"`
	InputMapping map[string]string `yaml:"input_mapping,omitempty" json:"input_mapping,omitempty"`
}

// Output declares one named result captured when an execution terminates.
type Output struct {
	Name   string `yaml:"name" json:"name"`
	Source string `yaml:"source" json:"source"`
}

// Config carries optional per-definition governance settings.
type Config struct {
	MaxCost            float64 `yaml:"max_cost,omitempty" json:"max_cost,omitempty"`
	DataClassification string  `yaml:"data_classification,omitempty" json:"data_classification,omitempty"`
	MaxConcurrent      int     `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (d *Definition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// GatewayTargets returns the set of next ids a gateway step can route to.
func (s *Step) GatewayTargets() []string {
	targets := make([]string, 0, len(s.Conditions))
	for _, c := range s.Conditions {
		targets = append(targets, c.Next)
	}
	return targets
}
