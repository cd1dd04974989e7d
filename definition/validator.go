package definition

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/expr"
)

var (
	namePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)
	stepIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,63}$`)
)

const (
	maxRetryAttempts  = 10
	maxStepTimeout    = 24 * time.Hour
	maxTimerDuration  = 30 * 24 * time.Hour
	maxSubProcessHops = 5
)

// Issue is one structured validation finding.
type Issue struct {
	Step    string `json:"step,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	switch {
	case i.Step != "" && i.Field != "":
		return fmt.Sprintf("step %s: %s: %s", i.Step, i.Field, i.Message)
	case i.Step != "":
		return fmt.Sprintf("step %s: %s", i.Step, i.Message)
	case i.Field != "":
		return fmt.Sprintf("%s: %s", i.Field, i.Message)
	}
	return i.Message
}

// InvalidDefinitionError carries every violation found, not just the first.
type InvalidDefinitionError struct {
	Name   string
	Issues []Issue
}

func (e *InvalidDefinitionError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.String())
	}
	return fmt.Sprintf("definition %q invalid: %s", e.Name, strings.Join(parts, "; "))
}

// Unwrap lets callers match with errors.Is(err, core.ErrInvalidDefinition).
func (e *InvalidDefinitionError) Unwrap() error {
	return core.ErrInvalidDefinition
}

// Resolver looks up published definitions; the registry implements it.
// Validation of sub_process targets is skipped when nil (structural-only
// validation at parse time, full validation at publish time).
type Resolver interface {
	LookupPublished(name, version string) (*Definition, bool)
}

// Parse decodes a YAML document and runs structural validation.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidDefinition, err)
	}
	if def.Status == "" {
		def.Status = StatusDraft
	}
	if err := def.Validate(nil); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks every rule and collects all violations. resolver may be
// nil; sub_process target existence is then not checked.
func (d *Definition) Validate(resolver Resolver) error {
	var issues []Issue
	add := func(step, field, format string, args ...interface{}) {
		issues = append(issues, Issue{Step: step, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Rule 1: name and version.
	if !namePattern.MatchString(d.Name) {
		add("", "name", "must match [a-z0-9][a-z0-9-]{1,63}")
	}
	if d.Version == "" {
		add("", "version", "must be a non-empty string")
	}

	// Rule 2: triggers.
	triggerIDs := make(map[string]bool)
	for _, t := range d.Triggers {
		if t.ID == "" {
			add("", "triggers", "trigger id is required")
			continue
		}
		if triggerIDs[t.ID] {
			add("", "triggers", "duplicate trigger id %q", t.ID)
		}
		triggerIDs[t.ID] = true
		switch t.Kind {
		case TriggerManual, TriggerWebhook:
		case TriggerSchedule:
			if fields := strings.Fields(t.Cron); len(fields) != 5 {
				add("", "triggers", "trigger %q: cron expression must have 5 fields", t.ID)
			} else if _, err := cron.ParseStandard(t.Cron); err != nil {
				add("", "triggers", "trigger %q: invalid cron expression: %v", t.ID, err)
			}
			if t.Timezone == "" {
				add("", "triggers", "trigger %q: schedule requires an IANA timezone", t.ID)
			} else if _, err := time.LoadLocation(t.Timezone); err != nil {
				add("", "triggers", "trigger %q: unknown timezone %q", t.ID, t.Timezone)
			}
		default:
			add("", "triggers", "trigger %q: unknown kind %q", t.ID, t.Kind)
		}
	}

	// Rule 3: step ids.
	stepIDs := make(map[string]bool)
	if len(d.Steps) == 0 {
		add("", "steps", "definition must have at least one step")
	}
	for _, s := range d.Steps {
		if !stepIDPattern.MatchString(s.ID) {
			add(s.ID, "id", "must match [a-z][a-z0-9-]{0,63}")
			continue
		}
		if stepIDs[s.ID] {
			add(s.ID, "id", "duplicate step id")
		}
		stepIDs[s.ID] = true
	}

	// Rule 4: dependency references and acyclicity.
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !stepIDs[dep] {
				add(s.ID, "depends_on", "references unknown step %q", dep)
			}
		}
	}
	if cycle := d.findCycle(); cycle != "" {
		add("", "steps", "dependency graph contains a cycle through %q", cycle)
	}

	// Rule 5 and per-type required fields.
	for i := range d.Steps {
		issues = append(issues, d.validateStep(&d.Steps[i], stepIDs)...)
	}

	// Rule 6: expressions parse and reference known roots and steps.
	for i := range d.Steps {
		issues = append(issues, d.validateStepExpressions(&d.Steps[i], stepIDs)...)
	}
	for _, o := range d.Outputs {
		if o.Name == "" {
			add("", "outputs", "output name is required")
		}
		refs, err := expr.CheckTemplate(o.Source)
		if err != nil {
			add("", "outputs", "output %q: %v", o.Name, err)
			continue
		}
		for _, ref := range refs {
			if ref.Root == "steps" && !stepIDs[ref.StepID] {
				add("", "outputs", "output %q references unknown step %q", o.Name, ref.StepID)
			}
		}
	}

	// Rule 8: sub-process targets and recursion depth.
	if resolver != nil {
		issues = append(issues, d.validateSubProcesses(resolver)...)
	}

	if len(issues) > 0 {
		return &InvalidDefinitionError{Name: d.Name, Issues: issues}
	}
	return nil
}

func (d *Definition) validateStep(s *Step, stepIDs map[string]bool) []Issue {
	var issues []Issue
	add := func(field, format string, args ...interface{}) {
		issues = append(issues, Issue{Step: s.ID, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Rule 7: retry and timeout bounds apply to every type.
	if s.Retry != nil {
		if s.Retry.MaxAttempts < 1 || s.Retry.MaxAttempts > maxRetryAttempts {
			add("retry.max_attempts", "must be between 1 and %d", maxRetryAttempts)
		}
		switch s.Retry.Backoff {
		case "", BackoffFixed, BackoffExponential:
		default:
			add("retry.backoff", "must be fixed or exponential")
		}
		if s.Retry.InitialDelay < 0 {
			add("retry.initial_delay", "cannot be negative")
		}
	}
	if s.Timeout < 0 || s.Timeout.Std() > maxStepTimeout {
		add("timeout", "must be between 0 and 24h")
	}

	switch s.Type {
	case StepAgentTask:
		if s.Agent == "" {
			add("agent", "agent_task requires an agent")
		}
		if s.Message == "" {
			add("message", "agent_task requires a message")
		}
	case StepHumanApproval:
		if s.Title == "" {
			add("title", "human_approval requires a title")
		}
		if s.Description == "" {
			add("description", "human_approval requires a description")
		}
		switch s.TimeoutAction {
		case "", TimeoutSkip, TimeoutApprove, TimeoutReject:
		default:
			add("timeout_action", "must be skip, approve, or reject")
		}
	case StepGateway:
		if len(s.Conditions) == 0 {
			add("conditions", "gateway requires at least one condition")
		}
		defaults := 0
		for _, c := range s.Conditions {
			if c.Default {
				defaults++
				if c.Expression != "" {
					add("conditions", "default entry cannot carry an expression")
				}
			} else if c.Expression == "" {
				add("conditions", "non-default entry requires an expression")
			}
			if c.Next == "" {
				add("conditions", "entry requires a next step id")
			} else if !stepIDs[c.Next] {
				add("conditions", "next references unknown step %q", c.Next)
			}
		}
		if defaults > 1 {
			add("conditions", "at most one entry may be default")
		}
	case StepTimer:
		if s.Duration <= 0 {
			add("duration", "timer requires a positive duration")
		} else if s.Duration.Std() > maxTimerDuration {
			add("duration", "cannot exceed 30 days")
		}
	case StepNotification:
		if len(s.Channels) == 0 {
			add("channels", "notification requires at least one channel")
		}
		if s.Message == "" {
			add("message", "notification requires a message")
		}
		if len(s.Recipients) == 0 {
			add("recipients", "notification requires recipients")
		}
	case StepSubProcess:
		if s.Process == nil || s.Process.Name == "" {
			add("process", "sub_process requires a target process name")
		}
		if s.InputMapping == nil {
			add("input_mapping", "sub_process requires an input_mapping")
		}
	default:
		add("type", "unknown step type %q", s.Type)
	}
	return issues
}

// validateStepExpressions checks rule 6 for one step: templates parse and
// steps.<id> references point at declared ancestors (depends_on transitive
// closure including gateway routing edges).
func (d *Definition) validateStepExpressions(s *Step, stepIDs map[string]bool) []Issue {
	var issues []Issue
	ancestors := d.ancestorsOf(s.ID)
	checkRefs := func(field string, refs []expr.Ref, err error) {
		if err != nil {
			issues = append(issues, Issue{Step: s.ID, Field: field, Message: err.Error()})
			return
		}
		for _, ref := range refs {
			if ref.Root != "steps" {
				continue
			}
			if !stepIDs[ref.StepID] {
				issues = append(issues, Issue{Step: s.ID, Field: field,
					Message: fmt.Sprintf("references unknown step %q", ref.StepID)})
			} else if !ancestors[ref.StepID] {
				issues = append(issues, Issue{Step: s.ID, Field: field,
					Message: fmt.Sprintf("references step %q outside its dependency closure", ref.StepID)})
			}
		}
	}

	if s.Condition != "" {
		refs, err := expr.CheckCondition(s.Condition)
		checkRefs("condition", refs, err)
	}
	for _, field := range []struct{ name, value string }{
		{"message", s.Message},
		{"model", s.Model},
		{"title", s.Title},
		{"description", s.Description},
	} {
		if field.value == "" {
			continue
		}
		refs, err := expr.CheckTemplate(field.value)
		checkRefs(field.name, refs, err)
	}
	for _, c := range s.Conditions {
		if c.Expression == "" {
			continue
		}
		refs, err := expr.CheckCondition(c.Expression)
		checkRefs("conditions", refs, err)
	}
	for key, mapping := range s.InputMapping {
		refs, err := expr.CheckTemplate(mapping)
		checkRefs(fmt.Sprintf("input_mapping.%s", key), refs, err)
	}
	return issues
}

// ancestorsOf computes the transitive closure of steps reachable backwards
// from id over depends_on edges and gateway routing edges.
func (d *Definition) ancestorsOf(id string) map[string]bool {
	// parent edges: dep → step for depends_on, gateway → target for routing.
	parents := make(map[string][]string)
	for _, s := range d.Steps {
		parents[s.ID] = append(parents[s.ID], s.DependsOn...)
		if s.Type == StepGateway {
			for _, next := range s.GatewayTargets() {
				parents[next] = append(parents[next], s.ID)
			}
		}
	}
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(node string) {
		for _, p := range parents[node] {
			if !seen[p] {
				seen[p] = true
				walk(p)
			}
		}
	}
	walk(id)
	return seen
}

// findCycle detects a cycle over depends_on plus gateway routing edges and
// returns one step id on the cycle, or "".
func (d *Definition) findCycle() string {
	// successor edges
	next := make(map[string][]string)
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			next[dep] = append(next[dep], s.ID)
		}
		if s.Type == StepGateway {
			next[s.ID] = append(next[s.ID], s.GatewayTargets()...)
		}
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(string) string
	visit = func(node string) string {
		color[node] = gray
		for _, succ := range next[node] {
			switch color[succ] {
			case gray:
				return succ
			case white:
				if c := visit(succ); c != "" {
					return c
				}
			}
		}
		color[node] = black
		return ""
	}
	for _, s := range d.Steps {
		if color[s.ID] == white {
			if c := visit(s.ID); c != "" {
				return c
			}
		}
	}
	return ""
}

// validateSubProcesses checks rule 8: targets must be published and the
// sub-process chain must not nest beyond maxSubProcessHops.
func (d *Definition) validateSubProcesses(resolver Resolver) []Issue {
	var issues []Issue
	for _, s := range d.Steps {
		if s.Type != StepSubProcess || s.Process == nil || s.Process.Name == "" {
			continue
		}
		target, ok := resolver.LookupPublished(s.Process.Name, s.Process.Version)
		if !ok {
			issues = append(issues, Issue{Step: s.ID, Field: "process",
				Message: fmt.Sprintf("target %q is not a published definition", s.Process.Name)})
			continue
		}
		if depth := subProcessDepth(target, resolver, map[string]bool{d.Name: true}, 1); depth > maxSubProcessHops {
			issues = append(issues, Issue{Step: s.ID, Field: "process",
				Message: fmt.Sprintf("sub-process nesting exceeds depth %d", maxSubProcessHops)})
		}
	}
	return issues
}

func subProcessDepth(def *Definition, resolver Resolver, onPath map[string]bool, depth int) int {
	if depth > maxSubProcessHops || onPath[def.Name] {
		return maxSubProcessHops + 1
	}
	onPath[def.Name] = true
	defer delete(onPath, def.Name)
	deepest := depth
	for _, s := range def.Steps {
		if s.Type != StepSubProcess || s.Process == nil {
			continue
		}
		target, ok := resolver.LookupPublished(s.Process.Name, s.Process.Version)
		if !ok {
			continue
		}
		if d := subProcessDepth(target, resolver, onPath, depth+1); d > deepest {
			deepest = d
		}
	}
	return deepest
}
