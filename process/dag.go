package process

import (
	"github.com/trinity-platform/trinity/definition"
)

// dag is the runtime view of a definition's dependency graph. Gateway next
// targets get an implicit dependency edge on their gateway so routing
// decisions gate their dispatch.
type dag struct {
	def   *definition.Definition
	order []string            // step ids in source order
	deps  map[string][]string // step id → dependency step ids
}

func buildDAG(def *definition.Definition) *dag {
	d := &dag{
		def:  def,
		deps: make(map[string][]string, len(def.Steps)),
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		d.order = append(d.order, step.ID)
		d.deps[step.ID] = append([]string(nil), step.DependsOn...)
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Type != definition.StepGateway {
			continue
		}
		for _, target := range step.GatewayTargets() {
			if !contains(d.deps[target], step.ID) {
				d.deps[target] = append(d.deps[target], step.ID)
			}
		}
	}
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// readiness classifies a pending step against the current step records.
type readiness int

const (
	notReady readiness = iota
	ready
	depFailed       // a dependency failed or was cancelled
	skipUnreachable // every viable path to this step was routed away
)

// gatewayChose reports whether a succeeded gateway's recorded output routes
// to target.
func gatewayChose(rec *StepExecution, target string) bool {
	out, ok := rec.Output.(map[string]interface{})
	if !ok {
		return false
	}
	chosen, _ := out["chosen_next"].(string)
	return chosen == target
}

// assess decides what happens to a pending step. A dependency is viable when
// it succeeded (and, if it is a gateway listing this step as a target, chose
// it) or was skipped for a reason other than unreachability. A step becomes
// ready when all dependencies are terminal and at least one is viable; it is
// unreachable-skipped when all are non-viable.
func (d *dag) assess(stepID string, steps map[string]*StepExecution) readiness {
	deps := d.deps[stepID]
	if len(deps) == 0 {
		return ready
	}

	viable := false
	for _, depID := range deps {
		rec, ok := steps[depID]
		if !ok || !rec.Status.IsTerminal() {
			return notReady
		}
		switch rec.Status {
		case StepFailed, StepCancelled:
			return depFailed
		case StepSucceeded:
			depStep := d.def.StepByID(depID)
			if depStep != nil && depStep.Type == definition.StepGateway && contains(depStep.GatewayTargets(), stepID) {
				if gatewayChose(rec, stepID) {
					viable = true
				}
				// Not chosen: this edge is dead, but another dependency
				// may still make the step viable.
			} else {
				viable = true
			}
		case StepSkipped:
			if rec.SkipReason != SkipUnreachable {
				viable = true
			}
		}
	}
	if !viable {
		return skipUnreachable
	}
	return ready
}
