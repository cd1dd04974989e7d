package process

import (
	"fmt"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/definition"
)

// Action is an authorization-checked engine operation.
type Action string

const (
	ActionView           Action = "view"
	ActionStartExecution Action = "start_execution"
	ActionCancel         Action = "cancel_execution"
	ActionDecideApproval Action = "decide_approval"
	ActionManageCircuits Action = "manage_circuits"
)

// rolePermissions is the role × action matrix. Admin is handled separately
// and allows everything.
var rolePermissions = map[Role]map[Action]bool{
	RoleViewer: {
		ActionView: true,
	},
	RoleOperator: {
		ActionView:           true,
		ActionStartExecution: true,
		ActionCancel:         true,
		ActionDecideApproval: true,
	},
	RoleDesigner: {
		ActionView:           true,
		ActionStartExecution: true,
		ActionCancel:         true,
	},
}

// Authorize checks whether the actor may perform the action.
func Authorize(actor Actor, action Action) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	if rolePermissions[actor.Role][action] {
		return nil
	}
	return fmt.Errorf("actor %s (role %s) may not %s: %w", actor.ID, actor.Role, action, core.ErrUnauthorized)
}

// authorizeStepRoles enforces per-step role restrictions: agent tasks may
// carry a roles list naming who is allowed to run processes containing them.
func authorizeStepRoles(actor Actor, def *definition.Definition) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Type != definition.StepAgentTask || len(step.Roles) == 0 {
			continue
		}
		allowed := false
		for _, r := range step.Roles {
			if Role(r) == actor.Role {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("step %s restricted to roles %v: %w", step.ID, step.Roles, core.ErrUnauthorized)
		}
	}
	return nil
}
