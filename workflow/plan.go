package workflow

import (
	"fmt"

	"github.com/leadpulse/toolhub/types"
)

// buildPlan resolves step dependencies into a single linear execution
// order via depth-first topological sort: visiting a step first visits
// all of its dependencies. A linear order is sufficient because the
// engine executes one step at a time even when steps are logically
// independent.
//
// A step re-entered while still in progress signals a circular
// dependency naming the offending step; a dependency id matching no step
// signals an unknown dependency. Both are detected here, not at
// registration time.
func buildPlan(def *Definition) ([]*Step, error) {
	byID := make(map[string]*Step, len(def.Steps))
	for i := range def.Steps {
		byID[def.Steps[i].ID] = &def.Steps[i]
	}

	var (
		plan      []*Step
		permanent = make(map[string]bool, len(def.Steps))
		temporary = make(map[string]bool, len(def.Steps))
	)

	var visit func(step *Step) error
	visit = func(step *Step) error {
		if permanent[step.ID] {
			return nil
		}
		if temporary[step.ID] {
			return types.NewError(types.ErrCircularDependency,
				fmt.Sprintf("workflow %q has a circular dependency involving step %q", def.Name, step.ID))
		}

		temporary[step.ID] = true
		for _, depID := range step.Dependencies {
			dep, exists := byID[depID]
			if !exists {
				return types.NewError(types.ErrUnknownDependency,
					fmt.Sprintf("step %q depends on unknown step %q", step.ID, depID))
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(temporary, step.ID)

		permanent[step.ID] = true
		plan = append(plan, step)
		return nil
	}

	for i := range def.Steps {
		if err := visit(&def.Steps[i]); err != nil {
			return nil, err
		}
	}

	return plan, nil
}
