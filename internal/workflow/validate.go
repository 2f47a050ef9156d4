// Package workflow implements the DAG engine: definition validation,
// instance execution, pause/resume on external events, and compensation.
package workflow

import (
	"fmt"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/workflow/expr"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// ValidateDefinition checks a workflow definition: non-empty, unique step
// ids tree-wide, dependsOn targets that exist, no dependency cycles, per
// step-type config present, parseable expressions, and no two steps of a
// parallel block writing the same output variable.
func ValidateDefinition(def *v1.WorkflowDefinition) error {
	if def.ID == "" {
		return apperrors.InvalidArgument("workflow id is required")
	}
	if len(def.Steps) == 0 {
		return apperrors.InvalidArgument("workflow must have at least one step")
	}
	switch def.ErrorHandling {
	case "", v1.ErrorHandlingStopOnFirst, v1.ErrorHandlingContinue, v1.ErrorHandlingCompensate:
	default:
		return apperrors.InvalidArgumentf("unknown error handling mode %q", def.ErrorHandling)
	}

	seen := make(map[string]bool)
	if err := validateList(def.Steps, seen); err != nil {
		return err
	}
	return nil
}

// validateList validates one step list: the dependency graph is local to
// the list, step ids are unique across the whole tree.
func validateList(steps []v1.Step, seen map[string]bool) error {
	ids := make(map[string]bool, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return apperrors.InvalidArgument("step id is required")
		}
		if seen[s.ID] {
			return apperrors.InvalidArgumentf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		ids[s.ID] = true
	}

	for i := range steps {
		s := &steps[i]
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return apperrors.InvalidArgumentf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
		if err := validateStep(s, seen); err != nil {
			return err
		}
	}

	if cycle := findCycle(steps); cycle != "" {
		return apperrors.InvalidArgumentf("dependency cycle through step %q", cycle)
	}
	return nil
}

func validateStep(s *v1.Step, seen map[string]bool) error {
	if s.Condition != "" {
		if _, err := expr.Parse(s.Condition); err != nil {
			return apperrors.InvalidArgumentf("step %q: bad condition: %v", s.ID, err)
		}
	}

	switch s.Type {
	case v1.StepTypeJob:
		if s.Job == nil || s.Job.Command == "" {
			return apperrors.InvalidArgumentf("step %q: job step requires a command", s.ID)
		}
	case v1.StepTypeDelay:
		if s.Delay <= 0 {
			return apperrors.InvalidArgumentf("step %q: delay step requires a positive duration", s.ID)
		}
	case v1.StepTypeParallel:
		if len(s.Branches) == 0 {
			return apperrors.InvalidArgumentf("step %q: parallel step requires branches", s.ID)
		}
		for bi, branch := range s.Branches {
			if err := validateList(branch, seen); err != nil {
				return fmt.Errorf("step %q branch %d: %w", s.ID, bi, err)
			}
		}
		for variable := range outputConflicts(s.Branches) {
			return apperrors.InvalidArgumentf("step %q: parallel branches both write variable %q", s.ID, variable)
		}
	case v1.StepTypeConditional:
		if s.Expression == "" {
			return apperrors.InvalidArgumentf("step %q: conditional step requires an expression", s.ID)
		}
		if _, err := expr.Parse(s.Expression); err != nil {
			return apperrors.InvalidArgumentf("step %q: bad expression: %v", s.ID, err)
		}
		if len(s.Then) == 0 && len(s.Else) == 0 {
			return apperrors.InvalidArgumentf("step %q: conditional step requires a then or else branch", s.ID)
		}
		if err := validateList(s.Then, seen); err != nil {
			return fmt.Errorf("step %q then: %w", s.ID, err)
		}
		if err := validateList(s.Else, seen); err != nil {
			return fmt.Errorf("step %q else: %w", s.ID, err)
		}
	case v1.StepTypeForEach:
		if s.ForEach == nil || s.ForEach.Items == "" || s.ForEach.ItemVariable == "" {
			return apperrors.InvalidArgumentf("step %q: foreach step requires items and item_variable", s.ID)
		}
		if _, err := expr.Parse(s.ForEach.Items); err != nil {
			return apperrors.InvalidArgumentf("step %q: bad items expression: %v", s.ID, err)
		}
		if len(s.Body) == 0 {
			return apperrors.InvalidArgumentf("step %q: foreach step requires a body", s.ID)
		}
		if err := validateList(s.Body, seen); err != nil {
			return fmt.Errorf("step %q body: %w", s.ID, err)
		}
	case v1.StepTypeWaitEvent, v1.StepTypeApproval:
		if s.WaitEvent == nil || s.WaitEvent.EventType == "" {
			return apperrors.InvalidArgumentf("step %q: wait step requires an event type", s.ID)
		}
	case v1.StepTypeSubWorkflow:
		if s.SubWorkflow == nil || s.SubWorkflow.WorkflowID == "" {
			return apperrors.InvalidArgumentf("step %q: sub_workflow step requires a workflow id", s.ID)
		}
	case v1.StepTypeNotify:
		if s.Notify == nil || s.Notify.URL == "" {
			return apperrors.InvalidArgumentf("step %q: notify step requires a url", s.ID)
		}
	default:
		return apperrors.InvalidArgumentf("step %q: unknown step type %q", s.ID, s.Type)
	}
	return nil
}

// outputConflicts returns variables written by more than one parallel
// branch; those branches run concurrently and last-writer-wins across them
// would be nondeterministic.
func outputConflicts(branches [][]v1.Step) map[string][]int {
	byVar := make(map[string]map[int]bool)
	for bi, branch := range branches {
		for i := range branch {
			walkSteps(&branch[i], func(s *v1.Step) {
				if s.OutputVariable == "" {
					return
				}
				if byVar[s.OutputVariable] == nil {
					byVar[s.OutputVariable] = make(map[int]bool)
				}
				byVar[s.OutputVariable][bi] = true
			})
		}
	}
	conflicts := make(map[string][]int)
	for variable, owners := range byVar {
		if len(owners) > 1 {
			for bi := range owners {
				conflicts[variable] = append(conflicts[variable], bi)
			}
		}
	}
	return conflicts
}

// walkSteps visits a step and every nested step.
func walkSteps(s *v1.Step, visit func(*v1.Step)) {
	visit(s)
	for _, branch := range s.Branches {
		for i := range branch {
			walkSteps(&branch[i], visit)
		}
	}
	for i := range s.Then {
		walkSteps(&s.Then[i], visit)
	}
	for i := range s.Else {
		walkSteps(&s.Else[i], visit)
	}
	for i := range s.Body {
		walkSteps(&s.Body[i], visit)
	}
}

// findCycle returns a step id on a dependency cycle, or "".
func findCycle(steps []v1.Step) string {
	deps := make(map[string][]string, len(steps))
	for i := range steps {
		deps[steps[i].ID] = steps[i].DependsOn
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range deps {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}
