package executor

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/layerbridge"
)

// plan is a validated definition with its inputs and conditions compiled.
type plan struct {
	def        *layerbridge.WorkflowDefinition
	index      map[string]int
	inputs     []mapValue
	conditions []*Condition
	dependents map[string][]string
}

// Validate checks a definition without running it.
func Validate(def *layerbridge.WorkflowDefinition) error {
	_, err := compile(def)
	return err
}

func invalid(format string, args ...interface{}) error {
	return layerbridge.NewValidationError("validation", fmt.Sprintf(format, args...), nil)
}

func compile(def *layerbridge.WorkflowDefinition) (*plan, error) {
	if def == nil {
		return nil, invalid("workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, invalid("workflow %q has no steps", def.ID)
	}
	if def.Timeout < 0 {
		return nil, invalid("workflow timeout must not be negative")
	}
	if def.MaxConcurrency < 0 {
		return nil, invalid("max_concurrency must not be negative")
	}

	p := &plan{
		def:        def,
		index:      make(map[string]int, len(def.Steps)),
		inputs:     make([]mapValue, len(def.Steps)),
		conditions: make([]*Condition, len(def.Steps)),
		dependents: def.Dependents(),
	}
	for i, s := range def.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return nil, invalid("step %d has an empty id", i)
		}
		if _, dup := p.index[s.ID]; dup {
			return nil, invalid("duplicate step id %q", s.ID)
		}
		p.index[s.ID] = i
	}

	for i, s := range def.Steps {
		if !s.Action.Valid() {
			return nil, invalid("step %q: unknown action %q", s.ID, s.Action)
		}
		if s.Layer != "" && !s.Layer.Valid() {
			return nil, invalid("step %q: unknown layer %q", s.ID, s.Layer)
		}
		if s.Timeout < 0 {
			return nil, invalid("step %q: timeout must not be negative", s.ID)
		}
		deps := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, invalid("step %q depends on itself", s.ID)
			}
			if _, ok := p.index[dep]; !ok {
				return nil, invalid("step %q depends on unknown step %q", s.ID, dep)
			}
			deps[dep] = true
		}

		in := make(mapValue, len(s.Input))
		for k, v := range s.Input {
			in[k] = compileValue(v)
		}
		for _, ref := range in.refs() {
			if ref.StepID == "" {
				return nil, invalid("step %q: input reference without a step id", s.ID)
			}
			if !deps[ref.StepID] {
				return nil, invalid("step %q references %s which is not in depends_on", s.ID, ref)
			}
		}
		p.inputs[i] = in

		if strings.TrimSpace(s.Condition) != "" {
			cond, err := CompileCondition(s.Condition)
			if err != nil {
				return nil, layerbridge.NewValidationError("validation",
					fmt.Sprintf("step %q: invalid condition %q", s.ID, s.Condition), err)
			}
			for _, v := range cond.Vars() {
				if !deps[v] {
					return nil, invalid("step %q: condition reads %q which is not in depends_on", s.ID, v)
				}
			}
			p.conditions[i] = cond
		}
	}

	if cycle := findCycle(def); cycle != nil {
		return nil, invalid("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return p, nil
}

// findCycle returns the first cycle found, closed on its starting step.
func findCycle(def *layerbridge.WorkflowDefinition) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	deps := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		deps[s.ID] = s.DependsOn
	}
	state := make(map[string]int, len(def.Steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, s := range def.Steps {
		if state[s.ID] == unvisited {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
