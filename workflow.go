package layerbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkflowStep is one node of a workflow graph.
type WorkflowStep struct {
	ID     string    `json:"id" yaml:"id"`
	Layer  LayerName `json:"layer,omitempty" yaml:"layer,omitempty"`
	Action TaskKind  `json:"action" yaml:"action"`
	// Input holds the task fields (prompt, files, options). String values may
	// embed {{step}} or {{step.field}} placeholders, and any value may be an OutputRef.
	Input     map[string]interface{} `json:"input,omitempty" yaml:"input,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Condition is evaluated against dependency outputs; false skips the step.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Optional steps may fail without failing or stopping the workflow.
	Optional bool          `json:"optional,omitempty" yaml:"optional,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// WorkflowDefinition describes a graph of steps.
type WorkflowDefinition struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description     string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps           []WorkflowStep `json:"steps" yaml:"steps"`
	Parallel        bool           `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Timeout         time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxConcurrency  int            `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
}

// Step returns the step with the given id.
func (d *WorkflowDefinition) Step(id string) (*WorkflowStep, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Dependents maps each step id to the ids of steps that depend on it.
func (d *WorkflowDefinition) Dependents() map[string][]string {
	dependents := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	return dependents
}

// OutputRef is a typed reference to another step's output, optionally
// narrowed by a field path into a structured result.
type OutputRef struct {
	StepID string   `json:"step" yaml:"step"`
	Path   []string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Ref builds an OutputRef.
func Ref(stepID string, path ...string) OutputRef {
	return OutputRef{StepID: stepID, Path: path}
}

// String renders the reference in placeholder form.
func (r OutputRef) String() string {
	if len(r.Path) == 0 {
		return "{{" + r.StepID + "}}"
	}
	return "{{" + r.StepID + "." + strings.Join(r.Path, ".") + "}}"
}

// TextParts is a step input string assembled when the step runs. String
// parts are copied verbatim and never scanned for placeholders; OutputRef
// parts are replaced with the text of the referenced output.
type TextParts []interface{}

// Refs returns the references in order of appearance.
func (t TextParts) Refs() []OutputRef {
	var refs []OutputRef
	for _, p := range t {
		switch r := p.(type) {
		case OutputRef:
			refs = append(refs, r)
		case *OutputRef:
			if r != nil {
				refs = append(refs, *r)
			}
		}
	}
	return refs
}

// MarshalJSON encodes t as {"$text": [...]} with references as {"$ref": "step.path"},
// the form definition files use.
func (t TextParts) MarshalJSON() ([]byte, error) {
	parts := make([]interface{}, 0, len(t))
	for _, p := range t {
		switch r := p.(type) {
		case OutputRef:
			parts = append(parts, map[string]string{"$ref": r.dotted()})
		case *OutputRef:
			if r != nil {
				parts = append(parts, map[string]string{"$ref": r.dotted()})
			}
		default:
			parts = append(parts, p)
		}
	}
	return json.Marshal(map[string]interface{}{"$text": parts})
}

func (r OutputRef) dotted() string {
	return strings.Join(append([]string{r.StepID}, r.Path...), ".")
}

// StepStatus is the lifecycle state of a workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepReady, StepSkipped},
	StepReady:   {StepRunning, StepSkipped},
	StepRunning: {StepCompleted, StepFailed},
}

// IsTerminal reports whether no further transition is possible.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepOutcome records what happened to one step.
type StepOutcome struct {
	ID         string        `json:"id"`
	Status     StepStatus    `json:"status"`
	Layer      LayerName     `json:"layer,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// WorkflowMetadata aggregates run statistics.
type WorkflowMetadata struct {
	// TotalDuration is the wall-clock span from the first dispatch to the last completion.
	TotalDuration  time.Duration `json:"total_duration"`
	StepsCompleted int           `json:"steps_completed"`
	StepsFailed    int           `json:"steps_failed"`
	StepsSkipped   int           `json:"steps_skipped"`
	TotalCost      float64       `json:"total_cost"`
	TimedOut       bool          `json:"timed_out,omitempty"`
}

// WorkflowResult is the outcome of one workflow run.
type WorkflowResult struct {
	RunID      string                 `json:"run_id"`
	WorkflowID string                 `json:"workflow_id"`
	Success    bool                   `json:"success"`
	Results    map[string]LayerResult `json:"results"`
	Steps      map[string]StepOutcome `json:"steps"`
	Summary    string                 `json:"summary,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Metadata   WorkflowMetadata       `json:"metadata"`
}

// Output returns the data produced by a completed step.
func (r *WorkflowResult) Output(stepID string) (interface{}, error) {
	res, ok := r.Results[stepID]
	if !ok {
		return nil, fmt.Errorf("no result for step %q", stepID)
	}
	if !res.Success {
		return nil, fmt.Errorf("step %q did not succeed: %s", stepID, res.Error)
	}
	return res.Data, nil
}
