package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/layerbridge"
)

const summaryExcerpt = 200

// LayerSummarizer asks a backend to condense the step outputs.
type LayerSummarizer struct {
	exec  layerbridge.TaskExecutor
	layer layerbridge.LayerName
}

// NewLayerSummarizer creates a summarizer that routes a summarize task
// through exec, pinned to layer. An empty layer leaves selection to exec.
func NewLayerSummarizer(exec layerbridge.TaskExecutor, layer layerbridge.LayerName) *LayerSummarizer {
	return &LayerSummarizer{exec: exec, layer: layer}
}

// Summarize implements layerbridge.Summarizer.
func (s *LayerSummarizer) Summarize(ctx context.Context, def *layerbridge.WorkflowDefinition, results map[string]layerbridge.LayerResult) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the results of the workflow %q in a few sentences.\n", workflowName(def))
	for _, step := range def.Steps {
		res, ok := results[step.ID]
		if !ok || !res.Success {
			continue
		}
		fmt.Fprintf(&b, "\n## %s (%s)\n%s\n", step.ID, step.Action, res.Text())
	}
	res := s.exec.Execute(ctx, layerbridge.Task{
		Kind:    layerbridge.KindSummarize,
		Layer:   s.layer,
		Prompt:  b.String(),
		Options: map[string]interface{}{"no_cache": true},
	})
	if !res.Success {
		return "", layerbridge.NewInternalError("summary", res.Error, nil)
	}
	return res.Text(), nil
}

// TextSummary renders a plain summary of a workflow result.
func TextSummary(def *layerbridge.WorkflowDefinition, res *layerbridge.WorkflowResult) string {
	var b strings.Builder
	status := "succeeded"
	if !res.Success {
		status = "failed"
	}
	fmt.Fprintf(&b, "Workflow %s %s: %d completed, %d failed, %d skipped.",
		workflowName(def), status, res.Metadata.StepsCompleted, res.Metadata.StepsFailed, res.Metadata.StepsSkipped)

	for _, step := range def.Steps {
		outcome := res.Steps[step.ID]
		fmt.Fprintf(&b, "\n- %s [%s]", step.ID, outcome.Status)
		switch outcome.Status {
		case layerbridge.StepCompleted:
			if lr, ok := res.Results[step.ID]; ok {
				fmt.Fprintf(&b, " %s", excerpt(lr.Text()))
			}
		case layerbridge.StepFailed:
			fmt.Fprintf(&b, " %s", outcome.Error)
		case layerbridge.StepSkipped:
			fmt.Fprintf(&b, " %s", outcome.SkipReason)
		}
	}
	return b.String()
}

func workflowName(def *layerbridge.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= summaryExcerpt {
		return s
	}
	return string(r[:summaryExcerpt]) + "..."
}
