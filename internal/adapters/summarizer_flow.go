package adapters

import (
	"context"
	"sort"

	"github.com/firebase/genkit/go/core"

	"github.com/ZanzyTHEbar/layerbridge"
)

// SummaryInput is the input of the summary flow.
type SummaryInput struct {
	WorkflowID string            `json:"workflow_id"`
	Name       string            `json:"name,omitempty"`
	StepOrder  []string          `json:"step_order"`
	Outputs    map[string]string `json:"outputs"`
	Failures   map[string]string `json:"failures,omitempty"`
}

type summaryRunner interface {
	Run(ctx context.Context, input *SummaryInput) (string, error)
}

// GenkitSummarizer uses a Genkit Flow to implement layerbridge.Summarizer.
type GenkitSummarizer struct {
	flow summaryRunner
}

// NewGenkitSummarizer creates a summarizer backed by flow.
func NewGenkitSummarizer(flow *core.Flow[*SummaryInput, string, struct{}]) *GenkitSummarizer {
	if flow == nil {
		return &GenkitSummarizer{}
	}
	return &GenkitSummarizer{flow: flow}
}

// Summarize implements layerbridge.Summarizer.
func (s *GenkitSummarizer) Summarize(ctx context.Context, def *layerbridge.WorkflowDefinition, results map[string]layerbridge.LayerResult) (string, error) {
	if s.flow == nil {
		return "", layerbridge.NewConfigurationError("summary flow is not configured", nil)
	}
	summary, err := s.flow.Run(ctx, NewSummaryInput(def, results))
	if err != nil {
		return "", layerbridge.NewInternalError("summary", "summary flow execution failed", err)
	}
	return summary, nil
}

// NewSummaryInput flattens workflow results into flow input, in step declaration order.
func NewSummaryInput(def *layerbridge.WorkflowDefinition, results map[string]layerbridge.LayerResult) *SummaryInput {
	in := &SummaryInput{
		WorkflowID: def.ID,
		Name:       def.Name,
		Outputs:    make(map[string]string),
		Failures:   make(map[string]string),
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		seen[step.ID] = true
		in.StepOrder = append(in.StepOrder, step.ID)
	}
	var extra []string
	for id := range results {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	in.StepOrder = append(in.StepOrder, extra...)

	for _, id := range in.StepOrder {
		res, ok := results[id]
		if !ok {
			continue
		}
		if res.Success {
			in.Outputs[id] = res.Text()
		} else {
			in.Failures[id] = res.Error
		}
	}
	return in
}
