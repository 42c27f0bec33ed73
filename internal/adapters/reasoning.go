package adapters

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ZanzyTHEbar/layerbridge"
)

// ReasoningAdapter drives a reasoning CLI that prints a JSON envelope when
// asked for JSON output and plain text otherwise.
type ReasoningAdapter struct {
	*cliBackend
}

// reasoningEnvelope is the JSON the reasoning CLI prints.
type reasoningEnvelope struct {
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Model   string `json:"model"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// NewReasoningAdapter creates the reasoning backend adapter.
func NewReasoningAdapter(cfg CLIConfig, opts ...Option) *ReasoningAdapter {
	return &ReasoningAdapter{cliBackend: newCLIBackend(layerbridge.LayerReasoning, cfg, opts)}
}

// Capabilities implements layerbridge.Adapter.
func (a *ReasoningAdapter) Capabilities() layerbridge.Capabilities {
	return layerbridge.Capabilities{
		Kinds: []layerbridge.TaskKind{
			layerbridge.KindQuery, layerbridge.KindSummarize, layerbridge.KindConvert,
			layerbridge.KindAnalyze, layerbridge.KindExtract,
		},
		FileTypes:   []layerbridge.FileType{layerbridge.FileText},
		Description: "general reasoning over prompts and text files",
	}
}

// CanHandle implements layerbridge.Adapter.
func (a *ReasoningAdapter) CanHandle(task layerbridge.Task) bool {
	return a.Capabilities().Supports(task.Kind) && textOnly(task)
}

// Execute implements layerbridge.Adapter.
func (a *ReasoningAdapter) Execute(ctx context.Context, task layerbridge.Task) (layerbridge.LayerResult, error) {
	args := []string{}
	model := a.cfg.Model
	if m := task.StringOption("model"); m != "" {
		model = m
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, "--output-format", "json", "-p", composePrompt(task))

	stdout, elapsed, err := a.invoke(ctx, task, args)
	if err != nil {
		return layerbridge.FailureResult(a.name, err), err
	}

	meta := layerbridge.ResultMetadata{Layer: a.name, Model: model, Duration: elapsed}
	var env reasoningEnvelope
	if jerr := json.Unmarshal(stdout, &env); jerr != nil {
		text := strings.TrimSpace(string(stdout))
		if text == "" {
			lerr := layerbridge.NewTransientError(a.name, "backend returned empty output", nil)
			return layerbridge.FailureResult(a.name, lerr), lerr
		}
		return layerbridge.LayerResult{Success: true, Data: text, Metadata: meta}, nil
	}
	if env.IsError {
		lerr := classifyMessage(a.name, env.Result, nil)
		a.afterFailure(lerr)
		return layerbridge.FailureResult(a.name, lerr), lerr
	}
	if env.Model != "" {
		meta.Model = env.Model
	}
	meta.TokensUsed = env.Usage.InputTokens + env.Usage.OutputTokens
	meta.Cost = env.TotalCostUSD
	return layerbridge.LayerResult{Success: true, Data: env.Result, Metadata: meta}, nil
}
