package adapters

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ZanzyTHEbar/layerbridge"
)

// SearchAdapter drives a search-grounded CLI.
type SearchAdapter struct {
	*cliBackend
}

type searchEnvelope struct {
	Response string            `json:"response"`
	Sources  []json.RawMessage `json:"sources"`
	Model    string            `json:"model"`
	Stats    struct {
		Tokens int     `json:"tokens"`
		Cost   float64 `json:"cost"`
	} `json:"stats"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewSearchAdapter creates the search backend adapter.
func NewSearchAdapter(cfg CLIConfig, opts ...Option) *SearchAdapter {
	return &SearchAdapter{cliBackend: newCLIBackend(layerbridge.LayerSearch, cfg, opts)}
}

// Capabilities implements layerbridge.Adapter.
func (a *SearchAdapter) Capabilities() layerbridge.Capabilities {
	return layerbridge.Capabilities{
		Kinds: []layerbridge.TaskKind{
			layerbridge.KindSearch, layerbridge.KindQuery, layerbridge.KindSummarize,
		},
		FileTypes:   []layerbridge.FileType{layerbridge.FileText},
		Grounded:    true,
		Description: "web-grounded answers with sources",
	}
}

// CanHandle implements layerbridge.Adapter.
func (a *SearchAdapter) CanHandle(task layerbridge.Task) bool {
	return a.Capabilities().Supports(task.Kind) && textOnly(task)
}

// Execute implements layerbridge.Adapter.
func (a *SearchAdapter) Execute(ctx context.Context, task layerbridge.Task) (layerbridge.LayerResult, error) {
	args := []string{}
	model := a.cfg.Model
	if m := task.StringOption("model"); m != "" {
		model = m
	}
	if model != "" {
		args = append(args, "-m", model)
	}
	args = append(args, "--output-format", "json", "-p", composePrompt(task))

	stdout, elapsed, err := a.invoke(ctx, task, args)
	if err != nil {
		return layerbridge.FailureResult(a.name, err), err
	}

	meta := layerbridge.ResultMetadata{Layer: a.name, Model: model, Duration: elapsed}
	var env searchEnvelope
	if jerr := json.Unmarshal(stdout, &env); jerr != nil {
		text := strings.TrimSpace(string(stdout))
		if text == "" {
			lerr := layerbridge.NewTransientError(a.name, "backend returned empty output", nil)
			return layerbridge.FailureResult(a.name, lerr), lerr
		}
		return layerbridge.LayerResult{Success: true, Data: text, Metadata: meta}, nil
	}
	if env.Error != nil {
		lerr := classifyMessage(a.name, env.Error.Message, nil)
		a.afterFailure(lerr)
		return layerbridge.FailureResult(a.name, lerr), lerr
	}
	if env.Model != "" {
		meta.Model = env.Model
	}
	meta.TokensUsed = env.Stats.Tokens
	meta.Cost = env.Stats.Cost
	meta.Sources = parseSources(env.Sources)
	meta.Grounded = len(meta.Sources) > 0
	return layerbridge.LayerResult{Success: true, Data: env.Response, Metadata: meta}, nil
}

// parseSources accepts plain URL strings or objects carrying a url or uri field.
func parseSources(raw []json.RawMessage) []string {
	var out []string
	for _, r := range raw {
		var s string
		if json.Unmarshal(r, &s) == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			URL   string `json:"url"`
			URI   string `json:"uri"`
			Title string `json:"title"`
		}
		if json.Unmarshal(r, &obj) != nil {
			continue
		}
		switch {
		case obj.URL != "":
			out = append(out, obj.URL)
		case obj.URI != "":
			out = append(out, obj.URI)
		case obj.Title != "":
			out = append(out, obj.Title)
		}
	}
	return out
}
