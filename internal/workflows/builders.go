// Package workflows builds ready-to-run workflow definitions for common
// jobs: analyzing files, generating media and converting documents.
package workflows

import (
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/executor"
)

// Options tune what a builder adds to a definition.
type Options struct {
	// Search adds a grounding step on the search backend.
	Search bool `json:"search,omitempty" yaml:"search,omitempty"`
	// Summarize appends a summary step.
	Summarize bool `json:"summarize,omitempty" yaml:"summarize,omitempty"`
	// Detailed asks for a thorough analysis.
	Detailed bool `json:"detailed,omitempty" yaml:"detailed,omitempty"`
	// Enhance rewrites a generation prompt before generating.
	Enhance bool   `json:"enhance,omitempty" yaml:"enhance,omitempty"`
	Style   string `json:"style,omitempty" yaml:"style,omitempty"`
	// Quality is "draft", "standard" or "high".
	Quality         string        `json:"quality,omitempty" yaml:"quality,omitempty"`
	ContinueOnError bool          `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Plan is a built definition with its advisory estimate.
type Plan struct {
	Definition *layerbridge.WorkflowDefinition `json:"definition"`
	Estimate   Estimate                        `json:"estimate"`
}

// BuildAnalysis analyzes files against prompt. Non-text files go through an
// extraction step first; text files are handed to the analysis step directly.
func BuildAnalysis(files []layerbridge.FileReference, prompt string, opts Options) (*Plan, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" && len(files) == 0 {
		return nil, layerbridge.NewValidationError("build", "analysis needs a prompt or at least one file", nil)
	}
	if err := checkFiles(files); err != nil {
		return nil, err
	}
	if prompt == "" {
		prompt = "Analyze the provided files and report the key findings."
	}
	text, media := classify(files)

	def := newDefinition("analysis", fmt.Sprintf("Analyze %d file(s)", len(files)), opts)
	def.Parallel = true

	var deps []string
	if len(media) > 0 {
		def.Steps = append(def.Steps, layerbridge.WorkflowStep{
			ID:     "extract",
			Action: layerbridge.KindExtract,
			Input: map[string]interface{}{
				"prompt": layerbridge.TextParts{"Extract the text and key details relevant to: ", prompt},
				"files":  media,
			},
		})
		deps = append(deps, "extract")
	}
	if opts.Search {
		def.Steps = append(def.Steps, researchStep(prompt))
		deps = append(deps, "research")
	}

	analysis := layerbridge.TextParts{prompt}
	if opts.Detailed {
		analysis = append(analysis, "\n\nBe thorough: cover structure, notable details, risks and open questions.")
	}
	for _, dep := range deps {
		heading := "\n\nExtracted content:\n"
		if dep == "research" {
			heading = "\n\nCurrent information:\n"
		}
		analysis = append(analysis, heading, layerbridge.Ref(dep))
	}
	step := layerbridge.WorkflowStep{
		ID:        "analyze",
		Action:    layerbridge.KindQuery,
		Input:     map[string]interface{}{"prompt": analysis},
		DependsOn: deps,
	}
	if len(text) > 0 {
		step.Action = layerbridge.KindAnalyze
		step.Input["files"] = text
	}
	def.Steps = append(def.Steps, step)
	if opts.Summarize {
		def.Steps = append(def.Steps, summaryStep("analyze"))
	}
	return finish(def, files, opts)
}

// BuildGeneration generates an image, audio clip or video from prompt.
func BuildGeneration(prompt, media string, opts Options) (*Plan, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, layerbridge.NewValidationError("build", "generation needs a prompt", nil)
	}
	kind, err := generationKind(media)
	if err != nil {
		return nil, err
	}

	def := newDefinition("generation", fmt.Sprintf("Generate %s", kind.MediaKind()), opts)
	var generatePrompt interface{} = layerbridge.TextParts{prompt}
	var deps []string

	if opts.Search {
		def.Steps = append(def.Steps, researchStep(prompt))
	}
	if opts.Enhance || opts.Search {
		refine := layerbridge.TextParts{
			fmt.Sprintf("Rewrite the following %s generation prompt so it is specific and vivid. "+
				"Reply with the prompt only.\n\nPrompt: ", kind.MediaKind()),
			prompt,
		}
		refineStep := layerbridge.WorkflowStep{ID: "refine", Action: layerbridge.KindQuery}
		if opts.Search {
			refine = append(refine, "\n\nBackground:\n", layerbridge.Ref("research"))
			refineStep.DependsOn = []string{"research"}
		}
		refineStep.Input = map[string]interface{}{"prompt": refine, "no_cache": true}
		def.Steps = append(def.Steps, refineStep)
		generatePrompt = layerbridge.Ref("refine")
		deps = []string{"refine"}
	}

	options := map[string]interface{}{}
	if opts.Style != "" {
		options["style"] = opts.Style
	}
	if opts.Quality != "" {
		options["quality"] = opts.Quality
	}
	input := map[string]interface{}{"prompt": generatePrompt}
	if len(options) > 0 {
		input["options"] = options
	}
	def.Steps = append(def.Steps, layerbridge.WorkflowStep{
		ID:        "generate",
		Action:    kind,
		Input:     input,
		DependsOn: deps,
	})
	return finish(def, nil, opts)
}

// BuildConversion converts files from one format to another. An empty from
// is derived from the file extensions, which must agree.
func BuildConversion(files []layerbridge.FileReference, from, to string, opts Options) (*Plan, error) {
	if len(files) == 0 {
		return nil, layerbridge.NewValidationError("build", "conversion needs at least one file", nil)
	}
	if err := checkFiles(files); err != nil {
		return nil, err
	}
	to = NormalizeFormat(to)
	if to == "" {
		return nil, layerbridge.NewValidationError("build", "conversion needs a target format", nil)
	}
	from = NormalizeFormat(from)
	if from == "" {
		from = FormatOf(files[0].Path)
		for _, f := range files[1:] {
			if FormatOf(f.Path) != from {
				return nil, layerbridge.NewValidationError("build",
					fmt.Sprintf("mixed source formats %s and %s; pass the source format explicitly", from, FormatOf(f.Path)), nil)
			}
		}
	}
	if err := checkConversion(from, to); err != nil {
		return nil, err
	}

	def := newDefinition("conversion", fmt.Sprintf("Convert %s to %s", from, to), opts)
	formats := map[string]interface{}{"from": from, "to": to}

	if needsExtraction(from) {
		action := layerbridge.KindExtract
		if from == FormatAudio || from == FormatVideo {
			action = layerbridge.KindTranscribe
		}
		def.Steps = append(def.Steps,
			layerbridge.WorkflowStep{
				ID:     "extract",
				Action: action,
				Input: map[string]interface{}{
					"prompt": fmt.Sprintf("Extract the full content of the %s input, preserving its structure.", from),
					"files":  files,
				},
			},
			layerbridge.WorkflowStep{
				ID:        "convert",
				Action:    layerbridge.KindConvert,
				Input:     map[string]interface{}{"prompt": layerbridge.Ref("extract"), "options": formats},
				DependsOn: []string{"extract"},
			})
	} else {
		def.Steps = append(def.Steps, layerbridge.WorkflowStep{
			ID:     "convert",
			Action: layerbridge.KindConvert,
			Input: map[string]interface{}{
				"prompt":  fmt.Sprintf("Convert the attached %s content to %s.", from, to),
				"files":   files,
				"options": formats,
			},
		})
	}
	if opts.Summarize {
		def.Steps = append(def.Steps, summaryStep("convert"))
	}
	return finish(def, files, opts)
}

func newDefinition(id, name string, opts Options) *layerbridge.WorkflowDefinition {
	return &layerbridge.WorkflowDefinition{
		ID:              id,
		Name:            name,
		ContinueOnError: opts.ContinueOnError,
		Timeout:         opts.Timeout,
	}
}

func researchStep(prompt string) layerbridge.WorkflowStep {
	return layerbridge.WorkflowStep{
		ID:     "research",
		Action: layerbridge.KindSearch,
		Input:  map[string]interface{}{"prompt": layerbridge.TextParts{"Find current information relevant to: ", prompt}},
	}
}

func summaryStep(from string) layerbridge.WorkflowStep {
	return layerbridge.WorkflowStep{
		ID:        "summary",
		Action:    layerbridge.KindSummarize,
		Input:     map[string]interface{}{"prompt": layerbridge.TextParts{"Summarize the following in a short paragraph.\n\n", layerbridge.Ref(from)}},
		DependsOn: []string{from},
	}
}

func finish(def *layerbridge.WorkflowDefinition, files []layerbridge.FileReference, opts Options) (*Plan, error) {
	if err := executor.Validate(def); err != nil {
		return nil, err
	}
	return &Plan{Definition: def, Estimate: EstimateDefinition(def, files, opts)}, nil
}

func checkFiles(files []layerbridge.FileReference) error {
	for _, f := range files {
		if strings.TrimSpace(f.Path) == "" {
			return layerbridge.NewValidationError("build", "file reference with empty path", nil)
		}
	}
	return nil
}

// classify splits files into plain text and everything else.
func classify(files []layerbridge.FileReference) (text, media []layerbridge.FileReference) {
	for _, f := range files {
		if f.Type == "" {
			f.Type = f.ResolvedType()
		}
		if f.IsText() {
			text = append(text, f)
		} else {
			media = append(media, f)
		}
	}
	return text, media
}

func generationKind(media string) (layerbridge.TaskKind, error) {
	switch strings.ToLower(strings.TrimSpace(media)) {
	case "image", "picture", "photo":
		return layerbridge.KindGenerateImage, nil
	case "audio", "speech", "sound":
		return layerbridge.KindGenerateAudio, nil
	case "video":
		return layerbridge.KindGenerateVideo, nil
	}
	return "", layerbridge.NewValidationError("build", fmt.Sprintf("unsupported media %q (want image, audio or video)", media), nil)
}
