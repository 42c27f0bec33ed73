package workflows

import (
	"strings"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
)

func stepIDs(def *layerbridge.WorkflowDefinition) string {
	var ids []string
	for _, s := range def.Steps {
		ids = append(ids, s.ID)
	}
	return strings.Join(ids, ",")
}

func TestBuildAnalysis_Steps(t *testing.T) {
	tests := []struct {
		name     string
		files    []layerbridge.FileReference
		opts     Options
		wantIDs  string
		wantKind layerbridge.TaskKind
		wantDeps []string
	}{
		{
			name:     "text only skips extraction",
			files:    []layerbridge.FileReference{layerbridge.NewFileReference("notes.md", 100)},
			wantIDs:  "analyze",
			wantKind: layerbridge.KindAnalyze,
		},
		{
			name:     "images are extracted first",
			files:    []layerbridge.FileReference{layerbridge.NewFileReference("scan.png", 100)},
			wantIDs:  "extract,analyze",
			wantKind: layerbridge.KindQuery,
			wantDeps: []string{"extract"},
		},
		{
			name: "mixed with search and summary",
			files: []layerbridge.FileReference{
				layerbridge.NewFileReference("report.pdf", 100),
				layerbridge.NewFileReference("data.csv", 100),
			},
			opts:     Options{Search: true, Summarize: true},
			wantIDs:  "extract,research,analyze,summary",
			wantKind: layerbridge.KindAnalyze,
			wantDeps: []string{"extract", "research"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildAnalysis(tt.files, "What changed?", tt.opts)
			if err != nil {
				t.Fatalf("BuildAnalysis: %v", err)
			}
			def := plan.Definition
			if got := stepIDs(def); got != tt.wantIDs {
				t.Fatalf("steps = %s, want %s", got, tt.wantIDs)
			}
			analyze, _ := def.Step("analyze")
			if analyze.Action != tt.wantKind {
				t.Errorf("analyze action = %s, want %s", analyze.Action, tt.wantKind)
			}
			if strings.Join(analyze.DependsOn, ",") != strings.Join(tt.wantDeps, ",") {
				t.Errorf("analyze deps = %v, want %v", analyze.DependsOn, tt.wantDeps)
			}
			var refs []string
			for _, r := range analyze.Input["prompt"].(layerbridge.TextParts).Refs() {
				refs = append(refs, r.StepID)
			}
			if strings.Join(refs, ",") != strings.Join(tt.wantDeps, ",") {
				t.Errorf("analyze prompt references %v, want %v", refs, tt.wantDeps)
			}
		})
	}
}

func TestBuildAnalysis_Rejects(t *testing.T) {
	if _, err := BuildAnalysis(nil, "  ", Options{}); !layerbridge.IsValidation(err) {
		t.Errorf("empty analysis: got %v", err)
	}
	if _, err := BuildAnalysis([]layerbridge.FileReference{{Path: ""}}, "x", Options{}); !layerbridge.IsValidation(err) {
		t.Errorf("empty path: got %v", err)
	}
}

func TestBuilders_KeepBracesInPromptsLiteral(t *testing.T) {
	analysis, err := BuildAnalysis(
		[]layerbridge.FileReference{layerbridge.NewFileReference("scan.png", 10)},
		"Explain what {{name}} does in a Mustache template, and whether {{extract}} is a variable",
		Options{Search: true})
	if err != nil {
		t.Fatalf("BuildAnalysis: %v", err)
	}
	analyze, _ := analysis.Definition.Step("analyze")
	parts := analyze.Input["prompt"].(layerbridge.TextParts)
	if parts[0] != "Explain what {{name}} does in a Mustache template, and whether {{extract}} is a variable" {
		t.Errorf("user text changed: %q", parts[0])
	}
	if refs := parts.Refs(); len(refs) != 2 {
		t.Errorf("refs = %v, want extract and research only", refs)
	}

	gen, err := BuildGeneration("A poster that reads {{title}} in neon", "image", Options{Enhance: true})
	if err != nil {
		t.Fatalf("BuildGeneration: %v", err)
	}
	refine, _ := gen.Definition.Step("refine")
	if !strings.HasSuffix(refine.Input["prompt"].(layerbridge.TextParts)[1].(string), "reads {{title}} in neon") {
		t.Errorf("refine prompt = %v", refine.Input["prompt"])
	}
}

func TestBuildGeneration(t *testing.T) {
	plan, err := BuildGeneration("a lighthouse at dusk", "image", Options{Search: true, Style: "watercolor", Quality: "high"})
	if err != nil {
		t.Fatalf("BuildGeneration: %v", err)
	}
	def := plan.Definition
	if got := stepIDs(def); got != "research,refine,generate" {
		t.Fatalf("steps = %s", got)
	}
	gen, _ := def.Step("generate")
	if ref, ok := gen.Input["prompt"].(layerbridge.OutputRef); gen.Action != layerbridge.KindGenerateImage || !ok || ref.StepID != "refine" {
		t.Errorf("generate step = %+v", gen)
	}
	opts := gen.Input["options"].(map[string]interface{})
	if opts["style"] != "watercolor" || opts["quality"] != "high" {
		t.Errorf("options = %v", opts)
	}

	plain, err := BuildGeneration("a jingle", "audio", Options{})
	if err != nil {
		t.Fatalf("BuildGeneration: %v", err)
	}
	if got := stepIDs(plain.Definition); got != "generate" {
		t.Errorf("steps = %s, want generate", got)
	}
	if p, _ := plain.Definition.Steps[0].Input["prompt"].(layerbridge.TextParts); len(p) != 1 || p[0] != "a jingle" {
		t.Errorf("prompt = %v", plain.Definition.Steps[0].Input["prompt"])
	}

	if _, err := BuildGeneration("x", "hologram", Options{}); !layerbridge.IsValidation(err) {
		t.Errorf("unsupported media: got %v", err)
	}
	if _, err := BuildGeneration("", "video", Options{}); !layerbridge.IsValidation(err) {
		t.Errorf("empty prompt: got %v", err)
	}
}

func TestBuildConversion(t *testing.T) {
	tests := []struct {
		name     string
		files    []string
		from, to string
		wantIDs  string
		wantKind layerbridge.TaskKind
		wantErr  bool
	}{
		{"markdown to html", []string{"readme.md"}, "", "html", "convert", layerbridge.KindConvert, false},
		{"pdf needs extraction", []string{"paper.pdf"}, "", "markdown", "extract,convert", layerbridge.KindExtract, false},
		{"audio is transcribed", []string{"talk.mp3"}, "", "text", "extract,convert", layerbridge.KindTranscribe, false},
		{"explicit alias", []string{"data"}, "yml", "json", "convert", layerbridge.KindConvert, false},
		{"unsupported pair", []string{"clip.mp4"}, "", "pdf", "", "", true},
		{"unknown source", []string{"a.xyz"}, "", "text", "", "", true},
		{"mixed sources", []string{"a.md", "b.csv"}, "", "json", "", "", true},
		{"missing target", []string{"a.md"}, "", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var files []layerbridge.FileReference
			for _, p := range tt.files {
				files = append(files, layerbridge.NewFileReference(p, 0))
			}
			plan, err := BuildConversion(files, tt.from, tt.to, Options{})
			if tt.wantErr {
				if !layerbridge.IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildConversion: %v", err)
			}
			if got := stepIDs(plan.Definition); got != tt.wantIDs {
				t.Errorf("steps = %s, want %s", got, tt.wantIDs)
			}
			if plan.Definition.Steps[0].Action != tt.wantKind {
				t.Errorf("first action = %s, want %s", plan.Definition.Steps[0].Action, tt.wantKind)
			}
			convert, _ := plan.Definition.Step("convert")
			formats := convert.Input["options"].(map[string]interface{})
			if formats["to"] != NormalizeFormat(tt.to) {
				t.Errorf("to option = %v", formats["to"])
			}
		})
	}

	if _, err := BuildConversion(nil, "md", "html", Options{}); !layerbridge.IsValidation(err) {
		t.Errorf("no files: got %v", err)
	}
}

func TestEstimate(t *testing.T) {
	small, err := BuildAnalysis([]layerbridge.FileReference{layerbridge.NewFileReference("a.txt", 1024)}, "summarize", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if small.Estimate.Complexity != ComplexityLow {
		t.Errorf("small complexity = %s, want low", small.Estimate.Complexity)
	}
	if small.Estimate.Duration != 20*time.Second {
		t.Errorf("small duration = %v, want 20s", small.Estimate.Duration)
	}
	if len(small.Estimate.Layers) != 1 || small.Estimate.Layers[0] != layerbridge.LayerReasoning {
		t.Errorf("small layers = %v", small.Estimate.Layers)
	}

	var files []layerbridge.FileReference
	for _, p := range []string{"a.png", "b.png", "c.pdf", "d.pdf", "e.mp3", "f.mp3"} {
		files = append(files, layerbridge.NewFileReference(p, 4*megabyte))
	}
	big, err := BuildAnalysis(files, "compare", Options{Search: true, Detailed: true})
	if err != nil {
		t.Fatal(err)
	}
	if big.Estimate.Complexity != ComplexityHigh {
		t.Errorf("big complexity = %s, want high", big.Estimate.Complexity)
	}
	if big.Estimate.Duration <= small.Estimate.Duration || big.Estimate.Cost <= small.Estimate.Cost {
		t.Errorf("big estimate %+v should exceed small %+v", big.Estimate, small.Estimate)
	}
	want := []layerbridge.LayerName{layerbridge.LayerMultimodal, layerbridge.LayerSearch, layerbridge.LayerReasoning}
	if len(big.Estimate.Layers) != len(want) {
		t.Fatalf("big layers = %v, want %v", big.Estimate.Layers, want)
	}
	for i := range want {
		if big.Estimate.Layers[i] != want[i] {
			t.Errorf("layer %d = %s, want %s", i, big.Estimate.Layers[i], want[i])
		}
	}
}

func TestSupportsConversion(t *testing.T) {
	if !SupportsConversion("MD", ".html") {
		t.Error("markdown to html should be supported")
	}
	if SupportsConversion("html", "audio") {
		t.Error("html to audio should not be supported")
	}
	table := Conversions()
	table[FormatText] = nil
	if !SupportsConversion("txt", "markdown") {
		t.Error("Conversions must return a copy")
	}
}
