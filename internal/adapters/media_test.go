package adapters

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
)

func TestMediaStore_SaveUniquePaths(t *testing.T) {
	dir := t.TempDir()
	m := NewMediaStore(dir)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	first, err := m.Save("audio", "", []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Save("audio", "", []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("paths collided: %s", first)
	}
	if filepath.Dir(first) != filepath.Join(dir, "audio") || filepath.Ext(first) != ".mp3" {
		t.Errorf("unexpected path %s", first)
	}
	if b, _ := os.ReadFile(second); string(b) != "two" {
		t.Errorf("second file content = %q", b)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		kind, mime, want string
	}{
		{"image", "image/png", ".png"},
		{"image", "", ".png"},
		{"video", "", ".mp4"},
		{"other", "", ".bin"},
	}
	for _, tt := range tests {
		if got := extensionFor(tt.kind, tt.mime); got != tt.want {
			t.Errorf("extensionFor(%q, %q) = %q, want %q", tt.kind, tt.mime, got, tt.want)
		}
	}
}

type stubSummaryRunner struct {
	got *SummaryInput
	out string
	err error
}

func (s *stubSummaryRunner) Run(_ context.Context, in *SummaryInput) (string, error) {
	s.got = in
	return s.out, s.err
}

func TestGenkitSummarizer(t *testing.T) {
	def := &layerbridge.WorkflowDefinition{
		ID:    "wf",
		Steps: []layerbridge.WorkflowStep{{ID: "b"}, {ID: "a"}},
	}
	results := map[string]layerbridge.LayerResult{
		"a": {Success: true, Data: "alpha"},
		"b": {Success: false, Error: "boom"},
	}
	runner := &stubSummaryRunner{out: "all good"}
	s := &GenkitSummarizer{flow: runner}

	got, err := s.Summarize(context.Background(), def, results)
	if err != nil || got != "all good" {
		t.Fatalf("Summarize = %q, %v", got, err)
	}
	if runner.got.StepOrder[0] != "b" || runner.got.Outputs["a"] != "alpha" || runner.got.Failures["b"] != "boom" {
		t.Errorf("unexpected flow input %+v", runner.got)
	}

	runner.err = errors.New("model offline")
	if _, err := s.Summarize(context.Background(), def, results); layerbridge.CodeOf(err) != layerbridge.ErrCodeInternal {
		t.Errorf("expected internal error, got %v", err)
	}

	if _, err := NewGenkitSummarizer(nil).Summarize(context.Background(), def, results); layerbridge.CodeOf(err) != layerbridge.ErrCodeConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}
