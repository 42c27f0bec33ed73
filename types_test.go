package layerbridge

import (
	"errors"
	"testing"
	"time"
)

func TestParseTaskKind(t *testing.T) {
	for _, k := range TaskKinds() {
		got, err := ParseTaskKind(string(k))
		if err != nil {
			t.Fatalf("ParseTaskKind(%q) unexpected error: %v", k, err)
		}
		if got != k {
			t.Errorf("ParseTaskKind(%q) = %q", k, got)
		}
	}
	if _, err := ParseTaskKind("teleport"); !IsValidation(err) {
		t.Errorf("expected validation error for unknown kind, got %v", err)
	}
	if got, _ := ParseTaskKind("  Generate_Image "); got != KindGenerateImage {
		t.Errorf("expected case-insensitive parse, got %q", got)
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"query", Task{Kind: KindQuery, Prompt: "what is go"}, false},
		{"unknown kind", Task{Kind: "dance", Prompt: "x"}, true},
		{"empty prompt", Task{Kind: KindQuery, Prompt: "  "}, true},
		{"analyze without files", Task{Kind: KindAnalyze, Prompt: "look"}, true},
		{"analyze with files", Task{Kind: KindAnalyze, Files: []FileReference{{Path: "a.png"}}}, false},
		{"generation without prompt", Task{Kind: KindGenerateImage}, true},
		{"convert with file only", Task{Kind: KindConvert, Files: []FileReference{{Path: "a.md"}}}, false},
		{"convert empty", Task{Kind: KindConvert}, true},
		{"unknown layer", Task{Kind: KindQuery, Prompt: "x", Layer: "quantum"}, true},
		{"empty file path", Task{Kind: KindExtract, Files: []FileReference{{Path: ""}}}, true},
		{"negative timeout", Task{Kind: KindQuery, Prompt: "x", Timeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("expected validation code, got %s", CodeOf(err))
			}
		})
	}
}

func TestDetectFileType(t *testing.T) {
	cases := map[string]FileType{
		"notes.md":      FileText,
		"photo.JPG":     FileImage,
		"song.mp3":      FileAudio,
		"clip.mov":      FileVideo,
		"report.pdf":    FileDocument,
		"Makefile":      FileText,
		"archive.weird": FileText,
	}
	for path, want := range cases {
		if got := DetectFileType(path); got != want {
			t.Errorf("DetectFileType(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestTask_HasBinaryFiles(t *testing.T) {
	task := Task{Kind: KindAnalyze, Files: []FileReference{{Path: "a.txt"}, {Path: "b.txt", Type: FileImage}}}
	if !task.HasBinaryFiles() {
		t.Error("declared type should override extension")
	}
	task.Files = []FileReference{{Path: "a.txt"}}
	if task.HasBinaryFiles() {
		t.Error("text-only task reported binary files")
	}
}

func TestStringify(t *testing.T) {
	if got := Stringify("ALPHA"); got != "ALPHA" {
		t.Errorf("string passthrough failed: %q", got)
	}
	if got := Stringify(nil); got != "" {
		t.Errorf("nil should render empty, got %q", got)
	}
	if got := Stringify(map[string]interface{}{"a": 1}); got != `{"a":1}` {
		t.Errorf("map should render as JSON, got %q", got)
	}
	if got := Stringify(errors.New("boom")); got != "boom" {
		t.Errorf("error should render message, got %q", got)
	}
}

func TestFailureResult(t *testing.T) {
	res := FailureResult(LayerSearch, NewQuotaError(LayerSearch, "rate limit", nil))
	if res.Success {
		t.Fatal("failure result reported success")
	}
	if res.ErrorCode != ErrCodeQuota {
		t.Errorf("expected quota code, got %s", res.ErrorCode)
	}
	if res.Remediation == "" {
		t.Error("expected remediation hint")
	}
	if res.Metadata.Layer != LayerSearch {
		t.Errorf("expected layer search, got %s", res.Metadata.Layer)
	}
}

func TestTimeoutPolicy_For(t *testing.T) {
	p := DefaultTimeoutPolicy()
	if got := p.For(Task{Kind: KindQuery, Prompt: "x"}); got != 60*time.Second {
		t.Errorf("base timeout = %v", got)
	}
	twoFiles := Task{Kind: KindSummarize, Prompt: "x", Files: []FileReference{{Path: "a.md"}, {Path: "b.md"}}}
	if got := p.For(twoFiles); got != 2*time.Minute {
		t.Errorf("per-file timeout = %v", got)
	}
	if got := p.For(Task{Kind: KindGenerateVideo, Prompt: "x"}); got != 5*time.Minute {
		t.Errorf("media floor = %v", got)
	}
	if got := p.For(Task{Kind: KindQuery, Prompt: "x", Timeout: 3 * time.Second}); got != 3*time.Second {
		t.Errorf("explicit override = %v", got)
	}
	many := Task{Kind: KindAnalyze, Files: make([]FileReference, 100)}
	if got := p.For(many); got != p.Max {
		t.Errorf("expected cap %v, got %v", p.Max, got)
	}
}
