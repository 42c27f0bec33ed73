package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ZanzyTHEbar/layerbridge"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func multimodalHandler(t *testing.T) backendHandler {
	return func(req backendRequest) (interface{}, *RPCError) {
		var p executeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			t.Errorf("bad params: %v", err)
			return nil, &RPCError{Code: "BAD_REQUEST", Message: err.Error()}
		}
		switch p.Kind {
		case layerbridge.KindGenerateImage:
			return map[string]interface{}{
				"model": "imagen",
				"media": map[string]string{"data": base64.StdEncoding.EncodeToString(pngHeader), "mime": "image/png"},
			}, nil
		case layerbridge.KindAnalyze:
			var names []string
			for _, f := range p.Files {
				names = append(names, string(f.Type)+":"+filepath.Base(f.Path))
			}
			return map[string]interface{}{"text": "saw " + strings.Join(names, ","), "tokens": 10}, nil
		case layerbridge.KindTranscribe:
			return nil, &RPCError{Code: "RESOURCE_EXHAUSTED", Message: "quota exceeded for project"}
		}
		return map[string]interface{}{"text": p.Prompt}, nil
	}
}

func newTestMultimodal(t *testing.T, media *MediaStore) (*MultimodalAdapter, *atomic.Int32) {
	var spawned atomic.Int32
	a := NewMultimodalAdapter(MultimodalConfig{Binary: "mm", Model: "mm-pro", PoolSize: 1}, media, WithHealthCheck(noHealthCheck))
	a.WithSpawn(func(context.Context) (*Worker, error) {
		spawned.Add(1)
		return newFakeBackend(t, multimodalHandler(t)).worker(), nil
	})
	t.Cleanup(a.Close)
	return a, &spawned
}

func TestMultimodalAdapter_AnalyzeFiles(t *testing.T) {
	a, _ := newTestMultimodal(t, nil)
	res, err := a.Execute(context.Background(), layerbridge.Task{
		Kind:  layerbridge.KindAnalyze,
		Files: []layerbridge.FileReference{{Path: "/tmp/photo.jpg"}, {Path: "/tmp/report.pdf"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Data != "saw image:photo.jpg,document:report.pdf" {
		t.Errorf("file types should be resolved before sending, got %v", res.Data)
	}
	if res.Metadata.Model != "mm-pro" || res.Metadata.TokensUsed != 10 {
		t.Errorf("unexpected metadata %+v", res.Metadata)
	}
}

func TestMultimodalAdapter_GenerationStoresMedia(t *testing.T) {
	dir := t.TempDir()
	a, _ := newTestMultimodal(t, NewMediaStore(dir))

	res, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindGenerateImage, Prompt: "a lighthouse"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path, _ := res.Data.(string)
	if path == "" || path != res.Metadata.MediaPath {
		t.Fatalf("expected media path in data and metadata, got %+v", res)
	}
	if !strings.HasPrefix(path, filepath.Join(dir, "image")) || filepath.Ext(path) != ".png" {
		t.Errorf("unexpected media location %q", path)
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, pngHeader) {
		t.Errorf("media content mismatch: %v", err)
	}
	if res.Metadata.Model != "imagen" {
		t.Errorf("expected backend-reported model, got %q", res.Metadata.Model)
	}
}

func TestMultimodalAdapter_GenerationPromptBecomesGeneration(t *testing.T) {
	dir := t.TempDir()
	a, _ := newTestMultimodal(t, NewMediaStore(dir))

	res, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "Create an image of a sunset over the ocean"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path, _ := res.Data.(string)
	if !strings.HasPrefix(path, filepath.Join(dir, "image")) {
		t.Fatalf("expected generated image under %s, got %+v", dir, res)
	}
	if c := a.Cost(layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "draw a logo"}); c != a.cfg.CostPerGeneration {
		t.Errorf("generation prompt cost = %v", c)
	}
}

func TestMultimodalAdapter_GenerationWithoutMediaStore(t *testing.T) {
	a, _ := newTestMultimodal(t, nil)
	_, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindGenerateImage, Prompt: "x"})
	if layerbridge.CodeOf(err) != layerbridge.ErrCodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestMultimodalAdapter_RemoteErrorKeepsProcess(t *testing.T) {
	a, spawned := newTestMultimodal(t, nil)
	ctx := context.Background()
	task := layerbridge.Task{Kind: layerbridge.KindTranscribe, Files: []layerbridge.FileReference{{Path: "talk.mp3"}}}

	_, err := a.Execute(ctx, task)
	if !layerbridge.IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if _, err := a.Execute(ctx, layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "hi", Files: []layerbridge.FileReference{{Path: "a.png"}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spawned.Load() != 1 {
		t.Errorf("remote errors should not recycle the process, spawned %d", spawned.Load())
	}
	if s := a.PoolStats(); s.Idle != 1 {
		t.Errorf("expected the process back in the pool, got %+v", s)
	}
}

func TestMultimodalAdapter_CanHandle(t *testing.T) {
	a := NewMultimodalAdapter(MultimodalConfig{Binary: "mm"}, nil)
	defer a.Close()
	tests := []struct {
		name string
		task layerbridge.Task
		want bool
	}{
		{"generation", layerbridge.Task{Kind: layerbridge.KindGenerateVideo, Prompt: "x"}, true},
		{"plain query", layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "x"}, false},
		{"query about image", layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "x", Files: []layerbridge.FileReference{{Path: "a.png"}}}, true},
		{"search", layerbridge.Task{Kind: layerbridge.KindSearch, Prompt: "x"}, false},
		{"query asking for an image", layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "Create an image of a sunset over the ocean"}, true},
		{"summarize asking for audio", layerbridge.Task{Kind: layerbridge.KindSummarize, Prompt: "produce a podcast from these notes"}, true},
		{"query mentioning images", layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "how are images stored"}, false},
		{"convert without files", layerbridge.Task{Kind: layerbridge.KindConvert, Prompt: "draw a picture"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.CanHandle(tt.task); got != tt.want {
				t.Errorf("CanHandle = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMultimodalAdapter_CostAndDuration(t *testing.T) {
	a := NewMultimodalAdapter(MultimodalConfig{Binary: "mm", CostPerFile: 0.01, CostPerGeneration: 0.04}, nil)
	defer a.Close()
	gen := layerbridge.Task{Kind: layerbridge.KindGenerateVideo, Prompt: "x"}
	files := layerbridge.Task{Kind: layerbridge.KindAnalyze, Files: []layerbridge.FileReference{{Path: "a.png"}, {Path: "b.png"}}}

	if c := a.Cost(gen); c != 0.04 {
		t.Errorf("generation cost = %v", c)
	}
	if c := a.Cost(files); c != 0.02 {
		t.Errorf("file cost = %v", c)
	}
	if a.EstimatedDuration(gen) <= a.EstimatedDuration(layerbridge.Task{Kind: layerbridge.KindGenerateImage}) {
		t.Error("video generation should be estimated slower than image generation")
	}
}
