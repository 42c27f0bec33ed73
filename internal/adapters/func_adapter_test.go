package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
)

func TestFuncAdapter_Execute(t *testing.T) {
	a := NewFuncAdapter("echo", func(_ context.Context, task layerbridge.Task) (layerbridge.LayerResult, error) {
		return layerbridge.LayerResult{Success: true, Data: "echo: " + task.Prompt}, nil
	}, WithCost(0.5), WithDuration(time.Second))

	res, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Data != "echo: hi" || res.Metadata.Layer != "echo" {
		t.Errorf("unexpected result %+v", res)
	}
	if a.Cost(layerbridge.Task{}) != 0.5 || a.EstimatedDuration(layerbridge.Task{}) != time.Second {
		t.Error("cost and duration options not applied")
	}
}

func TestFuncAdapter_ErrorFillsResult(t *testing.T) {
	a := NewFuncAdapter("broken", func(context.Context, layerbridge.Task) (layerbridge.LayerResult, error) {
		return layerbridge.LayerResult{}, layerbridge.NewQuotaError("broken", "daily limit", nil)
	})
	res, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "hi"})
	if !layerbridge.IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if res.Success || res.ErrorCode != layerbridge.ErrCodeQuota || res.Remediation == "" {
		t.Errorf("failure fields not populated: %+v", res)
	}
}

func TestFuncAdapter_NilFunction(t *testing.T) {
	a := NewFuncAdapter("nil", nil)
	_, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "hi"})
	if layerbridge.CodeOf(err) != layerbridge.ErrCodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFuncAdapter_CanHandle(t *testing.T) {
	imageOnly := NewFuncAdapter("vision", nil, WithCapabilities(layerbridge.Capabilities{
		Kinds:     []layerbridge.TaskKind{layerbridge.KindAnalyze},
		FileTypes: []layerbridge.FileType{layerbridge.FileImage},
	}))
	tests := []struct {
		name string
		task layerbridge.Task
		want bool
	}{
		{"supported kind and file", layerbridge.Task{Kind: layerbridge.KindAnalyze, Files: []layerbridge.FileReference{{Path: "a.png"}}}, true},
		{"unsupported file", layerbridge.Task{Kind: layerbridge.KindAnalyze, Files: []layerbridge.FileReference{{Path: "a.mp3"}}}, false},
		{"unsupported kind", layerbridge.Task{Kind: layerbridge.KindSearch, Prompt: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := imageOnly.CanHandle(tt.task); got != tt.want {
				t.Errorf("CanHandle = %v, want %v", got, tt.want)
			}
		})
	}

	custom := NewFuncAdapter("custom", nil, WithCanHandle(func(task layerbridge.Task) bool { return task.Prompt == "yes" }))
	if !custom.CanHandle(layerbridge.Task{Prompt: "yes"}) || custom.CanHandle(layerbridge.Task{Prompt: "no"}) {
		t.Error("custom predicate not used")
	}
}

func TestFuncAdapter_InitializeUsesHealthCheck(t *testing.T) {
	down := errors.New("connection refused")
	a := NewFuncAdapter("remote", nil, WithAdapterOptions(WithHealthCheck(func(context.Context) error { return down })))
	if a.IsAvailable(context.Background()) {
		t.Fatal("adapter should be unavailable")
	}
	if err := a.Initialize(context.Background()); !errors.Is(err, down) {
		t.Errorf("expected health check error in chain, got %v", err)
	}
}
