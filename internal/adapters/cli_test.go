package adapters

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/procexec"
)

func noHealthCheck(context.Context) error { return nil }

type recordingRunner struct {
	mu    sync.Mutex
	calls []procexec.Command
	out   *procexec.Output
	err   error
	block bool
}

func (r *recordingRunner) run(ctx context.Context, cmd procexec.Command) (*procexec.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return &procexec.Output{ExitCode: -1}, ctx.Err()
	}
	return r.out, r.err
}

func TestReasoningAdapter_ParsesJSONEnvelope(t *testing.T) {
	a := NewReasoningAdapter(CLIConfig{Binary: "reasoner", Model: "base-model"}, WithHealthCheck(noHealthCheck))
	rr := &recordingRunner{out: &procexec.Output{
		Stdout:   []byte(`{"result":"forty-two","usage":{"input_tokens":3,"output_tokens":4},"total_cost_usd":0.01,"model":"big-model"}`),
		Duration: 50 * time.Millisecond,
	}}
	a.run = rr.run

	res, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "meaning of life"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Data != "forty-two" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Metadata.TokensUsed != 7 || res.Metadata.Cost != 0.01 || res.Metadata.Model != "big-model" {
		t.Errorf("unexpected metadata %+v", res.Metadata)
	}
	if res.Metadata.Layer != layerbridge.LayerReasoning {
		t.Errorf("expected reasoning layer, got %s", res.Metadata.Layer)
	}
	args := strings.Join(rr.calls[0].Args, " ")
	if !strings.Contains(args, "--model base-model") || !strings.Contains(args, "-p meaning of life") {
		t.Errorf("unexpected args %q", args)
	}
}

func TestReasoningAdapter_PlainTextFallback(t *testing.T) {
	a := NewReasoningAdapter(CLIConfig{Binary: "reasoner"}, WithHealthCheck(noHealthCheck))
	a.run = (&recordingRunner{out: &procexec.Output{Stdout: []byte("just text\n")}}).run

	res, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Data != "just text" {
		t.Errorf("expected raw stdout, got %v", res.Data)
	}
}

func TestReasoningAdapter_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		out    *procexec.Output
		check  func(error) bool
		reason string
	}{
		{"quota", &procexec.Output{ExitCode: 1, Stderr: []byte("Error: 429 Too Many Requests")}, layerbridge.IsQuotaExceeded, "quota"},
		{"auth", &procexec.Output{ExitCode: 1, Stderr: []byte("Invalid API key. Please login")}, layerbridge.IsAuthentication, "auth"},
		{"transient", &procexec.Output{ExitCode: 2, Stderr: []byte("connection reset")}, layerbridge.IsRetryable, "transient"},
		{"is_error envelope", &procexec.Output{Stdout: []byte(`{"result":"rate limit reached","is_error":true}`)}, layerbridge.IsQuotaExceeded, "quota"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewReasoningAdapter(CLIConfig{Binary: "reasoner"}, WithHealthCheck(noHealthCheck))
			a.run = (&recordingRunner{out: tt.out}).run
			res, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "x"})
			if err == nil || !tt.check(err) {
				t.Fatalf("expected %s error, got %v", tt.reason, err)
			}
			if res.Success || res.ErrorCode == "" || res.Remediation == "" {
				t.Errorf("failure result incomplete: %+v", res)
			}
		})
	}
}

func TestReasoningAdapter_AuthFailureResetsReadiness(t *testing.T) {
	checks := 0
	a := NewReasoningAdapter(CLIConfig{Binary: "reasoner"}, WithHealthCheck(func(context.Context) error {
		checks++
		return nil
	}))
	a.run = (&recordingRunner{out: &procexec.Output{ExitCode: 1, Stderr: []byte("401 unauthorized")}}).run
	ctx := context.Background()

	if !a.IsAvailable(ctx) || !a.IsAvailable(ctx) {
		t.Fatal("adapter should be available")
	}
	if checks != 1 {
		t.Fatalf("Initialize should be idempotent, checked %d times", checks)
	}
	_, _ = a.Execute(ctx, layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "x"})
	a.IsAvailable(ctx)
	if checks != 2 {
		t.Errorf("authentication failure should force re-initialization, checked %d times", checks)
	}
}

func TestReasoningAdapter_Timeout(t *testing.T) {
	a := NewReasoningAdapter(CLIConfig{Binary: "reasoner"}, WithHealthCheck(noHealthCheck))
	a.run = (&recordingRunner{block: true}).run

	_, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "x", Timeout: 20 * time.Millisecond})
	if layerbridge.CodeOf(err) != layerbridge.ErrCodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestReasoningAdapter_CancelledByCaller(t *testing.T) {
	a := NewReasoningAdapter(CLIConfig{Binary: "reasoner"}, WithHealthCheck(noHealthCheck))
	a.run = (&recordingRunner{block: true}).run
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Execute(ctx, layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "x"})
	if layerbridge.CodeOf(err) != layerbridge.ErrCodeCancelled {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestReasoningAdapter_CanHandle(t *testing.T) {
	a := NewReasoningAdapter(CLIConfig{Binary: "reasoner"})
	if !a.CanHandle(layerbridge.Task{Kind: layerbridge.KindQuery, Prompt: "x"}) {
		t.Error("should handle plain queries")
	}
	if !a.CanHandle(layerbridge.Task{Kind: layerbridge.KindAnalyze, Files: []layerbridge.FileReference{{Path: "a.go"}}}) {
		t.Error("should handle text file analysis")
	}
	if a.CanHandle(layerbridge.Task{Kind: layerbridge.KindAnalyze, Files: []layerbridge.FileReference{{Path: "a.png"}}}) {
		t.Error("should not handle images")
	}
	if a.CanHandle(layerbridge.Task{Kind: layerbridge.KindGenerateImage, Prompt: "x"}) {
		t.Error("should not handle generation")
	}
}

func TestReasoningAdapter_UnavailableWhenBinaryMissing(t *testing.T) {
	a := NewReasoningAdapter(CLIConfig{Binary: "/nonexistent/reasoner-binary"})
	err := a.Initialize(context.Background())
	if layerbridge.CodeOf(err) != layerbridge.ErrCodeUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

type staticVerifier struct{ status layerbridge.AuthStatus }

func (v staticVerifier) Verify(context.Context, layerbridge.LayerName) layerbridge.AuthStatus {
	return v.status
}

func TestAdapter_InitializeRequiresCredentials(t *testing.T) {
	a := NewSearchAdapter(CLIConfig{Binary: "searcher"},
		WithHealthCheck(noHealthCheck),
		WithVerifier(staticVerifier{status: layerbridge.AuthStatus{Success: false, Error: "no key", ActionInstructions: "export SEARCH_API_KEY"}}))
	err := a.Initialize(context.Background())
	if !layerbridge.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if layerbridge.RemediationOf(err) != "export SEARCH_API_KEY" {
		t.Errorf("expected verifier instructions as remediation, got %q", layerbridge.RemediationOf(err))
	}
}

func TestSearchAdapter_ParsesSources(t *testing.T) {
	a := NewSearchAdapter(CLIConfig{Binary: "searcher", Model: "flash"}, WithHealthCheck(noHealthCheck))
	rr := &recordingRunner{out: &procexec.Output{Stdout: []byte(
		`{"response":"It is sunny.","sources":["https://a.example",{"url":"https://b.example","title":"B"},{"title":"C"}],"stats":{"tokens":12}}`,
	)}}
	a.run = rr.run

	res, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindSearch, Prompt: "weather today"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Data != "It is sunny." || !res.Metadata.Grounded || res.Metadata.TokensUsed != 12 {
		t.Errorf("unexpected result %+v", res)
	}
	want := []string{"https://a.example", "https://b.example", "C"}
	if strings.Join(res.Metadata.Sources, ",") != strings.Join(want, ",") {
		t.Errorf("sources = %v", res.Metadata.Sources)
	}
	if args := strings.Join(rr.calls[0].Args, " "); !strings.Contains(args, "-m flash") {
		t.Errorf("unexpected args %q", args)
	}
}

func TestSearchAdapter_ErrorEnvelope(t *testing.T) {
	a := NewSearchAdapter(CLIConfig{Binary: "searcher"}, WithHealthCheck(noHealthCheck))
	a.run = (&recordingRunner{out: &procexec.Output{Stdout: []byte(`{"error":{"message":"RESOURCE_EXHAUSTED"}}`)}}).run
	_, err := a.Execute(context.Background(), layerbridge.Task{Kind: layerbridge.KindSearch, Prompt: "x"})
	if !layerbridge.IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestComposePrompt(t *testing.T) {
	got := composePrompt(layerbridge.Task{
		Kind:    layerbridge.KindConvert,
		Prompt:  "# Title",
		Files:   []layerbridge.FileReference{{Path: "doc.md"}},
		Options: map[string]interface{}{"to": "html"},
	})
	if !strings.HasPrefix(got, "Convert the following to html.") || !strings.Contains(got, "- @doc.md") {
		t.Errorf("unexpected prompt %q", got)
	}
}
