package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/adapters"
	"github.com/ZanzyTHEbar/layerbridge/internal/config"
	"github.com/ZanzyTHEbar/layerbridge/pkg/bridge"
)

// newTestServer serves a bridge whose only backend echoes prompts.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Workflows.Summary = config.SummaryText
	cfg.Workflows.AsyncRetention = 0
	cfg.Layers.Retry.Delay = 0

	echo := adapters.NewFuncAdapter(layerbridge.LayerReasoning,
		func(ctx context.Context, task layerbridge.Task) (layerbridge.LayerResult, error) {
			return layerbridge.LayerResult{Success: true, Data: "echo: " + task.Prompt}, nil
		})
	b, err := bridge.New(context.Background(), cfg, bridge.WithAdapters(echo))
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	ts := httptest.NewServer(NewHandler(b, nil, zap.NewNop()).Router())
	t.Cleanup(func() {
		ts.Close()
		_ = b.Close()
	})
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	var raw []byte
	if s, ok := body.(string); ok {
		raw = []byte(s)
	} else {
		raw, _ = json.Marshal(body)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	resp := getJSON(t, ts, "/api/health")
	var body map[string]string
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestExecuteTask(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"query", map[string]interface{}{"kind": "query", "prompt": "hello"}, http.StatusOK, ""},
		{"with timeout", map[string]interface{}{"kind": "query", "prompt": "hi", "timeout": "30s"}, http.StatusOK, ""},
		{"unknown kind", map[string]interface{}{"kind": "dance", "prompt": "x"}, http.StatusBadRequest, layerbridge.ErrCodeValidation},
		{"bad timeout", map[string]interface{}{"kind": "query", "prompt": "x", "timeout": "soon"}, http.StatusBadRequest, layerbridge.ErrCodeValidation},
		{"unknown field", `{"kind":"query","prompt":"x","colour":"red"}`, http.StatusBadRequest, layerbridge.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts, "/api/tasks", tt.body)
			var body map[string]interface{}
			decodeJSON(t, resp, &body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantCode == "" {
				if body["success"] != true {
					t.Errorf("body = %v", body)
				}
				return
			}
			code := body["code"]
			if code == nil {
				code = body["error_code"]
			}
			if code != tt.wantCode {
				t.Errorf("code = %v, want %s (%v)", code, tt.wantCode, body)
			}
		})
	}
}

func TestRunWorkflow_Sources(t *testing.T) {
	ts := newTestServer(t)

	definition := map[string]interface{}{
		"id": "pair",
		"steps": []map[string]interface{}{
			{"id": "a", "action": "query", "input": map[string]interface{}{"prompt": "first"}},
			{"id": "b", "action": "query", "input": map[string]interface{}{"prompt": "then {{a}}"}, "depends_on": []string{"a"}},
		},
	}
	yamlDef := "id: single\nsteps:\n  - id: only\n    action: query\n    input:\n      prompt: alone\n"

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantStep   string
		wantText   string
	}{
		{"json definition", map[string]interface{}{"definition": definition}, http.StatusOK, "b", "echo: then echo: first"},
		{"yaml definition", map[string]interface{}{"yaml": yamlDef}, http.StatusOK, "only", "echo: alone"},
		{"builder", map[string]interface{}{"build": map[string]interface{}{
			"kind": "analysis", "prompt": "review", "files": []map[string]string{{"path": "notes.md"}},
		}}, http.StatusOK, "analyze", ""},
		{"no source", map[string]interface{}{}, http.StatusBadRequest, "", ""},
		{"two sources", map[string]interface{}{"definition": definition, "yaml": yamlDef}, http.StatusBadRequest, "", ""},
		{"cycle", map[string]interface{}{"yaml": "id: c\nsteps:\n  - id: a\n    action: query\n    depends_on: [a]\n"}, http.StatusBadRequest, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts, "/api/workflows", tt.body)
			var body struct {
				Success bool                               `json:"success"`
				Results map[string]layerbridge.LayerResult `json:"results"`
				Error   string                             `json:"error"`
				Code    string                             `json:"code"`
			}
			decodeJSON(t, resp, &body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%+v)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantStatus != http.StatusOK {
				if body.Code != layerbridge.ErrCodeValidation {
					t.Errorf("code = %s", body.Code)
				}
				return
			}
			if !body.Success {
				t.Fatalf("workflow failed: %s", body.Error)
			}
			res, ok := body.Results[tt.wantStep]
			if !ok {
				t.Fatalf("no result for %s: %+v", tt.wantStep, body.Results)
			}
			if tt.wantText != "" && res.Text() != tt.wantText {
				t.Errorf("%s = %q, want %q", tt.wantStep, res.Text(), tt.wantText)
			}
		})
	}
}

func TestAsyncWorkflow(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows", map[string]interface{}{
		"async": true,
		"build": map[string]interface{}{"kind": "generation", "prompt": "a red kite", "media": "image"},
	})
	var started struct {
		RunID    string                 `json:"run_id"`
		Estimate map[string]interface{} `json:"estimate"`
	}
	decodeJSON(t, resp, &started)
	if resp.StatusCode != http.StatusAccepted || started.RunID == "" {
		t.Fatalf("start = %d %+v", resp.StatusCode, started)
	}
	if resp.Header.Get("Location") != "/api/runs/"+started.RunID {
		t.Errorf("location = %s", resp.Header.Get("Location"))
	}
	if started.Estimate["complexity"] == nil {
		t.Errorf("estimate missing: %+v", started.Estimate)
	}

	deadline := time.Now().Add(5 * time.Second)
	var status bridge.RunStatus
	for {
		decodeJSON(t, getJSON(t, ts, "/api/runs/"+started.RunID), &status)
		if status.State.Finished() || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !status.State.Finished() {
		t.Fatalf("run still %s", status.State)
	}

	resp = getJSON(t, ts, "/api/runs/"+started.RunID+"/result")
	var result layerbridge.WorkflowResult
	decodeJSON(t, resp, &result)
	if resp.StatusCode != http.StatusOK || result.RunID != started.RunID {
		t.Errorf("result = %d %+v", resp.StatusCode, result)
	}

	var runs []bridge.RunStatus
	decodeJSON(t, getJSON(t, ts, "/api/runs"), &runs)
	if len(runs) != 1 {
		t.Errorf("runs = %+v", runs)
	}

	resp = deleteReq(t, ts, "/api/runs/"+started.RunID)
	var cancelled map[string]interface{}
	decodeJSON(t, resp, &cancelled)
	if cancelled["cancelled"] != false {
		t.Errorf("cancel finished run = %v", cancelled)
	}
}

func TestRunNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/runs/missing", "/api/runs/missing/result"} {
		resp := getJSON(t, ts, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
	resp := deleteReq(t, ts, "/api/runs/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE = %d, want 404", resp.StatusCode)
	}
}

func TestLayersCacheAndCredentials(t *testing.T) {
	ts := newTestServer(t)

	var layers []map[string]interface{}
	decodeJSON(t, getJSON(t, ts, "/api/layers"), &layers)
	if len(layers) != 1 || layers[0]["name"] != "reasoning" || layers[0]["available"] != true {
		t.Errorf("layers = %v", layers)
	}

	resp := deleteReq(t, ts, "/api/cache")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear cache = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts, "/api/credentials/refresh?service=vision", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("refresh unknown = %d", resp.StatusCode)
	}

	var conversions map[string][]string
	decodeJSON(t, getJSON(t, ts, "/api/conversions"), &conversions)
	if len(conversions["markdown"]) == 0 {
		t.Errorf("conversions = %v", conversions)
	}
}

func TestStatusForCode(t *testing.T) {
	tests := map[string]int{
		layerbridge.ErrCodeValidation:     http.StatusBadRequest,
		layerbridge.ErrCodeAuthentication: http.StatusUnauthorized,
		layerbridge.ErrCodeQuota:          http.StatusTooManyRequests,
		layerbridge.ErrCodeTimeout:        http.StatusGatewayTimeout,
		layerbridge.ErrCodeUnavailable:    http.StatusServiceUnavailable,
		layerbridge.ErrCodeTransient:      http.StatusBadGateway,
		layerbridge.ErrCodeInternal:       http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := statusForCode(code); got != want {
			t.Errorf("statusForCode(%s) = %d, want %d", code, got, want)
		}
	}
}
