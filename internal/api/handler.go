// Package api exposes the bridge over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/executor"
	"github.com/ZanzyTHEbar/layerbridge/internal/workflows"
	"github.com/ZanzyTHEbar/layerbridge/pkg/bridge"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	bridge      *bridge.Bridge
	logger      *zap.Logger
	corsOrigins []string
	started     time.Time
}

// NewHandler creates a new API handler. Empty origins allow any origin.
func NewHandler(b *bridge.Bridge, corsOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return &Handler{bridge: b, logger: logger, corsOrigins: corsOrigins, started: time.Now()}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.status)
		r.Get("/layers", h.listLayers)
		r.Post("/tasks", h.executeTask)

		r.Post("/plans", h.buildPlan)
		r.Post("/workflows", h.runWorkflow)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Get("/runs/{id}/result", h.getRunResult)
		r.Delete("/runs/{id}", h.cancelRun)

		r.Delete("/cache", h.clearCache)
		r.Post("/credentials/refresh", h.refreshCredentials)
		r.Get("/conversions", h.listConversions)
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bridge.Status(r.Context()))
}

func (h *Handler) listLayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bridge.Layers(r.Context()))
}

type taskRequest struct {
	Kind    layerbridge.TaskKind        `json:"kind"`
	Prompt  string                      `json:"prompt"`
	Files   []layerbridge.FileReference `json:"files,omitempty"`
	Options map[string]interface{}      `json:"options,omitempty"`
	Layer   layerbridge.LayerName       `json:"layer,omitempty"`
	// Timeout is a Go duration string such as "90s".
	Timeout string `json:"timeout,omitempty"`
}

func (h *Handler) executeTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decode(w, r, &req) {
		return
	}
	task := layerbridge.Task{
		Kind:    req.Kind,
		Prompt:  req.Prompt,
		Files:   req.Files,
		Options: req.Options,
		Layer:   req.Layer,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			writeError(w, layerbridge.NewValidationError("request", "invalid timeout "+req.Timeout, err))
			return
		}
		task.Timeout = d
	}
	res := h.bridge.ExecuteTask(r.Context(), task)
	status := http.StatusOK
	if !res.Success {
		status = statusForCode(res.ErrorCode)
	}
	writeJSON(w, status, res)
}

type workflowRequest struct {
	// Definition is a JSON workflow definition.
	Definition json.RawMessage `json:"definition,omitempty"`
	// YAML is a workflow definition in YAML.
	YAML  string               `json:"yaml,omitempty"`
	Build *bridge.BuildRequest `json:"build,omitempty"`
	// Async starts the run in the background and returns its id.
	Async bool `json:"async,omitempty"`
}

type workflowResponse struct {
	*layerbridge.WorkflowResult
	Estimate *workflows.Estimate `json:"estimate,omitempty"`
}

func (h *Handler) buildPlan(w http.ResponseWriter, r *http.Request) {
	var req bridge.BuildRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := h.bridge.Build(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) runWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !decode(w, r, &req) {
		return
	}
	def, estimate, err := h.definition(req)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Async {
		id, err := h.bridge.StartWorkflow(r.Context(), def)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/api/runs/"+id)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"run_id": id, "estimate": estimate})
		return
	}

	res, err := h.bridge.RunWorkflow(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{WorkflowResult: res, Estimate: estimate})
}

// definition resolves exactly one of the request's definition sources.
func (h *Handler) definition(req workflowRequest) (*layerbridge.WorkflowDefinition, *workflows.Estimate, error) {
	sources := 0
	for _, set := range []bool{len(req.Definition) > 0, req.YAML != "", req.Build != nil} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, nil, layerbridge.NewValidationError("request", "provide exactly one of definition, yaml or build", nil)
	}
	switch {
	case req.Build != nil:
		plan, err := h.bridge.Build(*req.Build)
		if err != nil {
			return nil, nil, err
		}
		return plan.Definition, &plan.Estimate, nil
	case req.YAML != "":
		def, err := executor.ParseDefinition([]byte(req.YAML), "yaml")
		return def, nil, err
	}
	def, err := executor.ParseDefinition(req.Definition, "json")
	return def, nil, err
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bridge.Runs())
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	st, err := h.bridge.RunStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) getRunResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.bridge.RunResult(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := h.bridge.CancelRun(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": id, "cancelled": cancelled})
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.bridge.ClearCaches()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refreshCredentials(w http.ResponseWriter, r *http.Request) {
	service := layerbridge.LayerName(strings.TrimSpace(r.URL.Query().Get("service")))
	out, err := h.bridge.RefreshCredentials(r.Context(), service)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listConversions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, workflows.Conversions())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, layerbridge.NewValidationError("request", "invalid request body", err))
		return false
	}
	return true
}

// statusForCode maps error codes onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case layerbridge.ErrCodeValidation:
		return http.StatusBadRequest
	case layerbridge.ErrCodeAuthentication:
		return http.StatusUnauthorized
	case layerbridge.ErrCodeQuota:
		return http.StatusTooManyRequests
	case layerbridge.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case layerbridge.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case layerbridge.ErrCodeCancelled:
		return 499
	case layerbridge.ErrCodeTransient:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForCode(layerbridge.CodeOf(err))
	switch {
	case errors.Is(err, bridge.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bridge.ErrRunInProgress):
		status = http.StatusConflict
	}
	body := map[string]string{"error": err.Error()}
	if layerbridge.IsLayerError(err) {
		body["code"] = layerbridge.CodeOf(err)
	}
	if rem := layerbridge.RemediationOf(err); rem != "" {
		body["remediation"] = rem
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
