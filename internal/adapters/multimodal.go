package adapters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/procexec"
)

// MultimodalConfig describes the persistent multimodal backend.
type MultimodalConfig struct {
	Binary string
	Args   []string
	Env    []string
	Model  string
	// PoolSize bounds concurrently running backend processes.
	PoolSize int
	// ProcessLifetime recycles a process after this long.
	ProcessLifetime time.Duration
	// CostPerFile and CostPerGeneration feed the selection estimate.
	CostPerFile       float64
	CostPerGeneration float64
	Latency           time.Duration
	GracePeriod       time.Duration
}

type executeParams struct {
	Kind    layerbridge.TaskKind        `json:"kind"`
	Prompt  string                      `json:"prompt"`
	Files   []layerbridge.FileReference `json:"files,omitempty"`
	Options map[string]interface{}      `json:"options,omitempty"`
	Model   string                      `json:"model,omitempty"`
}

type executeResult struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Media *struct {
		Data string `json:"data"` // base64
		Mime string `json:"mime"`
		Path string `json:"path"`
	} `json:"media"`
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// MultimodalAdapter talks to long-lived backend processes over the line protocol.
type MultimodalAdapter struct {
	base
	cfg   MultimodalConfig
	pool  *Pool
	media *MediaStore
}

// NewMultimodalAdapter creates the adapter. Generated media is written to media.
func NewMultimodalAdapter(cfg MultimodalConfig, media *MediaStore, opts ...Option) *MultimodalAdapter {
	s := newSettings(opts)
	if s.healthCheck == nil {
		s.healthCheck = lookPathCheck(cfg.Binary)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.ProcessLifetime <= 0 {
		cfg.ProcessLifetime = 10 * time.Minute
	}
	if cfg.Latency <= 0 {
		cfg.Latency = 20 * time.Second
	}
	a := &MultimodalAdapter{
		base:  base{settings: s, name: layerbridge.LayerMultimodal},
		cfg:   cfg,
		media: media,
	}
	a.pool = NewPool(a.spawnProcess, cfg.PoolSize, cfg.ProcessLifetime)
	return a
}

// WithSpawn replaces how backend processes are started; used by tests and
// embedders that host the backend in-process.
func (a *MultimodalAdapter) WithSpawn(spawn SpawnFunc) *MultimodalAdapter {
	a.pool.Close()
	a.pool = NewPool(spawn, a.cfg.PoolSize, a.cfg.ProcessLifetime)
	return a
}

func (a *MultimodalAdapter) spawnProcess(context.Context) (*Worker, error) {
	proc, err := procexec.Start(procexec.Command{
		Path:        a.cfg.Binary,
		Args:        a.cfg.Args,
		Env:         a.cfg.Env,
		GracePeriod: a.cfg.GracePeriod,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("multimodal process started", zap.String("binary", a.cfg.Binary))
	return NewWorker(NewSession(proc.Stdout, proc.Stdin), proc.Stop, func() bool { return !proc.Exited() }), nil
}

// Capabilities implements layerbridge.Adapter.
func (a *MultimodalAdapter) Capabilities() layerbridge.Capabilities {
	return layerbridge.Capabilities{
		Kinds: []layerbridge.TaskKind{
			layerbridge.KindAnalyze, layerbridge.KindExtract, layerbridge.KindTranscribe,
			layerbridge.KindConvert, layerbridge.KindQuery, layerbridge.KindSummarize,
			layerbridge.KindGenerateImage, layerbridge.KindGenerateAudio, layerbridge.KindGenerateVideo,
		},
		FileTypes: []layerbridge.FileType{
			layerbridge.FileText, layerbridge.FileImage, layerbridge.FileAudio,
			layerbridge.FileVideo, layerbridge.FileDocument,
		},
		Description: "file understanding and media generation",
	}
}

// CanHandle implements layerbridge.Adapter. Plain text questions without files
// belong to the text backends unless the prompt asks for media.
func (a *MultimodalAdapter) CanHandle(task layerbridge.Task) bool {
	if !a.Capabilities().Supports(task.Kind) {
		return false
	}
	switch task.Kind {
	case layerbridge.KindQuery, layerbridge.KindSummarize:
		return task.HasFiles() || a.requestedGeneration(task) != ""
	case layerbridge.KindConvert:
		return task.HasFiles()
	}
	return true
}

// requestedGeneration returns the generation kind a file-less query or
// summarize prompt asks for, or "".
func (a *MultimodalAdapter) requestedGeneration(task layerbridge.Task) layerbridge.TaskKind {
	if task.HasFiles() || (task.Kind != layerbridge.KindQuery && task.Kind != layerbridge.KindSummarize) {
		return ""
	}
	in := a.classifier.Classify(task.Prompt)
	if !in.Generation {
		return ""
	}
	return layerbridge.GenerationKindFor(in.MediaKind)
}

// Cost implements layerbridge.Adapter.
func (a *MultimodalAdapter) Cost(task layerbridge.Task) float64 {
	if k := a.requestedGeneration(task); k != "" {
		task.Kind = k
	}
	c := float64(len(task.Files)) * a.cfg.CostPerFile
	if task.Kind.IsGeneration() {
		c += a.cfg.CostPerGeneration
	}
	return c
}

// EstimatedDuration implements layerbridge.Adapter.
func (a *MultimodalAdapter) EstimatedDuration(task layerbridge.Task) time.Duration {
	if k := a.requestedGeneration(task); k != "" {
		task.Kind = k
	}
	d := a.cfg.Latency + time.Duration(len(task.Files))*5*time.Second
	if task.Kind == layerbridge.KindGenerateVideo {
		d += 2 * time.Minute
	}
	return d
}

// Close stops all idle backend processes.
func (a *MultimodalAdapter) Close() {
	a.pool.Close()
}

// PoolStats exposes process pool occupancy.
func (a *MultimodalAdapter) PoolStats() PoolStats {
	return a.pool.Stats()
}

// Execute implements layerbridge.Adapter.
func (a *MultimodalAdapter) Execute(ctx context.Context, task layerbridge.Task) (layerbridge.LayerResult, error) {
	start := time.Now()
	if k := a.requestedGeneration(task); k != "" {
		a.logger.Debug("prompt asks for media", zap.String("from", string(task.Kind)), zap.String("to", string(k)))
		task.Kind = k
	}
	timeout := a.timeouts.For(task)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(err *layerbridge.LayerError) (layerbridge.LayerResult, error) {
		a.afterFailure(err)
		res := layerbridge.FailureResult(a.name, err)
		res.Metadata.Duration = time.Since(start)
		return res, err
	}

	w, err := a.pool.Acquire(callCtx)
	if err != nil {
		return fail(classifyRunError(ctx, a.name, err))
	}

	model := a.cfg.Model
	if m := task.StringOption("model"); m != "" {
		model = m
	}
	files := make([]layerbridge.FileReference, len(task.Files))
	for i, f := range task.Files {
		f.Type = f.ResolvedType()
		files[i] = f
	}
	raw, err := w.Session.Call(callCtx, "execute", executeParams{
		Kind:    task.Kind,
		Prompt:  task.Prompt,
		Files:   files,
		Options: task.Options,
		Model:   model,
	})
	var rpcErr *RPCError
	a.pool.Release(w, err == nil || errors.As(err, &rpcErr))
	if err != nil {
		if rpcErr != nil {
			return fail(classifyMessage(a.name, rpcErr.Error(), nil))
		}
		return fail(classifyRunError(ctx, a.name, err))
	}

	var out executeResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return fail(layerbridge.NewTransientError(a.name, "malformed backend response", err))
	}
	if out.Model != "" {
		model = out.Model
	}
	meta := layerbridge.ResultMetadata{
		Layer:      a.name,
		Model:      model,
		TokensUsed: out.Tokens,
		Cost:       out.Cost,
	}

	var data interface{} = out.Text
	if task.Kind.IsGeneration() {
		path, lerr := a.storeMedia(task, out)
		if lerr != nil {
			return fail(lerr)
		}
		meta.MediaPath = path
		data = path
	}
	meta.Duration = time.Since(start)
	return layerbridge.LayerResult{Success: true, Data: data, Metadata: meta}, nil
}

// storeMedia persists generated media. The returned path is never empty on success.
func (a *MultimodalAdapter) storeMedia(task layerbridge.Task, out executeResult) (string, *layerbridge.LayerError) {
	if out.Media == nil {
		return "", layerbridge.NewTransientError(a.name, "generation returned no media", nil)
	}
	if out.Media.Path != "" && out.Media.Data == "" {
		return out.Media.Path, nil
	}
	if a.media == nil {
		return "", layerbridge.NewConfigurationError("media directory is not configured", nil)
	}
	data, err := base64.StdEncoding.DecodeString(out.Media.Data)
	if err != nil {
		return "", layerbridge.NewTransientError(a.name, "media payload is not valid base64", err)
	}
	path, err := a.media.Save(task.Kind.MediaKind(), out.Media.Mime, data)
	if err != nil {
		return "", layerbridge.NewInternalError("media", "failed to store generated media", err)
	}
	a.logger.Info("media stored",
		zap.String("kind", task.Kind.MediaKind()),
		zap.String("path", path),
		zap.Int("bytes", len(data)))
	return path, nil
}
