// Package bridge is the application context of layerbridge. It constructs
// and owns the caches, the layer manager, the workflow orchestrator and the
// event bus, and tracks asynchronous workflow runs.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/adapters"
	"github.com/ZanzyTHEbar/layerbridge/internal/cache"
	"github.com/ZanzyTHEbar/layerbridge/internal/config"
	"github.com/ZanzyTHEbar/layerbridge/internal/eventbus"
	"github.com/ZanzyTHEbar/layerbridge/internal/executor"
	"github.com/ZanzyTHEbar/layerbridge/internal/intent"
	"github.com/ZanzyTHEbar/layerbridge/internal/layers"
	"github.com/ZanzyTHEbar/layerbridge/internal/workflows"
)

// Bridge is the main entry point into the runtime.
type Bridge struct {
	cfg    *config.Config
	logger *zap.Logger

	results      *cache.ResultCache
	auth         *cache.AuthCache
	manager      *layers.Manager
	orchestrator *executor.Orchestrator
	bus          *eventbus.ChannelEventBus

	runsMu sync.RWMutex
	runs   map[string]*asyncRun
	closed bool
	wg     sync.WaitGroup
	stop   chan struct{}
}

type options struct {
	logger   *zap.Logger
	verifier layerbridge.CredentialVerifier
	adapters []layerbridge.Adapter
	genkit   *genkit.Genkit
}

// Option configures a Bridge.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithVerifier replaces the environment credential verifier.
func WithVerifier(v layerbridge.CredentialVerifier) Option {
	return func(o *options) {
		o.verifier = v
	}
}

// WithAdapters registers the given adapters instead of the configured
// command line backends.
func WithAdapters(list ...layerbridge.Adapter) Option {
	return func(o *options) {
		o.adapters = append(o.adapters, list...)
	}
}

// WithGenkit reuses an initialized Genkit instance for the summary flow.
func WithGenkit(g *genkit.Genkit) Option {
	return func(o *options) {
		o.genkit = g
	}
}

// New builds a bridge from cfg. A nil cfg uses config.Default.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		cfg:    cfg,
		logger: o.logger,
		runs:   make(map[string]*asyncRun),
		stop:   make(chan struct{}),
	}
	b.bus = eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(cfg.Events.BufferSize),
		eventbus.WithWorkerCount(cfg.Events.Workers),
		eventbus.WithLogger(o.logger),
	)
	ready := false
	defer func() {
		if !ready {
			_ = b.bus.Close()
		}
	}()
	if _, err := b.bus.SubscribeAll(b.logEvent); err != nil {
		return nil, layerbridge.NewInternalError("initialization", "subscribe event logger", err)
	}

	if !cfg.Cache.Disabled {
		b.results = cache.NewResultCache(
			cache.WithTTL(cfg.Cache.TTL),
			cache.WithMaxEntries(cfg.Cache.MaxEntries),
			cache.WithSimilarityThreshold(cfg.Cache.SimilarityThreshold),
			cache.WithMetrics(cfg.Cache.Metrics),
		)
	}
	verifier := o.verifier
	if verifier == nil {
		verifier = NewEnvVerifier(credentialEnv(cfg.Layers))
	}
	authOpts := []cache.AuthOption{cache.WithAuthLogger(o.logger)}
	if cfg.Cache.Auth.FallbackTTL > 0 {
		authOpts = append(authOpts, cache.WithFallbackTTL(cfg.Cache.Auth.FallbackTTL))
	}
	for service, ttl := range cfg.Cache.Auth.TTLs {
		authOpts = append(authOpts, cache.WithServiceTTL(layerbridge.LayerName(service), ttl))
	}
	b.auth = cache.NewAuthCache(verifier, authOpts...)

	b.manager = layers.NewManager(
		layers.WithClassifier(intent.NewKeywordClassifier()),
		layers.WithResultCache(b.results),
		layers.WithAuthCache(b.auth),
		layers.WithRetryPolicy(layers.RetryPolicy{Attempts: cfg.Layers.Retry.Attempts, Delay: cfg.Layers.Retry.Delay}),
		layers.WithTimeoutPolicy(cfg.Layers.Timeouts.Policy()),
		layers.WithLogger(o.logger.Named("layers")),
		layers.WithEventBus(b.bus),
	)
	if len(o.adapters) > 0 {
		for _, a := range o.adapters {
			if err := b.manager.RegisterAdapter(a); err != nil {
				return nil, err
			}
		}
	} else if err := b.registerBackends(); err != nil {
		return nil, err
	}

	summarizer, err := b.summarizer(ctx, o.genkit)
	if err != nil {
		return nil, err
	}
	b.orchestrator = executor.NewOrchestrator(b.manager,
		executor.WithMaxWorkers(cfg.Workflows.MaxWorkers),
		executor.WithSummarizer(summarizer),
		executor.WithEventBus(b.bus),
		executor.WithLogger(o.logger.Named("executor")),
	)

	ready = true
	if cfg.Workflows.AsyncRetention > 0 {
		b.wg.Add(1)
		go b.janitor(cfg.Workflows.AsyncRetention)
	}
	b.logger.Info("bridge ready",
		zap.Strings("layers", layerNames(b.manager.Layers())),
		zap.String("summary", cfg.Workflows.Summary),
		zap.Bool("result_cache", b.results != nil))
	return b, nil
}

// registerBackends registers lazily built adapters for every enabled layer.
func (b *Bridge) registerBackends() error {
	l := b.cfg.Layers
	common := []adapters.Option{
		adapters.WithVerifier(b.auth),
		adapters.WithLogger(b.logger.Named("adapters")),
		adapters.WithTimeoutPolicy(l.Timeouts.Policy()),
	}
	if !l.Reasoning.Disabled {
		rc := cliConfig(l.Reasoning)
		if err := b.manager.Register(layerbridge.LayerReasoning, func() (layerbridge.Adapter, error) {
			return adapters.NewReasoningAdapter(rc, common...), nil
		}); err != nil {
			return err
		}
	}
	if !l.Search.Disabled {
		sc := cliConfig(l.Search)
		if err := b.manager.Register(layerbridge.LayerSearch, func() (layerbridge.Adapter, error) {
			return adapters.NewSearchAdapter(sc, common...), nil
		}); err != nil {
			return err
		}
	}
	if !l.Multimodal.Disabled {
		m := l.Multimodal
		mc := adapters.MultimodalConfig{
			Binary:            m.Binary,
			Args:              m.Args,
			Model:             m.Model,
			PoolSize:          m.PoolSize,
			ProcessLifetime:   m.ProcessLifetime,
			CostPerFile:       m.CostPerFile,
			CostPerGeneration: m.CostPerGeneration,
		}
		media := adapters.NewMediaStore(l.MediaDir)
		if err := b.manager.Register(layerbridge.LayerMultimodal, func() (layerbridge.Adapter, error) {
			return adapters.NewMultimodalAdapter(mc, media, common...), nil
		}); err != nil {
			return err
		}
	}
	if len(b.manager.Layers()) == 0 {
		return layerbridge.NewConfigurationError("every layer is disabled", nil)
	}
	return nil
}

func cliConfig(c config.CLIBackendConfig) adapters.CLIConfig {
	return adapters.CLIConfig{
		Binary:          c.Binary,
		Model:           c.Model,
		ExtraArgs:       c.Args,
		CostPer1KTokens: c.CostPer1KTokens,
	}
}

func credentialEnv(l config.LayersConfig) map[layerbridge.LayerName][]string {
	return map[layerbridge.LayerName][]string{
		layerbridge.LayerReasoning:  l.Reasoning.CredentialEnv,
		layerbridge.LayerSearch:     l.Search.CredentialEnv,
		layerbridge.LayerMultimodal: l.Multimodal.CredentialEnv,
	}
}

// summarizer picks the workflow summarizer for the configured mode. A nil
// summarizer makes the orchestrator use its text summary.
func (b *Bridge) summarizer(ctx context.Context, g *genkit.Genkit) (layerbridge.Summarizer, error) {
	switch b.cfg.Workflows.Summary {
	case config.SummaryLayer:
		var layer layerbridge.LayerName
		for _, name := range b.manager.Layers() {
			if name == layerbridge.LayerReasoning {
				layer = name
			}
		}
		return executor.NewLayerSummarizer(b.manager, layer), nil
	case config.SummaryFlow:
		if g == nil {
			var err error
			g, err = genkit.Init(ctx)
			if err != nil {
				return nil, layerbridge.NewConfigurationError("genkit initialization failed", err)
			}
		}
		return adapters.NewGenkitSummarizer(defineSummaryFlow(g)), nil
	}
	return nil, nil
}

// ExecuteTask routes a single task through the layer manager.
func (b *Bridge) ExecuteTask(ctx context.Context, task layerbridge.Task) layerbridge.LayerResult {
	return b.manager.Execute(ctx, task)
}

// RunWorkflow validates and runs def, blocking until it finishes.
func (b *Bridge) RunWorkflow(ctx context.Context, def *layerbridge.WorkflowDefinition) (*layerbridge.WorkflowResult, error) {
	return b.orchestrator.Run(ctx, def)
}

// BuildRequest selects one of the workflow builders.
type BuildRequest struct {
	// Kind is analysis, generation or conversion.
	Kind    string                      `json:"kind"`
	Prompt  string                      `json:"prompt,omitempty"`
	Files   []layerbridge.FileReference `json:"files,omitempty"`
	Media   string                      `json:"media,omitempty"`
	From    string                      `json:"from,omitempty"`
	To      string                      `json:"to,omitempty"`
	Options workflows.Options           `json:"options"`
}

// Build turns req into a ready-to-run plan.
func (b *Bridge) Build(req BuildRequest) (*workflows.Plan, error) {
	files := make([]layerbridge.FileReference, len(req.Files))
	for i, f := range req.Files {
		if f.Type == "" {
			f.Type = f.ResolvedType()
		}
		files[i] = f
	}
	switch req.Kind {
	case "analysis", "analyze":
		return workflows.BuildAnalysis(files, req.Prompt, req.Options)
	case "generation", "generate":
		return workflows.BuildGeneration(req.Prompt, req.Media, req.Options)
	case "conversion", "convert":
		return workflows.BuildConversion(files, req.From, req.To, req.Options)
	}
	return nil, layerbridge.NewValidationError("build",
		fmt.Sprintf("unknown workflow kind %q (want analysis, generation or conversion)", req.Kind), nil)
}

// Layers reports every registered layer, initializing each one.
func (b *Bridge) Layers(ctx context.Context) []layers.LayerStatus {
	return b.manager.Status(ctx)
}

// ClearCaches drops every cached result and credential status.
func (b *Bridge) ClearCaches() {
	if b.results != nil {
		b.results.Clear()
	}
	b.auth.InvalidateAll()
	b.logger.Info("caches cleared")
}

// RefreshCredentials re-verifies service, or every registered layer when
// service is empty.
func (b *Bridge) RefreshCredentials(ctx context.Context, service layerbridge.LayerName) (map[layerbridge.LayerName]layerbridge.AuthStatus, error) {
	names := b.manager.Layers()
	if service != "" {
		if !service.Valid() {
			return nil, layerbridge.NewValidationError("credentials", fmt.Sprintf("unknown layer %q", service), nil)
		}
		names = []layerbridge.LayerName{service}
	}
	out := make(map[layerbridge.LayerName]layerbridge.AuthStatus, len(names))
	for _, name := range names {
		out[name] = b.auth.Refresh(ctx, name)
	}
	return out, nil
}

// Status is a snapshot of the runtime.
type Status struct {
	Layers      []layers.LayerStatus         `json:"layers"`
	ResultCache *cache.ResultCacheStats      `json:"result_cache,omitempty"`
	Workflows   executor.OrchestratorMetrics `json:"workflows"`
	ActiveRuns  int                          `json:"active_runs"`
}

// Status reports layer availability, cache counters and run metrics.
func (b *Bridge) Status(ctx context.Context) Status {
	st := Status{
		Layers:    b.manager.Status(ctx),
		Workflows: b.orchestrator.Metrics(),
	}
	if b.results != nil {
		stats := b.results.Stats()
		st.ResultCache = &stats
	}
	for _, r := range b.Runs() {
		if r.State == RunRunning {
			st.ActiveRuns++
		}
	}
	return st
}

// Events returns the bus carrying workflow, step and layer events.
func (b *Bridge) Events() eventbus.EventBus {
	return b.bus
}

// Close cancels running workflows and releases adapters and the bus.
func (b *Bridge) Close() error {
	b.runsMu.Lock()
	if b.closed {
		b.runsMu.Unlock()
		return nil
	}
	b.closed = true
	for _, r := range b.runs {
		r.cancel()
	}
	close(b.stop)
	b.runsMu.Unlock()

	b.wg.Wait()
	err := multierr.Append(b.manager.Close(), b.bus.Close())
	b.logger.Info("bridge closed")
	return err
}

func (b *Bridge) logEvent(_ context.Context, e eventbus.Event) error {
	b.logger.Debug("event",
		zap.String("type", string(e.Type())),
		zap.String("source", e.Source()),
		zap.Any("payload", e.Payload()))
	return nil
}

func layerNames(names []layerbridge.LayerName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

func (b *Bridge) janitor(retention time.Duration) {
	defer b.wg.Done()
	interval := retention / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if n := b.CleanupRuns(retention); n > 0 {
				b.logger.Debug("removed finished runs", zap.Int("count", n))
			}
		}
	}
}
