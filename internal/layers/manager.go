// Package layers routes tasks to backend adapters: lazy construction,
// selection, retry, fallback and result caching.
package layers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/cache"
	"github.com/ZanzyTHEbar/layerbridge/internal/eventbus"
	"github.com/ZanzyTHEbar/layerbridge/internal/intent"
)

// Factory creates an adapter on first use.
type Factory func() (layerbridge.Adapter, error)

// RetryPolicy is a fixed attempt count with a fixed delay, applied per adapter.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy returns three attempts two seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 2 * time.Second}
}

// LayerStatus describes one registered layer.
type LayerStatus struct {
	Name         layerbridge.LayerName    `json:"name"`
	Available    bool                     `json:"available"`
	Capabilities layerbridge.Capabilities `json:"capabilities"`
	Error        string                   `json:"error,omitempty"`
	Remediation  string                   `json:"remediation,omitempty"`
}

// Manager owns the adapters and dispatches tasks to them.
type Manager struct {
	mu        sync.Mutex
	factories map[layerbridge.LayerName]Factory
	adapters  map[layerbridge.LayerName]layerbridge.Adapter
	order     []layerbridge.LayerName

	classifier layerbridge.IntentClassifier
	results    *cache.ResultCache
	auth       *cache.AuthCache
	retry      RetryPolicy
	timeouts   layerbridge.TimeoutPolicy
	logger     *zap.Logger
	bus        eventbus.EventBus
}

// Option configures a Manager.
type Option func(*Manager)

// WithClassifier sets the intent classifier used for selection.
func WithClassifier(c layerbridge.IntentClassifier) Option {
	return func(m *Manager) {
		if c != nil {
			m.classifier = c
		}
	}
}

// WithResultCache enables result caching for idempotent text tasks.
func WithResultCache(c *cache.ResultCache) Option {
	return func(m *Manager) {
		m.results = c
	}
}

// WithAuthCache sets the credential cache invalidated on authentication failures.
func WithAuthCache(c *cache.AuthCache) Option {
	return func(m *Manager) {
		m.auth = c
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) {
		m.retry = p
	}
}

// WithTimeoutPolicy overrides the timeout policy.
func WithTimeoutPolicy(p layerbridge.TimeoutPolicy) Option {
	return func(m *Manager) {
		m.timeouts = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventBus publishes layer events to bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		factories:  make(map[layerbridge.LayerName]Factory),
		adapters:   make(map[layerbridge.LayerName]layerbridge.Adapter),
		classifier: intent.NewKeywordClassifier(),
		retry:      DefaultRetryPolicy(),
		timeouts:   layerbridge.DefaultTimeoutPolicy(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retry.Attempts < 1 {
		m.retry.Attempts = 1
	}
	return m
}

// Register adds a lazily constructed adapter. Registering a name again
// replaces the factory and drops any adapter already built.
func (m *Manager) Register(name layerbridge.LayerName, factory Factory) error {
	if name == "" {
		return layerbridge.NewConfigurationError("layer name is required", nil)
	}
	if factory == nil {
		return layerbridge.NewConfigurationError(fmt.Sprintf("layer %s has no factory", name), nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.factories[name]; !exists {
		m.order = append(m.order, name)
	}
	m.factories[name] = factory
	delete(m.adapters, name)
	return nil
}

// RegisterAdapter adds an already constructed adapter.
func (m *Manager) RegisterAdapter(a layerbridge.Adapter) error {
	if a == nil {
		return layerbridge.NewConfigurationError("adapter is nil", nil)
	}
	return m.Register(a.Name(), func() (layerbridge.Adapter, error) { return a, nil })
}

// Layers returns the registered layer names in registration order.
func (m *Manager) Layers() []layerbridge.LayerName {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]layerbridge.LayerName(nil), m.order...)
}

// Adapter returns the adapter for name, constructing it on first use.
func (m *Manager) Adapter(name layerbridge.LayerName) (layerbridge.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[name]; ok {
		return a, nil
	}
	factory, ok := m.factories[name]
	if !ok {
		return nil, layerbridge.NewValidationError("selection", fmt.Sprintf("layer %q is not registered", name), nil)
	}
	a, err := factory()
	if err != nil {
		return nil, layerbridge.NewConfigurationError(fmt.Sprintf("failed to create layer %s", name), err)
	}
	m.adapters[name] = a
	return a, nil
}

// TimeoutFor returns the timeout applied to task.
func (m *Manager) TimeoutFor(task layerbridge.Task) time.Duration {
	return m.timeouts.For(task)
}

// Status initializes every layer concurrently and reports the outcome.
func (m *Manager) Status(ctx context.Context) []LayerStatus {
	names := m.Layers()
	out := make([]LayerStatus, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			out[i] = LayerStatus{Name: name}
			a, err := m.Adapter(name)
			if err == nil {
				out[i].Capabilities = a.Capabilities()
				err = a.Initialize(gctx)
			}
			if err != nil {
				out[i].Error = err.Error()
				out[i].Remediation = layerbridge.RemediationOf(err)
				return nil
			}
			out[i].Available = true
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Availability maps each layer to whether it is usable right now.
func (m *Manager) Availability(ctx context.Context) map[layerbridge.LayerName]bool {
	avail := make(map[layerbridge.LayerName]bool)
	for _, s := range m.Status(ctx) {
		avail[s.Name] = s.Available
	}
	return avail
}

// Close releases adapters that hold resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, a := range m.adapters {
		switch c := a.(type) {
		case interface{ Close() error }:
			if err := c.Close(); err != nil {
				m.logger.Warn("failed to close layer", zap.String("layer", string(name)), zap.Error(err))
			}
		case interface{ Close() }:
			c.Close()
		}
	}
	return nil
}

// Select returns the adapters able to run task, best first. An explicit
// task layer is exclusive.
func (m *Manager) Select(ctx context.Context, task layerbridge.Task) ([]layerbridge.Adapter, error) {
	if task.Layer != "" {
		a, err := m.Adapter(task.Layer)
		if err != nil {
			return nil, err
		}
		if !a.CanHandle(task) {
			return nil, layerbridge.NewValidationError("selection",
				fmt.Sprintf("layer %s cannot handle %s tasks with the given files", task.Layer, task.Kind), nil)
		}
		return []layerbridge.Adapter{a}, nil
	}

	in := m.classifier.Classify(task.Prompt)
	type candidate struct {
		adapter  layerbridge.Adapter
		score    int
		cost     float64
		duration time.Duration
	}
	var cands []candidate
	for _, name := range m.Layers() {
		a, err := m.Adapter(name)
		if err != nil {
			m.logger.Warn("skipping layer", zap.String("layer", string(name)), zap.Error(err))
			continue
		}
		if !a.CanHandle(task) {
			continue
		}
		cands = append(cands, candidate{
			adapter:  a,
			score:    priority(name, task, in),
			cost:     a.Cost(task),
			duration: a.EstimatedDuration(task),
		})
	}
	if len(cands) == 0 {
		return nil, layerbridge.NewValidationError("selection",
			fmt.Sprintf("no layer can handle %s tasks with the given files", task.Kind), nil)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		if a.duration != b.duration {
			return a.duration < b.duration
		}
		return a.adapter.Name() < b.adapter.Name()
	})
	out := make([]layerbridge.Adapter, len(cands))
	for i, c := range cands {
		out[i] = c.adapter
	}
	return out, nil
}

// priority scores the built-in layers from the task shape and prompt intent.
func priority(name layerbridge.LayerName, task layerbridge.Task, in layerbridge.Intent) int {
	generation := task.Kind.IsGeneration() || in.Generation
	switch name {
	case layerbridge.LayerMultimodal:
		if task.HasBinaryFiles() || generation {
			return 10
		}
	case layerbridge.LayerSearch:
		if task.Kind == layerbridge.KindSearch || in.CurrentInfo {
			return 10
		}
	case layerbridge.LayerReasoning:
		if !task.HasBinaryFiles() && !generation {
			return 5
		}
	}
	return 0
}

// timeoutShape returns task as the timeout policy should see it: a file-less
// prompt asking for media is timed like the generation it becomes.
func timeoutShape(task layerbridge.Task, in layerbridge.Intent) layerbridge.Task {
	if !in.Generation || task.HasFiles() {
		return task
	}
	if task.Kind == layerbridge.KindQuery || task.Kind == layerbridge.KindSummarize {
		if k := layerbridge.GenerationKindFor(in.MediaKind); k != "" {
			task.Kind = k
		}
	}
	return task
}

// Execute runs task on the best layer, retrying and falling back as needed.
// It never returns an error: failures are reported in the result.
func (m *Manager) Execute(ctx context.Context, task layerbridge.Task) layerbridge.LayerResult {
	start := time.Now()
	if err := task.Validate(); err != nil {
		return m.failure(task.Layer, err, start)
	}
	in := m.classifier.Classify(task.Prompt)
	if task.Timeout == 0 {
		task.Timeout = m.timeouts.For(timeoutShape(task, in))
	}

	candidates, err := m.Select(ctx, task)
	if err != nil {
		return m.failure(task.Layer, err, start)
	}

	cacheable := m.results != nil && task.Kind.Cacheable() && !task.HasFiles() && !in.Generation && !task.BoolOption("no_cache")
	if cacheable {
		if res, ok := m.fromCache(ctx, task, candidates, start); ok {
			return res
		}
	}

	var (
		attempts  int
		tried     []layerbridge.LayerName
		errs      []string
		lastErr   error
		lastLayer layerbridge.LayerName
	)
	for i, a := range candidates {
		name := a.Name()
		if i > 0 {
			m.emit(ctx, eventbus.EventLayerFallback, eventbus.LayerPayload{Layer: string(name), Kind: string(task.Kind)})
			m.logger.Info("falling back", zap.String("from", string(lastLayer)), zap.String("to", string(name)))
		} else {
			m.emit(ctx, eventbus.EventLayerSelected, eventbus.LayerPayload{Layer: string(name), Kind: string(task.Kind)})
		}

		res, n, err := m.run(ctx, a, task)
		attempts += n
		if err == nil {
			res.Metadata.Layer = name
			res.Metadata.Attempts = attempts
			res.Metadata.Fallbacks = tried
			res.Metadata.Errors = errs
			res.Metadata.Duration = time.Since(start)
			if cacheable {
				m.results.Set(name, task.Prompt, res.Data, res.Metadata.Model, res.Metadata.Sources, res.Metadata.Grounded)
			}
			m.emit(ctx, eventbus.EventLayerSuccess, eventbus.LayerPayload{
				Layer: string(name), Kind: string(task.Kind), Attempt: attempts, Duration: res.Metadata.Duration,
			})
			return res
		}

		lastErr, lastLayer = err, name
		errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		m.emit(ctx, eventbus.EventLayerFailure, eventbus.LayerPayload{
			Layer: string(name), Kind: string(task.Kind), Attempt: attempts, Error: err.Error(),
		})
		m.logger.Warn("layer failed",
			zap.String("layer", string(name)),
			zap.String("code", layerbridge.CodeOf(err)),
			zap.Int("attempts", n),
			zap.Error(err))

		switch layerbridge.CodeOf(err) {
		case layerbridge.ErrCodeValidation, layerbridge.ErrCodeCancelled:
			return m.aggregate(lastLayer, lastErr, tried, errs, attempts, start)
		case layerbridge.ErrCodeAuthentication:
			if m.auth != nil {
				m.auth.Invalidate(name)
			}
		}
		if ctx.Err() != nil {
			return m.aggregate(lastLayer, layerbridge.NewCancelledError("execution", ctx.Err()), tried, errs, attempts, start)
		}
		if i < len(candidates)-1 {
			tried = append(tried, name)
		}
	}
	return m.aggregate(lastLayer, lastErr, tried, errs, attempts, start)
}

// run initializes a and executes task with retries. The int is the number of
// Execute calls made.
func (m *Manager) run(ctx context.Context, a layerbridge.Adapter, task layerbridge.Task) (layerbridge.LayerResult, int, error) {
	if err := a.Initialize(ctx); err != nil {
		return layerbridge.LayerResult{}, 0, err
	}
	for n := 1; ; n++ {
		res, err := a.Execute(ctx, task)
		if err == nil && !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "layer reported failure"
			}
			err = layerbridge.NewTransientError(a.Name(), msg, nil)
		}
		if err == nil {
			return res, n, nil
		}
		if n >= m.retry.Attempts || !layerbridge.IsRetryable(err) || ctx.Err() != nil {
			return res, n, err
		}
		m.emit(ctx, eventbus.EventLayerRetry, eventbus.LayerPayload{
			Layer: string(a.Name()), Kind: string(task.Kind), Attempt: n, Error: err.Error(),
		})
		m.logger.Debug("retrying layer", zap.String("layer", string(a.Name())), zap.Int("attempt", n), zap.Error(err))
		if werr := wait(ctx, m.retry.Delay); werr != nil {
			return res, n, layerbridge.NewCancelledError("retry", werr)
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) fromCache(ctx context.Context, task layerbridge.Task, candidates []layerbridge.Adapter, start time.Time) (layerbridge.LayerResult, bool) {
	for _, a := range candidates {
		entry, hit, ok := m.results.Get(a.Name(), task.Prompt)
		if !ok {
			continue
		}
		m.emit(ctx, eventbus.EventLayerCacheHit, eventbus.LayerPayload{Layer: string(entry.Layer), Kind: string(task.Kind), CacheHit: string(hit)})
		return layerbridge.LayerResult{
			Success: true,
			Data:    entry.Content,
			Metadata: layerbridge.ResultMetadata{
				Layer:    entry.Layer,
				Model:    entry.Model,
				Duration: time.Since(start),
				CacheHit: hit,
				Sources:  entry.Sources,
				Grounded: entry.Grounded,
			},
		}, true
	}
	return layerbridge.LayerResult{}, false
}

func (m *Manager) failure(layer layerbridge.LayerName, err error, start time.Time) layerbridge.LayerResult {
	res := layerbridge.FailureResult(layer, err)
	res.Metadata.Duration = time.Since(start)
	res.Metadata.Errors = []string{err.Error()}
	return res
}

func (m *Manager) aggregate(layer layerbridge.LayerName, err error, tried []layerbridge.LayerName, errs []string, attempts int, start time.Time) layerbridge.LayerResult {
	res := layerbridge.FailureResult(layer, err)
	if len(errs) > 1 {
		res.Error = fmt.Sprintf("all %d layers failed: %s", len(errs), strings.Join(errs, "; "))
	}
	res.Metadata.Attempts = attempts
	res.Metadata.Fallbacks = tried
	res.Metadata.Errors = errs
	res.Metadata.Duration = time.Since(start)
	return res
}

func (m *Manager) emit(ctx context.Context, typ eventbus.EventType, payload eventbus.LayerPayload) {
	if m.bus == nil {
		return
	}
	if err := eventbus.Emit(context.WithoutCancel(ctx), m.bus, typ, payload, "layers"); err != nil {
		m.logger.Debug("event not published", zap.String("event", string(typ)), zap.Error(err))
	}
}
