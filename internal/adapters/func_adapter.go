package adapters

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
)

// ExecuteFunc is the body of a FuncAdapter.
type ExecuteFunc func(ctx context.Context, task layerbridge.Task) (layerbridge.LayerResult, error)

// FuncAdapter adapts a Go function to the layerbridge.Adapter interface.
type FuncAdapter struct {
	base
	fn        ExecuteFunc
	caps      layerbridge.Capabilities
	canHandle func(layerbridge.Task) bool
	cost      func(layerbridge.Task) float64
	duration  time.Duration
}

// FuncOption configures a FuncAdapter.
type FuncOption func(*FuncAdapter)

// WithCapabilities sets the advertised capabilities. CanHandle defaults to
// checking the task against them.
func WithCapabilities(caps layerbridge.Capabilities) FuncOption {
	return func(a *FuncAdapter) {
		a.caps = caps
	}
}

// WithCanHandle replaces the capability-based predicate.
func WithCanHandle(pred func(layerbridge.Task) bool) FuncOption {
	return func(a *FuncAdapter) {
		a.canHandle = pred
	}
}

// WithCost sets a fixed cost estimate.
func WithCost(cost float64) FuncOption {
	return func(a *FuncAdapter) {
		a.cost = func(layerbridge.Task) float64 { return cost }
	}
}

// WithCostFunc sets a task-dependent cost estimate.
func WithCostFunc(fn func(layerbridge.Task) float64) FuncOption {
	return func(a *FuncAdapter) {
		a.cost = fn
	}
}

// WithDuration sets the duration estimate.
func WithDuration(d time.Duration) FuncOption {
	return func(a *FuncAdapter) {
		a.duration = d
	}
}

// WithAdapterOptions applies the shared adapter options (verifier, health check and logger).
func WithAdapterOptions(opts ...Option) FuncOption {
	return func(a *FuncAdapter) {
		for _, opt := range opts {
			opt(&a.settings)
		}
	}
}

// NewFuncAdapter creates an adapter named name backed by fn.
func NewFuncAdapter(name layerbridge.LayerName, fn ExecuteFunc, options ...FuncOption) *FuncAdapter {
	a := &FuncAdapter{
		base: base{settings: newSettings(nil), name: name},
		fn:   fn,
		caps: layerbridge.Capabilities{Kinds: layerbridge.TaskKinds()},
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// Capabilities implements layerbridge.Adapter.
func (a *FuncAdapter) Capabilities() layerbridge.Capabilities {
	return a.caps
}

// CanHandle implements layerbridge.Adapter.
func (a *FuncAdapter) CanHandle(task layerbridge.Task) bool {
	if a.canHandle != nil {
		return a.canHandle(task)
	}
	if !a.caps.Supports(task.Kind) {
		return false
	}
	for _, f := range task.Files {
		if !a.caps.AcceptsFile(f.ResolvedType()) {
			return false
		}
	}
	return true
}

// Cost implements layerbridge.Adapter.
func (a *FuncAdapter) Cost(task layerbridge.Task) float64 {
	if a.cost == nil {
		return 0
	}
	return a.cost(task)
}

// EstimatedDuration implements layerbridge.Adapter.
func (a *FuncAdapter) EstimatedDuration(layerbridge.Task) time.Duration {
	return a.duration
}

// Execute implements layerbridge.Adapter.
func (a *FuncAdapter) Execute(ctx context.Context, task layerbridge.Task) (layerbridge.LayerResult, error) {
	if a.fn == nil {
		err := layerbridge.NewConfigurationError("adapter function is nil", nil)
		return layerbridge.FailureResult(a.name, err), err
	}
	start := time.Now()
	res, err := a.fn(ctx, task)
	if res.Metadata.Layer == "" {
		res.Metadata.Layer = a.name
	}
	if res.Metadata.Duration == 0 {
		res.Metadata.Duration = time.Since(start)
	}
	if err != nil {
		a.afterFailure(err)
		if res.Error == "" {
			res.Success = false
			res.Error = err.Error()
			res.ErrorCode = layerbridge.CodeOf(err)
			res.Remediation = layerbridge.RemediationOf(err)
		}
		return res, err
	}
	return res, nil
}
