// Package executor runs workflow definitions: validation, dependency-ordered
// dispatch, output references, conditions and aggregation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/eventbus"
)

// Orchestrator executes workflow definitions against a TaskExecutor.
type Orchestrator struct {
	exec       layerbridge.TaskExecutor
	maxWorkers int
	summarizer layerbridge.Summarizer
	bus        eventbus.EventBus
	logger     *zap.Logger

	metrics OrchestratorMetrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxWorkers bounds concurrent steps for parallel workflows that do not
// set max_concurrency.
func WithMaxWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxWorkers = n
		}
	}
}

// WithSummarizer sets the summarizer used after each run.
func WithSummarizer(s layerbridge.Summarizer) Option {
	return func(o *Orchestrator) {
		o.summarizer = s
	}
}

// WithEventBus publishes workflow and step events to bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates an orchestrator that runs every step through exec.
func NewOrchestrator(exec layerbridge.TaskExecutor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exec:       exec,
		maxWorkers: 5,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Metrics returns a snapshot of the accumulated run statistics.
func (o *Orchestrator) Metrics() OrchestratorMetrics {
	return o.metrics.Copy()
}

// Run validates def and executes it. The only error returned is a
// ValidationError; step failures, timeouts and cancellation are reported in
// the result.
func (o *Orchestrator) Run(ctx context.Context, def *layerbridge.WorkflowDefinition) (*layerbridge.WorkflowResult, error) {
	p, err := compile(def)
	if err != nil {
		return nil, err
	}
	if o.exec == nil {
		return nil, layerbridge.NewConfigurationError("orchestrator has no task executor", nil)
	}
	r := newRun(o, p, runIDFrom(ctx))
	return r.execute(ctx), nil
}

type runIDKey struct{}

// WithRunID makes Run use id instead of generating one.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

type stepDone struct {
	idx      int
	result   layerbridge.LayerResult
	started  time.Time
	finished time.Time
}

// run holds the state of one execution. It is only touched by the
// goroutine that called Run; workers report back over the done channel.
type run struct {
	o         *Orchestrator
	p         *plan
	id        string
	status    []layerbridge.StepStatus
	outcomes  []layerbridge.StepOutcome
	results   map[string]layerbridge.LayerResult
	remaining []int
	ready     []int

	halted      bool
	firstFailed string
}

func newRun(o *Orchestrator, p *plan, id string) *run {
	n := len(p.def.Steps)
	r := &run{
		o:         o,
		p:         p,
		id:        id,
		status:    make([]layerbridge.StepStatus, n),
		outcomes:  make([]layerbridge.StepOutcome, n),
		results:   make(map[string]layerbridge.LayerResult, n),
		remaining: make([]int, n),
	}
	for i, s := range p.def.Steps {
		r.status[i] = layerbridge.StepPending
		r.outcomes[i] = layerbridge.StepOutcome{ID: s.ID, Status: layerbridge.StepPending, Layer: s.Layer}
		r.remaining[i] = len(s.DependsOn)
	}
	return r
}

func (r *run) concurrency() int {
	def := r.p.def
	if !def.Parallel {
		return 1
	}
	if def.MaxConcurrency > 0 {
		return def.MaxConcurrency
	}
	return r.o.maxWorkers
}

func (r *run) execute(ctx context.Context) *layerbridge.WorkflowResult {
	def := r.p.def
	logger := r.o.logger.With(zap.String("run_id", r.id), zap.String("workflow", def.ID))

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	logger.Info("starting workflow", zap.Int("steps", len(def.Steps)), zap.Bool("parallel", def.Parallel))
	r.emit(ctx, eventbus.EventWorkflowStarted, eventbus.WorkflowPayload{RunID: r.id, WorkflowID: def.ID, Steps: len(def.Steps)})

	for i := range def.Steps {
		if r.remaining[i] == 0 {
			r.markReady(i)
		}
	}

	limit := r.concurrency()
	workers := pool.New().WithMaxGoroutines(limit)
	done := make(chan stepDone, len(def.Steps))
	inflight := 0
	runDone := runCtx.Done()

	for {
		for !r.halted && runCtx.Err() == nil && inflight < limit && len(r.ready) > 0 {
			idx := r.ready[0]
			r.ready = r.ready[1:]
			task, ok := r.prepare(runCtx, idx)
			if !ok {
				continue
			}
			inflight++
			workers.Go(func() {
				started := time.Now()
				res := r.o.exec.Execute(runCtx, task)
				done <- stepDone{idx: idx, result: res, started: started, finished: time.Now()}
			})
		}
		if inflight == 0 {
			break
		}
		select {
		case d := <-done:
			inflight--
			r.complete(ctx, runCtx, d)
		case <-runDone:
			runDone = nil
			logger.Warn("workflow interrupted", zap.Error(runCtx.Err()))
		}
	}
	workers.Wait()

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancelled := !timedOut && ctx.Err() != nil
	reason := "not dispatched after an earlier failure"
	switch {
	case timedOut:
		reason = "workflow timed out"
	case cancelled:
		reason = "workflow cancelled"
	}
	for i := range def.Steps {
		if !r.status[i].IsTerminal() {
			r.skip(ctx, i, reason)
		}
	}

	res := r.aggregate(start, timedOut, cancelled)
	res.Summary = r.summarize(ctx, res)
	r.o.metrics.recordRun(res)

	payload := eventbus.WorkflowPayload{
		RunID:      r.id,
		WorkflowID: def.ID,
		Steps:      len(def.Steps),
		Success:    res.Success,
		Duration:   res.Metadata.TotalDuration,
		Error:      res.Error,
	}
	if res.Success {
		logger.Info("workflow completed", zap.Duration("duration", res.Metadata.TotalDuration))
		r.emit(ctx, eventbus.EventWorkflowCompleted, payload)
	} else {
		logger.Warn("workflow failed", zap.String("error", res.Error), zap.Duration("duration", res.Metadata.TotalDuration))
		r.emit(ctx, eventbus.EventWorkflowFailed, payload)
	}
	return res
}

// prepare evaluates the condition and resolves inputs for a ready step. It
// returns false when the step was skipped or failed without being dispatched.
func (r *run) prepare(ctx context.Context, idx int) (layerbridge.Task, bool) {
	step := r.p.def.Steps[idx]

	if cond := r.p.conditions[idx]; cond != nil {
		ok, err := cond.Evaluate(r.conditionVars(step))
		if err != nil {
			r.transition(idx, layerbridge.StepRunning)
			r.outcomes[idx].StartedAt = time.Now()
			r.fail(ctx, idx, layerbridge.FailureResult(step.Layer,
				layerbridge.NewValidationError("condition", fmt.Sprintf("step %q", step.ID), err)))
			return layerbridge.Task{}, false
		}
		if !ok {
			r.skip(ctx, idx, fmt.Sprintf("condition %q is false", step.Condition))
			return layerbridge.Task{}, false
		}
	}

	r.transition(idx, layerbridge.StepRunning)
	r.outcomes[idx].StartedAt = time.Now()
	r.emit(ctx, eventbus.EventStepStarted, r.stepPayload(idx, ""))

	task, err := r.buildTask(idx)
	if err != nil {
		r.fail(ctx, idx, layerbridge.FailureResult(step.Layer, err))
		return layerbridge.Task{}, false
	}
	return task, true
}

func (r *run) complete(ctx, runCtx context.Context, d stepDone) {
	step := r.p.def.Steps[d.idx]
	r.outcomes[d.idx].StartedAt = d.started
	r.outcomes[d.idx].FinishedAt = d.finished
	r.outcomes[d.idx].Duration = d.finished.Sub(d.started)
	if d.result.Metadata.Layer != "" {
		r.outcomes[d.idx].Layer = d.result.Metadata.Layer
	}

	if d.result.Success {
		r.transition(d.idx, layerbridge.StepCompleted)
		r.results[step.ID] = d.result
		r.o.logger.Debug("step completed",
			zap.String("run_id", r.id), zap.String("step", step.ID), zap.Duration("duration", r.outcomes[d.idx].Duration))
		r.emit(ctx, eventbus.EventStepCompleted, r.stepPayload(d.idx, ""))
		for _, depID := range r.p.dependents[step.ID] {
			j := r.p.index[depID]
			r.remaining[j]--
			if r.remaining[j] == 0 && r.status[j] == layerbridge.StepPending {
				r.markReady(j)
			}
		}
		return
	}

	res := d.result
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res = layerbridge.FailureResult(res.Metadata.Layer,
			layerbridge.NewTimeoutError(res.Metadata.Layer, "workflow", fmt.Errorf("step %q: %s", step.ID, res.Error)))
		res.Metadata = d.result.Metadata
	}
	r.fail(ctx, d.idx, res)
}

// fail records a failed step, skips everything downstream of it and halts
// dispatch unless the failure is tolerated.
func (r *run) fail(ctx context.Context, idx int, res layerbridge.LayerResult) {
	step := r.p.def.Steps[idx]
	r.transition(idx, layerbridge.StepFailed)
	if r.outcomes[idx].FinishedAt.IsZero() {
		r.outcomes[idx].FinishedAt = time.Now()
		r.outcomes[idx].Duration = r.outcomes[idx].FinishedAt.Sub(r.outcomes[idx].StartedAt)
	}
	r.outcomes[idx].Error = res.Error
	r.results[step.ID] = res

	r.o.logger.Warn("step failed",
		zap.String("run_id", r.id),
		zap.String("step", step.ID),
		zap.Bool("optional", step.Optional),
		zap.String("code", res.ErrorCode),
		zap.String("error", res.Error))
	r.emit(ctx, eventbus.EventStepFailed, r.stepPayload(idx, res.Error))

	if !step.Optional {
		if r.firstFailed == "" {
			r.firstFailed = step.ID
		}
		if !r.p.def.ContinueOnError {
			r.halted = true
		}
	}
	r.skipDependents(ctx, step.ID, fmt.Sprintf("dependency %q failed", step.ID))
}

func (r *run) skip(ctx context.Context, idx int, reason string) {
	r.transition(idx, layerbridge.StepSkipped)
	r.outcomes[idx].SkipReason = reason
	r.emit(ctx, eventbus.EventStepSkipped, r.stepPayload(idx, ""))
	r.skipDependents(ctx, r.p.def.Steps[idx].ID, fmt.Sprintf("dependency %q was skipped", r.p.def.Steps[idx].ID))
}

func (r *run) skipDependents(ctx context.Context, id, reason string) {
	for _, depID := range r.p.dependents[id] {
		j := r.p.index[depID]
		if r.status[j] == layerbridge.StepPending {
			r.skip(ctx, j, reason)
		}
	}
}

func (r *run) markReady(idx int) {
	r.transition(idx, layerbridge.StepReady)
	pos := sort.SearchInts(r.ready, idx)
	r.ready = append(r.ready, 0)
	copy(r.ready[pos+1:], r.ready[pos:])
	r.ready[pos] = idx
}

func (r *run) transition(idx int, next layerbridge.StepStatus) {
	cur := r.status[idx]
	if !cur.CanTransitionTo(next) {
		r.o.logger.Error("illegal step transition",
			zap.String("step", r.p.def.Steps[idx].ID), zap.String("from", string(cur)), zap.String("to", string(next)))
		return
	}
	r.status[idx] = next
	r.outcomes[idx].Status = next
}

// lookup resolves a reference against completed dependency results.
func (r *run) lookup(ref layerbridge.OutputRef) (interface{}, error) {
	res, ok := r.results[ref.StepID]
	if !ok || !res.Success {
		return nil, fmt.Errorf("no output from step %q", ref.StepID)
	}
	v, err := walkPath(res.Data, ref.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return v, nil
}

func (r *run) conditionVars(step layerbridge.WorkflowStep) map[string]interface{} {
	vars := make(map[string]interface{}, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		res := r.results[dep]
		switch v := res.Data.(type) {
		case string, bool, float64:
			vars[dep] = v
		case int:
			vars[dep] = float64(v)
		case int64:
			vars[dep] = float64(v)
		case float32:
			vars[dep] = float64(v)
		default:
			vars[dep] = res.Text()
		}
	}
	return vars
}

func (r *run) buildTask(idx int) (layerbridge.Task, error) {
	step := r.p.def.Steps[idx]
	resolved, err := r.p.inputs[idx].resolve(r.lookup)
	if err != nil {
		return layerbridge.Task{}, layerbridge.NewValidationError("resolve", fmt.Sprintf("step %q", step.ID), err)
	}

	task := layerbridge.Task{
		Kind:    step.Action,
		Layer:   step.Layer,
		Timeout: step.Timeout,
	}
	for k, v := range resolved.(map[string]interface{}) {
		switch k {
		case "prompt":
			task.Prompt = layerbridge.Stringify(v)
		case "files":
			files, err := parseFiles(v)
			if err != nil {
				return layerbridge.Task{}, layerbridge.NewValidationError("resolve", fmt.Sprintf("step %q files", step.ID), err)
			}
			task.Files = files
		case "options":
			opts, ok := v.(map[string]interface{})
			if !ok {
				return layerbridge.Task{}, layerbridge.NewValidationError("resolve",
					fmt.Sprintf("step %q: options must be a map, got %T", step.ID, v), nil)
			}
			for key, ov := range opts {
				setOption(&task, key, ov)
			}
		default:
			setOption(&task, k, v)
		}
	}
	return task, nil
}

func setOption(t *layerbridge.Task, key string, v interface{}) {
	if t.Options == nil {
		t.Options = make(map[string]interface{})
	}
	t.Options[key] = v
}

func parseFiles(v interface{}) ([]layerbridge.FileReference, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []layerbridge.FileReference{layerbridge.NewFileReference(val, 0)}, nil
	case []string:
		files := make([]layerbridge.FileReference, 0, len(val))
		for _, p := range val {
			files = append(files, layerbridge.NewFileReference(p, 0))
		}
		return files, nil
	case layerbridge.FileReference:
		return []layerbridge.FileReference{val}, nil
	case []layerbridge.FileReference:
		return val, nil
	case map[string]interface{}:
		f, err := fileFromMap(val)
		if err != nil {
			return nil, err
		}
		return []layerbridge.FileReference{f}, nil
	case []interface{}:
		files := make([]layerbridge.FileReference, 0, len(val))
		for _, item := range val {
			switch it := item.(type) {
			case string:
				files = append(files, layerbridge.NewFileReference(it, 0))
			case map[string]interface{}:
				f, err := fileFromMap(it)
				if err != nil {
					return nil, err
				}
				files = append(files, f)
			default:
				return nil, fmt.Errorf("unsupported file entry %T", item)
			}
		}
		return files, nil
	}
	return nil, fmt.Errorf("unsupported files value %T", v)
}

func fileFromMap(m map[string]interface{}) (layerbridge.FileReference, error) {
	path, _ := m["path"].(string)
	if path == "" {
		return layerbridge.FileReference{}, errors.New("file entry without path")
	}
	f := layerbridge.NewFileReference(path, 0)
	if t, ok := m["type"].(string); ok && t != "" {
		f.Type = layerbridge.FileType(t)
	}
	switch size := m["size"].(type) {
	case int:
		f.Size = int64(size)
	case int64:
		f.Size = size
	case float64:
		f.Size = int64(size)
	}
	if enc, ok := m["encoding"].(string); ok {
		f.Encoding = enc
	}
	return f, nil
}

func (r *run) aggregate(start time.Time, timedOut, cancelled bool) *layerbridge.WorkflowResult {
	def := r.p.def
	res := &layerbridge.WorkflowResult{
		RunID:      r.id,
		WorkflowID: def.ID,
		Results:    r.results,
		Steps:      make(map[string]layerbridge.StepOutcome, len(def.Steps)),
	}
	for i, s := range def.Steps {
		o := r.outcomes[i]
		res.Steps[s.ID] = o
		switch o.Status {
		case layerbridge.StepCompleted:
			res.Metadata.StepsCompleted++
		case layerbridge.StepFailed:
			res.Metadata.StepsFailed++
		case layerbridge.StepSkipped:
			res.Metadata.StepsSkipped++
		}
	}
	for _, lr := range r.results {
		res.Metadata.TotalCost += lr.Metadata.Cost
	}
	res.Metadata.TotalDuration = time.Since(start)
	res.Metadata.TimedOut = timedOut

	switch {
	case timedOut:
		res.Error = fmt.Sprintf("workflow timed out after %s", def.Timeout)
	case cancelled:
		res.Error = "workflow cancelled"
	case r.firstFailed != "":
		res.Error = fmt.Sprintf("step %q failed: %s", r.firstFailed, r.results[r.firstFailed].Error)
	}
	res.Success = res.Error == ""
	return res
}

func (r *run) summarize(ctx context.Context, res *layerbridge.WorkflowResult) string {
	if r.o.summarizer != nil && ctx.Err() == nil {
		summary, err := r.o.summarizer.Summarize(ctx, r.p.def, res.Results)
		if err == nil && summary != "" {
			return summary
		}
		r.o.logger.Warn("summarizer failed, using text summary", zap.String("run_id", r.id), zap.Error(err))
	}
	return TextSummary(r.p.def, res)
}

func (r *run) stepPayload(idx int, errMsg string) eventbus.StepPayload {
	o := r.outcomes[idx]
	return eventbus.StepPayload{
		RunID:      r.id,
		WorkflowID: r.p.def.ID,
		StepID:     o.ID,
		Layer:      string(o.Layer),
		Duration:   o.Duration,
		Error:      errMsg,
		Reason:     o.SkipReason,
	}
}

func (r *run) emit(ctx context.Context, typ eventbus.EventType, payload interface{}) {
	if r.o.bus == nil {
		return
	}
	if err := eventbus.Emit(context.WithoutCancel(ctx), r.o.bus, typ, payload, "executor"); err != nil {
		r.o.logger.Debug("event not published", zap.String("event", string(typ)), zap.Error(err))
	}
}
