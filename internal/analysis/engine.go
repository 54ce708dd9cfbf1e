package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/earshot-ai/earshot/internal/bus"
	"github.com/earshot-ai/earshot/internal/contextstore"
	"github.com/earshot-ai/earshot/internal/observe"
)

const (
	defaultMaxConcurrentTasks = 4
	defaultTaskTimeout        = 30 * time.Second
	defaultMaxStageDuration   = 60 * time.Second
	defaultMetricsInterval    = time.Second
)

// EngineConfig tunes the analysis engine.
type EngineConfig struct {
	// MaxConcurrentTasks sizes the worker pool and the resource guard.
	// Default 4.
	MaxConcurrentTasks int

	// DefaultTaskTimeout applies to tasks without their own. Default 30s.
	DefaultTaskTimeout time.Duration

	// MaxStageDuration bounds one pipeline stage unless the pipeline
	// overrides it. Default 60s.
	MaxStageDuration time.Duration

	// EnabledAnalyzers restricts which analysis types may run; empty
	// enables everything registered.
	EnabledAnalyzers []string

	// MetricsInterval paces the METRICS event loop. Default 1s.
	MetricsInterval time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = defaultTaskTimeout
	}
	if c.MaxStageDuration <= 0 {
		c.MaxStageDuration = defaultMaxStageDuration
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = defaultMetricsInterval
	}
}

// EngineOption configures an [Engine] during construction.
type EngineOption func(*Engine)

// WithEngineBus attaches the event bus; the engine then publishes METRICS
// events periodically and ERROR events for failures and cancellations.
func WithEngineBus(b *bus.Bus) EngineOption {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithEngineMetrics attaches the metric instruments; the engine then
// records per-task outcomes and latencies.
func WithEngineMetrics(m *observe.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Request asks the engine to run one analysis pipeline over content.
type Request struct {
	SessionID string
	Content   string
	// Entry optionally supplies session context to every analyzer.
	Entry    *contextstore.Entry
	Pipeline Pipeline
}

// Run is the handle for one in-flight pipeline. Results stream on
// [Run.Results]; after the channel closes, [Run.Err] reports the pipeline
// outcome.
type Run struct {
	sessionID string
	results   chan Result
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	err       error
	stage     int
	statuses  map[string]TaskStatus
	completed map[string]struct{}
}

// Results streams completed task results. The channel closes when the
// pipeline ends for any reason.
func (r *Run) Results() <-chan Result { return r.results }

// Err reports the pipeline outcome; call after Results closes.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stage returns the current stage index, the stage count when finished,
// or [StageCanceled] after cancellation.
func (r *Run) Stage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Completed returns the ids of all completed tasks, sorted.
func (r *Run) Completed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.completed))
	for id := range r.completed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Status returns the recorded status of one task.
func (r *Run) Status(taskID string) TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.statuses[taskID]; ok {
		return st
	}
	return TaskPending
}

func (r *Run) setStage(stage int) {
	r.mu.Lock()
	r.stage = stage
	r.mu.Unlock()
}

func (r *Run) setStatus(taskID string, st TaskStatus) {
	r.mu.Lock()
	r.statuses[taskID] = st
	if st == TaskCompleted {
		r.completed[taskID] = struct{}{}
	}
	r.mu.Unlock()
}

func (r *Run) depsSatisfied(task Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range task.Dependencies {
		if _, ok := r.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// Engine schedules analysis pipelines over a fixed worker pool and feeds
// completed results into the per-session aggregator.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	registry *Registry
	agg      *Aggregator
	cfg      EngineConfig
	bus      *bus.Bus
	metrics  *observe.Metrics

	sem     *semaphore.Weighted
	enabled map[string]struct{} // nil means all

	mu     sync.Mutex
	runs   map[string]*Run
	active int
}

// NewEngine creates an Engine over the given registry.
func NewEngine(registry *Registry, cfg EngineConfig, opts ...EngineOption) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		registry: registry,
		agg:      NewAggregator(),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		runs:     make(map[string]*Run),
	}
	if len(cfg.EnabledAnalyzers) > 0 {
		e.enabled = make(map[string]struct{}, len(cfg.EnabledAnalyzers))
		for _, t := range cfg.EnabledAnalyzers {
			e.enabled[t] = struct{}{}
		}
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Aggregator returns the engine's insight aggregator.
func (e *Engine) Aggregator() *Aggregator { return e.agg }

// Analyze starts the request's pipeline and returns its run handle. It
// rejects the request when the worker pool is saturated.
func (e *Engine) Analyze(ctx context.Context, req Request) (*Run, error) {
	e.mu.Lock()
	if e.active >= e.cfg.MaxConcurrentTasks {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active tasks", ErrResourceLimit, e.active)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		sessionID: req.SessionID,
		results:   make(chan Result, 16),
		cancel:    cancel,
		done:      make(chan struct{}),
		statuses:  make(map[string]TaskStatus),
		completed: make(map[string]struct{}),
	}
	e.runs[req.SessionID] = run
	e.mu.Unlock()

	go e.execute(runCtx, run, req)
	return run, nil
}

// Cancel marks the session's active tasks CANCELED, sets the pipeline
// stage to the terminal sentinel and interrupts in-flight analyzer work.
func (e *Engine) Cancel(sessionID string) error {
	e.mu.Lock()
	run, ok := e.runs[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	run.mu.Lock()
	run.stage = StageCanceled
	var canceled []string
	for id, st := range run.statuses {
		if st == TaskPending || st == TaskRunning {
			run.statuses[id] = TaskCanceled
			canceled = append(canceled, id)
		}
	}
	run.mu.Unlock()

	run.cancel()
	e.publishError(sessionID, "cancel", fmt.Errorf("%w: %d tasks", ErrTaskCanceled, len(canceled)))
	return nil
}

// CleanupSession drops the session's run record and aggregated insights.
func (e *Engine) CleanupSession(sessionID string) {
	e.mu.Lock()
	if run, ok := e.runs[sessionID]; ok {
		run.cancel()
		delete(e.runs, sessionID)
	}
	e.mu.Unlock()
	e.agg.CleanupSession(sessionID)
}

// Run publishes METRICS events periodically until the context ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishMetrics()
		}
	}
}

// ─── Pipeline execution ───────────────────────────────────────────────────────

func (e *Engine) execute(ctx context.Context, run *Run, req Request) {
	defer close(run.done)
	defer close(run.results)
	defer run.cancel()

	for _, stage := range req.Pipeline.Stages {
		for _, task := range stage.Tasks {
			run.setStatus(task.ID, TaskPending)
		}
	}

	var pipelineErr error
stages:
	for si, stage := range req.Pipeline.Stages {
		if ctx.Err() != nil {
			break
		}
		run.setStage(si)

		maxDur := req.Pipeline.MaxStageDuration
		if maxDur <= 0 {
			maxDur = e.cfg.MaxStageDuration
		}
		stageCtx, stageCancel := context.WithTimeout(ctx, maxDur)

		err := e.runStage(stageCtx, run, req, stage)
		stageCancel()

		if err != nil {
			pipelineErr = err
			if req.Pipeline.ErrorHandling == ErrorFail || errors.Is(err, context.Canceled) {
				break stages
			}
			pipelineErr = nil
		}
	}

	run.mu.Lock()
	canceled := run.stage == StageCanceled
	if canceled {
		// Cancellation was already reported by Cancel.
		pipelineErr = nil
	} else {
		run.stage = len(req.Pipeline.Stages)
	}
	run.err = pipelineErr
	run.mu.Unlock()

	if pipelineErr != nil {
		e.publishError(req.SessionID, "pipeline", pipelineErr)
	}
}

// runStage executes one stage's runnable tasks, ordered by priority.
func (e *Engine) runStage(ctx context.Context, run *Run, req Request, stage Stage) error {
	tasks := make([]Task, len(stage.Tasks))
	copy(tasks, stage.Tasks)
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})

	if !req.Pipeline.ParallelStages {
		var firstErr error
		for _, task := range tasks {
			if err := e.runTask(ctx, run, req, task); err != nil {
				if req.Pipeline.ErrorHandling == ErrorFail {
					return err
				}
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}

	g, gctx := errgroup.WithContext(ctx)
	var (
		mu       sync.Mutex
		firstErr error
	)
	for _, task := range tasks {
		g.Go(func() error {
			err := e.runTask(gctx, run, req, task)
			if err == nil {
				return nil
			}
			if req.Pipeline.ErrorHandling == ErrorFail {
				return err
			}
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return firstErr
}

// runTask executes one task on the shared worker pool and streams its
// result.
func (e *Engine) runTask(ctx context.Context, run *Run, req Request, task Task) error {
	if run.Status(task.ID) == TaskCanceled {
		return fmt.Errorf("%w: %q", ErrTaskCanceled, task.ID)
	}
	if !run.depsSatisfied(task) {
		run.setStatus(task.ID, TaskFailed)
		return fmt.Errorf("analysis: task %q has unmet dependencies", task.ID)
	}
	if e.enabled != nil {
		if _, ok := e.enabled[task.Type]; !ok {
			run.setStatus(task.ID, TaskFailed)
			return fmt.Errorf("%w: %q", ErrAnalyzerDisabled, task.Type)
		}
	}

	timeout := e.cfg.DefaultTaskTimeout
	if task.Timeout != nil {
		timeout = *task.Timeout
	}
	if timeout <= 0 {
		run.setStatus(task.ID, TaskFailed)
		return fmt.Errorf("%w: %q", ErrTaskTimeout, task.ID)
	}

	e.noteQueued(1)
	err := e.sem.Acquire(ctx, 1)
	e.noteQueued(-1)
	if err != nil {
		run.setStatus(task.ID, TaskCanceled)
		return fmt.Errorf("%w: %q: %w", ErrTaskCanceled, task.ID, err)
	}
	defer e.sem.Release(1)

	e.mu.Lock()
	e.active++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	run.setStatus(task.ID, TaskRunning)
	start := time.Now()

	analyzer, err := e.registry.New(task.Type, task.Config)
	if err != nil {
		run.setStatus(task.ID, TaskFailed)
		return err
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	insights, err := analyzer.Analyze(taskCtx, req.Content, req.Entry, task.Config)
	if err != nil {
		run.setStatus(task.ID, TaskFailed)
		e.recordTask(task.Type, TaskFailed, time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %q", ErrTaskTimeout, task.ID)
		}
		if errors.Is(err, context.Canceled) {
			run.setStatus(task.ID, TaskCanceled)
			return fmt.Errorf("%w: %q", ErrTaskCanceled, task.ID)
		}
		return fmt.Errorf("analysis: task %q: %w", task.ID, err)
	}

	result := Result{
		TaskID:     task.ID,
		Type:       task.Type,
		Insights:   insights,
		Confidence: aggregateConfidence(insights),
		Duration:   time.Since(start),
		Timestamp:  time.Now(),
	}
	e.agg.Add(req.SessionID, result)
	run.setStatus(task.ID, TaskCompleted)
	e.recordTask(task.Type, TaskCompleted, result.Duration)

	select {
	case run.results <- result:
	case <-ctx.Done():
	}
	return nil
}

// noteQueued adjusts the queue-depth gauge while a task waits for a worker.
func (e *Engine) noteQueued(delta int64) {
	if e.metrics == nil {
		return
	}
	e.metrics.AnalysisQueueDepth.Add(context.Background(), delta)
}

// recordTask feeds one task outcome into the metric instruments.
func (e *Engine) recordTask(analysisType string, st TaskStatus, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordAnalysisTask(context.Background(), analysisType, strings.ToLower(string(st)), d)
}

func (e *Engine) publishMetrics() {
	if e.bus == nil {
		return
	}
	e.mu.Lock()
	active := e.active
	sessions := len(e.runs)
	e.mu.Unlock()
	_ = e.bus.Publish(bus.NewEvent(bus.TypeMetrics, map[string]any{
		"source":       "analysis_engine",
		"active_tasks": active,
		"sessions":     sessions,
		"capacity":     e.cfg.MaxConcurrentTasks,
	}))
}

func (e *Engine) publishError(sessionID, op string, err error) {
	if e.bus == nil {
		slog.Warn("analysis pipeline error", "session", sessionID, "op", op, "err", err)
		return
	}
	_ = e.bus.Publish(bus.NewEvent(bus.TypeError, map[string]any{
		"session_id": sessionID,
		"source":     "analysis",
		"operation":  op,
		"error":      err.Error(),
	}))
}
