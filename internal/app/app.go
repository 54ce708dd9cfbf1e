// Package app wires all earshot subsystems into a running engine.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops, and Shutdown tears
// everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithBus,
// WithContextStore, etc.) and mock providers in the Providers struct. When
// an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/earshot-ai/earshot/internal/analysis"
	"github.com/earshot-ai/earshot/internal/bus"
	"github.com/earshot-ai/earshot/internal/config"
	"github.com/earshot-ai/earshot/internal/contextstore"
	"github.com/earshot-ai/earshot/internal/health"
	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/internal/resilience"
	"github.com/earshot-ai/earshot/internal/respond"
	"github.com/earshot-ai/earshot/internal/transcribe"
	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/asr"
	"github.com/earshot-ai/earshot/pkg/provider/llm"
)

// Providers holds one provider value per slot. Nil means the provider is
// not configured. Populated by main.go from the config's provider entries.
type Providers struct {
	// ASR opens streaming recognition sessions. Required for live
	// transcription sessions.
	ASR asr.Provider

	// LLM is the primary model backend for AI analyzers and response
	// generation. Nil degrades both to their deterministic paths.
	LLM llm.Provider

	// LLMFallbacks are tried in order when the primary's circuit opens.
	LLMFallbacks []llm.Provider

	// Audio is the capture device backend.
	Audio audio.Platform
}

// App owns all subsystem lifetimes and orchestrates the earshot pipeline:
// capture → transcription → context → analysis → response.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	bus         *bus.Bus
	ctxStore    *contextstore.Store
	snapshotter *contextstore.Snapshotter
	transcripts *transcribe.Store
	corrector   *transcribe.Corrector
	llmGroup    *resilience.FallbackGroup[llm.Provider]
	engine      *analysis.Engine
	generator   *respond.Generator
	health      *health.Handler
	metrics     *observe.Metrics
	sessions    *SessionManager

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBus injects an event bus instead of creating one.
func WithBus(b *bus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithContextStore injects a context store instead of creating one from
// config.
func WithContextStore(s *contextstore.Store) Option {
	return func(a *App) { a.ctxStore = s }
}

// WithEngine injects an analysis engine instead of creating one from config.
func WithEngine(e *analysis.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithGenerator injects a response generator instead of creating one from
// config.
func WithGenerator(g *respond.Generator) Option {
	return func(a *App) { a.generator = g }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go. Use Option functions to inject test doubles
// for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Event bus ─────────────────────────────────────────────────────
	if a.bus == nil {
		a.bus = bus.New()
		a.closers = append(a.closers, a.bus.Close)
	}

	// ── 2. Context store ─────────────────────────────────────────────────
	if err := a.initContext(ctx); err != nil {
		return nil, fmt.Errorf("app: init context store: %w", err)
	}

	// ── 3. Transcription ─────────────────────────────────────────────────
	a.initTranscription()

	// ── 4. Analysis engine ───────────────────────────────────────────────
	a.initAnalysis()

	// ── 5. Response generator ────────────────────────────────────────────
	a.initRespond()

	// ── 6. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Platform:    providers.Audio,
		ASR:         providers.ASR,
		Config:      cfg,
		Bus:         a.bus,
		Transcripts: a.transcripts,
		Corrector:   a.corrector,
		Metrics:     a.metrics,
	})

	// ── 7. Health probes ─────────────────────────────────────────────────
	a.initHealth()

	// ── 8. Event flow ────────────────────────────────────────────────────
	if err := a.initEventFlow(); err != nil {
		return nil, fmt.Errorf("app: init event flow: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initContext sets up the in-memory context store and, when a DSN is
// configured, the PostgreSQL snapshotter behind it.
func (a *App) initContext(ctx context.Context) error {
	if a.ctxStore == nil {
		a.ctxStore = contextstore.New(contextstore.Config{
			MaxEntries:      a.cfg.Context.MaxEntries,
			AutoArchive:     a.cfg.Context.AutoArchive,
			RetentionPeriod: time.Duration(a.cfg.Context.RetentionPeriodS) * time.Second,
			SweepInterval:   time.Duration(a.cfg.Context.SweepIntervalS) * time.Second,
		}, contextstore.WithBus(a.bus))
	}

	if dsn := a.cfg.Context.PostgresDSN; dsn != "" {
		snap, err := contextstore.NewSnapshotter(ctx, dsn, a.cfg.Context.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.snapshotter = snap
		a.closers = append(a.closers, func() error {
			snap.Close()
			return nil
		})
	}
	return nil
}

// initTranscription sets up the transcript store and the vocabulary
// corrector shared by all session clients.
func (a *App) initTranscription() {
	a.transcripts = transcribe.NewStore()

	if len(a.cfg.Transcribe.Vocabulary) > 0 {
		terms := make([]string, 0, len(a.cfg.Transcribe.Vocabulary))
		for _, v := range a.cfg.Transcribe.Vocabulary {
			terms = append(terms, v.Term)
		}
		a.corrector = transcribe.NewCorrector(terms)
		slog.Info("vocabulary corrector enabled", "terms", len(terms))
	}
}

// initAnalysis builds the analyzer registry over the LLM fallback group and
// creates the engine.
func (a *App) initAnalysis() {
	a.llmGroup = buildFallbackGroup(a.providers.LLM, a.providers.LLMFallbacks)

	if a.engine != nil {
		return
	}

	var model llm.Provider
	if a.llmGroup != nil {
		model = &groupProvider{group: a.llmGroup}
	}
	registry := analysis.NewDefaultRegistry(model)

	a.engine = analysis.NewEngine(registry, analysis.EngineConfig{
		MaxConcurrentTasks: a.cfg.Analysis.MaxConcurrentTasks,
		DefaultTaskTimeout: time.Duration(a.cfg.Analysis.DefaultTaskTimeoutS) * time.Second,
		MaxStageDuration:   time.Duration(a.cfg.Analysis.MaxStageDurationS) * time.Second,
		EnabledAnalyzers:   a.cfg.Analysis.EnabledAnalyzers,
		MetricsInterval:    time.Duration(a.cfg.Analysis.MetricsIntervalMS) * time.Millisecond,
	}, analysis.WithEngineBus(a.bus), analysis.WithEngineMetrics(a.metrics))
}

// initRespond creates the response generator with the configured templates.
func (a *App) initRespond() {
	if a.generator != nil {
		return
	}

	templates := make([]respond.Template, 0, len(a.cfg.Respond.Templates))
	for _, t := range a.cfg.Respond.Templates {
		templates = append(templates, respond.Template{
			Name:       t.Name,
			Type:       t.Type,
			Role:       t.Role,
			Text:       t.Text,
			Required:   t.Required,
			Confidence: t.Confidence,
		})
	}

	a.generator = respond.New(a.llmGroup, respond.Config{
		MinConfidence: a.cfg.Respond.MinConfidence,
		MaxCandidates: a.cfg.Respond.MaxCandidates,
		FallbackTexts: a.cfg.Respond.FallbackTexts,
	}, respond.WithBus(a.bus), respond.WithTemplates(templates...))
}

// initHealth registers the readiness checkers.
func (a *App) initHealth() {
	checkers := []health.Checker{
		{Name: "bus", Check: func(context.Context) error {
			return a.bus.Publish(bus.NewEvent(bus.TypeMetrics, map[string]any{
				"source": "health",
			}))
		}},
		{Name: "asr", Check: func(context.Context) error {
			if a.providers.ASR == nil {
				return errors.New("no asr provider configured")
			}
			return nil
		}},
	}
	if a.snapshotter != nil {
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: a.snapshotter.Ping,
		})
	}
	a.health = health.New(checkers...)
}

// initEventFlow subscribes the context store feed: stable transcripts
// become conversation entries.
func (a *App) initEventFlow() error {
	return a.bus.Subscribe(bus.TypeTranscript, a.onTranscript)
}

// onTranscript records one stable transcript as session context. Partials
// are skipped; they are superseded too quickly to be worth storing.
func (a *App) onTranscript(e bus.Event) {
	partial, _ := e.Payload["is_partial"].(bool)
	a.metrics.RecordTranscript(context.Background(), partial)
	if partial {
		return
	}
	sessionID := e.SessionID()
	text, _ := e.Payload["text"].(string)
	if sessionID == "" || text == "" {
		return
	}
	confidence, _ := e.Payload["confidence"].(float64)

	_, err := a.ctxStore.Add(contextstore.Entry{
		Content: map[string]any{
			"text":       text,
			"confidence": confidence,
		},
		Metadata: contextstore.Metadata{
			Source:    contextstore.SourceConversation,
			Level:     contextstore.LevelRelevant,
			Timestamp: e.Timestamp,
			Tags:      []string{sessionTag(sessionID)},
			CustomData: map[string]any{
				"session_id": sessionID,
			},
		},
	})
	if err != nil {
		slog.Warn("failed to record transcript context", "session", sessionID, "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes the background loops until ctx is cancelled: the context
// store sweeper, the engine metrics loop, and the health and metrics HTTP
// endpoints when configured. It returns the first server error, or nil
// after a clean cancellation.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.ctxStore.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.engine.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.ringMetricsLoop(ctx)
		return nil
	})
	if addr := a.cfg.Server.HealthAddr; addr != "" {
		g.Go(func() error { return a.health.Serve(ctx, addr) })
		slog.Info("health endpoint listening", "addr", addr)
	}
	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		g.Go(func() error { return observe.ServeMetrics(ctx, addr) })
		slog.Info("metrics endpoint listening", "addr", addr)
	}

	return g.Wait()
}

// ringMetricsLoop samples each active session's ring buffer once a second
// and feeds the overflow/underrun deltas into the counters.
func (a *App) ringMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	type counts struct{ over, under uint64 }
	last := make(map[string]counts)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, info := range a.sessions.Active() {
				ring, err := a.sessions.Ring(info.SessionID)
				if err != nil {
					continue
				}
				var c counts
				for _, ch := range ring.Status().Channels {
					c.over += ch.OverflowCount
					c.under += ch.UnderrunCount
				}
				prev := last[info.SessionID]
				if c.over > prev.over {
					a.metrics.RingOverflows.Add(ctx, int64(c.over-prev.over))
				}
				if c.under > prev.under {
					a.metrics.RingUnderruns.Add(ctx, int64(c.under-prev.under))
				}
				last[info.SessionID] = c
			}
		}
	}
}

// ─── Operations ──────────────────────────────────────────────────────────────

// StartSession begins capture and transcription for a new session.
func (a *App) StartSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	return a.sessions.Start(ctx, sessionID)
}

// StopSession stops capture and transcription; accumulated transcripts,
// context and insights remain queryable.
func (a *App) StopSession(ctx context.Context, sessionID string) error {
	return a.sessions.Stop(ctx, sessionID)
}

// CleanupSession stops the session if still active and removes all of its
// state: transcripts, insights and context entries. When a snapshotter is
// configured the context entries are persisted before removal.
func (a *App) CleanupSession(ctx context.Context, sessionID string) error {
	if err := a.sessions.Stop(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		slog.Warn("stop before cleanup failed", "session", sessionID, "err", err)
	}
	if err := a.engine.Cancel(sessionID); err != nil && !errors.Is(err, analysis.ErrSessionNotFound) {
		slog.Warn("cancel analysis failed", "session", sessionID, "err", err)
	}

	entries := a.ctxStore.Query(contextstore.Query{Tags: []string{sessionTag(sessionID)}})
	if a.snapshotter != nil && len(entries) > 0 {
		embedded := make([]contextstore.EmbeddedEntry, 0, len(entries))
		for _, e := range entries {
			embedded = append(embedded, contextstore.EmbeddedEntry{Entry: e})
		}
		if err := a.snapshotter.Save(ctx, sessionID, embedded); err != nil {
			return fmt.Errorf("app: snapshot session %q: %w", sessionID, err)
		}
	}
	for _, e := range entries {
		if err := a.ctxStore.Remove(e.ID); err != nil {
			slog.Warn("remove context entry failed", "entry", e.ID, "err", err)
		}
	}

	if err := a.transcripts.CleanupSession(sessionID); err != nil && !errors.Is(err, transcribe.ErrSessionNotFound) {
		return fmt.Errorf("app: cleanup transcripts %q: %w", sessionID, err)
	}
	a.engine.CleanupSession(sessionID)
	slog.Info("session cleaned up", "session", sessionID, "context_entries", len(entries))
	return nil
}

// AnalyzeText runs the default analysis pipeline over content on behalf of
// a session. Results stream on the returned run handle.
func (a *App) AnalyzeText(ctx context.Context, sessionID, content string) (*analysis.Run, error) {
	var entry *contextstore.Entry
	if latest := a.ctxStore.Query(contextstore.Query{
		Tags:  []string{sessionTag(sessionID)},
		Limit: 1,
	}); len(latest) > 0 {
		entry = &latest[0]
	}

	return a.engine.Analyze(ctx, analysis.Request{
		SessionID: sessionID,
		Content:   content,
		Entry:     entry,
		Pipeline:  defaultPipeline(),
	})
}

// Respond generates one assistance response, enriched with the session's
// latest context entry and analysis summary when the request carries
// neither.
func (a *App) Respond(ctx context.Context, req respond.Request) (*respond.Response, error) {
	if req.Entry == nil {
		if latest := a.ctxStore.Query(contextstore.Query{
			Tags:  []string{sessionTag(req.SessionID)},
			Limit: 1,
		}); len(latest) > 0 {
			req.Entry = &latest[0]
		}
	}
	if req.Analysis == nil {
		if sum := a.engine.Aggregator().Summary(req.SessionID); sum.InsightCount > 0 {
			req.Analysis = &sum
		}
	}

	start := time.Now()
	resp, err := a.generator.Generate(ctx, req)
	a.metrics.ResponseDuration.Record(ctx, time.Since(start).Seconds())
	return resp, err
}

// Transcript returns the accumulated transcript snapshot of a session.
func (a *App) Transcript(sessionID string, includePartial bool) (transcribe.Snapshot, error) {
	return a.transcripts.GetSessionResults(sessionID, includePartial)
}

// Summary returns the aggregated analysis summary of a session. A session
// without insights yields an empty summary.
func (a *App) Summary(sessionID string) analysis.Summary {
	return a.engine.Aggregator().Summary(sessionID)
}

// Bus exposes the event bus for external subscribers.
func (a *App) Bus() *bus.Bus { return a.bus }

// Context exposes the context store.
func (a *App) Context() *contextstore.Store { return a.ctxStore }

// Engine exposes the analysis engine.
func (a *App) Engine() *analysis.Engine { return a.engine }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops all sessions and tears down the subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.sessions.StopAll(ctx)

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sessionTag is the context-store tag binding an entry to its session.
func sessionTag(sessionID string) string {
	return "session:" + sessionID
}

// defaultPipeline runs every analyzer type in one concurrent stage.
// Failures are isolated per task.
func defaultPipeline() analysis.Pipeline {
	types := []string{
		analysis.TypeSentiment,
		analysis.TypeTopic,
		analysis.TypeQuality,
		analysis.TypeEngagement,
		analysis.TypeBehavioral,
		analysis.TypeCompliance,
	}
	tasks := make([]analysis.Task, 0, len(types))
	for _, t := range types {
		tasks = append(tasks, analysis.Task{ID: t, Type: t})
	}
	return analysis.Pipeline{
		Stages:         []analysis.Stage{{Name: "full", Tasks: tasks}},
		ParallelStages: true,
		ErrorHandling:  analysis.ErrorContinue,
	}
}

// buildFallbackGroup assembles the circuit-broken provider chain, or nil
// when no primary is configured.
func buildFallbackGroup(primary llm.Provider, fallbacks []llm.Provider) *resilience.FallbackGroup[llm.Provider] {
	if primary == nil {
		return nil
	}
	group := resilience.NewFallbackGroup(primary.Name(), primary, resilience.BreakerConfig{})
	for _, p := range fallbacks {
		if p != nil {
			group.Add(p.Name(), p)
		}
	}
	return group
}

// groupProvider adapts the fallback group to the single-provider surface
// the analyzer registry expects, so AI analyzers inherit failover.
type groupProvider struct {
	group *resilience.FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*groupProvider)(nil)

func (g *groupProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return resilience.ExecuteWithResult(ctx, g.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

func (g *groupProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return resilience.ExecuteWithResult(ctx, g.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

func (g *groupProvider) Name() string { return "fallback-group" }
