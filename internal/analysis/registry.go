package analysis

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/earshot-ai/earshot/internal/contextstore"
	"github.com/earshot-ai/earshot/pkg/provider/llm"
)

// Analyzer inspects conversation content and returns insights. Analyzers
// hold only configuration and are safe to share read-only across tasks;
// they never retain insights after returning.
type Analyzer interface {
	// Type names the analysis this analyzer performs.
	Type() string

	// Analyze inspects content, optionally informed by a context entry
	// and per-task config, and returns at least two insights: one
	// model-sourced and one metric-sourced.
	Analyze(ctx context.Context, content string, entry *contextstore.Entry, cfg map[string]any) ([]Insight, error)
}

// Constructor builds a fresh analyzer instance for one task.
type Constructor func(cfg map[string]any) Analyzer

// Registry maps analysis types to analyzer constructors. Register all
// constructors at startup; lookups are read-only afterwards.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// NewDefaultRegistry creates a registry with all six built-in analyzers.
// provider may be nil, in which case model-sourced insights degrade to
// heuristic summaries.
func NewDefaultRegistry(provider llm.Provider) *Registry {
	r := NewRegistry()
	r.Register(TypeSentiment, func(cfg map[string]any) Analyzer {
		return &SentimentAnalyzer{llm: provider}
	})
	r.Register(TypeTopic, func(cfg map[string]any) Analyzer {
		return &TopicAnalyzer{llm: provider}
	})
	r.Register(TypeQuality, func(cfg map[string]any) Analyzer {
		return &QualityAnalyzer{llm: provider}
	})
	r.Register(TypeEngagement, func(cfg map[string]any) Analyzer {
		return &EngagementAnalyzer{llm: provider}
	})
	r.Register(TypeBehavioral, func(cfg map[string]any) Analyzer {
		return &BehavioralAnalyzer{llm: provider}
	})
	r.Register(TypeCompliance, func(cfg map[string]any) Analyzer {
		return newComplianceAnalyzer(provider, cfg)
	})
	return r
}

// Register binds a constructor to an analysis type, replacing any
// previous binding.
func (r *Registry) Register(analysisType string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[analysisType] = ctor
}

// New constructs an analyzer for the given type and task config.
func (r *Registry) New(analysisType string, cfg map[string]any) (Analyzer, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[analysisType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAnalyzerNotFound, analysisType)
	}
	return ctor(cfg), nil
}

// Types lists the registered analysis types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
