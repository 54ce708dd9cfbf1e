package respond

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/earshot-ai/earshot/internal/analysis"
	"github.com/earshot-ai/earshot/internal/bus"
	"github.com/earshot-ai/earshot/internal/contextstore"
	"github.com/earshot-ai/earshot/internal/resilience"
	"github.com/earshot-ai/earshot/pkg/provider/llm"
)

const (
	defaultMinConfidence = 0.3
	defaultMaxCandidates = 3
	fallbackConfidence   = 0.5
)

// Config tunes candidate selection.
type Config struct {
	// MinConfidence drops candidates below it. Default 0.3.
	MinConfidence float64

	// MaxCandidates caps how many candidates survive selection.
	// Default 3.
	MaxCandidates int

	// FallbackTexts maps a response type to its fixed fallback body.
	FallbackTexts map[string]string
}

func (c *Config) applyDefaults() {
	if c.MinConfidence <= 0 {
		c.MinConfidence = defaultMinConfidence
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = defaultMaxCandidates
	}
}

// Option configures a [Generator] during construction.
type Option func(*Generator)

// WithBus attaches the event bus; generated responses are then published
// as ASSISTANCE events.
func WithBus(b *bus.Bus) Option {
	return func(g *Generator) {
		g.bus = b
	}
}

// WithTemplates registers response templates. Invalid templates are
// rejected at startup via [Generator.AddTemplate].
func WithTemplates(templates ...Template) Option {
	return func(g *Generator) {
		for _, t := range templates {
			if err := g.AddTemplate(t); err != nil {
				slog.Warn("dropping invalid template", "template", t.Name, "err", err)
			}
		}
	}
}

// Request asks for one response.
type Request struct {
	SessionID string

	// Query is what the response should address.
	Query string

	// Type is the requested response type.
	Type string

	// Role optionally narrows template matching.
	Role string

	// Entry optionally supplies session context for prompt building and
	// template variables.
	Entry *contextstore.Entry

	// Analysis optionally carries the session's analysis summary.
	Analysis *analysis.Summary
}

// Generator produces responses from pooled model and template candidates.
// Model calls go through the provider fallback group; a nil group
// restricts generation to templates.
//
// Register templates before first use; Generate may then be called
// concurrently.
type Generator struct {
	cfg       Config
	providers *resilience.FallbackGroup[llm.Provider]
	templates []Template
	bus       *bus.Bus
}

// New creates a Generator over the provider group.
func New(providers *resilience.FallbackGroup[llm.Provider], cfg Config, opts ...Option) *Generator {
	cfg.applyDefaults()
	g := &Generator{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(g)
	}
	return g
}

// AddTemplate registers one response template.
func (g *Generator) AddTemplate(t Template) error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Confidence <= 0 {
		t.Confidence = 0.6
	}
	g.templates = append(g.templates, t)
	return nil
}

// Generate pools model and template candidates, selects the best and
// returns it with the runners-up as alternatives. It never fails the
// caller: generation errors degrade to the fixed fallback response.
func (g *Generator) Generate(ctx context.Context, req Request) (*Response, error) {
	candidates := g.aiCandidates(ctx, req)
	candidates = append(candidates, g.templateCandidates(req)...)

	selected := g.selectCandidates(candidates)
	if len(selected) == 0 {
		resp := g.fallback(req)
		g.publish(req, resp)
		return resp, nil
	}

	best := selected[0]
	resp := &Response{
		Content:      best.Content,
		Type:         best.Type,
		Confidence:   best.Confidence,
		Alternatives: selected[1:],
		ContextRefs:  best.ContextRefs,
		Metadata:     best.Metadata,
		Timestamp:    time.Now(),
	}
	g.publish(req, resp)
	return resp, nil
}

// selectCandidates drops low-confidence candidates, orders the rest by
// confidence and keeps the top MaxCandidates.
func (g *Generator) selectCandidates(candidates []Candidate) []Candidate {
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Confidence >= g.cfg.MinConfidence {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Confidence > kept[j].Confidence
	})
	if len(kept) > g.cfg.MaxCandidates {
		kept = kept[:g.cfg.MaxCandidates]
	}
	return kept
}

// fallback builds the fixed response for the requested type.
func (g *Generator) fallback(req Request) *Response {
	text, ok := g.cfg.FallbackTexts[req.Type]
	if !ok {
		text = "I don't have a confident suggestion right now."
	}
	return &Response{
		Content:    text,
		Type:       TypeFallback,
		Confidence: fallbackConfidence,
		Metadata:   map[string]any{"requested_type": req.Type},
		Timestamp:  time.Now(),
	}
}

// ─── Model candidates ─────────────────────────────────────────────────────────

const candidatePrompt = `You assist a live conversation. Propose response candidates for the request below.
Reply with a JSON array only; each element is an object with keys
"content" (string), "type" (string), "confidence" (number 0..1),
"context_refs" (array of strings) and "metadata" (object).`

// aiCandidates asks the provider group for a JSON candidate list. Any
// failure degrades to zero candidates.
func (g *Generator) aiCandidates(ctx context.Context, req Request) []Candidate {
	if g.providers == nil {
		return nil
	}

	resp, err := resilience.ExecuteWithResult(ctx, g.providers,
		func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
			return p.Complete(ctx, llm.CompletionRequest{
				SystemPrompt: candidatePrompt,
				Messages:     []llm.Message{{Role: "user", Content: g.buildUserPrompt(req)}},
				Temperature:  0.4,
				MaxTokens:    1024,
			})
		})
	if err != nil {
		slog.Warn("model candidate generation failed", "session", req.SessionID, "err", err)
		return nil
	}

	candidates, err := parseCandidates(resp.Content)
	if err != nil {
		slog.Warn("unparseable candidate list", "session", req.SessionID, "err", err)
		return nil
	}
	for i := range candidates {
		if candidates[i].Type == "" {
			candidates[i].Type = req.Type
		}
		if candidates[i].Confidence < 0 {
			candidates[i].Confidence = 0
		}
		if candidates[i].Confidence > 1 {
			candidates[i].Confidence = 1
		}
	}
	return candidates
}

func (g *Generator) buildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Requested type: %s\n", req.Type)
	if req.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", req.Role)
	}
	fmt.Fprintf(&b, "Query: %s\n", req.Query)
	if req.Entry != nil {
		fmt.Fprintf(&b, "Context (%s): %v\n", req.Entry.Metadata.Source, req.Entry.Content)
	}
	if req.Analysis != nil && len(req.Analysis.Scores) > 0 {
		fmt.Fprintf(&b, "Analysis scores: %v\n", req.Analysis.Scores)
	}
	return b.String()
}

// parseCandidates decodes the model's JSON array, tolerating surrounding
// prose and code fences.
func parseCandidates(content string) ([]Candidate, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("respond: no JSON array in model output")
	}
	var candidates []Candidate
	if err := json.Unmarshal([]byte(content[start:end+1]), &candidates); err != nil {
		return nil, fmt.Errorf("respond: decode candidates: %w", err)
	}
	return candidates, nil
}

// ─── Template candidates ──────────────────────────────────────────────────────

// templateCandidates renders every template matching the requested type
// and role. Templates missing a variable are skipped.
func (g *Generator) templateCandidates(req Request) []Candidate {
	vars := templateVars(req)
	var out []Candidate
	for _, t := range g.templates {
		if !t.matches(req.Type, req.Role) {
			continue
		}
		body, ok := t.render(vars)
		if !ok {
			slog.Debug("skipping template, missing variable", "template", t.Name)
			continue
		}
		c := Candidate{
			Content:    body,
			Type:       t.Type,
			Confidence: t.Confidence,
			Metadata:   map[string]any{"template": t.Name},
		}
		if req.Entry != nil {
			c.ContextRefs = []string{req.Entry.ID}
		}
		out = append(out, c)
	}
	return out
}

// templateVars flattens the request into template variables: the query
// and role plus every scalar from the context entry's content and custom
// data.
func templateVars(req Request) map[string]string {
	vars := map[string]string{"query": req.Query}
	if req.Role != "" {
		vars["role"] = req.Role
	}
	if req.Entry != nil {
		if content, ok := req.Entry.Content.(map[string]any); ok {
			for k, v := range content {
				vars[k] = fmt.Sprint(v)
			}
		}
		for k, v := range req.Entry.Metadata.CustomData {
			vars[k] = fmt.Sprint(v)
		}
	}
	return vars
}

func (g *Generator) publish(req Request, resp *Response) {
	if g.bus == nil {
		return
	}
	_ = g.bus.Publish(bus.NewEvent(bus.TypeAssistance, map[string]any{
		"session_id": req.SessionID,
		"type":       resp.Type,
		"content":    resp.Content,
		"confidence": resp.Confidence,
	}))
}
