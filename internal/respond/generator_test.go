package respond

import (
	"context"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/internal/bus"
	"github.com/earshot-ai/earshot/internal/contextstore"
	"github.com/earshot-ai/earshot/internal/resilience"
	"github.com/earshot-ai/earshot/pkg/provider/llm"
	llmmock "github.com/earshot-ai/earshot/pkg/provider/llm/mock"
)

func providerGroup(providers ...llm.Provider) *resilience.FallbackGroup[llm.Provider] {
	fg := resilience.NewFallbackGroup("primary", providers[0], resilience.BreakerConfig{})
	for i, p := range providers[1:] {
		fg.Add("fallback-"+string(rune('a'+i)), p)
	}
	return fg
}

func jsonProvider(body string) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: body},
	}
}

func TestGenerateSelectsBestCandidate(t *testing.T) {
	t.Parallel()
	p := jsonProvider(`[
		{"content": "Ask about their pricing model", "type": "SUGGESTION", "confidence": 0.9, "context_refs": ["ctx-1"]},
		{"content": "Mention the onboarding timeline", "type": "SUGGESTION", "confidence": 0.6}
	]`)
	g := New(providerGroup(p), Config{})

	resp, err := g.Generate(context.Background(), Request{SessionID: "s1", Query: "what next?", Type: TypeSuggestion})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "Ask about their pricing model" {
		t.Fatalf("want best candidate as content, got %q", resp.Content)
	}
	if resp.Type != TypeSuggestion || resp.Confidence != 0.9 {
		t.Fatalf("want SUGGESTION at 0.9, got %s at %v", resp.Type, resp.Confidence)
	}
	if len(resp.Alternatives) != 1 || resp.Alternatives[0].Confidence != 0.6 {
		t.Fatalf("want 1 alternative at 0.6, got %v", resp.Alternatives)
	}
	if len(resp.ContextRefs) != 1 || resp.ContextRefs[0] != "ctx-1" {
		t.Fatalf("want context refs from best candidate, got %v", resp.ContextRefs)
	}
}

func TestGenerateFiltersAndCaps(t *testing.T) {
	t.Parallel()
	p := jsonProvider(`[
		{"content": "a", "confidence": 0.7},
		{"content": "b", "confidence": 0.9},
		{"content": "c", "confidence": 0.2},
		{"content": "d", "confidence": 0.8}
	]`)
	g := New(providerGroup(p), Config{MaxCandidates: 2})

	resp, err := g.Generate(context.Background(), Request{Query: "q", Type: TypeAnswer})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "b" {
		t.Fatalf("want highest confidence first, got %q", resp.Content)
	}
	if len(resp.Alternatives) != 1 || resp.Alternatives[0].Content != "d" {
		t.Fatalf("want capped alternatives [d], got %v", resp.Alternatives)
	}
	if resp.Type != TypeAnswer {
		t.Fatalf("want untyped candidates to inherit the requested type, got %s", resp.Type)
	}
}

func TestGenerateFallbackOnEmptySelection(t *testing.T) {
	t.Parallel()
	g := New(providerGroup(jsonProvider(`[]`)), Config{
		FallbackTexts: map[string]string{TypeAnswer: "Let me get back to you on that."},
	})

	resp, err := g.Generate(context.Background(), Request{Query: "q", Type: TypeAnswer})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Type != TypeFallback {
		t.Fatalf("want FALLBACK type, got %s", resp.Type)
	}
	if resp.Confidence != 0.5 {
		t.Fatalf("want fallback confidence 0.5, got %v", resp.Confidence)
	}
	if resp.Content != "Let me get back to you on that." {
		t.Fatalf("want configured fallback text, got %q", resp.Content)
	}
}

func TestGenerateFailsOverBetweenProviders(t *testing.T) {
	t.Parallel()
	broken := &llmmock.Provider{CompleteErr: context.DeadlineExceeded, ProviderName: "broken"}
	healthy := jsonProvider(`[{"content": "from fallback", "confidence": 0.8}]`)
	g := New(providerGroup(broken, healthy), Config{})

	resp, err := g.Generate(context.Background(), Request{Query: "q", Type: TypeSuggestion})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "from fallback" {
		t.Fatalf("want fallback provider's candidate, got %q", resp.Content)
	}
	if len(broken.Calls()) != 1 || len(healthy.Calls()) != 1 {
		t.Fatalf("want both providers tried once, got %d and %d", len(broken.Calls()), len(healthy.Calls()))
	}
}

func TestGenerateFallbackWhenAllProvidersFail(t *testing.T) {
	t.Parallel()
	broken := &llmmock.Provider{CompleteErr: context.DeadlineExceeded}
	g := New(providerGroup(broken), Config{})

	resp, err := g.Generate(context.Background(), Request{Query: "q", Type: TypeSuggestion})
	if err != nil {
		t.Fatalf("generate must not fail the caller: %v", err)
	}
	if resp.Type != TypeFallback {
		t.Fatalf("want FALLBACK, got %s", resp.Type)
	}
}

func TestTemplateCandidates(t *testing.T) {
	t.Parallel()
	g := New(nil, Config{}, WithTemplates(Template{
		Name:       "probe-topic",
		Type:       TypeSuggestion,
		Text:       "Could you expand on {{topic}}?",
		Required:   []string{"topic"},
		Confidence: 0.7,
	}))

	entry := &contextstore.Entry{
		ID:      "ctx-7",
		Content: map[string]any{"topic": "contract renewal"},
		Metadata: contextstore.Metadata{
			Source:    contextstore.SourceConversation,
			Timestamp: time.Now(),
		},
	}
	resp, err := g.Generate(context.Background(), Request{Query: "q", Type: TypeSuggestion, Entry: entry})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "Could you expand on contract renewal?" {
		t.Fatalf("want rendered template, got %q", resp.Content)
	}
	if len(resp.ContextRefs) != 1 || resp.ContextRefs[0] != "ctx-7" {
		t.Fatalf("want entry reference, got %v", resp.ContextRefs)
	}
	if resp.Metadata["template"] != "probe-topic" {
		t.Fatalf("want template name in metadata, got %v", resp.Metadata)
	}
}

func TestTemplateFailsClosedOnMissingVariable(t *testing.T) {
	t.Parallel()
	g := New(nil, Config{}, WithTemplates(Template{
		Name:       "needs-topic",
		Type:       TypeSuggestion,
		Text:       "Ask about {{topic}}",
		Required:   []string{"topic"},
		Confidence: 0.7,
	}))

	resp, err := g.Generate(context.Background(), Request{Query: "q", Type: TypeSuggestion})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Type != TypeFallback {
		t.Fatalf("want fallback when the only template is skipped, got %s", resp.Type)
	}
}

func TestTemplateUndeclaredPlaceholderFailsClosed(t *testing.T) {
	t.Parallel()
	tpl := Template{Name: "x", Type: TypeSuggestion, Text: "About {{missing}}"}
	if _, ok := tpl.render(map[string]string{"query": "q"}); ok {
		t.Fatalf("want render to fail on unresolved placeholder")
	}
}

func TestTemplateRoleMatching(t *testing.T) {
	t.Parallel()
	g := New(nil, Config{}, WithTemplates(
		Template{Name: "sales-only", Type: TypeSuggestion, Role: "sales", Text: "sales line", Confidence: 0.8},
		Template{Name: "anyone", Type: TypeSuggestion, Text: "generic line", Confidence: 0.6},
	))

	resp, err := g.Generate(context.Background(), Request{Query: "q", Type: TypeSuggestion, Role: "support"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "generic line" {
		t.Fatalf("role-restricted template must not match, got %q", resp.Content)
	}

	resp, err = g.Generate(context.Background(), Request{Query: "q", Type: TypeSuggestion, Role: "sales"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "sales line" {
		t.Fatalf("want role template to win on confidence, got %q", resp.Content)
	}
}

func TestAddTemplateValidation(t *testing.T) {
	t.Parallel()
	g := New(nil, Config{})
	if err := g.AddTemplate(Template{Name: "", Text: "x", Type: TypeAnswer}); err == nil {
		t.Fatalf("want error for unnamed template")
	}
	if err := g.AddTemplate(Template{Name: "x", Text: "body"}); err == nil {
		t.Fatalf("want error for untyped template")
	}
}

func TestParseCandidatesToleratesFences(t *testing.T) {
	t.Parallel()
	got, err := parseCandidates("Here you go:\n```json\n[{\"content\": \"a\", \"confidence\": 0.5}]\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 1 || got[0].Content != "a" {
		t.Fatalf("want one candidate, got %v", got)
	}
	if _, err := parseCandidates("no array here"); err == nil {
		t.Fatalf("want error without a JSON array")
	}
}

func TestGeneratePublishesAssistance(t *testing.T) {
	t.Parallel()
	b := bus.New()
	defer b.Close()
	events := make(chan bus.Event, 1)
	if err := b.Subscribe(bus.TypeAssistance, func(e bus.Event) { events <- e }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	g := New(providerGroup(jsonProvider(`[{"content": "hi", "confidence": 0.9}]`)), Config{}, WithBus(b))
	if _, err := g.Generate(context.Background(), Request{SessionID: "s1", Query: "q", Type: TypeSuggestion}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Payload["session_id"] != "s1" || ev.Payload["content"] != "hi" {
			t.Fatalf("unexpected payload %v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no assistance event")
	}
}
