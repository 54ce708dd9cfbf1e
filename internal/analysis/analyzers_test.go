package analysis

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/earshot-ai/earshot/internal/contextstore"
	"github.com/earshot-ai/earshot/pkg/provider/llm"
	llmmock "github.com/earshot-ai/earshot/pkg/provider/llm/mock"
)

func metricInsight(t *testing.T, insights []Insight) Insight {
	t.Helper()
	for _, in := range insights {
		if in.Source == SourceMetric {
			return in
		}
	}
	t.Fatalf("no metric insight in %d insights", len(insights))
	return Insight{}
}

func aiSourced(t *testing.T, insights []Insight) Insight {
	t.Helper()
	for _, in := range insights {
		if in.Source == SourceAI {
			return in
		}
	}
	t.Fatalf("no model insight in %d insights", len(insights))
	return Insight{}
}

func TestSentimentScore(t *testing.T) {
	t.Parallel()
	a := &SentimentAnalyzer{}
	insights, err := a.Analyze(context.Background(), "good good bad", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(insights) != 2 {
		t.Fatalf("want 2 insights, got %d", len(insights))
	}
	m := metricInsight(t, insights)
	score := m.Content["sentiment_score"].(float64)
	if math.Abs(score-1.0/3.0) > 1e-9 {
		t.Fatalf("want score 1/3, got %v", score)
	}
	if got := m.Content["positive_count"].(int); got != 2 {
		t.Fatalf("want 2 positive, got %d", got)
	}
	if got := m.Content["negative_count"].(int); got != 1 {
		t.Fatalf("want 1 negative, got %d", got)
	}
	if got := m.Content["word_count"].(int); got != 3 {
		t.Fatalf("want word count 3, got %d", got)
	}
	if m.Confidence != 0.9 {
		t.Fatalf("want metric confidence 0.9, got %v", m.Confidence)
	}
}

func TestSentimentNeutralWhenNoLexiconHits(t *testing.T) {
	t.Parallel()
	a := &SentimentAnalyzer{}
	insights, err := a.Analyze(context.Background(), "the meeting starts at noon", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if got := m.Content["sentiment_score"].(float64); got != 0 {
		t.Fatalf("want neutral score 0, got %v", got)
	}
}

func TestModelInsightDegradesWithoutProvider(t *testing.T) {
	t.Parallel()
	a := &SentimentAnalyzer{}
	insights, err := a.Analyze(context.Background(), "good", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	ai := aiSourced(t, insights)
	if ai.Confidence != 0.5 {
		t.Fatalf("want degraded confidence 0.5, got %v", ai.Confidence)
	}
	if degraded, _ := ai.Content["degraded"].(bool); !degraded {
		t.Fatalf("want degraded content, got %v", ai.Content)
	}
}

func TestModelInsightUsesProvider(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "mostly positive tone"},
	}
	a := &SentimentAnalyzer{llm: provider}
	insights, err := a.Analyze(context.Background(), "good", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	ai := aiSourced(t, insights)
	if ai.Confidence != 0.7 {
		t.Fatalf("want confidence 0.7, got %v", ai.Confidence)
	}
	if got := ai.Content["assessment"].(string); got != "mostly positive tone" {
		t.Fatalf("want provider assessment, got %q", got)
	}
	if calls := provider.Calls(); len(calls) != 1 {
		t.Fatalf("want 1 provider call, got %d", len(calls))
	}
}

func TestAnalyzerReferencesFollowEntry(t *testing.T) {
	t.Parallel()
	entry := &contextstore.Entry{
		ID: "ctx-1",
		Metadata: contextstore.Metadata{
			Source:     contextstore.SourceConversation,
			References: []string{"doc-9"},
		},
	}
	a := &SentimentAnalyzer{}
	insights, err := a.Analyze(context.Background(), "good", entry, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if len(m.References) != 2 || m.References[0] != "ctx-1" || m.References[1] != "doc-9" {
		t.Fatalf("want refs [ctx-1 doc-9], got %v", m.References)
	}
}

func TestTopicGroupsByPrefix(t *testing.T) {
	t.Parallel()
	a := &TopicAnalyzer{}
	insights, err := a.Analyze(context.Background(), "deploy deploy deployment rollback", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)

	raw, err := json.Marshal(m.Content["topics"])
	if err != nil {
		t.Fatalf("marshal topics: %v", err)
	}
	var topics []struct {
		Prefix string   `json:"prefix"`
		Count  int      `json:"count"`
		Words  []string `json:"words"`
	}
	if err := json.Unmarshal(raw, &topics); err != nil {
		t.Fatalf("unmarshal topics: %v", err)
	}

	if len(topics) != 2 {
		t.Fatalf("want 2 topic groups, got %d", len(topics))
	}
	if topics[0].Prefix != "depl" || topics[0].Count != 3 {
		t.Fatalf("want depl group with count 3, got %+v", topics[0])
	}
	if len(topics[0].Words) != 2 || topics[0].Words[0] != "deploy" || topics[0].Words[1] != "deployment" {
		t.Fatalf("want words [deploy deployment], got %v", topics[0].Words)
	}
	if topics[1].Prefix != "roll" || topics[1].Count != 1 {
		t.Fatalf("want roll group with count 1, got %+v", topics[1])
	}
	if got := m.Content["token_kinds"].(int); got != 3 {
		t.Fatalf("want 3 token kinds, got %d", got)
	}
}

func TestTopicDropsStopwords(t *testing.T) {
	t.Parallel()
	a := &TopicAnalyzer{}
	insights, err := a.Analyze(context.Background(), "the and of pricing", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if got := m.Content["token_kinds"].(int); got != 1 {
		t.Fatalf("want only pricing to survive, got %d kinds", got)
	}
}

func TestQualityMetrics(t *testing.T) {
	t.Parallel()
	a := &QualityAnalyzer{}
	insights, err := a.Analyze(context.Background(), "um I like it. It works.", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if got := m.Content["sentence_count"].(int); got != 2 {
		t.Fatalf("want 2 sentences, got %d", got)
	}
	if got := m.Content["avg_sentence_length"].(float64); got != 3 {
		t.Fatalf("want avg length 3, got %v", got)
	}
	if got := m.Content["filler_count"].(int); got != 2 {
		t.Fatalf("want 2 fillers, got %d", got)
	}
	richness := m.Content["vocabulary_richness"].(float64)
	if math.Abs(richness-5.0/6.0) > 1e-9 {
		t.Fatalf("want richness 5/6, got %v", richness)
	}
}

func TestEngagementTurnTakingRatio(t *testing.T) {
	t.Parallel()
	a := &EngagementAnalyzer{}
	insights, err := a.Analyze(context.Background(), "How are you? I am fine. Good day.", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if got := m.Content["question_sentences"].(int); got != 1 {
		t.Fatalf("want 1 question, got %d", got)
	}
	if got := m.Content["statement_sentences"].(int); got != 2 {
		t.Fatalf("want 2 statements, got %d", got)
	}
	if got := m.Content["turn_taking_ratio"].(float64); got != 0.5 {
		t.Fatalf("want ratio 0.5, got %v", got)
	}
}

func TestEngagementEmptyContent(t *testing.T) {
	t.Parallel()
	a := &EngagementAnalyzer{}
	insights, err := a.Analyze(context.Background(), "", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if got := m.Content["turn_taking_ratio"].(float64); got != 0 {
		t.Fatalf("want ratio 0, got %v", got)
	}
}

func TestSplitSentencesMixedTerminators(t *testing.T) {
	t.Parallel()
	q, s := splitSentences("Really?! Sure. Fine")
	if q != 1 || s != 2 {
		t.Fatalf("want 1 question and 2 statements, got %d and %d", q, s)
	}
}

func TestBehavioralStyle(t *testing.T) {
	t.Parallel()
	a := &BehavioralAnalyzer{}

	insights, err := a.Analyze(context.Background(), "maybe we could perhaps try that, it is definitely worth it", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if got := m.Content["hedging_count"].(int); got != 3 {
		t.Fatalf("want 3 hedging words, got %d", got)
	}
	if got := m.Content["assertive_count"].(int); got != 1 {
		t.Fatalf("want 1 assertive word, got %d", got)
	}
	if got := m.Content["dominant_style"].(string); got != "tentative" {
		t.Fatalf("want tentative style, got %q", got)
	}

	insights, err = a.Analyze(context.Background(), "we must absolutely ship this", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got := metricInsight(t, insights).Content["dominant_style"].(string); got != "assertive" {
		t.Fatalf("want assertive style, got %q", got)
	}
}

func TestComplianceConfidentialHighSeverity(t *testing.T) {
	t.Parallel()
	a := newComplianceAnalyzer(nil, nil)
	insights, err := a.Analyze(context.Background(), "confidential project plan for merger", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if got := m.Content["max_risk"].(float64); math.Abs(got-0.9) > 1e-9 {
		t.Fatalf("want max risk 0.9, got %v", got)
	}
	if got := m.Content["overall_severity"].(string); got != "high" {
		t.Fatalf("want high severity, got %q", got)
	}
}

func TestComplianceShortMatchKeepsBaseRisk(t *testing.T) {
	t.Parallel()
	a := newComplianceAnalyzer(nil, nil)
	insights, err := a.Analyze(context.Background(), "rotate the password.", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if got := m.Content["max_risk"].(float64); math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("want max risk 0.6, got %v", got)
	}
	if got := m.Content["overall_severity"].(string); got != "medium" {
		t.Fatalf("want medium severity, got %q", got)
	}
}

func TestComplianceCleanContent(t *testing.T) {
	t.Parallel()
	a := newComplianceAnalyzer(nil, nil)
	insights, err := a.Analyze(context.Background(), "the weather is nice today", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := metricInsight(t, insights)
	if got := m.Content["max_risk"].(float64); got != 0 {
		t.Fatalf("want max risk 0, got %v", got)
	}
	if got := m.Content["overall_severity"].(string); got != "none" {
		t.Fatalf("want no severity, got %q", got)
	}
}

func TestComplianceThresholdOverride(t *testing.T) {
	t.Parallel()
	a := newComplianceAnalyzer(nil, map[string]any{"high_threshold": 0.95})
	insights, err := a.Analyze(context.Background(), "confidential project plan for merger", nil, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got := metricInsight(t, insights).Content["overall_severity"].(string); got != "medium" {
		t.Fatalf("want medium severity under raised threshold, got %q", got)
	}
}

func TestAggregateConfidenceWeights(t *testing.T) {
	t.Parallel()
	got := aggregateConfidence([]Insight{
		{Type: TypeSentiment, Confidence: 0.8},
		{Type: TypeEngagement, Confidence: 0.6},
	})
	want := (0.8*1.0 + 0.6*0.9) / 1.9
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("want %v, got %v", want, got)
	}
	if aggregateConfidence(nil) != 0 {
		t.Fatalf("want 0 for no insights")
	}
}

func TestRegistryUnknownType(t *testing.T) {
	t.Parallel()
	r := NewDefaultRegistry(nil)
	if _, err := r.New("palmistry", nil); err == nil {
		t.Fatalf("want error for unknown analyzer")
	}
	types := r.Types()
	if len(types) != 6 {
		t.Fatalf("want 6 registered analyzers, got %d", len(types))
	}
}
