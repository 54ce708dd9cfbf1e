package analysis

import (
	"math"
	"testing"
)

func TestAggregatorDeduplicatesByContent(t *testing.T) {
	t.Parallel()
	a := NewAggregator()
	result := Result{
		TaskID: "T1",
		Type:   TypeSentiment,
		Insights: []Insight{
			{Type: TypeSentiment, Source: SourceMetric, Confidence: 0.9,
				Content: map[string]any{"sentiment_score": 0.5, "word_count": 4}},
		},
	}
	a.Add("s1", result)
	a.Add("s1", result)

	if got := a.Insights("s1"); len(got) != 1 {
		t.Fatalf("want 1 deduplicated insight, got %d", len(got))
	}

	// Key order must not affect the hash.
	a.Add("s1", Result{
		TaskID: "T2",
		Type:   TypeSentiment,
		Insights: []Insight{
			{Type: TypeSentiment, Source: SourceMetric, Confidence: 0.9,
				Content: map[string]any{"word_count": 4, "sentiment_score": 0.5}},
		},
	})
	if got := a.Insights("s1"); len(got) != 1 {
		t.Fatalf("want key order to be irrelevant, got %d insights", len(got))
	}
}

func TestAggregatorSummary(t *testing.T) {
	t.Parallel()
	a := NewAggregator()
	a.Add("s1", Result{Type: TypeSentiment, Insights: []Insight{
		{Type: TypeSentiment, Confidence: 0.9, Content: map[string]any{"sentiment_score": 0.4}},
		{Type: TypeSentiment, Confidence: 0.7, Content: map[string]any{"assessment": "calm"}},
	}})
	a.Add("s1", Result{Type: TypeQuality, Insights: []Insight{
		{Type: TypeQuality, Confidence: 0.6,
			Content: map[string]any{"recommendation": "slow down"}},
	}})

	s := a.Summary("s1")
	if s.InsightCount != 3 {
		t.Fatalf("want 3 insights, got %d", s.InsightCount)
	}
	if got := s.Scores[TypeSentiment]; math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("want mean sentiment score 0.8, got %v", got)
	}
	if got := s.Scores[TypeQuality]; got != 0.6 {
		t.Fatalf("want quality score 0.6, got %v", got)
	}
	if len(s.TopInsights) != 3 || s.TopInsights[0].Confidence != 0.9 {
		t.Fatalf("want top insights ordered by confidence, got %+v", s.TopInsights)
	}
	if len(s.Recommendations) != 1 || s.Recommendations[0] != "slow down" {
		t.Fatalf("want recommendation carried into summary, got %v", s.Recommendations)
	}
}

func TestAggregatorSummaryCapsTopInsights(t *testing.T) {
	t.Parallel()
	a := NewAggregator()
	for i := range 7 {
		a.Add("s1", Result{Insights: []Insight{
			{Type: TypeTopic, Confidence: float64(i) / 10,
				Content: map[string]any{"n": i}},
		}})
	}
	s := a.Summary("s1")
	if len(s.TopInsights) != 5 {
		t.Fatalf("want 5 top insights, got %d", len(s.TopInsights))
	}
	if s.TopInsights[0].Confidence != 0.6 {
		t.Fatalf("want highest confidence first, got %v", s.TopInsights[0].Confidence)
	}
}

func TestAggregatorCorrelations(t *testing.T) {
	t.Parallel()
	a := NewAggregator()
	a.Add("s1", Result{Insights: []Insight{
		{Type: TypeSentiment, Content: map[string]any{"k": 1}, References: []string{"e1", "e2"}},
	}})
	a.Add("s1", Result{Insights: []Insight{
		{Type: TypeQuality, Content: map[string]any{"k": 2}, References: []string{"e2", "e3"}},
		{Type: TypeTopic, Content: map[string]any{"k": 3}, References: []string{"e9"}},
		{Type: TypeEngagement, Content: map[string]any{"k": 4}, References: []string{"e1", "e2"}},
	}})

	s := a.Summary("s1")
	strengths := make(map[[2]string]float64, len(s.Correlations))
	for _, c := range s.Correlations {
		strengths[[2]string{c.TypeA, c.TypeB}] = c.Strength
	}

	if got := strengths[[2]string{TypeSentiment, TypeQuality}]; math.Abs(got-1.0/3.0) > 1e-9 {
		t.Fatalf("want jaccard 1/3, got %v", got)
	}
	if got := strengths[[2]string{TypeSentiment, TypeEngagement}]; got != 1 {
		t.Fatalf("want jaccard 1 for identical refs, got %v", got)
	}
	if _, ok := strengths[[2]string{TypeSentiment, TypeTopic}]; ok {
		t.Fatalf("disjoint reference sets must not correlate")
	}
}

func TestCorrelateSkipsSameType(t *testing.T) {
	t.Parallel()
	got := correlate([]Insight{
		{Type: TypeSentiment, References: []string{"e1"}},
		{Type: TypeSentiment, References: []string{"e1"}},
	})
	if len(got) != 0 {
		t.Fatalf("want no same-type correlations, got %v", got)
	}
}

func TestJaccard(t *testing.T) {
	t.Parallel()
	if got := jaccard(nil, nil); got != 0 {
		t.Fatalf("want 0 for empty sets, got %v", got)
	}
	if got := jaccard([]string{"a", "b"}, []string{"b", "c", "c"}); math.Abs(got-1.0/3.0) > 1e-9 {
		t.Fatalf("want 1/3 with duplicate collapsed, got %v", got)
	}
}

func TestAggregatorUnknownSession(t *testing.T) {
	t.Parallel()
	a := NewAggregator()
	if got := a.Insights("nope"); got != nil {
		t.Fatalf("want nil insights, got %v", got)
	}
	s := a.Summary("nope")
	if s.InsightCount != 0 || len(s.TopInsights) != 0 {
		t.Fatalf("want empty summary, got %+v", s)
	}
}
