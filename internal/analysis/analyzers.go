package analysis

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/earshot-ai/earshot/internal/contextstore"
	"github.com/earshot-ai/earshot/pkg/provider/llm"
)

// ─── Shared text metrics ──────────────────────────────────────────────────────

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "our": {}, "she": {},
	"so": {}, "that": {}, "the": {}, "their": {}, "them": {}, "they": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "will": {},
	"with": {}, "you": {}, "your": {},
}

var positiveWords = map[string]struct{}{
	"good": {}, "great": {}, "excellent": {}, "happy": {}, "love": {},
	"helpful": {}, "perfect": {}, "wonderful": {}, "agree": {}, "yes": {},
	"thanks": {}, "thank": {}, "nice": {}, "best": {}, "glad": {},
	"appreciate": {}, "awesome": {}, "fantastic": {},
}

var negativeWords = map[string]struct{}{
	"bad": {}, "terrible": {}, "awful": {}, "hate": {}, "angry": {},
	"wrong": {}, "poor": {}, "worst": {}, "disagree": {}, "no": {},
	"problem": {}, "issue": {}, "unhappy": {}, "disappointed": {},
	"frustrating": {}, "broken": {}, "fail": {}, "confusing": {},
}

var tokenPattern = regexp.MustCompile(`[a-z0-9']+`)

// tokenize lowercases the text and extracts word tokens.
func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// splitSentences splits on terminal punctuation, preserving whether each
// sentence ended in a question mark.
func splitSentences(text string) (questions, statements int) {
	rest := text
	for {
		loc := sentenceSplit.FindStringIndex(rest)
		if loc == nil {
			if strings.TrimSpace(rest) != "" {
				statements++
			}
			return
		}
		sentence := rest[:loc[0]]
		terminator := rest[loc[0]:loc[1]]
		if strings.TrimSpace(sentence) != "" {
			if strings.Contains(terminator, "?") {
				questions++
			} else {
				statements++
			}
		}
		rest = rest[loc[1]:]
	}
}

// aiInsight produces the model-sourced insight for one analyzer. Without
// a provider, or when the model call fails, it degrades to a heuristic
// note at reduced confidence so downstream consumers always see both
// sources.
func aiInsight(ctx context.Context, provider llm.Provider, analysisType, prompt, content string, refs []string) Insight {
	in := Insight{
		Type:       analysisType,
		Source:     SourceAI,
		Timestamp:  time.Now(),
		Tags:       []string{analysisType},
		References: refs,
	}

	if provider != nil {
		resp, err := provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: prompt,
			Messages:     []llm.Message{{Role: "user", Content: content}},
			Temperature:  0.2,
			MaxTokens:    512,
		})
		if err == nil && resp != nil && resp.Content != "" {
			in.Content = map[string]any{"assessment": resp.Content}
			in.Confidence = 0.7
			return in
		}
	}

	in.Content = map[string]any{
		"assessment": fmt.Sprintf("heuristic %s assessment of %d characters", analysisType, len(content)),
		"degraded":   true,
	}
	in.Confidence = 0.5
	return in
}

func entryRefs(entry *contextstore.Entry) []string {
	if entry == nil {
		return nil
	}
	refs := []string{entry.ID}
	return append(refs, entry.Metadata.References...)
}

// ─── Sentiment ────────────────────────────────────────────────────────────────

// SentimentAnalyzer scores emotional polarity: a lexicon metric plus a
// model reading.
type SentimentAnalyzer struct {
	llm llm.Provider
}

func (a *SentimentAnalyzer) Type() string { return TypeSentiment }

func (a *SentimentAnalyzer) Analyze(ctx context.Context, content string, entry *contextstore.Entry, _ map[string]any) ([]Insight, error) {
	tokens := tokenize(content)
	var pos, neg int
	for _, t := range tokens {
		if _, ok := positiveWords[t]; ok {
			pos++
		}
		if _, ok := negativeWords[t]; ok {
			neg++
		}
	}
	score := 0.0
	if pos+neg > 0 {
		score = float64(pos-neg) / float64(pos+neg)
	}

	refs := entryRefs(entry)
	metric := Insight{
		Type: TypeSentiment,
		Content: map[string]any{
			"sentiment_score": score,
			"positive_count":  pos,
			"negative_count":  neg,
			"word_count":      len(tokens),
		},
		Confidence: 0.9,
		Source:     SourceMetric,
		Timestamp:  time.Now(),
		Tags:       []string{TypeSentiment},
		References: refs,
	}
	ai := aiInsight(ctx, a.llm, TypeSentiment,
		"Assess the emotional tone of the conversation excerpt in one short paragraph.",
		content, refs)
	return []Insight{ai, metric}, nil
}

// ─── Topic ────────────────────────────────────────────────────────────────────

// TopicAnalyzer surfaces the dominant subjects: a token frequency metric
// plus a model reading.
type TopicAnalyzer struct {
	llm llm.Provider
}

func (a *TopicAnalyzer) Type() string { return TypeTopic }

func (a *TopicAnalyzer) Analyze(ctx context.Context, content string, entry *contextstore.Entry, _ map[string]any) ([]Insight, error) {
	freq := make(map[string]int)
	for _, t := range tokenize(content) {
		if _, stop := stopwords[t]; stop {
			continue
		}
		freq[t]++
	}

	type tokenCount struct {
		token string
		count int
	}
	ranked := make([]tokenCount, 0, len(freq))
	for t, c := range freq {
		ranked = append(ranked, tokenCount{t, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].token < ranked[j].token
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}

	// Group the top tokens by 4-character prefix.
	groups := make(map[string]map[string]any)
	for _, tc := range ranked {
		prefix := tc.token
		if len(prefix) > 4 {
			prefix = prefix[:4]
		}
		g, ok := groups[prefix]
		if !ok {
			g = map[string]any{"count": 0, "words": []string{}}
			groups[prefix] = g
		}
		g["count"] = g["count"].(int) + tc.count
		g["words"] = append(g["words"].([]string), tc.token)
	}

	type topicGroup struct {
		Prefix string   `json:"prefix"`
		Count  int      `json:"count"`
		Words  []string `json:"words"`
	}
	topics := make([]topicGroup, 0, len(groups))
	for prefix, g := range groups {
		topics = append(topics, topicGroup{Prefix: prefix, Count: g["count"].(int), Words: g["words"].([]string)})
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].Count != topics[j].Count {
			return topics[i].Count > topics[j].Count
		}
		return topics[i].Prefix < topics[j].Prefix
	})

	refs := entryRefs(entry)
	metric := Insight{
		Type: TypeTopic,
		Content: map[string]any{
			"topics":      topics,
			"token_kinds": len(freq),
		},
		Confidence: 0.9,
		Source:     SourceMetric,
		Timestamp:  time.Now(),
		Tags:       []string{TypeTopic},
		References: refs,
	}
	ai := aiInsight(ctx, a.llm, TypeTopic,
		"List the main topics of the conversation excerpt with one line per topic.",
		content, refs)
	return []Insight{ai, metric}, nil
}

// ─── Quality ──────────────────────────────────────────────────────────────────

// QualityAnalyzer measures communication quality: sentence length,
// vocabulary richness and filler density, plus a model reading.
type QualityAnalyzer struct {
	llm llm.Provider
}

func (a *QualityAnalyzer) Type() string { return TypeQuality }

var fillerWords = map[string]struct{}{
	"um": {}, "uh": {}, "like": {}, "basically": {}, "actually": {},
	"literally": {}, "anyway": {},
}

func (a *QualityAnalyzer) Analyze(ctx context.Context, content string, entry *contextstore.Entry, _ map[string]any) ([]Insight, error) {
	tokens := tokenize(content)
	questions, statements := splitSentences(content)
	sentences := questions + statements

	unique := make(map[string]struct{}, len(tokens))
	fillers := 0
	for _, t := range tokens {
		unique[t] = struct{}{}
		if _, ok := fillerWords[t]; ok {
			fillers++
		}
	}

	avgLen := 0.0
	if sentences > 0 {
		avgLen = float64(len(tokens)) / float64(sentences)
	}
	richness := 0.0
	if len(tokens) > 0 {
		richness = float64(len(unique)) / float64(len(tokens))
	}

	refs := entryRefs(entry)
	metric := Insight{
		Type: TypeQuality,
		Content: map[string]any{
			"avg_sentence_length": avgLen,
			"vocabulary_richness": richness,
			"filler_count":        fillers,
			"sentence_count":      sentences,
		},
		Confidence: 0.9,
		Source:     SourceMetric,
		Timestamp:  time.Now(),
		Tags:       []string{TypeQuality},
		References: refs,
	}
	ai := aiInsight(ctx, a.llm, TypeQuality,
		"Rate the clarity and structure of the conversation excerpt and note one improvement.",
		content, refs)
	return []Insight{ai, metric}, nil
}

// ─── Engagement ───────────────────────────────────────────────────────────────

// EngagementAnalyzer measures interaction balance via the turn-taking
// ratio between questions and statements, plus a model reading.
type EngagementAnalyzer struct {
	llm llm.Provider
}

func (a *EngagementAnalyzer) Type() string { return TypeEngagement }

func (a *EngagementAnalyzer) Analyze(ctx context.Context, content string, entry *contextstore.Entry, _ map[string]any) ([]Insight, error) {
	questions, statements := splitSentences(content)

	ratio := 0.0
	if questions > 0 || statements > 0 {
		lo, hi := questions, statements
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi > 0 {
			ratio = float64(lo) / float64(hi)
		}
	}

	refs := entryRefs(entry)
	metric := Insight{
		Type: TypeEngagement,
		Content: map[string]any{
			"turn_taking_ratio":   ratio,
			"question_sentences":  questions,
			"statement_sentences": statements,
		},
		Confidence: 0.9,
		Source:     SourceMetric,
		Timestamp:  time.Now(),
		Tags:       []string{TypeEngagement},
		References: refs,
	}
	ai := aiInsight(ctx, a.llm, TypeEngagement,
		"Judge how engaged the participants are in the conversation excerpt.",
		content, refs)
	return []Insight{ai, metric}, nil
}

// ─── Behavioral ───────────────────────────────────────────────────────────────

// BehavioralAnalyzer profiles communication style: hedging versus
// assertive language, plus a model reading.
type BehavioralAnalyzer struct {
	llm llm.Provider
}

func (a *BehavioralAnalyzer) Type() string { return TypeBehavioral }

var hedgingWords = map[string]struct{}{
	"maybe": {}, "perhaps": {}, "possibly": {}, "probably": {},
	"somewhat": {}, "guess": {}, "might": {}, "could": {},
}

var assertiveWords = map[string]struct{}{
	"definitely": {}, "certainly": {}, "absolutely": {}, "clearly": {},
	"must": {}, "always": {}, "never": {},
}

func (a *BehavioralAnalyzer) Analyze(ctx context.Context, content string, entry *contextstore.Entry, _ map[string]any) ([]Insight, error) {
	var hedging, assertive int
	for _, t := range tokenize(content) {
		if _, ok := hedgingWords[t]; ok {
			hedging++
		}
		if _, ok := assertiveWords[t]; ok {
			assertive++
		}
	}

	style := "neutral"
	switch {
	case hedging > assertive:
		style = "tentative"
	case assertive > hedging:
		style = "assertive"
	}

	refs := entryRefs(entry)
	metric := Insight{
		Type: TypeBehavioral,
		Content: map[string]any{
			"hedging_count":   hedging,
			"assertive_count": assertive,
			"dominant_style":  style,
		},
		Confidence: 0.9,
		Source:     SourceMetric,
		Timestamp:  time.Now(),
		Tags:       []string{TypeBehavioral},
		References: refs,
	}
	ai := aiInsight(ctx, a.llm, TypeBehavioral,
		"Describe the speakers' communication styles in the conversation excerpt.",
		content, refs)
	return []Insight{ai, metric}, nil
}

// ─── Compliance ───────────────────────────────────────────────────────────────

// complianceCategory is one risk class with its detection pattern and
// base risk score.
type complianceCategory struct {
	name    string
	pattern *regexp.Regexp
	base    float64
}

var complianceCategories = []complianceCategory{
	{
		name:    "pii_exposure",
		pattern: regexp.MustCompile(`(?i)\b(?:ssn|social security|passport number|credit card|date of birth)\b[^.!?]{0,60}`),
		base:    0.9,
	},
	{
		name:    "confidential",
		pattern: regexp.MustCompile(`(?i)\b(?:confidential|internal only|under nda|trade secret)\b[^.!?]{0,60}`),
		base:    0.8,
	},
	{
		name:    "financial",
		pattern: regexp.MustCompile(`(?i)\b(?:earnings forecast|revenue projection|insider|unannounced acquisition)\b[^.!?]{0,60}`),
		base:    0.7,
	},
	{
		name:    "security",
		pattern: regexp.MustCompile(`(?i)\b(?:password|api key|access token|private key)\b[^.!?]{0,60}`),
		base:    0.6,
	},
}

// ComplianceAnalyzer flags risky disclosures: pattern matching against
// fixed risk categories, plus a model reading.
type ComplianceAnalyzer struct {
	llm llm.Provider

	highThreshold   float64
	mediumThreshold float64
	lowThreshold    float64
}

func newComplianceAnalyzer(provider llm.Provider, cfg map[string]any) *ComplianceAnalyzer {
	a := &ComplianceAnalyzer{
		llm:             provider,
		highThreshold:   0.8,
		mediumThreshold: 0.5,
		lowThreshold:    0.2,
	}
	if v, ok := cfg["high_threshold"].(float64); ok {
		a.highThreshold = v
	}
	if v, ok := cfg["medium_threshold"].(float64); ok {
		a.mediumThreshold = v
	}
	if v, ok := cfg["low_threshold"].(float64); ok {
		a.lowThreshold = v
	}
	return a
}

func (a *ComplianceAnalyzer) Type() string { return TypeCompliance }

func (a *ComplianceAnalyzer) severity(risk float64) string {
	switch {
	case risk >= a.highThreshold:
		return "high"
	case risk >= a.mediumThreshold:
		return "medium"
	case risk >= a.lowThreshold:
		return "low"
	default:
		return "minimal"
	}
}

func (a *ComplianceAnalyzer) Analyze(ctx context.Context, content string, entry *contextstore.Entry, _ map[string]any) ([]Insight, error) {
	type finding struct {
		Category string  `json:"category"`
		Matched  string  `json:"matched"`
		Risk     float64 `json:"risk"`
		Severity string  `json:"severity"`
	}

	var findings []finding
	maxRisk := 0.0
	for _, cat := range complianceCategories {
		for _, span := range cat.pattern.FindAllString(content, -1) {
			risk := cat.base
			// Long matched spans expose more material.
			if len(span) > 20 {
				risk += 0.1
			}
			if risk > 1 {
				risk = 1
			}
			findings = append(findings, finding{
				Category: cat.name,
				Matched:  span,
				Risk:     risk,
				Severity: a.severity(risk),
			})
			if risk > maxRisk {
				maxRisk = risk
			}
		}
	}

	overall := "none"
	if len(findings) > 0 {
		overall = a.severity(maxRisk)
	}

	refs := entryRefs(entry)
	metric := Insight{
		Type: TypeCompliance,
		Content: map[string]any{
			"findings":         findings,
			"max_risk":         maxRisk,
			"overall_severity": overall,
		},
		Confidence: 0.9,
		Source:     SourceMetric,
		Timestamp:  time.Now(),
		Tags:       []string{TypeCompliance},
		References: refs,
	}
	ai := aiInsight(ctx, a.llm, TypeCompliance,
		"Identify any disclosures of sensitive or regulated information in the conversation excerpt.",
		content, refs)
	return []Insight{ai, metric}, nil
}

// Compile-time interface assertions.
var (
	_ Analyzer = (*SentimentAnalyzer)(nil)
	_ Analyzer = (*TopicAnalyzer)(nil)
	_ Analyzer = (*QualityAnalyzer)(nil)
	_ Analyzer = (*EngagementAnalyzer)(nil)
	_ Analyzer = (*BehavioralAnalyzer)(nil)
	_ Analyzer = (*ComplianceAnalyzer)(nil)
)
