package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// Correlation links two insights whose reference sets overlap.
type Correlation struct {
	// TypeA and TypeB are the two correlated analysis types.
	TypeA string
	TypeB string
	// Strength is the Jaccard index of the two reference sets.
	Strength float64
}

// Summary condenses a session's aggregated insights.
type Summary struct {
	SessionID string
	// TopInsights holds the up-to-five highest-confidence insights.
	TopInsights []Insight
	// Scores maps each analysis type to its mean insight confidence.
	Scores       map[string]float64
	Correlations []Correlation
	// Recommendations collects the "recommendation" entries found in
	// insight contents.
	Recommendations []string
	InsightCount    int
}

type sessionInsights struct {
	insights []Insight
	seen     map[string]struct{} // content hashes
}

// Aggregator accumulates completed task results per session, deduplicates
// insights by content and derives cross-insight correlations.
//
// Safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	sessions map[string]*sessionInsights
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{sessions: make(map[string]*sessionInsights)}
}

// Add folds one completed result into the session's aggregate. Insights
// whose content hashes to an already-seen value are dropped.
func (a *Aggregator) Add(sessionID string, result Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		sess = &sessionInsights{seen: make(map[string]struct{})}
		a.sessions[sessionID] = sess
	}
	for _, in := range result.Insights {
		h := contentHash(in)
		if _, dup := sess.seen[h]; dup {
			continue
		}
		sess.seen[h] = struct{}{}
		sess.insights = append(sess.insights, in)
	}
}

// Insights returns a snapshot of the session's deduplicated insights in
// arrival order.
func (a *Aggregator) Insights(sessionID string) []Insight {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Insight, len(sess.insights))
	copy(out, sess.insights)
	return out
}

// Summary builds the session summary: top insights by confidence, mean
// confidence per analysis type, reference-overlap correlations and any
// recommendations carried in insight contents.
func (a *Aggregator) Summary(sessionID string) Summary {
	insights := a.Insights(sessionID)

	s := Summary{
		SessionID:    sessionID,
		Scores:       make(map[string]float64),
		InsightCount: len(insights),
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, in := range insights {
		sums[in.Type] += in.Confidence
		counts[in.Type]++
		if rec, ok := in.Content["recommendation"].(string); ok && rec != "" {
			s.Recommendations = append(s.Recommendations, rec)
		}
	}
	for t, sum := range sums {
		s.Scores[t] = sum / float64(counts[t])
	}

	ranked := make([]Insight, len(insights))
	copy(ranked, insights)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	s.TopInsights = ranked

	s.Correlations = correlate(insights)
	return s
}

// CleanupSession drops all aggregated state for the session.
func (a *Aggregator) CleanupSession(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// correlate pairs insights of different types whose reference sets
// overlap, scored by Jaccard index.
func correlate(insights []Insight) []Correlation {
	var out []Correlation
	for i := 0; i < len(insights); i++ {
		for j := i + 1; j < len(insights); j++ {
			a, b := insights[i], insights[j]
			if a.Type == b.Type {
				continue
			}
			strength := jaccard(a.References, b.References)
			if strength <= 0 {
				continue
			}
			out = append(out, Correlation{TypeA: a.Type, TypeB: b.Type, Strength: strength})
		}
	}
	return out
}

// jaccard is |A∩B| / |A∪B| over the two reference sets, 0 when the union
// is empty.
func jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, r := range a {
		setA[r] = struct{}{}
	}
	union := make(map[string]struct{}, len(a)+len(b))
	for r := range setA {
		union[r] = struct{}{}
	}
	inter := 0
	seenB := make(map[string]struct{}, len(b))
	for _, r := range b {
		if _, dup := seenB[r]; dup {
			continue
		}
		seenB[r] = struct{}{}
		if _, ok := setA[r]; ok {
			inter++
		}
		union[r] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(inter) / float64(len(union))
}

// contentHash fingerprints an insight's type and content. json.Marshal
// sorts map keys, so equal contents hash equal regardless of insertion
// order.
func contentHash(in Insight) string {
	payload, err := json.Marshal(map[string]any{
		"type":    in.Type,
		"content": in.Content,
	})
	if err != nil {
		payload = []byte(in.Type)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
