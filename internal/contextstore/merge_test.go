package contextstore

import (
	"errors"
	"testing"
	"time"
)

func mergeFixture() (Entry, Entry) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	older := Entry{
		ID:      "older",
		Content: map[string]any{"topic": "pricing", "details": map[string]any{"quarter": "Q2"}},
		Metadata: Metadata{
			Source:     SourceConversation,
			Level:      LevelCritical,
			State:      StateActive,
			Timestamp:  base,
			Tags:       []string{"pricing"},
			References: []string{"doc-1"},
			CustomData: map[string]any{"origin": "call"},
		},
	}
	newer := Entry{
		ID:      "newer",
		Content: map[string]any{"topic": "renewal", "details": map[string]any{"quarter": "Q3", "owner": "sales"}},
		Metadata: Metadata{
			Source:     SourceAnalysis,
			Level:      LevelRelevant,
			State:      StatePending,
			Timestamp:  base.Add(time.Minute),
			Tags:       []string{"renewal"},
			References: []string{"doc-2"},
			CustomData: map[string]any{"model": "gpt"},
		},
	}
	return older, newer
}

func TestMergeLatestWins(t *testing.T) {
	t.Parallel()

	older, newer := mergeFixture()
	merged, err := mergeEntries([]Entry{older, newer}, MergeLatestWins)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.ID != "newer" {
		t.Fatalf("want newest entry as base, got %q", merged.ID)
	}
	content := merged.Content.(map[string]any)
	if content["topic"] != "renewal" {
		t.Fatalf("want newest content, got %v", content)
	}
	if merged.Metadata.Level != LevelRelevant || merged.Metadata.Source != SourceAnalysis {
		t.Fatalf("want newest metadata, got %+v", merged.Metadata)
	}
	wantTags := []string{"pricing", "renewal"}
	if len(merged.Metadata.Tags) != 2 || merged.Metadata.Tags[0] != wantTags[0] || merged.Metadata.Tags[1] != wantTags[1] {
		t.Fatalf("want unioned tags %v, got %v", wantTags, merged.Metadata.Tags)
	}
	if len(merged.Metadata.References) != 2 {
		t.Fatalf("want unioned references, got %v", merged.Metadata.References)
	}
}

func TestMergePriorityBased(t *testing.T) {
	t.Parallel()

	older, newer := mergeFixture()
	merged, err := mergeEntries([]Entry{older, newer}, MergePriorityBased)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	// The older entry outranks the newer one on level.
	if merged.ID != "older" || merged.Metadata.Level != LevelCritical {
		t.Fatalf("want highest-level entry as base, got %q %v", merged.ID, merged.Metadata.Level)
	}
	if merged.Content.(map[string]any)["topic"] != "pricing" {
		t.Fatalf("want highest-level content, got %v", merged.Content)
	}
	if len(merged.Metadata.Tags) != 2 {
		t.Fatalf("want unioned tags, got %v", merged.Metadata.Tags)
	}
}

func TestMergeCombineAllDeepMergesMaps(t *testing.T) {
	t.Parallel()

	older, newer := mergeFixture()
	merged, err := mergeEntries([]Entry{newer, older}, MergeCombineAll)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	content := merged.Content.(map[string]any)
	// Later timestamp wins on conflicting keys.
	if content["topic"] != "renewal" {
		t.Fatalf("want newest value on conflict, got %v", content["topic"])
	}
	details := content["details"].(map[string]any)
	if details["quarter"] != "Q3" || details["owner"] != "sales" {
		t.Fatalf("want nested maps merged, got %v", details)
	}

	if merged.Metadata.Level != LevelCritical {
		t.Fatalf("want maximum level, got %v", merged.Metadata.Level)
	}
	if merged.Metadata.State != StateActive {
		t.Fatalf("want forced active state, got %v", merged.Metadata.State)
	}
	if merged.Metadata.CustomData["origin"] != "call" || merged.Metadata.CustomData["model"] != "gpt" {
		t.Fatalf("want custom data merged key by key, got %v", merged.Metadata.CustomData)
	}
}

func TestMergeCombineAllConcatenatesStrings(t *testing.T) {
	t.Parallel()

	base := time.Now()
	a := Entry{ID: "a", Content: "first", Metadata: Metadata{Source: SourceUserInput, Timestamp: base}}
	b := Entry{ID: "b", Content: "second", Metadata: Metadata{Source: SourceUserInput, Timestamp: base.Add(time.Second)}}

	merged, err := mergeEntries([]Entry{b, a}, MergeCombineAll)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.Content != "first\nsecond" {
		t.Fatalf("want newline-joined contents oldest first, got %q", merged.Content)
	}
}

func TestMergeSingleEntryIsIdentity(t *testing.T) {
	t.Parallel()

	older, _ := mergeFixture()
	merged, err := mergeEntries([]Entry{older}, MergeCombineAll)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.ID != older.ID || merged.Metadata.State != older.Metadata.State {
		t.Fatalf("want single-entry merge unchanged, got %+v", merged)
	}
}

func TestMergeErrors(t *testing.T) {
	t.Parallel()

	if _, err := mergeEntries(nil, MergeLatestWins); !errors.Is(err, ErrNoEntries) {
		t.Fatalf("want ErrNoEntries, got %v", err)
	}
	older, newer := mergeFixture()
	if _, err := mergeEntries([]Entry{older, newer}, "squash"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("want ErrUnknownStrategy, got %v", err)
	}
}

func TestStoreMergeReplacesEntries(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	older, newer := mergeFixture()
	mustAdd(t, s, older)
	mustAdd(t, s, newer)

	merged, err := s.Merge([]string{"older", "newer"}, MergeLatestWins)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.ID != "newer" {
		t.Fatalf("want merged id newer, got %q", merged.ID)
	}
	if _, err := s.Get("older"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want merged-away entry removed, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("want single merged entry, got %d", s.Len())
	}
	// The merged entry is reachable through the unioned tag indexes.
	if got := s.Query(Query{Tags: []string{"pricing"}}); len(got) != 1 {
		t.Fatalf("want merged entry indexed under unioned tag, got %d", len(got))
	}

	if _, err := s.Merge([]string{"newer", "ghost"}, MergeLatestWins); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for unknown id, got %v", err)
	}
}
