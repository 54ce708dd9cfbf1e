package contextstore

import (
	"errors"
	"testing"
	"time"
)

func entryAt(id string, src Source, ts time.Time, tags ...string) Entry {
	return Entry{
		ID:      id,
		Content: map[string]any{"text": id},
		Metadata: Metadata{
			Source:    src,
			Level:     LevelRelevant,
			State:     StateActive,
			Timestamp: ts,
			Tags:      tags,
		},
	}
}

func mustAdd(t *testing.T, s *Store, e Entry) Entry {
	t.Helper()
	added, err := s.Add(e)
	if err != nil {
		t.Fatalf("add %q: %v", e.ID, err)
	}
	return added
}

func TestStoreAddGetRemove(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	base := time.Now()
	mustAdd(t, s, entryAt("a", SourceConversation, base, "greeting"))

	got, err := s.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata.Source != SourceConversation {
		t.Fatalf("want conversation source, got %v", got.Metadata.Source)
	}

	if _, err := s.Add(entryAt("a", SourceSystem, base)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("want ErrDuplicateID, got %v", err)
	}

	if err := s.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after remove, got %v", err)
	}
	if err := s.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound on double remove, got %v", err)
	}
}

func TestStoreGeneratesID(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	added := mustAdd(t, s, Entry{
		Content:  "note",
		Metadata: Metadata{Source: SourceUserInput},
	})
	if added.ID == "" {
		t.Fatal("want generated id")
	}
	if added.Metadata.State != StateActive {
		t.Fatalf("want default active state, got %v", added.Metadata.State)
	}
	if added.Metadata.Timestamp.IsZero() {
		t.Fatal("want stamped timestamp")
	}
}

func TestStoreRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	if _, err := s.Add(Entry{Content: "x"}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("want ErrInvalidEntry, got %v", err)
	}
}

func TestStoreRemoveRestoresIndexes(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	base := time.Now()
	e := entryAt("a", SourceDocument, base, "report", "q3")
	mustAdd(t, s, e)
	if err := s.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if got := s.Query(Query{Tags: []string{"report"}}); len(got) != 0 {
		t.Fatalf("want tag index cleared, got %v", got)
	}

	// Re-adding must restore every index.
	mustAdd(t, s, e)
	if got := s.Query(Query{Tags: []string{"report", "q3"}}); len(got) != 1 {
		t.Fatalf("want entry back in tag index, got %d", len(got))
	}
	if got := s.Query(Query{Sources: []Source{SourceDocument}}); len(got) != 1 {
		t.Fatalf("want entry back in source index, got %d", len(got))
	}
}

func TestStoreQueryIntersection(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	mustAdd(t, s, entryAt("a", SourceConversation, base, "pricing"))
	mustAdd(t, s, entryAt("b", SourceConversation, base.Add(time.Minute), "pricing", "objection"))
	mustAdd(t, s, entryAt("c", SourceDocument, base.Add(2*time.Minute), "pricing"))

	got := s.Query(Query{
		Sources: []Source{SourceConversation},
		Tags:    []string{"pricing"},
	})
	if len(got) != 2 {
		t.Fatalf("want 2 matches, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("want timestamp-descending order, got %v %v", got[0].ID, got[1].ID)
	}

	got = s.Query(Query{Tags: []string{"pricing", "objection"}})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("want tag intersection to single out b, got %v", got)
	}

	got = s.Query(Query{
		StartTime: base.Add(30 * time.Second),
		EndTime:   base.Add(90 * time.Second),
	})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("want time-range match b, got %v", got)
	}

	got = s.Query(Query{Limit: 2})
	if len(got) != 2 || got[0].ID != "c" {
		t.Fatalf("want limit applied after sort, got %v", got)
	}
}

func TestStoreQueryByLevelAndState(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	base := time.Now()
	critical := entryAt("a", SourceSystem, base)
	critical.Metadata.Level = LevelCritical
	mustAdd(t, s, critical)
	mustAdd(t, s, entryAt("b", SourceSystem, base.Add(time.Second)))

	got := s.Query(Query{Levels: []Level{LevelCritical}})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("want level filter to match a, got %v", got)
	}

	if err := s.SetState("b", StateArchived); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got = s.Query(Query{States: []State{StateActive}})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("want only active entry, got %v", got)
	}
	got = s.Query(Query{States: []State{StateArchived}})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("want archived entry findable by state, got %v", got)
	}
}

func TestStoreSetStateMaintainsIndexes(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	mustAdd(t, s, entryAt("a", SourceAnalysis, time.Now(), "sentiment"))

	if err := s.SetState("a", StateArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if got := s.Query(Query{Tags: []string{"sentiment"}}); len(got) != 0 {
		t.Fatalf("want archived entry out of tag index, got %v", got)
	}
	if s.ActiveCount() != 0 {
		t.Fatalf("want 0 active, got %d", s.ActiveCount())
	}

	if err := s.SetState("a", StateActive); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := s.Query(Query{Tags: []string{"sentiment"}}); len(got) != 1 {
		t.Fatalf("want restored entry indexed, got %d", len(got))
	}
	if s.ActiveCount() != 1 {
		t.Fatalf("want 1 active, got %d", s.ActiveCount())
	}
}

func TestStoreAutoArchiveOldest(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxEntries: 2, AutoArchive: true})
	base := time.Now()
	mustAdd(t, s, entryAt("old", SourceConversation, base))
	mustAdd(t, s, entryAt("mid", SourceConversation, base.Add(time.Second)))
	mustAdd(t, s, entryAt("new", SourceConversation, base.Add(2*time.Second)))

	if s.ActiveCount() != 2 {
		t.Fatalf("want 2 active after archival, got %d", s.ActiveCount())
	}
	got, err := s.Get("old")
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if got.Metadata.State != StateArchived {
		t.Fatalf("want oldest archived, got %v", got.Metadata.State)
	}
	// Archived entries leave the active indexes.
	active := s.Query(Query{Sources: []Source{SourceConversation}})
	if len(active) != 2 {
		t.Fatalf("want 2 indexed entries, got %d", len(active))
	}
}

func TestStoreNoArchiveWithoutFlag(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxEntries: 1})
	base := time.Now()
	mustAdd(t, s, entryAt("a", SourceConversation, base))
	mustAdd(t, s, entryAt("b", SourceConversation, base.Add(time.Second)))
	if s.ActiveCount() != 2 {
		t.Fatalf("want no archival without auto_archive, got %d active", s.ActiveCount())
	}
}

func TestStoreSweep(t *testing.T) {
	t.Parallel()

	s := New(Config{RetentionPeriod: time.Hour})
	now := time.Now()

	expired := entryAt("expired", SourceConversation, now)
	expired.Metadata.Expiry = now.Add(-time.Minute)
	mustAdd(t, s, expired)

	stale := entryAt("stale", SourceConversation, now.Add(-2*time.Hour))
	mustAdd(t, s, stale)

	mustAdd(t, s, entryAt("fresh", SourceConversation, now))

	if removed := s.Sweep(now); removed != 2 {
		t.Fatalf("want 2 swept, got %d", removed)
	}
	if _, err := s.Get("fresh"); err != nil {
		t.Fatalf("want fresh entry kept: %v", err)
	}
	if _, err := s.Get("expired"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want expired entry gone, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("want 1 entry left, got %d", s.Len())
	}
}
