package contextstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/earshot-ai/earshot/internal/bus"
)

const (
	defaultMaxEntries    = 1000
	defaultSweepInterval = time.Hour
)

// Config tunes the store's archival lifecycle.
type Config struct {
	// MaxEntries caps the active entry count; exceeding it with
	// AutoArchive set archives the oldest active entries. Default 1000.
	MaxEntries int

	// AutoArchive enables archival when MaxEntries is exceeded.
	AutoArchive bool

	// RetentionPeriod drops entries older than this on sweep; zero keeps
	// entries until their individual expiry.
	RetentionPeriod time.Duration

	// SweepInterval paces the background sweep. Default one hour.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
}

// Option configures a [Store] during construction.
type Option func(*Store)

// WithBus attaches the event bus; the store then publishes CONTEXT_UPDATE
// events for adds, merges and archivals.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) {
		s.bus = b
	}
}

type idSet = map[string]struct{}

// Store is the in-memory context store. Entries are indexed by source, tag
// and reference; all three indexes cover active entries only and are
// maintained atomically with every mutation.
//
// All exported methods are safe for concurrent use.
type Store struct {
	cfg Config
	bus *bus.Bus

	mu       sync.RWMutex
	entries  map[string]Entry
	bySource map[Source]idSet
	byTag    map[string]idSet
	byRef    map[string]idSet
	active   int
}

// New creates an empty Store.
func New(cfg Config, opts ...Option) *Store {
	cfg.applyDefaults()
	s := &Store{
		cfg:      cfg,
		entries:  make(map[string]Entry),
		bySource: make(map[Source]idSet),
		byTag:    make(map[string]idSet),
		byRef:    make(map[string]idSet),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add inserts the entry and indexes it. A missing id is generated, a zero
// timestamp is stamped with the current time and an empty state defaults
// to ACTIVE. The stored entry is returned.
func (s *Store) Add(entry Entry) (Entry, error) {
	if !entry.Metadata.Source.Valid() {
		return Entry{}, fmt.Errorf("%w: source %q", ErrInvalidEntry, entry.Metadata.Source)
	}
	if entry.ID == "" {
		id, err := generateID()
		if err != nil {
			return Entry{}, err
		}
		entry.ID = id
	}
	if entry.Metadata.Timestamp.IsZero() {
		entry.Metadata.Timestamp = time.Now()
	}
	if entry.Metadata.State == "" {
		entry.Metadata.State = StateActive
	}

	s.mu.Lock()
	if _, exists := s.entries[entry.ID]; exists {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %q", ErrDuplicateID, entry.ID)
	}
	s.insertLocked(entry)
	archived := s.enforceLimitLocked()
	s.mu.Unlock()

	s.publish("add", entry)
	for _, a := range archived {
		s.publish("archive", a)
	}
	return entry, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e, nil
}

// Remove deletes the entry and drops it from every index.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	s.deleteLocked(e)
	return nil
}

// SetState transitions the entry's lifecycle state. Entering ARCHIVED
// removes the entry from the active indexes; leaving it restores them.
func (s *Store) SetState(id string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if e.Metadata.State == state {
		return nil
	}
	wasActive := e.Metadata.State != StateArchived
	e.Metadata.State = state
	isActive := state != StateArchived

	switch {
	case wasActive && !isActive:
		s.deindexLocked(e)
		s.active--
	case !wasActive && isActive:
		s.indexLocked(e)
		s.active++
	}
	s.entries[id] = e
	return nil
}

// Query returns entries matching every populated filter, newest first.
func (s *Store) Query(q Query) []Entry {
	s.mu.RLock()
	matched := make([]Entry, 0)
	for _, id := range s.candidatesLocked(q) {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		if matches(e, q) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		ti, tj := matched[i].Metadata.Timestamp, matched[j].Metadata.Timestamp
		if ti.Equal(tj) {
			return matched[i].ID < matched[j].ID
		}
		return ti.After(tj)
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

// Merge combines the named entries per the strategy into one entry, which
// replaces all of them in the store. The merged entry is returned.
func (s *Store) Merge(ids []string, strategy MergeStrategy) (Entry, error) {
	s.mu.Lock()
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok {
			s.mu.Unlock()
			return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		entries = append(entries, e)
	}

	merged, err := mergeEntries(entries, strategy)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}

	for _, e := range entries {
		s.deleteLocked(e)
	}
	s.insertLocked(merged)
	s.mu.Unlock()

	s.publish("merge", merged)
	return merged, nil
}

// Len returns the total entry count including archived entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ActiveCount returns the number of non-archived entries.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Sweep drops entries past their individual expiry or the retention
// period, returning how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, e := range s.entries {
		expired := e.Expired(now)
		if !expired && s.cfg.RetentionPeriod > 0 {
			expired = now.Sub(e.Metadata.Timestamp) > s.cfg.RetentionPeriod
		}
		if expired {
			s.deleteLocked(e)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until the context is canceled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				slog.Debug("context sweep", "removed", n)
			}
		}
	}
}

// ─── Internals ────────────────────────────────────────────────────────────────

// insertLocked stores and indexes one entry. Must hold s.mu.
func (s *Store) insertLocked(e Entry) {
	s.entries[e.ID] = e
	if e.Metadata.State != StateArchived {
		s.indexLocked(e)
		s.active++
	}
}

// deleteLocked removes one entry and its index records. Must hold s.mu.
func (s *Store) deleteLocked(e Entry) {
	if e.Metadata.State != StateArchived {
		s.deindexLocked(e)
		s.active--
	}
	delete(s.entries, e.ID)
}

func (s *Store) indexLocked(e Entry) {
	addTo := func(m map[string]idSet, key string) {
		set, ok := m[key]
		if !ok {
			set = make(idSet)
			m[key] = set
		}
		set[e.ID] = struct{}{}
	}
	set, ok := s.bySource[e.Metadata.Source]
	if !ok {
		set = make(idSet)
		s.bySource[e.Metadata.Source] = set
	}
	set[e.ID] = struct{}{}
	for _, t := range e.Metadata.Tags {
		addTo(s.byTag, t)
	}
	for _, r := range e.Metadata.References {
		addTo(s.byRef, r)
	}
}

func (s *Store) deindexLocked(e Entry) {
	dropFrom := func(m map[string]idSet, key string) {
		if set, ok := m[key]; ok {
			delete(set, e.ID)
			if len(set) == 0 {
				delete(m, key)
			}
		}
	}
	if set, ok := s.bySource[e.Metadata.Source]; ok {
		delete(set, e.ID)
		if len(set) == 0 {
			delete(s.bySource, e.Metadata.Source)
		}
	}
	for _, t := range e.Metadata.Tags {
		dropFrom(s.byTag, t)
	}
	for _, r := range e.Metadata.References {
		dropFrom(s.byRef, r)
	}
}

// enforceLimitLocked archives the oldest active entries until the active
// count is within the limit. Must hold s.mu.
func (s *Store) enforceLimitLocked() []Entry {
	if !s.cfg.AutoArchive {
		return nil
	}
	var archived []Entry
	for s.active > s.cfg.MaxEntries {
		oldest, ok := s.oldestActiveLocked()
		if !ok {
			break
		}
		s.deindexLocked(oldest)
		s.active--
		oldest.Metadata.State = StateArchived
		s.entries[oldest.ID] = oldest
		archived = append(archived, oldest)
	}
	return archived
}

func (s *Store) oldestActiveLocked() (Entry, bool) {
	var (
		oldest Entry
		found  bool
	)
	for _, e := range s.entries {
		if e.Metadata.State != StateActive {
			continue
		}
		if !found || e.Metadata.Timestamp.Before(oldest.Metadata.Timestamp) {
			oldest, found = e, true
		}
	}
	return oldest, found
}

// candidatesLocked narrows the scan set via the indexes when the query
// allows it. Queries touching archived state fall back to a full scan
// since the indexes cover active entries only. Must hold s.mu (read).
func (s *Store) candidatesLocked(q Query) []string {
	wantsArchived := false
	for _, st := range q.States {
		if st == StateArchived {
			wantsArchived = true
		}
	}

	if !wantsArchived && len(q.Tags) > 0 {
		return s.intersectTagsLocked(q.Tags)
	}
	if !wantsArchived && len(q.Sources) > 0 {
		var ids []string
		for _, src := range q.Sources {
			for id := range s.bySource[src] {
				ids = append(ids, id)
			}
		}
		return ids
	}

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) intersectTagsLocked(tags []string) []string {
	smallest := -1
	for i, t := range tags {
		set, ok := s.byTag[t]
		if !ok {
			return nil
		}
		if smallest < 0 || len(set) < len(s.byTag[tags[smallest]]) {
			smallest = i
		}
	}
	var ids []string
outer:
	for id := range s.byTag[tags[smallest]] {
		for _, t := range tags {
			if _, ok := s.byTag[t][id]; !ok {
				continue outer
			}
		}
		ids = append(ids, id)
	}
	return ids
}

// matches applies the full filter set to one entry.
func matches(e Entry, q Query) bool {
	if len(q.Sources) > 0 && !containsSource(q.Sources, e.Metadata.Source) {
		return false
	}
	if len(q.Levels) > 0 && !containsLevel(q.Levels, e.Metadata.Level) {
		return false
	}
	if len(q.States) > 0 && !containsState(q.States, e.Metadata.State) {
		return false
	}
	for _, t := range q.Tags {
		if !containsString(e.Metadata.Tags, t) {
			return false
		}
	}
	ts := e.Metadata.Timestamp
	if !q.StartTime.IsZero() && ts.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && ts.After(q.EndTime) {
		return false
	}
	return true
}

func containsSource(list []Source, v Source) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsLevel(list []Level, v Level) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsState(list []State, v State) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Store) publish(action string, e Entry) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(bus.NewEvent(bus.TypeContextUpdate, map[string]any{
		"action":   action,
		"entry_id": e.ID,
		"source":   string(e.Metadata.Source),
		"level":    e.Metadata.Level.String(),
		"state":    string(e.Metadata.State),
	}))
}

// generateID produces a random 16-byte hex string.
func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("contextstore: generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
