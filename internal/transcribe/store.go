package transcribe

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/earshot-ai/earshot/pkg/provider/asr"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("transcribe: session not found")

	// ErrSessionExists is returned when starting an already-started session.
	ErrSessionExists = errors.New("transcribe: session already exists")
)

// sessionRecord holds everything the store tracks for one session.
type sessionRecord struct {
	id        string
	startTime time.Time
	cfg       asr.Config

	results   []Result
	partials  map[string]Result
	finalized map[string]struct{}
	profiles  map[string]*SpeakerProfile
	metrics   Metrics
	state     SessionState
}

// Store is the authoritative owner of transcription session state: stable
// results, latest partials, speaker profiles and metrics. The client
// forwards every translated result here; only the store merges partial
// chains.
//
// All exported methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*sessionRecord)}
}

// StartSession registers a new session with its immutable config.
func (s *Store) StartSession(id string, cfg asr.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return fmt.Errorf("%w: %q", ErrSessionExists, id)
	}
	s.sessions[id] = &sessionRecord{
		id:        id,
		startTime: time.Now(),
		cfg:       cfg,
		partials:  make(map[string]Result),
		finalized: make(map[string]struct{}),
		profiles:  make(map[string]*SpeakerProfile),
		metrics:   Metrics{SpeakerTimes: make(map[string]time.Duration)},
	}
	return nil
}

// NoteChunk records one processed audio chunk for the session.
func (s *Store) NoteChunk(id string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	rec.metrics.ProcessedChunks++
	rec.state.LastSequence = seq
	rec.state.LastUpdate = time.Now()
	return nil
}

// Apply merges one translated result into its session. Partials upsert by
// result id; a stable result finalizes its chain, after which later events
// for the same id are ignored (the chain is immutable).
func (s *Store) Apply(res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[res.SessionID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, res.SessionID)
	}
	if _, done := rec.finalized[res.ResultID]; done {
		return nil
	}
	rec.state.LastUpdate = time.Now()

	if res.IsPartial {
		rec.partials[res.ResultID] = res
		rec.metrics.PartialUpdates++
		return nil
	}

	delete(rec.partials, res.ResultID)
	rec.finalized[res.ResultID] = struct{}{}
	rec.results = append(rec.results, res)

	rec.metrics.StableSegments += len(res.Segments)
	rec.metrics.TotalWords += len(res.Words)
	for _, w := range res.Words {
		if w.Stable {
			rec.metrics.StableWords++
		}
	}

	for _, seg := range res.Segments {
		dur := seg.EndTime - seg.StartTime
		if dur < 0 {
			dur = 0
		}
		if seg.Speaker != "" {
			rec.metrics.SpeakerTimes[seg.Speaker] += dur
			rec.state.CurrentSpeaker = seg.Speaker
		}
		s.updateProfileLocked(rec, seg, dur)
	}
	rec.state.SpeakersSeen = len(rec.profiles)
	return nil
}

// updateProfileLocked seeds or advances the speaker profile for one stable
// segment. Must be called with s.mu held.
func (s *Store) updateProfileLocked(rec *sessionRecord, seg SpeakerSegment, dur time.Duration) {
	if seg.Speaker == "" {
		return
	}
	p, ok := rec.profiles[seg.Speaker]
	if !ok {
		p = &SpeakerProfile{
			Label:     seg.Speaker,
			Channel:   seg.Channel,
			FirstSeen: time.Now(),
		}
		rec.profiles[seg.Speaker] = p
	}
	p.TotalSegments++
	p.TotalDuration += dur
	// Incremental mean keeps the rolling average exact without storing
	// every confidence.
	p.AvgConfidence += (seg.AvgConfidence - p.AvgConfidence) / float64(p.TotalSegments)
}

// GetSessionResults returns a structured snapshot: duration since start,
// metrics, stable results, speaker profiles, and (when requested) the
// latest partial per unfinalized result id.
func (s *Store) GetSessionResults(id string, includePartial bool) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}

	snap := Snapshot{
		SessionID: id,
		Duration:  time.Since(rec.startTime),
		Metrics:   rec.metrics,
		State:     rec.state,
		Results:   make([]Result, len(rec.results)),
		Profiles:  make(map[string]SpeakerProfile, len(rec.profiles)),
	}
	copy(snap.Results, rec.results)
	snap.Metrics.SpeakerTimes = make(map[string]time.Duration, len(rec.metrics.SpeakerTimes))
	for k, v := range rec.metrics.SpeakerTimes {
		snap.Metrics.SpeakerTimes[k] = v
	}
	for k, p := range rec.profiles {
		snap.Profiles[k] = *p
	}
	if includePartial {
		snap.Partials = make(map[string]Result, len(rec.partials))
		for k, v := range rec.partials {
			snap.Partials[k] = v
		}
	}
	return snap, nil
}

// CleanupSession drops all per-session tables.
func (s *Store) CleanupSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

// Sessions lists the active session ids.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}
