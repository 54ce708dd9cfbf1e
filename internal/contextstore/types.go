// Package contextstore holds the session's context entries: conversation
// snippets, document extracts, analysis outputs and user notes, indexed by
// source, tag and reference for fast intersection queries. It owns entry
// merging and the archival/retention lifecycle.
package contextstore

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for operations on an unknown entry id.
	ErrNotFound = errors.New("contextstore: entry not found")

	// ErrDuplicateID is returned when adding an entry whose id exists.
	ErrDuplicateID = errors.New("contextstore: duplicate id")

	// ErrInvalidEntry is returned for entries failing validation.
	ErrInvalidEntry = errors.New("contextstore: invalid entry")

	// ErrNoEntries is returned when merging an empty selection.
	ErrNoEntries = errors.New("contextstore: no entries to merge")

	// ErrUnknownStrategy is returned for a merge strategy outside the
	// supported set.
	ErrUnknownStrategy = errors.New("contextstore: unknown merge strategy")
)

// Source classifies where an entry came from.
type Source string

const (
	SourceConversation Source = "CONVERSATION"
	SourceDocument     Source = "DOCUMENT"
	SourceAnalysis     Source = "ANALYSIS"
	SourceUserInput    Source = "USER_INPUT"
	SourceSystem       Source = "SYSTEM"
	SourceExternal     Source = "EXTERNAL"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceConversation, SourceDocument, SourceAnalysis,
		SourceUserInput, SourceSystem, SourceExternal:
		return true
	}
	return false
}

// Level ranks an entry's importance. Higher values outrank lower ones.
type Level int

const (
	LevelBackground Level = iota
	LevelRelevant
	LevelImportant
	LevelCritical
)

// String returns the level's wire name.
func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "CRITICAL"
	case LevelImportant:
		return "IMPORTANT"
	case LevelRelevant:
		return "RELEVANT"
	case LevelBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// State is an entry's lifecycle state.
type State string

const (
	StateActive   State = "ACTIVE"
	StateArchived State = "ARCHIVED"
	StatePending  State = "PENDING"
	StateInvalid  State = "INVALID"
)

// Metadata carries everything about an entry except its content.
type Metadata struct {
	Source    Source
	Level     Level
	State     State
	Timestamp time.Time
	// Expiry is the entry's individual deadline; zero means none.
	Expiry     time.Time
	Tags       []string
	References []string
	CustomData map[string]any
}

// Entry is one unit of session context. Content is opaque to the store;
// structured content (map[string]any) enables deep merging.
type Entry struct {
	ID       string
	Content  any
	Metadata Metadata
}

// Expired reports whether the entry's individual expiry has passed.
func (e Entry) Expired(now time.Time) bool {
	return !e.Metadata.Expiry.IsZero() && now.After(e.Metadata.Expiry)
}

// Query selects entries by intersection: every populated filter must
// match. Empty slices match everything.
type Query struct {
	Sources []Source
	Levels  []Level
	States  []State
	// Tags requires every listed tag to be present on the entry.
	Tags []string
	// StartTime/EndTime bound the entry timestamp inclusively; zero
	// values are open ends.
	StartTime time.Time
	EndTime   time.Time
	// Limit caps the number of returned entries; 0 means no cap.
	Limit int
}

// MergeStrategy selects how Merge combines entries.
type MergeStrategy string

const (
	// MergeLatestWins keeps the newest entry's content and metadata with
	// tags and references unioned across all inputs.
	MergeLatestWins MergeStrategy = "latest_wins"

	// MergeCombineAll deep-merges map contents (or concatenates
	// stringified contents), takes the maximum level, forces ACTIVE
	// state and unions tags, references and custom data.
	MergeCombineAll MergeStrategy = "combine_all"

	// MergePriorityBased keeps the highest-level entry's content and
	// metadata with tags and references unioned.
	MergePriorityBased MergeStrategy = "priority_based"
)
