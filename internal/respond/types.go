// Package respond generates assistance responses: model-backed candidates
// and template candidates are pooled, filtered by confidence and ranked;
// the best becomes the response and the rest its alternatives. When
// nothing survives selection a fixed fallback for the requested type is
// emitted instead.
package respond

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTemplate is returned when registering a template without
	// a name or text.
	ErrInvalidTemplate = errors.New("respond: invalid template")
)

// Response types.
const (
	TypeSuggestion    = "SUGGESTION"
	TypeAnswer        = "ANSWER"
	TypeClarification = "CLARIFICATION"
	TypeSummary       = "SUMMARY"
	// TypeFallback marks the fixed response emitted when generation
	// fails or selection is empty.
	TypeFallback = "FALLBACK"
)

// Candidate is one possible response before selection.
type Candidate struct {
	Content     string         `json:"content"`
	Type        string         `json:"type"`
	Confidence  float64        `json:"confidence"`
	ContextRefs []string       `json:"context_refs,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Response is the finalized generation outcome.
type Response struct {
	Content      string
	Type         string
	Confidence   float64
	Alternatives []Candidate
	ContextRefs  []string
	Metadata     map[string]any
	Timestamp    time.Time
}
