// Package bus implements the typed in-process event bus that wires the
// engine's components together: capture publishes audio chunks, the
// transcription client publishes transcripts, the analysis engine publishes
// metrics and assistance, and consumers subscribe with optional role
// filters.
//
// Delivery is ordered per subscriber and isolated: a panicking handler is
// re-emitted as an [TypeError] event and never affects the publisher or
// other subscribers.
package bus

import "time"

// Type classifies an event. The set is closed; payload shape is a
// structured map keyed by convention (a "session_id" key scopes the event
// to one session, its absence means process-scoped).
type Type string

const (
	TypeAudioChunk        Type = "AUDIO_CHUNK"
	TypeTranscript        Type = "TRANSCRIPT"
	TypeDocumentProcessed Type = "DOCUMENT_PROCESSED"
	TypeAssistance        Type = "ASSISTANCE"
	TypeToolUse           Type = "TOOL_USE"
	TypeContextUpdate     Type = "CONTEXT_UPDATE"
	TypeMessageSent       Type = "MESSAGE_SENT"
	TypeResponseReceived  Type = "RESPONSE_RECEIVED"
	TypeDocumentAdded     Type = "DOCUMENT_ADDED"
	TypeError             Type = "ERROR"
	TypeMetrics           Type = "METRICS"
)

// Valid reports whether t belongs to the closed event type set.
func (t Type) Valid() bool {
	switch t {
	case TypeAudioChunk, TypeTranscript, TypeDocumentProcessed, TypeAssistance,
		TypeToolUse, TypeContextUpdate, TypeMessageSent, TypeResponseReceived,
		TypeDocumentAdded, TypeError, TypeMetrics:
		return true
	}
	return false
}

// Event is one immutable bus message. Publishers must not mutate the
// payload after publishing.
type Event struct {
	Type      Type
	Payload   map[string]any
	Timestamp time.Time
	// Role optionally scopes delivery: subscribers with a role filter only
	// receive events whose Role is in their set or unset.
	Role     string
	Metadata map[string]any
}

// NewEvent creates an event of the given type with a payload, stamped now.
func NewEvent(t Type, payload map[string]any) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now()}
}

// SessionID returns the payload's session scope, or "" for process-scoped
// events.
func (e Event) SessionID() string {
	id, _ := e.Payload["session_id"].(string)
	return id
}
