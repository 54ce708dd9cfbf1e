// Package asr defines the streaming speech-recognition transport
// abstraction the transcription client runs against. Concrete backends
// (the websocket transport in wsstream, the in-memory mock) implement
// [Provider] and [Stream].
//
// This package lives under pkg/ because external code (third-party ASR
// adapters) is expected to implement these interfaces.
package asr

import (
	"context"
	"errors"
)

// Remote error classes. Backends wrap their transport-specific failures
// into exactly one of these so the client can pick the right retry policy.
var (
	// ErrThrottled means the service rate-limited the session. Retryable
	// with backoff.
	ErrThrottled = errors.New("asr: throttled")

	// ErrServiceUnavailable means the service is temporarily down.
	// Retryable with backoff; the session may be resumed or reopened.
	ErrServiceUnavailable = errors.New("asr: service unavailable")

	// ErrBadRequest means the request or audio format was rejected.
	// Never retried.
	ErrBadRequest = errors.New("asr: bad request")

	// ErrTransport is a connection-level failure. Retryable up to limits.
	ErrTransport = errors.New("asr: transport error")
)

// Stream is one live recognition session.
//
// Implementations must be safe for concurrent use: one goroutine sends
// audio while another drains events.
type Stream interface {
	// SendAudio queues one chunk of PCM16 audio for the service. Returns
	// nil on accepted hand-off, or an error wrapping one of the package's
	// error classes.
	SendAudio(ctx context.Context, chunk []byte) error

	// Events returns the channel of server events. It is closed when the
	// stream ends; [Stream.Err] reports the terminating error, if any.
	Events() <-chan StreamEvent

	// Err returns the error that terminated the stream, or nil after a
	// clean close. Valid once Events is closed.
	Err() error

	// Close flushes pending audio, ends the stream and releases the
	// transport. Idempotent.
	Close(ctx context.Context) error
}

// Provider opens recognition streams against one ASR backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a session with the given configuration. The ctx
	// governs the open attempt and the lifetime of the stream's loops.
	StartStream(ctx context.Context, cfg Config) (Stream, error)

	// Name identifies the backend for logs and metrics.
	Name() string
}
