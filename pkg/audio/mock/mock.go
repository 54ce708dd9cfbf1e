// Package mock provides in-memory mock implementations of the
// [audio.Platform] and [audio.Source] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewSource(4)
//	platform := &mock.Platform{MicResult: mic, LoopbackResult: mock.NewSource(4)}
//	mic.Push(audio.Chunk{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/earshot-ai/earshot/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Feed it chunks with
// [Source.Push] and terminate it with [Source.Fail] or [Source.Close].
type Source struct {
	mu sync.Mutex

	chunks chan audio.Chunk
	err    error
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSource creates a mock source with the given channel buffer.
func NewSource(buffer int) *Source {
	return &Source{chunks: make(chan audio.Chunk, buffer)}
}

// Chunks implements [audio.Source].
func (s *Source) Chunks() <-chan audio.Chunk {
	return s.chunks
}

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Source]. Closes the chunk channel on first call.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.chunks)
	}
	return nil
}

// Push delivers one chunk to the consumer. Blocks if the buffer is full.
func (s *Source) Push(chunk audio.Chunk) {
	s.chunks <- chunk
}

// Fail terminates the stream with err, simulating a device failure.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.chunks)
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single open invocation.
type OpenCall struct {
	// Kind is "microphone" or "loopback".
	Kind string
	// Config is the configuration passed to the open call.
	Config audio.Config
}

// Platform is a mock implementation of [audio.Platform].
// Set the Result fields before use; inspect OpenCalls after.
type Platform struct {
	mu sync.Mutex

	// MicResult is returned by OpenMicrophone.
	MicResult audio.Source
	// MicError is returned by OpenMicrophone.
	MicError error

	// LoopbackResult is returned by OpenLoopback.
	LoopbackResult audio.Source
	// LoopbackError is returned by OpenLoopback.
	LoopbackError error

	// OpenCalls records all open invocations in order.
	OpenCalls []OpenCall
}

// OpenMicrophone implements [audio.Platform].
func (p *Platform) OpenMicrophone(_ context.Context, cfg audio.Config) (audio.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Kind: "microphone", Config: cfg})
	return p.MicResult, p.MicError
}

// OpenLoopback implements [audio.Platform].
func (p *Platform) OpenLoopback(_ context.Context, cfg audio.Config) (audio.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Kind: "loopback", Config: cfg})
	return p.LoopbackResult, p.LoopbackError
}

// Compile-time interface assertions.
var (
	_ audio.Source   = (*Source)(nil)
	_ audio.Platform = (*Platform)(nil)
)
