// Package mock provides in-memory mock implementations of [asr.Provider]
// and [asr.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record sent audio and expose
// exported fields to script failures:
//
//	stream := mock.NewStream(8)
//	provider := &mock.Provider{StartResult: stream}
//	stream.PushEvent(asr.StreamEvent{ResultID: "r1", IsPartial: true})
//	stream.Finish(nil)
package mock

import (
	"context"
	"sync"

	"github.com/earshot-ai/earshot/pkg/provider/asr"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [asr.Stream].
type Stream struct {
	mu sync.Mutex

	events chan asr.StreamEvent
	err    error
	closed bool

	// SendErrors is consumed front-to-back: each SendAudio call pops one
	// entry and returns it (nil entries mean success). When exhausted,
	// SendAudio succeeds.
	SendErrors []error

	// SentChunks records every successfully sent chunk in order.
	SentChunks [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream creates a mock stream with the given event buffer.
func NewStream(buffer int) *Stream {
	return &Stream{events: make(chan asr.StreamEvent, buffer)}
}

// SendAudio implements [asr.Stream]. Pops the next scripted error; on
// success the chunk is recorded.
func (s *Stream) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.SendErrors) > 0 {
		err := s.SendErrors[0]
		s.SendErrors = s.SendErrors[1:]
		if err != nil {
			return err
		}
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.SentChunks = append(s.SentChunks, buf)
	return nil
}

// Events implements [asr.Stream].
func (s *Stream) Events() <-chan asr.StreamEvent { return s.events }

// Err implements [asr.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [asr.Stream]. Closes the event channel on first call.
func (s *Stream) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// PushEvent delivers one server event to the consumer.
func (s *Stream) PushEvent(ev asr.StreamEvent) {
	s.events <- ev
}

// Finish terminates the event stream with the given error (nil for a clean
// end), simulating the server closing the session.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// Sent returns a snapshot of all recorded chunks.
func (s *Stream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentChunks))
	copy(out, s.SentChunks)
	return out
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// StartCall records the arguments of one StartStream invocation.
type StartCall struct {
	Config asr.Config
}

// Provider is a mock implementation of [asr.Provider].
type Provider struct {
	mu sync.Mutex

	// StartResult is returned by StartStream. When StartResults is
	// non-empty it takes precedence and is consumed front-to-back,
	// letting tests hand out a fresh stream per reconnect.
	StartResult  asr.Stream
	StartResults []asr.Stream

	// StartErrors is consumed front-to-back before any result is handed
	// out; nil entries mean success.
	StartErrors []error

	// StartCalls records all StartStream invocations.
	StartCalls []StartCall
}

// StartStream implements [asr.Provider].
func (p *Provider) StartStream(_ context.Context, cfg asr.Config) (asr.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, StartCall{Config: cfg})
	if len(p.StartErrors) > 0 {
		err := p.StartErrors[0]
		p.StartErrors = p.StartErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(p.StartResults) > 0 {
		s := p.StartResults[0]
		p.StartResults = p.StartResults[1:]
		return s, nil
	}
	return p.StartResult, nil
}

// Name implements [asr.Provider].
func (p *Provider) Name() string { return "mock" }

// Calls returns a snapshot of recorded StartStream calls.
func (p *Provider) Calls() []StartCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartCall, len(p.StartCalls))
	copy(out, p.StartCalls)
	return out
}

// Compile-time interface assertions.
var (
	_ asr.Stream   = (*Stream)(nil)
	_ asr.Provider = (*Provider)(nil)
)
