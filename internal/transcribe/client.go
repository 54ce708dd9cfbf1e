package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/earshot-ai/earshot/internal/bus"
	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/internal/resilience"
	"github.com/earshot-ai/earshot/pkg/provider/asr"
)

// State is the client's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidState is returned when an operation is attempted outside
	// its valid lifecycle state.
	ErrInvalidState = errors.New("transcribe: invalid state")

	// ErrRetriesExhausted is returned when a retryable remote error
	// outlasted the retry budget. The affected chunk is abandoned.
	ErrRetriesExhausted = errors.New("transcribe: retries exhausted")
)

const (
	defaultMaxRetries     = 3
	defaultCoalesceTarget = 3200 // 100 ms of 16 kHz mono PCM16
	defaultMaxEventSize   = 32 * 1024
)

// ClientConfig tunes the streaming client.
type ClientConfig struct {
	// ASR is the recognition session configuration passed to the provider.
	ASR asr.Config

	// MaxRetries bounds retry attempts per remote operation. Default 3.
	MaxRetries int

	// CoalesceTarget is the byte size adjacent chunks are coalesced up to
	// before a send. Default 3200.
	CoalesceTarget int

	// MaxEventSize is the server's largest accepted audio frame; coalesced
	// sends never exceed it. Default 32 KiB.
	MaxEventSize int
}

func (c *ClientConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.CoalesceTarget <= 0 {
		c.CoalesceTarget = defaultCoalesceTarget
	}
	if c.MaxEventSize <= 0 {
		c.MaxEventSize = defaultMaxEventSize
	}
	if c.CoalesceTarget > c.MaxEventSize {
		c.CoalesceTarget = c.MaxEventSize
	}
}

// ClientOption configures a [Client] during construction.
type ClientOption func(*Client)

// WithCorrector attaches a vocabulary corrector applied to stable results.
func WithCorrector(c *Corrector) ClientOption {
	return func(cl *Client) {
		cl.corrector = c
	}
}

// WithBus attaches the event bus; the client then publishes TRANSCRIPT
// events per result and ERROR events for abandoned chunks and stream
// failures.
func WithBus(b *bus.Bus) ClientOption {
	return func(cl *Client) {
		cl.bus = b
	}
}

// WithMetrics attaches the metric instruments; the client then records the
// send-to-result latency per transcript.
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// Client maintains one streaming session with the remote ASR: it paces and
// coalesces audio, retries per error class, translates server events into
// [Result]s for the store, and attributes speakers and channels.
//
// Lifecycle: IDLE → STARTING → STREAMING → STOPPING → IDLE, with ERROR
// reachable from any state on unrecoverable failures. All exported methods
// are safe for concurrent use; sends are serialized so the at-most-once
// ordering guarantee holds.
type Client struct {
	provider  asr.Provider
	store     *Store
	cfg       ClientConfig
	corrector *Corrector
	bus       *bus.Bus
	metrics   *observe.Metrics

	mu        sync.Mutex
	state     State
	stream    asr.Stream
	sessionID string
	pending   []byte
	seq       uint64
	recvDone  chan struct{}
	lastSend  atomic.Int64
}

// NewClient creates a Client over the given provider and store.
func NewClient(provider asr.Provider, store *Store, cfg ClientConfig, opts ...ClientOption) *Client {
	cfg.applyDefaults()
	c := &Client{provider: provider, store: store, cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartStream opens the remote session for sessionID and begins consuming
// server events. Valid from IDLE (or ERROR, which it resets). Open failures
// are retried with backoff for throttling, unavailability and transport
// errors; a bad request fails immediately.
func (c *Client) StartStream(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start_stream in %v", ErrInvalidState, st)
	}
	c.state = StateStarting
	c.mu.Unlock()

	stream, err := c.openWithRetry(ctx)
	if err != nil {
		c.setState(StateError)
		return err
	}

	if err := c.store.StartSession(sessionID, c.cfg.ASR); err != nil && !errors.Is(err, ErrSessionExists) {
		_ = stream.Close(ctx)
		c.setState(StateError)
		return err
	}

	c.mu.Lock()
	c.stream = stream
	c.sessionID = sessionID
	c.pending = nil
	c.seq = 0
	c.recvDone = make(chan struct{})
	c.state = StateStreaming
	done := c.recvDone
	c.mu.Unlock()

	go c.recvLoop(stream, sessionID, done)
	return nil
}

// ProcessAudio queues one audio chunk. Valid only while STREAMING. Chunks
// are coalesced up to the configured target before being sent; sends never
// exceed the server's maximum event size.
func (c *Client) ProcessAudio(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return fmt.Errorf("%w: process_audio in %v", ErrInvalidState, c.state)
	}

	c.pending = append(c.pending, chunk...)
	c.seq++
	if err := c.store.NoteChunk(c.sessionID, c.seq); err != nil {
		return err
	}

	for len(c.pending) >= c.cfg.CoalesceTarget {
		if err := c.flushLocked(ctx, c.cfg.CoalesceTarget); err != nil {
			return err
		}
	}
	return nil
}

// StopStream flushes pending audio, ends the remote session and waits for
// the event loop to drain. Valid only while STREAMING.
func (c *Client) StopStream(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStreaming {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: stop_stream in %v", ErrInvalidState, st)
	}
	c.state = StateStopping

	var flushErr error
	for len(c.pending) > 0 && flushErr == nil {
		n := min(len(c.pending), c.cfg.MaxEventSize)
		flushErr = c.flushLocked(ctx, n)
	}
	stream := c.stream
	done := c.recvDone
	c.mu.Unlock()

	closeErr := stream.Close(ctx)
	<-done

	c.mu.Lock()
	c.stream = nil
	c.state = StateIdle
	c.mu.Unlock()

	return errors.Join(flushErr, closeErr)
}

// flushLocked sends exactly n bytes from the head of the pending buffer,
// retrying per error class. Must be called with c.mu held; holding the lock
// through the retries is what preserves send ordering, so a retried chunk
// always goes out before any later one.
func (c *Client) flushLocked(ctx context.Context, n int) error {
	frame := c.pending[:n]
	err := c.sendWithRetry(ctx, frame)
	if err != nil {
		// At most once: the chunk is abandoned, never resent after a later
		// send could have happened.
		c.pending = c.pending[n:]
		c.publishError("send_audio", err)
		return err
	}
	c.pending = c.pending[n:]
	return nil
}

// sendWithRetry applies the per-class retry policy to one frame:
// throttling and service unavailability back off and retry (the latter
// reopening the session when the transport dropped it), transport errors
// retry up to the budget, bad requests fail fast.
func (c *Client) sendWithRetry(ctx context.Context, frame []byte) error {
	backoff := resilience.NewBackoff(0, 0)
	for attempt := 0; ; attempt++ {
		err := c.stream.SendAudio(ctx, frame)
		if err == nil {
			c.lastSend.Store(time.Now().UnixNano())
			return nil
		}
		if errors.Is(err, asr.ErrBadRequest) {
			c.state = StateError
			return err
		}
		if attempt >= c.cfg.MaxRetries {
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		slog.Warn("asr send failed, retrying",
			"session", c.sessionID, "attempt", attempt+1, "err", err)
		if serr := backoff.Sleep(ctx); serr != nil {
			return serr
		}

		if errors.Is(err, asr.ErrServiceUnavailable) || errors.Is(err, asr.ErrTransport) {
			if rerr := c.reconnectLocked(ctx); rerr != nil {
				slog.Warn("asr reconnect failed", "session", c.sessionID, "err", rerr)
			}
		}
	}
}

// reconnectLocked transparently replaces the dropped stream with a fresh
// session. Must be called with c.mu held.
func (c *Client) reconnectLocked(ctx context.Context) error {
	old := c.stream
	oldDone := c.recvDone

	stream, err := c.provider.StartStream(ctx, c.cfg.ASR)
	if err != nil {
		return fmt.Errorf("transcribe: reconnect: %w", err)
	}

	_ = old.Close(ctx)
	<-oldDone

	c.stream = stream
	c.recvDone = make(chan struct{})
	go c.recvLoop(stream, c.sessionID, c.recvDone)
	return nil
}

// openWithRetry opens the remote session, backing off on retryable error
// classes up to the retry budget.
func (c *Client) openWithRetry(ctx context.Context) (asr.Stream, error) {
	backoff := resilience.NewBackoff(0, 0)
	for attempt := 0; ; attempt++ {
		stream, err := c.provider.StartStream(ctx, c.cfg.ASR)
		if err == nil {
			return stream, nil
		}
		if errors.Is(err, asr.ErrBadRequest) {
			return nil, err
		}
		if attempt >= c.cfg.MaxRetries {
			return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		slog.Warn("asr open failed, retrying", "attempt", attempt+1, "err", err)
		if serr := backoff.Sleep(ctx); serr != nil {
			return nil, serr
		}
	}
}

// recvLoop translates server events into results for the store and
// publishes TRANSCRIPT events until the stream ends.
func (c *Client) recvLoop(stream asr.Stream, sessionID string, done chan struct{}) {
	defer close(done)

	for ev := range stream.Events() {
		res := translateEvent(sessionID, ev, c.cfg.ASR.EnableChannelIdentification)
		if !res.IsPartial && c.corrector != nil {
			res.CorrectedText, res.Corrections = c.corrector.Correct(res.Text)
		}
		if err := c.store.Apply(res); err != nil {
			slog.Warn("transcript store apply failed",
				"session", sessionID, "result", res.ResultID, "err", err)
			continue
		}
		c.recordLatency()
		c.publishTranscript(res)
	}

	if err := stream.Err(); err != nil {
		slog.Warn("asr stream ended with error", "session", sessionID, "err", err)
		c.publishError("stream", err)
	}
}

// recordLatency measures the send-to-result gap against the most recent
// successful audio send.
func (c *Client) recordLatency() {
	if c.metrics == nil {
		return
	}
	sent := c.lastSend.Load()
	if sent == 0 {
		return
	}
	elapsed := time.Since(time.Unix(0, sent))
	c.metrics.ASRLatency.Record(context.Background(), elapsed.Seconds())
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) publishTranscript(res Result) {
	if c.bus == nil {
		return
	}
	text := res.Text
	if res.CorrectedText != "" {
		text = res.CorrectedText
	}
	_ = c.bus.Publish(bus.NewEvent(bus.TypeTranscript, map[string]any{
		"session_id": res.SessionID,
		"result_id":  res.ResultID,
		"is_partial": res.IsPartial,
		"text":       text,
		"raw_text":   res.Text,
		"confidence": res.Confidence,
		"segments":   len(res.Segments),
	}))
}

func (c *Client) publishError(op string, err error) {
	if c.metrics != nil {
		c.metrics.RecordProviderError(context.Background(), c.provider.Name(), op)
	}
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(bus.NewEvent(bus.TypeError, map[string]any{
		"session_id": c.sessionID,
		"source":     "transcribe",
		"operation":  op,
		"error":      err.Error(),
	}))
}
