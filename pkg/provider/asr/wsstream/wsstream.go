// Package wsstream provides a websocket-backed ASR provider speaking the
// engine's streaming transcription protocol: binary frames carry PCM16
// audio upstream, text frames carry JSON transcript and error events
// downstream. It implements the asr.Provider interface.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/earshot-ai/earshot/pkg/provider/asr"
)

// Compile-time interface assertions.
var (
	_ asr.Provider = (*Provider)(nil)
	_ asr.Stream   = (*stream)(nil)
)

const (
	defaultSampleRate = 16000
	defaultEncoding   = "pcm16"
	defaultLanguage   = "en-US"

	// defaultMaxEventSize is the largest binary frame the service accepts.
	defaultMaxEventSize = 32 * 1024

	audioQueueCap = 256
	eventQueueCap = 64
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code.
func WithLanguage(code string) Option {
	return func(p *Provider) {
		p.language = code
	}
}

// WithMaxEventSize sets the largest audio frame the service accepts.
func WithMaxEventSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxEventSize = n
		}
	}
}

// Provider implements asr.Provider over a websocket endpoint.
type Provider struct {
	endpoint     string
	apiKey       string
	language     string
	maxEventSize int
}

// New creates a Provider for the given websocket endpoint. apiKey must be
// non-empty.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("wsstream: endpoint must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("wsstream: apiKey must not be empty")
	}
	p := &Provider{
		endpoint:     endpoint,
		apiKey:       apiKey,
		language:     defaultLanguage,
		maxEventSize: defaultMaxEventSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements asr.Provider.
func (p *Provider) Name() string { return "wsstream" }

// MaxEventSize returns the largest audio frame the service accepts.
func (p *Provider) MaxEventSize() int { return p.maxEventSize }

// StartStream opens a streaming recognition session.
func (p *Provider) StartStream(ctx context.Context, cfg asr.Config) (asr.Stream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("wsstream: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("wsstream: dial: %w", asr.ErrTransport)
	}

	s := &stream{
		conn:    conn,
		maxSize: p.maxEventSize,
		audio:   make(chan []byte, audioQueueCap),
		events:  make(chan asr.StreamEvent, eventQueueCap),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.Config) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.LanguageCode
	if lang == "" {
		lang = p.language
	}
	rate := cfg.MediaSampleRateHz
	if rate == 0 {
		rate = defaultSampleRate
	}
	enc := cfg.MediaEncoding
	if enc == "" {
		enc = defaultEncoding
	}

	q := u.Query()
	q.Set("language_code", lang)
	q.Set("media_sample_rate_hz", strconv.Itoa(rate))
	q.Set("media_encoding", enc)
	if cfg.EnableSpeakerSeparation {
		q.Set("enable_speaker_separation", "true")
	}
	if cfg.EnableChannelIdentification {
		q.Set("enable_channel_identification", "true")
		if cfg.NumberOfChannels > 0 {
			q.Set("number_of_channels", strconv.Itoa(cfg.NumberOfChannels))
		}
	}
	if cfg.EnablePartialResultsStabilization {
		q.Set("enable_partial_results_stabilization", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── stream ───────────────────────────────────────────────────────────────────

// wireEvent is the JSON structure of one downstream text frame.
type wireEvent struct {
	Type      string `json:"type"`
	ResultID  string `json:"result_id"`
	IsPartial bool   `json:"is_partial"`
	ChannelID int    `json:"channel_id"`

	Alternatives []struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
		Items      []struct {
			Content    string  `json:"content"`
			StartTime  float64 `json:"start_time"`
			EndTime    float64 `json:"end_time"`
			Type       string  `json:"type"`
			Confidence float64 `json:"confidence"`
			Speaker    string  `json:"speaker"`
			Stable     bool    `json:"stable"`
		} `json:"items"`
	} `json:"alternatives"`

	// Error frames.
	Class   string `json:"class"`
	Message string `json:"message"`
}

// stream is a live websocket recognition session. It implements asr.Stream.
type stream struct {
	conn    *websocket.Conn
	maxSize int

	audio  chan []byte
	events chan asr.StreamEvent

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM chunk for delivery. Chunks larger than the
// service's maximum event size are rejected with asr.ErrBadRequest.
func (s *stream) SendAudio(ctx context.Context, chunk []byte) error {
	if len(chunk) > s.maxSize {
		return fmt.Errorf("wsstream: chunk %d bytes exceeds max event size %d: %w",
			len(chunk), s.maxSize, asr.ErrBadRequest)
	}
	select {
	case <-s.done:
		return fmt.Errorf("wsstream: stream closed: %w", asr.ErrTransport)
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return fmt.Errorf("wsstream: stream closed: %w", asr.ErrTransport)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events implements asr.Stream.
func (s *stream) Events() <-chan asr.StreamEvent { return s.events }

// Err implements asr.Stream.
func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close flushes pending audio, tells the service to finalize, and tears the
// connection down. Idempotent.
func (s *stream) Close(ctx context.Context) error {
	s.once.Do(func() {
		close(s.done)
		// Ask the service to flush pending results before closing.
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"EndStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// writeLoop drains the audio queue into binary frames.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.setErr(fmt.Errorf("wsstream: write: %w", asr.ErrTransport))
				return
			}
		case <-s.done:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop parses downstream text frames into StreamEvents until the
// connection ends.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Clean close.
			default:
				s.setErr(fmt.Errorf("wsstream: read: %w", asr.ErrTransport))
			}
			return
		}

		ev, ok, fatal := parseWireEvent(msg)
		if fatal != nil {
			s.setErr(fatal)
			return
		}
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// parseWireEvent parses one text frame. A transcript frame yields
// (event, true, nil); an error frame yields the mapped error class; other
// frames are ignored. Malformed frames are skipped rather than fatal.
func parseWireEvent(data []byte) (asr.StreamEvent, bool, error) {
	var raw wireEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return asr.StreamEvent{}, false, nil
	}

	switch raw.Type {
	case "TranscriptEvent":
	case "Error":
		return asr.StreamEvent{}, false, classError(raw.Class, raw.Message)
	default:
		return asr.StreamEvent{}, false, nil
	}

	ev := asr.StreamEvent{
		ResultID:  raw.ResultID,
		IsPartial: raw.IsPartial,
		ChannelID: raw.ChannelID,
		Timestamp: time.Now(),
	}
	for _, alt := range raw.Alternatives {
		out := asr.Alternative{
			Transcript: alt.Transcript,
			Confidence: alt.Confidence,
			Items:      make([]asr.Item, 0, len(alt.Items)),
		}
		for _, it := range alt.Items {
			out.Items = append(out.Items, asr.Item{
				Content:    it.Content,
				StartTime:  time.Duration(it.StartTime * float64(time.Second)),
				EndTime:    time.Duration(it.EndTime * float64(time.Second)),
				Type:       it.Type,
				Confidence: it.Confidence,
				Speaker:    it.Speaker,
				Stable:     it.Stable,
			})
		}
		ev.Alternatives = append(ev.Alternatives, out)
	}
	return ev, true, nil
}

// classError maps a wire error class onto the package error taxonomy.
func classError(class, message string) error {
	var base error
	switch class {
	case "throttled":
		base = asr.ErrThrottled
	case "service_unavailable":
		base = asr.ErrServiceUnavailable
	case "bad_request":
		base = asr.ErrBadRequest
	default:
		base = asr.ErrTransport
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("wsstream: %s: %w", message, base)
}
