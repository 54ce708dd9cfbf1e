package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/earshot-ai/earshot/internal/bus"
	"github.com/earshot-ai/earshot/internal/config"
	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/internal/transcribe"
	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/asr"
)

var (
	// ErrSessionExists is returned when starting an already-active session.
	ErrSessionExists = errors.New("app: session already active")

	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("app: session not found")
)

// defaultChunkDuration is used when the config leaves the capture cadence
// unset.
const defaultChunkDuration = 100 * time.Millisecond

// stopWait bounds how long Stop waits for the capture loop to drain.
const stopWait = 5 * time.Second

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// session bundles the per-session capture and transcription state.
type session struct {
	info    SessionInfo
	ring    *audio.Ring
	capture *audio.Capture
	client  *transcribe.Client
	cancel  context.CancelFunc
	done    chan struct{}
}

// SessionManager manages the lifecycle of capture sessions. Each session
// owns its own ring buffer, capture loop and transcription client;
// sessions are independent and may run concurrently.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session

	// Dependencies injected at construction.
	platform    audio.Platform
	asr         asr.Provider
	cfg         *config.Config
	bus         *bus.Bus
	transcripts *transcribe.Store
	corrector   *transcribe.Corrector
	metrics     *observe.Metrics
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Platform    audio.Platform
	ASR         asr.Provider
	Config      *config.Config
	Bus         *bus.Bus
	Transcripts *transcribe.Store
	Corrector   *transcribe.Corrector
	Metrics     *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*session),
		platform:    cfg.Platform,
		asr:         cfg.ASR,
		cfg:         cfg.Config,
		bus:         cfg.Bus,
		transcripts: cfg.Transcripts,
		corrector:   cfg.Corrector,
		metrics:     cfg.Metrics,
	}
}

// Start begins a new capture session: it opens a recognition stream,
// builds the per-session ring buffer and starts the dual-capture loop
// feeding it.
//
// Returns [ErrSessionExists] when the id is already active.
func (sm *SessionManager) Start(ctx context.Context, sessionID string) (SessionInfo, error) {
	if sessionID == "" {
		return SessionInfo{}, fmt.Errorf("app: session id must not be empty")
	}
	if sm.platform == nil {
		return SessionInfo{}, fmt.Errorf("app: no audio platform configured")
	}
	if sm.asr == nil {
		return SessionInfo{}, fmt.Errorf("app: no asr provider configured")
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.sessions[sessionID]; ok {
		return SessionInfo{}, fmt.Errorf("%w: %q", ErrSessionExists, sessionID)
	}

	asrCfg := sm.asrConfig()
	opts := []transcribe.ClientOption{
		transcribe.WithBus(sm.bus),
		transcribe.WithMetrics(sm.metrics),
	}
	if sm.corrector != nil {
		opts = append(opts, transcribe.WithCorrector(sm.corrector))
	}
	client := transcribe.NewClient(sm.asr, sm.transcripts, transcribe.ClientConfig{
		ASR:        asrCfg,
		MaxRetries: sm.cfg.Transcribe.MaxRetries,
	}, opts...)

	if err := client.StartStream(ctx, sessionID); err != nil {
		return SessionInfo{}, fmt.Errorf("app: start stream %q: %w", sessionID, err)
	}

	chunkDur := time.Duration(sm.cfg.Audio.ChunkDurationMS) * time.Millisecond
	if chunkDur <= 0 {
		chunkDur = defaultChunkDuration
	}
	ring := audio.NewRing(audio.WithMaxSize(sm.ringBytes(chunkDur)))

	// Capture runs on its own context so a cancelled Start ctx does not
	// kill the session.
	captureCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		info:   SessionInfo{SessionID: sessionID, StartedAt: time.Now().UTC()},
		ring:   ring,
		client: client,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	useStereo := asrCfg.EnableChannelIdentification
	onChunk := func(res audio.MixResult, silent bool, seq uint64) {
		if err := sm.transcripts.NoteChunk(sessionID, seq); err != nil {
			slog.Debug("note chunk failed", "session", sessionID, "err", err)
		}
		sm.metrics.RecordChunk(captureCtx, string(audio.ChannelMain))
		sm.publishChunk(sessionID, res, silent, seq)
		if silent {
			return
		}
		frame := res.Combined
		if useStereo {
			frame = res.Stereo
		}
		if err := client.ProcessAudio(captureCtx, frame); err != nil {
			slog.Warn("process audio failed", "session", sessionID, "seq", seq, "err", err)
		}
	}
	onError := func(err error) {
		sm.publishError(sessionID, "capture", err)
	}

	platform := sm.platform
	if sm.cfg.Audio.Microphone.Opus || sm.cfg.Audio.Desktop.Opus {
		platform = audio.OpusPlatform(platform,
			sm.cfg.Audio.Microphone.Opus, sm.cfg.Audio.Desktop.Opus)
	}

	s.capture = audio.NewCapture(platform, ring, sm.captureConfig(chunkDur),
		audio.WithChunkCallback(onChunk),
		audio.WithErrorCallback(onError),
	)

	go func() {
		defer close(s.done)
		if err := s.capture.Run(captureCtx); err != nil && !errors.Is(err, context.Canceled) {
			sm.publishError(sessionID, "capture", err)
		}
	}()

	sm.sessions[sessionID] = s
	sm.metrics.ActiveSessions.Add(captureCtx, 1)
	slog.Info("session started", "session", sessionID, "stereo", useStereo)
	return s.info, nil
}

// Stop ends a session's capture and closes its recognition stream. The
// session's accumulated transcripts stay in the store.
func (sm *SessionManager) Stop(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(stopWait):
		slog.Warn("capture did not stop in time", "session", sessionID)
	case <-ctx.Done():
	}

	err := s.client.StopStream(ctx)
	sm.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	slog.Info("session stopped", "session", sessionID)
	if err != nil {
		return fmt.Errorf("app: stop stream %q: %w", sessionID, err)
	}
	return nil
}

// StopAll stops every active session, logging failures.
func (sm *SessionManager) StopAll(ctx context.Context) {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sm.mu.Unlock()

	for _, id := range ids {
		if err := sm.Stop(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			slog.Warn("stop session failed", "session", id, "err", err)
		}
	}
}

// Active returns the infos of all running sessions.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s.info)
	}
	return out
}

// Ring returns the ring buffer of an active session, for status probes.
func (sm *SessionManager) Ring(sessionID string) (*audio.Ring, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return s.ring, nil
}

// asrConfig maps the transcription config onto the provider's session
// parameters. Channel identification implies the two-channel stereo frame.
func (sm *SessionManager) asrConfig() asr.Config {
	t := sm.cfg.Transcribe
	channels := 1
	if t.ChannelIdentification {
		channels = 2
	}
	sampleRate := t.SampleRateHz
	if sampleRate <= 0 {
		sampleRate = audio.CanonicalRate
	}
	return asr.Config{
		LanguageCode:                      t.LanguageCode,
		MediaSampleRateHz:                 sampleRate,
		MediaEncoding:                     "pcm",
		EnableSpeakerSeparation:           t.SpeakerSeparation,
		EnableChannelIdentification:       t.ChannelIdentification,
		NumberOfChannels:                  channels,
		EnablePartialResultsStabilization: t.PartialStabilization,
	}
}

// captureConfig maps the audio config onto the capture layer's settings.
func (sm *SessionManager) captureConfig(chunkDur time.Duration) audio.CaptureConfig {
	mic := sm.cfg.Audio.Microphone
	desk := sm.cfg.Audio.Desktop
	return audio.CaptureConfig{
		Mic: audio.Config{
			SampleRate:    deviceRate(mic.SampleRate),
			Channels:      deviceChannels(mic.Channels),
			ChunkDuration: chunkDur,
			Device:        mic.Device,
		},
		Loopback: audio.Config{
			SampleRate:    deviceRate(desk.SampleRate),
			Channels:      deviceChannels(desk.Channels),
			ChunkDuration: chunkDur,
			Device:        desk.Device,
		},
	}
}

// ringBytes sizes the per-channel ring from the configured chunk capacity,
// measured in canonical-format chunks.
func (sm *SessionManager) ringBytes(chunkDur time.Duration) int {
	capacity := sm.cfg.Audio.RingCapacity
	if capacity <= 0 {
		return 0 // ring default
	}
	chunk := audio.Config{
		SampleRate:    audio.CanonicalRate,
		Channels:      1,
		ChunkDuration: chunkDur,
	}
	return capacity * chunk.ChunkBytes()
}

func (sm *SessionManager) publishChunk(sessionID string, res audio.MixResult, silent bool, seq uint64) {
	if sm.bus == nil {
		return
	}
	_ = sm.bus.Publish(bus.NewEvent(bus.TypeAudioChunk, map[string]any{
		"session_id": sessionID,
		"seq":        seq,
		"silent":     silent,
		"bytes":      len(res.Combined),
	}))
}

func (sm *SessionManager) publishError(sessionID, op string, err error) {
	if sm.bus == nil {
		return
	}
	_ = sm.bus.Publish(bus.NewEvent(bus.TypeError, map[string]any{
		"session_id": sessionID,
		"source":     "session",
		"operation":  op,
		"error":      err.Error(),
	}))
}

// deviceRate substitutes the canonical rate for an unset device rate.
func deviceRate(hz int) int {
	if hz <= 0 {
		return audio.CanonicalRate
	}
	return hz
}

// deviceChannels substitutes mono for an unset channel count.
func deviceChannels(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
