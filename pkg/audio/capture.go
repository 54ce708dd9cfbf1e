package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrDeviceClosed is returned by [Capture.Run] when a device stream ends
// without a reported cause.
var ErrDeviceClosed = errors.New("audio: device stream closed")

// chunkErrorBackoff is the pause after a per-chunk processing error before
// the loop resumes reading.
const chunkErrorBackoff = 50 * time.Millisecond

// CaptureConfig bundles the device and processing settings for one session.
type CaptureConfig struct {
	Mic       Config
	Loopback  Config
	Processor ProcessorConfig
}

// CaptureOption configures a [Capture] during construction.
type CaptureOption func(*Capture)

// WithChunkCallback registers cb to run after every mixed chunk has been
// written to the ring. It is called from the capture goroutine and must not
// block; session wiring uses it to publish chunk events.
func WithChunkCallback(cb func(res MixResult, silent bool, seq uint64)) CaptureOption {
	return func(c *Capture) {
		c.onChunk = cb
	}
}

// WithErrorCallback registers cb for device errors. Called once, from the
// capture goroutine, just before Run returns the same error.
func WithErrorCallback(cb func(error)) CaptureOption {
	return func(c *Capture) {
		c.onError = cb
	}
}

// Capture owns the two device sources of a session, drives the mix/process
// chain and feeds the ring buffer. Create one per session with [NewCapture],
// run it with [Capture.Run].
type Capture struct {
	platform Platform
	ring     *Ring
	cfg      CaptureConfig

	mixer *Mixer
	proc  *Processor

	onChunk func(res MixResult, silent bool, seq uint64)
	onError func(error)

	mu      sync.Mutex
	running bool
}

// NewCapture creates a Capture over the given device platform and ring.
func NewCapture(platform Platform, ring *Ring, cfg CaptureConfig, opts ...CaptureOption) *Capture {
	c := &Capture{
		platform: platform,
		ring:     ring,
		cfg:      cfg,
		mixer:    NewMixer(),
		proc:     NewProcessor(cfg.Processor),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run opens both devices and pumps chunks until ctx is cancelled or a device
// fails. The microphone drives the cadence; the most recent loopback chunk
// is paired with each mic chunk, or silence when the loopback is behind.
// Device streams are closed deterministically on every exit path.
//
// Returns nil on cancellation, the device error otherwise.
func (c *Capture) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("audio: capture already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	mic, err := c.platform.OpenMicrophone(ctx, c.cfg.Mic)
	if err != nil {
		return c.fail(fmt.Errorf("audio: open microphone: %w", err))
	}
	defer mic.Close()

	loop, err := c.platform.OpenLoopback(ctx, c.cfg.Loopback)
	if err != nil {
		return c.fail(fmt.Errorf("audio: open loopback: %w", err))
	}
	defer loop.Close()

	var (
		seq         uint64
		pendingLoop Chunk
		haveLoop    bool
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case chunk, ok := <-loop.Chunks():
			if !ok {
				return c.fail(sourceErr(loop, "loopback"))
			}
			// Keep only the newest loopback chunk; the mic paces the loop.
			pendingLoop = chunk
			haveLoop = true

		case chunk, ok := <-mic.Chunks():
			if !ok {
				return c.fail(sourceErr(mic, "microphone"))
			}
			var desk Chunk
			if haveLoop {
				desk = pendingLoop
				haveLoop = false
			}
			if err := c.processPair(chunk, desk, seq); err != nil {
				slog.Warn("audio capture: chunk error, continuing", "seq", seq, "err", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(chunkErrorBackoff):
				}
				continue
			}
			seq++
		}
	}
}

// Running reports whether the capture loop is active.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// processPair mixes one mic/desktop pair, runs the processing chain on the
// combined stream, and writes all three ring channels.
func (c *Capture) processPair(mic, desk Chunk, seq uint64) error {
	if !mic.Aligned() {
		return fmt.Errorf("%w: %d bytes", ErrMisaligned, len(mic.Data))
	}

	res := c.mixer.Mix(mic, desk)

	processed := c.proc.Process(Chunk{
		Data:       res.Combined,
		SampleRate: CanonicalRate,
		Channels:   1,
		Seq:        seq,
		Timestamp:  time.Now(),
	})
	res.Combined = processed.Data

	if err := c.ring.Write(res.Combined, ChannelMain); err != nil {
		return err
	}
	if err := c.ring.Write(res.Mic, ChannelMic); err != nil {
		return err
	}
	if err := c.ring.Write(res.Desktop, ChannelDesktop); err != nil {
		return err
	}

	if c.onChunk != nil {
		c.onChunk(res, processed.Silent, seq)
	}
	return nil
}

func (c *Capture) fail(err error) error {
	if c.onError != nil {
		c.onError(err)
	}
	return err
}

func sourceErr(s Source, name string) error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("audio: %s: %w", name, err)
	}
	return fmt.Errorf("audio: %s: %w", name, ErrDeviceClosed)
}
