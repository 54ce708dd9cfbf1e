package audio

import (
	"context"
	"fmt"
	"sync"

	"layeh.com/gopus"
)

// Remote capture feeds (screen-share bridges, conferencing taps) deliver
// 48 kHz Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder decodes an Opus packet stream from one compressed capture
// source into PCM16. Each source gets its own decoder to maintain decoder
// state correctly across consecutive frames. Not safe for concurrent use.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates a decoder for a compressed capture source with the
// given channel count (1 or 2).
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: opus decoder channels %d must be 1 or 2", channels)
	}
	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode decodes one Opus packet into a 48 kHz PCM16 chunk. Downstream
// conversion to the canonical format is the caller's job.
func (d *OpusDecoder) Decode(packet []byte) (Chunk, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return Chunk{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Chunk{
		Data:       int16sToBytes(pcm),
		SampleRate: opusSampleRate,
		Channels:   d.channels,
	}, nil
}

// OpusSource adapts a compressed capture feed to the PCM [Source] surface:
// every chunk delivered by the wrapped source carries one Opus packet in
// its Data, and is decoded before delivery. A decode failure terminates
// the stream and is reported by Err.
type OpusSource struct {
	src  Source
	out  chan Chunk
	stop chan struct{}
	once sync.Once

	mu        sync.Mutex
	decodeErr error
}

// NewOpusSource wraps src with a per-source decoder. channels is the
// packet channel count (1 or 2).
func NewOpusSource(src Source, channels int) (*OpusSource, error) {
	dec, err := NewOpusDecoder(channels)
	if err != nil {
		return nil, err
	}
	o := &OpusSource{
		src:  src,
		out:  make(chan Chunk, 1),
		stop: make(chan struct{}),
	}
	go o.run(dec)
	return o, nil
}

// run owns the decoder; decoder state carries across consecutive packets.
func (o *OpusSource) run(dec *OpusDecoder) {
	defer close(o.out)
	for c := range o.src.Chunks() {
		chunk, err := dec.Decode(c.Data)
		if err != nil {
			o.mu.Lock()
			o.decodeErr = err
			o.mu.Unlock()
			_ = o.src.Close()
			return
		}
		select {
		case o.out <- chunk:
		case <-o.stop:
			return
		}
	}
}

// Chunks implements [Source].
func (o *OpusSource) Chunks() <-chan Chunk { return o.out }

// Err implements [Source]. A decode error takes precedence over the
// wrapped source's device error.
func (o *OpusSource) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.decodeErr != nil {
		return o.decodeErr
	}
	return o.src.Err()
}

// Close implements [Source].
func (o *OpusSource) Close() error {
	o.once.Do(func() { close(o.stop) })
	return o.src.Close()
}

// OpusPlatform wraps a [Platform] whose selected feeds deliver Opus
// packets, decoding them to PCM before the capture loop sees them. Remote
// bridges commonly expose the loopback side this way while the local
// microphone stays PCM.
func OpusPlatform(p Platform, mic, loopback bool) Platform {
	return &opusPlatform{inner: p, mic: mic, loopback: loopback}
}

type opusPlatform struct {
	inner    Platform
	mic      bool
	loopback bool
}

func (p *opusPlatform) OpenMicrophone(ctx context.Context, cfg Config) (Source, error) {
	src, err := p.inner.OpenMicrophone(ctx, cfg)
	if err != nil || !p.mic {
		return src, err
	}
	return wrapOpus(src, cfg.Channels)
}

func (p *opusPlatform) OpenLoopback(ctx context.Context, cfg Config) (Source, error) {
	src, err := p.inner.OpenLoopback(ctx, cfg)
	if err != nil || !p.loopback {
		return src, err
	}
	return wrapOpus(src, cfg.Channels)
}

func wrapOpus(src Source, channels int) (Source, error) {
	wrapped, err := NewOpusSource(src, channels)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return wrapped, nil
}

var (
	_ Source   = (*OpusSource)(nil)
	_ Platform = (*opusPlatform)(nil)
)
