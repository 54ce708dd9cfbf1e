package audio

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"layeh.com/gopus"
)

// encodeOpusFrame produces one 20 ms Opus packet of a 440 Hz tone.
func encodeOpusFrame(t *testing.T, channels int) []byte {
	t.Helper()
	enc, err := gopus.NewEncoder(opusSampleRate, channels, gopus.Audio)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, opusFrameSize*channels)
	for i := range pcm {
		sample := i / channels
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(sample)/opusSampleRate))
	}
	packet, err := enc.Encode(pcm, opusFrameSize, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return packet
}

func TestOpusDecoderRoundTrip(t *testing.T) {
	t.Parallel()

	for _, channels := range []int{1, 2} {
		dec, err := NewOpusDecoder(channels)
		if err != nil {
			t.Fatalf("NewOpusDecoder(%d): %v", channels, err)
		}

		chunk, err := dec.Decode(encodeOpusFrame(t, channels))
		if err != nil {
			t.Fatalf("Decode(%d ch): %v", channels, err)
		}
		if chunk.SampleRate != opusSampleRate {
			t.Errorf("sample rate = %d, want %d", chunk.SampleRate, opusSampleRate)
		}
		if chunk.Channels != channels {
			t.Errorf("channels = %d, want %d", chunk.Channels, channels)
		}
		if want := opusFrameSize * channels * BytesPerSample; len(chunk.Data) != want {
			t.Errorf("data = %d bytes, want %d", len(chunk.Data), want)
		}
		if !chunk.Aligned() {
			t.Error("decoded chunk is not frame-aligned")
		}
	}
}

func TestOpusDecoderInvalidChannels(t *testing.T) {
	t.Parallel()

	for _, channels := range []int{0, 3, -1} {
		if _, err := NewOpusDecoder(channels); err == nil {
			t.Errorf("NewOpusDecoder(%d) succeeded", channels)
		}
	}
}

func TestOpusDecoderRejectsGarbage(t *testing.T) {
	t.Parallel()

	dec, err := NewOpusDecoder(1)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}
	if _, err := dec.Decode([]byte{0xde, 0xad, 0xbe, 0xef}); err == nil {
		t.Error("Decode of garbage succeeded")
	}
}

// packetSource is a minimal in-test Source delivering preloaded chunks.
type packetSource struct {
	chunks chan Chunk

	mu     sync.Mutex
	closed bool
	err    error
}

func newPacketSource(buffer int) *packetSource {
	return &packetSource{chunks: make(chan Chunk, buffer)}
}

func (s *packetSource) Chunks() <-chan Chunk { return s.chunks }

func (s *packetSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *packetSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.chunks)
	}
	return nil
}

func TestOpusSourceDecodesPackets(t *testing.T) {
	t.Parallel()

	inner := newPacketSource(4)
	inner.chunks <- Chunk{Data: encodeOpusFrame(t, 2)}
	inner.chunks <- Chunk{Data: encodeOpusFrame(t, 2)}

	src, err := NewOpusSource(inner, 2)
	if err != nil {
		t.Fatalf("NewOpusSource: %v", err)
	}
	defer src.Close()

	for i := range 2 {
		select {
		case chunk := <-src.Chunks():
			if chunk.SampleRate != opusSampleRate {
				t.Errorf("chunk %d sample rate = %d, want %d", i, chunk.SampleRate, opusSampleRate)
			}
			if want := opusFrameSize * 2 * BytesPerSample; len(chunk.Data) != want {
				t.Errorf("chunk %d data = %d bytes, want %d", i, len(chunk.Data), want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("chunk %d not delivered", i)
		}
	}

	_ = inner.Close()
	if _, ok := <-src.Chunks(); ok {
		t.Error("chunk channel still open after inner source closed")
	}
	if err := src.Err(); err != nil {
		t.Errorf("Err() = %v after clean close", err)
	}
}

func TestOpusSourceStopsOnDecodeError(t *testing.T) {
	t.Parallel()

	inner := newPacketSource(1)
	inner.chunks <- Chunk{Data: []byte{0xde, 0xad, 0xbe, 0xef}}

	src, err := NewOpusSource(inner, 1)
	if err != nil {
		t.Fatalf("NewOpusSource: %v", err)
	}

	select {
	case _, ok := <-src.Chunks():
		if ok {
			t.Fatal("garbage packet was delivered")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chunk channel did not close")
	}
	if src.Err() == nil {
		t.Error("Err() = nil, want decode error")
	}
	inner.mu.Lock()
	closed := inner.closed
	inner.mu.Unlock()
	if !closed {
		t.Error("inner source not closed after decode error")
	}
}

func TestOpusPlatformWrapsSelectedFeeds(t *testing.T) {
	t.Parallel()

	mic := newPacketSource(1)
	loop := newPacketSource(1)
	loop.chunks <- Chunk{Data: encodeOpusFrame(t, 1)}
	inner := &staticPlatform{mic: mic, loopback: loop}

	p := OpusPlatform(inner, false, true)
	ctx := context.Background()

	micSrc, err := p.OpenMicrophone(ctx, Config{Channels: 1})
	if err != nil {
		t.Fatalf("OpenMicrophone: %v", err)
	}
	if micSrc != Source(mic) {
		t.Error("microphone source was wrapped")
	}

	loopSrc, err := p.OpenLoopback(ctx, Config{Channels: 1})
	if err != nil {
		t.Fatalf("OpenLoopback: %v", err)
	}
	if _, ok := loopSrc.(*OpusSource); !ok {
		t.Fatalf("loopback source = %T, want *OpusSource", loopSrc)
	}

	select {
	case chunk := <-loopSrc.Chunks():
		if chunk.SampleRate != opusSampleRate {
			t.Errorf("sample rate = %d, want %d", chunk.SampleRate, opusSampleRate)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decoded loopback chunk not delivered")
	}
	_ = loopSrc.Close()
}

// staticPlatform returns fixed sources for each feed.
type staticPlatform struct {
	mic, loopback Source
}

func (p *staticPlatform) OpenMicrophone(context.Context, Config) (Source, error) {
	return p.mic, nil
}

func (p *staticPlatform) OpenLoopback(context.Context, Config) (Source, error) {
	return p.loopback, nil
}
