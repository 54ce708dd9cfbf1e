// Package audio provides the capture-side audio pipeline for Earshot:
// PCM16 format conversion, a per-channel bounded ring buffer, the
// processing chain (noise gate, normalization, silence detection), and
// the dual-stream mixer that fuses microphone and desktop loopback audio.
//
// The canonical internal format is PCM16 little-endian at 16 kHz mono.
// Stereo frames are interleaved LRLR.
package audio

import (
	"fmt"
	"time"
)

const (
	// CanonicalRate is the sample rate all audio is resampled to before it
	// enters the ring buffer or the transcription client.
	CanonicalRate = 16000

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// ChannelKey identifies one logical stream inside the ring buffer.
type ChannelKey string

const (
	// ChannelMain carries the mixed (microphone + desktop) mono stream.
	ChannelMain ChannelKey = "main"

	// ChannelMic carries the microphone stream.
	ChannelMic ChannelKey = "ch_0"

	// ChannelDesktop carries the desktop loopback stream.
	ChannelDesktop ChannelKey = "ch_1"
)

// Config describes the audio parameters of a capture session.
// It is immutable for the lifetime of the session.
type Config struct {
	// SampleRate in Hz of the source device (e.g., 48000 for most desktop
	// loopbacks, 16000 for STT-optimised microphones).
	SampleRate int

	// Channels is the channel count of the source device.
	Channels int

	// ChunkDuration is the cadence at which the capture layer delivers chunks.
	ChunkDuration time.Duration

	// Device is the platform-specific input device identifier. Empty selects
	// the platform default.
	Device string
}

// FrameSize returns the byte width of one frame (one sample across all
// channels) for this configuration.
func (c Config) FrameSize() int {
	ch := c.Channels
	if ch <= 0 {
		ch = 1
	}
	return ch * BytesPerSample
}

// ChunkBytes returns the expected byte length of one chunk at the configured
// cadence, sample rate and channel count.
func (c Config) ChunkBytes() int {
	samples := int(int64(c.SampleRate) * int64(c.ChunkDuration) / int64(time.Second))
	return samples * c.FrameSize()
}

// Validate reports whether the configuration is internally coherent.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("audio: channel count %d must be 1 or 2", c.Channels)
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("audio: chunk duration %v must be positive", c.ChunkDuration)
	}
	return nil
}

// Chunk is one unit of audio delivered by the capture layer: a contiguous
// PCM16 byte slice aligned to the frame size, with a monotonically increasing
// sequence number assigned by the producer.
type Chunk struct {
	// Data is little-endian PCM16. len(Data) is always a multiple of
	// Channels × BytesPerSample.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Seq is the producer-assigned sequence number.
	Seq uint64

	// Timestamp marks when the chunk was produced.
	Timestamp time.Time

	// Silent is set by the processing chain when the chunk's RMS energy
	// stayed below the silence threshold for longer than the configured
	// minimum duration.
	Silent bool
}

// Aligned reports whether the chunk's data length is a multiple of its
// frame size.
func (c Chunk) Aligned() bool {
	fs := c.Channels * BytesPerSample
	if fs == 0 {
		return false
	}
	return len(c.Data)%fs == 0
}

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / (c.Channels * BytesPerSample)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}
