package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrMisaligned is returned when a write's length is not a multiple of
	// the channel's frame size.
	ErrMisaligned = errors.New("audio: write not aligned to frame size")

	// ErrUnknownChannel is returned for a channel key the ring was not
	// created with.
	ErrUnknownChannel = errors.New("audio: unknown ring channel")
)

// RingOption configures a [Ring] during construction.
type RingOption func(*Ring)

// WithMaxSize sets the per-channel byte capacity.
func WithMaxSize(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.maxSize = n
		}
	}
}

// WithChunkSize sets the buffer size yielded by [Ring.ReadStream].
func WithChunkSize(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithFrameSize sets the write alignment in bytes. Defaults to 2 (mono PCM16).
func WithFrameSize(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.frameSize = n
		}
	}
}

// WithSampleRate sets the rate used to derive queued-audio latency in
// [Ring.Status]. Defaults to [CanonicalRate].
func WithSampleRate(hz int) RingOption {
	return func(r *Ring) {
		if hz > 0 {
			r.sampleRate = hz
		}
	}
}

const (
	defaultRingMaxSize   = 1 << 20 // 1 MiB per channel, ~32 s of 16 kHz mono
	defaultRingChunkSize = 3200    // 100 ms of 16 kHz mono PCM16
)

// channelState is the per-channel FIFO. All fields are guarded by mu.
// notify wakes one waiting reader after a write; reads on a single channel
// are serialized by callers, so a single token is enough.
type channelState struct {
	mu        sync.Mutex
	slices    [][]byte
	size      int
	lastWrite time.Time
	lastRead  time.Time

	bytesWritten  uint64
	bytesRead     uint64
	overflowCount uint64
	underrunCount uint64

	notify chan struct{}
}

// Ring is a bounded per-channel FIFO of PCM byte slices. It holds one
// independent deque per channel key; operations on different channels never
// contend. Overflowing writes drop the oldest queued audio, splitting a
// stored slice when only part of it must go.
//
// All exported methods are safe for concurrent use.
type Ring struct {
	maxSize    int
	chunkSize  int
	frameSize  int
	sampleRate int

	channels map[ChannelKey]*channelState
}

// ChannelStatus is a point-in-time snapshot of one ring channel.
type ChannelStatus struct {
	Size          int
	MaxSize       int
	Fill          float64
	Latency       time.Duration
	LastWrite     time.Time
	LastRead      time.Time
	BytesWritten  uint64
	BytesRead     uint64
	OverflowCount uint64
	UnderrunCount uint64
}

// RingStatus is a snapshot across all channels.
type RingStatus struct {
	Channels map[ChannelKey]ChannelStatus
	Active   []ChannelKey
}

// NewRing creates a ring with the three standard channels
// ([ChannelMain], [ChannelMic], [ChannelDesktop]).
func NewRing(opts ...RingOption) *Ring {
	r := &Ring{
		maxSize:    defaultRingMaxSize,
		chunkSize:  defaultRingChunkSize,
		frameSize:  BytesPerSample,
		sampleRate: CanonicalRate,
		channels:   make(map[ChannelKey]*channelState, 3),
	}
	for _, o := range opts {
		o(r)
	}
	for _, key := range []ChannelKey{ChannelMain, ChannelMic, ChannelDesktop} {
		r.channels[key] = &channelState{notify: make(chan struct{}, 1)}
	}
	return r
}

func (r *Ring) channel(key ChannelKey) (*channelState, error) {
	if key == "" {
		key = ChannelMain
	}
	ch, ok := r.channels[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, key)
	}
	return ch, nil
}

// Write appends data to the channel's FIFO. Zero-length writes are no-ops.
// The write fails if data is not aligned to the frame size. When the channel
// is full, the oldest queued bytes are dropped to make room; overflow_count
// increments once per overflowing write no matter how many slices go.
func (r *Ring) Write(data []byte, key ChannelKey) error {
	if len(data) == 0 {
		return nil
	}
	if len(data)%r.frameSize != 0 {
		return fmt.Errorf("%w: %d bytes, frame size %d", ErrMisaligned, len(data), r.frameSize)
	}
	ch, err := r.channel(key)
	if err != nil {
		return err
	}

	// The ring owns its copy; callers may reuse their buffer.
	buf := make([]byte, len(data))
	copy(buf, data)

	ch.mu.Lock()
	incoming := buf
	// Oversized write: only the newest maxSize bytes can survive.
	if len(incoming) > r.maxSize {
		incoming = incoming[len(incoming)-r.maxSize:]
	}
	overflowed := false
	for ch.size+len(incoming) > r.maxSize {
		overflowed = true
		need := ch.size + len(incoming) - r.maxSize
		oldest := ch.slices[0]
		if len(oldest) <= need {
			ch.slices = ch.slices[1:]
			ch.size -= len(oldest)
		} else {
			ch.slices[0] = oldest[need:]
			ch.size -= need
		}
	}
	if overflowed {
		ch.overflowCount++
	}
	ch.slices = append(ch.slices, incoming)
	ch.size += len(incoming)
	ch.bytesWritten += uint64(len(buf))
	ch.lastWrite = time.Now()
	ch.mu.Unlock()

	select {
	case ch.notify <- struct{}{}:
	default:
	}
	return nil
}

// Read returns exactly size bytes from the channel, or nil when not enough
// data is available. With a positive timeout the call waits up to that long
// for writers before giving up. Every unsatisfied read increments
// underrun_count, including an immediate miss with a non-positive timeout:
// the counter tracks demand the ring could not serve, not timer expiries.
// A read may split a stored slice, pushing the remainder back at the head.
func (r *Ring) Read(size int, key ChannelKey, timeout time.Duration) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	ch, err := r.channel(key)
	if err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		ch.mu.Lock()
		if ch.size >= size {
			out := ch.takeLocked(size)
			ch.mu.Unlock()
			return out, nil
		}
		ch.mu.Unlock()

		if deadline == nil {
			break
		}
		select {
		case <-ch.notify:
		case <-deadline:
			deadline = nil
		}
		if deadline == nil {
			// One last check after the timer fired.
			ch.mu.Lock()
			if ch.size >= size {
				out := ch.takeLocked(size)
				ch.mu.Unlock()
				return out, nil
			}
			ch.mu.Unlock()
			break
		}
	}

	ch.mu.Lock()
	ch.underrunCount++
	ch.mu.Unlock()
	return nil, nil
}

// takeLocked removes exactly size bytes from the head of the FIFO.
// Caller holds ch.mu and has verified ch.size >= size.
func (ch *channelState) takeLocked(size int) []byte {
	out := make([]byte, 0, size)
	for len(out) < size {
		oldest := ch.slices[0]
		need := size - len(out)
		if len(oldest) <= need {
			out = append(out, oldest...)
			ch.slices = ch.slices[1:]
			ch.size -= len(oldest)
		} else {
			out = append(out, oldest[:need]...)
			ch.slices[0] = oldest[need:]
			ch.size -= need
		}
	}
	ch.bytesRead += uint64(size)
	ch.lastRead = time.Now()
	return out
}

// ReadStream yields chunk-sized buffers from the channel until ctx is
// canceled. When the channel runs dry the consumer suspends until a writer
// arrives. The returned channel is closed on cancellation.
func (r *Ring) ReadStream(ctx context.Context, key ChannelKey) (<-chan []byte, error) {
	ch, err := r.channel(key)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			ch.mu.Lock()
			var buf []byte
			if ch.size >= r.chunkSize {
				buf = ch.takeLocked(r.chunkSize)
			}
			ch.mu.Unlock()

			if buf == nil {
				select {
				case <-ctx.Done():
					return
				case <-ch.notify:
					continue
				}
			}

			select {
			case <-ctx.Done():
				return
			case out <- buf:
			}
		}
	}()
	return out, nil
}

// Size returns the current byte count queued on the channel.
func (r *Ring) Size(key ChannelKey) int {
	ch, err := r.channel(key)
	if err != nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.size
}

// Status snapshots every channel. A channel is active when it has received
// at least one write.
func (r *Ring) Status() RingStatus {
	st := RingStatus{Channels: make(map[ChannelKey]ChannelStatus, len(r.channels))}
	for key, ch := range r.channels {
		ch.mu.Lock()
		cs := ChannelStatus{
			Size:          ch.size,
			MaxSize:       r.maxSize,
			Fill:          float64(ch.size) / float64(r.maxSize),
			LastWrite:     ch.lastWrite,
			LastRead:      ch.lastRead,
			BytesWritten:  ch.bytesWritten,
			BytesRead:     ch.bytesRead,
			OverflowCount: ch.overflowCount,
			UnderrunCount: ch.underrunCount,
		}
		if r.sampleRate > 0 {
			samples := ch.size / BytesPerSample
			cs.Latency = time.Duration(samples) * time.Second / time.Duration(r.sampleRate)
		}
		active := ch.bytesWritten > 0
		ch.mu.Unlock()

		st.Channels[key] = cs
		if active {
			st.Active = append(st.Active, key)
		}
	}
	return st
}
