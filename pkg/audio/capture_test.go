package audio_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/audio/mock"
)

func monoChunk(samples ...int16) audio.Chunk {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return audio.Chunk{Data: data, SampleRate: audio.CanonicalRate, Channels: 1}
}

func TestCaptureWritesAllRingChannels(t *testing.T) {
	t.Parallel()

	mic := mock.NewSource(4)
	loop := mock.NewSource(4)
	platform := &mock.Platform{MicResult: mic, LoopbackResult: loop}
	ring := audio.NewRing(audio.WithMaxSize(1024))

	var chunks atomic.Int64
	cap := audio.NewCapture(platform, ring, audio.CaptureConfig{},
		audio.WithChunkCallback(func(_ audio.MixResult, _ bool, _ uint64) {
			chunks.Add(1)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cap.Run(ctx) }()

	loop.Push(monoChunk(2000, 400))
	mic.Push(monoChunk(1000, -400))

	deadline := time.After(time.Second)
	for chunks.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no chunk processed within deadline")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if size := ring.Size(audio.ChannelMain); size != 4 {
		t.Fatalf("want 4 bytes on main, got %d", size)
	}
	if size := ring.Size(audio.ChannelMic); size != 4 {
		t.Fatalf("want 4 bytes on mic, got %d", size)
	}
	if size := ring.Size(audio.ChannelDesktop); size != 4 {
		t.Fatalf("want 4 bytes on desktop, got %d", size)
	}

	got, err := ring.Read(4, audio.ChannelMain, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if s0 := int16(got[0]) | int16(got[1])<<8; s0 != 1500 {
		t.Fatalf("want mixed sample 1500, got %d", s0)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("want nil on cancellation, got %v", err)
	}
}

func TestCaptureSurfacesDeviceError(t *testing.T) {
	t.Parallel()

	mic := mock.NewSource(1)
	loop := mock.NewSource(1)
	platform := &mock.Platform{MicResult: mic, LoopbackResult: loop}
	ring := audio.NewRing()

	var reported atomic.Value
	cap := audio.NewCapture(platform, ring, audio.CaptureConfig{},
		audio.WithErrorCallback(func(err error) { reported.Store(err) }),
	)

	done := make(chan error, 1)
	go func() { done <- cap.Run(context.Background()) }()

	deviceErr := errors.New("device unplugged")
	mic.Fail(deviceErr)

	err := <-done
	if !errors.Is(err, deviceErr) {
		t.Fatalf("want device error, got %v", err)
	}
	got, _ := reported.Load().(error)
	if !errors.Is(got, deviceErr) {
		t.Fatalf("want error callback with device error, got %v", got)
	}
	if loop.CallCountClose == 0 {
		t.Fatalf("want loopback closed on mic failure")
	}
}

func TestCaptureFailsWhenDeviceOpenFails(t *testing.T) {
	t.Parallel()

	openErr := errors.New("no such device")
	platform := &mock.Platform{MicError: openErr}
	cap := audio.NewCapture(platform, audio.NewRing(), audio.CaptureConfig{})

	if err := cap.Run(context.Background()); !errors.Is(err, openErr) {
		t.Fatalf("want open error, got %v", err)
	}
}
