package audio

import (
	"bytes"
	"testing"
)

func pcm(samples ...int16) []byte {
	return int16sToBytes(samples)
}

func TestResampleMono16SameRateUnchanged(t *testing.T) {
	t.Parallel()

	in := pcm(100, 200, 300)
	got := ResampleMono16(in, 16000, 16000)
	if !bytes.Equal(got, in) {
		t.Fatalf("want input unchanged, got %v", got)
	}
}

func TestResampleMono16Downsample(t *testing.T) {
	t.Parallel()

	in := pcm(0, 100, 200, 300, 400, 500, 600, 700)
	got := ResampleMono16(in, 32000, 16000)
	samples := bytesToInt16s(got)
	if len(samples) != 4 {
		t.Fatalf("want 4 samples, got %d", len(samples))
	}
	// Ratio 2 lands exactly on even source samples.
	want := []int16{0, 200, 400, 600}
	for i, s := range samples {
		if s != want[i] {
			t.Fatalf("sample %d: want %d, got %d", i, want[i], s)
		}
	}
}

func TestStereoToMonoAverages(t *testing.T) {
	t.Parallel()

	in := pcm(100, 300, -200, 200)
	got := bytesToInt16s(StereoToMono(in))
	want := []int16{200, 0}
	if len(got) != len(want) {
		t.Fatalf("want %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestMonoToStereoDuplicates(t *testing.T) {
	t.Parallel()

	got := bytesToInt16s(MonoToStereo(pcm(42, -7)))
	want := []int16{42, 42, -7, -7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestPadToEqual(t *testing.T) {
	t.Parallel()

	a := []byte{1, 2}
	b := []byte{3, 4, 5, 6}
	pa, pb := PadToEqual(a, b)
	if len(pa) != len(pb) {
		t.Fatalf("want equal lengths, got %d and %d", len(pa), len(pb))
	}
	if !bytes.Equal(pa, []byte{1, 2, 0, 0}) {
		t.Fatalf("want zero-padded copy, got %v", pa)
	}
	if !bytes.Equal(a, []byte{1, 2}) {
		t.Fatalf("input mutated: %v", a)
	}
}

func TestMixMonoSumsAndHalves(t *testing.T) {
	t.Parallel()

	got := bytesToInt16s(MixMono(pcm(1000, -400), pcm(2000, 400)))
	want := []int16{1500, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestInterleaveStereoLRLR(t *testing.T) {
	t.Parallel()

	got := bytesToInt16s(InterleaveStereo(pcm(1, 2), pcm(10, 20)))
	want := []int16{1, 10, 2, 20}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestInterleaveStereoPadsShorter(t *testing.T) {
	t.Parallel()

	got := bytesToInt16s(InterleaveStereo(pcm(1, 2), pcm(10)))
	want := []int16{1, 10, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestFormatConverterFastPath(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: Canonical}
	in := Chunk{Data: pcm(5, 6), SampleRate: 16000, Channels: 1}
	got := conv.Convert(in)
	if !bytes.Equal(got.Data, in.Data) {
		t.Fatalf("want unchanged data, got %v", got.Data)
	}
}

func TestFormatConverterDropsOddBytes(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: Canonical}
	got := conv.Convert(Chunk{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 2})
	if len(got.Data) != 0 {
		t.Fatalf("want dropped data, got %v", got.Data)
	}
	if got.SampleRate != CanonicalRate || got.Channels != 1 {
		t.Fatalf("want canonical format on dropped chunk, got %d/%d", got.SampleRate, got.Channels)
	}
}

func TestFormatConverterResamplesAndDownmixes(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: Canonical}
	// 48 kHz stereo, 6 frames.
	in := Chunk{
		Data:       pcm(100, 100, 200, 200, 300, 300, 400, 400, 500, 500, 600, 600),
		SampleRate: 48000,
		Channels:   2,
	}
	got := conv.Convert(in)
	if got.SampleRate != CanonicalRate || got.Channels != 1 {
		t.Fatalf("want 16000/1, got %d/%d", got.SampleRate, got.Channels)
	}
	if len(got.Data) != 2*BytesPerSample {
		t.Fatalf("want 2 samples, got %d bytes", len(got.Data))
	}
}
