package audio

// MixResult holds the per-channel outputs of one mixer pass, all in the
// canonical 16 kHz mono PCM16 format except Stereo, which interleaves the
// mic and desktop streams LRLR for stereo-mode transcription.
type MixResult struct {
	Combined []byte // mic + desktop, summed and halved
	Mic      []byte // ch_0
	Desktop  []byte // ch_1
	Stereo   []byte // mic left, desktop right
}

// Mixer fuses the microphone and desktop loopback streams. Inputs may differ
// in sample rate, channel count and length; both are brought to the
// canonical format and zero-padded to equal length before mixing.
//
// One Mixer per capture session; not safe for concurrent use.
type Mixer struct {
	micConv     FormatConverter
	desktopConv FormatConverter
}

// NewMixer creates a Mixer targeting the canonical format.
func NewMixer() *Mixer {
	return &Mixer{
		micConv:     FormatConverter{Target: Canonical},
		desktopConv: FormatConverter{Target: Canonical},
	}
}

// Mix converts both chunks to 16 kHz mono, pads them to equal length, and
// produces the combined, per-channel and stereo views. Either input may be
// empty; the other stream passes through against silence.
func (m *Mixer) Mix(mic, desktop Chunk) MixResult {
	micPCM := m.micConv.Convert(mic).Data
	desktopPCM := m.desktopConv.Convert(desktop).Data
	micPCM, desktopPCM = PadToEqual(micPCM, desktopPCM)

	return MixResult{
		Combined: MixMono(micPCM, desktopPCM),
		Mic:      micPCM,
		Desktop:  desktopPCM,
		Stereo:   InterleaveStereo(micPCM, desktopPCM),
	}
}
