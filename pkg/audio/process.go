package audio

import (
	"math"
	"time"
)

const peakDecay = 0.95

// ProcessorConfig tunes the per-chunk processing chain. Zero values disable
// the optional steps.
type ProcessorConfig struct {
	// GateEnabled turns on the calibrated noise gate.
	GateEnabled bool
	// GateThreshold multiplies the calibration mean to form the gate floor.
	GateThreshold float64
	// CalibrationChunks is how many leading chunks feed the calibration mean.
	CalibrationChunks int

	// NormalizeEnabled turns on decaying-peak normalization.
	NormalizeEnabled bool
	// TargetPeak is the normalization target in [0, 1].
	TargetPeak float64

	// Gain is a static multiplier applied after normalization. 0 means off.
	Gain float64

	// SilenceThreshold is the RMS floor (in [0, 1]) below which a chunk
	// counts toward the silence run.
	SilenceThreshold float64
	// SilenceMinDuration is how long RMS must stay below the floor before
	// chunks are flagged silent.
	SilenceMinDuration time.Duration
}

// Processor applies the capture-side chunk transforms in a fixed order:
// noise gate, normalization, gain, silence detection. One Processor per
// stream; not safe for concurrent use.
type Processor struct {
	cfg ProcessorConfig

	calibSum    float64
	calibCount  int
	calibMean   float64
	calibrated  bool
	runningMax  float64
	silenceFor  time.Duration
}

// NewProcessor creates a Processor for one stream.
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{cfg: cfg}
}

// Process transforms one chunk in place and returns it with the Silent flag
// set when the stream has been quiet past the configured minimum.
func (p *Processor) Process(chunk Chunk) Chunk {
	samples := bytesToInt16s(chunk.Data)
	if len(samples) == 0 {
		return chunk
	}

	norm := make([]float64, len(samples))
	for i, s := range samples {
		norm[i] = float64(s) / 32768.0
	}

	gain := p.cfg.Gain != 0 && p.cfg.Gain != 1
	if p.cfg.GateEnabled {
		p.gate(norm)
	}
	if p.cfg.NormalizeEnabled {
		p.normalize(norm)
	}
	if gain {
		for i := range norm {
			norm[i] = clip1(norm[i] * p.cfg.Gain)
		}
	}

	// Convert back only when an amplitude step ran; otherwise the chunk's
	// samples pass through bit-exact.
	if p.cfg.GateEnabled || p.cfg.NormalizeEnabled || gain {
		for i := range samples {
			samples[i] = int16(math.Round(clip1(norm[i]) * 32767.0))
		}
		chunk.Data = int16sToBytes(samples)
	}
	chunk.Silent = p.detectSilence(norm, chunk.Duration())
	return chunk
}

// gate learns the mean absolute amplitude over the calibration window, then
// zeroes samples whose magnitude falls below threshold × mean.
func (p *Processor) gate(norm []float64) {
	if !p.calibrated {
		var sum float64
		for _, v := range norm {
			sum += abs1(v)
		}
		p.calibSum += sum / float64(len(norm))
		p.calibCount++
		if p.calibCount >= max(1, p.cfg.CalibrationChunks) {
			p.calibMean = p.calibSum / float64(p.calibCount)
			p.calibrated = true
		}
		return
	}

	floor := p.cfg.GateThreshold * p.calibMean
	for i, v := range norm {
		if abs1(v) < floor {
			norm[i] = 0
		}
	}
}

// normalize tracks a decaying peak and scales the chunk toward TargetPeak.
func (p *Processor) normalize(norm []float64) {
	var peak float64
	for _, v := range norm {
		if a := abs1(v); a > peak {
			peak = a
		}
	}
	decayed := p.runningMax * peakDecay
	if peak > decayed {
		p.runningMax = peak
	} else {
		p.runningMax = decayed
	}
	if p.runningMax <= 0 {
		return
	}
	scale := p.cfg.TargetPeak / p.runningMax
	for i := range norm {
		norm[i] = clip1(norm[i] * scale)
	}
}

// detectSilence accumulates the quiet run length and reports whether it has
// exceeded the configured minimum.
func (p *Processor) detectSilence(norm []float64, dur time.Duration) bool {
	if p.cfg.SilenceThreshold <= 0 {
		return false
	}
	var sum float64
	for _, v := range norm {
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(norm)))
	if rms < p.cfg.SilenceThreshold {
		p.silenceFor += dur
	} else {
		p.silenceFor = 0
	}
	return p.silenceFor >= p.cfg.SilenceMinDuration
}

func abs1(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clip1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
