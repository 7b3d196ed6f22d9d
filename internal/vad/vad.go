// Package vad decides whether a 60ms PCM frame contains speech. The
// silero detector is used when a model file is configured; otherwise a
// simple RMS energy gate stands in.
package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/openspeaker/gateway/internal/config"
)

const (
	SampleRate  = 16000
	SpeechPadMs = 100
)

// Detector reports per-frame speech presence. Implementations keep
// internal hangover state, so frames must arrive in order.
type Detector interface {
	// Feed consumes one frame of 16kHz mono s16le PCM and reports
	// whether the connection is currently inside speech.
	Feed(pcm []byte) (bool, error)
	Reset() error
	Close() error
}

// New picks a detector implementation from config.
func New(cfg config.VADConfig) (Detector, error) {
	if cfg.ModelPath == "" {
		return newEnergyDetector(cfg), nil
	}
	return newSileroDetector(cfg)
}

type sileroDetector struct {
	mu       sync.Mutex
	detector *speech.Detector
	speaking bool
}

func newSileroDetector(cfg config.VADConfig) (*sileroDetector, error) {
	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           SampleRate,
		Threshold:            float32(cfg.Threshold),
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD detector: %w", err)
	}
	return &sileroDetector{detector: detector}, nil
}

func (d *sileroDetector) Feed(pcm []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	samples := pcmToFloat32(pcm)
	segments, err := d.detector.Detect(samples)
	if err != nil {
		return false, fmt.Errorf("VAD detection failed: %w", err)
	}

	for _, seg := range segments {
		if seg.SpeechStartAt >= 0 {
			d.speaking = true
		}
		if seg.SpeechEndAt > 0 {
			d.speaking = false
		}
	}

	return d.speaking, nil
}

func (d *sileroDetector) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaking = false
	if err := d.detector.Reset(); err != nil {
		return fmt.Errorf("failed to reset VAD detector: %w", err)
	}
	return nil
}

func (d *sileroDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detector != nil {
		if err := d.detector.Destroy(); err != nil {
			return fmt.Errorf("failed to destroy VAD detector: %w", err)
		}
		d.detector = nil
	}
	return nil
}

// energyDetector gates on RMS energy with a silence hangover measured
// in frames, mirroring the silero detector's MinSilenceDurationMs.
type energyDetector struct {
	mu            sync.Mutex
	threshold     float64
	hangoverLimit int
	silentFrames  int
	speaking      bool
}

func newEnergyDetector(cfg config.VADConfig) *energyDetector {
	threshold := cfg.EnergyThreshold
	if threshold <= 0 {
		threshold = 0.01
	}
	frames := cfg.MinSilenceDurationMs / 60
	if frames < 1 {
		frames = 1
	}
	return &energyDetector{threshold: threshold, hangoverLimit: frames}
}

func (d *energyDetector) Feed(pcm []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rmsEnergy(pcm) >= d.threshold {
		d.speaking = true
		d.silentFrames = 0
		return true, nil
	}

	if d.speaking {
		d.silentFrames++
		if d.silentFrames >= d.hangoverLimit {
			d.speaking = false
			d.silentFrames = 0
		}
	}
	return d.speaking, nil
}

func (d *energyDetector) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaking = false
	d.silentFrames = 0
	return nil
}

func (d *energyDetector) Close() error { return nil }

func rmsEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func pcmToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples
}
