// Package audio provides the PCM/Opus/WAV conversions shared by the
// receive path (device opus frames to ASR wav) and the send path
// (TTS pcm to paced opus frames).
package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"gopkg.in/hraban/opus.v2"
)

const (
	SampleRate = 16000
	Channels   = 1

	// Devices exchange 60ms opus frames: 960 samples at 16kHz.
	FrameDurationMs = 60
	FrameSamples    = SampleRate * FrameDurationMs / 1000
)

// Encoder converts 16-bit little-endian PCM into 60ms opus frames.
type Encoder struct {
	enc *opus.Encoder
	buf []byte
}

func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &Encoder{enc: enc, buf: make([]byte, 4096)}, nil
}

// Encode splits pcm into full frames and encodes each one. A trailing
// partial frame is zero-padded so the tail of an utterance is not lost.
func (e *Encoder) Encode(pcm []byte) ([][]byte, error) {
	samples := bytesToInt16(pcm)

	var frames [][]byte
	for offset := 0; offset < len(samples); offset += FrameSamples {
		end := offset + FrameSamples
		frame := make([]int16, FrameSamples)
		if end > len(samples) {
			copy(frame, samples[offset:])
		} else {
			copy(frame, samples[offset:end])
		}

		n, err := e.enc.Encode(frame, e.buf)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		data := make([]byte, n)
		copy(data, e.buf[:n])
		frames = append(frames, data)
	}

	return frames, nil
}

// SplitPCM splits raw 16-bit little-endian PCM into 60ms frames for
// devices that negotiated uncompressed playback. A trailing partial
// frame is zero-padded.
func SplitPCM(pcm []byte) [][]byte {
	const frameBytes = FrameSamples * 2

	var frames [][]byte
	for offset := 0; offset < len(pcm); offset += frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, pcm[offset:])
		frames = append(frames, frame)
	}
	return frames
}

// Decoder converts opus frames back into 16-bit little-endian PCM.
type Decoder struct {
	dec *opus.Decoder
	buf []int16
}

func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{dec: dec, buf: make([]int16, 5760)}, nil
}

// Decode decodes a single opus packet.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return int16ToBytes(d.buf[:n]), nil
}

// DecodeAll decodes a sequence of opus packets into one PCM buffer.
// Undecodable packets are skipped; an error is returned only when no
// packet produced audio.
func (d *Decoder) DecodeAll(packets [][]byte) ([]byte, error) {
	var pcm []byte
	decoded := 0
	for _, packet := range packets {
		frame, err := d.Decode(packet)
		if err != nil {
			slog.Error("audio: skipping undecodable opus packet", "error", err)
			continue
		}
		pcm = append(pcm, frame...)
		decoded++
	}
	if decoded == 0 {
		return nil, fmt.Errorf("no decodable opus packets out of %d", len(packets))
	}
	return pcm, nil
}

func bytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func int16ToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}
