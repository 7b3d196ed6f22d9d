package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMToWAVHeader(t *testing.T) {
	pcm := make([]byte, 3200) // 100ms of 16kHz mono s16le
	wav := PCMToWAV(pcm, 16000, 1)

	require.Len(t, wav, 44+len(pcm))

	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(wav[16:20]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[20:22]), "PCM format")
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]), "mono")
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(wav[28:32]), "byte rate")
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(wav[32:34]), "block align")
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestPCMToWAVEmptyPayload(t *testing.T) {
	wav := PCMToWAV(nil, 16000, 1)
	require.Len(t, wav, 44)
	assert.Equal(t, uint32(36), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestSplitPCM(t *testing.T) {
	const frameBytes = FrameSamples * 2

	// Two full frames plus a partial tail.
	pcm := make([]byte, frameBytes*2+100)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	frames := SplitPCM(pcm)
	require.Len(t, frames, 3)
	assert.Equal(t, pcm[:frameBytes], frames[0])
	assert.Equal(t, pcm[frameBytes:frameBytes*2], frames[1])
	// The tail frame keeps its samples and is zero-padded to a full frame.
	require.Len(t, frames[2], frameBytes)
	assert.Equal(t, pcm[frameBytes*2:], frames[2][:100])
	assert.Equal(t, make([]byte, frameBytes-100), frames[2][100:])

	assert.Empty(t, SplitPCM(nil))
}

func TestInt16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	assert.Equal(t, samples, bytesToInt16(int16ToBytes(samples)))
}
