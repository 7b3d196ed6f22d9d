package vad

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/openspeaker/gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineFrame(amplitude float64) []byte {
	pcm := make([]byte, 960*2)
	for i := 0; i < 960; i++ {
		s := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func silentFrame() []byte {
	return make([]byte, 960*2)
}

func TestEnergyDetectorSpeechAndHangover(t *testing.T) {
	d, err := New(config.VADConfig{MinSilenceDurationMs: 180, EnergyThreshold: 0.01})
	require.NoError(t, err)
	defer d.Close()

	speaking, err := d.Feed(silentFrame())
	require.NoError(t, err)
	assert.False(t, speaking)

	speaking, err = d.Feed(sineFrame(0.5))
	require.NoError(t, err)
	assert.True(t, speaking)

	// 180ms hangover = 3 frames of silence before speech ends.
	for i := 0; i < 2; i++ {
		speaking, err = d.Feed(silentFrame())
		require.NoError(t, err)
		assert.True(t, speaking, "frame %d still inside hangover", i)
	}
	speaking, err = d.Feed(silentFrame())
	require.NoError(t, err)
	assert.False(t, speaking)
}

func TestEnergyDetectorReset(t *testing.T) {
	d := newEnergyDetector(config.VADConfig{MinSilenceDurationMs: 1200, EnergyThreshold: 0.01})

	speaking, err := d.Feed(sineFrame(0.5))
	require.NoError(t, err)
	require.True(t, speaking)

	require.NoError(t, d.Reset())
	speaking, err = d.Feed(silentFrame())
	require.NoError(t, err)
	assert.False(t, speaking)
}

func TestRMSEnergy(t *testing.T) {
	assert.Zero(t, rmsEnergy(nil))
	assert.Zero(t, rmsEnergy(silentFrame()))
	assert.Greater(t, rmsEnergy(sineFrame(0.5)), 0.1)
}
