package audio

// PCMToWAV wraps raw 16-bit little-endian PCM in a 44-byte RIFF header.
func PCMToWAV(pcm []byte, sampleRate uint32, channels uint16) []byte {
	bitsPerSample := uint16(16)
	byteRate := sampleRate * uint32(channels) * uint32(bitsPerSample) / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := uint32(len(pcm))
	fileSize := 36 + dataSize

	header := make([]byte, 44)

	// RIFF header
	copy(header[0:4], "RIFF")
	header[4] = byte(fileSize)
	header[5] = byte(fileSize >> 8)
	header[6] = byte(fileSize >> 16)
	header[7] = byte(fileSize >> 24)
	copy(header[8:12], "WAVE")

	// fmt chunk
	copy(header[12:16], "fmt ")
	header[16] = 16 // chunk size
	header[17] = 0
	header[18] = 0
	header[19] = 0
	header[20] = 1 // PCM format
	header[21] = 0
	header[22] = byte(channels)
	header[23] = byte(channels >> 8)
	header[24] = byte(sampleRate)
	header[25] = byte(sampleRate >> 8)
	header[26] = byte(sampleRate >> 16)
	header[27] = byte(sampleRate >> 24)
	header[28] = byte(byteRate)
	header[29] = byte(byteRate >> 8)
	header[30] = byte(byteRate >> 16)
	header[31] = byte(byteRate >> 24)
	header[32] = byte(blockAlign)
	header[33] = byte(blockAlign >> 8)
	header[34] = byte(bitsPerSample)
	header[35] = byte(bitsPerSample >> 8)

	// data chunk
	copy(header[36:40], "data")
	header[40] = byte(dataSize)
	header[41] = byte(dataSize >> 8)
	header[42] = byte(dataSize >> 16)
	header[43] = byte(dataSize >> 24)

	wav := make([]byte, 44+len(pcm))
	copy(wav, header)
	copy(wav[44:], pcm)

	return wav
}

// OpusToWAV re-encodes a recorded utterance (device opus frames) as a
// 16kHz mono WAV byte stream for chat history reporting.
func OpusToWAV(frames [][]byte) ([]byte, error) {
	dec, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	pcm, err := dec.DecodeAll(frames)
	if err != nil {
		return nil, err
	}
	return PCMToWAV(pcm, SampleRate, Channels), nil
}
