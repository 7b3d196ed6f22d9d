package session

import "encoding/json"

// clientMessage is the union of every JSON text message a device sends.
// Only the fields for the given type are populated.
type clientMessage struct {
	Type string `json:"type"`

	// hello
	AudioParams *audioParams    `json:"audio_params,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`

	// listen
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`

	// iot
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`

	// mcp
	Payload json.RawMessage `json:"payload,omitempty"`

	// server
	Action  string        `json:"action,omitempty"`
	Content serverContent `json:"content,omitempty"`
}

type serverContent struct {
	Secret string `json:"secret,omitempty"`
}

// Wire audio formats a device may negotiate in hello.
const (
	formatOpus = "opus"
	formatPCM  = "pcm"
)

type audioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

func defaultAudioParams(format string) audioParams {
	return audioParams{
		Format:        format,
		SampleRate:    16000,
		Channels:      1,
		FrameDuration: 60,
	}
}

type helloReply struct {
	Type        string      `json:"type"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id"`
	AudioParams audioParams `json:"audio_params"`
}

type sttMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

type llmMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Emotion   string `json:"emotion"`
	SessionID string `json:"session_id"`
}

type ttsMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id"`
}

const (
	ttsStateStart         = "start"
	ttsStateSentenceStart = "sentence_start"
	ttsStateStop          = "stop"
)

// listen states and modes as sent by the firmware.
const (
	listenStateStart  = "start"
	listenStateStop   = "stop"
	listenStateDetect = "detect"

	listenModeAuto   = "auto"
	listenModeManual = "manual"
)
