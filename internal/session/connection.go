package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/openspeaker/gateway/internal/audio"
	"github.com/openspeaker/gateway/internal/auth"
	"github.com/openspeaker/gateway/internal/config"
	"github.com/openspeaker/gateway/internal/deviceiot"
	"github.com/openspeaker/gateway/internal/devicemcp"
	"github.com/openspeaker/gateway/internal/dialogue"
	"github.com/openspeaker/gateway/internal/intent"
	"github.com/openspeaker/gateway/internal/llm"
	"github.com/openspeaker/gateway/internal/manage"
	"github.com/openspeaker/gateway/internal/memory"
	"github.com/openspeaker/gateway/internal/report"
	"github.com/openspeaker/gateway/internal/tools"
	"github.com/openspeaker/gateway/internal/tts"
	"github.com/openspeaker/gateway/internal/vad"
	"github.com/openspeaker/gateway/shared/id"
)

type connState int32

const (
	stateListening connState = iota
	stateThinking
	stateSpeaking
)

const (
	writeTimeout = 10 * time.Second

	// wakeSuppression drops VAD input right after a wake word so the
	// device does not hear its own greeting as user speech.
	wakeSuppression = time.Second

	// maxUtteranceFrames caps a single utterance at one minute.
	maxUtteranceFrames = 1000

	// minUtteranceFrames below this the buffer is treated as noise.
	minUtteranceFrames = 5

	// memorySaveTimeout is the soft deadline for the close-time memory
	// summary. Shutdown must not hang on a slow LLM.
	memorySaveTimeout = 3 * time.Second

	// watchdogInterval and watchdogGrace: a connection idles out after
	// close_connection_no_voice_time plus the grace.
	watchdogInterval = 10 * time.Second
	watchdogGrace    = 60 * time.Second
)

// Connection is one device's websocket session: receive loop, voice
// pipeline and reply playback.
type Connection struct {
	server *Server
	mod    modules
	cfg    *config.Config

	ws      *websocket.Conn
	writeMu sync.Mutex

	sessionID string
	deviceID  string
	clientID  string

	ctx    context.Context
	cancel context.CancelFunc

	detector vad.Detector
	decoder  *audio.Decoder
	encoder  *audio.Encoder
	pacer    *audio.Pacer

	synth  *tts.Client
	engine *tts.Engine

	registry *tools.Registry
	iot      *deviceiot.Hub
	bridge   *devicemcp.Bridge

	dialogue   *dialogue.Store
	mem        memory.Provider
	reporter   *report.Reporter
	intentMode intent.Mode

	mu              sync.Mutex
	state           connState
	audioFormat     string
	listenMode      string
	clientListening bool
	utterance       [][]byte
	voiceActive     bool
	justWokenUntil  time.Time
	lastActivity    time.Time

	replyMu     sync.Mutex
	replyTurnID string
	replyText   string
	replyFrames [][]byte

	stopSpeaking    atomic.Bool
	closeAfterReply atomic.Bool

	needBind bool
	bindCode string

	turnSeq   atomic.Int64
	closeOnce sync.Once
}

func newConnection(s *Server, mod modules, ws *websocket.Conn, deviceID, clientID string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := mod.cfg

	c := &Connection{
		server:      s,
		mod:         mod,
		cfg:         cfg,
		ws:          ws,
		sessionID:   id.NewSession(),
		deviceID:    deviceID,
		clientID:    clientID,
		ctx:         ctx,
		cancel:      cancel,
		pacer:       audio.NewPacer(),
		synth:       tts.NewClient(cfg.TTS),
		registry:    tools.NewRegistry(),
		dialogue:    dialogue.NewStore(),
		intentMode:  intent.ModeFromConfig(cfg.Intent),
		audioFormat: formatOpus,
		listenMode:  listenModeAuto,
		state:       stateListening,
	}

	var err error
	if c.detector, err = vad.New(cfg.VAD); err != nil {
		slog.Error("session: VAD init failed, falling back to energy gate", "error", err)
		c.detector, _ = vad.New(config.VADConfig{
			EnergyThreshold:      cfg.VAD.EnergyThreshold,
			MinSilenceDurationMs: cfg.VAD.MinSilenceDurationMs,
		})
	}
	if c.decoder, err = audio.NewDecoder(); err != nil {
		slog.Error("session: opus decoder init failed", "error", err)
	}
	if c.encoder, err = audio.NewEncoder(); err != nil {
		slog.Error("session: opus encoder init failed", "error", err)
	}

	c.engine = tts.NewEngine(ctx, c.synth, c.frameReply, c.play, c.onSynthesized)
	c.iot = deviceiot.NewHub(c.sendIoTCommand)

	var vision *devicemcp.VisionEndpoint
	if token, err := auth.SignVisionToken(s.authKey, deviceID); err == nil {
		host := cfg.Server.AdvertisedHost
		if host == "" {
			host = cfg.Server.Host
		}
		vision = &devicemcp.VisionEndpoint{
			URL:   fmt.Sprintf("http://%s:%d/mcp/vision/explain", host, cfg.Server.HTTPPort),
			Token: token,
		}
	}
	c.bridge = devicemcp.NewBridge(c.sendMCPPayload, vision)

	var saver memory.Saver
	switch {
	case s.manager != nil && cfg.HasManagerAPI():
		saver = s.manager
	case s.hist != nil:
		saver = s.hist
	}
	c.mem = memory.New(cfg.Memory, mod.llm, saver, deviceID)

	if cfg.Chat.Prompt != "" {
		c.putDialogue(dialogue.Message{Role: dialogue.RoleSystem, Content: cfg.Chat.Prompt})
	}
	c.registerPlugins()
	return c
}

func (c *Connection) registerPlugins() {
	cfg := c.cfg
	reg := c.registry
	reg.Register(tools.SourcePlugin, tools.NewGetTime(time.Now))
	reg.Register(tools.SourcePlugin, tools.NewGetWeather(cfg.Plugins))
	reg.Register(tools.SourcePlugin, tools.NewGetNews(cfg.Plugins))
	if cfg.Plugins.MusicDir != "" {
		reg.Register(tools.SourcePlugin, tools.NewPlayMusic(cfg.Plugins.MusicDir, c.playFile))
	}
	reg.Register(tools.SourcePlugin, tools.NewHandleExitIntent(cfg.Chat.FarewellPrompt, c.requestClose))
	reg.Register(tools.SourcePlugin, tools.NewChangeRole(func(prompt string) {
		c.putDialogue(dialogue.Message{Role: dialogue.RoleSystem, Content: prompt})
	}))
}

// run is the receive loop. It returns when the socket dies.
func (c *Connection) run() {
	defer c.Close()
	slog.Info("session: device connected", "device_id", c.deviceID, "session_id", c.sessionID)
	c.touch()
	go c.watchdog()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("session: read error", "device_id", c.deviceID, "error", err)
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleAudio(data)
		}
	}
}

func (c *Connection) handleText(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("session: malformed message", "device_id", c.deviceID, "error", err)
		return
	}

	switch msg.Type {
	case "hello":
		c.handleHello(msg)
	case "abort":
		c.abortSpeaking("client abort")
	case "listen":
		c.handleListen(msg)
	case "iot":
		c.handleIoT(msg)
	case "mcp":
		c.bridge.HandlePayload(msg.Payload)
	case "server":
		c.handleServer(msg)
	default:
		slog.Debug("session: unknown message type", "device_id", c.deviceID, "type", msg.Type)
	}
}

func (c *Connection) handleHello(msg clientMessage) {
	c.touch()
	format := formatOpus
	if msg.AudioParams != nil && msg.AudioParams.Format != "" {
		switch msg.AudioParams.Format {
		case formatOpus:
		case formatPCM:
			format = formatPCM
		default:
			slog.Warn("session: unsupported audio format, falling back to opus", "device_id", c.deviceID, "format", msg.AudioParams.Format)
		}
	}
	c.setFormat(format)

	c.checkBinding()

	mode := report.ModeOff
	if c.cfg.ReadConfigFromAPI && !c.needBind {
		mode = report.ModeFromConf(c.cfg.Chat.ChatHistoryConf)
	}
	c.reporter = report.New(c.server.manager, c.deviceID, c.sessionID, mode)

	c.seedMemory()

	c.sendJSON(helloReply{
		Type:        "hello",
		Transport:   "websocket",
		SessionID:   c.sessionID,
		AudioParams: defaultAudioParams(format),
	})

	if msg.Features["mcp"] {
		go c.startDeviceMCP()
	}
	if c.server.mcp != nil {
		go func() {
			if err := c.server.mcp.RegisterTools(c.ctx, c.registry); err != nil {
				slog.Warn("session: MCP tool registration incomplete", "device_id", c.deviceID, "error", err)
			}
		}()
	}

	switch {
	case c.needBind:
		c.speakBindCode()
	case c.cfg.Chat.EnableGreeting:
		go c.playGreeting()
	}
}

// checkBinding asks the manager API whether this device belongs to an
// agent. An unbound device gets a spoken six-digit code instead of a
// conversation.
func (c *Connection) checkBinding() {
	if c.server.manager == nil || !c.cfg.ReadConfigFromAPI {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	_, err := c.server.manager.AgentModels(ctx, c.deviceID, c.clientID, c.cfg.SelectedModule)
	switch {
	case err == nil:
	case errorsIsBindRequired(err):
		c.needBind = true
		c.bindCode = fmt.Sprintf("%06d", rand.Intn(1000000))
		slog.Info("session: device not bound", "device_id", c.deviceID, "bind_code", c.bindCode)
	default:
		slog.Warn("session: agent model fetch failed", "device_id", c.deviceID, "error", err)
	}
}

func errorsIsBindRequired(err error) bool {
	return errors.Is(err, manage.ErrDeviceNotBound) || errors.Is(err, manage.ErrDeviceNotFound)
}

func (c *Connection) seedMemory() {
	local, ok := c.mem.(*memory.LocalShort)
	if !ok || c.server.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	summary, err := c.server.hist.LoadMemory(ctx, c.deviceID)
	if err != nil {
		slog.Warn("session: memory load failed", "device_id", c.deviceID, "error", err)
		return
	}
	local.Seed(summary)
}

func (c *Connection) startDeviceMCP() {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	if err := c.bridge.Initialize(ctx); err != nil {
		slog.Warn("session: device MCP initialize failed", "device_id", c.deviceID, "error", err)
		return
	}
	if err := c.bridge.RegisterTools(ctx, c.registry); err != nil {
		slog.Warn("session: device MCP tool listing failed", "device_id", c.deviceID, "error", err)
	}
}

func (c *Connection) handleListen(msg clientMessage) {
	c.touch()
	if msg.Mode != "" {
		c.mu.Lock()
		c.listenMode = msg.Mode
		c.mu.Unlock()
	}

	switch msg.State {
	case listenStateStart:
		c.mu.Lock()
		c.clientListening = true
		c.utterance = nil
		c.voiceActive = false
		c.mu.Unlock()
		if c.detector != nil {
			c.detector.Reset()
		}
	case listenStateStop:
		c.mu.Lock()
		c.clientListening = false
		frames := c.utterance
		c.utterance = nil
		c.voiceActive = false
		c.mu.Unlock()
		if len(frames) >= minUtteranceFrames {
			c.setState(stateThinking)
			go c.transcribeAndChat(frames)
		}
	case listenStateDetect:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return
		}
		if intent.IsExitCommand(text, c.cfg.Chat.ExitCommands) {
			c.requestClose(c.cfg.Chat.FarewellPrompt)
			return
		}
		if intent.IsWakeWord(text, c.cfg.Chat.WakeupWords) {
			c.handleWakeWord(text)
			return
		}
		go c.startToChat(text, nil)
	}
}

// handleWakeWord answers a wake word from the greeting cache instead of
// a full LLM round trip. The dialogue is not touched.
func (c *Connection) handleWakeWord(text string) {
	c.sendJSON(sttMessage{Type: "stt", Text: text, SessionID: c.sessionID})

	c.mu.Lock()
	c.justWokenUntil = time.Now().Add(wakeSuppression)
	c.mu.Unlock()

	switch {
	case c.needBind:
		c.speakBindCode()
	case c.cfg.Chat.EnableGreeting:
		go c.playGreeting()
	default:
		c.sendJSON(ttsMessage{Type: "tts", State: ttsStateStop, SessionID: c.sessionID})
	}
}

func (c *Connection) handleIoT(msg clientMessage) {
	if len(msg.Descriptors) > 0 {
		var descs []deviceiot.Descriptor
		if err := json.Unmarshal(msg.Descriptors, &descs); err != nil {
			slog.Warn("session: bad iot descriptors", "device_id", c.deviceID, "error", err)
		} else {
			c.iot.RegisterDescriptors(c.registry, descs)
		}
	}
	if len(msg.States) > 0 {
		var states []deviceiot.State
		if err := json.Unmarshal(msg.States, &states); err != nil {
			slog.Warn("session: bad iot states", "device_id", c.deviceID, "error", err)
		} else {
			c.iot.UpdateStates(states)
		}
	}
}

func (c *Connection) handleServer(msg clientMessage) {
	secret := c.cfg.ManagerAPI.Secret
	if secret == "" || msg.Content.Secret != secret {
		slog.Warn("session: server message with bad secret", "device_id", c.deviceID, "action", msg.Action)
		c.sendServerReply("error", "invalid secret", msg.Action)
		return
	}

	switch msg.Action {
	case "update_config":
		if err := c.server.UpdateConfig(c.ctx); err != nil {
			slog.Error("session: config update failed", "error", err)
			c.sendServerReply("error", err.Error(), msg.Action)
			return
		}
		c.sendServerReply("success", "config updated", msg.Action)
	case "restart":
		c.sendServerReply("success", "restarting", msg.Action)
		go c.server.Restart()
	default:
		c.sendServerReply("error", "unknown action", msg.Action)
	}
}

func (c *Connection) sendServerReply(status, message, action string) {
	c.sendJSON(map[string]any{
		"type":    "server",
		"status":  status,
		"message": message,
		"content": map[string]any{"action": action},
	})
}

// handleAudio consumes one binary audio frame from the device, opus or
// raw PCM depending on what the hello negotiated.
func (c *Connection) handleAudio(frame []byte) {
	if c.detector == nil {
		return
	}

	var pcm []byte
	if c.format() == formatPCM {
		pcm = frame
	} else {
		if c.decoder == nil {
			return
		}
		var err error
		pcm, err = c.decoder.Decode(frame)
		if err != nil {
			slog.Debug("session: opus decode failed", "device_id", c.deviceID, "error", err)
			return
		}
	}

	c.mu.Lock()
	suppressed := time.Now().Before(c.justWokenUntil)
	mode := c.listenMode
	clientListening := c.clientListening
	c.mu.Unlock()
	if suppressed {
		return
	}

	voice, err := c.detector.Feed(pcm)
	if err != nil {
		slog.Debug("session: VAD failed", "device_id", c.deviceID, "error", err)
		return
	}
	if voice {
		c.touch()
	}

	// Voice while the gateway is speaking is a barge-in.
	if voice && c.currentState() == stateSpeaking {
		c.abortSpeaking("voice detected while speaking")
	}
	if c.currentState() == stateThinking {
		return
	}

	if mode == listenModeManual {
		if !clientListening {
			return
		}
		c.mu.Lock()
		c.utterance = append(c.utterance, frame)
		over := len(c.utterance) >= maxUtteranceFrames
		c.mu.Unlock()
		if over {
			c.finalizeUtterance()
		}
		return
	}

	// auto mode: VAD frames the utterance.
	c.mu.Lock()
	switch {
	case voice:
		c.voiceActive = true
		c.utterance = append(c.utterance, frame)
	case c.voiceActive:
		// Hangover elapsed, keep the silence tail and finish.
		c.utterance = append(c.utterance, frame)
		c.voiceActive = false
		frames := c.utterance
		c.utterance = nil
		c.mu.Unlock()
		c.finishUtterance(frames)
		return
	}
	over := len(c.utterance) >= maxUtteranceFrames
	c.mu.Unlock()
	if over {
		c.finalizeUtterance()
	}
}

func (c *Connection) finalizeUtterance() {
	c.mu.Lock()
	frames := c.utterance
	c.utterance = nil
	c.voiceActive = false
	c.mu.Unlock()
	c.finishUtterance(frames)
}

func (c *Connection) finishUtterance(frames [][]byte) {
	if len(frames) < minUtteranceFrames {
		c.setState(stateListening)
		return
	}
	c.setState(stateThinking)
	go c.transcribeAndChat(frames)
}

func (c *Connection) transcribeAndChat(frames [][]byte) {
	var wav []byte
	if c.format() == formatPCM {
		wav = audio.PCMToWAV(bytes.Join(frames, nil), audio.SampleRate, audio.Channels)
	} else {
		var err error
		wav, err = audio.OpusToWAV(frames)
		if err != nil {
			slog.Error("session: utterance re-encode failed", "device_id", c.deviceID, "error", err)
			c.setState(stateListening)
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	text, err := c.mod.asr.Transcribe(ctx, wav)
	if err != nil {
		slog.Error("session: transcription failed", "device_id", c.deviceID, "error", err)
		c.setState(stateListening)
		return
	}

	text = strings.TrimSpace(text)
	if spokenRunes(text) < 2 {
		slog.Debug("session: discarding short transcript", "device_id", c.deviceID, "text", text)
		c.setState(stateListening)
		return
	}

	if intent.IsExitCommand(text, c.cfg.Chat.ExitCommands) {
		slog.Info("session: exit command", "device_id", c.deviceID, "text", text)
		c.setState(stateListening)
		c.requestClose(c.cfg.Chat.FarewellPrompt)
		return
	}
	if intent.IsWakeWord(text, c.cfg.Chat.WakeupWords) {
		c.setState(stateListening)
		c.handleWakeWord(text)
		return
	}
	c.startToChat(text, frames)
}

// spokenRunes counts letters and digits, ignoring punctuation so a bare
// "." from the recognizer does not start a turn.
func spokenRunes(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// startToChat runs one user turn end to end.
func (c *Connection) startToChat(text string, frames [][]byte) {
	c.touch()

	if c.needBind {
		c.speakBindCode()
		return
	}

	if !c.server.quota.Allow(c.deviceID) {
		slog.Info("session: daily quota exhausted", "device_id", c.deviceID)
		c.speakText(c.cfg.Chat.QuotaPrompt)
		return
	}

	if c.reporter != nil {
		c.reporter.Enqueue(report.KindUser, text, frames)
	}
	c.appendHistory(int(report.KindUser), text)

	c.sendJSON(sttMessage{Type: "stt", Text: text, SessionID: c.sessionID})
	c.putDialogue(dialogue.Message{Role: dialogue.RoleUser, Content: text})
	c.setState(stateThinking)

	// In intent_llm mode a separate classification pass can dispatch a
	// tool directly, skipping the chat round trip.
	if c.intentMode == intent.ModeLLM {
		ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
		call, err := intent.Detect(ctx, c.mod.llm, text, c.registry.Names())
		cancel()
		if err != nil {
			slog.Warn("session: intent detection failed", "device_id", c.deviceID, "error", err)
		} else if call != nil {
			turnID := fmt.Sprintf("%s-%d", c.sessionID, c.turnSeq.Add(1))
			c.beginReply(turnID)
			idx := 0
			c.handleToolCall(turnID, &idx, "", call, 0)
			return
		}
	}

	c.chat(0)
}

// chat streams one assistant reply, splitting it into TTS segments as
// it arrives. depth guards the single tool-result re-invocation.
func (c *Connection) chat(depth int) {
	turnID := fmt.Sprintf("%s-%d", c.sessionID, c.turnSeq.Add(1))
	c.beginReply(turnID)

	var defs []llm.Tool
	if c.intentMode.UsesTools() && depth == 0 {
		defs = c.registry.Definitions()
	}

	messages := c.dialogue.Render(c.mem.Summary())
	stream, err := c.mod.llm.ChatStream(c.ctx, messages, defs)
	if err != nil {
		slog.Error("session: LLM request failed", "device_id", c.deviceID, "error", err)
		c.speakTurn(turnID, "Sorry, I could not think of a reply just now.")
		return
	}

	splitter := tts.NewSplitter()
	var full strings.Builder
	var pendingCall *llm.ToolCall
	segIndex := 0
	holdSegments := false

	for chunk := range stream {
		if chunk.Error != nil {
			slog.Warn("session: LLM stream error", "device_id", c.deviceID, "error", chunk.Error)
			break
		}
		if chunk.ToolCall != nil {
			pendingCall = chunk.ToolCall
			continue
		}
		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)

		if holdSegments {
			continue
		}

		for _, sentence := range splitter.Push(chunk.Content) {
			c.enqueueSegment(turnID, &segIndex, sentence, tts.PositionMiddle)
		}

		if c.stopSpeaking.Load() || c.engine.CurrentTurn() != turnID {
			// Barge-in: drain the stream without queueing more speech.
			holdSegments = true
		}
	}

	content := full.String()

	if pendingCall != nil {
		c.handleToolCall(turnID, &segIndex, content, pendingCall, depth)
		return
	}

	if c.stopSpeaking.Load() || c.engine.CurrentTurn() != turnID {
		return
	}

	c.finishReply(turnID, &segIndex, splitter, content)
}

// finishReply flushes the splitter, closes the turn framing and records
// the assistant message.
func (c *Connection) finishReply(turnID string, segIndex *int, splitter *tts.Splitter, content string) {
	if splitter != nil {
		if tail, ok := splitter.Flush(); ok {
			c.enqueueSegment(turnID, segIndex, tail, tts.PositionMiddle)
		}
	}
	c.setReplyText(turnID, content)
	// The empty terminal segment carries the turn-end framing even when
	// every sentence already played.
	c.enqueueSegment(turnID, segIndex, "", tts.PositionLast)

	if content != "" {
		c.putDialogue(dialogue.Message{Role: dialogue.RoleAssistant, Content: content})
		c.server.quota.Add(c.deviceID, len([]rune(content)))
		c.appendHistory(int(report.KindAssistant), content)
	}
}

func (c *Connection) handleToolCall(turnID string, segIndex *int, content string, call *llm.ToolCall, depth int) {
	if call.ID == "" {
		call.ID = id.NewToolCall()
	}
	result := c.registry.Execute(c.ctx, *call)
	slog.Info("session: tool call", "device_id", c.deviceID, "tool", call.Function.Name, "action", result.Action.String())

	switch result.Action {
	case tools.ActionResponse:
		c.putDialogue(dialogue.Message{Role: dialogue.RoleAssistant, Content: result.Response})
		c.speakTurn(turnID, result.Response)
	case tools.ActionReqLLM:
		if depth >= 1 {
			c.speakTurn(turnID, result.Content)
			return
		}
		c.putDialogue(dialogue.Message{
			Role:      dialogue.RoleAssistant,
			Content:   content,
			ToolCalls: []llm.ToolCall{*call},
		})
		c.putDialogue(dialogue.Message{
			Role:       dialogue.RoleTool,
			Content:    result.Content,
			ToolCallID: call.ID,
		})
		c.chat(depth + 1)
	case tools.ActionNotFound:
		if content != "" {
			c.finishReply(turnID, segIndex, nil, content)
			return
		}
		c.speakTurn(turnID, "I do not have that ability yet.")
	case tools.ActionError:
		c.speakTurn(turnID, "Something went wrong while using that ability.")
	case tools.ActionNone:
		c.finishReply(turnID, segIndex, nil, content)
	}
}

// speakTurn speaks a single utterance inside an already begun turn.
func (c *Connection) speakTurn(turnID, text string) {
	text = strings.TrimSpace(text)
	c.setReplyText(turnID, text)
	idx := 0
	if text != "" {
		c.enqueueSegment(turnID, &idx, text, tts.PositionFirst)
	}
	c.enqueueSegment(turnID, &idx, "", tts.PositionLast)
}

// speakText begins a fresh turn for a standalone prompt (quota notice,
// farewell, error replies).
func (c *Connection) speakText(text string) {
	turnID := fmt.Sprintf("%s-%d", c.sessionID, c.turnSeq.Add(1))
	c.beginReply(turnID)
	c.speakTurn(turnID, text)
}

func (c *Connection) enqueueSegment(turnID string, segIndex *int, text string, pos tts.Position) {
	if *segIndex == 0 && pos != tts.PositionLast {
		pos = tts.PositionFirst
	}
	c.engine.Enqueue(tts.Segment{
		TurnID:   turnID,
		Index:    *segIndex,
		Text:     text,
		Position: pos,
	})
	*segIndex++
}

func (c *Connection) beginReply(turnID string) {
	c.stopSpeaking.Store(false)
	c.engine.BeginTurn(turnID)
	c.replyMu.Lock()
	c.replyTurnID = turnID
	c.replyText = ""
	c.replyFrames = nil
	c.replyMu.Unlock()
}

func (c *Connection) setReplyText(turnID, text string) {
	c.replyMu.Lock()
	if c.replyTurnID == turnID {
		c.replyText = text
	}
	c.replyMu.Unlock()
}

// onSynthesized collects the reply's opus frames for usage reporting.
func (c *Connection) onSynthesized(seg tts.Segment, frames [][]byte) {
	c.replyMu.Lock()
	if c.replyTurnID == seg.TurnID {
		c.replyFrames = append(c.replyFrames, frames...)
	}
	c.replyMu.Unlock()
}

// play delivers one synthesized segment to the device, pacing frames at
// real time. Runs on the engine's play worker.
func (c *Connection) play(ctx context.Context, seg tts.Segment, frames [][]byte) error {
	if c.stopSpeaking.Load() {
		return nil
	}

	if seg.Position == tts.PositionFirst {
		c.setState(stateSpeaking)
		c.sendJSON(ttsMessage{Type: "tts", State: ttsStateStart, SessionID: c.sessionID})
		if seg.Text != "" {
			emotion, emoji := tts.AnalyzeEmotion(seg.Text)
			c.sendJSON(llmMessage{Type: "llm", Text: emoji, Emotion: emotion, SessionID: c.sessionID})
		}
	}

	if seg.Text != "" {
		c.sendJSON(ttsMessage{Type: "tts", State: ttsStateSentenceStart, Text: seg.Text, SessionID: c.sessionID})
	}

	if len(frames) > 0 {
		err := c.pacer.Send(ctx, frames, c.stopSpeaking.Load, c.writeBinary)
		if err != nil {
			slog.Debug("session: playback interrupted", "device_id", c.deviceID, "error", err)
		}
	}

	if seg.Position == tts.PositionLast {
		c.finishSpeaking(seg.TurnID)
	}
	return nil
}

// finishSpeaking closes the spoken turn: stop marker, assistant report,
// state back to LISTENING.
func (c *Connection) finishSpeaking(turnID string) {
	c.sendJSON(ttsMessage{Type: "tts", State: ttsStateStop, SessionID: c.sessionID})
	c.setState(stateListening)
	c.touch()

	c.replyMu.Lock()
	text, frames := c.replyText, c.replyFrames
	match := c.replyTurnID == turnID
	c.replyFrames = nil
	c.replyMu.Unlock()

	if match && text != "" && c.reporter != nil {
		c.reporter.Enqueue(report.KindAssistant, text, frames)
	}

	if c.closeAfterReply.Load() {
		go c.Close()
	}
}

// abortSpeaking is the barge-in path: flag first so the pacing loop and
// both engine workers stop within a few frame periods, then drain.
func (c *Connection) abortSpeaking(reason string) {
	if c.currentState() != stateSpeaking && c.engine.CurrentTurn() == "" {
		return
	}
	slog.Info("session: aborting speech", "device_id", c.deviceID, "reason", reason)
	c.stopSpeaking.Store(true)
	c.engine.Abort()
	c.pacer.Reset()
	c.sendJSON(ttsMessage{Type: "tts", State: ttsStateStop, SessionID: c.sessionID})
	c.setState(stateListening)
	c.touch()
}

// playGreeting speaks the cached wake-word greeting, regenerating it
// through the LLM when stale.
func (c *Connection) playGreeting() {
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancel()

	// Cached frames are wire frames, so the key carries the negotiated
	// format alongside the voice.
	key := c.cfg.TTS.Voice + "/" + c.format()
	greeting, err := c.server.wakeups.GetOrGenerate(ctx, key, func(ctx context.Context) (string, [][]byte, error) {
		text, err := c.mod.llm.ResponseNoStream(ctx, []llm.ChatMessage{
			{Role: dialogue.RoleSystem, Content: c.cfg.Chat.Prompt},
			{Role: dialogue.RoleUser, Content: "The user just woke you up. Greet them in one short, warm sentence."},
		})
		if err != nil {
			return "", nil, err
		}
		frames, err := c.synthesizeFrames(ctx, text)
		if err != nil {
			return "", nil, err
		}
		return text, frames, nil
	})
	if err != nil {
		if errors.Is(err, intent.ErrPending) {
			slog.Debug("session: greeting still generating", "device_id", c.deviceID)
		} else {
			slog.Warn("session: greeting unavailable", "device_id", c.deviceID, "error", err)
		}
		c.sendJSON(ttsMessage{Type: "tts", State: ttsStateStop, SessionID: c.sessionID})
		return
	}

	c.playDirect(greeting.Text, greeting.Frames)
}

// speakBindCode reads the binding code digit by digit so the user can
// type it into the control panel. Repeated on every wake until bound.
func (c *Connection) speakBindCode() {
	turnID := fmt.Sprintf("%s-%d", c.sessionID, c.turnSeq.Add(1))
	c.beginReply(turnID)
	for _, seg := range bindCodeSegments(turnID, c.bindCode) {
		c.engine.Enqueue(seg)
	}
}

// bindCodeSegments frames the bind-code announcement: intro first, each
// digit as its own utterance, last digit closes the turn.
func bindCodeSegments(turnID, code string) []tts.Segment {
	segs := []tts.Segment{{
		TurnID:   turnID,
		Index:    0,
		Text:     "This device is not bound yet. Please enter the following code in the control panel.",
		Position: tts.PositionFirst,
	}}
	digits := []rune(code)
	for i, d := range digits {
		pos := tts.PositionMiddle
		if i == len(digits)-1 {
			pos = tts.PositionLast
		}
		segs = append(segs, tts.Segment{
			TurnID:   turnID,
			Index:    i + 1,
			Text:     string(d),
			Position: pos,
		})
	}
	return segs
}

// playDirect bypasses the engine for pre-synthesized audio (greeting
// cache hits). It paces on its own schedule so it cannot race the
// engine's play worker over the shared pacer.
func (c *Connection) playDirect(text string, frames [][]byte) {
	c.stopSpeaking.Store(false)
	c.setState(stateSpeaking)
	c.sendJSON(ttsMessage{Type: "tts", State: ttsStateStart, SessionID: c.sessionID})
	if text != "" {
		c.sendJSON(ttsMessage{Type: "tts", State: ttsStateSentenceStart, Text: text, SessionID: c.sessionID})
	}
	if len(frames) > 0 {
		if err := audio.NewPacer().Send(c.ctx, frames, c.stopSpeaking.Load, c.writeBinary); err != nil {
			slog.Debug("session: playback interrupted", "device_id", c.deviceID, "error", err)
		}
	}
	c.sendJSON(ttsMessage{Type: "tts", State: ttsStateStop, SessionID: c.sessionID})
	c.setState(stateListening)
	c.touch()
}

func (c *Connection) synthesizeFrames(ctx context.Context, text string) ([][]byte, error) {
	pcm, err := c.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.frameReply(pcm)
}

// frameReply converts synthesized PCM into wire frames in the format
// the connection negotiated.
func (c *Connection) frameReply(pcm []byte) ([][]byte, error) {
	if c.format() == formatPCM {
		return audio.SplitPCM(pcm), nil
	}
	if c.encoder == nil {
		return nil, fmt.Errorf("no opus encoder")
	}
	return c.encoder.Encode(pcm)
}

// playFile streams a local WAV file to the device. Non-WAV library
// entries are announced but not played.
func (c *Connection) playFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read track: %w", err)
	}
	if len(data) < 44 || string(data[:4]) != "RIFF" {
		return fmt.Errorf("unsupported track format, expecting WAV")
	}
	frames, err := c.frameReply(data[44:])
	if err != nil {
		return fmt.Errorf("encode track: %w", err)
	}

	go c.playDirect("", frames)
	return nil
}

// requestClose speaks a farewell and closes once it has played.
func (c *Connection) requestClose(farewell string) {
	c.closeAfterReply.Store(true)
	c.speakText(farewell)
}

func (c *Connection) sendIoTCommand(ctx context.Context, cmd deviceiot.Command) error {
	return c.sendJSON(map[string]any{
		"type":     "iot",
		"commands": []deviceiot.Command{cmd},
	})
}

func (c *Connection) sendMCPPayload(payload json.RawMessage) error {
	return c.sendJSON(map[string]any{
		"type":    "mcp",
		"payload": payload,
	})
}

func (c *Connection) sendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *Connection) writeBinary(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Connection) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) format() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioFormat
}

func (c *Connection) setFormat(format string) {
	c.mu.Lock()
	c.audioFormat = format
	c.mu.Unlock()
}

func (c *Connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// putDialogue records one message, logging rejections (orphan tool
// results, empty turns) instead of dropping them silently.
func (c *Connection) putDialogue(msg dialogue.Message) {
	if err := c.dialogue.Put(msg); err != nil {
		slog.Warn("session: dialogue message rejected", "device_id", c.deviceID, "role", msg.Role, "error", err)
	}
}

// idleTimeout is how long a silent connection lives before the farewell.
func idleTimeout(cfg config.ChatConfig) time.Duration {
	seconds := cfg.CloseConnectionNoVoiceTime
	if seconds <= 0 {
		seconds = 120
	}
	return time.Duration(seconds) * time.Second
}

type watchdogAction int

const (
	watchdogWait watchdogAction = iota
	watchdogFarewell
	watchdogClose
)

// nextWatchdogAction decides the idle stage: the farewell goes out once
// idle reaches the limit, the hard close follows when the farewell has
// not ended the session within the grace period.
func nextWatchdogAction(idle, sinceFarewell time.Duration, farewellSent bool, limit time.Duration) watchdogAction {
	if farewellSent {
		if sinceFarewell >= watchdogGrace {
			return watchdogClose
		}
		return watchdogWait
	}
	if idle >= limit {
		return watchdogFarewell
	}
	return watchdogWait
}

func (c *Connection) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	limit := idleTimeout(c.cfg.Chat)

	var farewellAt time.Time
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()

			var sinceFarewell time.Duration
			if !farewellAt.IsZero() {
				sinceFarewell = time.Since(farewellAt)
			}

			switch nextWatchdogAction(idle, sinceFarewell, !farewellAt.IsZero(), limit) {
			case watchdogFarewell:
				slog.Info("session: idle timeout, saying goodbye", "device_id", c.deviceID, "idle", idle)
				farewellAt = time.Now()
				c.closeAfterReply.Store(true)
				c.speakText(c.cfg.Chat.FarewellPrompt)
			case watchdogClose:
				// The farewell never played (TTS down); close anyway.
				slog.Info("session: closing idle connection", "device_id", c.deviceID)
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) appendHistory(chatType int, content string) {
	if c.server.hist == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.server.hist.Append(ctx, c.deviceID, c.sessionID, chatType, content)
		if err != nil {
			slog.Warn("session: history append failed", "device_id", c.deviceID, "error", err)
		}
	}()
}

// Close tears the session down: memory summary under a soft deadline,
// report flush, workers, socket. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		slog.Info("session: closing", "device_id", c.deviceID, "session_id", c.sessionID)

		if c.mem != nil && c.dialogue.Len() > 1 {
			ctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
			if err := c.mem.Remember(ctx, c.dialogue.Messages()); err != nil {
				slog.Warn("session: memory save failed", "device_id", c.deviceID, "error", err)
			}
			cancel()
		}

		if c.reporter != nil {
			c.reporter.Close()
		}
		c.stopSpeaking.Store(true)
		c.engine.Close()
		if c.bridge != nil {
			c.bridge.Close()
		}
		if c.detector != nil {
			c.detector.Close()
		}
		c.cancel()
		c.ws.Close()
	})
}
