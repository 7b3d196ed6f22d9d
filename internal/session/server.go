// Package session owns the device websocket: the accept loop, the
// per-connection state machine and the voice pipeline glue between
// VAD, ASR, the LLM and TTS.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openspeaker/gateway/internal/asr"
	"github.com/openspeaker/gateway/internal/auth"
	"github.com/openspeaker/gateway/internal/config"
	"github.com/openspeaker/gateway/internal/history"
	"github.com/openspeaker/gateway/internal/intent"
	"github.com/openspeaker/gateway/internal/llm"
	"github.com/openspeaker/gateway/internal/manage"
	"github.com/openspeaker/gateway/internal/mcphost"
)

// DevicePath is where firmware connects for the voice stream.
const DevicePath = "/xiaozhi/v1/"

// modules is the shared-instance snapshot a connection takes at accept
// time. UpdateConfig swaps the server's copy; running connections keep
// the snapshot they started with.
type modules struct {
	cfg *config.Config
	asr *asr.Client
	llm *llm.Service
}

// Server accepts device websocket connections and owns the shared
// module cache.
type Server struct {
	mu  sync.RWMutex
	cur modules

	auth    *auth.Authenticator
	authKey string
	manager *manage.Client
	hist    *history.Store
	mcp     *mcphost.Manager
	wakeups *intent.WakeupCache
	quota   *Quota

	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[*Connection]struct{}

	httpServer *http.Server
}

// NewServer wires the shared modules. manager, hist and mcp may be nil
// when the corresponding backend is not configured.
func NewServer(cfg *config.Config, manager *manage.Client, hist *history.Store, mcp *mcphost.Manager) *Server {
	return &Server{
		cur: modules{
			cfg: cfg,
			asr: asr.NewClient(cfg.ASR),
			llm: llm.NewService(llm.NewClient(cfg.LLM.URL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens, cfg.LLM.Temperature)),
		},
		auth:    auth.NewAuthenticator(cfg.Auth),
		authKey: auth.ResolveAuthKey(cfg),
		manager: manager,
		hist:    hist,
		mcp:     mcp,
		wakeups: intent.NewWakeupCache(),
		quota:   NewQuota(cfg.Chat.MaxOutputSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*Connection]struct{}),
	}
}

func (s *Server) modules() modules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Config returns the server's current configuration.
func (s *Server) Config() *config.Config {
	return s.modules().cfg
}

// AuthKey is the key that signs vision tokens. The HTTP side channel
// must verify with the same key.
func (s *Server) AuthKey() string {
	return s.authKey
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == DevicePath && websocket.IsWebSocketUpgrade(r) {
		s.serveDevice(w, r)
		return
	}
	// Health probes and curious browsers hit the websocket port too.
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Server is running"))
}

// headerOrQuery reads the identity headers firmware sends, falling back
// to query parameters for clients that cannot set headers.
func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

func (s *Server) serveDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := headerOrQuery(r, "Device-Id", "device-id")
	clientID := headerOrQuery(r, "Client-Id", "client-id")
	if deviceID == "" {
		slog.Warn("session: connection without device identity", "remote", r.RemoteAddr)
		http.Error(w, "missing device-id header or query parameter", http.StatusBadRequest)
		return
	}

	if err := s.auth.Authorize(r, deviceID); err != nil {
		slog.Warn("session: rejected connection", "device_id", deviceID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("session: upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	conn := newConnection(s, s.modules(), ws, deviceID, clientID)
	s.track(conn)
	go func() {
		defer s.untrack(conn)
		conn.run()
	}()
}

func (s *Server) track(c *Connection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *Connection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, c)
}

// ActiveConnections reports how many devices are currently connected.
func (s *Server) ActiveConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// Start blocks serving the websocket listener until Shutdown.
func (s *Server) Start() error {
	cfg := s.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s,
		ReadTimeout: 0, // websocket connections are long-lived
	}

	slog.Info("session: listening", "addr", addr, "path", DevicePath)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Shutdown closes every connection and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connMu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// UpdateConfig re-fetches remote configuration and swaps the shared
// modules whose settings changed. Existing connections keep the
// instances they started with; new connections see the new ones.
func (s *Server) UpdateConfig(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager == nil || !s.cur.cfg.ReadConfigFromAPI {
		return fmt.Errorf("remote config is not enabled")
	}

	remote, err := s.manager.ServerConfig(ctx)
	if err != nil {
		return fmt.Errorf("fetch remote config: %w", err)
	}

	next, err := overlayConfig(s.cur.cfg, remote)
	if err != nil {
		return err
	}

	if config.VADChanged(s.cur.cfg, next) {
		slog.Info("session: VAD settings changed, new connections pick them up")
	}
	nextASR := s.cur.asr
	if config.ASRChanged(s.cur.cfg, next) {
		slog.Info("session: rebuilding ASR client", "url", next.ASR.URL, "model", next.ASR.Model)
		nextASR = asr.NewClient(next.ASR)
	}
	nextLLM := s.cur.llm
	if config.LLMChanged(s.cur.cfg, next) {
		slog.Info("session: rebuilding LLM service", "url", next.LLM.URL, "model", next.LLM.Model)
		nextLLM = llm.NewService(llm.NewClient(next.LLM.URL, next.LLM.APIKey, next.LLM.Model, next.LLM.MaxTokens, next.LLM.Temperature))
	}
	if config.TTSChanged(s.cur.cfg, next) {
		slog.Info("session: TTS settings changed, new connections pick them up")
	}

	s.cur = modules{cfg: next, asr: nextASR, llm: nextLLM}
	slog.Info("session: configuration updated")
	return nil
}

// overlayConfig applies the manager API's config map on top of a copy
// of the current config and validates the result.
func overlayConfig(base *config.Config, remote map[string]any) (*config.Config, error) {
	// Deep copy through JSON so the running config is never mutated.
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("copy config: %w", err)
	}
	next := &config.Config{}
	if err := json.Unmarshal(raw, next); err != nil {
		return nil, fmt.Errorf("copy config: %w", err)
	}

	overlay, err := json.Marshal(remote)
	if err != nil {
		return nil, fmt.Errorf("encode remote config: %w", err)
	}
	if err := json.Unmarshal(overlay, next); err != nil {
		return nil, fmt.Errorf("apply remote config: %w", err)
	}

	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("remote config rejected: %w", err)
	}
	return next, nil
}

// Restart replaces the process with a fresh copy of itself. Used by the
// admin restart message after a config change that cannot hot-swap.
func (s *Server) Restart() {
	exe, err := os.Executable()
	if err != nil {
		slog.Error("session: restart failed", "error", err)
		return
	}
	slog.Info("session: restarting process", "exe", exe)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Shutdown(ctx)

	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		slog.Error("session: exec failed", "error", err)
	}
}
