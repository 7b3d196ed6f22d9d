package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openspeaker/gateway/internal/adapters/tracing"
	"github.com/openspeaker/gateway/internal/history"
	"github.com/openspeaker/gateway/internal/httpapi"
	"github.com/openspeaker/gateway/internal/llm"
	"github.com/openspeaker/gateway/internal/manage"
	"github.com/openspeaker/gateway/internal/mcphost"
	"github.com/openspeaker/gateway/internal/session"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gateway %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the voice gateway",
		Long: `Start the websocket listener for speaker devices plus the HTTP side
channel (OTA, vision, metrics).

Required configuration:
  - LLM endpoint (GATEWAY_LLM_URL)

Optional:
  - ASR/TTS endpoints (GATEWAY_ASR_URL, GATEWAY_TTS_URL)
  - Manager API for remote config, binding and reporting
    (GATEWAY_MANAGER_URL, GATEWAY_MANAGER_SECRET)
  - PostgreSQL for local chat history (GATEWAY_POSTGRES_URL)
  - Server-side MCP tool processes and a websocket MCP endpoint`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	host := cfg.Server.AdvertisedHost
	if host == "" {
		host = cfg.Server.Host
	}
	fmt.Printf("OTA:     http://%s:%d/xiaozhi/ota/\n", host, cfg.Server.HTTPPort)
	fmt.Printf("Vision:  http://%s:%d/mcp/vision/explain\n", host, cfg.Server.HTTPPort)
	fmt.Printf("Socket:  ws://%s:%d%s\n", host, cfg.Server.Port, session.DevicePath)

	shutdownTracer, err := tracing.Init("speaker-gateway")
	if err != nil {
		slog.Warn("serve: tracing init failed", "error", err)
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				slog.Warn("serve: tracer shutdown failed", "error", err)
			}
		}()
	}

	// Manager API client (optional).
	var manager *manage.Client
	if cfg.HasManagerAPI() {
		manager = manage.NewClient(cfg.ManagerAPI.URL, cfg.ManagerAPI.Secret,
			time.Duration(cfg.ManagerAPI.TimeoutSeconds)*time.Second)
		slog.Info("serve: manager API configured", "url", cfg.ManagerAPI.URL)

		if cfg.ReadConfigFromAPI {
			if _, err := manager.ServerConfigWithRetry(ctx); err != nil {
				return fmt.Errorf("manager API unreachable: %w", err)
			}
			slog.Info("serve: remote config available")
		}
	}

	// Local history store (optional).
	var hist *history.Store
	if cfg.Database.PostgresURL != "" {
		hist, err = history.Open(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return fmt.Errorf("chat history store: %w", err)
		}
		defer hist.Close()
		slog.Info("serve: chat history store ready")
	}

	// Server-side MCP tool processes and the optional ws endpoint.
	var mcp *mcphost.Manager
	if len(cfg.MCP.Servers) > 0 || cfg.MCP.Endpoint != "" {
		mcp = mcphost.NewManager(ctx)
		mcp.Start(cfg.MCP)
		defer mcp.Close()
		slog.Info("serve: MCP manager started", "servers", len(cfg.MCP.Servers))
	}

	wsServer := session.NewServer(cfg, manager, hist, mcp)
	apiServer := httpapi.NewServer(cfg, wsServer.AuthKey(), llm.NewVisionClient(cfg.LLM))

	serverErrors := make(chan error, 2)
	go func() { serverErrors <- wsServer.Start() }()
	go func() { serverErrors <- apiServer.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		slog.Info("serve: shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("serve: websocket shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("serve: http shutdown error", "error", err)
		}
		slog.Info("serve: stopped")
		return nil
	}
}
