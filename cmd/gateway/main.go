package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/openspeaker/gateway/internal/config"
)

var cfg *config.Config

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Voice interaction gateway for edge speaker devices",
		Long: `The gateway terminates websocket connections from edge speakers and
runs the voice pipeline: VAD, speech recognition, LLM dialogue with
tool calling, and paced text-to-speech playback.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging()
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if os.Getenv("GATEWAY_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Host:       %s\n", cfg.Server.Host)
			fmt.Printf("  Port:       %d (websocket)\n", cfg.Server.Port)
			fmt.Printf("  HTTP Port:  %d (OTA/vision/metrics)\n", cfg.Server.HTTPPort)
			fmt.Println()

			fmt.Println("Manager API:")
			fmt.Printf("  URL:        %s\n", cfg.ManagerAPI.URL)
			fmt.Printf("  Secret:     %s\n", maskSecret(cfg.ManagerAPI.Secret))
			fmt.Printf("  Remote cfg: %t\n", cfg.ReadConfigFromAPI)
			fmt.Println()

			fmt.Println("LLM:")
			fmt.Printf("  URL:         %s\n", cfg.LLM.URL)
			fmt.Printf("  Model:       %s\n", cfg.LLM.Model)
			fmt.Printf("  Max Tokens:  %d\n", cfg.LLM.MaxTokens)
			fmt.Printf("  Temperature: %.2f\n", cfg.LLM.Temperature)
			fmt.Printf("  API Key:     %s\n", maskSecret(cfg.LLM.APIKey))
			fmt.Println()

			fmt.Println("ASR (Speech Recognition):")
			fmt.Printf("  URL:   %s\n", cfg.ASR.URL)
			fmt.Printf("  Model: %s\n", cfg.ASR.Model)
			fmt.Println()

			fmt.Println("TTS (Speech Synthesis):")
			fmt.Printf("  URL:   %s\n", cfg.TTS.URL)
			fmt.Printf("  Model: %s\n", cfg.TTS.Model)
			fmt.Printf("  Voice: %s\n", cfg.TTS.Voice)
			fmt.Println()

			fmt.Println("VAD:")
			if cfg.VAD.ModelPath != "" {
				fmt.Printf("  Model:     %s\n", cfg.VAD.ModelPath)
			} else {
				fmt.Println("  Model:     (energy fallback)")
			}
			fmt.Printf("  Threshold: %.2f\n", cfg.VAD.Threshold)
			fmt.Println()

			fmt.Println("Modules:")
			fmt.Printf("  Memory: %s\n", cfg.Memory.Provider)
			fmt.Printf("  Intent: %s\n", cfg.Intent.Mode)
			return nil
		},
	}
}
