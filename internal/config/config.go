package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	ManagerAPI ManagerAPIConfig `json:"manager_api"`

	// ReadConfigFromAPI pulls module selection and provider settings
	// from the manager API at startup and on update_config.
	ReadConfigFromAPI bool `json:"read_config_from_api"`

	// SelectedModule maps a module kind (VAD, ASR, LLM, TTS, Memory,
	// Intent) to a provider name. Provider names are informational for
	// locally-configured providers and significant for remote config
	// diffing.
	SelectedModule map[string]string `json:"selected_module"`

	VAD    VADConfig    `json:"vad"`
	ASR    ASRConfig    `json:"asr"`
	LLM    LLMConfig    `json:"llm"`
	TTS    TTSConfig    `json:"tts"`
	Memory MemoryConfig `json:"memory"`
	Intent IntentConfig `json:"intent"`

	Chat     ChatConfig     `json:"chat"`
	MCP      MCPConfig      `json:"mcp"`
	Plugins  PluginsConfig  `json:"plugins"`
	Database DatabaseConfig `json:"database"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`      // websocket listener
	HTTPPort int    `json:"http_port"` // OTA/vision/metrics side channel

	// AuthKey signs vision JWTs. Defaults to the manager API secret,
	// or a random key when that is unset.
	AuthKey string `json:"auth_key,omitempty"`

	// AdvertisedHost is the address handed to devices via OTA. Falls
	// back to Host when empty.
	AdvertisedHost string `json:"advertised_host,omitempty"`
}

// AuthConfig controls device authentication on the websocket listener.
type AuthConfig struct {
	Enabled        bool         `json:"enabled"`
	Tokens         []TokenEntry `json:"tokens,omitempty"`
	AllowedDevices []string     `json:"allowed_devices,omitempty"`
}

type TokenEntry struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

// ManagerAPIConfig points at the management backend used for remote
// config, device binding, memory and chat history reporting.
type ManagerAPIConfig struct {
	URL            string `json:"url"`
	Secret         string `json:"secret"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type VADConfig struct {
	ModelPath            string  `json:"model_path"`
	Threshold            float64 `json:"threshold"`
	MinSilenceDurationMs int     `json:"min_silence_duration_ms"`
	// EnergyThreshold is used by the fallback detector when no silero
	// model is configured.
	EnergyThreshold float64 `json:"energy_threshold"`
}

type ASRConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

type LLMConfig struct {
	URL         string  `json:"url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`

	VisionURL   string `json:"vision_url,omitempty"`
	VisionModel string `json:"vision_model,omitempty"`
}

type TTSConfig struct {
	URL    string  `json:"url"`
	APIKey string  `json:"api_key"`
	Model  string  `json:"model"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed"`
}

type MemoryConfig struct {
	// Provider is "mem_local_short" (LLM summary pushed to the manager
	// API) or "nomem".
	Provider string `json:"provider"`
}

type IntentConfig struct {
	// Mode is "function_call" (tools offered to the LLM) or "nointent".
	Mode string `json:"mode"`
}

// ChatConfig holds conversation behavior shared by all connections.
type ChatConfig struct {
	Prompt         string   `json:"prompt"`
	WakeupWords    []string `json:"wakeup_words"`
	ExitCommands   []string `json:"exit_commands"`
	EnableGreeting bool     `json:"enable_greeting"`

	// CloseConnectionNoVoiceTime is the idle budget in seconds before
	// the watchdog starts the farewell sequence.
	CloseConnectionNoVoiceTime int `json:"close_connection_no_voice_time"`

	// MaxOutputSize caps assistant output characters per device per
	// day. Zero disables the quota.
	MaxOutputSize int `json:"max_output_size"`

	// ChatHistoryConf: 0 disables reporting, 2 reports text and audio,
	// any other value reports text only.
	ChatHistoryConf int `json:"chat_history_conf"`

	QuotaPrompt    string `json:"quota_prompt"`
	FarewellPrompt string `json:"farewell_prompt"`
}

type MCPConfig struct {
	// Endpoint is an optional websocket MCP access point shared by all
	// connections.
	Endpoint string `json:"endpoint,omitempty"`

	Servers []MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes a server-side MCP tool process.
type MCPServerConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

type PluginsConfig struct {
	WeatherURL    string `json:"weather_url,omitempty"`
	WeatherAPIKey string `json:"weather_api_key,omitempty"`
	NewsURL       string `json:"news_url,omitempty"`
	MusicDir      string `json:"music_dir,omitempty"`
}

// DatabaseConfig enables the local chat history store used when no
// manager API is configured.
type DatabaseConfig struct {
	PostgresURL string `json:"postgres_url,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8000,
			HTTPPort: 8003,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		ManagerAPI: ManagerAPIConfig{
			TimeoutSeconds: 30,
		},
		SelectedModule: map[string]string{
			"VAD":    "silero",
			"ASR":    "whisper",
			"LLM":    "openai",
			"TTS":    "kokoro",
			"Memory": "nomem",
			"Intent": "function_call",
		},
		VAD: VADConfig{
			Threshold:            0.5,
			MinSilenceDurationMs: 700,
			EnergyThreshold:      0.01,
		},
		ASR: ASRConfig{
			URL:   "http://localhost:8001/v1/audio/transcriptions",
			Model: "whisper-large-v3",
		},
		LLM: LLMConfig{
			URL:         "http://localhost:8000/v1",
			Model:       "Qwen/Qwen3-8B-AWQ",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			URL:   "http://localhost:8001/v1/audio/speech",
			Model: "kokoro",
			Voice: "af_sarah",
			Speed: 1.0,
		},
		Memory: MemoryConfig{
			Provider: "nomem",
		},
		Intent: IntentConfig{
			Mode: "function_call",
		},
		Chat: ChatConfig{
			Prompt:                     "You are a friendly voice assistant living inside a small speaker. Keep answers short and conversational.",
			WakeupWords:                []string{"hello", "hi there", "hey assistant"},
			ExitCommands:               []string{"goodbye", "bye bye", "exit", "shut down"},
			EnableGreeting:             true,
			CloseConnectionNoVoiceTime: 120,
			MaxOutputSize:              0,
			ChatHistoryConf:            2,
			QuotaPrompt:                "You have reached today's chat limit, let's continue tomorrow.",
			FarewellPrompt:             "It has been quiet for a while, I will take a nap. Talk to you later!",
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from the config file and environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse config file %s: %v\n", configPath, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overlays GATEWAY_* environment variables on the config.
func (c *Config) ApplyEnv() {
	envString("GATEWAY_SERVER_HOST", &c.Server.Host)
	envInt("GATEWAY_SERVER_PORT", &c.Server.Port)
	envInt("GATEWAY_HTTP_PORT", &c.Server.HTTPPort)
	envString("GATEWAY_ADVERTISED_HOST", &c.Server.AdvertisedHost)
	envString("GATEWAY_AUTH_KEY", &c.Server.AuthKey)

	envBool("GATEWAY_AUTH_ENABLED", &c.Auth.Enabled)
	envStringSlice("GATEWAY_AUTH_ALLOWED_DEVICES", &c.Auth.AllowedDevices)

	envString("GATEWAY_MANAGER_URL", &c.ManagerAPI.URL)
	envString("GATEWAY_MANAGER_SECRET", &c.ManagerAPI.Secret)
	envInt("GATEWAY_MANAGER_TIMEOUT", &c.ManagerAPI.TimeoutSeconds)
	envBool("GATEWAY_READ_CONFIG_FROM_API", &c.ReadConfigFromAPI)

	envString("GATEWAY_VAD_MODEL_PATH", &c.VAD.ModelPath)
	envFloat("GATEWAY_VAD_THRESHOLD", &c.VAD.Threshold)
	envInt("GATEWAY_VAD_MIN_SILENCE_MS", &c.VAD.MinSilenceDurationMs)

	envString("GATEWAY_ASR_URL", &c.ASR.URL)
	envString("GATEWAY_ASR_API_KEY", &c.ASR.APIKey)
	envString("GATEWAY_ASR_MODEL", &c.ASR.Model)

	envString("GATEWAY_LLM_URL", &c.LLM.URL)
	envString("GATEWAY_LLM_API_KEY", &c.LLM.APIKey)
	envString("GATEWAY_LLM_MODEL", &c.LLM.Model)
	envInt("GATEWAY_LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	envFloat("GATEWAY_LLM_TEMPERATURE", &c.LLM.Temperature)
	envString("GATEWAY_LLM_VISION_URL", &c.LLM.VisionURL)
	envString("GATEWAY_LLM_VISION_MODEL", &c.LLM.VisionModel)

	envString("GATEWAY_TTS_URL", &c.TTS.URL)
	envString("GATEWAY_TTS_API_KEY", &c.TTS.APIKey)
	envString("GATEWAY_TTS_MODEL", &c.TTS.Model)
	envString("GATEWAY_TTS_VOICE", &c.TTS.Voice)
	envFloat("GATEWAY_TTS_SPEED", &c.TTS.Speed)

	envString("GATEWAY_MEMORY_PROVIDER", &c.Memory.Provider)
	envString("GATEWAY_INTENT_MODE", &c.Intent.Mode)

	envString("GATEWAY_PROMPT", &c.Chat.Prompt)
	envStringSlice("GATEWAY_WAKEUP_WORDS", &c.Chat.WakeupWords)
	envStringSlice("GATEWAY_EXIT_COMMANDS", &c.Chat.ExitCommands)
	envBool("GATEWAY_ENABLE_GREETING", &c.Chat.EnableGreeting)
	envInt("GATEWAY_NO_VOICE_CLOSE_SECONDS", &c.Chat.CloseConnectionNoVoiceTime)
	envInt("GATEWAY_MAX_OUTPUT_SIZE", &c.Chat.MaxOutputSize)
	envInt("GATEWAY_CHAT_HISTORY_CONF", &c.Chat.ChatHistoryConf)

	envString("GATEWAY_MCP_ENDPOINT", &c.MCP.Endpoint)
	envString("GATEWAY_POSTGRES_URL", &c.Database.PostgresURL)
}

// HasManagerAPI reports whether the manager API is usable.
func (c *Config) HasManagerAPI() bool {
	return c.ManagerAPI.URL != "" && c.ManagerAPI.Secret != ""
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "server http_port must be between 1 and 65535")
	}
	if c.Server.Port == c.Server.HTTPPort {
		errs = append(errs, "server port and http_port must differ")
	}

	if c.Auth.Enabled && len(c.Auth.Tokens) == 0 && len(c.Auth.AllowedDevices) == 0 {
		errs = append(errs, "auth enabled but no tokens or allowed devices configured")
	}

	if c.ReadConfigFromAPI && !c.HasManagerAPI() {
		errs = append(errs, "read_config_from_api requires manager_api url and secret")
	}
	if c.ManagerAPI.URL != "" && !isValidURL(c.ManagerAPI.URL) {
		errs = append(errs, "manager_api URL must be a valid URL")
	}

	if c.LLM.URL == "" {
		errs = append(errs, "LLM URL is required")
	} else if !isValidURL(c.LLM.URL) {
		errs = append(errs, "LLM URL must be a valid URL")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "LLM temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, "LLM max_tokens must be positive")
	}

	if c.ASR.URL != "" && !isValidURL(c.ASR.URL) {
		errs = append(errs, "ASR URL must be a valid URL")
	}
	if c.TTS.URL != "" && !isValidURL(c.TTS.URL) {
		errs = append(errs, "TTS URL must be a valid URL")
	}
	if c.TTS.Speed <= 0 {
		errs = append(errs, "TTS speed must be positive")
	}

	if c.VAD.Threshold <= 0 || c.VAD.Threshold >= 1 {
		errs = append(errs, "VAD threshold must be between 0 and 1")
	}
	if c.VAD.MinSilenceDurationMs < 1 {
		errs = append(errs, "VAD min_silence_duration_ms must be positive")
	}

	switch c.Memory.Provider {
	case "nomem", "mem_local_short":
	default:
		errs = append(errs, fmt.Sprintf("unknown memory provider %q", c.Memory.Provider))
	}
	if c.Memory.Provider == "mem_local_short" && !c.HasManagerAPI() && c.Database.PostgresURL == "" {
		errs = append(errs, "mem_local_short requires the manager API or a postgres URL")
	}

	switch c.Intent.Mode {
	case "nointent", "function_call", "intent_llm":
	default:
		errs = append(errs, fmt.Sprintf("unknown intent mode %q", c.Intent.Mode))
	}

	if c.Chat.CloseConnectionNoVoiceTime < 1 {
		errs = append(errs, "close_connection_no_voice_time must be positive")
	}
	if c.Chat.MaxOutputSize < 0 {
		errs = append(errs, "max_output_size must not be negative")
	}

	for i, server := range c.MCP.Servers {
		if server.Name == "" {
			errs = append(errs, fmt.Sprintf("MCP server %d: name is required", i))
		}
		if server.Command == "" {
			errs = append(errs, fmt.Sprintf("MCP server %s: command is required", server.Name))
		}
	}
	if c.MCP.Endpoint != "" && !strings.HasPrefix(c.MCP.Endpoint, "ws") {
		errs = append(errs, "MCP endpoint must be a websocket URL")
	}

	if c.Database.PostgresURL != "" && !isValidURL(c.Database.PostgresURL) {
		errs = append(errs, "postgres URL must be a valid URL")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	configDir := filepath.Join(homeDir, ".config", "speaker-gateway")
	configPath := filepath.Join(configDir, "config.json")
	if _, err := os.Stat(configPath); err == nil {
		return configPath
	}

	return "config.json"
}
