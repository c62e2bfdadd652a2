// Package config provides configuration management for AppForge. All
// environment reads happen here; components receive an explicit Config
// rather than consulting ambient state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all configuration for the AppForge server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7110").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, project
	// sandboxes).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// SandboxDir is the root under which per-project file trees live.
	SandboxDir string

	// Generator backend selection: "openai" (default) or "gemini".
	GeneratorBackend string

	// OpenAIAPIKey authorizes the OpenAI-compatible content and image
	// generator backends.
	OpenAIAPIKey string
	// OpenAIBaseURL overrides the OpenAI API endpoint (for compatible
	// gateways). Default "https://api.openai.com".
	OpenAIBaseURL string
	// ChatModel is the completion model for builds, chat, and memory.
	ChatModel string
	// ImageModel is the image-generation model for mockups.
	ImageModel string

	// GeminiAPIKey authorizes the Gemini content generator backend.
	GeminiAPIKey string
	// GeminiModel is the Gemini model name.
	GeminiModel string

	// PreviewBasePort is the first port used for per-project dev-server
	// previews.
	PreviewBasePort int

	// ChatHistoryLimit bounds how many turns are replayed into generation
	// prompts.
	ChatHistoryLimit int

	// SnapshotMaxChars bounds the total file content handed to the
	// builder as context.
	SnapshotMaxChars int

	// Telegram integration (optional -- long polling, no public URL needed).
	TelegramBotToken string

	// SlackWebhookURL, when set, receives a notification on every
	// successful build commit.
	SlackWebhookURL string

	// LogLevel is a zerolog level name ("debug", "info", ...).
	LogLevel string
	// PrettyLogs switches from JSON to console-formatted log output.
	PrettyLogs bool
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("APPFORGE_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:       envOr("APPFORGE_ADDR", ":7110"),
		DataDir:          dataDir,
		DatabasePath:     filepath.Join(dataDir, "appforge.db"),
		SandboxDir:       envOr("APPFORGE_SANDBOX_DIR", filepath.Join(dataDir, "projects")),
		GeneratorBackend: envOr("APPFORGE_GENERATOR", "openai"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    envOr("OPENAI_BASE_URL", "https://api.openai.com"),
		ChatModel:        envOr("APPFORGE_CHAT_MODEL", "gpt-4o"),
		ImageModel:       envOr("APPFORGE_IMAGE_MODEL", "gpt-image-1"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      envOr("APPFORGE_GEMINI_MODEL", "gemini-2.5-flash"),
		PreviewBasePort:  envOrInt("APPFORGE_PREVIEW_BASE_PORT", 4300),
		ChatHistoryLimit: envOrInt("APPFORGE_CHAT_HISTORY_LIMIT", 80),
		SnapshotMaxChars: envOrInt("APPFORGE_SNAPSHOT_MAX_CHARS", 120_000),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		SlackWebhookURL:  os.Getenv("SLACK_WEBHOOK_URL"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		PrettyLogs:       os.Getenv("APPFORGE_PRETTY_LOGS") != "",
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent. A missing API key
// is deliberately not an error here: the server starts without one and
// each run reports a coded precondition failure instead, so the caller
// can prompt for remediation.
func (c *Config) Validate() error {
	switch c.GeneratorBackend {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown generator backend %q (use openai or gemini)", c.GeneratorBackend)
	}
	return nil
}

// GeneratorConfigured reports whether the selected content generator
// backend has a credential.
func (c *Config) GeneratorConfigured() bool {
	switch c.GeneratorBackend {
	case "gemini":
		return c.GeminiAPIKey != ""
	default:
		return c.OpenAIAPIKey != ""
	}
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// SlackEnabled returns true if Slack build notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackWebhookURL != ""
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".appforge"
	}
	return filepath.Join(home, ".appforge")
}
