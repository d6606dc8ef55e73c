// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yuchenglin/chatstream/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	JWTSecret   string
	OpenAI      OpenAIConfig
	Chat        ChatConfig
	Timeout     TimeoutConfig

	// DevConversationID and DevUserID, when both set in development mode,
	// seed a conversation at startup so a client can connect without any
	// out-of-band creation step.
	DevConversationID string
	DevUserID         string
}

// OpenAIConfig configures the upstream model provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty = api.openai.com
}

// ChatConfig holds the timing and admission knobs of the session protocol.
// Tests shrink these; production values come from the environment.
type ChatConfig struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	StreamTimeout     time.Duration
	RateLimit         int
	RateWindow        time.Duration
	MaxMessageLength  int
}

// TimeoutConfig holds miscellaneous operational timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/chat.db"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
		},
		Chat: ChatConfig{
			AuthTimeout:       getEnvDuration("WS_AUTH_TIMEOUT", 30*time.Second),
			HeartbeatInterval: getEnvDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
			StreamTimeout:     getEnvDuration("AI_STREAM_TIMEOUT", 120*time.Second),
			RateLimit:         getEnvInt("WS_MESSAGE_RATE_LIMIT", 20),
			RateWindow:        getEnvDuration("WS_RATE_LIMIT_WINDOW", 60*time.Second),
			MaxMessageLength:  getEnvInt("MAX_USER_MESSAGE_LENGTH", domain.MaxUserMessageLength),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		DevConversationID: getEnv("DEV_CONVERSATION_ID", ""),
		DevUserID:         getEnv("DEV_USER_ID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.Chat.AuthTimeout <= 0 {
		return fmt.Errorf("WS_AUTH_TIMEOUT must be > 0")
	}
	if c.Chat.HeartbeatInterval <= 0 {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Chat.StreamTimeout <= 0 {
		return fmt.Errorf("AI_STREAM_TIMEOUT must be > 0")
	}
	if c.Chat.RateLimit <= 0 {
		return fmt.Errorf("WS_MESSAGE_RATE_LIMIT must be > 0")
	}
	if c.Chat.RateWindow <= 0 {
		return fmt.Errorf("WS_RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_USER_MESSAGE_LENGTH must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
