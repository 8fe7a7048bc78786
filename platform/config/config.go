// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for the agent auth middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// WhatsAppConfig provides settings for the WhatsApp transport service.
type WhatsAppConfig interface {
	GetWhatsAppURL() string
	GetWhatsAppKey() string
	GetWhatsAppWebhookSecret() string
	GetWhatsAppDefaultRegion() string
	IsWhatsAppEnabled() bool
}

// ResponderConfig provides settings for the reply-generation service.
type ResponderConfig interface {
	GetResponderAPIKey() string
	GetResponderModel() string
	GetResponderTimeout() time.Duration
	IsResponderEnabled() bool
}

// PushConfig provides settings for the staff push notification gateway.
type PushConfig interface {
	GetPushGatewayURL() string
	GetPushGatewayKey() string
	IsPushEnabled() bool
}

// SchedulerConfig provides settings for the asynq scheduler infrastructure.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// BroadcastConfig provides tuning knobs for the broadcast dispatcher.
type BroadcastConfig interface {
	GetBroadcastSyncAttempts() int
	GetBroadcastSyncDelay() time.Duration
}

// Config holds all application configuration loaded from the environment.
type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string

	JWTAccessSecret string

	CORSAllowAll   bool
	CORSOrigins    []string
	CORSAllowCreds bool

	WhatsAppURL           string
	WhatsAppKey           string
	WhatsAppWebhookSecret string
	WhatsAppDefaultRegion string

	ResponderAPIKey  string
	ResponderModel   string
	ResponderTimeout time.Duration

	PushGatewayURL string
	PushGatewayKey string

	RedisURL         string
	RedisTLSInsecure bool
	AsynqQueueName   string
	AsynqConcurrency int

	BroadcastSyncAttempts int
	BroadcastSyncDelay    time.Duration
}

// Load reads configuration from the environment. In development it first
// loads a .env file if one is present.
func Load() (*Config, error) {
	env := getEnv("APP_ENV", "development")
	if strings.EqualFold(env, "development") {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Env:      env,
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		JWTAccessSecret: os.Getenv("JWT_ACCESS_SECRET"),

		CORSAllowAll:   getBool("CORS_ALLOW_ALL", false),
		CORSOrigins:    splitCSV(os.Getenv("CORS_ORIGINS")),
		CORSAllowCreds: getBool("CORS_ALLOW_CREDENTIALS", true),

		WhatsAppURL:           os.Getenv("WHATSAPP_URL"),
		WhatsAppKey:           os.Getenv("WHATSAPP_API_KEY"),
		WhatsAppWebhookSecret: os.Getenv("WHATSAPP_WEBHOOK_SECRET"),
		WhatsAppDefaultRegion: getEnv("WHATSAPP_DEFAULT_REGION", "NL"),

		ResponderAPIKey:  os.Getenv("RESPONDER_API_KEY"),
		ResponderModel:   getEnv("RESPONDER_MODEL", "gemini-2.0-flash"),
		ResponderTimeout: getDuration("RESPONDER_TIMEOUT", 20*time.Second),

		PushGatewayURL: os.Getenv("PUSH_GATEWAY_URL"),
		PushGatewayKey: os.Getenv("PUSH_GATEWAY_KEY"),

		RedisURL:         os.Getenv("REDIS_URL"),
		RedisTLSInsecure: getBool("REDIS_TLS_INSECURE", false),
		AsynqQueueName:   getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency: getInt("ASYNQ_CONCURRENCY", 10),

		BroadcastSyncAttempts: getInt("BROADCAST_SYNC_ATTEMPTS", 3),
		BroadcastSyncDelay:    getDuration("BROADCAST_SYNC_DELAY", 200*time.Millisecond),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}

	return cfg, nil
}

// GetDatabaseURL returns the postgres connection string.
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// GetJWTAccessSecret returns the shared secret for agent access tokens.
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

func (c *Config) GetWhatsAppURL() string           { return c.WhatsAppURL }
func (c *Config) GetWhatsAppKey() string           { return c.WhatsAppKey }
func (c *Config) GetWhatsAppWebhookSecret() string { return c.WhatsAppWebhookSecret }
func (c *Config) GetWhatsAppDefaultRegion() string { return c.WhatsAppDefaultRegion }
func (c *Config) IsWhatsAppEnabled() bool          { return c.WhatsAppURL != "" }

func (c *Config) GetResponderAPIKey() string         { return c.ResponderAPIKey }
func (c *Config) GetResponderModel() string          { return c.ResponderModel }
func (c *Config) GetResponderTimeout() time.Duration { return c.ResponderTimeout }
func (c *Config) IsResponderEnabled() bool           { return c.ResponderAPIKey != "" }

func (c *Config) GetPushGatewayURL() string { return c.PushGatewayURL }
func (c *Config) GetPushGatewayKey() string { return c.PushGatewayKey }
func (c *Config) IsPushEnabled() bool       { return c.PushGatewayURL != "" }

func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

func (c *Config) GetBroadcastSyncAttempts() int        { return c.BroadcastSyncAttempts }
func (c *Config) GetBroadcastSyncDelay() time.Duration { return c.BroadcastSyncDelay }

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
