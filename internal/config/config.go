package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all environment configuration values for the chat server.
// Values come from the process environment, optionally seeded from a .env file.
type Config struct {
	// ServerPort is the port the HTTP server listens on
	ServerPort string `env:"PORT" envDefault:"8080"`

	// CORSOrigins is the list of allowed browser origins
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:3000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// JWTSecret verifies tokens from the identity service
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	// StoreDriver selects the durable store: memory or sqlite
	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"chatd.db"`

	// RedisURL enables the Redis cache, cross-node relay and push queue when set
	RedisURL     string `env:"REDIS_URL"`
	RelayChannel string `env:"RELAY_CHANNEL" envDefault:"chatd:events"`
	NotifyQueue  string `env:"NOTIFY_QUEUE" envDefault:"notifications"`

	// NodeID identifies this process on the relay; a random one is used when unset
	NodeID string `env:"NODE_ID"`

	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	TypingTimeout       time.Duration `env:"TYPING_TIMEOUT" envDefault:"5s"`
	EditWindow          time.Duration `env:"EDIT_WINDOW" envDefault:"48h"`
	PresenceTTL         time.Duration `env:"PRESENCE_TTL" envDefault:"5m"`
	ParticipantCountTTL time.Duration `env:"PARTICIPANT_COUNT_TTL" envDefault:"5m"`
	UnreadTTL           time.Duration `env:"UNREAD_TTL" envDefault:"1h"`
	CleanupInterval     time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`
	// CleanupCron overrides CLEANUP_INTERVAL with a cron schedule when set
	CleanupCron         string        `env:"CLEANUP_CRON"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	RecentMessagesLimit int     `env:"RECENT_MESSAGES_LIMIT" envDefault:"50"`
	SendBuffer          int     `env:"SEND_BUFFER" envDefault:"256"`
	FrameRate           float64 `env:"FRAME_RATE" envDefault:"40"`
	FrameBurst          int     `env:"FRAME_BURST" envDefault:"80"`
	MaxFrameBytes       int64   `env:"MAX_FRAME_BYTES" envDefault:"65536"`
}

// Load reads environment variables and returns a validated Config.
// A .env file is loaded first if present.
func Load() (*Config, error) {
	// Not an error if .env is missing: production uses real environment variables
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	for i, origin := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(origin)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.StoreDriver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	durations := map[string]time.Duration{
		"HEARTBEAT_INTERVAL":    c.HeartbeatInterval,
		"TYPING_TIMEOUT":        c.TypingTimeout,
		"EDIT_WINDOW":           c.EditWindow,
		"PRESENCE_TTL":          c.PresenceTTL,
		"PARTICIPANT_COUNT_TTL": c.ParticipantCountTTL,
		"UNREAD_TTL":            c.UnreadTTL,
		"CLEANUP_INTERVAL":      c.CleanupInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.CleanupCron != "" && !gronx.IsValid(c.CleanupCron) {
		return fmt.Errorf("invalid CLEANUP_CRON %q", c.CleanupCron)
	}
	if c.RecentMessagesLimit <= 0 || c.SendBuffer <= 0 || c.FrameBurst <= 0 || c.FrameRate <= 0 || c.MaxFrameBytes <= 0 {
		return errors.New("limits must be positive")
	}
	return nil
}
