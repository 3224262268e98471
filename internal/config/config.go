package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ServerConfig holds process-level configuration for a GoWQ host.
type ServerConfig struct {
	Addr         string // Listen address for the admin API (default ":8080")
	LogLevel     string // Log level: debug, info, warn, error
	LogFormat    string // Log format: text, json
	DBDriver     string // "sqlite" or "postgres"
	DBPath       string // SQLite path or PostgreSQL DSN (":memory:" for testing)
	ConfigFile   string // Scheduler YAML, re-read every refresh cycle
	Host         string // Host identifier (default: os.Hostname)
	RedisURL     string // Optional; enables cross-host wake notifications
	OTLPEndpoint string // Optional; enables trace export
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		DBDriver:  "sqlite",
	}
}

// LoadEnv applies GOWQ_* environment variables on top of cfg. The given
// env files (default .env in the working directory) are loaded first;
// missing files are skipped, unreadable or malformed ones are an error.
// Variables already set in the environment win over file values.
func LoadEnv(cfg *ServerConfig, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}

	setString(&cfg.Addr, "GOWQ_ADDR")
	setString(&cfg.LogLevel, "GOWQ_LOG_LEVEL")
	setString(&cfg.LogFormat, "GOWQ_LOG_FORMAT")
	setString(&cfg.DBDriver, "GOWQ_DB_DRIVER")
	setString(&cfg.DBPath, "GOWQ_DB")
	setString(&cfg.ConfigFile, "GOWQ_CONFIG")
	setString(&cfg.Host, "GOWQ_HOST")
	setString(&cfg.RedisURL, "GOWQ_REDIS_URL")
	setString(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	return nil
}

// ResolveHost returns the configured host id, falling back to the OS hostname.
func (c ServerConfig) ResolveHost() string {
	if c.Host != "" {
		return c.Host
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
