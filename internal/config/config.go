package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all server settings, sourced from the environment.
// A .env file is honored via the godotenv autoload import in cmd/server.
type Config struct {
	Port            string   `env:"PORT" envDefault:"8080"`
	RedisAddr       string   `env:"REDIS_ADDR"`
	RedisDB         int      `env:"REDIS_DB" envDefault:"0"`
	EventQueueName  string   `env:"EVENT_QUEUE_NAME" envDefault:"clickwar_events"`
	OriginPatterns  []string `env:"WS_ORIGIN_PATTERNS" envSeparator:"," envDefault:"*"`
	PingIntervalSec int      `env:"PING_INTERVAL_SEC" envDefault:"25"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}

// Addr returns the listen address for the HTTP/WebSocket server.
func (c *Config) Addr() string {
	return ":" + c.Port
}
