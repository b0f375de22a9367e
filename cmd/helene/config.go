package main

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the daemon configuration, sourced from the environment with an
// optional .env overlay.
type Config struct {
	Host           string   `env:"HELENE_HOST" envDefault:"0.0.0.0"`
	Port           int      `env:"HELENE_PORT" envDefault:"3000"`
	AllowedOrigins []string `env:"HELENE_ALLOWED_ORIGINS" envSeparator:","`

	// JWTSecret enables token authentication; empty runs the server open.
	JWTSecret   string   `env:"HELENE_JWT_SECRET"`
	ContextKeys []string `env:"HELENE_CONTEXT_KEYS" envSeparator:","`

	RateLimitMax      int           `env:"HELENE_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitInterval time.Duration `env:"HELENE_RATE_LIMIT_INTERVAL" envDefault:"60s"`
	KeepAliveInterval time.Duration `env:"HELENE_KEEP_ALIVE_INTERVAL" envDefault:"10s"`

	// Events declares the broadcastable event names this node serves.
	Events []string `env:"HELENE_EVENTS" envSeparator:","`

	// RedisURL wires the Redis bus plus presence store; NATSURL wires the
	// NATS bus without presence. Redis wins when both are set.
	RedisURL     string `env:"HELENE_REDIS_URL"`
	NATSURL      string `env:"HELENE_NATS_URL"`
	InstanceID   string `env:"HELENE_INSTANCE_ID"`
	ClusterTopic string `env:"HELENE_CLUSTER_TOPIC"`

	MetricsPort int `env:"HELENE_METRICS_PORT" envDefault:"9091"`

	LogLevel  string `env:"HELENE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"HELENE_LOG_FORMAT" envDefault:"auto"`
}

// loadConfig reads .env when present, then parses the environment.
func loadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
