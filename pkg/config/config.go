// Package config reads the speech queue settings from the environment. Each
// binary uses the values as defaults for its flags, so a flag always wins.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Backend     string `env:"SPEECHQ_BACKEND" envDefault:"aws"`
	Table       string `env:"SPEECHQ_QUEUE_TABLE"`
	QueueName   string `env:"SPEECHQ_QUEUE_NAME" envDefault:"speech"`
	ClientID    string `env:"SPEECHQ_CLIENT"`
	GCPProject  string `env:"SPEECHQ_GCP_PROJECT"`
	GCPDatabase string `env:"SPEECHQ_GCP_DATABASE"`

	MaxActive          int           `env:"SPEECHQ_MAX_ACTIVE" envDefault:"1"`
	AverageJobDuration time.Duration `env:"SPEECHQ_AVERAGE_JOB_DURATION" envDefault:"30s"`
	PollInterval       time.Duration `env:"SPEECHQ_POLL_INTERVAL" envDefault:"5s"`
	HeartbeatInterval  time.Duration `env:"SPEECHQ_HEARTBEAT_INTERVAL" envDefault:"15s"`
	StaleAfter         time.Duration `env:"SPEECHQ_STALE_AFTER" envDefault:"2m"`

	Host        string `env:"SPEECHQ_HOST" envDefault:"localhost"`
	Port        int    `env:"SPEECHQ_PORT" envDefault:"50051"`
	MetricsAddr string `env:"SPEECHQ_METRICS_ADDR"`
	LogLevel    string `env:"SPEECHQ_LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment are not overridden by .env.
func Load(files ...string) (Config, error) {
	_ = godotenv.Load(files...)

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.QueueName == "" {
		return fmt.Errorf("queue name is required")
	}
	if c.MaxActive < 1 {
		return fmt.Errorf("max active must be at least 1, got %d", c.MaxActive)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.StaleAfter > 0 && c.HeartbeatInterval >= c.StaleAfter {
		return fmt.Errorf("heartbeat interval %s must be shorter than stale-after %s", c.HeartbeatInterval, c.StaleAfter)
	}
	return nil
}
