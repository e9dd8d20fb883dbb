package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Balancer BalancerConfig `koanf:"balancer"`
	Comm     CommConfig     `koanf:"comm"`
	Worker   WorkerConfig   `koanf:"worker"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

type BalancerConfig struct {
	StaleAfter      string  `koanf:"stale_after"`
	CPUHigh         float64 `koanf:"cpu_high"`
	MemoryHigh      float64 `koanf:"memory_high"`
	DefaultMaxTasks int     `koanf:"default_max_tasks"`
}

type CommConfig struct {
	Secret            string `koanf:"secret"`
	HeartbeatInterval string `koanf:"heartbeat_interval"`
	PollInterval      string `koanf:"poll_interval"`
	SubmitTimeout     string `koanf:"submit_timeout"`
	HealthTimeout     string `koanf:"health_timeout"`
	CancelTimeout     string `koanf:"cancel_timeout"`
	MaxRetries        int    `koanf:"max_retries"`
	RetryBackoff      string `koanf:"retry_backoff"`
}

type WorkerConfig struct {
	ID              string   `koanf:"id"`
	Type            string   `koanf:"type"`
	Capabilities    []string `koanf:"capabilities"`
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	AdvertiseURL    string   `koanf:"advertise_url"`
	MaxTasks        int      `koanf:"max_tasks"`
	BalancerURL     string   `koanf:"balancer_url"`
	ReportInterval  string   `koanf:"report_interval"`
	RegisterRetry   string   `koanf:"register_retry"`
	MinTaskDuration string   `koanf:"min_task_duration"`
	MaxTaskDuration string   `koanf:"max_task_duration"`
	TaskRetention   string   `koanf:"task_retention"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads config from TOML file (if provided) then overlays env vars.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// 1. Load defaults
	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	// 2. Load TOML config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	// 3. Load env vars: MO_SERVER_PORT -> server.port
	// Only set env vars that have non-empty values to avoid overriding TOML config.
	if err := k.Load(env.ProviderWithValue("MO_", ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		mapped := strings.Replace(
			strings.ToLower(strings.TrimPrefix(key, "MO_")),
			"_", ".", -1,
		)
		return mapped, value
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Worker ID falls back to the hostname so a fleet started from the same
	// config file doesn't collide on the default.
	if cfg.Worker.ID == "" {
		hostname, _ := os.Hostname()
		cfg.Worker.ID = hostname
	}

	return &cfg, nil
}

// Duration parses a config duration string, falling back (with a warning)
// when it is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("value", value).Dur("fallback", fallback).Msg("invalid duration in config")
		return fallback
	}
	return d
}
