package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
)

// Config collects everything the omnilink process needs to come up. Values
// load in three layers: compiled defaults, then an optional YAML file, then
// environment variables. Later layers win.
type Config struct {
	// Engine selects the workflow backend: "temporal" or "inmem".
	Engine string `yaml:"engine"`

	TemporalHost      string `yaml:"temporal_host"`
	TemporalNamespace string `yaml:"temporal_namespace"`
	TaskQueue         string `yaml:"task_queue"`

	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	// DatabaseURL selects the Postgres task store. MongoURL selects Mongo.
	// When both are empty the process runs on the in-memory store.
	DatabaseURL   string `yaml:"database_url"`
	MongoURL      string `yaml:"mongo_url"`
	MongoDatabase string `yaml:"mongo_database"`

	// RedisURL enables the semantic plan cache.
	RedisURL string `yaml:"redis_url"`

	// NatsURL enables the JetStream event mirror.
	NatsURL string `yaml:"nats_url"`

	MaxHistorySize   int           `yaml:"max_history_size"`
	ExpirySweepEvery time.Duration `yaml:"expiry_sweep_every"`
	PlanCacheTTL     time.Duration `yaml:"plan_cache_ttl"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	PolicySeedFile   string        `yaml:"policy_seed_file"`
	Debug            bool          `yaml:"debug"`
}

// DefaultConfig returns the compiled defaults.
func DefaultConfig() Config {
	return Config{
		Engine:            "temporal",
		TemporalHost:      "localhost:7233",
		TemporalNamespace: "default",
		TaskQueue:         api.DefaultTaskQueue,
		APIHost:           "0.0.0.0",
		APIPort:           8000,
		MongoDatabase:     "omnilink",
		ShutdownGrace:     30 * time.Second,
	}
}

// LoadConfig builds the effective configuration. path names an optional YAML
// file; empty skips the file layer.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Engine, "OMNILINK_ENGINE")
	envString(&c.TemporalHost, "TEMPORAL_HOST")
	envString(&c.TemporalNamespace, "TEMPORAL_NAMESPACE")
	envString(&c.TaskQueue, "TEMPORAL_TASK_QUEUE")
	envString(&c.APIHost, "API_HOST")
	envInt(&c.APIPort, "API_PORT")
	envString(&c.DatabaseURL, "DATABASE_URL")
	envString(&c.MongoURL, "MONGO_URL")
	envString(&c.MongoDatabase, "MONGO_DATABASE")
	envString(&c.RedisURL, "REDIS_URL")
	envString(&c.NatsURL, "NATS_URL")
	envInt(&c.MaxHistorySize, "MAX_HISTORY_SIZE")
	envDuration(&c.ExpirySweepEvery, "MAN_EXPIRY_SWEEP_EVERY")
	envDuration(&c.PlanCacheTTL, "PLAN_CACHE_TTL")
	envString(&c.PolicySeedFile, "MAN_POLICY_SEED_FILE")
	if os.Getenv("LOG_LEVEL") == "debug" || os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
}

func (c *Config) validate() error {
	switch c.Engine {
	case "temporal", "inmem":
	default:
		return fmt.Errorf("unknown engine %q (want temporal or inmem)", c.Engine)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api port %d", c.APIPort)
	}
	if c.DatabaseURL != "" && c.MongoURL != "" {
		return fmt.Errorf("DATABASE_URL and MONGO_URL are mutually exclusive")
	}
	return nil
}

// Addr returns the API listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
