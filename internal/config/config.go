package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	promModel "github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Logging     LoggingConfig     `json:"logging"`
	Redis       RedisConfig       `json:"redis"`
	Topology    TopologyConfig    `json:"topology"`
	Perforce    PerforceConfig    `json:"perforce"`
	Health      HealthConfig      `json:"health"`
	Commits     CommitsConfig     `json:"commits"`
	Replication ReplicationConfig `json:"replication"`
}

type ServerConfig struct {
	BindAddr     string `json:"bindAddr"`
	TriggerToken string `json:"triggerToken"` // bearer token VCS triggers present; empty disables the check
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	MaxConns int    `json:"maxConns"`
}

// DSN returns the libpq keyword/value connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// PoolDSN is DSN plus pgxpool sizing parameters.
func (c DatabaseConfig) PoolDSN() string {
	if c.MaxConns <= 0 {
		return c.DSN()
	}
	return fmt.Sprintf("%s pool_max_conns=%d", c.DSN(), c.MaxConns)
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type TopologyConfig struct {
	File string `json:"file"` // YAML file with clusters, servers, streams and tags
}

type PerforceConfig struct {
	Executable string `json:"executable"`
	PoolSize   int    `json:"poolSize"`
	Timeout    string `json:"timeout"` // per command, e.g. "5m"
}

type HealthConfig struct {
	Interval        string `json:"interval"`        // e.g. "15s"
	LivenessTimeout string `json:"livenessTimeout"` // healthy entries unseen for longer become degraded
	ProbeTimeout    string `json:"probeTimeout"`
	DrainChecker    string `json:"drainChecker"` // checker name consulted in the HTTP health response
	StickyTTL       string `json:"stickyTTL"`
}

type CommitsConfig struct {
	PollInterval      string `json:"pollInterval"`
	ReconcileInterval string `json:"reconcileInterval"`
	BatchSize         int    `json:"batchSize"`
	SubscribeTimeout  string `json:"subscribeTimeout"`
}

type ReplicationConfig struct {
	Enabled       bool   `json:"enabled"`
	StoreDir      string `json:"storeDir"`
	WorkspaceRoot string `json:"workspaceRoot"`
	ClientPrefix  string `json:"clientPrefix"`
	BatchBytes    int64  `json:"batchBytes"`
	Interval      string `json:"interval"`
	MaxConcurrent int    `json:"maxConcurrent"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr:     getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			TriggerToken: getEnv("SERVER_TRIGGER_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "depotmirror"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 16),
		},
		Logging: LoggingConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Console: getEnvBool("LOG_CONSOLE", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Topology: TopologyConfig{
			File: getEnv("TOPOLOGY_FILE", "topology.yaml"),
		},
		Perforce: PerforceConfig{
			Executable: getEnv("P4_EXECUTABLE", "p4"),
			PoolSize:   getEnvInt("P4_POOL_SIZE", 16),
			Timeout:    getEnv("P4_TIMEOUT", "10m"),
		},
		Health: HealthConfig{
			Interval:        getEnv("HEALTH_INTERVAL", "15s"),
			LivenessTimeout: getEnv("HEALTH_LIVENESS_TIMEOUT", "150s"),
			ProbeTimeout:    getEnv("HEALTH_PROBE_TIMEOUT", "10s"),
			DrainChecker:    getEnv("HEALTH_DRAIN_CHECKER", "edge-traffic-lb"),
			StickyTTL:       getEnv("HEALTH_STICKY_TTL", "1d"),
		},
		Commits: CommitsConfig{
			PollInterval:      getEnv("COMMITS_POLL_INTERVAL", "2s"),
			ReconcileInterval: getEnv("COMMITS_RECONCILE_INTERVAL", "30s"),
			BatchSize:         getEnvInt("COMMITS_BATCH_SIZE", 250),
			SubscribeTimeout:  getEnv("COMMITS_SUBSCRIBE_TIMEOUT", "30s"),
		},
		Replication: ReplicationConfig{
			Enabled:       getEnvBool("REPLICATION_ENABLED", true),
			StoreDir:      getEnv("REPLICATION_STORE_DIR", "data/objects"),
			WorkspaceRoot: getEnv("REPLICATION_WORKSPACE_ROOT", "data/workspaces"),
			ClientPrefix:  getEnv("REPLICATION_CLIENT_PREFIX", "depotmirror"),
			BatchBytes:    int64(getEnvInt("REPLICATION_BATCH_BYTES", 1<<30)),
			Interval:      getEnv("REPLICATION_INTERVAL", "10s"),
			MaxConcurrent: getEnvInt("REPLICATION_MAX_CONCURRENT", 2),
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err).Msg("load config file")
			return nil, err
		}
	}

	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults restores defaults for fields a config file left empty.
func (cfg *Config) fillDefaults() {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Perforce.Executable == "" {
		cfg.Perforce.Executable = "p4"
	}
	if cfg.Perforce.PoolSize <= 0 {
		cfg.Perforce.PoolSize = 16
	}
	if cfg.Health.Interval == "" {
		cfg.Health.Interval = "15s"
	}
	if cfg.Health.LivenessTimeout == "" {
		cfg.Health.LivenessTimeout = "150s"
	}
	if cfg.Health.DrainChecker == "" {
		cfg.Health.DrainChecker = "edge-traffic-lb"
	}
	if cfg.Health.StickyTTL == "" {
		cfg.Health.StickyTTL = "1d"
	}
	if cfg.Commits.PollInterval == "" {
		cfg.Commits.PollInterval = "2s"
	}
	if cfg.Commits.ReconcileInterval == "" {
		cfg.Commits.ReconcileInterval = "30s"
	}
	if cfg.Commits.BatchSize <= 0 {
		cfg.Commits.BatchSize = 250
	}
	if cfg.Replication.BatchBytes <= 0 {
		cfg.Replication.BatchBytes = 1 << 30
	}
	if cfg.Replication.MaxConcurrent <= 0 {
		cfg.Replication.MaxConcurrent = 2
	}
	if cfg.Replication.ClientPrefix == "" {
		cfg.Replication.ClientPrefix = "depotmirror"
	}
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// ParseDuration parses s with Prometheus duration syntax ("30s", "2m", "1d"), returning d when s
// is empty or invalid.
func ParseDuration(s string, d time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return d
	}
	v, err := promModel.ParseDuration(s)
	if err != nil {
		log.Warn().Str("value", s).Err(err).Msg("invalid duration, using default")
		return d
	}
	return time.Duration(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
