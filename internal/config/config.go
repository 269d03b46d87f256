// Package config provides configuration loading and validation for the
// Stratum bridge.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bridge configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Mining   MiningConfig   `yaml:"mining"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
	Node     NodeConfig     `yaml:"node"`
}

// ServerConfig holds TCP listener settings. StratumPorts may list more
// than one port so the bridge can run several independently-scoped
// Stratum instances (each with its own extranonce pool and job
// registry) from one process.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	StratumPorts   []int         `yaml:"stratum_ports"`
	MaxConnections int           `yaml:"max_connections"`
	DrainWindow    time.Duration `yaml:"drain_window"`
	TLS            TLSConfig     `yaml:"tls"`
	Metrics        MetricsConfig `yaml:"metrics"`
	Dashboard      DashboardConfig `yaml:"dashboard"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DashboardConfig holds terminal dashboard settings.
type DashboardConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// MiningConfig holds mining and vardiff settings.
type MiningConfig struct {
	CoinbaseTag           string        `yaml:"coinbase_tag"`
	MinShareDifficulty    float64       `yaml:"min_share_difficulty"`
	MaxShareDifficulty    float64       `yaml:"max_share_difficulty"`
	SharesPerMinuteTarget float64       `yaml:"shares_per_minute_target"`
	RetargetInterval      time.Duration `yaml:"retarget_interval"`
	PowerOfTwoClamp       bool          `yaml:"power_of_two_clamp"`
	ColdStartGuard        time.Duration `yaml:"cold_start_guard"`
	HysteresisPercent     float64       `yaml:"hysteresis_percent"`
	BlockWaitTime         time.Duration `yaml:"block_wait_time"`
	JobRetentionCount     int           `yaml:"job_retention_count"`
	JobRetentionSeconds   time.Duration `yaml:"job_retention_seconds"`
}

// RedisConfig holds Redis connection settings. Redis backs only the
// transient online-worker set and an optional distributed share-dedup
// backstop; it is never the system of record for shares or payouts.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	WorkerTTL time.Duration `yaml:"worker_ttl"`
}

// PostgresConfig holds PostgreSQL connection settings. Postgres backs
// only the blocks-found audit ledger.
type PostgresConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Database         string        `yaml:"database"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	MaxConnections   int           `yaml:"max_connections"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// NodeConfig holds Kaspa node RPC settings.
type NodeConfig struct {
	URL          string        `yaml:"url"`
	PayAddress   string        `yaml:"pay_address"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unset configuration options.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if len(cfg.Server.StratumPorts) == 0 {
		cfg.Server.StratumPorts = []int{5555}
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 10000
	}
	if cfg.Server.DrainWindow == 0 {
		cfg.Server.DrainWindow = 10 * time.Second
	}
	if cfg.Server.Metrics.Port == 0 {
		cfg.Server.Metrics.Port = 9090
	}
	if cfg.Server.Dashboard.Interval == 0 {
		cfg.Server.Dashboard.Interval = 10 * time.Second
	}

	if cfg.Mining.CoinbaseTag == "" {
		cfg.Mining.CoinbaseTag = "kaspa-stratum-bridge"
	}
	if cfg.Mining.MinShareDifficulty == 0 {
		cfg.Mining.MinShareDifficulty = 1
	}
	if cfg.Mining.MaxShareDifficulty == 0 {
		cfg.Mining.MaxShareDifficulty = 1 << 30
	}
	if cfg.Mining.SharesPerMinuteTarget == 0 {
		cfg.Mining.SharesPerMinuteTarget = 12
	}
	if cfg.Mining.RetargetInterval == 0 {
		cfg.Mining.RetargetInterval = 60 * time.Second
	}
	if cfg.Mining.ColdStartGuard == 0 {
		cfg.Mining.ColdStartGuard = 15 * time.Second
	}
	if cfg.Mining.HysteresisPercent == 0 {
		cfg.Mining.HysteresisPercent = 0.10
	}
	if cfg.Mining.BlockWaitTime == 0 {
		cfg.Mining.BlockWaitTime = 500 * time.Millisecond
	}
	if cfg.Mining.JobRetentionCount == 0 {
		cfg.Mining.JobRetentionCount = 10
	}
	if cfg.Mining.JobRetentionSeconds == 0 {
		cfg.Mining.JobRetentionSeconds = 60 * time.Second
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "stratum:"
	}
	if cfg.Redis.WorkerTTL == 0 {
		cfg.Redis.WorkerTTL = 5 * time.Minute
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 10
	}
	if cfg.Postgres.ConnectTimeout == 0 {
		cfg.Postgres.ConnectTimeout = 10 * time.Second
	}
	if cfg.Postgres.StatementTimeout == 0 {
		cfg.Postgres.StatementTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Node.RequestTimeout == 0 {
		cfg.Node.RequestTimeout = 5 * time.Second
	}
}

// validate checks the configuration for required fields and valid values.
func validate(cfg *Config) error {
	for _, port := range cfg.Server.StratumPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid stratum port: %d", port)
		}
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS enabled but cert_file not specified")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS enabled but key_file not specified")
		}
	}

	if cfg.Mining.MinShareDifficulty > cfg.Mining.MaxShareDifficulty {
		return fmt.Errorf("min_share_difficulty cannot be greater than max_share_difficulty")
	}

	if cfg.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}
	if cfg.Node.PayAddress == "" {
		return fmt.Errorf("node.pay_address is required")
	}

	return nil
}
