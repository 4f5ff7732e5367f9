// Package poolconfig loads poolcore's runtime configuration the way the
// teacher's pkg/pyproc/config.go does: programmatic defaults, overridden
// by an optional YAML file, overridden by POOLCORE_-prefixed environment
// variables, all through a single github.com/spf13/viper.Viper.
package poolconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete runtime configuration for a poolcore process.
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Spawn    SpawnConfig    `mapstructure:"spawn" yaml:"spawn"`
	RPC      RPCConfig      `mapstructure:"rpc" yaml:"rpc"`
	Accounts AccountsConfig `mapstructure:"accounts" yaml:"accounts"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// PoolConfig mirrors the knobs of spec.md section 4.4/4.5.
type PoolConfig struct {
	Max                 int           `mapstructure:"max" yaml:"max"`
	MaxPerApp            int           `mapstructure:"max_per_app" yaml:"max_per_app"`
	MaxIdleTime          time.Duration `mapstructure:"max_idle_time" yaml:"max_idle_time"`
	MaxRequestQueueSize  int           `mapstructure:"max_request_queue_size" yaml:"max_request_queue_size"`
	UseGlobalQueue       bool          `mapstructure:"use_global_queue" yaml:"use_global_queue"`
	StatusFifoEnabled    bool          `mapstructure:"status_fifo_enabled" yaml:"status_fifo_enabled"`
	StatusFifoPath       string        `mapstructure:"status_fifo_path" yaml:"status_fifo_path"`
}

// SpawnConfig configures SpawnManager's launch of the spawn helper
// (spec.md section 4.3).
type SpawnConfig struct {
	HelperPath string `mapstructure:"helper_path" yaml:"helper_path"`
	SocketDir  string `mapstructure:"socket_dir" yaml:"socket_dir"`
}

// RPCConfig configures the Pool RPC server (spec.md section 4.6).
type RPCConfig struct {
	SocketPath     string `mapstructure:"socket_path" yaml:"socket_path"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
}

// AccountsConfig configures the on-disk account provisioning described in
// spec.md section 4.2 and the supplemented passenger-status-password.txt
// behavior from SPEC_FULL.md section 12.
type AccountsConfig struct {
	File                      string `mapstructure:"file" yaml:"file"`
	ProvisionStatusAccount    bool   `mapstructure:"provision_status_account" yaml:"provision_status_account"`
	StatusPasswordFile        string `mapstructure:"status_password_file" yaml:"status_password_file"`
}

// LoggingConfig configures internal/poollog.
type LoggingConfig struct {
	Level        string `mapstructure:"level" yaml:"level"`
	Format       string `mapstructure:"format" yaml:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled" yaml:"trace_enabled"`
}

// MetricsConfig configures the optional external metrics collector of
// spec.md section 4.5.
type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	Collector    string        `mapstructure:"collector" yaml:"collector"` // "exec" or "grpc"
	ExecPath     string        `mapstructure:"exec_path" yaml:"exec_path"`
	GRPCTarget   string        `mapstructure:"grpc_target" yaml:"grpc_target"`
}

// Load reads configuration from configPath (if non-empty) or the default
// search locations, then from POOLCORE_ environment variables, the same
// layering order as the teacher's LoadConfig.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("poolcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/poolcore")
	}

	v.SetEnvPrefix("POOLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("poolconfig: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("poolconfig: unmarshal: %w", err)
	}

	// Durations are authored in seconds in the file; viper
	// unmarshals them as plain integers into time.Duration, so scale them
	// the way the teacher's LoadConfig does.
	cfg.Pool.MaxIdleTime *= time.Second
	cfg.Metrics.Interval *= time.Second

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.max", 10)
	v.SetDefault("pool.max_per_app", 0)
	v.SetDefault("pool.max_idle_time", 300)
	v.SetDefault("pool.max_request_queue_size", 100)
	v.SetDefault("pool.use_global_queue", false)
	v.SetDefault("pool.status_fifo_enabled", false)
	v.SetDefault("pool.status_fifo_path", "")

	v.SetDefault("spawn.helper_path", "poolcore-spawn-helper")
	v.SetDefault("spawn.socket_dir", "/tmp")

	v.SetDefault("rpc.socket_path", "/tmp/poolcore.sock")
	v.SetDefault("rpc.max_connections", 256)

	v.SetDefault("accounts.file", "")
	v.SetDefault("accounts.provision_status_account", true)
	v.SetDefault("accounts.status_password_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.interval", 4)
	v.SetDefault("metrics.collector", "exec")
	v.SetDefault("metrics.exec_path", "poolcore-collect-metrics")
	v.SetDefault("metrics.grpc_target", "")
}
