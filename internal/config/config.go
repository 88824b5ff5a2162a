// Package config loads runtime configuration from defaults, an optional YAML
// file, an optional .env file and COACHSYNC_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/models"
	"github.com/coachcoreai/coachcore/backend/internal/sync/conflict"
	"github.com/coachcoreai/coachcore/backend/internal/sync/remote"
)

// EnvPrefix prefixes every environment variable, e.g. COACHSYNC_SYNC_CONCURRENCY.
const EnvPrefix = "COACHSYNC"

// Remote store kinds.
const (
	RemoteMemory   = "memory"
	RemotePostgres = "postgres"
	RemoteS3       = "s3"
)

// Config is the complete runtime configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	ListenAddr   string             `mapstructure:"listen_addr"`
	LogLevel     string             `mapstructure:"log_level"`
	LogJSON      bool               `mapstructure:"log_json"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Conflict     ConflictConfig     `mapstructure:"conflict"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
}

// RemoteConfig selects and configures the remote document store.
type RemoteConfig struct {
	Kind        string          `mapstructure:"kind"`
	PostgresDSN string          `mapstructure:"postgres_dsn"`
	S3          remote.S3Config `mapstructure:"s3"`
}

// SyncConfig tunes the queue and the engine.
type SyncConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
}

// ConflictConfig holds the conflict policy. PolicyFile, when set, replaces
// Default and MergeFallback.
type ConflictConfig struct {
	PolicyFile    string `mapstructure:"policy_file"`
	Default       string `mapstructure:"default"`
	MergeFallback string `mapstructure:"merge_fallback"`
}

// ConnectivityConfig configures the platform signal.
type ConnectivityConfig struct {
	FlagFile      string `mapstructure:"flag_file"`
	InitialOnline bool   `mapstructure:"initial_online"`
}

// Options controls where Load looks.
type Options struct {
	ConfigFile string // optional YAML file
	EnvFile    string // optional .env file, default ".env"
}

var defaults = map[string]any{
	"data_dir":                    "./data",
	"listen_addr":                 "127.0.0.1:8090",
	"log_level":                   "info",
	"log_json":                    true,
	"remote.kind":                 RemoteMemory,
	"remote.postgres_dsn":         "",
	"remote.s3.provider":          remote.ProviderAWS,
	"remote.s3.bucket":            "",
	"remote.s3.region":            "",
	"remote.s3.endpoint":          "",
	"remote.s3.account_id":        "",
	"remote.s3.access_key_id":     "",
	"remote.s3.secret_access_key": "",
	"remote.s3.prefix":            "",
	"remote.s3.use_path_style":    false,
	"remote.s3.use_ssl":           true,
	"sync.concurrency":            4,
	"sync.max_attempts":           5,
	"sync.base_delay":             "1s",
	"sync.max_delay":              "30s",
	"sync.call_timeout":           "10s",
	"sync.sweep_interval":         "1m",
	"sync.max_queue_size":         10000,
	"conflict.policy_file":        "",
	"conflict.default":            string(models.StrategyManualPending),
	"conflict.merge_fallback":     string(models.StrategyServerWins),
	"connectivity.flag_file":      "",
	"connectivity.initial_online": true,
}

// Load reads the configuration and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var problems []string
	switch c.Remote.Kind {
	case RemoteMemory:
	case RemotePostgres:
		if c.Remote.PostgresDSN == "" {
			problems = append(problems, "remote.postgres_dsn is required for the postgres remote")
		}
	case RemoteS3:
		if c.Remote.S3.Bucket == "" {
			problems = append(problems, "remote.s3.bucket is required for the s3 remote")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown remote.kind %q", c.Remote.Kind))
	}

	if c.Sync.Concurrency < 1 {
		problems = append(problems, "sync.concurrency must be at least 1")
	}
	if c.Sync.MaxAttempts < 1 {
		problems = append(problems, "sync.max_attempts must be at least 1")
	}
	if c.Sync.BaseDelay <= 0 || c.Sync.MaxDelay < c.Sync.BaseDelay {
		problems = append(problems, "sync.base_delay must be positive and not above sync.max_delay")
	}
	if c.Sync.CallTimeout <= 0 {
		problems = append(problems, "sync.call_timeout must be positive")
	}
	if c.Sync.SweepInterval <= 0 {
		problems = append(problems, "sync.sweep_interval must be positive")
	}
	if c.Sync.MaxQueueSize < 0 {
		problems = append(problems, "sync.max_queue_size must not be negative")
	}

	if c.Conflict.PolicyFile == "" {
		if err := c.inlinePolicy().Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrValidation, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) inlinePolicy() conflict.Policy {
	return conflict.Policy{
		Default:       models.ConflictStrategy(c.Conflict.Default),
		MergeFallback: models.ConflictStrategy(c.Conflict.MergeFallback),
	}
}

// ConflictPolicy returns the policy from the policy file, or the inline
// default and fallback.
func (c *Config) ConflictPolicy() (conflict.Policy, error) {
	if c.Conflict.PolicyFile != "" {
		return conflict.LoadPolicy(c.Conflict.PolicyFile)
	}
	p := c.inlinePolicy()
	if err := p.Validate(); err != nil {
		return conflict.Policy{}, err
	}
	return p, nil
}
