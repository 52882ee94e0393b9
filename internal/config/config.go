// Package config provides a reusable loader for Anya-Core configuration
// files and environment variables: a typed Config struct, a Load(env) that
// merges a base YAML file with an environment-specific override, and
// AutomaticEnv for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/anya-org/anya-core/internal/errs"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// BitcoinRPCConfig configures the Bitcoin JSON-RPC adapter.
type BitcoinRPCConfig struct {
	Host        string        `mapstructure:"host" json:"host"`
	User        string        `mapstructure:"user" json:"user"`
	Password    string        `mapstructure:"password" json:"password"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" json:"max_retries"`
}

// ArgonParams pins the Argon2id profile used to derive the HSM master key.
type ArgonParams struct {
	TimeCost   uint32 `mapstructure:"time_cost" json:"time_cost"`
	MemoryKiB  uint32 `mapstructure:"memory_kib" json:"memory_kib"`
	Threads    uint8  `mapstructure:"threads" json:"threads"`
	KeyLen     uint32 `mapstructure:"key_len" json:"key_len"`
}

// HSMConfig configures the software HSM.
type HSMConfig struct {
	PassphraseSource string        `mapstructure:"passphrase_source" json:"passphrase_source"`
	PassphraseEnvVar string        `mapstructure:"passphrase_env_var" json:"passphrase_env_var"`
	PassphraseFile   string        `mapstructure:"passphrase_file" json:"passphrase_file"`
	Argon            ArgonParams   `mapstructure:"argon_params" json:"argon_params"`
	SessionTTL       time.Duration `mapstructure:"session_ttl" json:"session_ttl"`
	RotationGrace    time.Duration `mapstructure:"rotation_grace" json:"rotation_grace"`
}

// Passphrase resolves the HSM master-key passphrase from the configured
// source. It is never logged by any caller.
func (c HSMConfig) Passphrase() (string, error) {
	switch c.PassphraseSource {
	case "env":
		v := os.Getenv(c.PassphraseEnvVar)
		if v == "" {
			return "", errs.New(errs.ConfigError, "hsm passphrase env var empty")
		}
		return v, nil
	case "file":
		b, err := os.ReadFile(c.PassphraseFile)
		if err != nil {
			return "", errs.Wrap(errs.ConfigError, err, "read hsm passphrase file")
		}
		return strings.TrimSpace(string(b)), nil
	default:
		return "", errs.New(errs.ConfigError, fmt.Sprintf("unknown passphrase source %q", c.PassphraseSource))
	}
}

// Layer2EndpointConfig is the per-protocol configuration block.
type Layer2EndpointConfig struct {
	Endpoint       string            `mapstructure:"endpoint" json:"endpoint"`
	Network        string            `mapstructure:"network" json:"network"`
	APIKey         string            `mapstructure:"api_key" json:"api_key"`
	FreshnessWindow time.Duration    `mapstructure:"freshness_window" json:"freshness_window"`
	Extra          map[string]string `mapstructure:"extra" json:"extra"`
}

// LimitsConfig bounds outbound operations.
type LimitsConfig struct {
	RPCTimeout     time.Duration `mapstructure:"rpc_timeout" json:"rpc_timeout"`
	StorageTimeout time.Duration `mapstructure:"storage_timeout" json:"storage_timeout"`
	QueueDepth     int           `mapstructure:"queue_depth" json:"queue_depth"`
}

// CoreConfig is the single typed configuration object for the whole core.
type CoreConfig struct {
	DataDir    string                          `mapstructure:"data_dir" json:"data_dir"`
	BitcoinRPC BitcoinRPCConfig                `mapstructure:"bitcoin_rpc" json:"bitcoin_rpc"`
	HSM        HSMConfig                       `mapstructure:"hsm" json:"hsm"`
	Layer2     map[string]Layer2EndpointConfig `mapstructure:"layer2" json:"layer2"`
	Limits     LimitsConfig                    `mapstructure:"limits" json:"limits"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Validate checks invariants that Load cannot express declaratively: every
// outbound operation must have a deadline (the — "absence of a
// deadline is a configuration error").
func (c *CoreConfig) Validate() error {
	if c.DataDir == "" {
		return errs.New(errs.ConfigError, "data_dir is required")
	}
	if c.Limits.RPCTimeout <= 0 {
		return errs.New(errs.ConfigError, "limits.rpc_timeout must be set")
	}
	if c.Limits.StorageTimeout <= 0 {
		return errs.New(errs.ConfigError, "limits.storage_timeout must be set")
	}
	if c.Limits.QueueDepth <= 0 {
		return errs.New(errs.ConfigError, "limits.queue_depth must be set")
	}
	if c.BitcoinRPC.Timeout <= 0 {
		return errs.New(errs.ConfigError, "bitcoin_rpc.timeout must be set")
	}
	for kind, l2 := range c.Layer2 {
		if l2.FreshnessWindow <= 0 {
			return errs.New(errs.ConfigError, fmt.Sprintf("layer2.%s.freshness_window must be set", kind))
		}
	}
	return nil
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig CoreConfig

// Load reads the base configuration file and merges an environment-specific
// override. The resulting configuration is stored in AppConfig and
// returned.
func Load(env string) (*CoreConfig, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, errs.Wrap(errs.ConfigError, err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, errs.Wrap(errs.ConfigError, err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("ANYA")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, errs.Wrap(errs.ConfigError, err, "unmarshal config")
	}
	if err := AppConfig.Validate(); err != nil {
		return nil, err
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ANYA_ENV environment variable.
func LoadFromEnv() (*CoreConfig, error) {
	return Load(os.Getenv("ANYA_ENV"))
}
