package config

// Package config provides a reusable loader for rpcgate configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a gateway instance. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	RPC struct {
		ListenIP    string `mapstructure:"listen_ip" json:"listen_ip" yaml:"listen_ip"`
		ListenPort  int    `mapstructure:"listen_port" json:"listen_port" yaml:"listen_port"`
		ThreadCount int    `mapstructure:"thread_count" json:"thread_count" yaml:"thread_count"`
	} `mapstructure:"rpc" json:"rpc" yaml:"rpc"`

	Peers struct {
		GossipIntervalMS int `mapstructure:"gossip_interval_ms" json:"gossip_interval_ms" yaml:"gossip_interval_ms"`
		SessionTimeoutMS int `mapstructure:"session_timeout_ms" json:"session_timeout_ms" yaml:"session_timeout_ms"`
	} `mapstructure:"peers" json:"peers" yaml:"peers"`

	Logging struct {
		Level string `mapstructure:"level" json:"level" yaml:"level"`
		File  string `mapstructure:"file" json:"file" yaml:"file"`
	} `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// minPort and maxPort bound the RPC listen port per spec.md §6: ports must
// be in (1024, 65535].
const (
	minPort = 1024
	maxPort = 65535
)

// Validate checks the invariants Load cannot express through viper alone.
// An invalid port range aborts startup.
func (c *Config) Validate() error {
	if c.RPC.ListenPort <= minPort || c.RPC.ListenPort > maxPort {
		return fmt.Errorf("rpc.listen_port %d out of range (%d, %d]", c.RPC.ListenPort, minPort, maxPort)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("rpc.listen_ip", "0.0.0.0")
	viper.SetDefault("rpc.listen_port", 20200)
	viper.SetDefault("rpc.thread_count", 8)
	viper.SetDefault("peers.gossip_interval_ms", 2000)
	viper.SetDefault("peers.session_timeout_ms", 30000)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.file", "")
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig, validated,
// and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	setDefaults()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := AppConfig.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the RPCGATE_ENV environment variable,
// defaulting to the unnamed (base) environment if it is unset or empty.
func LoadFromEnv() (*Config, error) {
	env := os.Getenv("RPCGATE_ENV")
	return Load(env)
}

// YAML renders the configuration back to its on-disk format, for
// diagnostics commands that print the effective config after merging
// files, environment overlays, and defaults.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config to yaml: %w", err)
	}
	return out, nil
}
