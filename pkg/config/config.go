package config

// Package config provides a reusable loader for branch configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"yogi-branch/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// BranchConfig represents the unified configuration for a Yogi branch. It
// mirrors the structure of the YAML files under cmd/config.
type BranchConfig struct {
	Branch struct {
		Name        string `mapstructure:"name" json:"name"`
		Description string `mapstructure:"description" json:"description"`
		NetworkName string `mapstructure:"network_name" json:"network_name"`
		Path        string `mapstructure:"path" json:"path"`
		Password    string `mapstructure:"password" json:"password"`
		GhostMode   bool   `mapstructure:"ghost_mode" json:"ghost_mode"`
	} `mapstructure:"branch" json:"branch"`

	Network struct {
		TcpListenAddress    string `mapstructure:"tcp_listen_address" json:"tcp_listen_address"`
		AdvertisingAddress  string `mapstructure:"advertising_address" json:"advertising_address"`
		AdvertisingInterval string `mapstructure:"advertising_interval" json:"advertising_interval"`
		Timeout             string `mapstructure:"timeout" json:"timeout"`
		Interfaces          []string `mapstructure:"interfaces" json:"interfaces"`
	} `mapstructure:"network" json:"network"`

	Transport struct {
		TxQueueSize int `mapstructure:"tx_queue_size" json:"tx_queue_size"`
		RxQueueSize int `mapstructure:"rx_queue_size" json:"rx_queue_size"`
	} `mapstructure:"transport" json:"transport"`

	Introspection struct {
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"introspection" json:"introspection"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig BranchConfig

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*BranchConfig, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the YOGI_ENV environment variable.
func LoadFromEnv() (*BranchConfig, error) {
	return Load(utils.EnvOrDefault("YOGI_ENV", ""))
}
