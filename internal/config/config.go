// Package config loads gateway settings from environment variables and an
// optional config file. Every key can be set as ONDEVICE_<KEY>.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr"`
	// SocketPath enables the unix-socket RPC listener when non-empty.
	SocketPath string `mapstructure:"socket_path"`

	// Model is the identifier the gateway advertises.
	Model string `mapstructure:"model"`
	// RuntimeURL is the base URL of the local generation runtime.
	RuntimeURL string `mapstructure:"runtime_url"`

	// MaxQueueSize bounds queued plus running generation tasks.
	MaxQueueSize int `mapstructure:"max_queue_size"`
	// ToolChoiceHeuristic enables tool-choice inference for requests that
	// declare exactly one tool without choosing it.
	ToolChoiceHeuristic bool `mapstructure:"tool_choice_heuristic"`

	LogLevel string `mapstructure:"log_level"`
	// DBPath enables request-log persistence when non-empty.
	DBPath string `mapstructure:"db_path"`
	// AdminToken protects /admin when non-empty.
	AdminToken  string   `mapstructure:"admin_token"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Load reads configuration from the environment (prefix ONDEVICE) and, when
// path is non-empty, a config file. Missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetEnvPrefix("ondevice")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8000")
	v.SetDefault("socket_path", "")
	v.SetDefault("model", "ondevice")
	v.SetDefault("runtime_url", "http://127.0.0.1:8080")
	v.SetDefault("max_queue_size", 100)
	v.SetDefault("tool_choice_heuristic", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("db_path", "")
	v.SetDefault("admin_token", "")
	v.SetDefault("cors_origins", []string{"*"})

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	return cfg, nil
}
