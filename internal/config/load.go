package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and optionally a
// config file. Environment variables (prefix TASKD_, nested keys joined
// with underscores, e.g. TASKD_SERVER_PORT) take precedence over values
// from the config file, which take precedence over defaults.
// Returns a populated Config struct or an error if loading or validation
// fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/taskd")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; the env plus defaults must
		// still produce a valid configuration.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8007)
	v.SetDefault("server.log_level", "info")
	// Registered empty so the env var is picked up; validation rejects
	// a missing node name.
	v.SetDefault("server.node_name", "")
	v.SetDefault("tasks.log_dir", "/var/log/taskd/tasks")
	v.SetDefault("tasks.counter_file", "/var/lib/taskd/task-counter")
	v.SetDefault("tasks.finished_ttl_seconds", 60)
	v.SetDefault("tasks.retention_days", 30)
	v.SetDefault("priv_channel.socket_path", "/run/taskd/priv.sock")
	v.SetDefault("priv_channel.timeout_seconds", 30)
}
