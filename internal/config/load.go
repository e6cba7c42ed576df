// Package config loads and validates application configuration from
// environment variables and an optional YAML config file. Environment
// variables take precedence over file values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/phrazzld/takeout-api/internal/schedule"
)

// envPrefix is the prefix for all environment variables, e.g.
// TAKEOUT_DATABASE_URL.
const envPrefix = "TAKEOUT"

// Load reads configuration from the environment and an optional config.yaml
// in the working directory, applies defaults, and validates the result. The
// schedule expression is parsed here so a malformed one fails startup
// instead of the first dispatch cycle.
func Load() (*Config, error) {
	return load("")
}

// LoadFromFile is Load with an explicit config file path, used by tests.
func LoadFromFile(configPath string) (*Config, error) {
	return load(configPath)
}

func load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind critical environment variables.
	bindEnvs := []struct {
		key    string
		envVar string
	}{
		{"server.port", "TAKEOUT_SERVER_PORT"},
		{"server.log_level", "TAKEOUT_SERVER_LOG_LEVEL"},
		{"database.url", "TAKEOUT_DATABASE_URL"},
		{"export.active", "TAKEOUT_EXPORT_ACTIVE"},
		{"export.schedule", "TAKEOUT_EXPORT_SCHEDULE"},
		{"export.storage_dir", "TAKEOUT_EXPORT_STORAGE_DIR"},
	}
	for _, env := range bindEnvs {
		if err := v.BindEnv(env.key, env.envVar); err != nil {
			return nil, fmt.Errorf("error binding environment variable %s: %w", env.envVar, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// -1 is the conventional "unbounded" marker; normalize so the rest of
	// the code only checks for zero.
	if cfg.Export.MaxProcessingTime < 0 {
		cfg.Export.MaxProcessingTime = 0
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	if _, err := schedule.Parse(cfg.Export.Schedule); err != nil {
		return nil, fmt.Errorf("invalid export schedule %q: %w", cfg.Export.Schedule, err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("export.active", true)
	v.SetDefault("export.schedule", "mon-sun")
	v.SetDefault("export.check_frequency", time.Minute)
	v.SetDefault("export.concurrent_tasks", 2)
	v.SetDefault("export.max_processing_time", time.Duration(0))
	v.SetDefault("export.max_file_size", int64(1<<30))
	v.SetDefault("export.max_fail_count", 3)
	v.SetDefault("export.storage_id", "local")
	v.SetDefault("export.storage_dir", "./export-data")
	v.SetDefault("export.locale", "en")
	v.SetDefault("export.keep_permission_denied", false)

	v.SetDefault("reaper.check_frequency", 15*time.Minute)
	v.SetDefault("reaper.stalled_age", time.Hour)
	v.SetDefault("reaper.terminal_ttl", 14*24*time.Hour)
}
