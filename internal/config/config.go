package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Export   ExportConfig   `mapstructure:"export" validate:"required"`
	Reaper   ReaperConfig   `mapstructure:"reaper" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// ExportConfig controls the processing of export tasks.
type ExportConfig struct {
	// Active enables task processing on this node.
	Active bool `mapstructure:"active"`

	// Schedule is the weekly processing-window expression, e.g.
	// "mon-fri 22-6; sat,sun". Empty means the whole week.
	Schedule string `mapstructure:"schedule"`

	// CheckFrequency is how often the dispatcher polls for claimable tasks.
	CheckFrequency time.Duration `mapstructure:"check_frequency" validate:"required,gt=0"`

	// ConcurrentTasks caps how many tasks one node processes at once.
	ConcurrentTasks int `mapstructure:"concurrent_tasks" validate:"required,gt=0"`

	// MaxProcessingTime bounds a task's running time before a forced pause.
	// Zero or any negative value (conventionally -1) means unbounded.
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`

	// MaxFileSize is the default result-segment size limit in bytes.
	MaxFileSize int64 `mapstructure:"max_file_size" validate:"required,gt=0"`

	// MaxFailCount is the per-work-item fail budget.
	MaxFailCount int `mapstructure:"max_fail_count" validate:"required,gt=0"`

	// StorageID names the file storage backend on task records.
	StorageID string `mapstructure:"storage_id" validate:"required"`

	// StorageDir is the directory result segments are written to.
	StorageDir string `mapstructure:"storage_dir" validate:"required"`

	// Locale is passed through to providers for localized output.
	Locale string `mapstructure:"locale" validate:"required"`

	// KeepPermissionDenied keeps permission-denied diagnostics in reports.
	KeepPermissionDenied bool `mapstructure:"keep_permission_denied"`
}

// ReaperConfig controls recovery of stalled tasks and retention of finished
// ones.
type ReaperConfig struct {
	// CheckFrequency is how often the reaper sweeps.
	CheckFrequency time.Duration `mapstructure:"check_frequency" validate:"required,gt=0"`

	// StalledAge is how long a running task may go untouched before it is
	// returned to the pool; also the retention for aborted tasks.
	StalledAge time.Duration `mapstructure:"stalled_age" validate:"required,gt=0"`

	// TerminalTTL is the retention for done and failed tasks.
	TerminalTTL time.Duration `mapstructure:"terminal_ttl" validate:"required,gt=0"`
}
