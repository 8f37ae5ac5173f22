// Package config defines the application configuration and its loader.
package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"       validate:"required"`
	Tasks       TasksConfig       `mapstructure:"tasks"        validate:"required"`
	PrivChannel PrivChannelConfig `mapstructure:"priv_channel" validate:"required"`
}

// ServerConfig contains all REST daemon settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// NodeName stamps every task identifier generated by this daemon.
	NodeName string `mapstructure:"node_name" validate:"required,hostname_rfc1123"`
}

// TasksConfig contains the worker-task store settings.
type TasksConfig struct {
	// LogDir is the root of the durable task log store.
	LogDir string `mapstructure:"log_dir" validate:"required"`

	// CounterFile is the durable per-node task counter. The daemon
	// refuses to start if it cannot be opened and locked.
	CounterFile string `mapstructure:"counter_file" validate:"required"`

	// FinishedTTLSeconds is how long finished task handles stay cached
	// in memory for fast status polls.
	FinishedTTLSeconds int `mapstructure:"finished_ttl_seconds" validate:"gte=0"`

	// RetentionDays is the archive horizon used by the taskgc worker.
	RetentionDays int `mapstructure:"retention_days" validate:"gt=0"`
}

// PrivChannelConfig contains the privileged channel settings shared by the
// client (taskd) and the server (taskd-priv).
type PrivChannelConfig struct {
	// SocketPath is the filesystem path of the local privileged socket.
	SocketPath string `mapstructure:"socket_path" validate:"required"`

	// AllowedUIDs are the peer user ids the server accepts. When empty,
	// the server defaults to its own uid.
	AllowedUIDs []uint32 `mapstructure:"allowed_uids"`

	// TimeoutSeconds bounds each client call.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"gt=0"`
}
