// Package config provides configuration management for live-lambda.
package config

import (
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Relay    RelayConfig    `mapstructure:"relay"`
	Handlers HandlersConfig `mapstructure:"handlers"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RelayConfig identifies and authenticates against the pub/sub relay.
type RelayConfig struct {
	// AWS region the relay lives in
	Region string `mapstructure:"region"`

	// Relay HTTP endpoint host, the signing target
	HTTPHost string `mapstructure:"http_host"`

	// Relay WebSocket endpoint host; derived from http_host when empty
	RealtimeHost string `mapstructure:"realtime_host"`

	// Channel namespace shared with the cloud-side extension
	Namespace string `mapstructure:"namespace"`

	// Optional shared-config credential profile
	Profile string `mapstructure:"profile"`

	// Static credentials, overriding the default chain when set
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// HandlersConfig holds local handler execution settings.
type HandlersConfig struct {
	// Directory relative handler paths resolve against
	Dir string `mapstructure:"dir"`

	// Per-invocation execution timeout; zero disables it and leaves
	// the deadline to the cloud side
	Timeout time.Duration `mapstructure:"timeout"`

	// Glob selecting the function names this tunnel serves
	FunctionFilter string `mapstructure:"function_filter"`

	// Watch the handler directory and log/invalidate on change
	Watch bool `mapstructure:"watch"`
}

// HistoryConfig holds local invocation-history settings.
type HistoryConfig struct {
	// Enable recording
	Enabled bool `mapstructure:"enabled"`

	// Path to the SQLite history file
	Path string `mapstructure:"path"`

	// How long records are kept
	Retention time.Duration `mapstructure:"retention"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (trace, debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`

	// Include caller info
	Caller bool `mapstructure:"caller"`

	// Include timestamp
	Timestamp bool `mapstructure:"timestamp"`
}
