package config

import "time"

// Default configuration values.
const (
	DefaultNamespace        = "live-lambda"
	DefaultHandlersDir      = "."
	DefaultFunctionFilter   = "*"
	DefaultHistoryPath      = ".live-lambda/history.db"
	DefaultHistoryRetention = 7 * 24 * time.Hour

	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Default returns a Config with sensible defaults. Relay region and
// http_host have no defaults; they come from the deployment.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Namespace: DefaultNamespace,
		},
		Handlers: HandlersConfig{
			Dir:            DefaultHandlersDir,
			Timeout:        0, // the cloud side enforces its own deadline
			FunctionFilter: DefaultFunctionFilter,
			Watch:          true,
		},
		History: HistoryConfig{
			Enabled:   true,
			Path:      DefaultHistoryPath,
			Retention: DefaultHistoryRetention,
		},
		Logging: LoggingConfig{
			Level:     DefaultLogLevel,
			Format:    DefaultLogFormat,
			Caller:    false,
			Timestamp: true,
		},
	}
}
