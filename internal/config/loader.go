package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

// Load reads configuration from defaults, an optional YAML file and
// the environment, in ascending precedence.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setViperDefaults(v, defaults)

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "LIVELAMBDA"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("live-lambda")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/live-lambda")
		v.AddConfigPath("/etc/live-lambda")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDerived(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from an explicit path.
func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

// LoadWithDefaults loads configuration from the usual search paths.
func LoadWithDefaults() (*Config, error) {
	return Load(LoadOptions{})
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("relay.region", cfg.Relay.Region)
	v.SetDefault("relay.http_host", cfg.Relay.HTTPHost)
	v.SetDefault("relay.realtime_host", cfg.Relay.RealtimeHost)
	v.SetDefault("relay.namespace", cfg.Relay.Namespace)
	v.SetDefault("relay.profile", cfg.Relay.Profile)

	v.SetDefault("handlers.dir", cfg.Handlers.Dir)
	v.SetDefault("handlers.timeout", cfg.Handlers.Timeout)
	v.SetDefault("handlers.function_filter", cfg.Handlers.FunctionFilter)
	v.SetDefault("handlers.watch", cfg.Handlers.Watch)

	v.SetDefault("history.enabled", cfg.History.Enabled)
	v.SetDefault("history.path", cfg.History.Path)
	v.SetDefault("history.retention", cfg.History.Retention)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.caller", cfg.Logging.Caller)
	v.SetDefault("logging.timestamp", cfg.Logging.Timestamp)
}

// applyDerived fills settings derivable from others.
func applyDerived(cfg *Config) {
	if cfg.Relay.RealtimeHost == "" && cfg.Relay.HTTPHost != "" {
		cfg.Relay.RealtimeHost = DeriveRealtimeHost(cfg.Relay.HTTPHost)
	}
}

// DeriveRealtimeHost maps the relay's HTTP endpoint host to its
// WebSocket endpoint host, following the relay's documented naming.
func DeriveRealtimeHost(httpHost string) string {
	return strings.Replace(httpHost, "appsync-api", "appsync-realtime-api", 1)
}
