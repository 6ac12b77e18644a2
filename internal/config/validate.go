package config

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Validate checks a loaded Config for completeness and consistency.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateRelay(&cfg.Relay)...)
	errs = append(errs, validateHandlers(&cfg.Handlers)...)
	errs = append(errs, validateHistory(&cfg.History)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateRelay(cfg *RelayConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Region == "" {
		errs = append(errs, ValidationError{
			Field:   "relay.region",
			Message: "required",
		})
	}

	if cfg.HTTPHost == "" {
		errs = append(errs, ValidationError{
			Field:   "relay.http_host",
			Message: "required",
		})
	}

	if cfg.Namespace == "" {
		errs = append(errs, ValidationError{
			Field:   "relay.namespace",
			Message: "required",
		})
	}

	if strings.Contains(cfg.Namespace, "/") {
		errs = append(errs, ValidationError{
			Field:   "relay.namespace",
			Message: "must not contain path separators",
		})
	}

	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		errs = append(errs, ValidationError{
			Field:   "relay.access_key_id",
			Message: "access_key_id and secret_access_key must be set together",
		})
	}

	return errs
}

func validateHandlers(cfg *HandlersConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Dir == "" {
		errs = append(errs, ValidationError{
			Field:   "handlers.dir",
			Message: "required",
		})
	}

	if cfg.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "handlers.timeout",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateHistory(cfg *HistoryConfig) ValidationErrors {
	var errs ValidationErrors

	if !cfg.Enabled {
		return errs
	}

	if cfg.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "history.path",
			Message: "required when history is enabled",
		})
	}

	if cfg.Retention <= 0 {
		errs = append(errs, ValidationError{
			Field:   "history.retention",
			Message: "must be positive",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[cfg.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: trace, debug, info, warn, error, fatal, panic",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be 'json' or 'console'",
		})
	}

	return errs
}
