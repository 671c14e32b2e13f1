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

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateResources(&cfg.Resources)...)
	errs = append(errs, validateWorkers(&cfg.Workers)...)
	errs = append(errs, validateRefStore(&cfg.RefStore)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(cfg *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.WriteTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateResources(cfg *ResourcesConfig) ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool)
	for i, pool := range cfg.Pools {
		field := fmt.Sprintf("resources.pools[%d]", i)

		if pool.Name == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: "must not be empty",
			})
		}
		if seen[pool.Name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate pool name %q", pool.Name),
			})
		}
		seen[pool.Name] = true

		switch pool.Type {
		case "api", "storage", "compute", "network":
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".type",
				Message: "must be one of api, storage, compute, network",
			})
		}

		if pool.Capacity <= 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".capacity",
				Message: "must be positive",
			})
		}

		switch pool.QuotaPeriod {
		case "", "daily", "weekly", "monthly":
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".quota_period",
				Message: "must be one of daily, weekly, monthly",
			})
		}
	}

	return errs
}

func validateWorkers(cfg *WorkersConfig) ValidationErrors {
	var errs ValidationErrors

	for name, worker := range cfg.Registry {
		if worker.Endpoint == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("workers.registry.%s.endpoint", name),
				Message: "must not be empty",
			})
		}
		if worker.Slots < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("workers.registry.%s.slots", name),
				Message: "must be non-negative",
			})
		}
	}

	return errs
}

func validateRefStore(cfg *RefStoreConfig) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Backend {
	case "filesystem", "s3":
	default:
		errs = append(errs, ValidationError{
			Field:   "refstore.backend",
			Message: "must be filesystem or s3",
		})
	}

	if cfg.Backend == "s3" && cfg.S3.Bucket == "" {
		errs = append(errs, ValidationError{
			Field:   "refstore.s3.bucket",
			Message: "required when backend is s3",
		})
	}

	if cfg.InlineThreshold < 0 {
		errs = append(errs, ValidationError{
			Field:   "refstore.inline_threshold",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of trace, debug, info, warn, error",
		})
	}

	switch cfg.Format {
	case "console", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be console or json",
		})
	}

	return errs
}
