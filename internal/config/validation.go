package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"suis/internal/field"
	"suis/internal/input"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	return e.Warning
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig returns the error-level problems of c, or nil.
func ValidateConfig(c *Config) error {
	if errs := Check(c).Errors(); len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every problem found in c, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateEngine(&c.Engine)...)
	errs = append(errs, validateRanking(&c.Ranking)...)
	errs = append(errs, validateDatamap(&c.Datamap)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	return errs
}

func validateEngine(e *EngineConfig) ValidationErrors {
	var errs ValidationErrors

	if e.FrameRate < 1 || e.FrameRate > 1000 {
		errs = append(errs, *RangeError("engine.frame_rate", 1, 1000))
	} else if e.FrameRate > 240 {
		errs = append(errs, ValidationError{
			Field:   "engine.frame_rate",
			Message: fmt.Sprintf("%d frames per second leaves little time for handlers", e.FrameRate),
			Warning: true,
		})
	}

	if e.Workers < 1 || e.Workers > 1024 {
		errs = append(errs, *RangeError("engine.workers", 1, 1024))
	}

	if e.HandlerTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.handler_timeout_ms",
			Message: "handler timeout must be at least 1 ms",
		})
	}
	if e.FrameTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.frame_timeout_ms",
			Message: "frame timeout must be at least 1 ms",
		})
	}
	if e.FrameRate > 0 && e.HandlerTimeoutMs >= 1000/e.FrameRate {
		errs = append(errs, ValidationError{
			Field:   "engine.handler_timeout_ms",
			Message: fmt.Sprintf("%d ms is a whole frame or more at %d fps", e.HandlerTimeoutMs, e.FrameRate),
			Warning: true,
		})
	}

	if e.MailboxSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.mailbox_size",
			Message: "mailbox size must be at least 1",
		})
	}
	if e.BufferSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.buffer_size",
			Message: "buffer size must be at least 1",
		})
	}

	return errs
}

func validateRanking(r *RankingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, ok := field.ParsePolicy(r.Policy); !ok {
		errs = append(errs, ValidationError{
			Field:   "ranking.policy",
			Message: fmt.Sprintf("invalid policy: %s (valid: onion_skin, signed)", r.Policy),
		})
	}

	if r.RayMarch {
		if r.RayMaxLength <= 0 {
			errs = append(errs, ValidationError{
				Field:   "ranking.ray_max_length",
				Message: "ray length must be positive when ray marching",
			})
		}
		if r.RayMarchSteps < 1 {
			errs = append(errs, ValidationError{
				Field:   "ranking.ray_march_steps",
				Message: "at least one march step is required",
			})
		}
		if r.RayMinStep <= 0 {
			errs = append(errs, ValidationError{
				Field:   "ranking.ray_min_step",
				Message: "minimum step must be positive",
			})
		}
	}

	return errs
}

func validateDatamap(d *DatamapConfig) ValidationErrors {
	var errs ValidationErrors

	if d.MaxBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "datamap.max_bytes",
			Message: "max bytes cannot be negative (0 means unlimited)",
		})
	}
	if d.MaxDepth < 0 {
		errs = append(errs, ValidationError{
			Field:   "datamap.max_depth",
			Message: "max depth cannot be negative (0 means unlimited)",
		})
	}

	for kind, path := range d.Schemas {
		if _, ok := input.ParseKind(kind); !ok {
			errs = append(errs, ValidationError{
				Field:   "datamap.schemas." + kind,
				Message: "unknown method kind (valid: pointer, hand, tip)",
			})
			continue
		}
		if path == "" {
			errs = append(errs, *RequiredFieldError("datamap.schemas." + kind))
		}
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if j.Enabled && j.Path == "" {
		errs = append(errs, *RequiredFieldError("journal.path"))
	}
	if j.KeepFrames < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.keep_frames",
			Message: "keep frames cannot be negative (0 keeps everything)",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if m.Enabled {
		if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics.listen_addr",
				Message: fmt.Sprintf("invalid address %q: %v", m.ListenAddr, err),
			})
		}
	}
	if m.StaleAfterMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "metrics.stale_after_ms",
			Message: "stale threshold cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
		if l.MaxSizeMB < 1 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_size_mb",
				Message: "max size must be at least 1 MB",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(name string) *ValidationError {
	return &ValidationError{
		Field:   name,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(name string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   name,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
