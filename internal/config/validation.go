package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"

	"layoutfixd/internal/layout"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

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

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
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

// ValidateConfig performs comprehensive validation of the configuration.
// Warnings alone do not make it fail; callers that want to surface them can
// call Check.
func ValidateConfig(c *Config) error {
	errs := Check(c).Errors()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every validation issue, warnings included.
func Check(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateTelegram(&c.Telegram)...)
	errs = append(errs, validateDictionary(&c.Dictionary)...)
	errs = append(errs, validateLayout(&c.Layout)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	return errs
}

func validateTelegram(t *TelegramConfig) ValidationErrors {
	var errs ValidationErrors

	if !isValidURL(t.APIBaseURL) {
		errs = append(errs, ValidationError{
			Field:   "telegram.api_base_url",
			Message: fmt.Sprintf("invalid URL: %q", t.APIBaseURL),
		})
	} else if strings.HasPrefix(t.APIBaseURL, "http://") {
		errs = append(errs, ValidationError{
			Field:   "telegram.api_base_url",
			Message: "plain HTTP sends the bot token unencrypted",
			Warning: true,
		})
	}

	if t.TokenFile == "" {
		errs = append(errs, *RequiredFieldError("telegram.token_file"))
	}

	if t.PollIntervalMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "telegram.poll_interval_ms",
			Message: "poll interval cannot be negative",
		})
	} else if t.PollIntervalMs == 0 && t.LongPollTimeoutSec == 0 {
		errs = append(errs, ValidationError{
			Field:   "telegram.poll_interval_ms",
			Message: "zero interval without long polling busy-loops the API",
			Warning: true,
		})
	}

	if t.LongPollTimeoutSec < 0 || t.LongPollTimeoutSec > 50 {
		errs = append(errs, *RangeError("telegram.long_poll_timeout_sec", 0, 50))
	}

	if t.RequestTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "telegram.request_timeout_sec",
			Message: "request timeout must be at least 1 second",
		})
	}

	if t.InitialOffset < 0 {
		errs = append(errs, ValidationError{
			Field:   "telegram.initial_offset",
			Message: "initial offset cannot be negative",
		})
	}

	if t.SendRate <= 0 {
		errs = append(errs, ValidationError{
			Field:   "telegram.send_rate",
			Message: "send rate must be positive",
		})
	}
	if t.ChatRate <= 0 {
		errs = append(errs, ValidationError{
			Field:   "telegram.chat_rate",
			Message: "chat rate must be positive",
		})
	}
	if t.SendBurst < 1 {
		errs = append(errs, *RangeError("telegram.send_burst", 1, "unbounded"))
	}
	if t.ChatBurst < 1 {
		errs = append(errs, *RangeError("telegram.chat_burst", 1, "unbounded"))
	}

	return errs
}

func validateDictionary(d *DictionaryConfig) ValidationErrors {
	if d.WordsFile == "" {
		return ValidationErrors{*RequiredFieldError("dictionary.words_file")}
	}
	return nil
}

func validateLayout(l *LayoutConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := layout.New(l.SourceAlphabet, l.TargetAlphabet); err != nil {
		errs = append(errs, ValidationError{
			Field:   "layout.source_alphabet",
			Message: err.Error(),
		})
	}

	if l.NativeAlphabet == "" {
		errs = append(errs, ValidationError{
			Field:   "layout.native_alphabet",
			Message: "empty native alphabet disables the exemption check",
			Warning: true,
		})
	} else if !utf8.ValidString(l.NativeAlphabet) {
		errs = append(errs, ValidationError{
			Field:   "layout.native_alphabet",
			Message: "must be valid UTF-8",
		})
	}

	if !utf8.ValidString(l.Punctuation) {
		errs = append(errs, ValidationError{
			Field:   "layout.punctuation",
			Message: "must be valid UTF-8",
		})
	}

	if l.Threshold < 0 || l.Threshold >= 1 {
		errs = append(errs, ValidationError{
			Field:   "layout.threshold",
			Message: fmt.Sprintf("threshold %g must be in [0, 1)", l.Threshold),
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "memory":
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: "memory storage forgets the cursor and reply ledger on restart",
			Warning: true,
		})
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, *RequiredFieldError("storage.path"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: memory, sqlite)", s.Type),
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
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
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size cannot be negative",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.ListenAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid address %q: %v", m.ListenAddr, err),
		}}
	}
	return nil
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
