package config

import (
	"fmt"
	"net"
	"strings"

	"possum/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether a field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig validates every section and returns ValidationErrors, or nil.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateDetectors(&c.Detectors)...)
	errs = append(errs, validateLocation(&c.Location)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateMessaging(&c.Messaging, c.Metrics.Enabled)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDetectors(d *DetectorsConfig) ValidationErrors {
	var errs ValidationErrors

	if d.ScanTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "detectors.scan_timeout_sec",
			Message: "must be at least 1 second",
		})
	}
	if d.StoreIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "detectors.store_interval_sec",
			Message: "must be at least 1 second",
		})
	}
	for i, name := range d.Unwanted {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("detectors.unwanted[%d]", i),
				Message: "name cannot be empty",
			})
		}
	}
	return errs
}

func validateLocation(l *LocationConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Permission {
	case "auto", "granted", "denied":
	default:
		errs = append(errs, ValidationError{
			Field:   "location.permission",
			Message: fmt.Sprintf("invalid permission %q (must be auto, granted, or denied)", l.Permission),
		})
	}

	if l.GPS.Enabled && !l.Demo {
		if l.GPS.Device == "" {
			errs = append(errs, ValidationError{
				Field:   "location.gps.device",
				Message: "device is required when gps is enabled",
			})
		}
		if l.GPS.BaudRate <= 0 {
			errs = append(errs, ValidationError{
				Field:   "location.gps.baud_rate",
				Message: "baud rate must be positive",
			})
		}
	}

	if l.Network.Enabled && !l.Demo && l.Network.DesktopID == "" {
		errs = append(errs, ValidationError{
			Field:   "location.network.desktop_id",
			Message: "desktop id is required when network location is enabled",
		})
	}

	if l.ScanIntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "location.scan_interval_sec",
			Message: "must not be negative",
		})
	}

	if l.FixTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "location.fix_timeout_sec",
			Message: "must be at least 1 second",
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "path is required for sqlite storage",
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type %q (must be sqlite or memory)", s.Type),
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "cannot be negative",
		})
	}
	return errs
}

func validateMessaging(m *MessagingConfig, metrics bool) ValidationErrors {
	var errs ValidationErrors

	if !m.Enabled && !metrics {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "messaging.listen_addr",
			Message: fmt.Sprintf("invalid address: %v", err),
		})
	}
	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "messaging.path",
			Message: "path must start with /",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level %q", l.Level),
		})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format %q", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required for file output",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output %q", l.Output),
		})
	}
	return errs
}
