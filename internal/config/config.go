// Package config handles configuration loading, validation, and management for possum.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"possum/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POSSUM_"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Session identifies the authorized session the detectors collect for.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Detectors controls which detectors run and their timing.
	Detectors DetectorsConfig `toml:"detectors" json:"detectors" yaml:"detectors"`

	// Location configures the location providers of the host.
	Location LocationConfig `toml:"location" json:"location" yaml:"location"`

	// Storage configures where flushed session values go.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Messaging configures the host-application websocket.
	Messaging MessagingConfig `toml:"messaging" json:"messaging" yaml:"messaging"`

	// Metrics configures the metrics and health endpoints.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// SessionConfig holds session identity.
type SessionConfig struct {
	// ID is the session identifier. Generated at startup when empty.
	ID string `toml:"id" json:"id" yaml:"id"`

	// SecretKeyHash keys the per-detector storage MACs.
	// Prefer POSSUM_SECRET_KEY_HASH over writing it to disk.
	SecretKeyHash string `toml:"secret_key_hash" json:"secret_key_hash" yaml:"secret_key_hash"`
}

// DetectorsConfig holds detector selection and timing.
type DetectorsConfig struct {
	// Unwanted lists detector names that must not be created, e.g. "Position".
	Unwanted []string `toml:"unwanted" json:"unwanted" yaml:"unwanted"`

	// ScanTimeoutSec bounds a single-shot position scan.
	ScanTimeoutSec int `toml:"scan_timeout_sec" json:"scan_timeout_sec" yaml:"scan_timeout_sec"`

	// StoreIntervalSec is the flush interval of detectors that store on an interval.
	StoreIntervalSec int `toml:"store_interval_sec" json:"store_interval_sec" yaml:"store_interval_sec"`

	// LearnOnStart starts every detector once the daemon is up.
	LearnOnStart bool `toml:"learn_on_start" json:"learn_on_start" yaml:"learn_on_start"`
}

// LocationConfig holds location provider configuration.
type LocationConfig struct {
	GPS     GPSConfig     `toml:"gps" json:"gps" yaml:"gps"`
	Network NetworkConfig `toml:"network" json:"network" yaml:"network"`

	// Demo replaces both providers with simulated sources.
	Demo bool `toml:"demo" json:"demo" yaml:"demo"`

	// ModeFile holds the consolidated location mode
	// (high_accuracy, off, sensors_only, battery_saving). Empty disables
	// the consolidated setting; providers are then probed individually.
	ModeFile string `toml:"mode_file" json:"mode_file" yaml:"mode_file"`

	// Permission forces the fine-location permission: "auto", "granted" or "denied".
	// "auto" grants it when the GPS device is readable.
	Permission string `toml:"permission" json:"permission" yaml:"permission"`

	// FixTimeoutSec bounds one fix acquisition of a provider.
	FixTimeoutSec int `toml:"fix_timeout_sec" json:"fix_timeout_sec" yaml:"fix_timeout_sec"`

	// ScanIntervalSec is how often a position scan is requested while
	// learning. Zero leaves only the scan made when learning starts.
	ScanIntervalSec int `toml:"scan_interval_sec" json:"scan_interval_sec" yaml:"scan_interval_sec"`
}

// GPSConfig holds the NMEA serial receiver configuration.
type GPSConfig struct {
	Enabled  bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Device   string `toml:"device" json:"device" yaml:"device"`
	BaudRate int    `toml:"baud_rate" json:"baud_rate" yaml:"baud_rate"`
}

// NetworkConfig holds the GeoClue network provider configuration.
type NetworkConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// DesktopID is the application id GeoClue authorizes.
	DesktopID string `toml:"desktop_id" json:"desktop_id" yaml:"desktop_id"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// MessagingConfig holds the websocket server configuration.
type MessagingConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
	Path       string `toml:"path" json:"path" yaml:"path"`

	// AllowedOrigins restricts browser origins; empty allows same-origin only.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
}

// MetricsConfig holds the metrics and health endpoint configuration.
// Both are served on Messaging.ListenAddr.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Detectors: DetectorsConfig{
			Unwanted:         []string{},
			ScanTimeoutSec:   60,
			StoreIntervalSec: 60,
		},
		Location: LocationConfig{
			GPS: GPSConfig{
				Enabled:  true,
				Device:   "/dev/ttyUSB0",
				BaudRate: 9600,
			},
			Network: NetworkConfig{
				Enabled:   true,
				DesktopID: "possumd",
			},
			Permission:      "auto",
			FixTimeoutSec:   30,
			ScanIntervalSec: 300,
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "session.db"),
			BusyTimeoutMs: 5000,
		},
		Messaging: MessagingConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8765",
			Path:       "/ws",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "possumd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// DataDir returns the base possum directory: $POSSUM_DATA_DIR, or
// $XDG_DATA_HOME/possum, or ~/.local/share/possum.
func DataDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "possum")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".possum"
	}
	return filepath.Join(home, ".local", "share", "possum")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "possum", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "possum", "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given .env files into the
// process environment. Missing files are skipped and variables already
// set are not overridden.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Logging.FilePath)}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies POSSUM_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv(EnvPrefix + "SESSION_ID"); v != "" {
		c.Session.ID = v
	}
	if v := os.Getenv(EnvPrefix + "SECRET_KEY_HASH"); v != "" {
		c.Session.SecretKeyHash = v
	}
	if v := os.Getenv(EnvPrefix + "UNWANTED_DETECTORS"); v != "" {
		c.Detectors.Unwanted = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "GPS_DEVICE"); v != "" {
		c.Location.GPS.Device = v
	}
	if v := os.Getenv(EnvPrefix + "MODE_FILE"); v != "" {
		c.Location.ModeFile = v
	}
	if v := os.Getenv(EnvPrefix + "PERMISSION"); v != "" {
		c.Location.Permission = v
	}
	if v := os.Getenv(EnvPrefix + "DEMO"); v != "" {
		c.Location.Demo = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv(EnvPrefix + "STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		c.Messaging.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Session:   c.Session,
		Detectors: c.Detectors,
		Location:  c.Location,
		Storage:   c.Storage,
		Messaging: c.Messaging,
		Metrics:   c.Metrics,
		Logging:   c.Logging,
	}
	clone.Detectors.Unwanted = append([]string{}, c.Detectors.Unwanted...)
	clone.Messaging.AllowedOrigins = append([]string{}, c.Messaging.AllowedOrigins...)
	return clone
}

// ScanTimeout returns the single-shot scan timeout.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.Detectors.ScanTimeoutSec) * time.Second
}

// StoreInterval returns the interval flush period.
func (c *Config) StoreInterval() time.Duration {
	return time.Duration(c.Detectors.StoreIntervalSec) * time.Second
}

// FixTimeout returns the per-fix acquisition timeout.
func (c *Config) FixTimeout() time.Duration {
	return time.Duration(c.Location.FixTimeoutSec) * time.Second
}

// ScanInterval returns the period of position scans while learning.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Location.ScanIntervalSec) * time.Second
}

// IsUnwanted reports whether the named detector is excluded.
func (c *Config) IsUnwanted(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.Detectors.Unwanted {
		if strings.EqualFold(u, name) {
			return true
		}
	}
	return false
}

// LoggingConfig converts the logging section into a logging.Config.
func (c *Config) LoggingConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	return lc, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
