// Package config handles configuration loading, validation, and management for layoutfixd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"layoutfixd/internal/detector"
	"layoutfixd/internal/layout"
	"layoutfixd/internal/telegram"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Telegram Bot API connection and polling.
	Telegram TelegramConfig `toml:"telegram" json:"telegram" yaml:"telegram"`

	// Dictionary of target-language words.
	Dictionary DictionaryConfig `toml:"dictionary" json:"dictionary" yaml:"dictionary"`

	// Layout pair and detection settings.
	Layout LayoutConfig `toml:"layout" json:"layout" yaml:"layout"`

	// Storage for the cursor and the reply ledger.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics and health endpoints.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Daemon process settings.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`

	mu sync.RWMutex
}

// TelegramConfig configures the update feed and reply sink.
type TelegramConfig struct {
	// APIBaseURL is the Bot API endpoint without the /bot<token> suffix.
	APIBaseURL string `toml:"api_base_url" json:"api_base_url" yaml:"api_base_url"`

	// TokenFile holds the bot token. The file must be readable by the owner only.
	TokenFile string `toml:"token_file" json:"token_file" yaml:"token_file"`

	// PollIntervalMs is the pause between ticks.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// PollIntervalSec is the version 1 spelling of the interval.
	//
	// Deprecated: migrated into PollIntervalMs.
	PollIntervalSec int `toml:"poll_interval_sec,omitzero" json:"poll_interval_sec,omitempty" yaml:"poll_interval_sec,omitempty"`

	// LongPollTimeoutSec is passed as getUpdates timeout. Zero means short polling.
	LongPollTimeoutSec int `toml:"long_poll_timeout_sec" json:"long_poll_timeout_sec" yaml:"long_poll_timeout_sec"`

	// RequestTimeoutSec bounds a single HTTP request, on top of the long poll.
	RequestTimeoutSec int `toml:"request_timeout_sec" json:"request_timeout_sec" yaml:"request_timeout_sec"`

	// InitialOffset is the cursor used when nothing is stored.
	InitialOffset int64 `toml:"initial_offset" json:"initial_offset" yaml:"initial_offset"`

	// SendRate and SendBurst limit replies across all chats.
	SendRate  float64 `toml:"send_rate" json:"send_rate" yaml:"send_rate"`
	SendBurst int     `toml:"send_burst" json:"send_burst" yaml:"send_burst"`

	// ChatRate and ChatBurst limit replies per chat.
	ChatRate  float64 `toml:"chat_rate" json:"chat_rate" yaml:"chat_rate"`
	ChatBurst int     `toml:"chat_burst" json:"chat_burst" yaml:"chat_burst"`
}

// DictionaryConfig locates the vocabulary.
type DictionaryConfig struct {
	// WordsFile is a newline-separated word list.
	WordsFile string `toml:"words_file" json:"words_file" yaml:"words_file"`
}

// LayoutConfig describes the keyboard pair and the detection rule.
type LayoutConfig struct {
	// SourceAlphabet and TargetAlphabet are equal-length ordered alphabets.
	SourceAlphabet string `toml:"source_alphabet" json:"source_alphabet" yaml:"source_alphabet"`
	TargetAlphabet string `toml:"target_alphabet" json:"target_alphabet" yaml:"target_alphabet"`

	// NativeAlphabet exempts any text containing one of its runes.
	NativeAlphabet string `toml:"native_alphabet" json:"native_alphabet" yaml:"native_alphabet"`

	// Punctuation is stripped from remapped tokens before lookup.
	Punctuation string `toml:"punctuation" json:"punctuation" yaml:"punctuation"`

	// Threshold is the ratio a text must strictly exceed to get a reply.
	Threshold float64 `toml:"threshold" json:"threshold" yaml:"threshold"`
}

// StorageConfig selects the cursor store.
type StorageConfig struct {
	// Type is "memory" or "sqlite".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum size of a log file before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the age of rotated files before deletion.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig configures the HTTP listener for /metrics and health probes.
type MetricsConfig struct {
	// ListenAddr is host:port. Empty disables the listener.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	// LockFile guards against two daemons polling the same bot.
	LockFile string `toml:"lock_file" json:"lock_file" yaml:"lock_file"`

	// CrashDir receives panic reports. Empty disables crash dumps.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Telegram: TelegramConfig{
			APIBaseURL:         telegram.DefaultBaseURL,
			TokenFile:          filepath.Join(PlatformConfigDir(), "token"),
			PollIntervalMs:     1000,
			LongPollTimeoutSec: 0,
			RequestTimeoutSec:  30,
			InitialOffset:      0,
			SendRate:           25,
			SendBurst:          30,
			ChatRate:           1,
			ChatBurst:          3,
		},
		Dictionary: DictionaryConfig{
			WordsFile: filepath.Join(dir, "words.txt"),
		},
		Layout: LayoutConfig{
			SourceAlphabet: layout.QWERTYAlphabet,
			TargetAlphabet: layout.JCUKENAlphabet,
			NativeAlphabet: detector.DefaultNativeAlphabet,
			Punctuation:    detector.DefaultPunctuation,
			Threshold:      detector.DefaultThreshold,
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "layoutfixd.db"),
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "layoutfixd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			ListenAddr: "",
		},
		Daemon: DaemonConfig{
			LockFile: filepath.Join(dir, "layoutfixd.lock"),
			CrashDir: filepath.Join(dir, "crashes"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
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

	// Apply environment variable overrides
	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the parent directories of every configured
// path that the daemon writes to.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var dirs []string
	if c.Storage.Type == "sqlite" && c.Storage.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Daemon.LockFile != "" {
		dirs = append(dirs, filepath.Dir(c.Daemon.LockFile))
	}
	if c.Daemon.CrashDir != "" {
		dirs = append(dirs, c.Daemon.CrashDir)
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the data directory.
// Uses platform-specific paths or the LAYOUTFIXD_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("LAYOUTFIXD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with LAYOUTFIXD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Telegram overrides
	if v := os.Getenv("LAYOUTFIXD_API_BASE_URL"); v != "" {
		c.Telegram.APIBaseURL = v
	}
	if v := os.Getenv("LAYOUTFIXD_TOKEN_FILE"); v != "" {
		c.Telegram.TokenFile = v
	}
	if v := os.Getenv("LAYOUTFIXD_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Telegram.PollIntervalMs = int(d / time.Millisecond)
		}
	}

	// Dictionary overrides
	if v := os.Getenv("LAYOUTFIXD_WORDS_FILE"); v != "" {
		c.Dictionary.WordsFile = v
	}

	// Storage overrides
	if v := os.Getenv("LAYOUTFIXD_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("LAYOUTFIXD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Logging overrides
	if v := os.Getenv("LAYOUTFIXD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LAYOUTFIXD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LAYOUTFIXD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Metrics overrides
	if v := os.Getenv("LAYOUTFIXD_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:    c.Version,
		Telegram:   c.Telegram,
		Dictionary: c.Dictionary,
		Layout:     c.Layout,
		Storage:    c.Storage,
		Logging:    c.Logging,
		Metrics:    c.Metrics,
		Daemon:     c.Daemon,
	}
}

// PollInterval returns the pause between ticks.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Telegram.PollIntervalMs) * time.Millisecond
}

// LongPoll returns the getUpdates server-side wait.
func (c *Config) LongPoll() time.Duration {
	return time.Duration(c.Telegram.LongPollTimeoutSec) * time.Second
}

// RequestTimeout returns the HTTP client timeout. It always exceeds the
// long poll so a held request is not cut short.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Telegram.RequestTimeoutSec)*time.Second + c.LongPoll()
}

// BusyTimeout returns the SQLite busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond
}

func decodeJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

func decodeYAML(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}
