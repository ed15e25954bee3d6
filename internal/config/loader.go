package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(old, new *Config)
	override func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
	debounce time.Duration
	done     chan struct{}
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		errChan:  make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
		debounce: 100 * time.Millisecond,
	}
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// WithOverrides registers fn to run on every load and reload after the
// environment overrides and before validation. It must be set before Load.
func (l *Loader) WithOverrides(fn func(*Config)) *Loader {
	l.mu.Lock()
	l.override = fn
	l.mu.Unlock()
	return l
}

// Load reads, migrates, and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read(true)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// read loads the file and migrates it. With persist set, a migrated file
// is backed up and rewritten before any overrides are applied, so neither
// environment nor caller overrides end up on disk.
func (l *Loader) read(persist bool) (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}

	if cfg.Version < Version {
		backupPath := ""
		if persist {
			backupPath = l.path
		}
		result, err := MigrateConfig(cfg, backupPath)
		if err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		if result != nil && persist {
			if err := SaveConfig(cfg, l.path); err != nil {
				return nil, fmt.Errorf("save migrated config: %w", err)
			}
			_ = SaveMigrationHistory(result)
		}
	}

	cfg.ApplyEnvOverrides()

	l.mu.RLock()
	override := l.override
	l.mu.RUnlock()
	if override != nil {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file for changes.
// When changes are detected, the configuration is reloaded and
// registered callbacks are invoked. A file that fails to load or
// validate is reported on Errors and the previous configuration stays.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.watchLoop(watcher)

	return nil
}

// watchLoop handles file system events.
func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
	defer close(l.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// reload attempts to reload the configuration.
func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}

	newCfg, err := l.read(false)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	oldCfg := l.config
	l.config = newCfg
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// OnChange registers a callback to be invoked after a successful reload.
// The callback receives both old and new configurations.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()

	l.mu.Lock()
	watcher, done := l.watcher, l.done
	l.watcher = nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}

// RestartRequired lists the sections that changed between old and new but
// are only read at startup. The log level and poll interval apply live.
func RestartRequired(old, new *Config) []string {
	if old == nil || new == nil {
		return nil
	}
	a, b := old.Clone(), new.Clone()

	var sections []string
	if a.Telegram.PollIntervalMs = b.Telegram.PollIntervalMs; a.Telegram != b.Telegram {
		sections = append(sections, "telegram")
	}
	if a.Dictionary != b.Dictionary {
		sections = append(sections, "dictionary")
	}
	if a.Layout != b.Layout {
		sections = append(sections, "layout")
	}
	if a.Storage != b.Storage {
		sections = append(sections, "storage")
	}
	if a.Logging.Level = b.Logging.Level; a.Logging != b.Logging {
		sections = append(sections, "logging")
	}
	if a.Metrics != b.Metrics {
		sections = append(sections, "metrics")
	}
	if a.Daemon != b.Daemon {
		sections = append(sections, "daemon")
	}
	return sections
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	switch filepath.Ext(path) {
	case ".toml":
		if err := decodeTOML(data, cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := decodeJSON(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
// Each attempt decodes into a fresh default so a failed one leaves no residue.
func autoDetectAndParse(data []byte, cfg *Config) error {
	for _, decode := range []func([]byte, *Config) error{decodeTOML, decodeJSON, decodeYAML} {
		candidate := DefaultConfig()
		if err := decode(data, candidate); err == nil {
			cfg.assign(candidate)
			return nil
		}
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

func (c *Config) assign(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Version = src.Version
	c.Telegram = src.Telegram
	c.Dictionary = src.Dictionary
	c.Layout = src.Layout
	c.Storage = src.Storage
	c.Logging = src.Logging
	c.Metrics = src.Metrics
	c.Daemon = src.Daemon
}

// LoadOrCreate loads the configuration from the specified path,
// creating a default configuration file if it doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}

	return cfg, false, nil
}
