package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.PollInterval() != time.Second {
		t.Errorf("expected 1s poll interval, got %v", cfg.PollInterval())
	}
	if cfg.LongPoll() != 0 {
		t.Errorf("expected short polling by default, got %v", cfg.LongPoll())
	}
	if cfg.Layout.Threshold != 0.4 {
		t.Errorf("expected threshold 0.4, got %g", cfg.Layout.Threshold)
	}
	if cfg.Telegram.InitialOffset != 0 {
		t.Errorf("expected initial offset 0, got %d", cfg.Telegram.InitialOffset)
	}
	if cfg.Layout.NativeAlphabet == cfg.Layout.Punctuation {
		t.Error("native alphabet and punctuation must be separate sets")
	}

	if issues := Check(cfg); len(issues) != 0 {
		t.Errorf("default config should have no issues, got %v", issues)
	}
}

func TestDataDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LAYOUTFIXD_DATA_DIR", dir)

	if DataDir() != dir {
		t.Errorf("expected %s, got %s", dir, DataDir())
	}
	cfg := DefaultConfig()
	if !strings.HasPrefix(cfg.Storage.Path, dir) {
		t.Errorf("storage path should live under the data dir: %s", cfg.Storage.Path)
	}
	if !strings.HasPrefix(cfg.Daemon.LockFile, dir) {
		t.Errorf("lock file should live under the data dir: %s", cfg.Daemon.LockFile)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "layoutfixd") {
		t.Errorf("config path should contain layoutfixd: %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollInterval() != time.Second {
		t.Errorf("expected defaults, got interval %v", cfg.PollInterval())
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
version = 2

[telegram]
token_file = "/etc/layoutfixd/token"
poll_interval_ms = 250
long_poll_timeout_sec = 25
initial_offset = 100

[dictionary]
words_file = "/usr/share/dict/russian"

[layout]
threshold = 0.5

[storage]
type = "memory"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Telegram.TokenFile != "/etc/layoutfixd/token" {
		t.Errorf("unexpected token file %s", cfg.Telegram.TokenFile)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.PollInterval())
	}
	if cfg.LongPoll() != 25*time.Second {
		t.Errorf("expected 25s long poll, got %v", cfg.LongPoll())
	}
	if cfg.RequestTimeout() != 55*time.Second {
		t.Errorf("request timeout should cover the long poll, got %v", cfg.RequestTimeout())
	}
	if cfg.Telegram.InitialOffset != 100 {
		t.Errorf("expected offset 100, got %d", cfg.Telegram.InitialOffset)
	}
	if cfg.Dictionary.WordsFile != "/usr/share/dict/russian" {
		t.Errorf("unexpected words file %s", cfg.Dictionary.WordsFile)
	}
	if cfg.Layout.Threshold != 0.5 {
		t.Errorf("expected threshold 0.5, got %g", cfg.Layout.Threshold)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected memory storage, got %s", cfg.Storage.Type)
	}

	// Unset keys keep their defaults.
	def := DefaultConfig()
	if cfg.Layout.SourceAlphabet != def.Layout.SourceAlphabet {
		t.Error("source alphabet should keep its default")
	}
	if cfg.Telegram.APIBaseURL != def.Telegram.APIBaseURL {
		t.Errorf("api base url should keep its default, got %s", cfg.Telegram.APIBaseURL)
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, "telegram:\n  poll_interval_ms: 500\nlogging:\n  level: debug\n")
	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML: %v", err)
	}
	if cfg.Telegram.PollIntervalMs != 500 || cfg.Logging.Level != "debug" {
		t.Errorf("YAML values not applied: %+v %+v", cfg.Telegram, cfg.Logging)
	}

	jsonPath := filepath.Join(dir, "config.json")
	writeFile(t, jsonPath, `{"layout": {"threshold": 0.25}, "metrics": {"listen_addr": "127.0.0.1:9108"}}`)
	cfg, err = Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON: %v", err)
	}
	if cfg.Layout.Threshold != 0.25 || cfg.Metrics.ListenAddr != "127.0.0.1:9108" {
		t.Errorf("JSON values not applied: %+v %+v", cfg.Layout, cfg.Metrics)
	}
}

func TestLoadAutoDetect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layoutfixd.conf")
	writeFile(t, path, `{"telegram": {"initial_offset": 7}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.InitialOffset != 7 {
		t.Errorf("expected offset 7, got %d", cfg.Telegram.InitialOffset)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[telegram\npoll_interval_ms = ")

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("LAYOUTFIXD_LOG_LEVEL", "warn")
	t.Setenv("LAYOUTFIXD_POLL_INTERVAL", "2s")
	t.Setenv("LAYOUTFIXD_STORAGE_TYPE", "memory")
	t.Setenv("LAYOUTFIXD_WORDS_FILE", "/tmp/words")
	t.Setenv("LAYOUTFIXD_METRICS_ADDR", ":9108")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Logging.Level)
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Errorf("expected 2s, got %v", cfg.PollInterval())
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected memory, got %s", cfg.Storage.Type)
	}
	if cfg.Dictionary.WordsFile != "/tmp/words" {
		t.Errorf("unexpected words file %s", cfg.Dictionary.WordsFile)
	}
	if cfg.Metrics.ListenAddr != ":9108" {
		t.Errorf("unexpected listen addr %s", cfg.Metrics.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 99 }, "version"},
		{"threshold above one", func(c *Config) { c.Layout.Threshold = 1 }, "layout.threshold"},
		{"negative threshold", func(c *Config) { c.Layout.Threshold = -0.1 }, "layout.threshold"},
		{"alphabet mismatch", func(c *Config) { c.Layout.TargetAlphabet = "abc" }, "layout.source_alphabet"},
		{"storage type", func(c *Config) { c.Storage.Type = "redis" }, "storage.type"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"file output without path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"base url", func(c *Config) { c.Telegram.APIBaseURL = "ftp://example" }, "telegram.api_base_url"},
		{"long poll", func(c *Config) { c.Telegram.LongPollTimeoutSec = 120 }, "telegram.long_poll_timeout_sec"},
		{"negative offset", func(c *Config) { c.Telegram.InitialOffset = -1 }, "telegram.initial_offset"},
		{"listen addr", func(c *Config) { c.Metrics.ListenAddr = "9108" }, "metrics.listen_addr"},
		{"words file", func(c *Config) { c.Dictionary.WordsFile = "" }, "dictionary.words_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, v := range verrs {
				if v.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected an error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestValidateWarningsDoNotFail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "memory"
	cfg.Telegram.APIBaseURL = "http://localhost:8081"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("warnings should not fail validation: %v", err)
	}
	warnings := Check(cfg).Warnings()
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %v", warnings)
	}
	if Check(cfg).HasErrors() {
		t.Error("no errors expected")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config"+ext)

			cfg := DefaultConfig()
			cfg.Telegram.PollIntervalMs = 1500
			cfg.Telegram.InitialOffset = 42
			cfg.Layout.Threshold = 0.6
			cfg.Metrics.ListenAddr = "127.0.0.1:9108"

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Telegram != cfg.Telegram {
				t.Errorf("telegram mismatch:\n got %+v\nwant %+v", loaded.Telegram, cfg.Telegram)
			}
			if loaded.Layout != cfg.Layout {
				t.Errorf("layout mismatch:\n got %+v\nwant %+v", loaded.Layout, cfg.Layout)
			}
			if loaded.Metrics != cfg.Metrics || loaded.Storage != cfg.Storage {
				t.Error("metrics or storage mismatch")
			}
		})
	}
}

func TestEncodeOmitsDeprecatedField(t *testing.T) {
	for _, ext := range []string{".toml", ".yaml", ".json"} {
		data, err := Encode(DefaultConfig(), ext)
		if err != nil {
			t.Fatalf("Encode(%s): %v", ext, err)
		}
		text := string(data)
		if strings.Contains(text, "poll_interval_sec") {
			t.Errorf("%s: deprecated poll_interval_sec should be omitted:\n%s", ext, text)
		}
		if !strings.Contains(text, "poll_interval_ms") {
			t.Errorf("%s: poll_interval_ms missing:\n%s", ext, text)
		}
	}

	data, err := Encode(DefaultConfig(), ".toml")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), "[telegram]") {
		t.Errorf("unexpected TOML output:\n%s", data)
	}
}

func TestMigrateV1(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LAYOUTFIXD_DATA_DIR", dir)

	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "version = 1\n\n[telegram]\npoll_interval_sec = 3\n")

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.PollInterval() != 3*time.Second {
		t.Errorf("expected 3s after migration, got %v", cfg.PollInterval())
	}
	if cfg.Telegram.PollIntervalSec != 0 {
		t.Error("deprecated field should be cleared")
	}

	backups, _ := filepath.Glob(path + ".backup-*")
	if len(backups) != 1 {
		t.Errorf("expected one backup, got %v", backups)
	}

	// The rewritten file loads as the current version without migrating again.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Version != Version || again.Telegram.PollIntervalMs != 3000 {
		t.Errorf("migrated file not persisted: %+v", again.Telegram)
	}

	history, err := GetMigrationHistory()
	if err != nil {
		t.Fatalf("GetMigrationHistory: %v", err)
	}
	if len(history) != 1 || history[0].FromVersion != 1 || history[0].ToVersion != Version {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestLoadOrCreate(t *testing.T) {
	t.Setenv("LAYOUTFIXD_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("expected the file to be created")
	}
	if cfg.PollInterval() != time.Second {
		t.Errorf("expected defaults, got %v", cfg.PollInterval())
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if created {
		t.Error("file should already exist")
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Telegram.PollIntervalMs = 5
	clone.Layout.Threshold = 0.9

	if cfg.Telegram.PollIntervalMs == 5 || cfg.Layout.Threshold == 0.9 {
		t.Error("modifying the clone changed the original")
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(tmpDir, "a", "b", "layoutfixd.db")
	cfg.Daemon.LockFile = filepath.Join(tmpDir, "run", "layoutfixd.lock")
	cfg.Daemon.CrashDir = filepath.Join(tmpDir, "crashes")
	cfg.Logging.Output = "both"
	cfg.Logging.FilePath = filepath.Join(tmpDir, "logs", "layoutfixd.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	for _, dir := range []string{"a/b", "run", "crashes", "logs"} {
		if _, err := os.Stat(filepath.Join(tmpDir, dir)); err != nil {
			t.Errorf("%s was not created: %v", dir, err)
		}
	}
}

func TestRestartRequired(t *testing.T) {
	old := DefaultConfig()

	live := old.Clone()
	live.Logging.Level = "debug"
	live.Telegram.PollIntervalMs = 200
	if got := RestartRequired(old, live); len(got) != 0 {
		t.Errorf("level and interval apply live, got %v", got)
	}

	cold := old.Clone()
	cold.Layout.Threshold = 0.7
	cold.Telegram.LongPollTimeoutSec = 30
	got := RestartRequired(old, cold)
	if len(got) != 2 || got[0] != "telegram" || got[1] != "layout" {
		t.Errorf("expected [telegram layout], got %v", got)
	}

	if RestartRequired(nil, cold) != nil {
		t.Error("nil old config should report nothing")
	}
}

func TestLoaderWatch(t *testing.T) {
	t.Setenv("LAYOUTFIXD_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[logging]\nlevel = \"info\"\n")

	loader := NewLoader(path)
	defer loader.Close()

	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	changes := make(chan [2]string, 4)
	loader.OnChange(func(old, new *Config) {
		changes <- [2]string{old.Logging.Level, new.Logging.Level}
	})

	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, path, "[logging]\nlevel = \"debug\"\n")

	select {
	case c := <-changes:
		if c[0] != "info" || c[1] != "debug" {
			t.Errorf("unexpected change %v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}

	if loader.Config().Logging.Level != "debug" {
		t.Errorf("loader should hold the new config, got %s", loader.Config().Logging.Level)
	}

	// An invalid file is reported and the last good config stays.
	writeFile(t, path, "[logging]\nlevel = \"loud\"\n")
	select {
	case err := <-loader.Errors():
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error after invalid write")
	}
	if loader.Config().Logging.Level != "debug" {
		t.Error("invalid reload should keep the previous config")
	}

	if err := loader.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestLoaderOverridesRunBeforeValidation(t *testing.T) {
	t.Setenv("LAYOUTFIXD_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	const blank = "[telegram]\ntoken_file = \"\"\n\n[dictionary]\nwords_file = \"\"\n\n[logging]\nlevel = \"%s\"\n"
	writeFile(t, path, strings.Replace(blank, "%s", "info", 1))

	plain := NewLoader(path)
	defer plain.Close()
	if _, err := plain.Load(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load without overrides: expected ErrInvalidConfig, got %v", err)
	}

	loader := NewLoader(path).WithOverrides(func(c *Config) {
		c.Telegram.TokenFile = "/run/secrets/token"
		c.Dictionary.WordsFile = "/usr/share/words.txt"
	})
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load with overrides: %v", err)
	}
	if cfg.Telegram.TokenFile != "/run/secrets/token" || cfg.Dictionary.WordsFile != "/usr/share/words.txt" {
		t.Errorf("overrides not applied: token=%q words=%q", cfg.Telegram.TokenFile, cfg.Dictionary.WordsFile)
	}

	reloaded := make(chan *Config, 4)
	loader.OnChange(func(old, new *Config) { reloaded <- new })
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, path, strings.Replace(blank, "%s", "debug", 1))

	select {
	case c := <-reloaded:
		if c.Logging.Level != "debug" {
			t.Errorf("reloaded level = %q, want debug", c.Logging.Level)
		}
		if c.Telegram.TokenFile != "/run/secrets/token" {
			t.Errorf("reload dropped the override: token=%q", c.Telegram.TokenFile)
		}
	case err := <-loader.Errors():
		t.Fatalf("reload rejected: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}
