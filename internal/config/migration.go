package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"layoutfixd/internal/security"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Backup      string    `json:"backup,omitempty"`
	Changes     []string  `json:"changes,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	At          time.Time `json:"at"`
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It creates a backup of configPath before migration.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
		At:          time.Now().UTC(),
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 converts the whole-second poll interval to milliseconds.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	if cfg.Telegram.PollIntervalSec > 0 {
		cfg.Telegram.PollIntervalMs = cfg.Telegram.PollIntervalSec * 1000
		changes = append(changes, fmt.Sprintf("telegram.poll_interval_sec=%d moved to telegram.poll_interval_ms=%d",
			cfg.Telegram.PollIntervalSec, cfg.Telegram.PollIntervalMs))
		cfg.Telegram.PollIntervalSec = 0
	}
	if cfg.Telegram.PollIntervalMs == 0 {
		warnings = append(warnings, "telegram.poll_interval_ms is 0; the daemon polls without pause")
	}

	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// SaveConfig writes cfg to path, choosing the format from the extension.
// Unknown extensions are written as TOML.
func SaveConfig(cfg *Config, path string) error {
	data, err := Encode(cfg, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := security.WriteSecureFile(path, data, security.PermSecretFile); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Encode renders cfg as ".toml", ".json", ".yaml" or ".yml".
func Encode(cfg *Config, ext string) ([]byte, error) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	switch ext {
	case ".json":
		return json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# layoutfixd configuration\n# Version %d\n\n", cfg.Version)
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

func migrationHistoryPath() string {
	return filepath.Join(DataDir(), "migration_history.json")
}

// GetMigrationHistory returns the migration history if stored in the data directory.
func GetMigrationHistory() ([]MigrationResult, error) {
	data, err := os.ReadFile(migrationHistoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}

	return history, nil
}

// SaveMigrationHistory appends a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	history, err := GetMigrationHistory()
	if err != nil {
		history = nil
	}
	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	if err := security.WriteSecureFile(migrationHistoryPath(), data, security.PermSecretFile); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}

	return nil
}
