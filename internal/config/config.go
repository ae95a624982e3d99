package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the settings file.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the settings are invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// ErrSaveConfig indicates that the settings could not be persisted.
var ErrSaveConfig = errors.New("config save failed")

const (
	// MinBackupInterval is the shortest accepted recurring interval.
	MinBackupInterval = time.Minute

	// LastBackupLayout is the ISO local date-time layout of LastBackupTime.
	LastBackupLayout = "2006-01-02T15:04:05"

	envPrefix = "DRIVEBACKUP"
)

// Settings is the flat settings record persisted next to the host application.
type Settings struct {
	Authenticated  bool     `mapstructure:"authenticated"    json:"authenticated"`
	BackupInterval int64    `mapstructure:"backup_interval"  json:"backup_interval"  validate:"gte=60000"`
	WorldsToBackup []string `mapstructure:"worlds_to_backup" json:"worlds_to_backup" validate:"unique,dive,required,excludesall=/\\"`
	BackupMods     bool     `mapstructure:"backup_mods"      json:"backup_mods"`
	LastBackupTime string   `mapstructure:"last_backup_time" json:"last_backup_time"`

	GameDir         string  `mapstructure:"game_dir"         json:"game_dir"         validate:"required"`
	BackupsDir      string  `mapstructure:"backups_dir"      json:"backups_dir"`
	RemoteFolder    string  `mapstructure:"remote_folder"    json:"remote_folder"    validate:"required"`
	KeepCount       int     `mapstructure:"keep_count"       json:"keep_count"       validate:"gte=1"`
	TargetPauseMs   int64   `mapstructure:"target_pause_ms"  json:"target_pause_ms"  validate:"gte=0"`
	CredentialsFile string  `mapstructure:"credentials_file" json:"credentials_file"`
	TokenDir        string  `mapstructure:"token_dir"        json:"token_dir"`
	APIRateLimit    float64 `mapstructure:"api_rate_limit"   json:"api_rate_limit"   validate:"gte=0"`
	MetricsAddr     string  `mapstructure:"metrics_addr"     json:"metrics_addr"`
	LogLevel        string  `mapstructure:"log_level"        json:"log_level"        validate:"omitempty,oneof=debug info warn error"`

	Vault VaultSettings `mapstructure:"vault" json:"vault"`
}

// VaultSettings points at an optional Vault secret holding the OAuth client registration.
type VaultSettings struct {
	Address          string `mapstructure:"address"           json:"address"`
	RegistrationPath string `mapstructure:"registration_path" json:"registration_path" validate:"required_with=Address"`
}

// Defaults returns the settings written when no file exists yet.
func Defaults() Settings {
	return Settings{
		BackupInterval: int64(time.Hour / time.Millisecond),
		WorldsToBackup: []string{},
		BackupMods:     true,
		GameDir:        ".",
		RemoteFolder:   "MinecraftBackups",
		KeepCount:      1,
		TargetPauseMs:  1000,
		APIRateLimit:   10,
		LogLevel:       "info",
	}
}

// Interval returns BackupInterval as a duration.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.BackupInterval) * time.Millisecond
}

// TargetPause returns the pause inserted between two backup targets.
func (s Settings) TargetPause() time.Duration {
	return time.Duration(s.TargetPauseMs) * time.Millisecond
}

// BackupsPath returns the local directory holding archives.
func (s Settings) BackupsPath() string {
	if s.BackupsDir != "" {
		return s.BackupsDir
	}
	return filepath.Join(s.GameDir, "backups")
}

// LastBackup parses LastBackupTime; ok is false when no backup was recorded.
func (s Settings) LastBackup() (t time.Time, ok bool) {
	if s.LastBackupTime == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(LastBackupLayout, s.LastBackupTime, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s Settings) clone() Settings {
	c := s
	c.WorldsToBackup = append([]string{}, s.WorldsToBackup...)
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks s against its constraints.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrValidateConfig, err)
	}
	return nil
}

// read loads the settings file at path with Viper. Environment variables
// prefixed with DRIVEBACKUP_ override file values.
func read(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range toMap(Defaults()) {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("%w: read %s: %v", ErrLoadConfig, path, err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("%w: unmarshal %s: %v", ErrLoadConfig, path, err)
	}
	if s.WorldsToBackup == nil {
		s.WorldsToBackup = []string{}
	}
	return s, nil
}

// write persists s to path atomically: a sibling temp file is written and
// renamed over the target so readers never observe a half-written record.
func write(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrSaveConfig, filepath.Dir(path), err)
	}

	v := viper.New()
	for key, val := range toMap(s) {
		v.Set(key, val)
	}

	ext := filepath.Ext(path)
	tmp := strings.TrimSuffix(path, ext) + ".tmp" + ext
	v.SetConfigType("json")
	if err := v.WriteConfigAs(tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", ErrSaveConfig, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", ErrSaveConfig, tmp, err)
	}
	return nil
}

// toMap flattens s into dotted Viper keys.
func toMap(s Settings) map[string]any {
	return map[string]any{
		"authenticated":           s.Authenticated,
		"backup_interval":         s.BackupInterval,
		"worlds_to_backup":        s.WorldsToBackup,
		"backup_mods":             s.BackupMods,
		"last_backup_time":        s.LastBackupTime,
		"game_dir":                s.GameDir,
		"backups_dir":             s.BackupsDir,
		"remote_folder":           s.RemoteFolder,
		"keep_count":              s.KeepCount,
		"target_pause_ms":         s.TargetPauseMs,
		"credentials_file":        s.CredentialsFile,
		"token_dir":               s.TokenDir,
		"api_rate_limit":          s.APIRateLimit,
		"metrics_addr":            s.MetricsAddr,
		"log_level":               s.LogLevel,
		"vault.address":           s.Vault.Address,
		"vault.registration_path": s.Vault.RegistrationPath,
	}
}
