// Package config loads and saves the workstation settings file.
//
// Settings live in settings.toml next to the executable. Every key can be
// overridden from the environment with the AOI_ prefix, e.g.
// AOI_KINTONE_API_TOKEN for kintone.api_token. A .env file beside the
// settings file is loaded first, so credentials can stay out of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ktec-smt/aoirecord/internal/kintone"
)

// FileName is the default settings file name.
const FileName = "settings.toml"

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "AOI"

// Settings is the content of the settings file.
type Settings struct {
	Directories Directories `mapstructure:"directories" toml:"directories"`
	Kintone     Kintone     `mapstructure:"kintone" toml:"kintone"`
	Dashboard   Dashboard   `mapstructure:"dashboard" toml:"dashboard"`
	Log         Log         `mapstructure:"log" toml:"log"`
	Files       Files       `mapstructure:"files" toml:"files"`

	// path is the file the settings were loaded from.
	path string
}

// Directories are the working directories of a workstation.
type Directories struct {
	Image    string `mapstructure:"image" toml:"image"`
	Data     string `mapstructure:"data" toml:"data"`
	Schedule string `mapstructure:"schedule" toml:"schedule"`
	Shared   string `mapstructure:"shared" toml:"shared"`
}

// Kintone holds the record-management app credentials.
type Kintone struct {
	Subdomain      string `mapstructure:"subdomain" toml:"subdomain" validate:"omitempty,hostname_rfc1123"`
	AppID          string `mapstructure:"app_id" toml:"app_id" validate:"omitempty,numeric"`
	APIToken       string `mapstructure:"api_token" toml:"api_token,omitempty"`
	BaseURL        string `mapstructure:"base_url" toml:"base_url,omitempty" validate:"omitempty,url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds" validate:"gte=0"`
}

// Dashboard configures the status dashboard server.
type Dashboard struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
	Port    int  `mapstructure:"port" toml:"port" validate:"gte=0,lte=65535"`
}

// Log configures the rotating log file. An empty File logs to stderr only.
type Log struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" validate:"gte=0"`
}

// Files names the lookup tables. Relative paths are resolved against the
// settings file's directory.
type Files struct {
	Users         string `mapstructure:"user_csv" toml:"user_csv"`
	DefectMapping string `mapstructure:"defect_mapping_csv" toml:"defect_mapping_csv"`
}

// Default returns the settings used for keys missing from the file.
func Default() *Settings {
	return &Settings{
		Kintone: Kintone{TimeoutSeconds: 10},
		Dashboard: Dashboard{
			Port: 8080,
		},
		Log: Log{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Files: Files{
			Users:         "user.csv",
			DefectMapping: "defect_mapping.csv",
		},
	}
}

// DefaultPath returns settings.toml beside the running executable, or in
// the working directory when the executable cannot be located.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return FileName
	}
	return filepath.Join(filepath.Dir(exe), FileName)
}

// Load reads path with environment overrides applied. A missing file is not
// an error: defaults and environment values are returned.
func Load(path string) (*Settings, error) {
	dir := filepath.Dir(path)
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat settings %s: %w", path, err)
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.path = path
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// setDefaults registers every key so that AutomaticEnv applies to keys the
// file does not mention.
func setDefaults(v *viper.Viper, d *Settings) {
	v.SetDefault("directories.image", d.Directories.Image)
	v.SetDefault("directories.data", d.Directories.Data)
	v.SetDefault("directories.schedule", d.Directories.Schedule)
	v.SetDefault("directories.shared", d.Directories.Shared)
	v.SetDefault("kintone.subdomain", d.Kintone.Subdomain)
	v.SetDefault("kintone.app_id", d.Kintone.AppID)
	v.SetDefault("kintone.api_token", d.Kintone.APIToken)
	v.SetDefault("kintone.base_url", d.Kintone.BaseURL)
	v.SetDefault("kintone.timeout_seconds", d.Kintone.TimeoutSeconds)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("files.user_csv", d.Files.Users)
	v.SetDefault("files.defect_mapping_csv", d.Files.DefectMapping)
}

// Save writes s to path, replacing any previous file.
func Save(path string, s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := toml.NewEncoder(tmp).Encode(s); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to write settings %s: %w", path, err)
	}
	s.path = path
	return nil
}

var validate = validator.New()

// Validate checks the settings values.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Path returns the file the settings were loaded from or saved to.
func (s *Settings) Path() string {
	return s.path
}

// MissingDirectories returns the names of the working directories that are
// not set.
func (s *Settings) MissingDirectories() []string {
	var missing []string
	for _, d := range []struct {
		name, value string
	}{
		{"image", s.Directories.Image},
		{"data", s.Directories.Data},
		{"schedule", s.Directories.Schedule},
		{"shared", s.Directories.Shared},
	} {
		if strings.TrimSpace(d.value) == "" {
			missing = append(missing, d.name)
		}
	}
	return missing
}

// Resolve returns p relative to the settings file's directory unless it is
// absolute or empty.
func (s *Settings) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || s.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(s.path), p)
}

// UsersPath is the resolved user directory path.
func (s *Settings) UsersPath() string {
	return s.Resolve(s.Files.Users)
}

// DefectMappingPath is the resolved defect-name mapping path.
func (s *Settings) DefectMappingPath() string {
	return s.Resolve(s.Files.DefectMapping)
}

// KintoneConfig returns the client configuration for the remote app.
func (s *Settings) KintoneConfig() kintone.Config {
	return kintone.Config{
		Subdomain: s.Kintone.Subdomain,
		AppID:     s.Kintone.AppID,
		APIToken:  s.Kintone.APIToken,
		BaseURL:   s.Kintone.BaseURL,
		Timeout:   time.Duration(s.Kintone.TimeoutSeconds) * time.Second,
	}
}
