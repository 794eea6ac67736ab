// Package config locates the settings directory and loads settings.yaml.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"btrfsdiff/internal/artifacts"
	"btrfsdiff/internal/render"
)

// getConfigDir returns the config directory path.
// Uses BTRFSDIFF_CONFIG_DIR env var if set, otherwise defaults to ~/.btrfsdiff.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("BTRFSDIFF_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".btrfsdiff")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// ServeLockPath returns the lock held by a running serve command
func ServeLockPath() string {
	return filepath.Join(getConfigDir(), "serve.lock")
}

// CatalogPath returns the fingerprint catalog path.
// Uses BTRFSDIFF_CATALOG env var if set, otherwise defaults to config_dir/catalog.db.
func CatalogPath() string {
	if envPath := os.Getenv("BTRFSDIFF_CATALOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "catalog.db")
}

// LogPath returns the log file path.
// Uses BTRFSDIFF_LOG env var if set, otherwise defaults to config_dir/btrfsdiff.log.
func LogPath() string {
	if envPath := os.Getenv("BTRFSDIFF_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "btrfsdiff.log")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and a default settings file.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Settings are the user-wide defaults.
type Settings struct {
	LogLevel  string       `yaml:"log_level"`  // trace, debug, info, warn, off (default: off)
	Workers   int          `yaml:"workers"`    // 0 = one per CPU
	NFSListen string       `yaml:"nfs_listen"` // serve address
	Prune     render.Rules `yaml:"prune"`      // default render rules
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.LogLevel == "" {
		s.LogLevel = "off"
	}
	if s.Workers <= 0 {
		s.Workers = runtime.NumCPU()
	}
	if s.NFSListen == "" {
		s.NFSListen = "127.0.0.1:0"
	}
}

func parseSettings(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.Prune.Validate(); err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	s.ApplyDefaults()
	return &s, nil
}

// DefaultSettings parses the embedded settings template.
func DefaultSettings() *Settings {
	s, err := parseSettings(artifacts.GlobalSettings)
	if err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return s
}

// LoadSettings loads settings.yaml from the config directory.
// Falls back to embedded defaults if the file doesn't exist.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFromPath(SettingsPath())
}

// LoadSettingsFromPath loads settings from a specific file.
func LoadSettingsFromPath(p string) (*Settings, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}
	s, err := parseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return s, nil
}

// SaveSettings writes settings.yaml to the config directory.
func SaveSettings(s *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# btrfsdiff settings\n# See: btrfsdiff --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}

// SetupLogging points logrus at out with the given level (case insensitive).
// "off", "none" and "" discard everything.
func SetupLogging(level string, out io.Writer) error {
	switch strings.ToLower(level) {
	case "", "off", "none":
		log.SetOutput(io.Discard)
		return nil
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	log.SetOutput(out)
	return nil
}
