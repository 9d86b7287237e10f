// Package config loads the execution configuration from TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/runoshun/foreman/internal/domain"
)

// ConfigFileName is the file looked up in both config directories.
const ConfigFileName = "config.toml"

var _ domain.ConfigLoader = (*Loader)(nil)

// Loader loads configuration from TOML files. Project config takes
// precedence over global config, field by field.
type Loader struct {
	projectDir    string // Path to the project's .foreman directory
	globalConfDir string // Path to the global config directory
}

// NewLoader creates a Loader rooted at the project's config directory.
func NewLoader(projectDir string) *Loader {
	return &Loader{
		projectDir:    projectDir,
		globalConfDir: defaultGlobalConfigDir(),
	}
}

// NewLoaderWithGlobalDir creates a Loader with a custom global config
// directory. This is useful for testing.
func NewLoaderWithGlobalDir(projectDir, globalConfDir string) *Loader {
	return &Loader{
		projectDir:    projectDir,
		globalConfDir: globalConfDir,
	}
}

// defaultGlobalConfigDir returns the default global config directory.
func defaultGlobalConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "foreman")
}

// Load returns the merged configuration (global under project).
func (l *Loader) Load() (*domain.Config, error) {
	global, err := l.loadDir(l.globalConfDir)
	if err != nil {
		return nil, err
	}
	project, err := l.loadDir(l.projectDir)
	if err != nil {
		return nil, err
	}

	base := defaultConfig()
	if global != nil {
		merge(base, global)
	}
	if project != nil {
		merge(base, project)
	}
	return base, nil
}

// loadDir loads the config file from one directory. A missing file is not
// an error; a malformed one is.
func (l *Loader) loadDir(dir string) (*domain.Config, error) {
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg domain.Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %v: %w", path, err, domain.ErrInvalidConfiguration)
	}
	return &cfg, nil
}

func defaultConfig() *domain.Config {
	return &domain.Config{
		Local:    domain.LocalConfig{Interpreter: "python3"},
		Remote:   domain.RemoteConfig{TimeoutSeconds: 30},
		Log:      domain.LogConfig{Level: "info"},
		Capacity: 1,
	}
}

// merge overrides base fields with non-zero override fields. Env maps
// merge key by key rather than wholesale.
func merge(base, override *domain.Config) {
	if override.Local.Interpreter != "" {
		base.Local.Interpreter = override.Local.Interpreter
	}
	if override.Local.Script != "" {
		base.Local.Script = override.Local.Script
	}
	base.Local.Env = mergeEnv(base.Local.Env, override.Local.Env)

	if override.ACP.Command != "" {
		base.ACP.Command = override.ACP.Command
	}
	if override.ACP.Model != "" {
		base.ACP.Model = override.ACP.Model
	}
	base.ACP.Env = mergeEnv(base.ACP.Env, override.ACP.Env)

	if override.Remote.BaseURL != "" {
		base.Remote.BaseURL = override.Remote.BaseURL
	}
	if override.Remote.AuthToken != "" {
		base.Remote.AuthToken = override.Remote.AuthToken
	}
	if override.Remote.Source != "" {
		base.Remote.Source = override.Remote.Source
	}
	if override.Remote.TimeoutSeconds != 0 {
		base.Remote.TimeoutSeconds = override.Remote.TimeoutSeconds
	}

	if override.Log.Level != "" {
		base.Log.Level = override.Log.Level
	}
	if override.Capacity != 0 {
		base.Capacity = override.Capacity
	}
	if override.Review {
		base.Review = true
	}
	if override.Resume {
		base.Resume = true
	}
}

func mergeEnv(base, override map[string]string) map[string]string {
	if len(override) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
