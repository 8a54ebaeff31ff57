package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds bridge-level settings: where to find the vendor binary, how
// long to wait on permission requests, and where the registry lives.
type Config struct {
	ClaudeCodeBin         string        `yaml:"claude_code_bin"`
	DefaultPermissionMode string        `yaml:"default_permission_mode"`
	PermissionTimeout     time.Duration `yaml:"permission_timeout"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
	RegistryPath          string        `yaml:"registry_path"`
	ListenAddr            string        `yaml:"listen_addr"`
}

func DefaultConfig() Config {
	return Config{
		ClaudeCodeBin:         "claude",
		DefaultPermissionMode: "default",
		PermissionTimeout:     5 * time.Minute,
		ShutdownGrace:         5 * time.Second,
		RegistryPath:          DefaultRegistryPath(),
	}
}

// LoadConfig mirrors the teacher's lookup order: a settings file next to
// the binary takes precedence, then an explicit path (DefaultConfigPath
// when none is given), then defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if execPath, err := os.Executable(); err == nil {
		binaryConfig := filepath.Join(filepath.Dir(execPath), "sessionbridge.yml")
		if data, err := os.ReadFile(binaryConfig); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err == nil {
				applyConfigDefaults(&cfg)
				return cfg, nil
			}
		}
	}

	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	applyConfigDefaults(&cfg)
	return cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg.ClaudeCodeBin == "" {
		cfg.ClaudeCodeBin = "claude"
	}
	if cfg.DefaultPermissionMode == "" {
		cfg.DefaultPermissionMode = "default"
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = DefaultRegistryPath()
	}
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "sessionbridge", "config.yml")
}

func DefaultRegistryPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "threads.json"
	}
	return filepath.Join(base, "sessionbridge", "threads.json")
}
