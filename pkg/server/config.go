package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the server configuration, loaded from a TOML file.
type Config struct {
	Server  ServerSection  `toml:"server"`
	Auth    AuthSection    `toml:"auth"`
	History HistorySection `toml:"history"`
	Limits  LimitsSection  `toml:"limits"`
}

type ServerSection struct {
	Port        int    `toml:"port"`
	MetricsPort int    `toml:"metrics_port"` // 0 = disabled
	DataDir     string `toml:"data_dir"`
}

type AuthSection struct {
	// RequirePassword forces password verification on every LOGIN. When
	// false the server still requires passwords if any credentials exist
	// at startup; only a genuinely empty store runs open.
	RequirePassword bool `toml:"require_password"`
}

type HistorySection struct {
	Enabled     bool `toml:"enabled"`
	ReplayCount int  `toml:"replay_count"`
}

type LimitsSection struct {
	MaxLineLength    int `toml:"max_line_length"`
	MaxMessageLength int `toml:"max_message_length"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerSection{
			Port:        5050,
			MetricsPort: 0,
			DataDir:     "~/.chatapp",
		},
		Auth: AuthSection{
			RequirePassword: true,
		},
		History: HistorySection{
			Enabled:     true,
			ReplayCount: 50,
		},
		Limits: LimitsSection{
			MaxLineLength:    600,
			MaxMessageLength: 500,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default one
// if it is missing, and applies environment variable overrides.
func LoadConfig(path string) (Config, error) {
	path, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultConfig()
		// Best effort: if the default can't be written we still run with it.
		_ = writeDefaultConfig(path, config)
		return applyEnvOverrides(config), nil
	}

	var config Config
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

// writeDefaultConfig writes the default configuration to path.
func writeDefaultConfig(path string, config Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(config)
}

// applyEnvOverrides applies environment variable overrides following the
// pattern CHATAPP_SECTION_KEY, e.g. CHATAPP_SERVER_PORT=6000.
func applyEnvOverrides(config Config) Config {
	if val := os.Getenv("CHATAPP_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("CHATAPP_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("CHATAPP_SERVER_DATA_DIR"); val != "" {
		config.Server.DataDir = val
	}
	if val := os.Getenv("CHATAPP_AUTH_REQUIRE_PASSWORD"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Auth.RequirePassword = b
		}
	}
	if val := os.Getenv("CHATAPP_HISTORY_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.History.Enabled = b
		}
	}
	if val := os.Getenv("CHATAPP_HISTORY_REPLAY_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.History.ReplayCount = n
		}
	}
	if val := os.Getenv("CHATAPP_LIMITS_MAX_LINE_LENGTH"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxLineLength = n
		}
	}
	if val := os.Getenv("CHATAPP_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = n
		}
	}
	return config
}

// ResolveDataDir returns the configured data directory with ~ expanded.
func (c Config) ResolveDataDir() (string, error) {
	return expandHome(c.Server.DataDir)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
