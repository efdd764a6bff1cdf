// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the resolved server configuration. Precedence is flags > env
// (DKPS_*) > config file > defaults.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Listen   string         `mapstructure:"listen" yaml:"listen"`
	Keyring  string         `mapstructure:"keyring" yaml:"keyring"`
	Debug    bool           `mapstructure:"debug" yaml:"debug"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"` // sqlite, postgres or mysql
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]any {
	return map[string]any{
		"database.type": "sqlite",
		"database.dsn":  "dkps.db",
		"listen":        ":5438",
		"keyring":       "keyring",
		"debug":         false,
	}
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	return getConfigPath(system)
}

func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "DKPS")
		default:
			configDir = "/etc/dkps"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "dkps")
	}

	return filepath.Join(configDir, "dkps.yaml"), nil
}

// LoadConfig resolves configuration from defaults, the dkps.yaml search
// path, DKPS_* environment variables and the command's flags, in rising
// precedence. An explicit config file path wins over the search path.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFilePath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("dkps")
	v.SetConfigType("yaml")

	if configFilePath != nil && *configFilePath != "" {
		v.SetConfigFile(*configFilePath)
	}

	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; everything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("dkps")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, nil
}

// WriteConfigFile persists c as YAML at the standard location.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := getConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600 since the DSN may carry credentials.
	return os.WriteFile(path, data, 0600)
}
