package config

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFilePath is the default location for the loader configuration file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultFilePath = ".ctloader.yaml"

// FilePathEnvVar is the environment variable name for a custom config file path.
const FilePathEnvVar = "CTLOADER_CONFIG_PATH"

type (
	// File holds settings loaded from .ctloader.yaml. Every field is optional;
	// environment variables take precedence over file values (see Str / Int).
	//
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	File struct {
		DB        DBFile        `yaml:"db"`
		API       APIFile       `yaml:"api"`
		Load      LoadFile      `yaml:"load"`
		Connector ConnectorFile `yaml:"connector"`
	}

	// DBFile holds the database section of the config file.
	DBFile struct {
		DSN string `yaml:"dsn"`
	}

	// APIFile holds the ClinicalTrials.gov API section of the config file.
	APIFile struct {
		BaseURL        string `yaml:"base_url"`
		PageSize       int    `yaml:"page_size"`
		MaxRetries     int    `yaml:"max_retries"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	}

	// LoadFile holds the bulk-load section of the config file.
	LoadFile struct {
		BatchSizeRows int `yaml:"batch_size_rows"`
	}

	// ConnectorFile selects the warehouse backend implementation.
	ConnectorFile struct {
		Name string `yaml:"name"`
	}
)

// LoadFileConfig loads loader configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - the file is optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation,
//     environment variables still apply)
//   - Returns populated config on success
func LoadFileConfig(path string) (*File, error) {
	cfg := &File{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing with environment only",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing with environment only",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing with environment only",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &File{}, nil
	}

	return cfg, nil
}

// LoadFileConfigFromEnv loads config from the path in CTLOADER_CONFIG_PATH,
// falling back to ".ctloader.yaml" in the current directory.
func LoadFileConfigFromEnv() (*File, error) {
	path := GetEnvStr(FilePathEnvVar, DefaultFilePath)

	return LoadFileConfig(path)
}
