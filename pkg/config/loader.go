package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values; unset
// variables expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envRefPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envRefPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadSession reads a session config from a YAML file, expanding ${VAR}
// references after loading .env (if present) into the environment.
func LoadSession(path string) (*SessionConfig, error) {
	raw, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var cfg SessionConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadPipeline reads a pipeline config from a YAML file.
func LoadPipeline(path string) (*PipelineConfig, error) {
	raw, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("pipeline config %s has no steps", path)
	}

	cfg.Session.SetDefaults()
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	// .env is optional; missing files are fine, malformed ones are not.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Debug("No .env file loaded", "error", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return expandEnv(raw), nil
}
