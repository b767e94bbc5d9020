package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MATRIXMIG"

// Config represents the application configuration
type Config struct {
	OldServer string `yaml:"old_server" envconfig:"OLD_SERVER"`
	NewServer string `yaml:"new_server" envconfig:"NEW_SERVER"`
	SpaceID   string `yaml:"space_id" envconfig:"SPACE_ID"`

	Homeserver     string `yaml:"homeserver" envconfig:"HOMESERVER"`
	AccessToken    string `yaml:"access_token" envconfig:"ACCESS_TOKEN"`
	DestinationDSN string `yaml:"destination_dsn" envconfig:"DESTINATION_DSN"`

	Workers            int           `yaml:"workers" envconfig:"WORKERS"`
	RateLimit          time.Duration `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	StreamOrderingBase int64         `yaml:"stream_ordering_base" envconfig:"STREAM_ORDERING_BASE"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`

	S3Region    string `yaml:"s3_region" envconfig:"S3_REGION"`
	S3Endpoint  string `yaml:"s3_endpoint" envconfig:"S3_ENDPOINT"`
	S3PathStyle bool   `yaml:"s3_path_style" envconfig:"S3_PATH_STYLE"`

	MetricsOut string `yaml:"metrics_out" envconfig:"METRICS_OUT"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Workers:   4,
		RateLimit: 500 * time.Millisecond,
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables (MATRIXMIG_*)
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. the YAML file at path, or ~/.config/matrixmig/config.yaml
// 4. built-in defaults
//
// An explicit path that cannot be read is an error; the default file is
// optional.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	if path != "" {
		if err := loadYAMLFile(cfg, path); err != nil {
			return nil, err
		}
	} else if def := defaultConfigPath(); def != "" {
		if err := loadYAMLFile(cfg, def); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = getEnvOrFile(EnvPrefix+"_ACCESS_TOKEN", EnvPrefix+"_ACCESS_TOKEN_FILE")
	}
	if cfg.DestinationDSN == "" {
		cfg.DestinationDSN = getEnvOrFile(EnvPrefix+"_DESTINATION_DSN", EnvPrefix+"_DESTINATION_DSN_FILE")
	}

	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must not be negative, got %s", cfg.RateLimit)
	}
	return cfg, nil
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "matrixmig", "config.yaml")
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)
	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// Require fails naming every listed key whose value is empty. Keys use
// their YAML names.
func (c *Config) Require(keys ...string) error {
	values := map[string]string{
		"old_server":      c.OldServer,
		"new_server":      c.NewServer,
		"space_id":        c.SpaceID,
		"homeserver":      c.Homeserver,
		"access_token":    c.AccessToken,
		"destination_dsn": c.DestinationDSN,
	}
	var missing []string
	for _, k := range keys {
		v, known := values[k]
		if !known {
			return fmt.Errorf("unknown config key %q", k)
		}
		if v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s (set in config.yaml, .env.local or %s_<KEY>)",
			strings.Join(missing, ", "), EnvPrefix)
	}
	return nil
}
