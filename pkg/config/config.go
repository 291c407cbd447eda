// Package config loads the findingaids settings from an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv  = "FINDINGAIDS_CONFIG"
	searchURLEnv   = "ELASTICSEARCH_URL"
	jwtSecretEnv   = "FINDINGAIDS_JWT_SECRET"
	concurrencyEnv = "FINDINGAIDS_CONCURRENCY"
)

// Import modes.
const (
	ModeTransactional = "transactional"
	ModeBulk          = "bulk"
)

// Config holds every setting of the import pipeline and the API.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Search   SearchConfig   `yaml:"search"`
	Import   ImportConfig   `yaml:"import"`
	API      APIConfig      `yaml:"api"`
	LogLevel string         `yaml:"logLevel"`
}

// DatabaseConfig describes the Postgres connection.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslMode"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// DSN returns the libpq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

// SearchConfig describes the search engine and its three indexes.
type SearchConfig struct {
	Addresses    []string `yaml:"addresses"`
	ContentIndex string   `yaml:"contentIndex"`
	SuggestIndex string   `yaml:"suggestIndex"`
	PersonIndex  string   `yaml:"personIndex"`
	BatchSize    int      `yaml:"batchSize"`
}

// ImportConfig tunes the coordinator and the orphan maintenance.
type ImportConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	Mode                string        `yaml:"mode"`
	PurgeBatchSize      int           `yaml:"purgeBatchSize"`
	MaintenanceInterval time.Duration `yaml:"maintenanceInterval"`
}

// APIConfig configures the HTTP server started by "serve".
type APIConfig struct {
	Port      string `yaml:"port"`
	Host      string `yaml:"host"`
	JWTSecret string `yaml:"jwtSecret"`
}

// Addr returns the listen address.
func (a APIConfig) Addr() string {
	return ":" + a.Port
}

// PublicURL returns the server URL advertised in the OpenAPI document.
func (a APIConfig) PublicURL() string {
	if a.Host != "" {
		return a.Host
	}
	return "http://localhost" + a.Addr()
}

// DefaultConcurrency is the number of available CPUs minus one, at least 1.
func DefaultConcurrency() int {
	return max(runtime.NumCPU()-1, 1)
}

// Load reads the YAML file named by FINDINGAIDS_CONFIG (if any) over the
// defaults, then applies environment overrides.
func Load() (Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: cannot read %s: %w", path, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return cfg, fmt.Errorf("config: cannot parse %s: %w", path, err)
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	cfg.applyEnvOverrides()

	return cfg, cfg.Validate()
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Import.Mode != ModeBulk && c.Import.Mode != ModeTransactional {
		errs = append(errs, fmt.Errorf("config: unknown import mode %q", c.Import.Mode))
	}
	if c.Import.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("config: concurrency must be at least 1, got %d", c.Import.Concurrency))
	}
	if c.Search.ContentIndex == "" || c.Search.SuggestIndex == "" || c.Search.PersonIndex == "" {
		errs = append(errs, errors.New("config: index names must not be empty"))
	}
	if c.Search.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("config: search batch size must be at least 1, got %d", c.Search.BatchSize))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "postgres",
			Name:         "findingaids",
			SSLMode:      "disable",
			MaxOpenConns: 25,
		},
		Search: SearchConfig{
			Addresses:    []string{"http://localhost:9200"},
			ContentIndex: "findingaids_all",
			SuggestIndex: "findingaids_suggest",
			PersonIndex:  "findingaids_nominarecords",
			BatchSize:    500,
		},
		Import: ImportConfig{
			Concurrency:         DefaultConcurrency(),
			Mode:                ModeBulk,
			PurgeBatchSize:      100,
			MaintenanceInterval: 24 * time.Hour,
		},
		API: APIConfig{
			Port: "80",
		},
		LogLevel: "info",
	}
}

func mergeConfig(base, override Config) Config {
	result := base

	if override.Database.Host != "" {
		result.Database.Host = override.Database.Host
	}
	if override.Database.Port != "" {
		result.Database.Port = override.Database.Port
	}
	if override.Database.User != "" {
		result.Database.User = override.Database.User
	}
	if override.Database.Password != "" {
		result.Database.Password = override.Database.Password
	}
	if override.Database.Name != "" {
		result.Database.Name = override.Database.Name
	}
	if override.Database.SSLMode != "" {
		result.Database.SSLMode = override.Database.SSLMode
	}
	if override.Database.MaxOpenConns > 0 {
		result.Database.MaxOpenConns = override.Database.MaxOpenConns
	}

	if len(override.Search.Addresses) > 0 {
		result.Search.Addresses = override.Search.Addresses
	}
	if override.Search.ContentIndex != "" {
		result.Search.ContentIndex = override.Search.ContentIndex
	}
	if override.Search.SuggestIndex != "" {
		result.Search.SuggestIndex = override.Search.SuggestIndex
	}
	if override.Search.PersonIndex != "" {
		result.Search.PersonIndex = override.Search.PersonIndex
	}
	if override.Search.BatchSize > 0 {
		result.Search.BatchSize = override.Search.BatchSize
	}

	if override.Import.Concurrency > 0 {
		result.Import.Concurrency = override.Import.Concurrency
	}
	if override.Import.Mode != "" {
		result.Import.Mode = override.Import.Mode
	}
	if override.Import.PurgeBatchSize > 0 {
		result.Import.PurgeBatchSize = override.Import.PurgeBatchSize
	}
	if override.Import.MaintenanceInterval > 0 {
		result.Import.MaintenanceInterval = override.Import.MaintenanceInterval
	}

	if override.API.Port != "" {
		result.API.Port = override.API.Port
	}
	if override.API.Host != "" {
		result.API.Host = override.API.Host
	}
	if override.API.JWTSecret != "" {
		result.API.JWTSecret = override.API.JWTSecret
	}

	if override.LogLevel != "" {
		result.LogLevel = override.LogLevel
	}

	return result
}

func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("POSTGRES_HOST"); ok {
		c.Database.Host = v
	}
	if v, ok := os.LookupEnv("POSTGRES_PORT"); ok {
		c.Database.Port = v
	}
	if v, ok := os.LookupEnv("POSTGRES_USER"); ok {
		c.Database.User = v
	}
	if v, ok := os.LookupEnv("POSTGRES_PASSWORD"); ok {
		c.Database.Password = v
	}
	if v, ok := os.LookupEnv("POSTGRES_DATABASE"); ok {
		c.Database.Name = v
	}

	if v := os.Getenv(searchURLEnv); v != "" {
		c.Search.Addresses = strings.Split(v, ",")
	}

	if v := os.Getenv(concurrencyEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Import.Concurrency = n
		}
	}

	if v, ok := os.LookupEnv("API_PORT"); ok {
		c.API.Port = v
	}
	if v, ok := os.LookupEnv("API_HOST"); ok {
		c.API.Host = v
	}
	if v := os.Getenv(jwtSecretEnv); v != "" {
		c.API.JWTSecret = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
