// Package config handles hgraphdb configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --log-level, etc.)
//  2. Environment variables (HGRAPHDB_*)
//  3. Config file (hgraphdb.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	g, err := graph.Open(cfg.BadgerOptions(), cfg.GraphOptions(logger))
//
// Environment Variables (all use HGRAPHDB_ prefix):
//
// Storage:
//   - HGRAPHDB_DATA_DIR="./data"
//   - HGRAPHDB_IN_MEMORY=false
//   - HGRAPHDB_ENCRYPTION_PASSWORD="..." (enables encryption at rest)
//
// Graph:
//   - HGRAPHDB_USE_SCHEMA=true
//   - HGRAPHDB_STALE_INDEX_EXPIRY=1m
//
// Logging:
//   - HGRAPHDB_LOG_LEVEL="info"
//   - HGRAPHDB_LOG_FORMAT="json"
//
// For a complete list, see applyEnvVars.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/chentiantai/hgraphdb/pkg/graph"
	"github.com/chentiantai/hgraphdb/pkg/kv"
	"github.com/chentiantai/hgraphdb/pkg/logging"
)

const envPrefix = "HGRAPHDB_"

// Config holds all hgraphdb configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Graph      GraphConfig      `yaml:"graph"`
	Cleaner    CleanerConfig    `yaml:"cleaner"`
	Population PopulationConfig `yaml:"population"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// StorageConfig holds Badger settings.
type StorageConfig struct {
	DataDir    string `yaml:"data_dir"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
	LowMemory  bool   `yaml:"low_memory"`

	// EncryptionEnabled requires EncryptionPassword. The key is derived from
	// the password and a salt kept in DataDir.
	EncryptionEnabled  bool   `yaml:"encryption_enabled"`
	EncryptionPassword string `yaml:"encryption_password"`

	// Row TTLs. Zero keeps rows forever.
	VertexTTL time.Duration `yaml:"vertex_ttl"`
	EdgeTTL   time.Duration `yaml:"edge_ttl"`
}

// GraphConfig mirrors graph.Options.
type GraphConfig struct {
	UseSchema                bool          `yaml:"use_schema"`
	LazyLoading              bool          `yaml:"lazy_loading"`
	ElementCacheMaxSize      int           `yaml:"element_cache_max_size"`
	ElementCacheTTL          time.Duration `yaml:"element_cache_ttl"`
	RelationshipCacheMaxSize int           `yaml:"relationship_cache_max_size"`
	StaleIndexExpiry         time.Duration `yaml:"stale_index_expiry"`
	IndexRefreshInterval     time.Duration `yaml:"index_refresh_interval"`
}

// CleanerConfig sizes the stale index cleaner.
type CleanerConfig struct {
	Workers int     `yaml:"workers"`
	Rate    float64 `yaml:"rate"` // deletions per second, <= 0 is unlimited
	Burst   int     `yaml:"burst"`
}

// PopulationConfig holds defaults for index population jobs.
type PopulationConfig struct {
	Strategy    string `yaml:"strategy"` // direct or bulk
	BatchSize   int    `yaml:"batch_size"`
	Parallelism int    `yaml:"parallelism"`
	ArtifactDir string `yaml:"artifact_dir"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// MetricsConfig controls the Prometheus endpoint of `hgraphdb metrics serve`.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoadDefaults returns the built-in configuration.
func LoadDefaults() *Config {
	opts := graph.DefaultOptions()
	pop := graph.DefaultPopulationOptions()
	return &Config{
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Graph: GraphConfig{
			UseSchema:                opts.UseSchema,
			LazyLoading:              opts.LazyLoading,
			ElementCacheMaxSize:      opts.ElementCacheMaxSize,
			ElementCacheTTL:          opts.ElementCacheTTL,
			RelationshipCacheMaxSize: opts.RelationshipCacheMaxSize,
			StaleIndexExpiry:         opts.StaleIndexExpiry,
			IndexRefreshInterval:     opts.IndexRefreshInterval,
		},
		Cleaner: CleanerConfig{
			Workers: opts.CleanerWorkers,
			Rate:    opts.CleanerRate,
			Burst:   opts.CleanerBurst,
		},
		Population: PopulationConfig{
			Strategy:    pop.Strategy.String(),
			BatchSize:   pop.BatchSize,
			Parallelism: pop.Parallelism,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9464",
		},
	}
}

// LoadFromEnv returns defaults overridden by HGRAPHDB_* variables.
func LoadFromEnv() *Config {
	cfg := LoadDefaults()
	applyEnvVars(cfg)
	return cfg
}

// LoadFromFile overlays the YAML file at configPath on the defaults and then
// applies environment variables. A missing file is not an error.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			// Fields absent from the file keep their defaults.
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnvVars(cfg)
	return cfg, nil
}

func applyEnvVars(cfg *Config) {
	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.InMemory = getEnvBool("IN_MEMORY", cfg.Storage.InMemory)
	cfg.Storage.SyncWrites = getEnvBool("SYNC_WRITES", cfg.Storage.SyncWrites)
	cfg.Storage.LowMemory = getEnvBool("LOW_MEMORY", cfg.Storage.LowMemory)
	cfg.Storage.EncryptionPassword = getEnv("ENCRYPTION_PASSWORD", cfg.Storage.EncryptionPassword)
	if os.Getenv(envPrefix+"ENCRYPTION_PASSWORD") != "" {
		cfg.Storage.EncryptionEnabled = true
	}
	cfg.Storage.EncryptionEnabled = getEnvBool("ENCRYPTION_ENABLED", cfg.Storage.EncryptionEnabled)
	cfg.Storage.VertexTTL = getEnvDuration("VERTEX_TTL", cfg.Storage.VertexTTL)
	cfg.Storage.EdgeTTL = getEnvDuration("EDGE_TTL", cfg.Storage.EdgeTTL)

	cfg.Graph.UseSchema = getEnvBool("USE_SCHEMA", cfg.Graph.UseSchema)
	cfg.Graph.LazyLoading = getEnvBool("LAZY_LOADING", cfg.Graph.LazyLoading)
	cfg.Graph.ElementCacheMaxSize = getEnvInt("ELEMENT_CACHE_MAX_SIZE", cfg.Graph.ElementCacheMaxSize)
	cfg.Graph.ElementCacheTTL = getEnvDuration("ELEMENT_CACHE_TTL", cfg.Graph.ElementCacheTTL)
	cfg.Graph.RelationshipCacheMaxSize = getEnvInt("RELATIONSHIP_CACHE_MAX_SIZE", cfg.Graph.RelationshipCacheMaxSize)
	cfg.Graph.StaleIndexExpiry = getEnvDuration("STALE_INDEX_EXPIRY", cfg.Graph.StaleIndexExpiry)
	cfg.Graph.IndexRefreshInterval = getEnvDuration("INDEX_REFRESH_INTERVAL", cfg.Graph.IndexRefreshInterval)

	cfg.Cleaner.Workers = getEnvInt("CLEANER_WORKERS", cfg.Cleaner.Workers)
	cfg.Cleaner.Rate = getEnvFloat("CLEANER_RATE", cfg.Cleaner.Rate)
	cfg.Cleaner.Burst = getEnvInt("CLEANER_BURST", cfg.Cleaner.Burst)

	cfg.Population.Strategy = getEnv("POPULATION_STRATEGY", cfg.Population.Strategy)
	cfg.Population.BatchSize = getEnvInt("POPULATION_BATCH_SIZE", cfg.Population.BatchSize)
	cfg.Population.Parallelism = getEnvInt("POPULATION_PARALLELISM", cfg.Population.Parallelism)
	cfg.Population.ArtifactDir = getEnv("POPULATION_ARTIFACT_DIR", cfg.Population.ArtifactDir)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Address = getEnv("METRICS_ADDRESS", cfg.Metrics.Address)
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("data directory is required unless storage is in memory")
	}
	if c.Storage.EncryptionEnabled {
		if c.Storage.EncryptionPassword == "" {
			return fmt.Errorf("encryption enabled but no password provided")
		}
		if c.Storage.InMemory {
			return fmt.Errorf("encryption requires on-disk storage")
		}
	}
	if c.Storage.VertexTTL < 0 || c.Storage.EdgeTTL < 0 {
		return fmt.Errorf("ttl must not be negative")
	}
	if c.Graph.StaleIndexExpiry <= 0 {
		return fmt.Errorf("invalid stale index expiry: %v", c.Graph.StaleIndexExpiry)
	}
	if c.Graph.ElementCacheMaxSize < 0 || c.Graph.RelationshipCacheMaxSize < 0 {
		return fmt.Errorf("cache sizes must not be negative")
	}
	if c.Cleaner.Workers <= 0 {
		return fmt.Errorf("invalid cleaner workers: %d", c.Cleaner.Workers)
	}
	if _, err := graph.ParsePopulationStrategy(c.Population.Strategy); err != nil {
		return err
	}
	if c.Population.BatchSize <= 0 {
		return fmt.Errorf("invalid population batch size: %d", c.Population.BatchSize)
	}
	if c.Population.Parallelism <= 0 {
		return fmt.Errorf("invalid population parallelism: %d", c.Population.Parallelism)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics enabled but no address provided")
	}
	return nil
}

// String returns a representation safe for logging. The encryption password
// is never included.
func (c *Config) String() string {
	dataDir := c.Storage.DataDir
	if c.Storage.InMemory {
		dataDir = "(memory)"
	}
	return fmt.Sprintf(
		"Config{DataDir: %s, Encrypted: %v, Schema: %v, StaleExpiry: %v, Cleaner: %d workers, Population: %s}",
		dataDir, c.Storage.EncryptionEnabled, c.Graph.UseSchema,
		c.Graph.StaleIndexExpiry, c.Cleaner.Workers, c.Population.Strategy,
	)
}

// LoggerConfig returns the logging settings for logging.New.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

// BadgerOptions maps the storage section onto kv.BadgerOptions. With
// encryption enabled it loads or creates the salt in DataDir.
func (c *Config) BadgerOptions() (kv.BadgerOptions, error) {
	opts := kv.BadgerOptions{
		DataDir:    c.Storage.DataDir,
		InMemory:   c.Storage.InMemory,
		SyncWrites: c.Storage.SyncWrites,
		LowMemory:  c.Storage.LowMemory,
	}
	if c.Storage.EncryptionEnabled {
		salt, err := kv.LoadOrCreateSalt(c.Storage.DataDir)
		if err != nil {
			return kv.BadgerOptions{}, err
		}
		opts.EncryptionKey = kv.DeriveEncryptionKey(c.Storage.EncryptionPassword, salt)
	}
	return opts, nil
}

// GraphOptions maps the graph, storage and cleaner sections onto
// graph.Options.
func (c *Config) GraphOptions(log zerolog.Logger) graph.Options {
	opts := graph.DefaultOptions()
	opts.UseSchema = c.Graph.UseSchema
	opts.LazyLoading = c.Graph.LazyLoading
	opts.VertexTTL = c.Storage.VertexTTL
	opts.EdgeTTL = c.Storage.EdgeTTL
	opts.StaleIndexExpiry = c.Graph.StaleIndexExpiry
	opts.IndexRefreshInterval = c.Graph.IndexRefreshInterval
	opts.ElementCacheMaxSize = c.Graph.ElementCacheMaxSize
	opts.ElementCacheTTL = c.Graph.ElementCacheTTL
	opts.RelationshipCacheMaxSize = c.Graph.RelationshipCacheMaxSize
	opts.CleanerWorkers = c.Cleaner.Workers
	opts.CleanerRate = c.Cleaner.Rate
	opts.CleanerBurst = c.Cleaner.Burst
	opts.Logger = log
	return opts
}

// PopulationOptions maps the population section onto graph.PopulationOptions.
func (c *Config) PopulationOptions() (graph.PopulationOptions, error) {
	strategy, err := graph.ParsePopulationStrategy(c.Population.Strategy)
	if err != nil {
		return graph.PopulationOptions{}, err
	}
	return graph.PopulationOptions{
		Strategy:    strategy,
		BatchSize:   c.Population.BatchSize,
		Parallelism: c.Population.Parallelism,
		ArtifactDir: c.Population.ArtifactDir,
	}, nil
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. HGRAPHDB_CONFIG
//  2. Current working directory (hgraphdb.yaml, config.yaml)
//  3. ~/.hgraphdb/config.yaml
//  4. ~/.config/hgraphdb/config.yaml
func FindConfigFile() string {
	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		return path
	}

	candidates := []string{"hgraphdb.yaml", "config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".hgraphdb", "config.yaml"),
			filepath.Join(home, ".config", "hgraphdb", "config.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(envPrefix + key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(envPrefix + key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(envPrefix + key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(envPrefix + key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(envPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
