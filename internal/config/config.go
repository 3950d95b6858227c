// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (BUOY_ prefix, plus DATABASE_URL override)
//  2. Config file (~/.buoy/config.yaml)
//  3. Default values
//
// Main categories:
//   - Gradient: DigitalOcean Gradient AI credentials, model ids, region
//   - Postgres: durable store connection (see storage.go)
//   - Server: HTTP listen address, CORS, rate limiting
//   - Ingest: chunking and scraping defaults
//
// Sensitive values (API token, database password) are never logged.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation, checked with errors.Is.
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIToken indicates the Gradient API token is not set.
	ErrMissingAPIToken = errors.New("missing Gradient API token")

	// ErrMissingProjectID indicates the Gradient project id is not set.
	ErrMissingProjectID = errors.New("missing Gradient project id")

	// ErrMissingModelID indicates the Gradient model id is not set.
	ErrMissingModelID = errors.New("missing Gradient model id")

	// ErrMissingEmbeddingModelID indicates the embedding model id is not set.
	ErrMissingEmbeddingModelID = errors.New("missing Gradient embedding model id")

	// ErrInvalidTemperature indicates the temperature is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidChunkSize indicates the default chunk size is out of range.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidScrapeBounds indicates scraper depth/link limits are invalid.
	ErrInvalidScrapeBounds = errors.New("invalid scrape bounds")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the SSL mode is not recognized.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

const (
	// DefaultRegion is the Gradient region agents and knowledge bases are
	// created in.
	DefaultRegion = "tor1"

	// DefaultTemperature is the sampling temperature for new agents.
	DefaultTemperature = 0.7

	// DefaultMaxTokens is the generation budget for new agents.
	DefaultMaxTokens = 4096

	// DefaultChunkSize is the chunk size hint for knowledge ingestion,
	// in characters.
	DefaultChunkSize = 1000

	// DefaultScrapeDepth bounds link-following during URL ingestion.
	DefaultScrapeDepth = 2

	// DefaultScrapeMaxLinks bounds pages visited during URL ingestion.
	DefaultScrapeMaxLinks = 20
)

// Config stores application configuration.
type Config struct {
	// DigitalOcean Gradient AI platform
	GradientToken            string  `mapstructure:"gradient_token"`
	GradientProjectID        string  `mapstructure:"gradient_project_id"`
	GradientModelID          string  `mapstructure:"gradient_model_id"`
	GradientEmbeddingModelID string  `mapstructure:"gradient_embedding_model_id"`
	GradientRegion           string  `mapstructure:"gradient_region"`
	GradientBaseURL          string  `mapstructure:"gradient_base_url"`
	Temperature              float32 `mapstructure:"temperature"`
	MaxTokens                int     `mapstructure:"max_tokens"`

	// PostgreSQL durable store
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// HTTP server
	ListenAddr    string   `mapstructure:"listen_addr"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
	TrustProxy    bool     `mapstructure:"trust_proxy"`
	RatePerSecond float64  `mapstructure:"rate_per_second"`
	RateBurst     int      `mapstructure:"rate_burst"`

	// Ingestion defaults
	ChunkSize      int  `mapstructure:"chunk_size"`
	UseSemantic    bool `mapstructure:"use_semantic"`
	ScrapeDepth    int  `mapstructure:"scrape_depth"`
	ScrapeMaxLinks int  `mapstructure:"scrape_max_links"`
}

// Load reads configuration from defaults, the config file, and environment
// variables, in ascending priority.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("BUOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Original deployment environment variables keep working without the
	// BUOY_ prefix.
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gradient_region", DefaultRegion)
	v.SetDefault("gradient_base_url", "https://api.digitalocean.com/v2/gen-ai")
	v.SetDefault("temperature", DefaultTemperature)
	v.SetDefault("max_tokens", DefaultMaxTokens)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "buoy")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_dbname", "buoy")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("trust_proxy", false)
	v.SetDefault("rate_per_second", 5)
	v.SetDefault("rate_burst", 60)

	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("use_semantic", false)
	v.SetDefault("scrape_depth", DefaultScrapeDepth)
	v.SetDefault("scrape_max_links", DefaultScrapeMaxLinks)
}

// bindLegacyEnv maps the environment variable names used by the original
// deployment onto config keys.
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"gradient_token":              "DIGITALOCEAN_TOKEN",
		"gradient_project_id":         "DIGITALOCEAN_PROJECT_ID",
		"gradient_model_id":           "DIGITALOCEAN_AI_MODEL_ID",
		"gradient_embedding_model_id": "DIGITALOCEAN_EMBEDDING_MODEL_ID",
		"gradient_region":             "DIGITALOCEAN_REGION",
		"postgres_host":               "POSTGRES_HOST",
		"postgres_port":               "POSTGRES_PORT",
		"postgres_user":               "POSTGRES_USER",
		"postgres_password":           "POSTGRES_PASSWORD",
		"postgres_dbname":             "POSTGRES_DB",
	}
	for key, env := range legacy {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}
}

// configDir returns the buoy configuration directory (~/.buoy).
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".buoy"), nil
}
