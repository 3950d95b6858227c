package config

import (
	"fmt"
	"strings"
)

// validSSLModes are the libpq sslmode values accepted by pgx.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks the whole configuration. Intended for commands that need
// both the store and the remote provider (serve).
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if err := c.ValidateGradient(); err != nil {
		return err
	}
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	return c.ValidateIngest()
}

// ValidateGradient checks the remote provider settings.
func (c *Config) ValidateGradient() error {
	if c == nil {
		return ErrConfigNil
	}
	if strings.TrimSpace(c.GradientToken) == "" {
		return ErrMissingAPIToken
	}
	if strings.TrimSpace(c.GradientProjectID) == "" {
		return ErrMissingProjectID
	}
	if strings.TrimSpace(c.GradientModelID) == "" {
		return ErrMissingModelID
	}
	if strings.TrimSpace(c.GradientEmbeddingModelID) == "" {
		return ErrMissingEmbeddingModelID
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %.2f (must be in [0, 2])", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens < 1 || c.MaxTokens > 128000 {
		return fmt.Errorf("%w: %d (must be in [1, 128000])", ErrInvalidMaxTokens, c.MaxTokens)
	}
	return nil
}

// ValidateStorage checks the PostgreSQL settings.
func (c *Config) ValidateStorage() error {
	if c == nil {
		return ErrConfigNil
	}
	if strings.TrimSpace(c.PostgresHost) == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return ErrInvalidPostgresDBName
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}
	return nil
}

// ValidateIngest checks chunking and scraping defaults.
func (c *Config) ValidateIngest() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.ChunkSize < 1 || c.ChunkSize > 100000 {
		return fmt.Errorf("%w: %d (must be in [1, 100000])", ErrInvalidChunkSize, c.ChunkSize)
	}
	if c.ScrapeDepth < 1 || c.ScrapeMaxLinks < 1 {
		return fmt.Errorf("%w: depth=%d max_links=%d", ErrInvalidScrapeBounds, c.ScrapeDepth, c.ScrapeMaxLinks)
	}
	return nil
}
