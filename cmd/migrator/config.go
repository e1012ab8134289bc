package main

import (
	"fmt"

	"github.com/furrow-io/furrow/internal/config"
	"github.com/furrow-io/furrow/internal/landscape"
)

// Config holds the migration tool settings, read from the same environment
// the pipeline's audit layer uses.
type Config struct {
	// DatabaseURL is the PostgreSQL connection URL for the audit database.
	DatabaseURL string

	// MigrationTable is the table migrate uses to track the schema version.
	MigrationTable string
}

// LoadConfig reads the tool configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("LANDSCAPE_DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("LANDSCAPE_DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String renders the configuration with credentials masked, safe to log.
func (c *Config) String() string {
	masked := landscape.NewConfig(c.DatabaseURL).MaskDatabaseURL()

	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}", masked, c.MigrationTable)
}
