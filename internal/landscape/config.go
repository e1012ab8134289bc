package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Postgres driver registration for database/sql.
	_ "github.com/lib/pq"

	"github.com/furrow-io/furrow/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	healthCheckTimeout     = 5 * time.Second
)

var (
	// ErrDatabaseURLEmpty is returned when the audit database URL is empty.
	ErrDatabaseURLEmpty = errors.New("landscape database URL cannot be empty")
	// ErrNoDatabaseConnection is returned when operating without a connection.
	ErrNoDatabaseConnection = errors.New("no database connection")
)

// Config holds audit database connection configuration with
// production-ready pool defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// InlineThresholdBytes is the payload size above which row and
	// aggregate payloads are externalized to the payload store.
	InlineThresholdBytes int
}

// LoadConfig loads audit database configuration from environment variables
// with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:          config.GetEnvStr("LANDSCAPE_DATABASE_URL", ""),
		MaxOpenConns:         config.GetEnvInt("LANDSCAPE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:         config.GetEnvInt("LANDSCAPE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:      config.GetEnvDuration("LANDSCAPE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime:      config.GetEnvDuration("LANDSCAPE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		InlineThresholdBytes: config.GetEnvInt("LANDSCAPE_INLINE_THRESHOLD_BYTES", DefaultInlineThresholdBytes),
	}
}

// NewConfig creates a configuration for an explicit database URL, keeping
// the pool defaults.
func NewConfig(databaseURL string) *Config {
	cfg := LoadConfig()
	cfg.databaseURL = databaseURL

	return cfg
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return c.databaseURL
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		return c.databaseURL
	}

	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}

// Connection wraps the audit database handle with configured pooling.
type Connection struct {
	DB *sql.DB
}

// Connect opens and verifies a connection to the audit database.
func Connect(ctx context.Context, cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// HealthCheck verifies the connection is ready to serve requests.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.DB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("audit database unavailable: %w", err)
	}

	return nil
}

// Close closes the underlying pool.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}
