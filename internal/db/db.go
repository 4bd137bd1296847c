package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetDB returns the underlying sql.DB handle
func (d *DB) GetDB() *sql.DB {
	return d.client
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 25
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 50
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "linkengine"
	}

	return New(config)
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Platform catalog: read-only reference data seeded out of band
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS platforms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			domain TEXT NOT NULL,
			domain_authority INTEGER NOT NULL DEFAULT 0,
			automation_allowed BOOLEAN NOT NULL DEFAULT FALSE,
			has_captcha BOOLEAN NOT NULL DEFAULT FALSE,
			submit_url TEXT NOT NULL DEFAULT '',
			submit_method TEXT NOT NULL DEFAULT 'POST',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create platforms table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS campaigns (
			user_id TEXT PRIMARY KEY,
			risk_level TEXT NOT NULL DEFAULT 'balanced',
			branded_terms TEXT[] NOT NULL DEFAULT '{}',
			target_keywords TEXT[] NOT NULL DEFAULT '{}',
			max_daily_submissions INTEGER NOT NULL DEFAULT 5,
			min_domain_rating INTEGER NOT NULL DEFAULT 0,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			is_paused BOOLEAN NOT NULL DEFAULT FALSE,
			agent_status TEXT NOT NULL DEFAULT 'idle',
			current_step TEXT NOT NULL DEFAULT '',
			last_scan_at TIMESTAMPTZ,
			next_scan_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create campaigns table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS backlink_tasks (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			platform_id TEXT NOT NULL REFERENCES platforms(id),
			target_url TEXT NOT NULL,
			anchor_type TEXT,
			anchor_text TEXT,
			tier INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 0,
			scheduled_for TIMESTAMPTZ NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error_message TEXT NOT NULL DEFAULT '',
			requires_manual_review BOOLEAN NOT NULL DEFAULT FALSE,
			manual_review_reason TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create backlink_tasks table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_backlink_tasks_claim
		ON backlink_tasks (user_id, status, priority DESC, scheduled_for ASC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create backlink_tasks claim index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS backlinks (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			source_name TEXT NOT NULL,
			source_domain TEXT NOT NULL,
			link_url TEXT NOT NULL,
			target_url TEXT NOT NULL,
			anchor_text TEXT NOT NULL DEFAULT '',
			anchor_type TEXT NOT NULL DEFAULT '',
			domain_rating INTEGER NOT NULL DEFAULT 0,
			tier INTEGER NOT NULL DEFAULT 1 CHECK (tier IN (1, 2, 3)),
			status TEXT NOT NULL DEFAULT 'live',
			is_indexed BOOLEAN NOT NULL DEFAULT FALSE,
			last_index_check TIMESTAMPTZ,
			article_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create backlinks table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_backlinks_verification
		ON backlinks (status, is_indexed, last_index_check)
	`)
	if err != nil {
		return fmt.Errorf("failed to create backlinks verification index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit_log table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS exchange_participants (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			domain TEXT NOT NULL UNIQUE,
			domain_rating INTEGER NOT NULL DEFAULT 0,
			credit_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			verification_token TEXT NOT NULL,
			verified_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create exchange_participants table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS exchange_links (
			id UUID PRIMARY KEY,
			source_participant_id UUID NOT NULL REFERENCES exchange_participants(id),
			dest_participant_id UUID NOT NULL REFERENCES exchange_participants(id),
			source_url TEXT NOT NULL,
			dest_url TEXT NOT NULL,
			anchor_text TEXT NOT NULL DEFAULT '',
			credit_value DOUBLE PRECISION NOT NULL DEFAULT 0,
			credits_status TEXT NOT NULL DEFAULT 'pending',
			verified_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create exchange_links table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS exchange_transactions (
			id UUID PRIMARY KEY,
			participant_id UUID NOT NULL REFERENCES exchange_participants(id),
			type TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create exchange_transactions table: %w", err)
	}

	return nil
}
