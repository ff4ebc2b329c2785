// Package database wraps an in-memory DuckDB used to read back the
// Parquet tables a conversion wrote.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
)

// DuckDB manages an in-memory DuckDB connection pool.
type DuckDB struct {
	db     *sql.DB
	logger zerolog.Logger
	config *Config
}

// Config holds DuckDB configuration
type Config struct {
	MaxConnections int
	MemoryLimit    string // e.g. "2GB"; empty leaves the DuckDB default
	ThreadCount    int
}

// New creates a new in-memory DuckDB instance
func New(cfg *Config, logger zerolog.Logger) (*DuckDB, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	if err := configureDatabase(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure duckdb: %w", err)
	}

	log := logger.With().Str("component", "duckdb").Logger()
	log.Debug().
		Int("max_connections", cfg.MaxConnections).
		Str("memory_limit", cfg.MemoryLimit).
		Int("thread_count", cfg.ThreadCount).
		Msg("DuckDB initialized")

	return &DuckDB{db: db, logger: log, config: cfg}, nil
}

// configureDatabase applies the settings DuckDB only takes via SET.
func configureDatabase(db *sql.DB, cfg *Config) error {
	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", escapeSQLString(cfg.MemoryLimit))); err != nil {
			return fmt.Errorf("failed to set memory_limit: %w", err)
		}
	}
	if cfg.ThreadCount > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET threads=%d", cfg.ThreadCount)); err != nil {
			return fmt.Errorf("failed to set threads: %w", err)
		}
	}
	return nil
}

// QueryRow runs a query expected to return one row.
func (d *DuckDB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	d.logger.Debug().Str("query", query).Msg("Query")
	return d.db.QueryRowContext(ctx, query, args...)
}

// Query executes a query and returns rows
func (d *DuckDB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Error().Err(err).Str("query", query).Dur("elapsed", elapsed).Msg("Query failed")
		return nil, fmt.Errorf("query failed: %w", err)
	}
	d.logger.Debug().Str("query", query).Dur("elapsed", elapsed).Msg("Query executed")
	return rows, nil
}

// Close closes the database connection
func (d *DuckDB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB connection pool
func (d *DuckDB) DB() *sql.DB {
	return d.db
}

// ParquetSource renders a read_parquet call over the given files.
func ParquetSource(files []string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + escapeSQLString(f) + "'"
	}
	return "read_parquet([" + strings.Join(quoted, ", ") + "])"
}

// escapeSQLString doubles single quotes for use inside a SQL literal.
func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
