// Package sqldb opens the SQL database used as a durable cache backend and
// applies its embedded migrations.
package sqldb

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // registers "postgres"
	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds database connection configuration.
type Config struct {
	Driver   string `yaml:"driver"    toml:"driver"` // pgx, postgres, sqlite3
	DSN      string `yaml:"dsn"       toml:"dsn"`
	MaxConns int    `yaml:"max_conns" toml:"max_conns"`
	MinConns int    `yaml:"min_conns" toml:"min_conns"`
}

// Dialect returns the goose dialect for a driver name.
func Dialect(driver string) (string, error) {
	switch driver {
	case "pgx", "postgres":
		return "postgres", nil
	case "sqlite3":
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unsupported sql driver %q", driver)
}

// Open connects, pings and migrates the database.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = "pgx"
	}
	dialect, err := Dialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set pool configuration
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else if dialect == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sqlx.DB, dialect string) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	// Goose needs the *sql.DB that sqlx.DB wraps
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}
