// Package store persists API key records, owners and usage logs in a SQL
// database through sqlx. SQLite is the default; PostgreSQL and MySQL are
// supported for shared deployments.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config selects and tunes the backing database.
type Config struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is required for postgres and mysql. For sqlite it overrides the
	// file derived from DataDir.
	DSN          string        `mapstructure:"dsn" yaml:"dsn,omitempty"`
	DataDir      string        `mapstructure:"-" yaml:"-"`
	MaxOpenConns int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// Store is the durable key store.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// NewSQLite opens the SQLite store in dataDir. Pass an empty string for an
// in-memory database.
func NewSQLite(dataDir string) (*Store, error) {
	return Open(Config{Driver: DriverSQLite, DataDir: dataDir})
}

// Open connects to the configured database and applies migrations.
func Open(cfg Config) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case "", DriverSQLite:
		db, err = openSQLite(cfg)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store requires a dsn")
		}
		db, err = sqlx.Connect("pgx", cfg.DSN)
	case DriverMySQL:
		db, err = openMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	if cfg.Driver != "" && cfg.Driver != DriverSQLite {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLife > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLife)
		}
	}

	s := &Store{db: db, dialect: dialectFor(cfg.Driver)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key store: %w", err)
	}
	return s, nil
}

func openSQLite(cfg Config) (*sqlx.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		if cfg.DataDir == "" {
			dsn = ":memory:?_journal_mode=WAL"
		} else {
			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(cfg.DataDir, "apikeyd.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// One connection serializes writers, which also makes the per-owner
	// key count and insert atomic without row locks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

func openMySQL(cfg Config) (*sqlx.DB, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	// Report matched rather than changed rows so RowsAffected detects
	// missing records reliably.
	mc.ClientFoundRows = true
	return sqlx.Connect("mysql", mc.FormatDSN())
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}
