// Package datastore persists QR sessions and attendance records in SQLite
// (default) or PostgreSQL.
//
// Consumption is serialized by the database: PostgreSQL takes a row lock
// with SELECT ... FOR UPDATE, SQLite takes the database write lock at
// BEGIN IMMEDIATE. Either way a second validator of the same nonce waits
// for the first transaction to finish, bounded by Config.LockTimeout.
// Every state transition is additionally a compare-and-swap on
// status = 'active'.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultLockTimeout bounds how long a transaction waits for a lock.
const DefaultLockTimeout = 5 * time.Second

// Config selects and tunes the backing database.
type Config struct {
	Driver      Driver
	DSN         string        // file path for sqlite, connection string for postgres
	LockTimeout time.Duration // 0 = DefaultLockTimeout
}

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	db DB
	d  *dialect
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	if err := c.tx.Commit(); err != nil {
		return c.d.wrap("commit", err)
	}
	return nil
}

// ProviderFactory provides database access for all gopresence entities.
type ProviderFactory struct {
	DB          *sql.DB
	d           *dialect
	lockTimeout time.Duration
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{db: sf.DB, d: sf.d},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, sf.d.wrap("begin", err)
	}
	if stmt := sf.d.lockTimeoutStmt(sf.lockTimeout); stmt != "" {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, sf.d.wrap("set lock timeout", err)
		}
	}

	return &txProvider{
		baseProvider: baseProvider{db: tx, d: sf.d},
		tx:           tx,
	}, nil
}

// Driver returns the configured database driver.
func (sf *ProviderFactory) Driver() Driver {
	return sf.d.driver
}

// Open connects to the configured database and runs migrations.
func Open(ctx context.Context, cfg Config) (*ProviderFactory, error) {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("datastore: DSN is required")
	}

	db, err := sql.Open(d.sqlDriver, d.dsn(cfg.DSN, cfg.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: ping: %w", err)
	}

	s := &ProviderFactory{DB: db, d: d, lockTimeout: cfg.LockTimeout}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	return Open(context.Background(), Config{Driver: DriverSQLite, DSN: dbPath})
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range s.d.migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, s.d.rebind("UPDATE schema_migrations SET version = ?"), version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	return t.UTC().Unix()
}

func fromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

// exec, query and queryRow rebind placeholders for the active dialect.
func (p *baseProvider) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.db.ExecContext(ctx, p.d.rebind(query), args...)
}

func (p *baseProvider) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, p.d.rebind(query), args...)
}

func (p *baseProvider) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.db.QueryRowContext(ctx, p.d.rebind(query), args...)
}
