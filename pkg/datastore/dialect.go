package datastore

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ParseDriver validates a driver name from configuration.
func ParseDriver(s string) (Driver, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(s))) {
	case DriverSQLite, "":
		return DriverSQLite, nil
	case DriverPostgres, "postgresql", "pgx":
		return DriverPostgres, nil
	}
	return "", fmt.Errorf("datastore: unknown driver %q (valid: sqlite, postgres)", s)
}

type migration struct {
	version    int
	statements []string
}

// dialect captures everything that differs between backends.
type dialect struct {
	driver     Driver
	sqlDriver  string
	lockSuffix string
	migrations []migration

	dsn             func(dsn string, lockTimeout time.Duration) string
	lockTimeoutStmt func(lockTimeout time.Duration) string
	uniqueViolation func(err error) (constraint string, ok bool)
	transient       func(err error) bool
}

func dialectFor(driver Driver) (*dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return sqliteDialect, nil
	case DriverPostgres:
		return postgresDialect, nil
	}
	return nil, fmt.Errorf("datastore: unknown driver %q", driver)
}

// rebind rewrites ? placeholders to $n for PostgreSQL. Queries in this
// package never contain literal question marks.
func (d *dialect) rebind(query string) string {
	if d.driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// wrap prefixes err with the operation and tags transient failures.
func (d *dialect) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if d.transient(err) {
		return fmt.Errorf("datastore: %s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("datastore: %s: %w", op, err)
}

var sqliteDialect = &dialect{
	driver:     DriverSQLite,
	sqlDriver:  "sqlite",
	migrations: sqliteMigrations,
	dsn: func(dsn string, lockTimeout time.Duration) string {
		params := url.Values{}
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", lockTimeout.Milliseconds()))
		params.Add("_pragma", "journal_mode(WAL)")
		params.Add("_pragma", "foreign_keys(1)")
		params.Set("_txlock", "immediate")
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + params.Encode()
	},
	lockTimeoutStmt: func(time.Duration) string { return "" },
	uniqueViolation: func(err error) (string, bool) {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return "", false
		}
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return se.Error(), true
		case sqlite3.SQLITE_CONSTRAINT:
			// Extended codes disabled: fall back to the message.
			if strings.Contains(se.Error(), "UNIQUE constraint failed") {
				return se.Error(), true
			}
		}
		return "", false
	},
	transient: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		primary := se.Code() & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	},
}

var postgresDialect = &dialect{
	driver:     DriverPostgres,
	sqlDriver:  "pgx",
	lockSuffix: " FOR UPDATE",
	migrations: postgresMigrations,
	dsn:        func(dsn string, _ time.Duration) string { return dsn },
	lockTimeoutStmt: func(lockTimeout time.Duration) string {
		return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())
	},
	uniqueViolation: func(err error) (string, bool) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return pgErr.ConstraintName, true
		}
		return "", false
	},
	transient: func(err error) bool {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return false
		}
		switch pgErr.Code {
		case "55P03", // lock_not_available
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
		return false
	},
}
