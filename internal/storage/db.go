// Package storage provides SQL-backed repositories for checkpoints, tasks and
// recovery markers. Queries are written with PostgreSQL placeholders and
// rebound per dialect at runtime.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	_ "modernc.org/sqlite"
)

// Driver identifies the database engine behind a DB
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

var placeholderRe = regexp.MustCompile(`\$\d+`)

// Dialect hides placeholder differences between engines
type Dialect interface {
	Driver() Driver
	Rebind(query string) string
}

type postgresDialect struct{}

func (postgresDialect) Driver() Driver             { return DriverPostgres }
func (postgresDialect) Rebind(query string) string { return query }

type sqliteDialect struct{}

func (sqliteDialect) Driver() Driver { return DriverSQLite }

// Rebind turns $N placeholders into ?; arguments must appear in order.
func (sqliteDialect) Rebind(query string) string {
	return placeholderRe.ReplaceAllString(query, "?")
}

// DB is a database/sql handle paired with its dialect
type DB struct {
	*sql.DB
	dialect Dialect
	pool    *pgxpool.Pool
}

// Options selects and configures the database engine
type Options struct {
	Driver      Driver
	URL         string
	SQLitePath  string
	AutoMigrate bool
}

// Open connects to the configured database and optionally applies the schema
func Open(ctx context.Context, opts Options) (*DB, error) {
	var (
		db  *DB
		err error
	)
	switch opts.Driver {
	case DriverPostgres:
		db, err = OpenPostgres(ctx, opts.URL)
	case DriverSQLite:
		db, err = OpenSQLite(ctx, opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if opts.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// OpenPostgres creates a pgx pool and exposes it through database/sql
func OpenPostgres(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 25
	config.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:      stdlib.OpenDBFromPool(pool),
		dialect: postgresDialect{},
		pool:    pool,
	}, nil
}

// OpenSQLite opens a file-backed sqlite database in WAL mode
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	for _, p := range []string{"journal_mode(WAL)", "synchronous(NORMAL)", "foreign_keys(1)", "busy_timeout(5000)"} {
		q.Add("_pragma", p)
	}
	dsn := "file:" + path + "?" + q.Encode()

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return &DB{DB: sqlDB, dialect: sqliteDialect{}}, nil
}

// Dialect returns the active dialect
func (db *DB) Dialect() Dialect {
	return db.dialect
}

func (db *DB) rebind(query string) string {
	return db.dialect.Rebind(query)
}

// Migrate creates missing tables and indexes
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle and, for postgres, the pgx pool
func (db *DB) Close() error {
	err := db.DB.Close()
	if db.pool != nil {
		db.pool.Close()
	}
	return err
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
