// Package sqldb implements the storage interfaces over database/sql.
// SQLite (via modernc.org/sqlite) is the default backend; MySQL (via
// go-sql-driver/mysql) is selectable for shared deployments. Both backends
// share the same queries: `?` placeholders and RFC3339 text timestamps.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"testing/fstest"

	"github.com/pressly/goose/v3"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultTablePrefix is prepended to every table name unless overridden.
const DefaultTablePrefix = "orch_"

// Options configure the database backend.
type Options struct {
	Driver      string // "sqlite" (default) or "mysql"
	DSN         string // file path / ":memory:" for sqlite, DSN for mysql
	TablePrefix string // defaults to DefaultTablePrefix
}

// Store implements storage.Store.
type Store struct {
	write  *sql.DB // single-writer connection (sqlite); same pool for mysql
	read   *sql.DB // multi-reader pool
	prefix string

	// Precomputed table names so queries concatenate instead of Sprintf.
	tGroups, tProxyKeys, tValidation, tUsage, tLogs, tHealthResults, tHealthStats string
}

// New opens the database, applies embedded migrations, and returns a Store.
func New(opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = "sqlite"
	}
	if opts.TablePrefix == "" {
		opts.TablePrefix = DefaultTablePrefix
	}

	var write, read *sql.DB
	var dialect goose.Dialect
	var err error

	switch opts.Driver {
	case "sqlite":
		write, read, err = openSQLite(opts.DSN)
		dialect = goose.DialectSQLite3
	case "mysql":
		write, read, err = openMySQL(opts.DSN)
		dialect = goose.DialectMySQL
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := runMigrations(write, dialect, opts.TablePrefix); err != nil {
		write.Close()
		if read != write {
			read.Close()
		}
		return nil, fmt.Errorf("migrations: %w", err)
	}

	p := opts.TablePrefix
	return &Store{
		write:          write,
		read:           read,
		prefix:         p,
		tGroups:        p + "groups",
		tProxyKeys:     p + "proxy_keys",
		tValidation:    p + "key_validation",
		tUsage:         p + "key_usage_stats",
		tLogs:          p + "request_logs",
		tHealthResults: p + "health_check_results",
		tHealthStats:   p + "health_check_stats",
	}, nil
}

func openSQLite(dsn string) (write, read *sql.DB, err error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	// For :memory: databases, use shared cache so read/write pools share the same data.
	var fullDSN string
	if dsn == ":memory:" || dsn == "" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err = sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err = sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))
	return write, read, nil
}

func openMySQL(dsn string) (write, read *sql.DB, err error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(max(8, runtime.NumCPU()*2))
	// MySQL handles concurrent writers; one pool serves both roles.
	return db, db, nil
}

// runMigrations applies embedded SQL migrations using goose. Table names in
// the migration files carry a {{prefix}} token that is substituted before
// goose sees them. Goose's version table makes reruns idempotent; index
// statements must not use IF NOT EXISTS, which MySQL rejects.
func runMigrations(db *sql.DB, dialect goose.Dialect, prefix string) error {
	fsys, err := prefixedFS(prefix)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// prefixedFS renders the embedded migrations with the table prefix applied.
func prefixedFS(prefix string) (fs.FS, error) {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("sub fs: %w", err)
	}
	out := fstest.MapFS{}
	entries, err := fs.ReadDir(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	for _, e := range entries {
		data, err := fs.ReadFile(sub, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		rendered := strings.ReplaceAll(string(data), "{{prefix}}", prefix)
		out[e.Name()] = &fstest.MapFile{Data: []byte(rendered)}
	}
	return out, nil
}

// Ping verifies database connectivity by pinging the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *Store) Close() error {
	if s.read == s.write {
		return s.write.Close()
	}
	return errors.Join(s.write.Close(), s.read.Close())
}
