// Package registry is the persistent node registry of one account partition.
//
// Each account owns a separate SQLite file, so switching accounts opens a
// different file and removing an account drops that file with its directory.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when a node is not in the partition
	ErrNotFound = utils.ErrNodeNotFound
	// ErrRegistryCorruption marks a broken parent/child link
	ErrRegistryCorruption = utils.ErrRegistryCorruption
)

const (
	nodesTable     = "sync_nodes"
	errorsTable    = "sync_errors"
	obstaclesTable = "obstacles"
)

// Registry stores SyncNodeInfo, SyncError and obstacle records for one account.
// Writes go through a single writer; reads share the same serialized connection
// so a record is never observed half-written.
type Registry struct {
	db        *sql.DB
	accountID string
	path      string
	builder   sq.StatementBuilderType
	logger    logging.Logger
	writeMu   sync.Mutex
}

// Open opens (creating if needed) the partition database at path and migrates it
func Open(ctx context.Context, path, accountID string, logger logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	if err := runMigrations(path, logger); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping registry: %w", err)
	}

	r := New(db, accountID, logger)
	r.path = path
	logger.Debug("Registry opened", logging.F("account", accountID), logging.F("path", path))
	return r, nil
}

// New wraps an already-migrated database handle
func New(db *sql.DB, accountID string, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Registry{
		db:        db,
		accountID: accountID,
		builder:   sq.StatementBuilder.PlaceholderFormat(sq.Question),
		logger:    logger,
	}
}

// dsn keeps the path as a plain file name. Account directories are
// percent-escaped, which a file: URI would decode.
func dsn(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// runMigrations applies the embedded migrations on a dedicated handle. The
// migrate driver closes the handle it is given, so it never sees the main one.
func runMigrations(path string, logger logging.Logger) error {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return fmt.Errorf("failed to open registry for migration: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply registry migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	logger.Debug("Registry schema ready", logging.F("version", version), logging.F("dirty", dirty))
	return nil
}

// AccountID returns the account this partition belongs to
func (r *Registry) AccountID() string {
	return r.accountID
}

// Path returns the database file, or "" for a registry built with New
func (r *Registry) Path() string {
	return r.path
}

// Close closes the partition
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// withTx runs fn inside a write transaction on the single writer path
func (r *Registry) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin registry transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("Registry rollback failed", logging.F("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registry transaction: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
