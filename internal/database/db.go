package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB is the Postgres-backed storage.Store.
type DB struct {
	*sql.DB
	log *zap.Logger
}

var _ storage.Store = (*DB)(nil)

// New opens a connection pool and verifies it with a ping.
func New(cfg config.Database, log *zap.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("database connected", zap.String("host", cfg.Host), zap.String("name", cfg.Name))
	return &DB{DB: conn, log: log}, nil
}

// NewWithConn wraps an existing pool. Used by tests with sqlmock.
func NewWithConn(conn *sql.DB, log *zap.Logger) *DB {
	if log == nil {
		log = zap.NewNop()
	}
	return &DB{DB: conn, log: log}
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// RunMigrations applies embedded migrations in file name order, skipping any
// already recorded in schema_migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", name, err)
		}
		db.log.Info("migration applied", zap.String("version", name))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// mapError turns driver errors into storage sentinels.
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return storage.ErrConflict
	}
	return err
}
