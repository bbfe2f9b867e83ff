package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/cuemby/showrunner/pkg/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Advisory lock key for concurrent migration at boot. Arbitrary but stable.
const migrateLockKey = 874_2201

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoWork is returned by ClaimNextTask when nothing is claimable.
	ErrNoWork = errors.New("no claimable work")

	// ErrQuotaExhausted is returned when a ledger reservation would exceed
	// the daily ceiling. The ledger row is left unchanged.
	ErrQuotaExhausted = errors.New("upload quota exhausted")

	// ErrDuplicateReview is returned when a decisive review already exists
	// for the (task, gate, attempt) key.
	ErrDuplicateReview = errors.New("decisive review already recorded")
)

// Config holds database configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int           // default 15 (10 steady + 5 burst)
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 30m
	TxCeiling       time.Duration // default 2s, see WithTx
}

// Store is the Postgres-backed persistence layer. All coordination state
// (queue, ledger, observations) lives here; there is no other shared store.
type Store struct {
	db        *sqlx.DB
	txCeiling time.Duration
}

// Open connects to Postgres and configures the pool. It does not migrate;
// call Migrate explicitly at boot.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 15
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.TxCeiling == 0 {
		cfg.TxCeiling = 2 * time.Second
	}

	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, txCeiling: cfg.TxCeiling}, nil
}

// NewWithDB wraps an existing database handle. Tests use it to drive the
// store with sqlmock instead of a live Postgres.
func NewWithDB(db *sql.DB, driverName string, txCeiling time.Duration) *Store {
	if txCeiling == 0 {
		txCeiling = 2 * time.Second
	}
	return &Store{db: sqlx.NewDb(db, driverName), txCeiling: txCeiling}
}

// Migrate applies pending goose migrations under a Postgres advisory lock so
// multiple workers can boot concurrently without racing each other.
func (s *Store) Migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrateLockKey); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, migrateLockKey); err != nil {
			log.WithComponent("storage").Warn().Err(err).Msg("failed to release migration lock")
		}
	}()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (s *Store) MigrateDown() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Down(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// MigrateStatus prints the migration table to stdout.
func (s *Store) MigrateStatus() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Status(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to report migration status: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for the migrate command and tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping reports database reachability for /health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Notify posts to a Postgres notification channel. Used by the queue to wake
// sleeping dispatchers in other processes after enqueue or lease release.
func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}
