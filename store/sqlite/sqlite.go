/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists the roster, the yearly inputs and the calculated billing
  periods. The engine reads through billing.Reader and replaces results
  through WithTx; import jobs and demo scenarios write inputs through
  billing.InputWriter.

INTERFACES IMPLEMENTED:
  billing.Store:       Reader + ResultReader + TxStore + ListBuildings
  billing.InputWriter: Upserts for roster and yearly inputs

KEY TABLES:
  buildings, units, unit_parameters, meters, ownerships:  roster
  services, service_unit_overrides:                       configuration
  costs, meter_readings, person_months, advances, payments: yearly inputs
  billing_periods, billing_results, billing_service_costs:  outputs

DECIMALS:
  Every amount is stored as TEXT (decimal.String) and parsed back with
  shopspring/decimal, so values round-trip exactly. Optional amounts are
  NULL when unset.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection, so
  ":memory:" databases behave like files. WithTx holds the write lock for
  the whole transaction: a reader never sees a half-replaced period.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and a busy timeout.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store)

MIGRATION:
  Versioned SQL migrations live in migrations/ and are embedded in the
  binary. New() applies pending ones with goose.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/numeric"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.ResultWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txWriter{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"billing_service_costs", "billing_results", "billing_periods",
		"payments", "advances", "person_months", "meter_readings", "costs",
		"service_unit_overrides", "services",
		"ownerships", "meters", "unit_parameters", "units", "buildings",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// each runs query and calls scan for every row. Rows are closed before it
// returns, which matters with a single connection.
func each(ctx context.Context, q querier, query string, args []any, scan func(*sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d := numeric.Parse(ns.String)
	return &d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ billing.Store       = (*Store)(nil)
	_ billing.InputWriter = (*Store)(nil)
)
