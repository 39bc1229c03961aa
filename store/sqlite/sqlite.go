/*
Package sqlite provides a SQLite-backed implementation of the ledger store
and the record repositories.

PURPOSE:
  Durable storage for the quantity ledger (generic.LedgerStore) and for the
  three lifecycle record types. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  generic.LedgerStore:    (*Store).Ledger()
  fulfillment.Repository: (*Store).Offers()
  catalog.Repository:     (*Store).CatalogOrders()
  restock.Repository:     (*Store).RestockOrders()

COMPARE-AND-SWAP:
  Every write to a ledger entry or a record is
    UPDATE ... SET ..., version = ? WHERE id = ? AND version = ?
  Zero affected rows means someone else wrote first (ErrConflict) or the
  row is gone (ErrNotFound). Nothing else is needed for correctness across
  processes sharing one database file.

KEY TABLES:
  ledger_entries:  one row per pool, holds as JSON, versioned
  offers:          fulfillment offers, lines as JSON
  catalog_orders:  catalog product orders
  restock_orders:  bulk restock orders, lines as JSON

  Every record table has a UNIQUE idempotency_key.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within one process. Across processes
  the version guard does the work.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/kisaan.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := generic.NewLedger(store.Ledger())

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - generic/store.go: LedgerStore contract
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements all storage interfaces using SQLite.
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
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Quantity ledger: one row per finite pool
	CREATE TABLE IF NOT EXISTS ledger_entries (
		ledger_key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		owner TEXT NOT NULL,
		item TEXT NOT NULL DEFAULT '',
		total TEXT NOT NULL,
		committed TEXT NOT NULL,
		holds_json TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 0,
		faulted BOOLEAN NOT NULL DEFAULT FALSE,
		fault_detail TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_faulted
		ON ledger_entries(faulted) WHERE faulted;

	-- Fulfillment offers
	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		listing_id TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offers_listing
		ON offers(listing_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_offers_status
		ON offers(status);

	-- Catalog orders
	CREATE TABLE IF NOT EXISTS catalog_orders (
		id TEXT PRIMARY KEY,
		created_by TEXT NOT NULL,
		product_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_catalog_orders_creator
		ON catalog_orders(created_by, created_at);

	-- Bulk restock orders
	CREATE TABLE IF NOT EXISTS restock_orders (
		id TEXT PRIMARY KEY,
		created_by TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		status TEXT NOT NULL,
		total_buying_value TEXT NOT NULL,
		total_selling_value TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_restock_orders_creator
		ON restock_orders(created_by, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes every row. Used by the demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"ledger_entries", "offers", "catalog_orders", "restock_orders"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// casResult turns the outcome of a versioned UPDATE or DELETE into nil,
// ErrConflict or ErrNotFound.
func casResult(ctx context.Context, q queryer, res sql.Result, table, kind, id string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	var current int64
	err = q.QueryRowContext(ctx, "SELECT version FROM "+table+" WHERE "+idColumn(table)+" = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return &generic.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to read version of %s %s: %w", kind, id, err)
	}
	return fmt.Errorf("%w: %s %s at version %d, expected %d", generic.ErrConflict, kind, id, current, expected)
}

func idColumn(table string) string {
	if table == "ledger_entries" {
		return "ledger_key"
	}
	return "id"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isIdempotencyKeyError(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key")
}
