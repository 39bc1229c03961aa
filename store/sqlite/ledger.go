package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

// Ledger is the generic.LedgerStore view of the database.
type Ledger struct{ s *Store }

// Ledger returns the ledger store backed by s.
func (s *Store) Ledger() *Ledger { return &Ledger{s: s} }

type holdRow struct {
	Quantity decimal.Decimal `json:"quantity"`
	At       time.Time       `json:"at"`
}

const ledgerColumns = `ledger_key, kind, owner, item, total, committed, holds_json, version, faulted, fault_detail, updated_at`

func (l *Ledger) Open(ctx context.Context, key generic.LedgerKey, total decimal.Decimal) (generic.LedgerEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	_, err := l.s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, '0', '{}', 0, FALSE, '', ?)
	`, key.String(), string(key.Kind), key.Owner, key.Item, total.String(), formatTime(time.Now()))
	if err != nil {
		return generic.LedgerEntry{}, fmt.Errorf("failed to open ledger entry %s: %w", key, err)
	}
	return l.get(ctx, l.s.db, key)
}

func (l *Ledger) Get(ctx context.Context, key generic.LedgerKey) (generic.LedgerEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.get(ctx, l.s.db, key)
}

func (l *Ledger) get(ctx context.Context, q queryer, key generic.LedgerKey) (generic.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE ledger_key = ?`, key.String())
	e, err := scanLedgerEntry(row)
	if err == sql.ErrNoRows {
		return generic.LedgerEntry{}, &generic.NotFoundError{Kind: "ledger entry", ID: key.String()}
	}
	return e, err
}

func (l *Ledger) CompareAndSwap(ctx context.Context, expectedVersion int64, next generic.LedgerEntry) error {
	if next.Version != expectedVersion+1 {
		return fmt.Errorf("ledger write for %s must advance version %d by one, got %d", next.Key, expectedVersion, next.Version)
	}
	holds, err := encodeHolds(next.Holds)
	if err != nil {
		return err
	}

	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	res, err := l.s.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET total = ?, committed = ?, holds_json = ?, version = ?,
		    faulted = ?, fault_detail = ?, updated_at = ?
		WHERE ledger_key = ? AND version = ?
	`, next.Total.String(), next.Committed.String(), holds, next.Version,
		next.Faulted, next.FaultDetail, formatTime(next.UpdatedAt),
		next.Key.String(), expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry %s: %w", next.Key, err)
	}
	return casResult(ctx, l.s.db, res, "ledger_entries", "ledger entry", next.Key.String(), expectedVersion)
}

func (l *Ledger) List(ctx context.Context) ([]generic.LedgerEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	rows, err := l.s.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries ORDER BY ledger_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []generic.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(sc scanner) (generic.LedgerEntry, error) {
	var (
		keyStr, kind, owner, item string
		total, committed, holds   string
		detail, updatedAt         string
		e                         generic.LedgerEntry
	)
	if err := sc.Scan(&keyStr, &kind, &owner, &item, &total, &committed, &holds,
		&e.Version, &e.Faulted, &detail, &updatedAt); err != nil {
		return generic.LedgerEntry{}, err
	}
	e.Key = generic.LedgerKey{Kind: generic.PoolKind(kind), Owner: owner, Item: item}
	e.FaultDetail = detail
	e.UpdatedAt = parseTime(updatedAt)

	var err error
	if e.Total, err = decimal.NewFromString(total); err != nil {
		return generic.LedgerEntry{}, fmt.Errorf("ledger entry %s: bad total %q: %w", keyStr, total, err)
	}
	if e.Committed, err = decimal.NewFromString(committed); err != nil {
		return generic.LedgerEntry{}, fmt.Errorf("ledger entry %s: bad committed %q: %w", keyStr, committed, err)
	}
	if e.Holds, err = decodeHolds(holds); err != nil {
		return generic.LedgerEntry{}, fmt.Errorf("ledger entry %s: %w", keyStr, err)
	}
	return e, nil
}

func encodeHolds(holds map[generic.HoldRef]generic.Hold) (string, error) {
	rows := make(map[string]holdRow, len(holds))
	for ref, h := range holds {
		rows[string(ref)] = holdRow{Quantity: h.Quantity, At: h.At.UTC()}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("failed to encode holds: %w", err)
	}
	return string(b), nil
}

func decodeHolds(s string) (map[generic.HoldRef]generic.Hold, error) {
	var rows map[string]holdRow
	if err := json.Unmarshal([]byte(s), &rows); err != nil {
		return nil, fmt.Errorf("failed to decode holds: %w", err)
	}
	holds := make(map[generic.HoldRef]generic.Hold, len(rows))
	for ref, h := range rows {
		holds[generic.HoldRef(ref)] = generic.Hold{Quantity: h.Quantity, At: h.At}
	}
	return holds, nil
}
