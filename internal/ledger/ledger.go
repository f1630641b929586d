// Package ledger is the append-only record of fund movements per pool. Pool
// totals are a fold over the entries; the cached totals on the pools row are
// updated in the same transaction as every append.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bountyline/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Store struct {
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// totalColumn maps an entry kind to the pool total it moves.
var totalColumn = map[string]string{
	domain.EntryDeposit: "total_deposited",
	domain.EntryRefund:  "total_refunded",
	domain.EntryReserve: "total_allocated",
	domain.EntryRelease: "total_allocated",
	domain.EntryPayout:  "total_paid",
}

// CheckSign rejects deltas whose sign does not match the entry kind.
func CheckSign(kind string, delta int64) error {
	switch kind {
	case domain.EntryDeposit, domain.EntryReserve:
		if delta <= 0 {
			return fmt.Errorf("%s entry requires a positive delta, got %d", kind, delta)
		}
	case domain.EntryRefund, domain.EntryRelease, domain.EntryPayout:
		if delta >= 0 {
			return fmt.Errorf("%s entry requires a negative delta, got %d", kind, delta)
		}
	default:
		return fmt.Errorf("unknown ledger entry kind %q", kind)
	}
	return nil
}

// Append writes the next entry for the pool and moves the cached pool total.
// The caller holds the pool's writer lock and the transaction.
func (s Store) Append(ctx context.Context, tx *sql.Tx, poolID, kind string, delta int64, reason, ref string) (domain.LedgerEntry, error) {
	if err := CheckSign(kind, delta); err != nil {
		return domain.LedgerEntry{}, err
	}
	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM ledger_entries WHERE pool_id=?`, poolID).Scan(&last); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("read ledger head: %w", err)
	}
	e := domain.LedgerEntry{
		PoolID: poolID,
		Seq:    last + 1,
		Kind:   kind,
		Delta:  delta,
		Reason: reason,
		Ref:    ref,
		TS:     domain.FormatTime(s.now()),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(pool_id,seq,kind,delta,reason,ref,ts) VALUES (?,?,?,?,?,?,?)`,
		e.PoolID, e.Seq, e.Kind, e.Delta, nullable(e.Reason), nullable(e.Ref), e.TS); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	column := totalColumn[kind]
	var moved int64
	switch kind {
	case domain.EntryRefund, domain.EntryPayout:
		moved = -delta
	default:
		moved = delta
	}
	query := fmt.Sprintf(`UPDATE pools SET %s=%s+?, updated_at=? WHERE id=?`, column, column)
	if kind == domain.EntryRelease {
		query = `UPDATE pools SET total_allocated=total_allocated+?, total_released=total_released-?, updated_at=? WHERE id=?`
		if _, err := tx.ExecContext(ctx, query, moved, moved, e.TS, poolID); err != nil {
			return domain.LedgerEntry{}, fmt.Errorf("update pool totals: %w", err)
		}
		return e, nil
	}
	if _, err := tx.ExecContext(ctx, query, moved, e.TS, poolID); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("update pool totals: %w", err)
	}
	return e, nil
}

// Entries returns the pool's entries in sequence order. asOfSeq > 0 limits the
// result to entries at or before that sequence number.
func (s Store) Entries(ctx context.Context, q Querier, poolID string, asOfSeq int64) ([]domain.LedgerEntry, error) {
	query := `SELECT pool_id,seq,kind,delta,COALESCE(reason,''),COALESCE(ref,''),ts FROM ledger_entries WHERE pool_id=?`
	args := []any{poolID}
	if asOfSeq > 0 {
		query += ` AND seq<=?`
		args = append(args, asOfSeq)
	}
	query += ` ORDER BY seq ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.PoolID, &e.Seq, &e.Kind, &e.Delta, &e.Reason, &e.Ref, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ErrGap reports a missing or out-of-order sequence number.
var ErrGap = errors.New("ledger sequence gap")

// Replay folds entries into a balance. Entries must be one pool's complete
// prefix in sequence order.
func Replay(entries []domain.LedgerEntry) (domain.Balance, error) {
	var b domain.Balance
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return b, fmt.Errorf("%w: expected seq %d, got %d", ErrGap, i+1, e.Seq)
		}
		if i > 0 && e.PoolID != entries[0].PoolID {
			return b, fmt.Errorf("entry %d belongs to pool %s, not %s", e.Seq, e.PoolID, entries[0].PoolID)
		}
		if err := Apply(&b, e); err != nil {
			return b, err
		}
	}
	return b, nil
}

// Apply folds one entry into b.
func Apply(b *domain.Balance, e domain.LedgerEntry) error {
	if err := CheckSign(e.Kind, e.Delta); err != nil {
		return fmt.Errorf("entry %d: %w", e.Seq, err)
	}
	switch e.Kind {
	case domain.EntryDeposit:
		b.Deposited += e.Delta
	case domain.EntryRefund:
		b.Refunded -= e.Delta
	case domain.EntryReserve:
		b.Allocated += e.Delta
	case domain.EntryRelease:
		b.Allocated += e.Delta
		b.Released -= e.Delta
	case domain.EntryPayout:
		b.Paid -= e.Delta
	}
	b.LastSeq = e.Seq
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
