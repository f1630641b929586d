package rail

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// transferStore holds the transfers a sandbox accepted. put is keyed on the
// dispatch key and returns the existing transfer when the key was seen.
type transferStore interface {
	put(ctx context.Context, t Transfer, status Status) (sandboxTransfer, error)
	get(ctx context.Context, q Query) (*sandboxTransfer, error)
	setStatus(ctx context.Context, ref string, status Status) (bool, error)
	all(ctx context.Context) ([]sandboxTransfer, error)
}

func sandboxRef(rail string, n int) string {
	return fmt.Sprintf("%s-%06d", rail, n)
}

type memoryTransfers struct {
	rail string

	mu    sync.Mutex
	byKey map[string]*sandboxTransfer
	byRef map[string]string
}

func newMemoryTransfers(rail string) *memoryTransfers {
	return &memoryTransfers{rail: rail, byKey: map[string]*sandboxTransfer{}, byRef: map[string]string{}}
}

func (m *memoryTransfers) put(_ context.Context, t Transfer, status Status) (sandboxTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[t.DispatchKey]; ok {
		return *existing, nil
	}
	st := &sandboxTransfer{Transfer: t, Ref: sandboxRef(m.rail, len(m.byKey)+1), Status: status}
	m.byKey[t.DispatchKey] = st
	m.byRef[st.Ref] = t.DispatchKey
	return *st, nil
}

func (m *memoryTransfers) lookup(q Query) *sandboxTransfer {
	key := q.DispatchKey
	if q.ExternalRef != "" {
		if k, ok := m.byRef[q.ExternalRef]; ok {
			key = k
		}
	}
	return m.byKey[key]
}

func (m *memoryTransfers) get(_ context.Context, q Query) (*sandboxTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.lookup(q); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryTransfers) setStatus(_ context.Context, ref string, status Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.lookup(Query{ExternalRef: ref})
	if t == nil {
		return false, nil
	}
	t.Status = status
	return true, nil
}

func (m *memoryTransfers) all(_ context.Context) ([]sandboxTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sandboxTransfer, 0, len(m.byKey))
	for _, t := range m.byKey {
		out = append(out, *t)
	}
	return out, nil
}

// sqlTransfers keeps sandbox transfers in the workspace database.
type sqlTransfers struct {
	rail string
	db   *sql.DB
}

const sandboxColumns = `dispatch_key,ref,destination,amount,currency,status`

func scanSandboxTransfer(row interface{ Scan(...any) error }) (sandboxTransfer, error) {
	var t sandboxTransfer
	var status string
	err := row.Scan(&t.DispatchKey, &t.Ref, &t.Destination, &t.Amount, &t.Currency, &status)
	t.Status = Status(status)
	return t, err
}

func (s *sqlTransfers) put(ctx context.Context, t Transfer, status Status) (sandboxTransfer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sandboxTransfer{}, err
	}
	defer tx.Rollback()
	existing, err := scanSandboxTransfer(tx.QueryRowContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandbox_transfers WHERE rail=? AND dispatch_key=?`, s.rail, t.DispatchKey))
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return sandboxTransfer{}, err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sandbox_transfers WHERE rail=?`, s.rail).Scan(&n); err != nil {
		return sandboxTransfer{}, err
	}
	st := sandboxTransfer{Transfer: t, Ref: sandboxRef(s.rail, n+1), Status: status}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sandbox_transfers(rail,dispatch_key,ref,destination,amount,currency,status) VALUES (?,?,?,?,?,?,?)`,
		s.rail, t.DispatchKey, st.Ref, t.Destination, t.Amount, t.Currency, string(status)); err != nil {
		return sandboxTransfer{}, fmt.Errorf("record sandbox transfer: %w", err)
	}
	return st, tx.Commit()
}

func (s *sqlTransfers) get(ctx context.Context, q Query) (*sandboxTransfer, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandbox_transfers WHERE rail=? AND dispatch_key=?`
	args := []any{s.rail, q.DispatchKey}
	if q.ExternalRef != "" {
		query = `SELECT ` + sandboxColumns + ` FROM sandbox_transfers WHERE rail=? AND (ref=? OR dispatch_key=?) ORDER BY ref=? DESC LIMIT 1`
		args = []any{s.rail, q.ExternalRef, q.DispatchKey, q.ExternalRef}
	}
	t, err := scanSandboxTransfer(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqlTransfers) setStatus(ctx context.Context, ref string, status Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sandbox_transfers SET status=? WHERE rail=? AND ref=?`, string(status), s.rail, ref)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlTransfers) all(ctx context.Context) ([]sandboxTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sandboxColumns+` FROM sandbox_transfers WHERE rail=? ORDER BY ref`, s.rail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sandboxTransfer
	for rows.Next() {
		t, err := scanSandboxTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
