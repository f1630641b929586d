package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"bountyline/internal/domain"
)

const allocationColumns = `id,pool_id,participant_id,rank,amount,currency,breakdown_json,status,chain,dispatch_key,acknowledged,created_at,updated_at`

func scanAllocation(row scanner) (domain.Allocation, error) {
	var a domain.Allocation
	var breakdown string
	var ack int
	err := row.Scan(&a.ID, &a.PoolID, &a.ParticipantID, &a.Rank, &a.Amount, &a.Currency, &breakdown,
		&a.Status, &a.Chain, &a.DispatchKey, &ack, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Acknowledged = ack != 0
	if err := json.Unmarshal([]byte(breakdown), &a.Breakdown); err != nil {
		return a, fmt.Errorf("decode breakdown of allocation %s: %w", a.ID, err)
	}
	return a, nil
}

func (r Repo) InsertAllocation(ctx context.Context, q DBTX, a domain.Allocation) error {
	breakdown, err := json.Marshal(a.Breakdown)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO allocations(`+allocationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.PoolID, a.ParticipantID, a.Rank, a.Amount, a.Currency, string(breakdown),
		a.Status, a.Chain, a.DispatchKey, boolInt(a.Acknowledged), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAllocation(ctx context.Context, q DBTX, id string) (domain.Allocation, error) {
	return scanAllocation(q.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id=?`, id))
}

type AllocationFilter struct {
	PoolID string
	Status string
}

func (r Repo) ListAllocations(ctx context.Context, q DBTX, f AllocationFilter) ([]domain.Allocation, error) {
	var clauses []string
	var args []any
	if f.PoolID != "" {
		clauses = append(clauses, "pool_id=?")
		args = append(args, f.PoolID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	rows, err := q.QueryContext(ctx, `SELECT `+allocationColumns+` FROM allocations`+whereClause(clauses)+` ORDER BY pool_id, rank, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// TransitionAllocation moves an allocation between statuses and reports
// whether this caller won the update.
func (r Repo) TransitionAllocation(ctx context.Context, q DBTX, id string, from []string, to, now string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition allocation %s: no source status", id)
	}
	query := `UPDATE allocations SET status=?, updated_at=? WHERE id=? AND status IN (?` + repeat(",?", len(from)-1) + `)`
	args := []any{to, now, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReopenAllocation starts a new attempt chain with a new dispatch key.
func (r Repo) ReopenAllocation(ctx context.Context, q DBTX, id string, chain int, key, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE allocations SET status=?, chain=?, dispatch_key=?, acknowledged=0, updated_at=? WHERE id=? AND status=?`,
		domain.AllocationPending, chain, key, now, id, domain.AllocationFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) AcknowledgeAllocation(ctx context.Context, q DBTX, id, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE allocations SET acknowledged=1, updated_at=? WHERE id=? AND status=?`, now, id, domain.AllocationFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
