package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

const attemptColumns = `id,allocation_id,pool_id,rail,dispatch_key,chain,number,status,COALESCE(external_ref,''),COALESCE(error,''),created_at,updated_at`

func scanAttempt(row scanner) (domain.PayoutAttempt, error) {
	var a domain.PayoutAttempt
	err := row.Scan(&a.ID, &a.AllocationID, &a.PoolID, &a.Rail, &a.DispatchKey, &a.Chain, &a.Number,
		&a.Status, &a.ExternalRef, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAttempt(ctx context.Context, q DBTX, a domain.PayoutAttempt) error {
	_, err := q.ExecContext(ctx, `INSERT INTO payout_attempts(id,allocation_id,pool_id,rail,dispatch_key,chain,number,status,external_ref,error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.AllocationID, a.PoolID, a.Rail, a.DispatchKey, a.Chain, a.Number, a.Status,
		nullable(a.ExternalRef), nullable(a.Error), a.CreatedAt, a.UpdatedAt)
	return err
}

// UpdateAttempt rewrites the outcome columns of an attempt. An empty ref keeps
// the stored one.
func (r Repo) UpdateAttempt(ctx context.Context, q DBTX, id, status, ref, errMsg, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE payout_attempts SET status=?, external_ref=COALESCE(?,external_ref), error=?, updated_at=? WHERE id=?`,
		status, nullable(ref), nullable(errMsg), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAttempt(ctx context.Context, q DBTX, id string) (domain.PayoutAttempt, error) {
	return scanAttempt(q.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM payout_attempts WHERE id=?`, id))
}

// ListAttempts returns attempts of an allocation, or of a pool when allocationID is empty.
func (r Repo) ListAttempts(ctx context.Context, q DBTX, poolID, allocationID string) ([]domain.PayoutAttempt, error) {
	var clauses []string
	var args []any
	if poolID != "" {
		clauses = append(clauses, "pool_id=?")
		args = append(args, poolID)
	}
	if allocationID != "" {
		clauses = append(clauses, "allocation_id=?")
		args = append(args, allocationID)
	}
	rows, err := q.QueryContext(ctx, `SELECT `+attemptColumns+` FROM payout_attempts`+whereClause(clauses)+` ORDER BY allocation_id, chain, number`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PayoutAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestAttempt returns the newest attempt of the allocation's current chain.
func (r Repo) LatestAttempt(ctx context.Context, q DBTX, allocationID string, chain int) (domain.PayoutAttempt, error) {
	return scanAttempt(q.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM payout_attempts WHERE allocation_id=? AND chain=? ORDER BY number DESC LIMIT 1`, allocationID, chain))
}

// ConfirmedAttempt returns the single confirmed attempt of an allocation if any.
func (r Repo) ConfirmedAttempt(ctx context.Context, q DBTX, allocationID string) (domain.PayoutAttempt, error) {
	return scanAttempt(q.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM payout_attempts WHERE allocation_id=? AND status=?`, allocationID, domain.AttemptConfirmed))
}

func (r Repo) NextAttemptNumber(ctx context.Context, q DBTX, allocationID string, chain int) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(number),0)+1 FROM payout_attempts WHERE allocation_id=? AND chain=?`, allocationID, chain).Scan(&n)
	return n, err
}
