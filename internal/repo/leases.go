package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

func (r Repo) UpsertLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pool_leases(pool_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(pool_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.PoolID, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

func (r Repo) DeleteLease(ctx context.Context, tx *sql.Tx, poolID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pool_leases WHERE pool_id=?`, poolID)
	return err
}

func (r Repo) GetLeaseTx(ctx context.Context, q DBTX, poolID string) (domain.Lease, error) {
	var l domain.Lease
	err := q.QueryRowContext(ctx, `SELECT pool_id,owner_id,acquired_at,expires_at FROM pool_leases WHERE pool_id=?`, poolID).
		Scan(&l.PoolID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) GetLease(ctx context.Context, poolID string) (domain.Lease, error) {
	return r.GetLeaseTx(ctx, r.DB, poolID)
}
