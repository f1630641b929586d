package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

const issueColumns = `id,pool_id,allocation_id,attempt_id,local_status,rail_status,COALESCE(resolution,''),COALESCE(resolved_by,''),created_at,COALESCE(resolved_at,'')`

func scanIssue(row scanner) (domain.ReconciliationIssue, error) {
	var i domain.ReconciliationIssue
	err := row.Scan(&i.ID, &i.PoolID, &i.AllocationID, &i.AttemptID, &i.LocalStatus, &i.RailStatus,
		&i.Resolution, &i.ResolvedBy, &i.CreatedAt, &i.ResolvedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

// InsertIssue records an open issue; a second open issue for the same attempt
// is ignored and reported as false.
func (r Repo) InsertIssue(ctx context.Context, q DBTX, i domain.ReconciliationIssue) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO reconciliation_issues(id,pool_id,allocation_id,attempt_id,local_status,rail_status,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT DO NOTHING`, i.ID, i.PoolID, i.AllocationID, i.AttemptID, i.LocalStatus, i.RailStatus, i.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetIssue(ctx context.Context, q DBTX, id string) (domain.ReconciliationIssue, error) {
	return scanIssue(q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM reconciliation_issues WHERE id=?`, id))
}

// ListIssues returns a pool's issues; openOnly drops resolved ones.
func (r Repo) ListIssues(ctx context.Context, q DBTX, poolID string, openOnly bool) ([]domain.ReconciliationIssue, error) {
	var clauses []string
	var args []any
	if poolID != "" {
		clauses = append(clauses, "pool_id=?")
		args = append(args, poolID)
	}
	if openOnly {
		clauses = append(clauses, "resolution IS NULL")
	}
	rows, err := q.QueryContext(ctx, `SELECT `+issueColumns+` FROM reconciliation_issues`+whereClause(clauses)+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReconciliationIssue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// OpenIssueCount counts unresolved issues of an allocation.
func (r Repo) OpenIssueCount(ctx context.Context, q DBTX, allocationID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_issues WHERE allocation_id=? AND resolution IS NULL`, allocationID).Scan(&n)
	return n, err
}

func (r Repo) ResolveIssue(ctx context.Context, q DBTX, id, resolution, actorID, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE reconciliation_issues SET resolution=?, resolved_by=?, resolved_at=? WHERE id=? AND resolution IS NULL`,
		resolution, actorID, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}
