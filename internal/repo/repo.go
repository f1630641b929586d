package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bountyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional update matched no row.
	ErrConflict = errors.New("concurrent update")
)

const poolColumns = `id,COALESCE(name,''),organizer_id,currency,status,rules_json,total_deposited,total_refunded,total_allocated,total_released,total_paid,lock_epoch,COALESCE(rules_hash,''),COALESCE(snapshot_hash,''),created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPool(row scanner) (domain.Pool, error) {
	var p domain.Pool
	var rules string
	err := row.Scan(&p.ID, &p.Name, &p.OrganizerID, &p.Currency, &p.Status, &rules,
		&p.TotalDeposited, &p.TotalRefunded, &p.TotalAllocated, &p.TotalReleased, &p.TotalPaid,
		&p.LockEpoch, &p.RulesHash, &p.SnapshotHash, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return p, fmt.Errorf("decode rules of pool %s: %w", p.ID, err)
	}
	return p, nil
}

func (r Repo) InsertPool(ctx context.Context, q DBTX, p domain.Pool) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO pools(id,name,organizer_id,currency,status,rules_json,rules_hash,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, nullable(p.Name), p.OrganizerID, p.Currency, p.Status, string(rules), nullable(p.RulesHash), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPool(ctx context.Context, id string) (domain.Pool, error) {
	return r.GetPoolTx(ctx, r.DB, id)
}

func (r Repo) GetPoolTx(ctx context.Context, q DBTX, id string) (domain.Pool, error) {
	return scanPool(q.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id=?`, id))
}

func (r Repo) PoolExists(ctx context.Context, q DBTX, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM pools WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListPools(ctx context.Context, status string) ([]domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdatePoolStatus moves a pool from one status to another; ErrConflict if it
// is no longer in the expected status.
func (r Repo) UpdatePoolStatus(ctx context.Context, q DBTX, id, from, to, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE pools SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) UpdatePoolRules(ctx context.Context, q DBTX, id string, rules domain.RuleSet, hash, now string) error {
	payload, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE pools SET rules_json=?, rules_hash=?, updated_at=? WHERE id=? AND status=?`,
		string(payload), hash, now, id, domain.PoolDraft)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// StartDistribution records the snapshot of a lock epoch and moves the pool to distributing.
func (r Repo) StartDistribution(ctx context.Context, q DBTX, id string, epoch int, snapshotHash, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE pools SET status=?, lock_epoch=?, snapshot_hash=?, updated_at=? WHERE id=? AND status=?`,
		domain.PoolDistributing, epoch, snapshotHash, now, id, domain.PoolLocked)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}
