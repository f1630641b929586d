package repo

import (
	"context"
	"database/sql"
	"fmt"

	"bountyline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(pool_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func (r Repo) queryEvents(ctx context.Context, q DBTX, query string, args ...any) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PoolID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type EventFilter struct {
	PoolID     string
	Type       string
	EntityKind string
	EntityID   string
	// Before pages backwards from an event id.
	Before int64
	Limit  int
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var clauses []string
	var args []any
	if f.PoolID != "" {
		clauses = append(clauses, "pool_id=?")
		args = append(args, f.PoolID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT %s FROM events%s ORDER BY id DESC LIMIT ?`, eventColumns, whereClause(clauses))
	args = append(args, f.Limit)
	return r.queryEvents(ctx, r.DB, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, poolID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if poolID != "" {
		clauses = append(clauses, "pool_id=?")
		args = append(args, poolID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events%s ORDER BY id ASC LIMIT ?`, eventColumns, whereClause(clauses))
	args = append(args, limit)
	return r.queryEvents(ctx, r.DB, query, args...)
}

// EventsUpTo returns a pool's events up to and including the given timestamp.
// An empty timestamp returns all of them.
func (r Repo) EventsUpTo(ctx context.Context, q DBTX, poolID, ts string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE pool_id=?`
	args := []any{poolID}
	if ts != "" {
		query += ` AND ts<=?`
		args = append(args, ts)
	}
	return r.queryEvents(ctx, q, query+` ORDER BY id ASC`, args...)
}

// LatestEventID returns the most recent event ID, optionally for one pool.
func (r Repo) LatestEventID(ctx context.Context, poolID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if poolID != "" {
		query += ` WHERE pool_id=?`
		args = append(args, poolID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// WebhookCursor returns the last delivered event id of a hook.
func (r Repo) WebhookCursor(ctx context.Context, hook string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT event_id FROM webhook_cursors WHERE hook=?`, hook).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, hook string, eventID int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook,event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(hook) DO UPDATE SET event_id=excluded.event_id, updated_at=excluded.updated_at`, hook, eventID, now)
	return err
}
