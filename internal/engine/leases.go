package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/repo"
)

// ClaimLease takes the pool's exclusive distribution lease. An unexpired lease
// held by another actor is a StateError; the holder may renew.
func (e Engine) ClaimLease(ctx context.Context, poolID, actorID string, d time.Duration) (domain.Lease, error) {
	if actorID == "" {
		return domain.Lease{}, domain.InputError{Field: "actor_id", Message: "is required to hold a lease"}
	}
	if d <= 0 {
		d = e.Config.LeaseDuration()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetPoolTx(ctx, tx, poolID); err != nil {
		return domain.Lease{}, fmt.Errorf("pool %s: %w", poolID, err)
	}
	now := e.now().UTC()
	existing, err := e.Repo.GetLeaseTx(ctx, tx, poolID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, err
	}
	if err == nil && existing.OwnerID != actorID && !leaseExpired(existing, now) {
		return domain.Lease{}, domain.StateError{Reason: domain.ReasonLeaseHeld, Entity: "pool", ID: poolID, Detail: "lease held by " + existing.OwnerID + " until " + existing.ExpiresAt}
	}
	lease := domain.Lease{
		PoolID:     poolID,
		OwnerID:    actorID,
		AcquiredAt: domain.FormatTime(now),
		ExpiresAt:  domain.FormatTime(now.Add(d)),
	}
	if err := e.Repo.UpsertLease(ctx, tx, lease); err != nil {
		return domain.Lease{}, err
	}
	if err := e.Events().Append(ctx, tx, events.LeaseClaimed, poolID, "lease", poolID, actorID, events.EventPayload{"expires_at": lease.ExpiresAt}); err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

// ReleaseLease drops the lease if actorID holds it or it has expired.
func (e Engine) ReleaseLease(ctx context.Context, poolID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	existing, err := e.Repo.GetLeaseTx(ctx, tx, poolID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.OwnerID != actorID && !leaseExpired(existing, e.now()) {
		return domain.StateError{Reason: domain.ReasonLeaseHeld, Entity: "pool", ID: poolID, Detail: "lease held by " + existing.OwnerID}
	}
	if err := e.Repo.DeleteLease(ctx, tx, poolID); err != nil {
		return err
	}
	if err := e.Events().Append(ctx, tx, events.LeaseReleased, poolID, "lease", poolID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func leaseExpired(l domain.Lease, now time.Time) bool {
	exp, err := time.Parse(domain.TimeLayout, l.ExpiresAt)
	if err != nil {
		return true
	}
	return !now.Before(exp)
}
