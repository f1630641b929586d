package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bountyline/internal/allocation"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/repo"
)

// StartDistribution takes the authoritative submission snapshot of a locked
// pool, computes its allocations, reserves their funds and moves the pool to
// distributing. The distribution lease makes exactly one caller compute; a
// pool already distributing returns its existing allocations.
func (e Engine) StartDistribution(ctx context.Context, poolID, actorID string) ([]domain.Allocation, error) {
	if actorID == "" {
		actorID = "system"
	}
	if _, err := e.ClaimLease(ctx, poolID, actorID, e.Config.LeaseDuration()); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.ReleaseLease(context.WithoutCancel(ctx), poolID, actorID); err != nil {
			e.log().Warn("release distribution lease", zap.String("pool_id", poolID), zap.Error(err))
		}
	}()

	var allocs []domain.Allocation
	err := e.WithPool(ctx, poolID, func(tx *sql.Tx, p domain.Pool) error {
		if p.Status == domain.PoolDistributing {
			var err error
			allocs, err = e.Repo.ListAllocations(ctx, tx, repo.AllocationFilter{PoolID: poolID})
			return err
		}
		if err := ensurePoolTransition(poolID, p.Status, domain.PoolDistributing); err != nil {
			return err
		}
		subs, err := e.Repo.ListSubmissions(ctx, tx, poolID)
		if err != nil {
			return fmt.Errorf("snapshot submissions: %w", err)
		}
		epoch := p.LockEpoch + 1
		allocs, err = allocation.Compute(allocation.Input{
			PoolID:      poolID,
			Epoch:       epoch,
			Currency:    p.Currency,
			Available:   p.Balance().Unreserved(),
			Rules:       p.Rules,
			Submissions: subs,
		})
		if err != nil {
			return err
		}
		now := e.Stamp()
		var reserved int64
		for i := range allocs {
			allocs[i].CreatedAt = now
			allocs[i].UpdatedAt = now
			if err := e.Repo.InsertAllocation(ctx, tx, allocs[i]); err != nil {
				return fmt.Errorf("insert allocation %s: %w", allocs[i].ID, err)
			}
			if _, err := e.AppendLedger(ctx, tx, poolID, domain.EntryReserve, allocs[i].Amount, "allocation reserved", allocs[i].ID); err != nil {
				return err
			}
			reserved += allocs[i].Amount
		}
		snapshot, err := allocation.SnapshotHash(subs)
		if err != nil {
			return err
		}
		if err := e.Repo.StartDistribution(ctx, tx, poolID, epoch, snapshot, now); err != nil {
			return err
		}
		if err := e.Events().Append(ctx, tx, events.DistributionStarted, poolID, "pool", poolID, actorID, events.EventPayload{
			"epoch":         epoch,
			"allocations":   len(allocs),
			"reserved":      reserved,
			"submissions":   len(subs),
			"snapshot_hash": snapshot,
			"rules_hash":    p.RulesHash,
		}); err != nil {
			return err
		}
		if err := e.Events().Append(ctx, tx, events.PoolTransitioned, poolID, "pool", poolID, actorID, events.EventPayload{
			"from": p.Status,
			"to":   domain.PoolDistributing,
		}); err != nil {
			return err
		}
		e.Metrics.Transition(domain.PoolDistributing)
		e.Metrics.Allocations(len(allocs))
		return nil
	})
	if err != nil {
		var insufficient domain.InsufficientPoolError
		if errors.As(err, &insufficient) {
			e.log().Warn("allocation aborted", zap.String("pool_id", poolID), zap.Int64("required", insufficient.Required), zap.Int64("available", insufficient.Available))
		}
		return nil, err
	}
	e.log().Info("distribution started", zap.String("pool_id", poolID), zap.Int("allocations", len(allocs)))
	return allocs, nil
}

// HaltDistribution cancels allocations that have not been dispatched yet and
// releases their reserves. Dispatched, retrying and confirmed allocations are
// untouched.
func (e Engine) HaltDistribution(ctx context.Context, poolID, actorID string) ([]domain.Allocation, error) {
	var cancelled []domain.Allocation
	err := e.WithPool(ctx, poolID, func(tx *sql.Tx, p domain.Pool) error {
		if p.Status != domain.PoolDistributing {
			return domain.StateError{Reason: domain.ReasonInvalidTransition, Entity: "pool", ID: poolID, From: p.Status, Detail: "halt requires a distributing pool"}
		}
		pending, err := e.Repo.ListAllocations(ctx, tx, repo.AllocationFilter{PoolID: poolID, Status: domain.AllocationPending})
		if err != nil {
			return err
		}
		now := e.Stamp()
		for _, a := range pending {
			won, err := e.Repo.TransitionAllocation(ctx, tx, a.ID, []string{domain.AllocationPending}, domain.AllocationCancelled, now)
			if err != nil {
				return err
			}
			if !won {
				continue
			}
			if _, err := e.AppendLedger(ctx, tx, poolID, domain.EntryRelease, -a.Amount, "distribution halted", a.ID); err != nil {
				return err
			}
			if err := e.Events().Append(ctx, tx, events.AllocationCancelled, poolID, "allocation", a.ID, actorID, events.EventPayload{
				"participant_id": a.ParticipantID,
				"amount":         a.Amount,
			}); err != nil {
				return err
			}
			a.Status = domain.AllocationCancelled
			cancelled = append(cancelled, a)
		}
		return e.Events().Append(ctx, tx, events.DistributionHalted, poolID, "pool", poolID, actorID, events.EventPayload{"cancelled": len(cancelled)})
	})
	if err != nil {
		return nil, err
	}
	e.log().Info("distribution halted", zap.String("pool_id", poolID), zap.Int("cancelled", len(cancelled)))
	return cancelled, nil
}

func (e Engine) ListAllocations(ctx context.Context, poolID, status string) ([]domain.Allocation, error) {
	return e.Repo.ListAllocations(ctx, e.DB, repo.AllocationFilter{PoolID: poolID, Status: status})
}

func (e Engine) GetAllocation(ctx context.Context, id string) (domain.Allocation, error) {
	return e.Repo.GetAllocation(ctx, e.DB, id)
}
