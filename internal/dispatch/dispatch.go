// Package dispatch executes allocations against settlement rails. Every
// attempt is recorded before the rail is called and its outcome is applied
// back in a separate transaction, so rail latency never holds a pool's
// ledger.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/events"
	"bountyline/internal/logging"
	"bountyline/internal/rail"
	"bountyline/internal/repo"
)

const defaultActor = "dispatcher"

type Dispatcher struct {
	Engine engine.Engine
	Rails  *rail.Registry
	Policy config.DispatchConfig
	Logger *zap.Logger
}

func New(eng engine.Engine, rails *rail.Registry, policy config.DispatchConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = eng.Logger
	}
	return &Dispatcher{Engine: eng, Rails: rails, Policy: policy, Logger: logging.OrNop(logger).Named("dispatch")}
}

func (d *Dispatcher) log() *zap.Logger {
	return logging.OrNop(d.Logger)
}

// Dispatch pays one allocation. A confirmed allocation returns its confirmed
// attempt unchanged; an in-flight one is checked against its rail before
// anything is sent again.
func (d *Dispatcher) Dispatch(ctx context.Context, allocationID, actorID string) (domain.PayoutAttempt, error) {
	if actorID == "" {
		actorID = defaultActor
	}
	a, err := d.Engine.GetAllocation(ctx, allocationID)
	if err != nil {
		return domain.PayoutAttempt{}, fmt.Errorf("allocation %s: %w", allocationID, err)
	}
	switch a.Status {
	case domain.AllocationConfirmed:
		return d.Engine.Repo.ConfirmedAttempt(ctx, d.Engine.DB, a.ID)
	case domain.AllocationCancelled, domain.AllocationFailed:
		return domain.PayoutAttempt{}, allocationStateError(a, domain.AllocationDispatched)
	case domain.AllocationDispatched, domain.AllocationRetrying:
		att, done, err := d.settleInFlight(ctx, a, actorID)
		if err != nil || done {
			return att, err
		}
	}
	return d.send(ctx, a, actorID)
}

// settleInFlight applies the rail's view of the allocation's latest attempt.
// done is false only when the rail never saw the transfer and it may be sent.
func (d *Dispatcher) settleInFlight(ctx context.Context, a domain.Allocation, actorID string) (domain.PayoutAttempt, bool, error) {
	att, err := d.Engine.Repo.LatestAttempt(ctx, d.Engine.DB, a.ID, a.Chain)
	if errors.Is(err, repo.ErrNotFound) {
		return att, false, nil
	}
	if err != nil {
		return att, true, err
	}
	rl, err := d.Rails.Get(att.Rail)
	if err != nil {
		return att, true, err
	}
	status, err := d.query(ctx, rl, rail.Query{ExternalRef: att.ExternalRef, DispatchKey: att.DispatchKey})
	if err != nil {
		// Unknown outcome; sending again is never safe here.
		return att, true, err
	}
	switch status {
	case rail.StatusSettled:
		att, err = d.confirm(ctx, a, att, att.ExternalRef, actorID)
		return att, true, err
	case rail.StatusRejected:
		att, err = d.fail(ctx, a, att, "transfer rejected by rail", actorID)
		return att, true, err
	case rail.StatusPending:
		return att, true, nil
	}
	if a.Status == domain.AllocationDispatched {
		// Claimed by another caller that has not reached the rail yet.
		return att, true, nil
	}
	return att, false, nil
}

func (d *Dispatcher) send(ctx context.Context, a domain.Allocation, actorID string) (domain.PayoutAttempt, error) {
	var (
		att         domain.PayoutAttempt
		participant domain.Participant
		claimed     bool
		refusal     string
	)
	err := d.Engine.WithPool(ctx, a.PoolID, func(tx *sql.Tx, p domain.Pool) error {
		if p.Status != domain.PoolDistributing {
			return domain.StateError{Reason: domain.ReasonAllocationState, Entity: "allocation", ID: a.ID, From: a.Status, To: domain.AllocationDispatched, Detail: "pool is " + p.Status}
		}
		now := d.Engine.Stamp()
		won, err := d.Engine.Repo.TransitionAllocation(ctx, tx, a.ID, []string{domain.AllocationPending, domain.AllocationRetrying}, domain.AllocationDispatched, now)
		if err != nil || !won {
			return err
		}
		claimed = true
		current, err := d.Engine.Repo.GetAllocation(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		a = current
		participant, err = d.Engine.Repo.GetParticipant(ctx, tx, a.ParticipantID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			refusal = fmt.Sprintf("participant %s has no payout method", a.ParticipantID)
		case err != nil:
			return err
		default:
			if _, rerr := d.Rails.Get(participant.Rail); rerr != nil {
				refusal = rerr.Error()
			}
		}
		number, err := d.Engine.Repo.NextAttemptNumber(ctx, tx, a.ID, a.Chain)
		if err != nil {
			return err
		}
		railName := participant.Rail
		if refusal != "" {
			// Refused attempts never reach a rail.
			railName = ""
		}
		att = domain.PayoutAttempt{
			ID:           uuid.NewString(),
			AllocationID: a.ID,
			PoolID:       a.PoolID,
			Rail:         railName,
			DispatchKey:  a.DispatchKey,
			Chain:        a.Chain,
			Number:       number,
			Status:       domain.AttemptDispatched,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := d.Engine.Repo.InsertAttempt(ctx, tx, att); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		if err := d.Engine.Events().Append(ctx, tx, events.AllocationDispatched, a.PoolID, "allocation", a.ID, actorID, events.EventPayload{
			"attempt_id":     att.ID,
			"participant_id": a.ParticipantID,
			"rail":           participant.Rail,
			"chain":          att.Chain,
			"number":         att.Number,
			"amount":         a.Amount,
		}); err != nil {
			return err
		}
		if refusal != "" {
			// Nothing to retry without a destination.
			return d.applyFailure(ctx, tx, a, &att, refusal, actorID)
		}
		return nil
	})
	if err != nil {
		return domain.PayoutAttempt{}, err
	}
	if !claimed {
		return d.current(ctx, a.ID)
	}
	if refusal != "" {
		d.Engine.Metrics.Attempt(participant.Rail, "failed")
		d.log().Warn("allocation failed", zap.String("allocation_id", a.ID), zap.String("reason", refusal))
		return att, nil
	}

	rl, _ := d.Rails.Get(participant.Rail)
	out, err := d.execute(ctx, rl, rail.Transfer{
		DispatchKey: a.DispatchKey,
		Destination: participant.Destination,
		Amount:      a.Amount,
		Currency:    a.Currency,
	})
	switch {
	case err == nil && out.Status == rail.StatusSettled:
		return d.confirm(ctx, a, att, out.Ref, actorID)
	case err == nil:
		return d.markAccepted(ctx, a, att, out.Ref)
	case domain.IsPermanent(err):
		return d.fail(ctx, a, att, err.Error(), actorID)
	}
	att, rerr := d.retrying(context.WithoutCancel(ctx), a, att, out.Ref, err.Error(), actorID)
	if cerr := ctx.Err(); cerr != nil {
		return att, cerr
	}
	return att, rerr
}

// current reports the state left by whichever caller claimed the allocation.
func (d *Dispatcher) current(ctx context.Context, allocationID string) (domain.PayoutAttempt, error) {
	a, err := d.Engine.GetAllocation(ctx, allocationID)
	if err != nil {
		return domain.PayoutAttempt{}, err
	}
	switch a.Status {
	case domain.AllocationConfirmed:
		return d.Engine.Repo.ConfirmedAttempt(ctx, d.Engine.DB, a.ID)
	case domain.AllocationCancelled:
		return domain.PayoutAttempt{}, allocationStateError(a, domain.AllocationDispatched)
	}
	return d.Engine.Repo.LatestAttempt(ctx, d.Engine.DB, a.ID, a.Chain)
}

type outcome struct {
	Status rail.Status
	Ref    string
}

// execute initiates the transfer under the retry policy. Any transient error
// may hide an accepted transfer, so the next try asks the rail about the
// dispatch key before initiating again.
func (d *Dispatcher) execute(ctx context.Context, rl rail.Rail, t rail.Transfer) (outcome, error) {
	var (
		ref       string
		ambiguous bool
	)
	op := func() (rail.Status, error) {
		if ambiguous {
			status, err := d.query(ctx, rl, rail.Query{DispatchKey: t.DispatchKey})
			if err != nil {
				return "", err
			}
			switch status {
			case rail.StatusSettled, rail.StatusPending:
				ambiguous = false
				return status, nil
			case rail.StatusRejected:
				return "", backoff.Permanent(domain.Permanent(rl.Name(), errors.New("transfer rejected by rail")))
			}
			ambiguous = false
		}
		callCtx, cancel := d.callContext(ctx)
		start := time.Now()
		r, err := rl.Initiate(callCtx, t)
		cancel()
		d.Engine.Metrics.ObserveRail(rl.Name(), "initiate", time.Since(start).Seconds())
		if err != nil {
			if domain.IsPermanent(err) {
				return "", backoff.Permanent(err)
			}
			ambiguous = true
			return "", err
		}
		ref = r
		status, err := d.query(ctx, rl, rail.Query{ExternalRef: r, DispatchKey: t.DispatchKey})
		if err != nil {
			return rail.StatusPending, nil
		}
		switch status {
		case rail.StatusRejected:
			return "", backoff.Permanent(domain.Permanent(rl.Name(), fmt.Errorf("transfer %s rejected by rail", r)))
		case rail.StatusNotFound:
			return rail.StatusPending, nil
		}
		return status, nil
	}
	status, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(d.backOff()),
		backoff.WithMaxTries(d.maxTries()),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.log().Info("rail retry",
				zap.String("rail", rl.Name()),
				zap.String("dispatch_key", t.DispatchKey),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	return outcome{Status: status, Ref: ref}, err
}

func (d *Dispatcher) query(ctx context.Context, rl rail.Rail, q rail.Query) (rail.Status, error) {
	callCtx, cancel := d.callContext(ctx)
	defer cancel()
	start := time.Now()
	status, err := rl.QueryStatus(callCtx, q)
	d.Engine.Metrics.ObserveRail(rl.Name(), "query", time.Since(start).Seconds())
	return status, err
}

func (d *Dispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Policy.RailTimeout > 0 {
		return context.WithTimeout(ctx, d.Policy.RailTimeout)
	}
	return context.WithCancel(ctx)
}

func (d *Dispatcher) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if d.Policy.InitialInterval > 0 {
		b.InitialInterval = d.Policy.InitialInterval
	}
	if d.Policy.MaxInterval > 0 {
		b.MaxInterval = d.Policy.MaxInterval
	}
	if d.Policy.Multiplier >= 1 {
		b.Multiplier = d.Policy.Multiplier
	}
	return b
}

func (d *Dispatcher) maxTries() uint {
	if d.Policy.MaxAttempts == 0 {
		return 1
	}
	return d.Policy.MaxAttempts
}

func (d *Dispatcher) concurrency() int {
	if d.Policy.Concurrency <= 0 {
		return 4
	}
	return d.Policy.Concurrency
}

func (d *Dispatcher) confirm(ctx context.Context, a domain.Allocation, att domain.PayoutAttempt, ref, actorID string) (domain.PayoutAttempt, error) {
	err := d.Engine.WithPool(ctx, a.PoolID, func(tx *sql.Tx, _ domain.Pool) error {
		now := d.Engine.Stamp()
		won, err := d.Engine.Repo.TransitionAllocation(ctx, tx, a.ID, []string{domain.AllocationDispatched, domain.AllocationRetrying}, domain.AllocationConfirmed, now)
		if err != nil {
			return err
		}
		if !won {
			cur, err := d.Engine.Repo.GetAllocation(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			if cur.Status == domain.AllocationConfirmed {
				att, err = d.Engine.Repo.ConfirmedAttempt(ctx, tx, a.ID)
				return err
			}
			return allocationStateError(cur, domain.AllocationConfirmed)
		}
		if err := d.Engine.Repo.UpdateAttempt(ctx, tx, att.ID, domain.AttemptConfirmed, ref, "", now); err != nil {
			return err
		}
		if _, err := d.Engine.AppendLedger(ctx, tx, a.PoolID, domain.EntryPayout, -a.Amount, "payout confirmed", att.ID); err != nil {
			return err
		}
		att.Status = domain.AttemptConfirmed
		att.Error = ""
		att.UpdatedAt = now
		if ref != "" {
			att.ExternalRef = ref
		}
		return d.Engine.Events().Append(ctx, tx, events.AllocationConfirmed, a.PoolID, "allocation", a.ID, actorID, events.EventPayload{
			"attempt_id":     att.ID,
			"participant_id": a.ParticipantID,
			"rail":           att.Rail,
			"external_ref":   att.ExternalRef,
			"amount":         a.Amount,
			"currency":       a.Currency,
		})
	})
	if err != nil {
		return att, err
	}
	d.Engine.Metrics.Attempt(att.Rail, "confirmed")
	d.log().Info("allocation confirmed", zap.String("allocation_id", a.ID), zap.String("attempt_id", att.ID), zap.Int64("amount", a.Amount))
	return att, nil
}

func (d *Dispatcher) fail(ctx context.Context, a domain.Allocation, att domain.PayoutAttempt, reason, actorID string) (domain.PayoutAttempt, error) {
	err := d.Engine.WithPool(ctx, a.PoolID, func(tx *sql.Tx, _ domain.Pool) error {
		return d.applyFailure(ctx, tx, a, &att, reason, actorID)
	})
	if err != nil {
		return att, err
	}
	d.Engine.Metrics.Attempt(att.Rail, "failed")
	d.log().Warn("allocation failed", zap.String("allocation_id", a.ID), zap.String("attempt_id", att.ID), zap.String("reason", reason))
	return att, nil
}

// applyFailure ends the current chain. The reserve stays in place until the
// organizer acknowledges or reopens the allocation.
func (d *Dispatcher) applyFailure(ctx context.Context, tx *sql.Tx, a domain.Allocation, att *domain.PayoutAttempt, reason, actorID string) error {
	now := d.Engine.Stamp()
	won, err := d.Engine.Repo.TransitionAllocation(ctx, tx, a.ID, []string{domain.AllocationDispatched, domain.AllocationRetrying}, domain.AllocationFailed, now)
	if err != nil {
		return err
	}
	if !won {
		cur, err := d.Engine.Repo.GetAllocation(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		return allocationStateError(cur, domain.AllocationFailed)
	}
	if err := d.Engine.Repo.UpdateAttempt(ctx, tx, att.ID, domain.AttemptFailed, "", reason, now); err != nil {
		return err
	}
	att.Status = domain.AttemptFailed
	att.Error = reason
	att.UpdatedAt = now
	return d.Engine.Events().Append(ctx, tx, events.AllocationFailed, a.PoolID, "allocation", a.ID, actorID, events.EventPayload{
		"attempt_id":     att.ID,
		"participant_id": a.ParticipantID,
		"rail":           att.Rail,
		"error":          reason,
		"amount":         a.Amount,
	})
}

func (d *Dispatcher) retrying(ctx context.Context, a domain.Allocation, att domain.PayoutAttempt, ref, reason, actorID string) (domain.PayoutAttempt, error) {
	err := d.Engine.WithPool(ctx, a.PoolID, func(tx *sql.Tx, _ domain.Pool) error {
		now := d.Engine.Stamp()
		won, err := d.Engine.Repo.TransitionAllocation(ctx, tx, a.ID, []string{domain.AllocationDispatched}, domain.AllocationRetrying, now)
		if err != nil {
			return err
		}
		if !won {
			cur, err := d.Engine.Repo.GetAllocation(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			return allocationStateError(cur, domain.AllocationRetrying)
		}
		if err := d.Engine.Repo.UpdateAttempt(ctx, tx, att.ID, domain.AttemptRetrying, ref, reason, now); err != nil {
			return err
		}
		att.Status = domain.AttemptRetrying
		att.Error = reason
		att.UpdatedAt = now
		if ref != "" {
			att.ExternalRef = ref
		}
		return d.Engine.Events().Append(ctx, tx, events.AllocationRetrying, a.PoolID, "allocation", a.ID, actorID, events.EventPayload{
			"attempt_id": att.ID,
			"rail":       att.Rail,
			"number":     att.Number,
			"error":      reason,
		})
	})
	if err != nil {
		return att, err
	}
	d.Engine.Metrics.Attempt(att.Rail, "retrying")
	d.log().Warn("allocation retrying", zap.String("allocation_id", a.ID), zap.String("attempt_id", att.ID), zap.String("reason", reason))
	return att, nil
}

// markAccepted stores the rail reference of a transfer that is not settled yet.
func (d *Dispatcher) markAccepted(ctx context.Context, a domain.Allocation, att domain.PayoutAttempt, ref string) (domain.PayoutAttempt, error) {
	err := d.Engine.WithPool(ctx, a.PoolID, func(tx *sql.Tx, _ domain.Pool) error {
		now := d.Engine.Stamp()
		att.UpdatedAt = now
		if ref != "" {
			att.ExternalRef = ref
		}
		return d.Engine.Repo.UpdateAttempt(ctx, tx, att.ID, domain.AttemptDispatched, ref, "", now)
	})
	if err != nil {
		return att, err
	}
	d.Engine.Metrics.Attempt(att.Rail, "accepted")
	return att, nil
}

// PoolReport summarises one DispatchPool run.
type PoolReport struct {
	PoolID   string                 `json:"pool_id"`
	Attempts []domain.PayoutAttempt `json:"attempts"`
	Closed   bool                   `json:"closed"`
}

// DispatchPool dispatches every pending or retrying allocation of a pool
// concurrently and closes the pool when nothing is left outstanding.
func (d *Dispatcher) DispatchPool(ctx context.Context, poolID, actorID string) (PoolReport, error) {
	report := PoolReport{PoolID: poolID}
	p, err := d.Engine.GetPool(ctx, poolID)
	if err != nil {
		return report, fmt.Errorf("pool %s: %w", poolID, err)
	}
	if p.Status != domain.PoolDistributing {
		return report, domain.StateError{Reason: domain.ReasonInvalidTransition, Entity: "pool", ID: poolID, From: p.Status, Detail: "dispatch requires a distributing pool"}
	}
	allocs, err := d.Engine.ListAllocations(ctx, poolID, "")
	if err != nil {
		return report, err
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.concurrency())
	for _, a := range allocs {
		if a.Status != domain.AllocationPending && a.Status != domain.AllocationRetrying {
			continue
		}
		id := a.ID
		g.Go(func() error {
			att, err := d.Dispatch(ctx, id, actorID)
			if err != nil {
				var se domain.StateError
				if errors.As(err, &se) {
					d.log().Info("allocation skipped", zap.String("allocation_id", id), zap.Error(err))
					return nil
				}
				return fmt.Errorf("dispatch %s: %w", id, err)
			}
			mu.Lock()
			report.Attempts = append(report.Attempts, att)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	sort.Slice(report.Attempts, func(i, j int) bool {
		return report.Attempts[i].AllocationID < report.Attempts[j].AllocationID
	})
	if err := d.Engine.ClosePool(ctx, poolID, actorID); err != nil {
		var se domain.StateError
		if errors.As(err, &se) && se.Reason == domain.ReasonAllocationsOutstanding {
			return report, nil
		}
		return report, err
	}
	report.Closed = true
	return report, nil
}

func allocationStateError(a domain.Allocation, to string) domain.StateError {
	return domain.StateError{Reason: domain.ReasonAllocationState, Entity: "allocation", ID: a.ID, From: a.Status, To: to}
}
