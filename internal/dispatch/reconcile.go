package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bountyline/internal/allocation"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/rail"
	"bountyline/internal/repo"
)

// ReconcileReport lists what one reconciliation pass changed.
type ReconcileReport struct {
	PoolID      string                       `json:"pool_id"`
	Checked     int                          `json:"checked"`
	Confirmed   []string                     `json:"confirmed,omitempty"`
	Failed      []string                     `json:"failed,omitempty"`
	Requeued    []string                     `json:"requeued,omitempty"`
	Unreachable []string                     `json:"unreachable,omitempty"`
	Issues      []domain.ReconciliationIssue `json:"issues,omitempty"`
}

// Conflicts returns the open issues as errors.
func (r ReconcileReport) Conflicts() []error {
	var errs []error
	for _, i := range r.Issues {
		errs = append(errs, domain.ReconciliationError{IssueID: i.ID, AllocationID: i.AllocationID, Local: i.LocalStatus, Remote: i.RailStatus})
	}
	return errs
}

// Reconcile asks the rails about every in-flight, confirmed or failed
// allocation of a pool. In-flight allocations take the rail's outcome.
// Settled records that disagree with the rail become issues for an operator
// and are left untouched.
func (d *Dispatcher) Reconcile(ctx context.Context, poolID, actorID string) (ReconcileReport, error) {
	if actorID == "" {
		actorID = defaultActor
	}
	report := ReconcileReport{PoolID: poolID}
	if _, err := d.Engine.GetPool(ctx, poolID); err != nil {
		return report, fmt.Errorf("pool %s: %w", poolID, err)
	}
	allocs, err := d.Engine.ListAllocations(ctx, poolID, "")
	if err != nil {
		return report, err
	}
	for _, a := range allocs {
		var att domain.PayoutAttempt
		switch {
		case a.Status == domain.AllocationConfirmed:
			att, err = d.Engine.Repo.ConfirmedAttempt(ctx, d.Engine.DB, a.ID)
		case a.Status == domain.AllocationDispatched, a.Status == domain.AllocationRetrying,
			a.Status == domain.AllocationFailed && !a.Acknowledged:
			att, err = d.Engine.Repo.LatestAttempt(ctx, d.Engine.DB, a.ID, a.Chain)
		default:
			continue
		}
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return report, err
		}
		if att.Rail == "" {
			// Refused before reaching any rail.
			continue
		}
		report.Checked++
		rl, err := d.Rails.Get(att.Rail)
		if err != nil {
			report.Unreachable = append(report.Unreachable, a.ID)
			continue
		}
		status, err := d.query(ctx, rl, rail.Query{ExternalRef: att.ExternalRef, DispatchKey: att.DispatchKey})
		if err != nil {
			d.log().Warn("reconcile query failed", zap.String("allocation_id", a.ID), zap.Error(err))
			report.Unreachable = append(report.Unreachable, a.ID)
			continue
		}
		if err := d.reconcileOne(ctx, a, att, status, actorID, &report); err != nil {
			return report, err
		}
	}
	issues, err := d.Engine.Repo.ListIssues(ctx, d.Engine.DB, poolID, true)
	if err != nil {
		return report, err
	}
	report.Issues = issues
	return report, nil
}

func (d *Dispatcher) reconcileOne(ctx context.Context, a domain.Allocation, att domain.PayoutAttempt, status rail.Status, actorID string, report *ReconcileReport) error {
	switch a.Status {
	case domain.AllocationConfirmed:
		if status != rail.StatusSettled {
			return d.recordIssue(ctx, a, att, status, actorID)
		}
	case domain.AllocationFailed:
		if status == rail.StatusSettled || status == rail.StatusPending {
			return d.recordIssue(ctx, a, att, status, actorID)
		}
	default:
		switch status {
		case rail.StatusSettled:
			if _, err := d.confirm(ctx, a, att, att.ExternalRef, actorID); err != nil {
				return err
			}
			report.Confirmed = append(report.Confirmed, a.ID)
		case rail.StatusRejected:
			if _, err := d.fail(ctx, a, att, "transfer rejected by rail", actorID); err != nil {
				return err
			}
			report.Failed = append(report.Failed, a.ID)
		case rail.StatusNotFound:
			if a.Status == domain.AllocationDispatched && d.stale(att) {
				if _, err := d.retrying(ctx, a, att, "", "claim expired before the rail saw the transfer", actorID); err != nil {
					return err
				}
				report.Requeued = append(report.Requeued, a.ID)
			}
		}
	}
	return nil
}

// stale reports a dispatched attempt older than the rail timeout.
func (d *Dispatcher) stale(att domain.PayoutAttempt) bool {
	updated, err := time.Parse(domain.TimeLayout, att.UpdatedAt)
	if err != nil {
		return false
	}
	timeout := d.Policy.RailTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return d.Engine.Stamp() > domain.FormatTime(updated.Add(timeout))
}

func (d *Dispatcher) recordIssue(ctx context.Context, a domain.Allocation, att domain.PayoutAttempt, status rail.Status, actorID string) error {
	issue := domain.ReconciliationIssue{
		ID:           uuid.NewString(),
		PoolID:       a.PoolID,
		AllocationID: a.ID,
		AttemptID:    att.ID,
		LocalStatus:  a.Status,
		RailStatus:   string(status),
	}
	var inserted bool
	err := d.Engine.WithPool(ctx, a.PoolID, func(tx *sql.Tx, _ domain.Pool) error {
		issue.CreatedAt = d.Engine.Stamp()
		var err error
		inserted, err = d.Engine.Repo.InsertIssue(ctx, tx, issue)
		if err != nil || !inserted {
			return err
		}
		return d.Engine.Events().Append(ctx, tx, events.ReconciliationIssue, a.PoolID, "allocation", a.ID, actorID, events.EventPayload{
			"issue_id":     issue.ID,
			"attempt_id":   att.ID,
			"local_status": issue.LocalStatus,
			"rail_status":  issue.RailStatus,
		})
	})
	if err != nil || !inserted {
		return err
	}
	d.Engine.Metrics.Issue()
	d.log().Error("reconciliation conflict", zap.Error(domain.ReconciliationError{
		IssueID: issue.ID, AllocationID: a.ID, Local: issue.LocalStatus, Remote: issue.RailStatus,
	}))
	return nil
}

// checkFailedChain asks the rail about the current chain of a failed
// allocation. A transfer the rail settled or still holds becomes an issue and
// the allocation stays as it is until an operator resolves it.
func (d *Dispatcher) checkFailedChain(ctx context.Context, a domain.Allocation, actorID string) error {
	if a.Status != domain.AllocationFailed || a.Acknowledged {
		return nil
	}
	att, err := d.Engine.Repo.LatestAttempt(ctx, d.Engine.DB, a.ID, a.Chain)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if att.Rail == "" {
		return nil
	}
	rl, err := d.Rails.Get(att.Rail)
	if err != nil {
		return fmt.Errorf("check chain %d of allocation %s: %w", a.Chain, a.ID, err)
	}
	status, err := d.query(ctx, rl, rail.Query{ExternalRef: att.ExternalRef, DispatchKey: att.DispatchKey})
	if err != nil {
		return fmt.Errorf("check chain %d of allocation %s: %w", a.Chain, a.ID, err)
	}
	if status == rail.StatusSettled || status == rail.StatusPending {
		return d.recordIssue(ctx, a, att, status, actorID)
	}
	return nil
}

// ensureNoOpenIssue refuses to move an allocation while the rail disagrees with it.
func (d *Dispatcher) ensureNoOpenIssue(ctx context.Context, tx *sql.Tx, a domain.Allocation, to string) error {
	n, err := d.Engine.Repo.OpenIssueCount(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return domain.StateError{Reason: domain.ReasonReconciliationOpen, Entity: "allocation", ID: a.ID, From: a.Status, To: to,
			Detail: fmt.Sprintf("%d open reconciliation issue(s) must be resolved first", n)}
	}
	return nil
}

// Reopen starts a new attempt chain for a failed allocation under a fresh
// dispatch key. Acknowledged failures have released their funds and stay closed.
func (d *Dispatcher) Reopen(ctx context.Context, allocationID, actorID string) (domain.Allocation, error) {
	if actorID == "" {
		actorID = defaultActor
	}
	a, err := d.Engine.GetAllocation(ctx, allocationID)
	if err != nil {
		return a, fmt.Errorf("allocation %s: %w", allocationID, err)
	}
	if err := d.checkFailedChain(ctx, a, actorID); err != nil {
		return a, err
	}
	err = d.Engine.WithPool(ctx, a.PoolID, func(tx *sql.Tx, p domain.Pool) error {
		cur, err := d.Engine.Repo.GetAllocation(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		if cur.Status != domain.AllocationFailed || cur.Acknowledged {
			se := allocationStateError(cur, domain.AllocationPending)
			if cur.Acknowledged {
				se.Detail = "reserve already released"
			}
			return se
		}
		if cur.Chain != a.Chain {
			return allocationStateError(cur, domain.AllocationPending)
		}
		if err := d.ensureNoOpenIssue(ctx, tx, cur, domain.AllocationPending); err != nil {
			return err
		}
		if p.Status != domain.PoolDistributing {
			return allocationStateError(cur, domain.AllocationPending)
		}
		chain := cur.Chain + 1
		key := allocation.DispatchKey(cur.ID, chain)
		now := d.Engine.Stamp()
		if err := d.Engine.Repo.ReopenAllocation(ctx, tx, cur.ID, chain, key, now); err != nil {
			return err
		}
		cur.Status = domain.AllocationPending
		cur.Chain = chain
		cur.DispatchKey = key
		cur.UpdatedAt = now
		a = cur
		return d.Engine.Events().Append(ctx, tx, events.AllocationReopened, cur.PoolID, "allocation", cur.ID, actorID, events.EventPayload{
			"chain":        chain,
			"dispatch_key": key,
		})
	})
	if err != nil {
		return a, err
	}
	d.log().Info("allocation reopened", zap.String("allocation_id", a.ID), zap.Int("chain", a.Chain))
	return a, nil
}

// Acknowledge accepts a failed allocation as final and releases its reserve.
func (d *Dispatcher) Acknowledge(ctx context.Context, allocationID, actorID string) (domain.Allocation, error) {
	if actorID == "" {
		actorID = defaultActor
	}
	a, err := d.Engine.GetAllocation(ctx, allocationID)
	if err != nil {
		return a, fmt.Errorf("allocation %s: %w", allocationID, err)
	}
	if err := d.checkFailedChain(ctx, a, actorID); err != nil {
		return a, err
	}
	err = d.Engine.WithPool(ctx, a.PoolID, func(tx *sql.Tx, _ domain.Pool) error {
		cur, err := d.Engine.Repo.GetAllocation(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		if cur.Status != domain.AllocationFailed || cur.Acknowledged {
			return domain.StateError{Reason: domain.ReasonAllocationState, Entity: "allocation", ID: cur.ID, From: cur.Status, Detail: "only unacknowledged failures can be acknowledged"}
		}
		if err := d.ensureNoOpenIssue(ctx, tx, cur, cur.Status); err != nil {
			return err
		}
		now := d.Engine.Stamp()
		if err := d.Engine.Repo.AcknowledgeAllocation(ctx, tx, cur.ID, now); err != nil {
			return err
		}
		if _, err := d.Engine.AppendLedger(ctx, tx, cur.PoolID, domain.EntryRelease, -cur.Amount, "failure acknowledged", cur.ID); err != nil {
			return err
		}
		cur.Acknowledged = true
		cur.UpdatedAt = now
		a = cur
		return d.Engine.Events().Append(ctx, tx, events.AllocationReleased, cur.PoolID, "allocation", cur.ID, actorID, events.EventPayload{
			"participant_id": cur.ParticipantID,
			"amount":         cur.Amount,
		})
	})
	if err != nil {
		return a, err
	}
	d.log().Info("allocation acknowledged", zap.String("allocation_id", a.ID), zap.Int64("released", a.Amount))
	return a, nil
}

// ResolveIssue closes a reconciliation issue with the operator's note. The
// allocation and ledger are not touched.
func (d *Dispatcher) ResolveIssue(ctx context.Context, issueID, resolution, actorID string) (domain.ReconciliationIssue, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return domain.ReconciliationIssue{}, domain.InputError{Field: "resolution", Message: "required"}
	}
	issue, err := d.Engine.Repo.GetIssue(ctx, d.Engine.DB, issueID)
	if err != nil {
		return issue, fmt.Errorf("issue %s: %w", issueID, err)
	}
	err = d.Engine.WithPool(ctx, issue.PoolID, func(tx *sql.Tx, _ domain.Pool) error {
		now := d.Engine.Stamp()
		if err := d.Engine.Repo.ResolveIssue(ctx, tx, issueID, resolution, actorID, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return domain.StateError{Reason: domain.ReasonInvalidTransition, Entity: "issue", ID: issueID, Detail: "already resolved"}
			}
			return err
		}
		issue.Resolution = resolution
		issue.ResolvedBy = actorID
		issue.ResolvedAt = now
		return d.Engine.Events().Append(ctx, tx, events.ReconciliationResolve, issue.PoolID, "allocation", issue.AllocationID, actorID, events.EventPayload{
			"issue_id":   issueID,
			"resolution": resolution,
		})
	})
	return issue, err
}

func (d *Dispatcher) ListIssues(ctx context.Context, poolID string, openOnly bool) ([]domain.ReconciliationIssue, error) {
	return d.Engine.Repo.ListIssues(ctx, d.Engine.DB, poolID, openOnly)
}

func (d *Dispatcher) ListAttempts(ctx context.Context, poolID, allocationID string) ([]domain.PayoutAttempt, error) {
	return d.Engine.Repo.ListAttempts(ctx, d.Engine.DB, poolID, allocationID)
}
