package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bountyline/internal/domain"
)

// Event types emitted by the core. allocation.* events double as the
// notification outbox consumed by the webhook relay.
const (
	PoolCreated           = "pool.created"
	PoolRulesUpdated      = "pool.rules.updated"
	PoolTransitioned      = "pool.transitioned"
	DepositRecorded       = "deposit.recorded"
	RefundRecorded        = "refund.recorded"
	ScoreRecorded         = "score.recorded"
	ParticipantRegistered = "participant.registered"
	DistributionStarted   = "distribution.started"
	DistributionHalted    = "distribution.halted"
	AllocationDispatched  = "allocation.dispatched"
	AllocationRetrying    = "allocation.retrying"
	AllocationConfirmed   = "allocation.confirmed"
	AllocationFailed      = "allocation.failed"
	AllocationReopened    = "allocation.reopened"
	AllocationReleased    = "allocation.released"
	AllocationCancelled   = "allocation.cancelled"
	ReconciliationIssue   = "reconciliation.issue"
	ReconciliationResolve = "reconciliation.resolved"
	LeaseClaimed          = "lease.claimed"
	LeaseReleased         = "lease.released"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, poolID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,pool_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(poolID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
