package domain

import (
	"math"
	"time"
)

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Pool statuses.
const (
	PoolDraft        = "draft"
	PoolOpen         = "open"
	PoolLocked       = "locked"
	PoolDistributing = "distributing"
	PoolClosed       = "closed"
	PoolCancelled    = "cancelled"
)

// Rule modes.
const (
	ModeTiered   = "tiered"
	ModeWeighted = "weighted"
)

// Allocation statuses.
const (
	AllocationPending    = "pending"
	AllocationDispatched = "dispatched"
	AllocationRetrying   = "retrying"
	AllocationConfirmed  = "confirmed"
	AllocationFailed     = "failed"
	AllocationCancelled  = "cancelled"
)

// Payout attempt statuses.
const (
	AttemptDispatched = "dispatched"
	AttemptRetrying   = "retrying"
	AttemptConfirmed  = "confirmed"
	AttemptFailed     = "failed"
)

// Ledger entry kinds.
const (
	EntryDeposit = "deposit"
	EntryRefund  = "refund"
	EntryReserve = "reserve"
	EntryRelease = "release"
	EntryPayout  = "payout"
)

type RuleSet struct {
	Mode                  string             `json:"mode" yaml:"mode" enum:"tiered,weighted"`
	Tiers                 []int64            `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	Weights               map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	PrimaryCriterion      string             `json:"primary_criterion,omitempty" yaml:"primary_criterion,omitempty"`
	ParticipationBounty   int64              `json:"participation_bounty,omitempty" yaml:"participation_bounty,omitempty"`
	ParticipationMinScore float64            `json:"participation_min_score,omitempty" yaml:"participation_min_score,omitempty"`
}

type Pool struct {
	ID             string  `json:"id"`
	Name           string  `json:"name,omitempty"`
	OrganizerID    string  `json:"organizer_id"`
	Currency       string  `json:"currency"`
	Status         string  `json:"status" enum:"draft,open,locked,distributing,closed,cancelled"`
	Rules          RuleSet `json:"rules"`
	TotalDeposited int64   `json:"total_deposited"`
	TotalRefunded  int64   `json:"total_refunded"`
	TotalAllocated int64   `json:"total_allocated"`
	TotalReleased  int64   `json:"total_released"`
	TotalPaid      int64   `json:"total_paid"`
	LockEpoch      int     `json:"lock_epoch"`
	RulesHash      string  `json:"rules_hash,omitempty"`
	SnapshotHash   string  `json:"snapshot_hash,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Balance is the custody view of a pool derived from its ledger.
type Balance struct {
	Deposited int64 `json:"deposited"`
	Refunded  int64 `json:"refunded"`
	Allocated int64 `json:"allocated"`
	Released  int64 `json:"released"`
	Paid      int64 `json:"paid"`
	LastSeq   int64 `json:"last_seq"`
}

// Custody is what the pool still holds.
func (b Balance) Custody() int64 { return b.Deposited - b.Refunded - b.Paid }

// Unreserved is custody not earmarked for any allocation.
func (b Balance) Unreserved() int64 { return b.Deposited - b.Refunded - b.Allocated }

// AddAmounts returns a+b for non-negative amounts, or false when the sum
// does not fit in an int64.
func AddAmounts(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// Balance returns the cached totals of the pool.
func (p Pool) Balance() Balance {
	return Balance{
		Deposited: p.TotalDeposited,
		Refunded:  p.TotalRefunded,
		Allocated: p.TotalAllocated,
		Released:  p.TotalReleased,
		Paid:      p.TotalPaid,
	}
}

type Participant struct {
	ID          string `json:"id"`
	Rail        string `json:"rail"`
	Destination string `json:"destination"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// ScoreRecord is one judged score as supplied by the judging collaborator.
type ScoreRecord struct {
	PoolID        string    `json:"pool_id"`
	ParticipantID string    `json:"participant_id"`
	Criterion     string    `json:"criterion"`
	Score         float64   `json:"score"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Submission aggregates the score records of one participant.
type Submission struct {
	ParticipantID string             `json:"participant_id"`
	Scores        map[string]float64 `json:"scores"`
	SubmittedAt   time.Time          `json:"submitted_at"`
}

type Breakdown struct {
	Participation  int64  `json:"participation,omitempty"`
	TierRank       int    `json:"tier_rank,omitempty"`
	TierAmount     int64  `json:"tier_amount,omitempty"`
	WeightedScore  string `json:"weighted_score,omitempty"`
	WeightedAmount int64  `json:"weighted_amount,omitempty"`
	Remainder      int64  `json:"remainder,omitempty"`
}

type Allocation struct {
	ID            string    `json:"id"`
	PoolID        string    `json:"pool_id"`
	ParticipantID string    `json:"participant_id"`
	Rank          int       `json:"rank"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Breakdown     Breakdown `json:"breakdown"`
	Status        string    `json:"status" enum:"pending,dispatched,retrying,confirmed,failed,cancelled"`
	Chain         int       `json:"chain"`
	DispatchKey   string    `json:"dispatch_key"`
	Acknowledged  bool      `json:"acknowledged"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the allocation no longer blocks pool closure.
func (a Allocation) Terminal() bool {
	switch a.Status {
	case AllocationConfirmed, AllocationCancelled:
		return true
	case AllocationFailed:
		return a.Acknowledged
	}
	return false
}

type PayoutAttempt struct {
	ID           string `json:"id"`
	AllocationID string `json:"allocation_id"`
	PoolID       string `json:"pool_id"`
	Rail         string `json:"rail"`
	DispatchKey  string `json:"dispatch_key"`
	Chain        int    `json:"chain"`
	Number       int    `json:"number"`
	Status       string `json:"status" enum:"dispatched,retrying,confirmed,failed"`
	ExternalRef  string `json:"external_ref,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type LedgerEntry struct {
	PoolID string `json:"pool_id"`
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind" enum:"deposit,refund,reserve,release,payout"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason,omitempty"`
	Ref    string `json:"ref,omitempty"`
	TS     string `json:"ts" format:"date-time"`
}

type Lease struct {
	PoolID     string `json:"pool_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PoolID     string `json:"pool_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ReconciliationIssue records a disagreement between a local attempt and its rail.
type ReconciliationIssue struct {
	ID           string `json:"id"`
	PoolID       string `json:"pool_id"`
	AllocationID string `json:"allocation_id"`
	AttemptID    string `json:"attempt_id"`
	LocalStatus  string `json:"local_status"`
	RailStatus   string `json:"rail_status"`
	Resolution   string `json:"resolution,omitempty"`
	ResolvedBy   string `json:"resolved_by,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	ResolvedAt   string `json:"resolved_at,omitempty" format:"date-time"`
}

// AuditExport is a point-in-time view of one pool.
type AuditExport struct {
	Pool        Pool                  `json:"pool" yaml:"pool"`
	AsOfSeq     int64                 `json:"as_of_seq" yaml:"as_of_seq"`
	Balance     Balance               `json:"balance" yaml:"balance"`
	Ledger      []LedgerEntry         `json:"ledger" yaml:"ledger"`
	Allocations []Allocation          `json:"allocations" yaml:"allocations"`
	Attempts    []PayoutAttempt       `json:"attempts" yaml:"attempts"`
	Issues      []ReconciliationIssue `json:"issues,omitempty" yaml:"issues,omitempty"`
	Events      []Event               `json:"events" yaml:"events"`
	ExportedAt  string                `json:"exported_at" yaml:"exported_at"`
}
