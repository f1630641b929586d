package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bountyline/internal/allocation"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/repo"
)

// poolEdges is the pool lifecycle graph.
var poolEdges = map[string][]string{
	domain.PoolDraft:        {domain.PoolOpen, domain.PoolCancelled},
	domain.PoolOpen:         {domain.PoolLocked, domain.PoolCancelled},
	domain.PoolLocked:       {domain.PoolDistributing},
	domain.PoolDistributing: {domain.PoolClosed},
}

func ensurePoolTransition(id, from, to string) error {
	for _, next := range poolEdges[from] {
		if next == to {
			return nil
		}
	}
	return domain.StateError{Reason: domain.ReasonInvalidTransition, Entity: "pool", ID: id, From: from, To: to}
}

// CreatePool validates the document and persists a draft pool. Nothing is
// written when validation fails.
func (e Engine) CreatePool(ctx context.Context, cfg config.PoolConfig, actorID string) (domain.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return domain.Pool{}, err
	}
	rulesHash, err := hashRules(cfg.Rules)
	if err != nil {
		return domain.Pool{}, err
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.Stamp()
	p := domain.Pool{
		ID:          id,
		Name:        cfg.Name,
		OrganizerID: cfg.OrganizerID,
		Currency:    cfg.Currency,
		Status:      domain.PoolDraft,
		Rules:       cfg.Rules,
		RulesHash:   rulesHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pool{}, err
	}
	defer tx.Rollback()
	exists, err := e.Repo.PoolExists(ctx, tx, id)
	if err != nil {
		return domain.Pool{}, err
	}
	if exists {
		var cerr domain.ConfigError
		cerr.Add("id", "pool %s already exists", id)
		return domain.Pool{}, cerr
	}
	if err := e.Repo.InsertPool(ctx, tx, p); err != nil {
		return domain.Pool{}, fmt.Errorf("insert pool: %w", err)
	}
	if err := e.Events().Append(ctx, tx, events.PoolCreated, p.ID, "pool", p.ID, actorID, events.EventPayload{
		"organizer_id": p.OrganizerID,
		"currency":     p.Currency,
		"mode":         p.Rules.Mode,
		"rules_hash":   p.RulesHash,
	}); err != nil {
		return domain.Pool{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pool{}, err
	}
	e.log().Info("pool created", zap.String("pool_id", p.ID), zap.String("mode", p.Rules.Mode))
	return p, nil
}

func (e Engine) GetPool(ctx context.Context, id string) (domain.Pool, error) {
	return e.Repo.GetPool(ctx, id)
}

func (e Engine) ListPools(ctx context.Context, status string) ([]domain.Pool, error) {
	return e.Repo.ListPools(ctx, status)
}

// UpdateRules replaces the rule set of a draft pool.
func (e Engine) UpdateRules(ctx context.Context, poolID string, rules domain.RuleSet, actorID string) (domain.Pool, error) {
	var cerr domain.ConfigError
	config.ValidateRules(rules, &cerr)
	if err := cerr.Err(); err != nil {
		return domain.Pool{}, err
	}
	hash, err := hashRules(rules)
	if err != nil {
		return domain.Pool{}, err
	}
	err = e.WithPool(ctx, poolID, func(tx *sql.Tx, p domain.Pool) error {
		if p.Status != domain.PoolDraft {
			return domain.StateError{Reason: domain.ReasonPoolLocked, Entity: "pool", ID: poolID, From: p.Status, Detail: "rules are frozen once the pool leaves draft"}
		}
		if err := e.Repo.UpdatePoolRules(ctx, tx, poolID, rules, hash, e.Stamp()); err != nil {
			return err
		}
		return e.Events().Append(ctx, tx, events.PoolRulesUpdated, poolID, "pool", poolID, actorID, events.EventPayload{
			"previous_hash": p.RulesHash,
			"rules_hash":    hash,
		})
	})
	if err != nil {
		return domain.Pool{}, err
	}
	return e.GetPool(ctx, poolID)
}

func hashRules(rules domain.RuleSet) (string, error) {
	hash, err := allocation.RulesHash(rules)
	if err != nil {
		var cerr domain.ConfigError
		cerr.Add("rules", "%v", err)
		return "", cerr
	}
	return hash, nil
}

// RecordDeposit appends a deposit entry. The first deposit opens a draft pool.
func (e Engine) RecordDeposit(ctx context.Context, poolID string, amount int64, source, actorID string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, domain.InputError{Field: "amount", Message: fmt.Sprintf("must be positive, got %d", amount)}
	}
	var entry domain.LedgerEntry
	err := e.WithPool(ctx, poolID, func(tx *sql.Tx, p domain.Pool) error {
		if p.Status != domain.PoolDraft && p.Status != domain.PoolOpen {
			return domain.StateError{Reason: domain.ReasonDepositNotAllowed, Entity: "pool", ID: poolID, From: p.Status}
		}
		if _, ok := domain.AddAmounts(p.TotalDeposited, amount); !ok {
			return domain.InputError{Field: "amount", Message: fmt.Sprintf("would overflow the pool's deposited total %d", p.TotalDeposited)}
		}
		var err error
		entry, err = e.AppendLedger(ctx, tx, poolID, domain.EntryDeposit, amount, "deposit", source)
		if err != nil {
			return err
		}
		if err := e.Events().Append(ctx, tx, events.DepositRecorded, poolID, "ledger", fmt.Sprint(entry.Seq), actorID, events.EventPayload{
			"amount": amount,
			"source": source,
			"seq":    entry.Seq,
		}); err != nil {
			return err
		}
		if p.Status == domain.PoolDraft {
			return e.setStatus(ctx, tx, p, domain.PoolOpen, actorID, events.EventPayload{"trigger": "first_deposit"})
		}
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.log().Info("deposit recorded", zap.String("pool_id", poolID), zap.Int64("amount", amount), zap.Int64("seq", entry.Seq))
	return entry, nil
}

func (e Engine) setStatus(ctx context.Context, tx *sql.Tx, p domain.Pool, to, actorID string, payload events.EventPayload) error {
	if err := ensurePoolTransition(p.ID, p.Status, to); err != nil {
		return err
	}
	if err := e.Repo.UpdatePoolStatus(ctx, tx, p.ID, p.Status, to, e.Stamp()); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = p.Status
	payload["to"] = to
	if err := e.Events().Append(ctx, tx, events.PoolTransitioned, p.ID, "pool", p.ID, actorID, payload); err != nil {
		return err
	}
	e.Metrics.Transition(to)
	return nil
}

// Transition moves a pool along one lifecycle edge. Edges with guards are
// routed to the operation that enforces them.
func (e Engine) Transition(ctx context.Context, poolID, target, actorID string) (domain.Pool, error) {
	p, err := e.GetPool(ctx, poolID)
	if err != nil {
		return domain.Pool{}, err
	}
	if err := ensurePoolTransition(poolID, p.Status, target); err != nil {
		return domain.Pool{}, err
	}
	switch target {
	case domain.PoolOpen:
		err = e.WithPool(ctx, poolID, func(tx *sql.Tx, cur domain.Pool) error {
			return e.setStatus(ctx, tx, cur, domain.PoolOpen, actorID, nil)
		})
	case domain.PoolLocked:
		err = e.LockPool(ctx, poolID, actorID)
	case domain.PoolDistributing:
		_, err = e.StartDistribution(ctx, poolID, actorID)
	case domain.PoolClosed:
		err = e.ClosePool(ctx, poolID, actorID)
	case domain.PoolCancelled:
		_, err = e.CancelPool(ctx, poolID, "", actorID)
	}
	if err != nil {
		return domain.Pool{}, err
	}
	return e.GetPool(ctx, poolID)
}

// LockPool closes submissions; the rule set is immutable from here on.
func (e Engine) LockPool(ctx context.Context, poolID, actorID string) error {
	return e.WithPool(ctx, poolID, func(tx *sql.Tx, p domain.Pool) error {
		return e.setStatus(ctx, tx, p, domain.PoolLocked, actorID, events.EventPayload{"rules_hash": p.RulesHash})
	})
}

// CancelPool refunds the full custody balance of a draft or open pool.
func (e Engine) CancelPool(ctx context.Context, poolID, reason, actorID string) (domain.LedgerEntry, error) {
	var refund domain.LedgerEntry
	err := e.WithPool(ctx, poolID, func(tx *sql.Tx, p domain.Pool) error {
		if err := ensurePoolTransition(poolID, p.Status, domain.PoolCancelled); err != nil {
			return err
		}
		if custody := p.Balance().Custody(); custody > 0 {
			if reason == "" {
				reason = "pool cancelled"
			}
			var err error
			refund, err = e.AppendLedger(ctx, tx, poolID, domain.EntryRefund, -custody, reason, p.OrganizerID)
			if err != nil {
				return err
			}
			if err := e.Events().Append(ctx, tx, events.RefundRecorded, poolID, "ledger", fmt.Sprint(refund.Seq), actorID, events.EventPayload{
				"amount": custody,
				"seq":    refund.Seq,
			}); err != nil {
				return err
			}
		}
		return e.setStatus(ctx, tx, p, domain.PoolCancelled, actorID, events.EventPayload{"reason": reason})
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.log().Info("pool cancelled", zap.String("pool_id", poolID), zap.Int64("refund", -refund.Delta))
	return refund, nil
}

// ClosePool closes a distributing pool once every allocation is terminal.
func (e Engine) ClosePool(ctx context.Context, poolID, actorID string) error {
	return e.WithPool(ctx, poolID, func(tx *sql.Tx, p domain.Pool) error {
		if err := ensurePoolTransition(poolID, p.Status, domain.PoolClosed); err != nil {
			return err
		}
		allocs, err := e.Repo.ListAllocations(ctx, tx, repo.AllocationFilter{PoolID: poolID})
		if err != nil {
			return err
		}
		outstanding := 0
		for _, a := range allocs {
			if !a.Terminal() {
				outstanding++
			}
		}
		if outstanding > 0 {
			return domain.StateError{
				Reason: domain.ReasonAllocationsOutstanding, Entity: "pool", ID: poolID,
				From: p.Status, To: domain.PoolClosed,
				Detail: fmt.Sprintf("%d allocation(s) not terminal", outstanding),
			}
		}
		return e.setStatus(ctx, tx, p, domain.PoolClosed, actorID, events.EventPayload{"custody": p.Balance().Custody()})
	})
}

// ErrLedgerMismatch means the cached pool totals differ from the ledger fold.
var ErrLedgerMismatch = errors.New("ledger mismatch")

// VerifyLedger replays the pool's ledger and checks it against the cached
// totals and the confirmed allocations.
func (e Engine) VerifyLedger(ctx context.Context, poolID string) (domain.Balance, error) {
	p, err := e.GetPool(ctx, poolID)
	if err != nil {
		return domain.Balance{}, err
	}
	entries, err := e.Ledger().Entries(ctx, e.DB, poolID, 0)
	if err != nil {
		return domain.Balance{}, err
	}
	replayed, err := ledger.Replay(entries)
	if err != nil {
		return replayed, err
	}
	cached := p.Balance()
	cached.LastSeq = replayed.LastSeq
	if cached != replayed {
		return replayed, fmt.Errorf("%w: pool %s cached %+v, replayed %+v", ErrLedgerMismatch, poolID, cached, replayed)
	}
	allocs, err := e.Repo.ListAllocations(ctx, e.DB, repo.AllocationFilter{PoolID: poolID})
	if err != nil {
		return replayed, err
	}
	var confirmed int64
	for _, a := range allocs {
		if a.Status == domain.AllocationConfirmed {
			confirmed += a.Amount
		}
	}
	if confirmed != replayed.Paid {
		return replayed, fmt.Errorf("%w: pool %s confirmed allocations %d, ledger payouts %d", ErrLedgerMismatch, poolID, confirmed, replayed.Paid)
	}
	if confirmed > replayed.Deposited {
		return replayed, fmt.Errorf("%w: pool %s confirmed %d exceeds deposited %d", ErrLedgerMismatch, poolID, confirmed, replayed.Deposited)
	}
	return replayed, nil
}

// Balance folds the pool's ledger up to asOfSeq (0 means the head).
func (e Engine) Balance(ctx context.Context, poolID string, asOfSeq int64) (domain.Balance, error) {
	if _, err := e.GetPool(ctx, poolID); err != nil {
		return domain.Balance{}, err
	}
	entries, err := e.Ledger().Entries(ctx, e.DB, poolID, asOfSeq)
	if err != nil {
		return domain.Balance{}, err
	}
	return ledger.Replay(entries)
}

func (e Engine) LedgerEntries(ctx context.Context, poolID string, asOfSeq int64) ([]domain.LedgerEntry, error) {
	if _, err := e.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return e.Ledger().Entries(ctx, e.DB, poolID, asOfSeq)
}
