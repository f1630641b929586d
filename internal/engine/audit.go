package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"bountyline/internal/domain"
	"bountyline/internal/ledger"
	"bountyline/internal/repo"
)

// ExportAudit returns a point-in-time view of one pool. With asOfSeq > 0 the
// ledger is cut at that sequence number and records created after the cut
// entry's timestamp are left out; allocation and attempt rows carry their
// current status.
func (e Engine) ExportAudit(ctx context.Context, poolID string, asOfSeq int64) (domain.AuditExport, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditExport{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPoolTx(ctx, tx, poolID)
	if err != nil {
		return domain.AuditExport{}, fmt.Errorf("pool %s: %w", poolID, err)
	}
	entries, err := e.Ledger().Entries(ctx, tx, poolID, asOfSeq)
	if err != nil {
		return domain.AuditExport{}, err
	}
	if asOfSeq > 0 && int64(len(entries)) < asOfSeq {
		return domain.AuditExport{}, domain.InputError{Field: "as_of_seq", Message: fmt.Sprintf("pool %s has %d ledger entries", poolID, len(entries))}
	}
	balance, err := ledger.Replay(entries)
	if err != nil {
		return domain.AuditExport{}, err
	}
	cutoff := ""
	if asOfSeq > 0 && len(entries) > 0 {
		cutoff = entries[len(entries)-1].TS
	}
	allocs, err := e.Repo.ListAllocations(ctx, tx, repo.AllocationFilter{PoolID: poolID})
	if err != nil {
		return domain.AuditExport{}, err
	}
	attempts, err := e.Repo.ListAttempts(ctx, tx, poolID, "")
	if err != nil {
		return domain.AuditExport{}, err
	}
	issues, err := e.Repo.ListIssues(ctx, tx, poolID, false)
	if err != nil {
		return domain.AuditExport{}, err
	}
	evts, err := e.Repo.EventsUpTo(ctx, tx, poolID, cutoff)
	if err != nil {
		return domain.AuditExport{}, err
	}
	out := domain.AuditExport{
		Pool:        p,
		AsOfSeq:     balance.LastSeq,
		Balance:     balance,
		Ledger:      entries,
		Allocations: before(allocs, cutoff, func(a domain.Allocation) string { return a.CreatedAt }),
		Attempts:    before(attempts, cutoff, func(a domain.PayoutAttempt) string { return a.CreatedAt }),
		Issues:      before(issues, cutoff, func(i domain.ReconciliationIssue) string { return i.CreatedAt }),
		Events:      evts,
		ExportedAt:  e.Stamp(),
	}
	if out.Ledger == nil {
		out.Ledger = []domain.LedgerEntry{}
	}
	return out, nil
}

func before[T any](items []T, cutoff string, created func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if cutoff == "" || created(it) <= cutoff {
			out = append(out, it)
		}
	}
	return out
}

// MarshalAudit renders an export as "json" or "yaml".
func MarshalAudit(export domain.AuditExport, format string) ([]byte, error) {
	switch format {
	case "", "json":
		return json.MarshalIndent(export, "", "  ")
	case "yaml", "yml":
		return jsonToYAML(export)
	default:
		return nil, domain.InputError{Field: "format", Message: fmt.Sprintf("unsupported audit format %q", format)}
	}
}

// jsonToYAML renders v as block-style YAML using its JSON field names and order.
func jsonToYAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	clearStyle(&node)
	return yaml.Marshal(&node)
}

func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}
