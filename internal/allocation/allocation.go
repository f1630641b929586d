// Package allocation computes reward allocations from a pool's rule set and a
// snapshot of judged submissions. Compute is pure: it performs no I/O, keeps
// no state between calls and returns identical output for identical input.
package allocation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/domain"
)

// namespace scopes the deterministic allocation and dispatch-key UUIDs.
var namespace = uuid.MustParse("6f1d8f3a-3c1e-5b7a-9a43-2b8f0c6d4e11")

type Input struct {
	PoolID      string
	Epoch       int
	Currency    string
	Available   int64
	Rules       domain.RuleSet
	Submissions []domain.Submission
}

type ranked struct {
	sub      domain.Submission
	score    *big.Rat
	weighted *big.Rat
}

// Compute returns allocations in rank order. It fails closed with
// domain.InsufficientPoolError when the rules would spend more than Available.
func Compute(in Input) ([]domain.Allocation, error) {
	if in.Available < 0 {
		return nil, fmt.Errorf("available funds must not be negative, got %d", in.Available)
	}
	entries, err := rank(in.Rules, in.Submissions)
	if err != nil {
		return nil, err
	}

	participation := make([]int64, len(entries))
	var bountyTotal int64
	if in.Rules.ParticipationBounty > 0 {
		minScore, err := ratFromFloat(in.Rules.ParticipationMinScore)
		if err != nil {
			return nil, fmt.Errorf("participation_min_score: %w", err)
		}
		for i, e := range entries {
			if e.score.Cmp(minScore) < 0 {
				continue
			}
			sum, ok := domain.AddAmounts(bountyTotal, in.Rules.ParticipationBounty)
			if !ok {
				return nil, domain.InsufficientPoolError{PoolID: in.PoolID, Required: math.MaxInt64, Available: in.Available}
			}
			participation[i] = in.Rules.ParticipationBounty
			bountyTotal = sum
		}
	}
	if bountyTotal > in.Available {
		return nil, domain.InsufficientPoolError{PoolID: in.PoolID, Required: bountyTotal, Available: in.Available}
	}
	remaining := in.Available - bountyTotal

	breakdowns := make([]domain.Breakdown, len(entries))
	for i := range entries {
		breakdowns[i].Participation = participation[i]
	}
	switch in.Rules.Mode {
	case domain.ModeTiered:
		var tierSum int64
		for i := range entries {
			if i >= len(in.Rules.Tiers) {
				break
			}
			sum, ok := domain.AddAmounts(tierSum, in.Rules.Tiers[i])
			if !ok {
				return nil, domain.InsufficientPoolError{PoolID: in.PoolID, Required: math.MaxInt64, Available: in.Available}
			}
			tierSum = sum
			breakdowns[i].TierRank = i + 1
			breakdowns[i].TierAmount = in.Rules.Tiers[i]
		}
		if tierSum > remaining {
			required, ok := domain.AddAmounts(bountyTotal, tierSum)
			if !ok {
				required = math.MaxInt64
			}
			return nil, domain.InsufficientPoolError{PoolID: in.PoolID, Required: required, Available: in.Available}
		}
	case domain.ModeWeighted:
		splitWeighted(entries, remaining, breakdowns)
	default:
		return nil, fmt.Errorf("unknown rule mode %q", in.Rules.Mode)
	}

	out := make([]domain.Allocation, 0, len(entries))
	for i, e := range entries {
		b := breakdowns[i]
		amount := b.Participation + b.TierAmount + b.WeightedAmount + b.Remainder
		if amount == 0 {
			continue
		}
		id := AllocationID(in.PoolID, in.Epoch, e.sub.ParticipantID)
		out = append(out, domain.Allocation{
			ID:            id,
			PoolID:        in.PoolID,
			ParticipantID: e.sub.ParticipantID,
			Rank:          i + 1,
			Amount:        amount,
			Currency:      in.Currency,
			Breakdown:     b,
			Status:        domain.AllocationPending,
			Chain:         1,
			DispatchKey:   DispatchKey(id, 1),
		})
	}
	return out, nil
}

// splitWeighted assigns floor(remaining * ws / sum(ws)) to every participant
// and gives the truncation remainder to rank 1 so the parts sum to remaining.
func splitWeighted(entries []ranked, remaining int64, breakdowns []domain.Breakdown) {
	sum := new(big.Rat)
	for _, e := range entries {
		sum.Add(sum, e.weighted)
	}
	for i, e := range entries {
		breakdowns[i].WeightedScore = e.weighted.FloatString(6)
	}
	if sum.Sign() == 0 || remaining == 0 {
		return
	}
	pool := new(big.Rat).SetInt64(remaining)
	var spent int64
	for i, e := range entries {
		share := new(big.Rat).Mul(pool, e.weighted)
		share.Quo(share, sum)
		amount := new(big.Int).Quo(share.Num(), share.Denom()).Int64()
		breakdowns[i].WeightedAmount = amount
		spent += amount
	}
	breakdowns[0].Remainder = remaining - spent
}

func rank(rules domain.RuleSet, subs []domain.Submission) ([]ranked, error) {
	weights := make(map[string]*big.Rat, len(rules.Weights))
	for criterion, w := range rules.Weights {
		r, err := ratFromFloat(w)
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", criterion, err)
		}
		weights[criterion] = r
	}
	seen := make(map[string]bool, len(subs))
	entries := make([]ranked, 0, len(subs))
	for _, s := range subs {
		if s.ParticipantID == "" {
			return nil, fmt.Errorf("submission without participant id")
		}
		if seen[s.ParticipantID] {
			return nil, fmt.Errorf("duplicate submission for participant %s", s.ParticipantID)
		}
		seen[s.ParticipantID] = true
		weighted := new(big.Rat)
		scores := make(map[string]*big.Rat, len(s.Scores))
		for _, criterion := range sortedKeys(s.Scores) {
			v, err := ratFromFloat(s.Scores[criterion])
			if err != nil {
				return nil, fmt.Errorf("participant %s criterion %s: %w", s.ParticipantID, criterion, err)
			}
			if v.Sign() < 0 {
				return nil, fmt.Errorf("participant %s criterion %s: negative score", s.ParticipantID, criterion)
			}
			scores[criterion] = v
			if len(weights) == 0 {
				weighted.Add(weighted, v)
				continue
			}
			if w, ok := weights[criterion]; ok {
				weighted.Add(weighted, new(big.Rat).Mul(w, v))
			}
		}
		score := weighted
		if rules.PrimaryCriterion != "" {
			score = new(big.Rat)
			if v, ok := scores[rules.PrimaryCriterion]; ok {
				score = v
			}
		}
		entries = append(entries, ranked{sub: s, score: score, weighted: weighted})
	}
	sort.SliceStable(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
	return entries, nil
}

// less orders by score descending, then earliest submission, then participant id.
func less(a, b ranked) bool {
	if c := a.score.Cmp(b.score); c != 0 {
		return c > 0
	}
	if !a.sub.SubmittedAt.Equal(b.sub.SubmittedAt) {
		return a.sub.SubmittedAt.Before(b.sub.SubmittedAt)
	}
	return a.sub.ParticipantID < b.sub.ParticipantID
}

// ratFromFloat reads f through its shortest decimal representation so that
// 0.6 is treated as 6/10 rather than its binary approximation.
func ratFromFloat(f float64) (*big.Rat, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite value %v", f)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if !ok {
		return nil, fmt.Errorf("cannot represent %v", f)
	}
	return r, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AllocationID is stable for (pool, lock epoch, participant) so recomputation
// after a crash yields the same ids.
func AllocationID(poolID string, epoch int, participantID string) string {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s|%d|%s", poolID, epoch, participantID))).String()
}

// DispatchKey identifies one attempt chain of an allocation.
func DispatchKey(allocationID string, chain int) string {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("dispatch|%s|%d", allocationID, chain))).String()
}

type snapshotRecord struct {
	ParticipantID string             `json:"participant_id"`
	Scores        map[string]float64 `json:"scores"`
	SubmittedAt   string             `json:"submitted_at"`
}

// SnapshotHash fingerprints a submission snapshot independent of input order.
func SnapshotHash(subs []domain.Submission) (string, error) {
	records := make([]snapshotRecord, 0, len(subs))
	for _, s := range subs {
		records = append(records, snapshotRecord{
			ParticipantID: s.ParticipantID,
			Scores:        s.Scores,
			SubmittedAt:   s.SubmittedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ParticipantID < records[j].ParticipantID })
	return hashJSON(records)
}

// RulesHash fingerprints a rule set. It fails on values JSON cannot carry,
// such as NaN weights.
func RulesHash(r domain.RuleSet) (string, error) {
	return hashJSON(r)
}

func hashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
