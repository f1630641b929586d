package allocation_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bountyline/internal/allocation"
	"bountyline/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sub(id string, at time.Duration, scores map[string]float64) domain.Submission {
	return domain.Submission{ParticipantID: id, Scores: scores, SubmittedAt: t0.Add(at)}
}

func amounts(allocs []domain.Allocation) []int64 {
	out := make([]int64, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, a.Amount)
	}
	return out
}

func sum(allocs []domain.Allocation) int64 {
	var total int64
	for _, a := range allocs {
		total += a.Amount
	}
	return total
}

func TestTieredScenario(t *testing.T) {
	allocs, err := allocation.Compute(allocation.Input{
		PoolID:    "hack-1",
		Epoch:     1,
		Currency:  "USD",
		Available: 1000,
		Rules:     domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{500, 300, 200}},
		Submissions: []domain.Submission{
			sub("carol", 0, map[string]float64{"overall": 70}),
			sub("alice", 0, map[string]float64{"overall": 90}),
			sub("bob", 0, map[string]float64{"overall": 80}),
		},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{500, 300, 200}, amounts(allocs))
	require.Equal(t, int64(1000), sum(allocs))
	require.Equal(t, "alice", allocs[0].ParticipantID)
	require.Equal(t, 1, allocs[0].Breakdown.TierRank)
	require.Equal(t, domain.AllocationPending, allocs[2].Status)
}

func TestWeightedScenarioHasNoRoundingLoss(t *testing.T) {
	allocs, err := allocation.Compute(allocation.Input{
		PoolID:    "hack-2",
		Epoch:     1,
		Currency:  "USD",
		Available: 900,
		Rules:     domain.RuleSet{Mode: domain.ModeWeighted, Weights: map[string]float64{"overall": 1}},
		Submissions: []domain.Submission{
			sub("a", 0, map[string]float64{"overall": 0.6}),
			sub("b", 0, map[string]float64{"overall": 0.3}),
			sub("c", 0, map[string]float64{"overall": 0.1}),
		},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{540, 270, 90}, amounts(allocs))
	require.Equal(t, int64(900), sum(allocs))
	require.Zero(t, allocs[0].Breakdown.Remainder)
}

func TestWeightedRemainderGoesToTopRank(t *testing.T) {
	allocs, err := allocation.Compute(allocation.Input{
		PoolID:    "hack-3",
		Epoch:     1,
		Currency:  "USD",
		Available: 100,
		Rules:     domain.RuleSet{Mode: domain.ModeWeighted, Weights: map[string]float64{"impact": 2, "design": 1}},
		Submissions: []domain.Submission{
			sub("x", 0, map[string]float64{"impact": 1, "design": 1}),
			sub("y", time.Minute, map[string]float64{"impact": 1, "design": 1}),
			sub("z", 2*time.Minute, map[string]float64{"impact": 1, "design": 1}),
		},
	})
	require.NoError(t, err)
	// 100/3 = 33 each, remainder 1 to the earliest submitter.
	require.Equal(t, []int64{34, 33, 33}, amounts(allocs))
	require.Equal(t, "x", allocs[0].ParticipantID)
	require.Equal(t, int64(1), allocs[0].Breakdown.Remainder)
	require.Equal(t, int64(100), sum(allocs))
}

func TestTieBreakOrder(t *testing.T) {
	allocs, err := allocation.Compute(allocation.Input{
		PoolID:    "hack-4",
		Epoch:     1,
		Currency:  "USD",
		Available: 600,
		Rules:     domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{300, 200, 100}},
		Submissions: []domain.Submission{
			sub("dave", time.Minute, map[string]float64{"overall": 50}),
			sub("bea", 0, map[string]float64{"overall": 50}),
			sub("abe", time.Minute, map[string]float64{"overall": 50}),
		},
	})
	require.NoError(t, err)
	ids := []string{allocs[0].ParticipantID, allocs[1].ParticipantID, allocs[2].ParticipantID}
	require.Equal(t, []string{"bea", "abe", "dave"}, ids)
}

func TestDeterministicAcrossInputOrder(t *testing.T) {
	subs := []domain.Submission{
		sub("p1", 0, map[string]float64{"a": 3.3, "b": 1.1}),
		sub("p2", time.Second, map[string]float64{"a": 2.2, "b": 7.7}),
		sub("p3", 2*time.Second, map[string]float64{"a": 0.1}),
		sub("p4", 3*time.Second, map[string]float64{"b": 9}),
	}
	in := allocation.Input{
		PoolID:      "hack-5",
		Epoch:       2,
		Currency:    "EUR",
		Available:   12345,
		Rules:       domain.RuleSet{Mode: domain.ModeWeighted, Weights: map[string]float64{"a": 0.7, "b": 0.3}, ParticipationBounty: 10},
		Submissions: subs,
	}
	first, err := allocation.Compute(in)
	require.NoError(t, err)
	second, err := allocation.Compute(in)
	require.NoError(t, err)
	require.Equal(t, first, second)

	reversed := make([]domain.Submission, len(subs))
	for i := range subs {
		reversed[len(subs)-1-i] = subs[i]
	}
	in.Submissions = reversed
	third, err := allocation.Compute(in)
	require.NoError(t, err)
	require.Equal(t, first, third)
	require.Equal(t, int64(12345), sum(first))
	h1, err := allocation.SnapshotHash(subs)
	require.NoError(t, err)
	h2, err := allocation.SnapshotHash(reversed)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestParticipationBountyOverlay(t *testing.T) {
	allocs, err := allocation.Compute(allocation.Input{
		PoolID:    "hack-6",
		Epoch:     1,
		Currency:  "USD",
		Available: 1000,
		Rules: domain.RuleSet{
			Mode:                  domain.ModeTiered,
			Tiers:                 []int64{500},
			ParticipationBounty:   50,
			ParticipationMinScore: 10,
		},
		Submissions: []domain.Submission{
			sub("a", 0, map[string]float64{"overall": 90}),
			sub("b", 0, map[string]float64{"overall": 40}),
			sub("c", 0, map[string]float64{"overall": 5}),
		},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{550, 50}, amounts(allocs))
	require.Equal(t, int64(50), allocs[0].Breakdown.Participation)
	require.Equal(t, int64(500), allocs[0].Breakdown.TierAmount)
}

func TestParticipationExceedingPoolFailsClosed(t *testing.T) {
	allocs, err := allocation.Compute(allocation.Input{
		PoolID:    "hack-7",
		Epoch:     1,
		Currency:  "USD",
		Available: 100,
		Rules:     domain.RuleSet{Mode: domain.ModeWeighted, Weights: map[string]float64{"overall": 1}, ParticipationBounty: 60},
		Submissions: []domain.Submission{
			sub("a", 0, map[string]float64{"overall": 1}),
			sub("b", 0, map[string]float64{"overall": 1}),
		},
	})
	require.Nil(t, allocs)
	var insufficient domain.InsufficientPoolError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, int64(120), insufficient.Required)
	require.Equal(t, int64(100), insufficient.Available)
}

func TestTiersExceedingPoolFailClosed(t *testing.T) {
	_, err := allocation.Compute(allocation.Input{
		PoolID:    "hack-8",
		Epoch:     1,
		Currency:  "USD",
		Available: 700,
		Rules:     domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{500, 300}},
		Submissions: []domain.Submission{
			sub("a", 0, map[string]float64{"overall": 2}),
			sub("b", 0, map[string]float64{"overall": 1}),
		},
	})
	var insufficient domain.InsufficientPoolError
	require.ErrorAs(t, err, &insufficient)
}

func TestTierSumOverflowFailsClosed(t *testing.T) {
	allocs, err := allocation.Compute(allocation.Input{
		PoolID:    "hack-8b",
		Epoch:     1,
		Currency:  "USD",
		Available: 100,
		Rules:     domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{math.MaxInt64, 1}},
		Submissions: []domain.Submission{
			sub("alice", 0, map[string]float64{"overall": 2}),
			sub("bob", 0, map[string]float64{"overall": 1}),
		},
	})
	require.Nil(t, allocs)
	var insufficient domain.InsufficientPoolError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(math.MaxInt64), insufficient.Required)
	require.Equal(t, int64(100), insufficient.Available)
}

func TestRulesHashRejectsNonFiniteWeights(t *testing.T) {
	_, err := allocation.RulesHash(domain.RuleSet{Mode: domain.ModeWeighted, Weights: map[string]float64{"impact": 1, "design": math.NaN()}})
	require.Error(t, err)
	h, err := allocation.RulesHash(domain.RuleSet{Mode: domain.ModeWeighted, Weights: map[string]float64{"impact": 1}})
	require.NoError(t, err)
	require.Len(t, h, 64)
}

func TestPrimaryCriterionRanking(t *testing.T) {
	allocs, err := allocation.Compute(allocation.Input{
		PoolID:    "hack-9",
		Epoch:     1,
		Currency:  "USD",
		Available: 300,
		Rules:     domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{200, 100}, PrimaryCriterion: "demo"},
		Submissions: []domain.Submission{
			sub("a", 0, map[string]float64{"demo": 1, "code": 100}),
			sub("b", 0, map[string]float64{"demo": 9, "code": 1}),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "b", allocs[0].ParticipantID)
}

func TestStableIDs(t *testing.T) {
	require.Equal(t, allocation.AllocationID("p", 1, "x"), allocation.AllocationID("p", 1, "x"))
	require.NotEqual(t, allocation.AllocationID("p", 1, "x"), allocation.AllocationID("p", 2, "x"))
	id := allocation.AllocationID("p", 1, "x")
	require.NotEqual(t, allocation.DispatchKey(id, 1), allocation.DispatchKey(id, 2))
}

func TestRejectsNegativeScores(t *testing.T) {
	_, err := allocation.Compute(allocation.Input{
		PoolID:      "hack-10",
		Available:   10,
		Rules:       domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{10}},
		Submissions: []domain.Submission{sub("a", 0, map[string]float64{"overall": -1})},
	})
	require.Error(t, err)
}
