package engine_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return testNow }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func tieredPool(id string) config.PoolConfig {
	return config.PoolConfig{
		ID:          id,
		OrganizerID: "org-1",
		Currency:    "USD",
		Rules:       domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{500, 300, 200}},
	}
}

func (env testEnv) score(t *testing.T, poolID, participant string, score float64) {
	t.Helper()
	_, err := env.Engine.RegisterParticipant(env.Ctx, domain.Participant{ID: participant, Rail: "sandbox", Destination: "acct-" + participant}, "org-1")
	require.NoError(t, err)
	require.NoError(t, env.Engine.RecordScore(env.Ctx, domain.ScoreRecord{
		PoolID: poolID, ParticipantID: participant, Criterion: "overall", Score: score, SubmittedAt: testNow,
	}, "judge"))
}

// distributing funds and scores a tiered pool and starts distribution.
func (env testEnv) distributing(t *testing.T, poolID string, deposit int64) []domain.Allocation {
	t.Helper()
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool(poolID), "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, poolID, deposit, "wire-1", "org-1")
	require.NoError(t, err)
	env.score(t, poolID, "alice", 90)
	env.score(t, poolID, "bob", 80)
	env.score(t, poolID, "carol", 70)
	require.NoError(t, env.Engine.LockPool(env.Ctx, poolID, "org-1"))
	allocs, err := env.Engine.StartDistribution(env.Ctx, poolID, "org-1")
	require.NoError(t, err)
	return allocs
}

func TestCreatePoolRejectsInvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, config.PoolConfig{
		ID:       "bad",
		Currency: "usd",
		Rules:    domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{100, 200}},
	}, "org-1")
	var cerr domain.ConfigError
	require.ErrorAs(t, err, &cerr)
	fields := map[string]bool{}
	for _, f := range cerr.Fields {
		fields[f.Field] = true
	}
	require.True(t, fields["organizer_id"])
	require.True(t, fields["currency"])
	require.True(t, fields["rules.tiers[1]"])

	_, err = env.Engine.GetPool(env.Ctx, "bad")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreatePoolDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	require.NoError(t, err)
	_, err = env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	var cerr domain.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestCreatePoolAssignsUniqueIDs(t *testing.T) {
	env := newTestEnv(t)
	cfg := tieredPool("")
	a, err := env.Engine.CreatePool(env.Ctx, cfg, "org-1")
	require.NoError(t, err)
	b, err := env.Engine.CreatePool(env.Ctx, cfg, "org-1")
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, domain.PoolDraft, a.Status)
}

func TestFirstDepositOpensPool(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	require.NoError(t, err)
	entry, err := env.Engine.RecordDeposit(env.Ctx, "hack", 1000, "wire-1", "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Seq)
	p, err := env.Engine.GetPool(env.Ctx, "hack")
	require.NoError(t, err)
	require.Equal(t, domain.PoolOpen, p.Status)
	require.Equal(t, int64(1000), p.TotalDeposited)

	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 0, "wire-2", "org-1")
	var ierr domain.InputError
	require.ErrorAs(t, err, &ierr)
}

func TestDepositOnClosedPoolLeavesLedgerUnchanged(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, config.PoolConfig{
		ID: "hack", OrganizerID: "org-1", Currency: "USD",
		Rules: domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{100}},
	}, "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 100, "wire-1", "org-1")
	require.NoError(t, err)
	require.NoError(t, env.Engine.LockPool(env.Ctx, "hack", "org-1"))
	allocs, err := env.Engine.StartDistribution(env.Ctx, "hack", "org-1")
	require.NoError(t, err)
	require.Empty(t, allocs)
	require.NoError(t, env.Engine.ClosePool(env.Ctx, "hack", "org-1"))

	before, err := env.Engine.VerifyLedger(env.Ctx, "hack")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 50, "wire-2", "org-1")
	var serr domain.StateError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, domain.PoolClosed, serr.From)
	after, err := env.Engine.VerifyLedger(env.Ctx, "hack")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	require.NoError(t, err)
	for _, target := range []string{domain.PoolLocked, domain.PoolDistributing, domain.PoolClosed, "bogus"} {
		_, err := env.Engine.Transition(env.Ctx, "hack", target, "org-1")
		var serr domain.StateError
		require.ErrorAs(t, err, &serr, target)
		require.Equal(t, domain.ReasonInvalidTransition, serr.Reason)
	}
	p, err := env.Engine.GetPool(env.Ctx, "hack")
	require.NoError(t, err)
	require.Equal(t, domain.PoolDraft, p.Status)

	p, err = env.Engine.Transition(env.Ctx, "hack", domain.PoolOpen, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.PoolOpen, p.Status)
}

func TestDepositOverflowIsRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", math.MaxInt64-10, "wire-1", "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 11, "wire-2", "org-1")
	var ierr domain.InputError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, "amount", ierr.Field)

	b, err := env.Engine.VerifyLedger(env.Ctx, "hack")
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64-10), b.Deposited)
	require.Equal(t, int64(1), b.LastSeq)
}

func TestOverflowingTiersNeverReachTheLedger(t *testing.T) {
	env := newTestEnv(t)
	cfg := tieredPool("hack")
	cfg.Rules.Tiers = []int64{math.MaxInt64, 1}
	_, err := env.Engine.CreatePool(env.Ctx, cfg, "org-1")
	var cerr domain.ConfigError
	require.ErrorAs(t, err, &cerr)

	_, err = env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	require.NoError(t, err)
	_, err = env.Engine.UpdateRules(env.Ctx, "hack", cfg.Rules, "org-1")
	require.ErrorAs(t, err, &cerr)
	_, err = env.Engine.UpdateRules(env.Ctx, "hack", domain.RuleSet{Mode: domain.ModeWeighted, Weights: map[string]float64{"impact": 1, "design": math.NaN()}}, "org-1")
	require.ErrorAs(t, err, &cerr)

	p, err := env.Engine.GetPool(env.Ctx, "hack")
	require.NoError(t, err)
	require.Equal(t, []int64{500, 300, 200}, p.Rules.Tiers)
}

func TestRulesFrozenAfterDraft(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	require.NoError(t, err)
	updated, err := env.Engine.UpdateRules(env.Ctx, "hack", domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{600, 400}}, "org-1")
	require.NoError(t, err)
	require.Equal(t, []int64{600, 400}, updated.Rules.Tiers)

	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 1000, "wire-1", "org-1")
	require.NoError(t, err)
	_, err = env.Engine.UpdateRules(env.Ctx, "hack", domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{1000}}, "org-1")
	var serr domain.StateError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, domain.ReasonPoolLocked, serr.Reason)
}

func TestCancelRefundsFullCustody(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 700, "wire-1", "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 300, "wire-2", "org-1")
	require.NoError(t, err)
	refund, err := env.Engine.CancelPool(env.Ctx, "hack", "event called off", "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(-1000), refund.Delta)

	bal, err := env.Engine.VerifyLedger(env.Ctx, "hack")
	require.NoError(t, err)
	require.Zero(t, bal.Custody())
	p, err := env.Engine.GetPool(env.Ctx, "hack")
	require.NoError(t, err)
	require.Equal(t, domain.PoolCancelled, p.Status)
}

func TestCancelNotAllowedAfterLock(t *testing.T) {
	env := newTestEnv(t)
	env.distributing(t, "hack", 1000)
	_, err := env.Engine.CancelPool(env.Ctx, "hack", "", "org-1")
	var serr domain.StateError
	require.ErrorAs(t, err, &serr)
	bal, err := env.Engine.VerifyLedger(env.Ctx, "hack")
	require.NoError(t, err)
	require.Zero(t, bal.Refunded)
}

func TestStartDistributionReservesAllocations(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "hack", 1000)
	require.Len(t, allocs, 3)
	require.Equal(t, "alice", allocs[0].ParticipantID)
	require.Equal(t, int64(500), allocs[0].Amount)

	p, err := env.Engine.GetPool(env.Ctx, "hack")
	require.NoError(t, err)
	require.Equal(t, domain.PoolDistributing, p.Status)
	require.Equal(t, int64(1000), p.TotalAllocated)
	require.Equal(t, 1, p.LockEpoch)
	require.NotEmpty(t, p.SnapshotHash)

	again, err := env.Engine.StartDistribution(env.Ctx, "hack", "org-1")
	require.NoError(t, err)
	require.Len(t, again, 3)
	_, err = env.Engine.VerifyLedger(env.Ctx, "hack")
	require.NoError(t, err)
}

func TestParticipationOverspendFailsBeforeDispatch(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, config.PoolConfig{
		ID: "hack", OrganizerID: "org-1", Currency: "USD",
		Rules: domain.RuleSet{Mode: domain.ModeWeighted, Weights: map[string]float64{"overall": 1}, ParticipationBounty: 400},
	}, "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 1000, "wire-1", "org-1")
	require.NoError(t, err)
	env.score(t, "hack", "alice", 3)
	env.score(t, "hack", "bob", 2)
	env.score(t, "hack", "carol", 1)
	require.NoError(t, env.Engine.LockPool(env.Ctx, "hack", "org-1"))

	_, err = env.Engine.StartDistribution(env.Ctx, "hack", "org-1")
	var insufficient domain.InsufficientPoolError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(1200), insufficient.Required)

	p, err := env.Engine.GetPool(env.Ctx, "hack")
	require.NoError(t, err)
	require.Equal(t, domain.PoolLocked, p.Status)
	allocs, err := env.Engine.ListAllocations(env.Ctx, "hack", "")
	require.NoError(t, err)
	require.Empty(t, allocs)
	require.Zero(t, p.TotalAllocated)
}

func TestScoresRejectedAfterLock(t *testing.T) {
	env := newTestEnv(t)
	env.distributing(t, "hack", 1000)
	err := env.Engine.RecordScore(env.Ctx, domain.ScoreRecord{PoolID: "hack", ParticipantID: "dave", Criterion: "overall", Score: 99, SubmittedAt: testNow}, "judge")
	var serr domain.StateError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, domain.ReasonSubmissionsClosed, serr.Reason)
}

func TestScoreIntakeIsOrderIndependent(t *testing.T) {
	records := []domain.ScoreRecord{
		{PoolID: "hack", ParticipantID: "alice", Criterion: "overall", Score: 10, SubmittedAt: testNow},
		{PoolID: "hack", ParticipantID: "alice", Criterion: "overall", Score: 40, SubmittedAt: testNow.Add(time.Minute)},
		{PoolID: "hack", ParticipantID: "alice", Criterion: "overall", Score: 30, SubmittedAt: testNow.Add(time.Minute)},
		{PoolID: "hack", ParticipantID: "bob", Criterion: "overall", Score: 20, SubmittedAt: testNow},
	}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}}
	var views [][]domain.Submission
	for _, order := range orders {
		env := newTestEnv(t)
		_, err := env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
		require.NoError(t, err)
		var wg sync.WaitGroup
		for _, i := range order {
			wg.Add(1)
			go func(rec domain.ScoreRecord) {
				defer wg.Done()
				assert.NoError(t, env.Engine.RecordScore(env.Ctx, rec, "judge"))
			}(records[i])
		}
		wg.Wait()
		subs, err := env.Engine.Submissions(env.Ctx, "hack")
		require.NoError(t, err)
		views = append(views, subs)
	}
	require.Equal(t, 40.0, views[0][0].Scores["overall"])
	require.Equal(t, testNow.Add(time.Minute), views[0][0].SubmittedAt)
	require.Equal(t, views[0], views[1])
	require.Equal(t, views[0], views[2])
}

func TestPoolsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool("a"), "org-1")
	require.NoError(t, err)
	_, err = env.Engine.CreatePool(env.Ctx, tieredPool("b"), "org-2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.Engine.RecordDeposit(env.Ctx, "a", 10, "wire", "org-1")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := env.Engine.RecordDeposit(env.Ctx, "b", 7, "wire", "org-2")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := env.Engine.VerifyLedger(env.Ctx, "a")
	require.NoError(t, err)
	b, err := env.Engine.VerifyLedger(env.Ctx, "b")
	require.NoError(t, err)
	require.Equal(t, int64(100), a.Deposited)
	require.Equal(t, int64(70), b.Deposited)
	require.Equal(t, int64(10), a.LastSeq)
	require.Equal(t, int64(10), b.LastSeq)
}

func TestLeaseHeldByAnotherActor(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	require.NoError(t, err)
	_, err = env.Engine.ClaimLease(env.Ctx, "hack", "worker-1", time.Minute)
	require.NoError(t, err)
	_, err = env.Engine.ClaimLease(env.Ctx, "hack", "worker-2", time.Minute)
	var serr domain.StateError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, domain.ReasonLeaseHeld, serr.Reason)

	// An expired lease can be taken over.
	env.Engine.Now = func() time.Time { return testNow.Add(2 * time.Minute) }
	_, err = env.Engine.ClaimLease(env.Ctx, "hack", "worker-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.Engine.ReleaseLease(env.Ctx, "hack", "worker-2"))
}

func TestHaltCancelsPendingAndReleasesReserve(t *testing.T) {
	env := newTestEnv(t)
	env.distributing(t, "hack", 1000)
	cancelled, err := env.Engine.HaltDistribution(env.Ctx, "hack", "org-1")
	require.NoError(t, err)
	require.Len(t, cancelled, 3)
	bal, err := env.Engine.VerifyLedger(env.Ctx, "hack")
	require.NoError(t, err)
	require.Zero(t, bal.Allocated)
	require.Equal(t, int64(1000), bal.Released)
	require.Equal(t, int64(1000), bal.Custody())

	require.NoError(t, env.Engine.ClosePool(env.Ctx, "hack", "org-1"))
}

func TestCloseBlockedByOutstandingAllocations(t *testing.T) {
	env := newTestEnv(t)
	env.distributing(t, "hack", 1000)
	err := env.Engine.ClosePool(env.Ctx, "hack", "org-1")
	var serr domain.StateError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, domain.ReasonAllocationsOutstanding, serr.Reason)
}

func TestAuditExportAsOfSequence(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePool(env.Ctx, tieredPool("hack"), "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 400, "wire-1", "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, "hack", 600, "wire-2", "org-1")
	require.NoError(t, err)

	export, err := env.Engine.ExportAudit(env.Ctx, "hack", 1)
	require.NoError(t, err)
	require.Len(t, export.Ledger, 1)
	require.Equal(t, int64(400), export.Balance.Deposited)
	require.Equal(t, int64(1), export.AsOfSeq)

	full, err := env.Engine.ExportAudit(env.Ctx, "hack", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1000), full.Balance.Deposited)
	require.NotEmpty(t, full.Events)

	data, err := engine.MarshalAudit(full, "yaml")
	require.NoError(t, err)
	require.Contains(t, string(data), "as_of_seq: 2")
	_, err = engine.MarshalAudit(full, "xml")
	require.Error(t, err)

	_, err = env.Engine.ExportAudit(env.Ctx, "hack", 9)
	var ierr domain.InputError
	require.True(t, errors.As(err, &ierr))
}
