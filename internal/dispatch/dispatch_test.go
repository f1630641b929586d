package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/dispatch"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/rail"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine     engine.Engine
	Dispatcher *dispatch.Dispatcher
	Sandbox    *rail.Sandbox
	Ctx        context.Context
}

func testPolicy() config.DispatchConfig {
	return config.DispatchConfig{
		MaxAttempts:     4,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		RailTimeout:     time.Second,
		Concurrency:     4,
	}
}

func newTestEnv(t *testing.T, tweak ...func(*config.DispatchConfig)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return testNow }
	policy := testPolicy()
	for _, f := range tweak {
		f(&policy)
	}
	sb := rail.NewSandbox("sandbox")
	return testEnv{
		Engine:     eng,
		Dispatcher: dispatch.New(eng, rail.NewRegistry(sb), policy, nil),
		Sandbox:    sb,
		Ctx:        context.Background(),
	}
}

// distributing opens a 1000 USD tiered pool for alice, bob and carol and
// starts distribution: alice 500, bob 300, carol 200.
func (env testEnv) distributing(t *testing.T, poolID string) []domain.Allocation {
	t.Helper()
	_, err := env.Engine.CreatePool(env.Ctx, config.PoolConfig{
		ID:          poolID,
		OrganizerID: "org-1",
		Currency:    "USD",
		Rules:       domain.RuleSet{Mode: domain.ModeTiered, Tiers: []int64{500, 300, 200}},
	}, "org-1")
	require.NoError(t, err)
	_, err = env.Engine.RecordDeposit(env.Ctx, poolID, 1000, "wire-1", "org-1")
	require.NoError(t, err)
	for i, name := range []string{"alice", "bob", "carol"} {
		_, err := env.Engine.RegisterParticipant(env.Ctx, domain.Participant{ID: name, Rail: "sandbox", Destination: "acct-" + name}, "org-1")
		require.NoError(t, err)
		require.NoError(t, env.Engine.RecordScore(env.Ctx, domain.ScoreRecord{
			PoolID: poolID, ParticipantID: name, Criterion: "overall", Score: float64(90 - 10*i), SubmittedAt: testNow,
		}, "judge"))
	}
	require.NoError(t, env.Engine.LockPool(env.Ctx, poolID, "org-1"))
	allocs, err := env.Engine.StartDistribution(env.Ctx, poolID, "org-1")
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	require.Equal(t, "alice", allocs[0].ParticipantID)
	return allocs
}

func (env testEnv) allocation(t *testing.T, id string) domain.Allocation {
	t.Helper()
	a, err := env.Engine.GetAllocation(env.Ctx, id)
	require.NoError(t, err)
	return a
}

func (env testEnv) verified(t *testing.T, poolID string) domain.Balance {
	t.Helper()
	b, err := env.Engine.VerifyLedger(env.Ctx, poolID)
	require.NoError(t, err)
	require.LessOrEqual(t, b.Paid, b.Deposited)
	return b
}

func TestDispatchTwiceMovesMoneyOnce(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")

	first, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptConfirmed, first.Status)
	require.Equal(t, "sandbox-000001", first.ExternalRef)

	second, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, env.Sandbox.Transfers())
	require.Equal(t, 1, env.Sandbox.Calls())

	attempts, err := env.Dispatcher.ListAttempts(env.Ctx, "p1", allocs[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	b := env.verified(t, "p1")
	require.Equal(t, int64(500), b.Paid)
}

func TestConcurrentDispatchConfirmsOnce(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "worker")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, env.Sandbox.Transfers())
	require.Equal(t, domain.AllocationConfirmed, env.allocation(t, allocs[0].ID).Status)
	attempts, err := env.Dispatcher.ListAttempts(env.Ctx, "p1", allocs[0].ID)
	require.NoError(t, err)
	confirmed := 0
	for _, a := range attempts {
		if a.Status == domain.AttemptConfirmed {
			confirmed++
		}
	}
	require.Equal(t, 1, confirmed)
	require.Equal(t, int64(500), env.verified(t, "p1").Paid)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")
	env.Sandbox.Inject("acct-alice", rail.FaultTransient, rail.FaultTransient)

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptConfirmed, att.Status)
	require.Equal(t, 3, env.Sandbox.Calls())
	require.Equal(t, 1, env.Sandbox.Transfers())
}

func TestExhaustedTransientRetriesLeaveAllocationRetrying(t *testing.T) {
	env := newTestEnv(t, func(p *config.DispatchConfig) { p.MaxAttempts = 2 })
	allocs := env.distributing(t, "p1")
	env.Sandbox.Inject("acct-alice", rail.FaultTransient, rail.FaultTransient)

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptRetrying, att.Status)
	require.Equal(t, domain.AllocationRetrying, env.allocation(t, allocs[0].ID).Status)

	att, err = env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptConfirmed, att.Status)
	require.Equal(t, 2, att.Number)
}

func TestPermanentFailureKeepsReserve(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")
	env.Sandbox.Inject("acct-bob", rail.FaultPermanent)

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[1].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptFailed, att.Status)
	require.NotEmpty(t, att.Error)
	require.Equal(t, domain.AllocationFailed, env.allocation(t, allocs[1].ID).Status)

	b := env.verified(t, "p1")
	require.Equal(t, int64(1000), b.Allocated)
	require.Equal(t, int64(0), b.Paid)
	require.Equal(t, int64(1000), b.Custody())

	_, err = env.Dispatcher.Dispatch(env.Ctx, allocs[1].ID, "org-1")
	var se domain.StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.ReasonAllocationState, se.Reason)
}

func TestTimeoutIsRetryingUntilReconciled(t *testing.T) {
	env := newTestEnv(t, func(p *config.DispatchConfig) { p.MaxAttempts = 1 })
	allocs := env.distributing(t, "p1")
	env.Sandbox.Inject("acct-alice", rail.FaultTimeout)

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptRetrying, att.Status)
	require.Equal(t, domain.AllocationRetrying, env.allocation(t, allocs[0].ID).Status)
	require.Equal(t, 1, env.Sandbox.Transfers())
	require.Equal(t, int64(0), env.verified(t, "p1").Paid)

	report, err := env.Dispatcher.Reconcile(env.Ctx, "p1", "org-1")
	require.NoError(t, err)
	require.Equal(t, []string{allocs[0].ID}, report.Confirmed)
	require.Empty(t, report.Issues)
	require.Equal(t, domain.AllocationConfirmed, env.allocation(t, allocs[0].ID).Status)
	require.Equal(t, 1, env.Sandbox.Transfers())
	require.Equal(t, 1, env.Sandbox.Calls())
	require.Equal(t, int64(500), env.verified(t, "p1").Paid)
}

func TestRedispatchAfterTimeoutQueriesFirst(t *testing.T) {
	env := newTestEnv(t, func(p *config.DispatchConfig) { p.MaxAttempts = 1 })
	allocs := env.distributing(t, "p1")
	env.Sandbox.Inject("acct-alice", rail.FaultTimeout)

	_, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptConfirmed, att.Status)
	require.Equal(t, 1, att.Number)
	require.Equal(t, 1, env.Sandbox.Calls())
	require.Equal(t, int64(500), env.Sandbox.SettledTotal("acct-alice"))
}

func TestTimeoutWithinRetriesDoesNotResend(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")
	env.Sandbox.Inject("acct-alice", rail.FaultTimeout)

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptConfirmed, att.Status)
	require.Equal(t, 1, env.Sandbox.Calls())
	require.Equal(t, 1, env.Sandbox.Transfers())
}

// lossyRail accepts transfers but reports a connection reset for the first
// lost responses.
type lossyRail struct {
	*rail.Sandbox
	lost int
}

func (l *lossyRail) Initiate(ctx context.Context, tr rail.Transfer) (string, error) {
	ref, err := l.Sandbox.Initiate(ctx, tr)
	if err == nil && l.lost > 0 {
		l.lost--
		return "", domain.Transient(l.Name(), errors.New("read: connection reset by peer"))
	}
	return ref, err
}

func TestLostResponseIsQueriedBeforeResend(t *testing.T) {
	env := newTestEnv(t)
	lossy := &lossyRail{Sandbox: env.Sandbox, lost: 1}
	d := dispatch.New(env.Engine, rail.NewRegistry(lossy), testPolicy(), nil)
	allocs := env.distributing(t, "p1")

	att, err := d.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptConfirmed, att.Status)
	require.Equal(t, 1, env.Sandbox.Calls())
	require.Equal(t, 1, env.Sandbox.Transfers())
	require.Equal(t, int64(500), env.Sandbox.SettledTotal("acct-alice"))
}

func TestPendingTransferSettlesThroughReconcile(t *testing.T) {
	env := newTestEnv(t)
	env.Sandbox.AutoSettle = false
	allocs := env.distributing(t, "p1")

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[2].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptDispatched, att.Status)
	require.NotEmpty(t, att.ExternalRef)

	report, err := env.Dispatcher.Reconcile(env.Ctx, "p1", "org-1")
	require.NoError(t, err)
	require.Empty(t, report.Confirmed)

	require.NoError(t, env.Sandbox.Settle(att.ExternalRef))
	report, err = env.Dispatcher.Reconcile(env.Ctx, "p1", "org-1")
	require.NoError(t, err)
	require.Equal(t, []string{allocs[2].ID}, report.Confirmed)
	require.Equal(t, int64(200), env.verified(t, "p1").Paid)
}

func TestRejectedPendingTransferFails(t *testing.T) {
	env := newTestEnv(t)
	env.Sandbox.AutoSettle = false
	allocs := env.distributing(t, "p1")

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[2].ID, "org-1")
	require.NoError(t, err)
	require.NoError(t, env.Sandbox.Reject(att.ExternalRef))
	report, err := env.Dispatcher.Reconcile(env.Ctx, "p1", "org-1")
	require.NoError(t, err)
	require.Equal(t, []string{allocs[2].ID}, report.Failed)
	require.Equal(t, int64(1000), env.verified(t, "p1").Allocated)
}

func TestReopenStartsNewChain(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")
	env.Sandbox.Inject("acct-bob", rail.FaultPermanent)

	_, err := env.Dispatcher.Reopen(env.Ctx, allocs[1].ID, "org-1")
	var se domain.StateError
	require.ErrorAs(t, err, &se)

	_, err = env.Dispatcher.Dispatch(env.Ctx, allocs[1].ID, "org-1")
	require.NoError(t, err)
	reopened, err := env.Dispatcher.Reopen(env.Ctx, allocs[1].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AllocationPending, reopened.Status)
	require.Equal(t, 2, reopened.Chain)
	require.NotEqual(t, allocs[1].DispatchKey, reopened.DispatchKey)

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[1].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptConfirmed, att.Status)
	require.Equal(t, 2, att.Chain)
	require.Equal(t, reopened.DispatchKey, att.DispatchKey)

	attempts, err := env.Dispatcher.ListAttempts(env.Ctx, "p1", allocs[1].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, domain.AttemptFailed, attempts[0].Status)
	require.Equal(t, domain.AttemptConfirmed, attempts[1].Status)
	require.Equal(t, int64(300), env.verified(t, "p1").Paid)
}

func TestSettledFailureBlocksReopenAndAcknowledge(t *testing.T) {
	env := newTestEnv(t)
	env.Sandbox.AutoSettle = false
	allocs := env.distributing(t, "p1")

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.NoError(t, env.Sandbox.Reject(att.ExternalRef))
	report, err := env.Dispatcher.Reconcile(env.Ctx, "p1", "ops")
	require.NoError(t, err)
	require.Equal(t, []string{allocs[0].ID}, report.Failed)

	// The rail changes its mind after the local record failed.
	require.NoError(t, env.Sandbox.Settle(att.ExternalRef))
	report, err = env.Dispatcher.Reconcile(env.Ctx, "p1", "ops")
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)

	_, err = env.Dispatcher.Reopen(env.Ctx, allocs[0].ID, "org-1")
	var se domain.StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.ReasonReconciliationOpen, se.Reason)
	_, err = env.Dispatcher.Acknowledge(env.Ctx, allocs[0].ID, "org-1")
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.ReasonReconciliationOpen, se.Reason)

	a := env.allocation(t, allocs[0].ID)
	require.Equal(t, domain.AllocationFailed, a.Status)
	require.Equal(t, 1, a.Chain)
	require.False(t, a.Acknowledged)
	_, err = env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.Error(t, err)
	require.Equal(t, int64(500), env.Sandbox.SettledTotal("acct-alice"))
	require.Equal(t, 1, env.Sandbox.Transfers())
	b := env.verified(t, "p1")
	require.Equal(t, int64(1000), b.Allocated)
	require.Zero(t, b.Released)
}

func TestReopenAsksTheRailAboutTheFailedChain(t *testing.T) {
	env := newTestEnv(t)
	env.Sandbox.AutoSettle = false
	allocs := env.distributing(t, "p1")

	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[1].ID, "org-1")
	require.NoError(t, err)
	require.NoError(t, env.Sandbox.Reject(att.ExternalRef))
	_, err = env.Dispatcher.Reconcile(env.Ctx, "p1", "ops")
	require.NoError(t, err)
	require.NoError(t, env.Sandbox.Settle(att.ExternalRef))

	// No reconcile pass in between: Reopen finds the settlement itself.
	_, err = env.Dispatcher.Reopen(env.Ctx, allocs[1].ID, "org-1")
	var se domain.StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.ReasonReconciliationOpen, se.Reason)
	open, err := env.Dispatcher.ListIssues(env.Ctx, "p1", true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, string(rail.StatusSettled), open[0].RailStatus)

	// Resolving the issue does not make the rail forget the transfer.
	_, err = env.Dispatcher.ResolveIssue(env.Ctx, open[0].ID, "paid out of band", "ops")
	require.NoError(t, err)
	_, err = env.Dispatcher.Reopen(env.Ctx, allocs[1].ID, "org-1")
	require.ErrorAs(t, err, &se)
	require.Equal(t, 1, env.allocation(t, allocs[1].ID).Chain)
	require.Equal(t, int64(300), env.Sandbox.SettledTotal("acct-bob"))
}

func TestReconcileAcrossProcessesUsesStoredTransfers(t *testing.T) {
	env := newTestEnv(t)
	durable := rail.NewDurableSandbox("sandbox", env.Engine.DB)
	first := dispatch.New(env.Engine, rail.NewRegistry(durable), testPolicy(), nil)
	env.distributing(t, "p1")

	report, err := first.DispatchPool(env.Ctx, "p1", "org-1")
	require.NoError(t, err)
	require.True(t, report.Closed)

	rails, err := rail.FromConfig(config.Default().Rails, env.Engine.DB)
	require.NoError(t, err)
	second := dispatch.New(env.Engine, rails, testPolicy(), nil)
	rec, err := second.Reconcile(env.Ctx, "p1", "ops")
	require.NoError(t, err)
	require.Equal(t, 3, rec.Checked)
	require.Empty(t, rec.Issues)
	require.Empty(t, rec.Unreachable)
}

func TestAcknowledgeReleasesReserveAndPoolCloses(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")
	env.Sandbox.Inject("acct-bob", rail.FaultPermanent)

	report, err := env.Dispatcher.DispatchPool(env.Ctx, "p1", "org-1")
	require.NoError(t, err)
	require.False(t, report.Closed)
	require.Len(t, report.Attempts, 3)

	a, err := env.Dispatcher.Acknowledge(env.Ctx, allocs[1].ID, "org-1")
	require.NoError(t, err)
	require.True(t, a.Acknowledged)
	_, err = env.Dispatcher.Acknowledge(env.Ctx, allocs[1].ID, "org-1")
	require.Error(t, err)
	_, err = env.Dispatcher.Reopen(env.Ctx, allocs[1].ID, "org-1")
	require.Error(t, err)

	b := env.verified(t, "p1")
	require.Equal(t, int64(700), b.Paid)
	require.Equal(t, int64(300), b.Released)
	require.Equal(t, int64(300), b.Custody())

	require.NoError(t, env.Engine.ClosePool(env.Ctx, "p1", "org-1"))
	p, err := env.Engine.GetPool(env.Ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, domain.PoolClosed, p.Status)
}

func TestDispatchPoolClosesPool(t *testing.T) {
	env := newTestEnv(t)
	env.distributing(t, "p1")

	report, err := env.Dispatcher.DispatchPool(env.Ctx, "p1", "org-1")
	require.NoError(t, err)
	require.True(t, report.Closed)
	require.Len(t, report.Attempts, 3)
	require.Equal(t, int64(500), env.Sandbox.SettledTotal("acct-alice"))
	require.Equal(t, int64(300), env.Sandbox.SettledTotal("acct-bob"))
	require.Equal(t, int64(200), env.Sandbox.SettledTotal("acct-carol"))
	require.Equal(t, int64(1000), env.verified(t, "p1").Paid)

	_, err = env.Dispatcher.DispatchPool(env.Ctx, "p1", "org-1")
	var se domain.StateError
	require.ErrorAs(t, err, &se)
}

func TestReconcileFlagsDisagreementWithoutResolving(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")
	att, err := env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.NoError(t, env.Sandbox.Reject(att.ExternalRef))

	report, err := env.Dispatcher.Reconcile(env.Ctx, "p1", "ops")
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	issue := report.Issues[0]
	require.Equal(t, domain.AllocationConfirmed, issue.LocalStatus)
	require.Equal(t, string(rail.StatusRejected), issue.RailStatus)
	var rerr domain.ReconciliationError
	require.True(t, errors.As(report.Conflicts()[0], &rerr))
	require.Equal(t, allocs[0].ID, rerr.AllocationID)

	// Local state and ledger are left as they were.
	require.Equal(t, domain.AllocationConfirmed, env.allocation(t, allocs[0].ID).Status)
	require.Equal(t, int64(500), env.verified(t, "p1").Paid)

	report, err = env.Dispatcher.Reconcile(env.Ctx, "p1", "ops")
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)

	_, err = env.Dispatcher.ResolveIssue(env.Ctx, issue.ID, "  ", "ops")
	var ierr domain.InputError
	require.ErrorAs(t, err, &ierr)
	resolved, err := env.Dispatcher.ResolveIssue(env.Ctx, issue.ID, "refund handled off-platform", "ops")
	require.NoError(t, err)
	require.Equal(t, "ops", resolved.ResolvedBy)
	_, err = env.Dispatcher.ResolveIssue(env.Ctx, issue.ID, "again", "ops")
	var se domain.StateError
	require.ErrorAs(t, err, &se)

	open, err := env.Dispatcher.ListIssues(env.Ctx, "p1", true)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestHaltedAllocationIsNotDispatched(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")
	_, err := env.Engine.HaltDistribution(env.Ctx, "p1", "org-1")
	require.NoError(t, err)

	_, err = env.Dispatcher.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	var se domain.StateError
	require.ErrorAs(t, err, &se)
	require.Zero(t, env.Sandbox.Calls())
	require.Equal(t, int64(0), env.verified(t, "p1").Allocated)
}

func TestUnknownRailFailsPermanently(t *testing.T) {
	env := newTestEnv(t)
	allocs := env.distributing(t, "p1")
	d := dispatch.New(env.Engine, rail.NewRegistry(), testPolicy(), nil)

	att, err := d.Dispatch(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, domain.AttemptFailed, att.Status)
	require.Contains(t, att.Error, "unknown rail")
	require.Empty(t, att.Rail)
	require.Equal(t, int64(1000), env.verified(t, "p1").Allocated)

	// Nothing reached a rail, so the failure can be reopened once rails are fixed.
	reopened, err := env.Dispatcher.Reopen(env.Ctx, allocs[0].ID, "org-1")
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Chain)
}
