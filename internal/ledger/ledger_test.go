package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bountyline/internal/domain"
	"bountyline/internal/ledger"
)

func entry(seq int64, kind string, delta int64) domain.LedgerEntry {
	return domain.LedgerEntry{PoolID: "p1", Seq: seq, Kind: kind, Delta: delta}
}

func TestReplayFoldsEveryKind(t *testing.T) {
	bal, err := ledger.Replay([]domain.LedgerEntry{
		entry(1, domain.EntryDeposit, 1000),
		entry(2, domain.EntryReserve, 600),
		entry(3, domain.EntryPayout, -500),
		entry(4, domain.EntryRelease, -100),
		entry(5, domain.EntryDeposit, 50),
	})
	require.NoError(t, err)
	require.Equal(t, domain.Balance{Deposited: 1050, Allocated: 500, Released: 100, Paid: 500, LastSeq: 5}, bal)
	require.Equal(t, int64(550), bal.Custody())
	require.Equal(t, int64(550), bal.Unreserved())
}

func TestReplayDetectsGaps(t *testing.T) {
	_, err := ledger.Replay([]domain.LedgerEntry{
		entry(1, domain.EntryDeposit, 10),
		entry(3, domain.EntryDeposit, 10),
	})
	require.ErrorIs(t, err, ledger.ErrGap)
}

func TestReplayRejectsMixedPools(t *testing.T) {
	other := entry(2, domain.EntryDeposit, 10)
	other.PoolID = "p2"
	_, err := ledger.Replay([]domain.LedgerEntry{entry(1, domain.EntryDeposit, 10), other})
	require.Error(t, err)
}

func TestCheckSign(t *testing.T) {
	require.NoError(t, ledger.CheckSign(domain.EntryDeposit, 1))
	require.Error(t, ledger.CheckSign(domain.EntryDeposit, -1))
	require.Error(t, ledger.CheckSign(domain.EntryPayout, 5))
	require.Error(t, ledger.CheckSign(domain.EntryRefund, 0))
	require.Error(t, ledger.CheckSign("transfer", 5))
}

func TestReplayEmptyLedger(t *testing.T) {
	bal, err := ledger.Replay(nil)
	require.NoError(t, err)
	require.Zero(t, bal.Custody())
}
