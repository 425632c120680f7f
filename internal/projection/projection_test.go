package projection_test

import (
	"testing"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestPositionDeltas_FoldsJournals(t *testing.T) {
	gen := ledger.NewJournalGenerator(func() time.Time { return time.Unix(0, 0) })
	alice := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	batch := gen.NewBatch("req")
	gen.Append(batch, ledger.NewSupplyAccountKey(bob, "USDC"), uint256.NewInt(500), ledger.JournalTypeSupplyBurn)
	gen.Append(batch, ledger.NewSupplyAccountKey(bob, "USDC"), uint256.NewInt(3), ledger.JournalTypeSupplyRecredit)
	gen.Append(batch, ledger.NewDebtAccountKey(alice, "USDC"), uint256.NewInt(90), ledger.JournalTypeDebtMint)

	deltas := projection.PositionDeltas(batch)
	require.Len(t, deltas, 2)

	require.Equal(t, alice, deltas[0].Principal)
	require.Equal(t, uint64(90), deltas[0].DebtCredit.Uint64())
	require.True(t, deltas[0].SupplyCredit.IsZero())

	require.Equal(t, bob, deltas[1].Principal)
	require.Equal(t, uint64(3), deltas[1].SupplyCredit.Uint64())
	require.Equal(t, uint64(500), deltas[1].SupplyDebit.Uint64())
	require.True(t, deltas[1].DebtDebit.IsZero())
}

func TestNewActivityEntry(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0).UTC()
	p := uuid.New()

	wd := projection.NewActivityEntry(7, &event.Withdraw{
		RequestID: "r1", Principal: p, Asset: "USDC",
		Requested: uint256.NewInt(500), Amount: uint256.NewInt(499),
		Shares: uint256.NewInt(454), Recredited: uint256.NewInt(1), Timestamp: ts,
	})
	require.Equal(t, int64(7), wd.Sequence)
	require.Equal(t, "Withdraw", wd.EventType)
	require.Equal(t, "r1", wd.RequestID)
	require.Equal(t, uint64(500), wd.Requested.Uint64())
	require.Equal(t, uint64(499), wd.Amount.Uint64())
	require.Equal(t, uint64(1), wd.Adjustment.Uint64())
	require.Equal(t, ts, wd.Timestamp)

	dep := projection.NewActivityEntry(8, &event.Deposit{
		RequestID: "r2", Principal: p, Asset: "USDC",
		Amount: uint256.NewInt(10), Shares: uint256.NewInt(10), Timestamp: ts,
	})
	require.Equal(t, uint64(10), dep.Requested.Uint64())
	require.True(t, dep.Adjustment.IsZero())
}
