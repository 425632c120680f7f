package market_test

import (
	"context"
	"errors"
	"testing"

	"PoolLedger/internal/market"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type fixture struct {
	vault   *market.MemoryVault
	mm      *market.MemoryMarket
	pool    uuid.UUID
	view    market.MoneyMarket
	reserve market.ReserveData
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()
	require := require.New(t)

	vault := market.NewMemoryVault(strict)
	mm := market.NewMemoryMarket(uuid.New(), vault)
	require.NoError(mm.ListReserve("USDC", market.RateModel{BaseBps: 10, SlopeBps: 100}))
	vault.Mint("USDC", mm.Account(), u(1_000_000))

	pool := uuid.New()
	rd, err := mm.GetReserveData(context.Background(), "USDC")
	require.NoError(err)
	return &fixture{vault: vault, mm: mm, pool: pool, view: mm.As(pool), reserve: rd}
}

func (f *fixture) supply(t *testing.T, amount uint64) {
	t.Helper()
	ctx := context.Background()
	f.vault.Mint("USDC", f.pool, u(amount))
	require.NoError(t, f.vault.Approve(ctx, "USDC", f.pool, f.mm.Account(), u(amount)))
	require.NoError(t, f.view.Supply(ctx, "USDC", u(amount), f.pool))
}

func (f *fixture) supplied(t *testing.T) uint64 {
	t.Helper()
	bal, err := f.reserve.SupplyReceipt.BalanceOf(context.Background(), f.pool)
	require.NoError(t, err)
	return bal.Uint64()
}

func (f *fixture) borrowed(t *testing.T) uint64 {
	t.Helper()
	bal, err := f.reserve.DebtReceipt.BalanceOf(context.Background(), f.pool)
	require.NoError(t, err)
	return bal.Uint64()
}

func TestReserveData_UnknownAssetHasNoHandles(t *testing.T) {
	f := newFixture(t, false)
	rd, err := f.mm.GetReserveData(context.Background(), "DOGE")
	require.NoError(t, err)
	require.Nil(t, rd.SupplyReceipt)
	require.Nil(t, rd.DebtReceipt)

	require.ErrorIs(t, f.mm.ListReserve("USDC", market.RateModel{}), market.ErrReserveAlreadyListed)
}

func TestSupply_AccrualGrowsBalance(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, false)

	f.supply(t, 1000)
	require.Equal(uint64(1000), f.supplied(t))

	require.NoError(f.mm.Accrue("USDC", 1000, 0))
	require.Equal(uint64(1100), f.supplied(t))

	scaled, err := f.reserve.SupplyReceipt.ScaledBalanceOf(context.Background(), f.pool)
	require.NoError(err)
	require.Equal(uint64(1000), scaled.Uint64())

	// 1000 / 1.1 = 909.09 scaled, which reads back as exactly 1000 more.
	f.supply(t, 1000)
	require.Equal(uint64(2100), f.supplied(t))
}

func TestSupply_RequiresAllowance(t *testing.T) {
	f := newFixture(t, false)
	f.vault.Mint("USDC", f.pool, u(10))
	err := f.view.Supply(context.Background(), "USDC", u(10), f.pool)
	require.ErrorIs(t, err, market.ErrInsufficientAllowance)
}

func TestWithdraw_PaysRecipientAndShortfall(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t, false)
	f.supply(t, 1000)

	to := uuid.New()
	actual, err := f.view.Withdraw(ctx, "USDC", u(400), to)
	require.NoError(err)
	require.Equal(uint64(400), actual.Uint64())
	require.Equal(uint64(600), f.supplied(t))

	f.mm.SetWithdrawShortfall("USDC", u(1))
	actual, err = f.view.Withdraw(ctx, "USDC", u(100), to)
	require.NoError(err)
	require.Equal(uint64(99), actual.Uint64())
	require.Equal(uint64(501), f.supplied(t))

	bal, err := f.vault.BalanceOf(ctx, "USDC", to)
	require.NoError(err)
	require.Equal(uint64(499), bal.Uint64())

	_, err = f.view.Withdraw(ctx, "USDC", u(10_000), to)
	require.ErrorIs(err, market.ErrInsufficientBalance)
}

func TestBorrowRepay(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t, false)

	require.NoError(f.view.Borrow(ctx, "USDC", u(300), market.RateModeVariable, f.pool))
	require.Equal(uint64(300), f.borrowed(t))

	err := f.view.Borrow(ctx, "USDC", u(1), market.RateModeStable, f.pool)
	require.ErrorIs(err, market.ErrUnsupportedRateMode)

	require.NoError(f.mm.Accrue("USDC", 0, 1000))
	require.Equal(uint64(330), f.borrowed(t))

	require.NoError(f.vault.Approve(ctx, "USDC", f.pool, f.mm.Account(), u(1000)))
	f.vault.Mint("USDC", f.pool, u(100))

	actual, err := f.view.Repay(ctx, "USDC", u(100), market.RateModeVariable, f.pool)
	require.NoError(err)
	require.Equal(uint64(100), actual.Uint64())
	require.Equal(uint64(230), f.borrowed(t))

	// Over-repay settles only the outstanding debt.
	actual, err = f.view.Repay(ctx, "USDC", u(1000), market.RateModeVariable, f.pool)
	require.NoError(err)
	require.Equal(uint64(230), actual.Uint64())
	require.Equal(uint64(0), f.borrowed(t))

	_, err = f.view.Repay(ctx, "USDC", u(1), market.RateModeVariable, f.pool)
	require.ErrorIs(err, market.ErrNoDebt)
}

func TestHook_AbortsBeforeEffects(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, false)
	boom := errors.New("boom")

	f.mm.SetHook(func(ctx context.Context, op market.Op, asset string) error {
		if op == market.OpBorrow {
			return boom
		}
		return nil
	})

	err := f.view.Borrow(context.Background(), "USDC", u(10), market.RateModeVariable, f.pool)
	require.ErrorIs(err, boom)
	require.Equal(uint64(0), f.borrowed(t))
}

func TestTick_UtilizationDrivesRates(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, false)

	f.supply(t, 10_000)
	require.NoError(f.view.Borrow(context.Background(), "USDC", u(5_000), market.RateModeVariable, f.pool))

	// 50% utilization: borrow 10 + 50 = 60 bps, supply 60 * 0.5 = 30 bps.
	require.NoError(f.mm.Tick())
	require.Equal(uint64(5_030), f.borrowed(t))
	require.Equal(uint64(10_030), f.supplied(t))
}

// ============================================================================
// Test: MemoryVault
// ============================================================================

func TestVault_StrictAllowanceNeedsReset(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	v := market.NewMemoryVault(true)
	owner, spender := uuid.New(), uuid.New()

	require.NoError(v.Approve(ctx, "USDT", owner, spender, u(5)))
	require.ErrorIs(v.Approve(ctx, "USDT", owner, spender, u(7)), market.ErrUnsafeAllowance)

	require.NoError(v.Approve(ctx, "USDT", owner, spender, u(0)))
	require.NoError(v.Approve(ctx, "USDT", owner, spender, u(7)))

	got, err := v.Allowance(ctx, "USDT", owner, spender)
	require.NoError(err)
	require.Equal(uint64(7), got.Uint64())
}

func TestVault_TransferFromConsumesAllowance(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	v := market.NewMemoryVault(false)
	owner, spender, dst := uuid.New(), uuid.New(), uuid.New()
	v.Mint("USDT", owner, u(50))

	require.NoError(v.Approve(ctx, "USDT", owner, spender, u(30)))
	require.NoError(v.TransferFrom(ctx, "USDT", spender, owner, dst, u(20)))
	require.ErrorIs(v.TransferFrom(ctx, "USDT", spender, owner, dst, u(20)), market.ErrInsufficientAllowance)

	left, err := v.Allowance(ctx, "USDT", owner, spender)
	require.NoError(err)
	require.Equal(uint64(10), left.Uint64())

	require.ErrorIs(v.Transfer(ctx, "USDT", dst, owner, u(21)), market.ErrInsufficientBalance)

	v.RejectTransfersTo(owner, errors.New("frozen"))
	require.ErrorIs(v.Transfer(ctx, "USDT", dst, owner, u(1)), market.ErrTransferRejected)
	v.RejectTransfersTo(owner, nil)
	require.NoError(v.Transfer(ctx, "USDT", dst, owner, u(1)))
}
