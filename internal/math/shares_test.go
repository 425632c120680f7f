package math_test

import (
	"testing"

	fpmath "PoolLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ============================================================================
// Test: MulDiv rounding
// ============================================================================

func TestMulDiv_Rounding(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		name    string
		x, y, d uint64
		mode    fpmath.RoundingMode
		want    uint64
	}{
		{"down exact", 10, 10, 5, fpmath.RoundDown, 20},
		{"down inexact", 10, 10, 3, fpmath.RoundDown, 33},
		{"up exact", 10, 10, 5, fpmath.RoundUp, 20},
		{"up inexact", 10, 10, 3, fpmath.RoundUp, 34},
		{"half up below half", 10, 1, 3, fpmath.RoundHalfUp, 3},
		{"half up at half", 5, 1, 2, fpmath.RoundHalfUp, 3},
		{"half up above half", 5, 1, 3, fpmath.RoundHalfUp, 2},
	}

	for _, tt := range tests {
		got, err := fpmath.MulDiv(u(tt.x), u(tt.y), u(tt.d), tt.mode)
		require.NoError(err, tt.name)
		require.Equal(tt.want, got.Uint64(), tt.name)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	require := require.New(t)

	// (2^255) * 6 / 3 = 2^256 does not fit.
	big := new(uint256.Int).Lsh(u(1), 255)
	_, err := fpmath.MulDiv(big, u(6), u(3), fpmath.RoundDown)
	require.ErrorIs(err, fpmath.ErrOverflow)

	// (2^255) * 4 / 8 = 2^254 fits even though the product is 2^257.
	got, err := fpmath.MulDiv(big, u(4), u(8), fpmath.RoundDown)
	require.NoError(err)
	require.Equal(new(uint256.Int).Lsh(u(1), 254), got)
}

func TestMulDiv_ZeroDivisor(t *testing.T) {
	_, err := fpmath.MulDiv(u(1), u(1), u(0), fpmath.RoundDown)
	require.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestMulDiv_DoesNotMutateInputs(t *testing.T) {
	require := require.New(t)
	x, y, d := u(7), u(9), u(4)
	_, err := fpmath.MulDiv(x, y, d, fpmath.RoundUp)
	require.NoError(err)
	require.Equal(uint64(7), x.Uint64())
	require.Equal(uint64(9), y.Uint64())
	require.Equal(uint64(4), d.Uint64())
}

// ============================================================================
// Test: share conversions
// ============================================================================

func TestSharesForDeposit_EmptyPoolIsOneToOne(t *testing.T) {
	require := require.New(t)

	got, err := fpmath.SharesForDeposit(u(1000), u(0), u(0))
	require.NoError(err)
	require.Equal(uint64(1000), got.Uint64())

	// Shares exist but the aggregate reads zero: still one to one.
	got, err = fpmath.SharesForDeposit(u(1000), u(5), u(0))
	require.NoError(err)
	require.Equal(uint64(1000), got.Uint64())
}

func TestSharesForDeposit_AfterAccrualRoundsDown(t *testing.T) {
	require := require.New(t)

	// 1000 * 1000 / 1100 = 909.09
	got, err := fpmath.SharesForDeposit(u(1000), u(1000), u(1100))
	require.NoError(err)
	require.Equal(uint64(909), got.Uint64())
}

func TestSharesForWithdraw_RoundsUp(t *testing.T) {
	require := require.New(t)

	// 500 * 1909 / 1210 = 788.84
	got, err := fpmath.SharesForWithdraw(u(500), u(1909), u(1210))
	require.NoError(err)
	require.Equal(uint64(789), got.Uint64())

	got, err = fpmath.SharesForWithdraw(u(1000), u(1000), u(1000))
	require.NoError(err)
	require.Equal(uint64(1000), got.Uint64())
}

func TestSharesForBorrow_RoundsUp(t *testing.T) {
	require := require.New(t)

	// 100 * 1000 / 1030 = 97.08, a floor would under-count the liability.
	got, err := fpmath.SharesForBorrow(u(100), u(1000), u(1030))
	require.NoError(err)
	require.Equal(uint64(98), got.Uint64())

	got, err = fpmath.SharesForBorrow(u(250), u(0), u(0))
	require.NoError(err)
	require.Equal(uint64(250), got.Uint64())
}

func TestSharesForRepay_FloorAndClamp(t *testing.T) {
	require := require.New(t)

	// 100 * 1000 / 1030 = 97.08
	got, err := fpmath.SharesForRepay(u(100), u(1000), u(1030), u(500))
	require.NoError(err)
	require.Equal(uint64(97), got.Uint64())

	got, err = fpmath.SharesForRepay(u(900), u(1000), u(1030), u(500))
	require.NoError(err)
	require.Equal(uint64(500), got.Uint64(), "burn must clamp to held shares")
}

func TestAmountViews(t *testing.T) {
	require := require.New(t)

	supply, err := fpmath.SupplyAmount(u(909), u(1909), u(2100))
	require.NoError(err)
	require.Equal(uint64(999), supply.Uint64()) // 999.95 floored

	debt, err := fpmath.DebtAmount(u(98), u(1098), u(1133))
	require.NoError(err)
	require.Equal(uint64(102), debt.Uint64()) // 101.12 ceiled

	zero, err := fpmath.SupplyAmount(u(0), u(0), u(0))
	require.NoError(err)
	require.True(zero.IsZero())
}

func TestWithdrawRecredit(t *testing.T) {
	require := require.New(t)

	// Full burn for 500 is 789; the market only paid 499, whose burn is 788.
	got, err := fpmath.WithdrawRecredit(u(500), u(499), u(1909), u(1210))
	require.NoError(err)
	require.Equal(uint64(1), got.Uint64())

	// Paid in full: nothing to hand back.
	got, err = fpmath.WithdrawRecredit(u(500), u(500), u(1909), u(1210))
	require.NoError(err)
	require.True(got.IsZero())

	// Paid nothing: the entire burn is handed back.
	got, err = fpmath.WithdrawRecredit(u(500), u(0), u(1909), u(1210))
	require.NoError(err)
	require.Equal(uint64(789), got.Uint64())
}

func TestRoundTrip_NoValueCreation(t *testing.T) {
	require := require.New(t)

	// Every deposit then immediate withdraw of the same amount burns at
	// least the shares it minted.
	for _, tc := range []struct{ amount, shares, total uint64 }{
		{1000, 0, 0},
		{1000, 1000, 1100},
		{7, 13, 29},
		{1, 1_000_000, 999_999},
	} {
		minted, err := fpmath.SharesForDeposit(u(tc.amount), u(tc.shares), u(tc.total))
		require.NoError(err)

		newShares := new(uint256.Int).Add(u(tc.shares), minted)
		newTotal := new(uint256.Int).Add(u(tc.total), u(tc.amount))
		burned, err := fpmath.SharesForWithdraw(u(tc.amount), newShares, newTotal)
		require.NoError(err)
		require.False(burned.Lt(minted), "burned %s < minted %s", burned.Dec(), minted.Dec())
	}
}
