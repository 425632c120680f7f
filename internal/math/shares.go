package math

import "github.com/holiman/uint256"

// Share conversion between a pooled aggregate amount and integer shares.
// Every function is pure: totals are read, never written. A zero amount
// yields zero shares; rejecting zero requests is the caller's job.
//
// Rounding always favors the pool:
//
//	deposit mint   floor
//	withdraw burn  ceil
//	borrow mint    ceil   (debt is never under-counted)
//	repay burn     floor
func sharesFor(amount, totalShares, totalAmount *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if amount.IsZero() {
		return Zero(), nil
	}
	if totalShares.IsZero() || totalAmount.IsZero() {
		return amount.Clone(), nil
	}
	return MulDiv(amount, totalShares, totalAmount, mode)
}

// SharesForDeposit returns the supply shares minted for depositing amount.
func SharesForDeposit(amount, totalShares, totalAmount *uint256.Int) (*uint256.Int, error) {
	return sharesFor(amount, totalShares, totalAmount, RoundDown)
}

// SharesForWithdraw returns the supply shares burned to release amount.
func SharesForWithdraw(amount, totalShares, totalAmount *uint256.Int) (*uint256.Int, error) {
	return sharesFor(amount, totalShares, totalAmount, RoundUp)
}

// SharesForBorrow returns the debt shares minted for borrowing amount.
func SharesForBorrow(amount, totalDebtShares, totalDebt *uint256.Int) (*uint256.Int, error) {
	return sharesFor(amount, totalDebtShares, totalDebt, RoundUp)
}

// SharesForRepay returns the debt shares burned for repaying amount against
// the pre-repayment totals, clamped to held.
func SharesForRepay(amount, totalDebtShares, totalDebt, held *uint256.Int) (*uint256.Int, error) {
	burned, err := sharesFor(amount, totalDebtShares, totalDebt, RoundDown)
	if err != nil {
		return nil, err
	}
	if burned.Gt(held) {
		return held.Clone(), nil
	}
	return burned, nil
}

// SupplyAmount converts supply shares to the underlying amount they claim, rounded down.
func SupplyAmount(shares, totalShares, totalAmount *uint256.Int) (*uint256.Int, error) {
	if shares.IsZero() || totalShares.IsZero() {
		return Zero(), nil
	}
	return MulDiv(shares, totalAmount, totalShares, RoundDown)
}

// DebtAmount converts debt shares to the underlying amount owed, rounded up.
func DebtAmount(shares, totalDebtShares, totalDebt *uint256.Int) (*uint256.Int, error) {
	if shares.IsZero() || totalDebtShares.IsZero() {
		return Zero(), nil
	}
	return MulDiv(shares, totalDebt, totalDebtShares, RoundUp)
}

// WithdrawRecredit returns the shares handed back when a withdrawal of
// requested settled for only actual. Both burns are priced against the
// same pre-withdrawal totals so the principal pays exactly for actual.
func WithdrawRecredit(requested, actual, totalShares, totalAmount *uint256.Int) (*uint256.Int, error) {
	if !actual.Lt(requested) {
		return Zero(), nil
	}
	full, err := SharesForWithdraw(requested, totalShares, totalAmount)
	if err != nil {
		return nil, err
	}
	settled, err := SharesForWithdraw(actual, totalShares, totalAmount)
	if err != nil {
		return nil, err
	}
	return SubFloor(full, settled), nil
}
