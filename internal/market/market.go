package market

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownReserve        = errors.New("reserve not listed")
	ErrReserveAlreadyListed  = errors.New("reserve already listed")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity in reserve")
	ErrUnsafeAllowance       = errors.New("allowance must be reset to zero before it can be changed")
	ErrUnsupportedRateMode   = errors.New("unsupported interest rate mode")
	ErrNoDebt                = errors.New("no debt to repay")
	ErrTransferRejected      = errors.New("transfer rejected")
)

// RateMode selects the interest model for a borrow. Only variable is supported.
type RateMode uint8

const (
	RateModeNone     RateMode = 0
	RateModeStable   RateMode = 1
	RateModeVariable RateMode = 2
)

func (m RateMode) String() string {
	switch m {
	case RateModeStable:
		return "stable"
	case RateModeVariable:
		return "variable"
	default:
		return "none"
	}
}

// ReceiptInstrument is a yield-bearing token the market issues against a
// reserve. BalanceOf includes accrued interest, ScaledBalanceOf does not.
type ReceiptInstrument interface {
	ID() string
	BalanceOf(ctx context.Context, holder uuid.UUID) (*uint256.Int, error)
	ScaledBalanceOf(ctx context.Context, holder uuid.UUID) (*uint256.Int, error)
}

// ReserveData holds the receipt handles for a listed asset. Either handle
// is nil when the market does not recognise the asset.
type ReserveData struct {
	SupplyReceipt ReceiptInstrument
	DebtReceipt   ReceiptInstrument
}

// MoneyMarket is the external lending protocol the pool holds its single
// aggregate position with. The caller identity is bound by the
// implementation (see MemoryMarket.As).
type MoneyMarket interface {
	Supply(ctx context.Context, asset string, amount *uint256.Int, onBehalfOf uuid.UUID) error
	Withdraw(ctx context.Context, asset string, amount *uint256.Int, to uuid.UUID) (*uint256.Int, error)
	Borrow(ctx context.Context, asset string, amount *uint256.Int, mode RateMode, onBehalfOf uuid.UUID) error
	Repay(ctx context.Context, asset string, amount *uint256.Int, mode RateMode, onBehalfOf uuid.UUID) (*uint256.Int, error)
	GetReserveData(ctx context.Context, asset string) (ReserveData, error)
}

// AssetMover moves fungible assets between holders and manages spend
// allowances.
type AssetMover interface {
	BalanceOf(ctx context.Context, asset string, holder uuid.UUID) (*uint256.Int, error)
	Transfer(ctx context.Context, asset string, from, to uuid.UUID, amount *uint256.Int) error
	Approve(ctx context.Context, asset string, owner, spender uuid.UUID, amount *uint256.Int) error
	Allowance(ctx context.Context, asset string, owner, spender uuid.UUID) (*uint256.Int, error)
	TransferFrom(ctx context.Context, asset string, spender, from, to uuid.UUID, amount *uint256.Int) error
}

// Op names a market entry point, passed to test hooks.
type Op string

const (
	OpSupply   Op = "supply"
	OpWithdraw Op = "withdraw"
	OpBorrow   Op = "borrow"
	OpRepay    Op = "repay"
)
