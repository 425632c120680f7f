package oracle

import (
	"context"
	"fmt"

	"PoolLedger/internal/market"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ReceiptSource resolves the receipt handles of an onboarded asset.
// It reports ok=false for assets that have not been onboarded.
type ReceiptSource interface {
	Receipts(asset string) (supply, debt market.ReceiptInstrument, ok bool)
}

// BalanceOracle reports the pool's aggregate supplied and borrowed amounts
// as the external market currently sees them, interest included.
type BalanceOracle struct {
	source ReceiptSource
	holder uuid.UUID
}

func NewBalanceOracle(source ReceiptSource, holder uuid.UUID) *BalanceOracle {
	return &BalanceOracle{source: source, holder: holder}
}

// TotalSupplied returns the pool's supply receipt balance, or zero for an
// asset that is not onboarded.
func (o *BalanceOracle) TotalSupplied(ctx context.Context, asset string) (*uint256.Int, error) {
	supply, _, ok := o.source.Receipts(asset)
	if !ok {
		return new(uint256.Int), nil
	}
	bal, err := supply.BalanceOf(ctx, o.holder)
	if err != nil {
		return nil, fmt.Errorf("supply balance of %s: %w", asset, err)
	}
	return bal, nil
}

// TotalBorrowed returns the pool's debt receipt balance, or zero for an
// asset that is not onboarded.
func (o *BalanceOracle) TotalBorrowed(ctx context.Context, asset string) (*uint256.Int, error) {
	_, debt, ok := o.source.Receipts(asset)
	if !ok {
		return new(uint256.Int), nil
	}
	bal, err := debt.BalanceOf(ctx, o.holder)
	if err != nil {
		return nil, fmt.Errorf("debt balance of %s: %w", asset, err)
	}
	return bal, nil
}
