package core

import (
	"context"
	"fmt"

	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Read views. None of them take the pool lock, so they are safe to call
// from inside a market callback and never observe a half-applied share
// mutation (the registry and position arena lock per record).

// TotalSupplied is the pool's aggregate supplied amount, interest included.
func (p *Pool) TotalSupplied(ctx context.Context, asset string) (*uint256.Int, error) {
	return p.oracle.TotalSupplied(ctx, asset)
}

// TotalBorrowed is the pool's aggregate debt, interest included.
func (p *Pool) TotalBorrowed(ctx context.Context, asset string) (*uint256.Int, error) {
	return p.oracle.TotalBorrowed(ctx, asset)
}

// SupplyBalanceOf converts the principal's supply shares to an amount, rounded down.
func (p *Pool) SupplyBalanceOf(ctx context.Context, principal uuid.UUID, asset string) (*uint256.Int, error) {
	st, ok := p.registry.Get(asset)
	if !ok {
		return new(uint256.Int), nil
	}
	total, err := p.oracle.TotalSupplied(ctx, asset)
	if err != nil {
		return nil, err
	}
	pos := p.positions.GetPosition(principal, asset)
	amount, err := fpmath.SupplyAmount(pos.SupplyShares, st.TotalSupplyShares, total)
	if err != nil {
		return nil, fmt.Errorf("supply balance: %w", err)
	}
	return amount, nil
}

// DebtBalanceOf converts the principal's debt shares to an amount, rounded up.
func (p *Pool) DebtBalanceOf(ctx context.Context, principal uuid.UUID, asset string) (*uint256.Int, error) {
	st, ok := p.registry.Get(asset)
	if !ok {
		return new(uint256.Int), nil
	}
	total, err := p.oracle.TotalBorrowed(ctx, asset)
	if err != nil {
		return nil, err
	}
	pos := p.positions.GetPosition(principal, asset)
	amount, err := fpmath.DebtAmount(pos.DebtShares, st.TotalDebtShares, total)
	if err != nil {
		return nil, fmt.Errorf("debt balance: %w", err)
	}
	return amount, nil
}

// SharesOf returns the principal's share balances in asset (zero if none).
func (p *Pool) SharesOf(principal uuid.UUID, asset string) state.PrincipalPosition {
	return p.positions.GetPosition(principal, asset)
}

// PositionsOf returns every non-empty position of principal.
func (p *Pool) PositionsOf(principal uuid.UUID) []state.PrincipalPosition {
	return p.positions.GetPrincipalPositions(principal)
}

// AssetState returns the asset record, ok=false if never onboarded.
func (p *Pool) AssetState(asset string) (state.AssetState, bool) {
	return p.registry.Get(asset)
}

// Assets returns every onboarded asset, sorted by symbol.
func (p *Pool) Assets() []state.AssetState {
	return p.registry.Assets()
}

// InFlight reports whether an operation currently holds the pool.
func (p *Pool) InFlight() bool {
	return p.entered.Load()
}

// Sequence returns the last committed sequence, or StartSequence-1 before
// the first commit.
func (p *Pool) Sequence() int64 {
	return p.sequence.Load() - 1
}

// StateHash returns the current state hash (chain tip).
func (p *Pool) StateHash() [32]byte {
	return p.hasher.GetPrevHash()
}

// Account returns the identity holding the pool's aggregate position.
func (p *Pool) Account() uuid.UUID {
	return p.account
}
