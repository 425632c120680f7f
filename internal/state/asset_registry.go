package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"PoolLedger/internal/market"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidAsset    = errors.New("invalid asset")
	ErrAssetNotFound   = errors.New("asset not onboarded")
	ErrReceiptMismatch = errors.New("receipt handle changed since snapshot")
)

// AssetRegistry is the arena of AssetState records keyed by asset symbol.
// Onboarding is lazy: the first reference resolves the market's receipt
// handles and pins them for the life of the registry.
type AssetRegistry struct {
	mu     sync.RWMutex
	market market.MoneyMarket
	assets map[string]*AssetState
}

func NewAssetRegistry(mm market.MoneyMarket) *AssetRegistry {
	return &AssetRegistry{
		market: mm,
		assets: make(map[string]*AssetState),
	}
}

// EnsureOnboarded returns a copy of the asset's state, onboarding it first
// if unseen. created reports whether this call did the onboarding.
func (r *AssetRegistry) EnsureOnboarded(ctx context.Context, asset string) (st AssetState, created bool, err error) {
	r.mu.RLock()
	existing, ok := r.assets[asset]
	if ok {
		st = existing.Clone()
	}
	r.mu.RUnlock()
	if ok {
		return st, false, nil
	}

	rd, err := r.resolve(ctx, asset)
	if err != nil {
		return AssetState{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.assets[asset]; ok {
		return existing.Clone(), false, nil
	}
	fresh := newAssetState(asset, rd)
	r.assets[asset] = fresh
	return fresh.Clone(), true, nil
}

func (r *AssetRegistry) resolve(ctx context.Context, asset string) (market.ReserveData, error) {
	if asset == "" {
		return market.ReserveData{}, fmt.Errorf("%w: empty asset", ErrInvalidAsset)
	}
	rd, err := r.market.GetReserveData(ctx, asset)
	if err != nil {
		return market.ReserveData{}, fmt.Errorf("reserve data for %s: %w", asset, err)
	}
	if rd.SupplyReceipt == nil || rd.DebtReceipt == nil || rd.SupplyReceipt.ID() == "" || rd.DebtReceipt.ID() == "" {
		return market.ReserveData{}, fmt.Errorf("%w: %s has no receipt instruments", ErrInvalidAsset, asset)
	}
	return rd, nil
}

// Forget drops an asset whose onboarding is being rolled back together
// with the operation that triggered it. Assets holding shares are kept.
func (r *AssetRegistry) Forget(asset string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.assets[asset]
	if !ok {
		return
	}
	if st.TotalSupplyShares.IsZero() && st.TotalDebtShares.IsZero() {
		delete(r.assets, asset)
	}
}

// Get returns a copy of the asset's state.
func (r *AssetRegistry) Get(asset string) (AssetState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.assets[asset]
	if !ok {
		return AssetState{}, false
	}
	return st.Clone(), true
}

// Receipts returns the pinned receipt handles of an onboarded asset.
func (r *AssetRegistry) Receipts(asset string) (supply, debt market.ReceiptInstrument, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.assets[asset]
	if !ok {
		return nil, nil, false
	}
	return st.SupplyReceipt, st.DebtReceipt, true
}

// Mutate runs fn against the live record under the write lock.
func (r *AssetRegistry) Mutate(asset string, fn func(st *AssetState)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.assets[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, asset)
	}
	fn(st)
	return nil
}

// Assets returns copies of every onboarded asset, sorted by symbol.
func (r *AssetRegistry) Assets() []AssetState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AssetState, 0, len(r.assets))
	for _, st := range r.assets {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Restore re-onboards an asset from a snapshot. The market must still
// report the same receipt identifiers.
func (r *AssetRegistry) Restore(ctx context.Context, asset, supplyReceiptID, debtReceiptID string, totalSupplyShares, totalDebtShares *uint256.Int) error {
	rd, err := r.resolve(ctx, asset)
	if err != nil {
		return err
	}
	if rd.SupplyReceipt.ID() != supplyReceiptID || rd.DebtReceipt.ID() != debtReceiptID {
		return fmt.Errorf("%w: %s has %s/%s, snapshot has %s/%s", ErrReceiptMismatch, asset,
			rd.SupplyReceipt.ID(), rd.DebtReceipt.ID(), supplyReceiptID, debtReceiptID)
	}

	st := newAssetState(asset, rd)
	st.TotalSupplyShares.Set(totalSupplyShares)
	st.TotalDebtShares.Set(totalDebtShares)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[asset] = st
	return nil
}
