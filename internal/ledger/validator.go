package ledger

import (
	"fmt"

	"PoolLedger/internal/state"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	registry  *state.AssetRegistry
	positions *state.PositionManager
}

func NewInvariantValidator(registry *state.AssetRegistry, positions *state.PositionManager) *InvariantValidator {
	return &InvariantValidator{
		registry:  registry,
		positions: positions,
	}
}

// ValidateBatch verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateShareSums verifies the recorded totals equal the sum of every
// principal's shares, for both supply and debt.
func (v *InvariantValidator) ValidateShareSums(asset string) error {
	st, ok := v.registry.Get(asset)
	if !ok {
		supply, debt := v.positions.SumShares(asset)
		if !supply.IsZero() || !debt.IsZero() {
			return fmt.Errorf("positions hold shares in unknown asset %s", asset)
		}
		return nil
	}

	supply, debt := v.positions.SumShares(asset)
	if !supply.Eq(st.TotalSupplyShares) {
		return fmt.Errorf("supply shares for %s: total %s, positions sum %s",
			asset, st.TotalSupplyShares.Dec(), supply.Dec())
	}
	if !debt.Eq(st.TotalDebtShares) {
		return fmt.Errorf("debt shares for %s: total %s, positions sum %s",
			asset, st.TotalDebtShares.Dec(), debt.Dec())
	}
	return nil
}

// ValidateAll runs ValidateShareSums over every onboarded asset
func (v *InvariantValidator) ValidateAll() error {
	for _, st := range v.registry.Assets() {
		if err := v.ValidateShareSums(st.Asset); err != nil {
			return err
		}
	}
	return nil
}
