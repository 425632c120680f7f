// internal/state/asset.go
package state

import (
	"PoolLedger/internal/market"

	"github.com/holiman/uint256"
)

// AssetState is the per-asset ledger record. It is created on first
// reference and never destroyed; once onboarded the receipt handles are fixed.
type AssetState struct {
	Asset             string
	Onboarded         bool
	TotalSupplyShares *uint256.Int
	TotalDebtShares   *uint256.Int
	SupplyReceipt     market.ReceiptInstrument
	DebtReceipt       market.ReceiptInstrument
}

func newAssetState(asset string, rd market.ReserveData) *AssetState {
	return &AssetState{
		Asset:             asset,
		Onboarded:         true,
		TotalSupplyShares: new(uint256.Int),
		TotalDebtShares:   new(uint256.Int),
		SupplyReceipt:     rd.SupplyReceipt,
		DebtReceipt:       rd.DebtReceipt,
	}
}

// Clone returns a copy whose share totals may be mutated freely.
func (a *AssetState) Clone() AssetState {
	return AssetState{
		Asset:             a.Asset,
		Onboarded:         a.Onboarded,
		TotalSupplyShares: a.TotalSupplyShares.Clone(),
		TotalDebtShares:   a.TotalDebtShares.Clone(),
		SupplyReceipt:     a.SupplyReceipt,
		DebtReceipt:       a.DebtReceipt,
	}
}

func (a *AssetState) SupplyReceiptID() string {
	if a.SupplyReceipt == nil {
		return ""
	}
	return a.SupplyReceipt.ID()
}

func (a *AssetState) DebtReceiptID() string {
	if a.DebtReceipt == nil {
		return ""
	}
	return a.DebtReceipt.ID()
}

// CanonicalBytes for deterministic hashing
func (a *AssetState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = appendString(buf, a.Asset)
	buf = appendString(buf, a.SupplyReceiptID())
	buf = appendString(buf, a.DebtReceiptID())
	buf = appendUint256(buf, a.TotalSupplyShares)
	buf = appendUint256(buf, a.TotalDebtShares)
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}
