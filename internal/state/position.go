// internal/state/position.go
package state

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PrincipalPosition holds one principal's supply and debt shares in one asset.
type PrincipalPosition struct {
	Principal    uuid.UUID
	Asset        string
	SupplyShares *uint256.Int
	DebtShares   *uint256.Int
}

func newPosition(principal uuid.UUID, asset string) *PrincipalPosition {
	return &PrincipalPosition{
		Principal:    principal,
		Asset:        asset,
		SupplyShares: new(uint256.Int),
		DebtShares:   new(uint256.Int),
	}
}

// IsEmpty reports whether both share balances are zero.
func (p *PrincipalPosition) IsEmpty() bool {
	return p.SupplyShares.IsZero() && p.DebtShares.IsZero()
}

func (p *PrincipalPosition) Clone() PrincipalPosition {
	return PrincipalPosition{
		Principal:    p.Principal,
		Asset:        p.Asset,
		SupplyShares: p.SupplyShares.Clone(),
		DebtShares:   p.DebtShares.Clone(),
	}
}

// CanonicalBytes for deterministic hashing
func (p *PrincipalPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	// principal (16 bytes)
	buf = append(buf, p.Principal[:]...)

	// asset (length-prefixed)
	buf = appendString(buf, p.Asset)

	// shares (32 bytes BE each)
	buf = appendUint256(buf, p.SupplyShares)
	buf = appendUint256(buf, p.DebtShares)

	return buf
}
