package state

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionManager is the arena of PrincipalPosition records keyed by
// (principal, asset). Absent entries read as zero and entries whose shares
// both return to zero are dropped.
type PositionManager struct {
	mu        sync.RWMutex
	positions map[PositionKey]*PrincipalPosition
}

type PositionKey struct {
	Principal uuid.UUID
	Asset     string
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionKey]*PrincipalPosition),
	}
}

// GetPosition returns a copy of the position, zero-valued when absent.
func (pm *PositionManager) GetPosition(principal uuid.UUID, asset string) PrincipalPosition {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pos, ok := pm.positions[PositionKey{Principal: principal, Asset: asset}]; ok {
		return pos.Clone()
	}
	return newPosition(principal, asset).Clone()
}

// Mutate runs fn against the live position, creating it if needed, and
// drops it afterwards if it ended up empty.
func (pm *PositionManager) Mutate(principal uuid.UUID, asset string, fn func(pos *PrincipalPosition)) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	key := PositionKey{Principal: principal, Asset: asset}
	pos, ok := pm.positions[key]
	if !ok {
		pos = newPosition(principal, asset)
	}
	fn(pos)

	if pos.IsEmpty() {
		delete(pm.positions, key)
		return
	}
	pm.positions[key] = pos
}

// SetPosition replaces a position wholesale (snapshot restore).
func (pm *PositionManager) SetPosition(pos PrincipalPosition) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	key := PositionKey{Principal: pos.Principal, Asset: pos.Asset}
	if pos.IsEmpty() {
		delete(pm.positions, key)
		return
	}
	cp := pos.Clone()
	pm.positions[key] = &cp
}

// GetPrincipalPositions returns every position a principal holds, sorted by asset.
func (pm *PositionManager) GetPrincipalPositions(principal uuid.UUID) []PrincipalPosition {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var out []PrincipalPosition
	for key, pos := range pm.positions {
		if key.Principal == principal {
			out = append(out, pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// GetAllPositions returns every position in deterministic order.
func (pm *PositionManager) GetAllPositions() []PrincipalPosition {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]PrincipalPosition, 0, len(pm.positions))
	for _, pos := range pm.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return bytes.Compare(out[i].Principal[:], out[j].Principal[:]) < 0
	})
	return out
}

// SumShares totals supply and debt shares held across all principals in asset.
func (pm *PositionManager) SumShares(asset string) (supply, debt *uint256.Int) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	supply, debt = new(uint256.Int), new(uint256.Int)
	for key, pos := range pm.positions {
		if key.Asset != asset {
			continue
		}
		supply.Add(supply, pos.SupplyShares)
		debt.Add(debt, pos.DebtShares)
	}
	return supply, debt
}

// Count returns the number of non-empty positions.
func (pm *PositionManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.positions)
}
