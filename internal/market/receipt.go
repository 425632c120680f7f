package market

import (
	"context"

	fpmath "PoolLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// receipt is a MemoryMarket receipt token. Balances are stored scaled and
// converted through the reserve's index on read.
type receipt struct {
	id     string
	m      *MemoryMarket
	r      *reserve
	debt   bool
	scaled map[uuid.UUID]*uint256.Int
}

func newReceipt(m *MemoryMarket, r *reserve, id string, debt bool) *receipt {
	return &receipt{
		id:     id,
		m:      m,
		r:      r,
		debt:   debt,
		scaled: make(map[uuid.UUID]*uint256.Int),
	}
}

func (rc *receipt) ID() string {
	return rc.id
}

func (rc *receipt) BalanceOf(_ context.Context, holder uuid.UUID) (*uint256.Int, error) {
	rc.m.mu.Lock()
	defer rc.m.mu.Unlock()
	return rc.balanceLocked(holder)
}

func (rc *receipt) ScaledBalanceOf(_ context.Context, holder uuid.UUID) (*uint256.Int, error) {
	rc.m.mu.Lock()
	defer rc.m.mu.Unlock()
	return rc.scaledOf(holder), nil
}

func (rc *receipt) balanceLocked(holder uuid.UUID) (*uint256.Int, error) {
	index := rc.r.supplyIndex
	if rc.debt {
		index = rc.r.borrowIndex
	}
	return fpmath.RayMul(rc.scaledOf(holder), index)
}

func (rc *receipt) scaledOf(holder uuid.UUID) *uint256.Int {
	if s, ok := rc.scaled[holder]; ok {
		return s.Clone()
	}
	return new(uint256.Int)
}

func (rc *receipt) totalScaled() *uint256.Int {
	total := new(uint256.Int)
	for _, s := range rc.scaled {
		total.Add(total, s)
	}
	return total
}

func (rc *receipt) add(holder uuid.UUID, amount *uint256.Int) {
	s, ok := rc.scaled[holder]
	if !ok {
		s = new(uint256.Int)
		rc.scaled[holder] = s
	}
	s.Add(s, amount)
}

func (rc *receipt) sub(holder uuid.UUID, amount *uint256.Int) {
	s, ok := rc.scaled[holder]
	if !ok {
		return
	}
	if s.Lt(amount) {
		s.Clear()
	} else {
		s.Sub(s, amount)
	}
	if s.IsZero() {
		delete(rc.scaled, holder)
	}
}
