package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MemoryVault is an in-process AssetMover holding balances and allowances
// for every asset. With strict allowances it rejects a nonzero to nonzero
// approval, like tokens that require a reset first.
type MemoryVault struct {
	mu         sync.Mutex
	strict     bool
	balances   map[string]map[uuid.UUID]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	rejectTo   map[uuid.UUID]error
}

type allowanceKey struct {
	asset   string
	owner   uuid.UUID
	spender uuid.UUID
}

func NewMemoryVault(strictAllowance bool) *MemoryVault {
	return &MemoryVault{
		strict:     strictAllowance,
		balances:   make(map[string]map[uuid.UUID]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		rejectTo:   make(map[uuid.UUID]error),
	}
}

// Mint credits holder out of thin air. Used to fund principals and seed
// reserve liquidity.
func (v *MemoryVault) Mint(asset string, holder uuid.UUID, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.balanceLocked(asset, holder)
	bal.Add(bal, amount)
}

// RejectTransfersTo makes every transfer credited to holder fail with err.
// A nil err clears the rule.
func (v *MemoryVault) RejectTransfersTo(holder uuid.UUID, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.rejectTo, holder)
		return
	}
	v.rejectTo[holder] = err
}

func (v *MemoryVault) BalanceOf(_ context.Context, asset string, holder uuid.UUID) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balanceLocked(asset, holder).Clone(), nil
}

func (v *MemoryVault) Transfer(_ context.Context, asset string, from, to uuid.UUID, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.moveLocked(asset, from, to, amount)
}

func (v *MemoryVault) Approve(_ context.Context, asset string, owner, spender uuid.UUID, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := allowanceKey{asset: asset, owner: owner, spender: spender}
	current, ok := v.allowances[key]
	if v.strict && ok && !current.IsZero() && !amount.IsZero() {
		return ErrUnsafeAllowance
	}
	v.allowances[key] = amount.Clone()
	return nil
}

func (v *MemoryVault) Allowance(_ context.Context, asset string, owner, spender uuid.UUID) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if a, ok := v.allowances[allowanceKey{asset: asset, owner: owner, spender: spender}]; ok {
		return a.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (v *MemoryVault) TransferFrom(_ context.Context, asset string, spender, from, to uuid.UUID, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := allowanceKey{asset: asset, owner: from, spender: spender}
	allowance, ok := v.allowances[key]
	if !ok || allowance.Lt(amount) {
		return fmt.Errorf("%w: %s spending %s of %s", ErrInsufficientAllowance, spender, amount.Dec(), asset)
	}
	if err := v.moveLocked(asset, from, to, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	return nil
}

func (v *MemoryVault) moveLocked(asset string, from, to uuid.UUID, amount *uint256.Int) error {
	if err, ok := v.rejectTo[to]; ok {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	src := v.balanceLocked(asset, from)
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from, src.Dec(), asset, amount.Dec())
	}
	dst := v.balanceLocked(asset, to)
	src.Sub(src, amount)
	dst.Add(dst, amount)
	return nil
}

func (v *MemoryVault) balanceLocked(asset string, holder uuid.UUID) *uint256.Int {
	holders, ok := v.balances[asset]
	if !ok {
		holders = make(map[uuid.UUID]*uint256.Int)
		v.balances[asset] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = new(uint256.Int)
		holders[holder] = bal
	}
	return bal
}
