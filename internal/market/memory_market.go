package market

import (
	"context"
	"fmt"
	"sync"

	fpmath "PoolLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const bpsDenominator = 10_000

// RateModel is a kinked utilization model, applied once per Tick.
// All values are basis points per tick.
type RateModel struct {
	BaseBps          uint64
	SlopeBps         uint64
	KinkBps          uint64
	JumpSlopeBps     uint64
	ReserveFactorBps uint64
}

// MemoryMarket is an in-process index-based money market. Balances are
// stored scaled by a per-reserve liquidity/borrow index; accrual bumps the
// index so every holder's balance grows without touching their entry.
type MemoryMarket struct {
	mu       sync.Mutex
	account  uuid.UUID
	vault    AssetMover
	reserves map[string]*reserve
	hook     func(ctx context.Context, op Op, asset string) error

	withdrawShortfall map[string]*uint256.Int
	repayShortfall    map[string]*uint256.Int
}

type reserve struct {
	asset       string
	model       RateModel
	supplyIndex *uint256.Int
	borrowIndex *uint256.Int
	supply      *receipt
	debt        *receipt
}

// NewMemoryMarket creates a market whose cash is held by account in vault.
func NewMemoryMarket(account uuid.UUID, vault AssetMover) *MemoryMarket {
	return &MemoryMarket{
		account:           account,
		vault:             vault,
		reserves:          make(map[string]*reserve),
		withdrawShortfall: make(map[string]*uint256.Int),
		repayShortfall:    make(map[string]*uint256.Int),
	}
}

// Account returns the holder id the market keeps its cash under.
func (m *MemoryMarket) Account() uuid.UUID {
	return m.account
}

// ListReserve opens asset for supply and borrow with unit indices.
func (m *MemoryMarket) ListReserve(asset string, model RateModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reserves[asset]; ok {
		return fmt.Errorf("%w: %s", ErrReserveAlreadyListed, asset)
	}
	r := &reserve{
		asset:       asset,
		model:       model,
		supplyIndex: fpmath.RAY.Clone(),
		borrowIndex: fpmath.RAY.Clone(),
	}
	r.supply = newReceipt(m, r, "p"+asset, false)
	r.debt = newReceipt(m, r, "vd"+asset, true)
	m.reserves[asset] = r
	return nil
}

// SetHook installs a callback run at the start of every mutating call,
// before any effect is applied. A non-nil error aborts the call.
func (m *MemoryMarket) SetHook(hook func(ctx context.Context, op Op, asset string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// SetWithdrawShortfall makes every withdrawal of asset pay out amount less
// than requested.
func (m *MemoryMarket) SetWithdrawShortfall(asset string, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawShortfall[asset] = amount.Clone()
}

// SetRepayShortfall makes every repayment of asset settle amount less than
// requested.
func (m *MemoryMarket) SetRepayShortfall(asset string, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repayShortfall[asset] = amount.Clone()
}

// Accrue grows the supply and borrow indices of asset by the given rates.
func (m *MemoryMarket) Accrue(asset string, supplyBps, borrowBps uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reserves[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReserve, asset)
	}
	return r.accrue(supplyBps, borrowBps)
}

// Tick accrues one period of interest on every reserve using its rate
// model and current utilization.
func (m *MemoryMarket) Tick() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.reserves {
		supplyBps, borrowBps, err := r.rates()
		if err != nil {
			return fmt.Errorf("rates for %s: %w", r.asset, err)
		}
		if err := r.accrue(supplyBps, borrowBps); err != nil {
			return fmt.Errorf("accrue %s: %w", r.asset, err)
		}
	}
	return nil
}

// As binds a caller identity, returning the MoneyMarket that caller sees.
func (m *MemoryMarket) As(caller uuid.UUID) MoneyMarket {
	return &callerView{m: m, caller: caller}
}

func (m *MemoryMarket) GetReserveData(_ context.Context, asset string) (ReserveData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reserves[asset]
	if !ok {
		return ReserveData{}, nil
	}
	return ReserveData{SupplyReceipt: r.supply, DebtReceipt: r.debt}, nil
}

func (m *MemoryMarket) runHook(ctx context.Context, op Op, asset string) error {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()

	if hook == nil {
		return nil
	}
	return hook(ctx, op, asset)
}

func (m *MemoryMarket) reserveLocked(asset string) (*reserve, error) {
	r, ok := m.reserves[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReserve, asset)
	}
	return r, nil
}

func (m *MemoryMarket) checkLiquidityLocked(ctx context.Context, asset string, amount *uint256.Int) error {
	cash, err := m.vault.BalanceOf(ctx, asset, m.account)
	if err != nil {
		return err
	}
	if cash.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientLiquidity, asset, cash.Dec(), amount.Dec())
	}
	return nil
}

func (m *MemoryMarket) supply(ctx context.Context, caller uuid.UUID, asset string, amount *uint256.Int, onBehalfOf uuid.UUID) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if err := m.runHook(ctx, OpSupply, asset); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.reserveLocked(asset)
	if err != nil {
		return err
	}
	scaled, err := fpmath.RayDiv(amount, r.supplyIndex)
	if err != nil {
		return err
	}
	if scaled.IsZero() {
		return fmt.Errorf("%w: %s rounds to zero scaled", ErrInvalidAmount, amount.Dec())
	}
	if err := m.vault.TransferFrom(ctx, asset, m.account, caller, m.account, amount); err != nil {
		return fmt.Errorf("pull supply: %w", err)
	}
	r.supply.add(onBehalfOf, scaled)
	return nil
}

func (m *MemoryMarket) withdraw(ctx context.Context, caller uuid.UUID, asset string, amount *uint256.Int, to uuid.UUID) (*uint256.Int, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if err := m.runHook(ctx, OpWithdraw, asset); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.reserveLocked(asset)
	if err != nil {
		return nil, err
	}
	held := r.supply.scaledOf(caller)
	balance, err := fpmath.RayMul(held, r.supplyIndex)
	if err != nil {
		return nil, err
	}
	if balance.Lt(amount) {
		return nil, fmt.Errorf("%w: supplied %s, requested %s", ErrInsufficientBalance, balance.Dec(), amount.Dec())
	}

	actual := amount.Clone()
	if short, ok := m.withdrawShortfall[asset]; ok {
		actual = fpmath.SubFloor(amount, short)
	}

	burn := held.Clone()
	if actual.Lt(balance) {
		if burn, err = fpmath.RayDiv(actual, r.supplyIndex); err != nil {
			return nil, err
		}
		if burn.Gt(held) {
			burn = held.Clone()
		}
	}

	if !actual.IsZero() {
		if err := m.checkLiquidityLocked(ctx, asset, actual); err != nil {
			return nil, err
		}
		if err := m.vault.Transfer(ctx, asset, m.account, to, actual); err != nil {
			return nil, fmt.Errorf("pay withdrawal: %w", err)
		}
	}
	r.supply.sub(caller, burn)
	return actual, nil
}

func (m *MemoryMarket) borrow(ctx context.Context, caller uuid.UUID, asset string, amount *uint256.Int, mode RateMode, onBehalfOf uuid.UUID) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if mode != RateModeVariable {
		return fmt.Errorf("%w: %s", ErrUnsupportedRateMode, mode)
	}
	if err := m.runHook(ctx, OpBorrow, asset); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.reserveLocked(asset)
	if err != nil {
		return err
	}
	scaled, err := fpmath.MulDiv(amount, fpmath.RAY, r.borrowIndex, fpmath.RoundUp)
	if err != nil {
		return err
	}
	if err := m.checkLiquidityLocked(ctx, asset, amount); err != nil {
		return err
	}
	if err := m.vault.Transfer(ctx, asset, m.account, caller, amount); err != nil {
		return fmt.Errorf("disburse borrow: %w", err)
	}
	r.debt.add(onBehalfOf, scaled)
	return nil
}

func (m *MemoryMarket) repay(ctx context.Context, caller uuid.UUID, asset string, amount *uint256.Int, mode RateMode, onBehalfOf uuid.UUID) (*uint256.Int, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if mode != RateModeVariable {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRateMode, mode)
	}
	if err := m.runHook(ctx, OpRepay, asset); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.reserveLocked(asset)
	if err != nil {
		return nil, err
	}
	held := r.debt.scaledOf(onBehalfOf)
	owed, err := r.debt.balanceLocked(onBehalfOf)
	if err != nil {
		return nil, err
	}
	if owed.IsZero() {
		return nil, ErrNoDebt
	}

	actual := fpmath.Min(amount, owed)
	if short, ok := m.repayShortfall[asset]; ok {
		actual = fpmath.SubFloor(actual, short)
	}

	burn := held.Clone()
	if actual.Lt(owed) {
		if burn, err = fpmath.RayDiv(actual, r.borrowIndex); err != nil {
			return nil, err
		}
		if burn.Gt(held) {
			burn = held.Clone()
		}
	}

	if !actual.IsZero() {
		if err := m.vault.TransferFrom(ctx, asset, m.account, caller, m.account, actual); err != nil {
			return nil, fmt.Errorf("pull repayment: %w", err)
		}
	}
	r.debt.sub(onBehalfOf, burn)
	return actual, nil
}

func (r *reserve) accrue(supplyBps, borrowBps uint64) error {
	grow := func(index *uint256.Int, bps uint64) error {
		if bps == 0 {
			return nil
		}
		factor, err := fpmath.MulDiv(fpmath.RAY, uint256.NewInt(bpsDenominator+bps), uint256.NewInt(bpsDenominator), fpmath.RoundDown)
		if err != nil {
			return err
		}
		next, err := fpmath.RayMul(index, factor)
		if err != nil {
			return err
		}
		index.Set(next)
		return nil
	}
	if err := grow(r.supplyIndex, supplyBps); err != nil {
		return err
	}
	return grow(r.borrowIndex, borrowBps)
}

// rates derives per-tick supply and borrow rates from utilization.
func (r *reserve) rates() (supplyBps, borrowBps uint64, err error) {
	supplied, err := fpmath.RayMul(r.supply.totalScaled(), r.supplyIndex)
	if err != nil {
		return 0, 0, err
	}
	borrowed, err := fpmath.RayMul(r.debt.totalScaled(), r.borrowIndex)
	if err != nil {
		return 0, 0, err
	}
	if supplied.IsZero() {
		return 0, r.model.BaseBps, nil
	}

	utilization, err := fpmath.MulDiv(borrowed, uint256.NewInt(bpsDenominator), supplied, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}
	util := utilization.Uint64()
	if util > bpsDenominator {
		util = bpsDenominator
	}

	m := r.model
	if util <= m.KinkBps || m.KinkBps == 0 {
		borrowBps = m.BaseBps + util*m.SlopeBps/bpsDenominator
	} else {
		normal := m.BaseBps + m.KinkBps*m.SlopeBps/bpsDenominator
		borrowBps = normal + (util-m.KinkBps)*m.JumpSlopeBps/bpsDenominator
	}

	supplyBps = borrowBps * util / bpsDenominator
	supplyBps = supplyBps * (bpsDenominator - m.ReserveFactorBps) / bpsDenominator
	return supplyBps, borrowBps, nil
}

// callerView is the MoneyMarket a single caller interacts with.
type callerView struct {
	m      *MemoryMarket
	caller uuid.UUID
}

func (v *callerView) Supply(ctx context.Context, asset string, amount *uint256.Int, onBehalfOf uuid.UUID) error {
	return v.m.supply(ctx, v.caller, asset, amount, onBehalfOf)
}

func (v *callerView) Withdraw(ctx context.Context, asset string, amount *uint256.Int, to uuid.UUID) (*uint256.Int, error) {
	return v.m.withdraw(ctx, v.caller, asset, amount, to)
}

func (v *callerView) Borrow(ctx context.Context, asset string, amount *uint256.Int, mode RateMode, onBehalfOf uuid.UUID) error {
	return v.m.borrow(ctx, v.caller, asset, amount, mode, onBehalfOf)
}

func (v *callerView) Repay(ctx context.Context, asset string, amount *uint256.Int, mode RateMode, onBehalfOf uuid.UUID) (*uint256.Int, error) {
	return v.m.repay(ctx, v.caller, asset, amount, mode, onBehalfOf)
}

func (v *callerView) GetReserveData(ctx context.Context, asset string) (ReserveData, error) {
	return v.m.GetReserveData(ctx, asset)
}
