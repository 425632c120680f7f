package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/market"
	"PoolLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const usdc = "USDC"

type harness struct {
	pool    *core.Pool
	mm      *market.MemoryMarket
	vault   *market.MemoryVault
	account uuid.UUID
	persist chan core.CoreOutput
	metrics *observability.Metrics

	principals []uuid.UUID
}

// newHarness builds a pool over an in-memory market with USDC listed and
// 1,000,000 USDC of outside liquidity available to borrow.
func newHarness(t *testing.T, strictAllowance bool) *harness {
	t.Helper()

	vault := market.NewMemoryVault(strictAllowance)
	marketAcct := uuid.New()
	mm := market.NewMemoryMarket(marketAcct, vault)
	if err := mm.ListReserve(usdc, market.RateModel{}); err != nil {
		t.Fatalf("ListReserve: %v", err)
	}
	vault.Mint(usdc, marketAcct, u(1_000_000))

	h := &harness{
		mm:      mm,
		vault:   vault,
		account: uuid.New(),
		persist: make(chan core.CoreOutput, 1024),
		metrics: observability.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
	h.pool = h.newPool(t)
	return h
}

func (h *harness) newPool(t *testing.T) *core.Pool {
	t.Helper()
	p, err := core.NewPool(core.Config{
		Market:      h.mm.As(h.account),
		Mover:       h.vault,
		Account:     h.account,
		Spender:     h.mm.Account(),
		PersistChan: h.persist,
		Metrics:     h.metrics,
		Logger:      zerolog.Nop(),
		Clock:       func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

// funded returns a new principal holding amount USDC.
func (h *harness) funded(amount uint64) uuid.UUID {
	p := uuid.New()
	h.vault.Mint(usdc, p, u(amount))
	h.principals = append(h.principals, p)
	return p
}

func (h *harness) wallet(t *testing.T, who uuid.UUID) uint64 {
	t.Helper()
	bal, err := h.vault.BalanceOf(context.Background(), usdc, who)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return bal.Uint64()
}

func (h *harness) drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func (h *harness) assertShareSums(t *testing.T) {
	t.Helper()
	st, ok := h.pool.AssetState(usdc)
	if !ok {
		return
	}
	var supply, debt uint256.Int
	for _, who := range h.principals {
		pos := h.pool.SharesOf(who, usdc)
		supply.Add(&supply, pos.SupplyShares)
		debt.Add(&debt, pos.DebtShares)
	}
	if !supply.Eq(st.TotalSupplyShares) {
		t.Errorf("supply shares: sum %s, total %s", supply.Dec(), st.TotalSupplyShares.Dec())
	}
	if !debt.Eq(st.TotalDebtShares) {
		t.Errorf("debt shares: sum %s, total %s", debt.Dec(), st.TotalDebtShares.Dec())
	}
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// mustOK wraps an operation call: mustOK(t)(pool.Supply(...)).
func mustOK(t *testing.T) func(*core.Outcome, error) *core.Outcome {
	return func(out *core.Outcome, err error) *core.Outcome {
		t.Helper()
		if err != nil {
			t.Fatalf("operation failed: %v", err)
		}
		return out
	}
}

func supplyShares(h *harness, who uuid.UUID) uint64 {
	return h.pool.SharesOf(who, usdc).SupplyShares.Uint64()
}

func debtShares(h *harness, who uuid.UUID) uint64 {
	return h.pool.SharesOf(who, usdc).DebtShares.Uint64()
}

// ============================================================================
// Test: Construction and validation
// ============================================================================

func TestNewPool_RequiresCollaborators(t *testing.T) {
	vault := market.NewMemoryVault(false)
	mm := market.NewMemoryMarket(uuid.New(), vault)
	acct := uuid.New()

	cases := map[string]core.Config{
		"nil market":   {Mover: vault, Account: acct, Spender: mm.Account()},
		"nil mover":    {Market: mm.As(acct), Account: acct, Spender: mm.Account()},
		"zero account": {Market: mm.As(acct), Mover: vault, Spender: mm.Account()},
		"zero spender": {Market: mm.As(acct), Mover: vault, Account: acct},
	}
	for name, cfg := range cases {
		if _, err := core.NewPool(cfg); !errors.Is(err, core.ErrZeroAddress) {
			t.Errorf("%s: got %v, want ErrZeroAddress", name, err)
		}
	}
}

func TestExecute_RejectsBadInput(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.funded(100)

	if _, err := h.pool.Supply(ctx, p, usdc, u(0)); !errors.Is(err, core.ErrZeroAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := h.pool.Supply(ctx, uuid.Nil, usdc, u(10)); !errors.Is(err, core.ErrZeroAddress) {
		t.Errorf("nil principal: got %v", err)
	}
	if _, err := h.pool.Supply(ctx, p, "DOGE", u(10)); !errors.Is(err, core.ErrInvalidAsset) {
		t.Errorf("unlisted asset: got %v", err)
	}
	if _, err := h.pool.Execute(ctx, core.Request{Op: "flashloan", Principal: p, Asset: usdc, Amount: u(1)}); !errors.Is(err, core.ErrUnknownOp) {
		t.Errorf("unknown op: got %v", err)
	}
	if _, ok := h.pool.AssetState("DOGE"); ok {
		t.Error("unlisted asset must not be onboarded")
	}
	if got := h.wallet(t, p); got != 100 {
		t.Errorf("wallet: got %d, want 100", got)
	}
}

// ============================================================================
// Test: Supply and withdraw
// ============================================================================

func TestSupply_FirstDepositorGetsOneToOne(t *testing.T) {
	h := newHarness(t, false)
	p := h.funded(1000)

	out := mustOK(t)(h.pool.Supply(context.Background(), p, usdc, u(1000)))

	if got := supplyShares(h, p); got != 1000 {
		t.Errorf("shares: got %d, want 1000", got)
	}
	if got := out.Event.SharesMoved().Uint64(); got != 1000 {
		t.Errorf("event shares: got %d, want 1000", got)
	}
	if got := h.wallet(t, p); got != 0 {
		t.Errorf("wallet: got %d, want 0", got)
	}
	if got := h.wallet(t, h.account); got != 0 {
		t.Errorf("custody should be empty, got %d", got)
	}
	h.assertShareSums(t)
}

func TestSupply_AfterAccrualMintsFewerShares(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p, q := h.funded(1000), h.funded(1000)

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(1000)))
	if err := h.mm.Accrue(usdc, 1000, 0); err != nil { // +10%
		t.Fatalf("Accrue: %v", err)
	}

	total, _ := h.pool.TotalSupplied(ctx, usdc)
	if total.Uint64() != 1100 {
		t.Fatalf("total supplied: got %d, want 1100", total.Uint64())
	}

	mustOK(t)(h.pool.Supply(ctx, q, usdc, u(1000)))

	// floor(1000 * 1000 / 1100)
	if got := supplyShares(h, q); got != 909 {
		t.Errorf("q shares: got %d, want 909", got)
	}
	pBal, _ := h.pool.SupplyBalanceOf(ctx, p, usdc)
	qBal, _ := h.pool.SupplyBalanceOf(ctx, q, usdc)
	if pBal.Uint64() != 1100 {
		t.Errorf("p balance: got %d, want 1100", pBal.Uint64())
	}
	if qBal.Uint64() > 1000 {
		t.Errorf("q balance %d exceeds deposit", qBal.Uint64())
	}
	h.assertShareSums(t)
}

func TestWithdraw_BurnsRoundedUp(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p, q := h.funded(1000), h.funded(1000)

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(1000)))
	_ = h.mm.Accrue(usdc, 1000, 0)
	mustOK(t)(h.pool.Supply(ctx, q, usdc, u(1000)))

	qBefore, _ := h.pool.SupplyBalanceOf(ctx, q, usdc)

	// T = 2100, S = 1909: ceil(500 * 1909 / 2100) = 455
	out := mustOK(t)(h.pool.Withdraw(ctx, p, usdc, u(500)))

	if got := out.Event.SharesMoved().Uint64(); got != 455 {
		t.Errorf("burned: got %d, want 455", got)
	}
	if got := supplyShares(h, p); got != 545 {
		t.Errorf("p shares: got %d, want 545", got)
	}
	if got := h.wallet(t, p); got != 500 {
		t.Errorf("p wallet: got %d, want 500", got)
	}

	total, _ := h.pool.TotalSupplied(ctx, usdc)
	pBal, _ := h.pool.SupplyBalanceOf(ctx, p, usdc)
	qBal, _ := h.pool.SupplyBalanceOf(ctx, q, usdc)
	if pBal.Uint64()+qBal.Uint64() > total.Uint64() {
		t.Errorf("claims %d + %d exceed pool %d", pBal.Uint64(), qBal.Uint64(), total.Uint64())
	}
	if qBal.Lt(qBefore) {
		t.Errorf("q balance fell from %s to %s on p's withdrawal", qBefore.Dec(), qBal.Dec())
	}
	h.assertShareSums(t)
}

func TestWithdraw_InsufficientShares(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p, q := h.funded(100), h.funded(1000)

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(100)))
	mustOK(t)(h.pool.Supply(ctx, q, usdc, u(1000)))

	_, err := h.pool.Withdraw(ctx, p, usdc, u(101))
	if !errors.Is(err, core.ErrInsufficientShares) {
		t.Fatalf("got %v, want ErrInsufficientShares", err)
	}
	if got := supplyShares(h, p); got != 100 {
		t.Errorf("p shares: got %d, want 100", got)
	}
	if got := promtest.ToFloat64(h.metrics.OpsRejected.WithLabelValues("withdraw", "insufficient_shares")); got != 1 {
		t.Errorf("rejected metric: got %v, want 1", got)
	}
}

func TestWithdraw_ShortPaymentRecreditsDust(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p, q := h.funded(1000), h.funded(1000)

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(1000)))
	mustOK(t)(h.pool.Supply(ctx, q, usdc, u(1000)))
	h.mm.SetWithdrawShortfall(usdc, u(1))
	qBefore, _ := h.pool.SupplyBalanceOf(ctx, q, usdc)

	out := mustOK(t)(h.pool.Withdraw(ctx, p, usdc, u(500)))

	wd, ok := out.Event.(*event.Withdraw)
	if !ok {
		t.Fatalf("event type %T", out.Event)
	}
	if wd.Amount.Uint64() != 499 || wd.Requested.Uint64() != 500 {
		t.Errorf("amount: got %d of %d, want 499 of 500", wd.Amount.Uint64(), wd.Requested.Uint64())
	}
	if wd.Recredited.Uint64() != 1 || wd.Shares.Uint64() != 499 {
		t.Errorf("shares: burned %d recredited %d, want 499 and 1", wd.Shares.Uint64(), wd.Recredited.Uint64())
	}
	if got := supplyShares(h, p); got != 501 {
		t.Errorf("p shares: got %d, want 501", got)
	}
	if got := h.wallet(t, p); got != 499 {
		t.Errorf("p wallet: got %d, want 499", got)
	}
	// the unpaid unit stays with p, not spread over q
	qAfter, _ := h.pool.SupplyBalanceOf(ctx, q, usdc)
	if qAfter.Lt(qBefore) {
		t.Errorf("q balance fell from %s to %s on p's withdrawal", qBefore.Dec(), qAfter.Dec())
	}
	h.assertShareSums(t)
}

func TestSupplyWithdraw_RoundTripCreatesNoValue(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p, q := h.funded(1000), h.funded(777)

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(1000)))
	_ = h.mm.Accrue(usdc, 333, 0)
	mustOK(t)(h.pool.Supply(ctx, q, usdc, u(777)))

	bal, _ := h.pool.SupplyBalanceOf(ctx, q, usdc)
	if bal.Uint64() > 777 {
		t.Fatalf("q can claim %d after depositing 777", bal.Uint64())
	}
	mustOK(t)(h.pool.Withdraw(ctx, q, usdc, bal))
	if got := h.wallet(t, q); got > 777 {
		t.Errorf("q ended with %d, deposited 777", got)
	}
	h.assertShareSums(t)
}

func TestSupply_DustDepositRejectedBeforeFundsMove(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	whale, dust := h.funded(1000), h.funded(1)

	mustOK(t)(h.pool.Supply(ctx, whale, usdc, u(1000)))
	_ = h.mm.Accrue(usdc, 10_000, 0) // index doubles: one share is worth 2

	_, err := h.pool.Supply(ctx, dust, usdc, u(1))
	if !errors.Is(err, core.ErrZeroShares) {
		t.Fatalf("got %v, want ErrZeroShares", err)
	}
	if got := h.wallet(t, dust); got != 1 {
		t.Errorf("dust wallet: got %d, want 1", got)
	}
}

// ============================================================================
// Test: Borrow and repay
// ============================================================================

func TestBorrow_MintsDebtSharesAndDelivers(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	r, s := h.funded(0), h.funded(0)

	mustOK(t)(h.pool.Borrow(ctx, r, usdc, u(100)))
	if got := debtShares(h, r); got != 100 {
		t.Errorf("r debt shares: got %d, want 100", got)
	}
	if got := h.wallet(t, r); got != 100 {
		t.Errorf("r wallet: got %d, want 100", got)
	}

	_ = h.mm.Accrue(usdc, 0, 1000) // debt +10%

	mustOK(t)(h.pool.Borrow(ctx, s, usdc, u(100)))
	// ceil(100 * 100 / 110)
	if got := debtShares(h, s); got != 91 {
		t.Errorf("s debt shares: got %d, want 91", got)
	}

	rDebt, _ := h.pool.DebtBalanceOf(ctx, r, usdc)
	sDebt, _ := h.pool.DebtBalanceOf(ctx, s, usdc)
	if rDebt.Uint64() != 110 {
		t.Errorf("r debt: got %d, want 110", rDebt.Uint64())
	}
	if sDebt.Uint64() < 100 {
		t.Errorf("s debt %d under-reports the 100 borrowed", sDebt.Uint64())
	}
	h.assertShareSums(t)
}

func TestRepay_ClampsToOwnDebt(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	r, s := h.funded(50), h.funded(0)

	mustOK(t)(h.pool.Borrow(ctx, r, usdc, u(100)))
	_ = h.mm.Accrue(usdc, 0, 1000)
	mustOK(t)(h.pool.Borrow(ctx, s, usdc, u(100)))

	out := mustOK(t)(h.pool.Repay(ctx, r, usdc, u(200)))

	rp := out.Event.(*event.Repay)
	if rp.Requested.Uint64() != 200 || rp.Amount.Uint64() != 110 {
		t.Errorf("repaid %d of %d, want 110 of 200", rp.Amount.Uint64(), rp.Requested.Uint64())
	}
	if rp.Shares.Uint64() != 100 {
		t.Errorf("burned: got %d, want 100", rp.Shares.Uint64())
	}
	if got := debtShares(h, r); got != 0 {
		t.Errorf("r debt shares: got %d, want 0", got)
	}
	// 50 own + 100 borrowed - 110 repaid
	if got := h.wallet(t, r); got != 40 {
		t.Errorf("r wallet: got %d, want 40", got)
	}
	sDebt, _ := h.pool.DebtBalanceOf(ctx, s, usdc)
	if sDebt.Uint64() != 100 {
		t.Errorf("s debt: got %d, want 100", sDebt.Uint64())
	}
	if got := promtest.ToFloat64(h.metrics.RepayClamped.WithLabelValues(usdc)); got != 1 {
		t.Errorf("clamp metric: got %v, want 1", got)
	}

	if _, err := h.pool.Repay(ctx, r, usdc, u(1)); !errors.Is(err, core.ErrNoDebt) {
		t.Errorf("second repay: got %v, want ErrNoDebt", err)
	}
	h.assertShareSums(t)
}

func TestRepay_ShortSettlementRefunds(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	r := h.funded(0)

	mustOK(t)(h.pool.Borrow(ctx, r, usdc, u(100)))
	h.mm.SetRepayShortfall(usdc, u(10))

	out := mustOK(t)(h.pool.Repay(ctx, r, usdc, u(50)))

	rp := out.Event.(*event.Repay)
	if rp.Amount.Uint64() != 40 || rp.Refunded.Uint64() != 10 {
		t.Errorf("settled %d refunded %d, want 40 and 10", rp.Amount.Uint64(), rp.Refunded.Uint64())
	}
	if rp.Shares.Uint64() != 40 {
		t.Errorf("burned: got %d, want 40", rp.Shares.Uint64())
	}
	if got := debtShares(h, r); got != 60 {
		t.Errorf("r debt shares: got %d, want 60", got)
	}
	if got := h.wallet(t, r); got != 60 {
		t.Errorf("r wallet: got %d, want 60", got)
	}
	allowance, _ := h.vault.Allowance(ctx, usdc, h.account, h.mm.Account())
	if !allowance.IsZero() {
		t.Errorf("leftover allowance %s", allowance.Dec())
	}
	h.assertShareSums(t)
}

func TestRepay_NoDebt(t *testing.T) {
	h := newHarness(t, false)
	p := h.funded(100)

	_, err := h.pool.Repay(context.Background(), p, usdc, u(10))
	if !errors.Is(err, core.ErrNoDebt) {
		t.Fatalf("got %v, want ErrNoDebt", err)
	}
	if got := h.wallet(t, p); got != 100 {
		t.Errorf("wallet: got %d, want 100", got)
	}
}

// ============================================================================
// Test: Atomicity
// ============================================================================

func TestSupply_MarketFailureRollsBackEverything(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.funded(1000)

	h.mm.SetHook(func(_ context.Context, op market.Op, _ string) error {
		if op == market.OpSupply {
			return errors.New("reserve paused")
		}
		return nil
	})

	if _, err := h.pool.Supply(ctx, p, usdc, u(1000)); err == nil {
		t.Fatal("expected market failure")
	}
	if got := h.wallet(t, p); got != 1000 {
		t.Errorf("wallet: got %d, want 1000", got)
	}
	if got := h.wallet(t, h.account); got != 0 {
		t.Errorf("custody: got %d, want 0", got)
	}
	if _, ok := h.pool.AssetState(usdc); ok {
		t.Error("onboarding should roll back with the failed operation")
	}
	if n := len(h.drain()); n != 0 {
		t.Errorf("failed operation emitted %d outputs", n)
	}
	allowance, _ := h.vault.Allowance(ctx, usdc, h.account, h.mm.Account())
	if !allowance.IsZero() {
		t.Errorf("allowance left at %s", allowance.Dec())
	}
}

func TestBorrow_DeliveryFailureRepaysMarket(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	r := h.funded(0)

	h.vault.RejectTransfersTo(r, errors.New("frozen"))
	if _, err := h.pool.Borrow(ctx, r, usdc, u(100)); !errors.Is(err, market.ErrTransferRejected) {
		t.Fatalf("got %v, want ErrTransferRejected", err)
	}

	rd, _ := h.mm.GetReserveData(ctx, usdc)
	owed, _ := rd.DebtReceipt.BalanceOf(ctx, h.account)
	if !owed.IsZero() {
		t.Errorf("pool still owes %s", owed.Dec())
	}
	if got := h.wallet(t, h.account); got != 0 {
		t.Errorf("custody: got %d, want 0", got)
	}
	if got := debtShares(h, r); got != 0 {
		t.Errorf("debt shares: got %d, want 0", got)
	}
	if got := promtest.ToFloat64(h.metrics.Compensations.WithLabelValues("borrow", "market_repay")); got != 1 {
		t.Errorf("compensation metric: got %v, want 1", got)
	}
}

func TestRepay_RefundFailureReborrowsMarket(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	r, s := h.funded(0), h.funded(0)

	mustOK(t)(h.pool.Borrow(ctx, r, usdc, u(100)))
	mustOK(t)(h.pool.Borrow(ctx, s, usdc, u(100)))

	// The market settles 40 of 50, and the 10 refund to r cannot be delivered.
	h.mm.SetRepayShortfall(usdc, u(10))
	h.vault.RejectTransfersTo(r, errors.New("frozen"))

	if _, err := h.pool.Repay(ctx, r, usdc, u(50)); !errors.Is(err, market.ErrTransferRejected) {
		t.Fatalf("got %v, want ErrTransferRejected", err)
	}

	if got := debtShares(h, r); got != 100 {
		t.Errorf("r debt shares: got %d, want 100", got)
	}
	total, _ := h.pool.TotalBorrowed(ctx, usdc)
	if total.Uint64() != 200 {
		t.Errorf("market debt: got %d, want 200", total.Uint64())
	}
	rDebt, _ := h.pool.DebtBalanceOf(ctx, r, usdc)
	sDebt, _ := h.pool.DebtBalanceOf(ctx, s, usdc)
	if rDebt.Uint64() != 100 || sDebt.Uint64() != 100 {
		t.Errorf("debts: r %d s %d, want 100 each", rDebt.Uint64(), sDebt.Uint64())
	}
	h.assertShareSums(t)

	if got := promtest.ToFloat64(h.metrics.Compensations.WithLabelValues("repay", "market_reborrow")); got != 1 {
		t.Errorf("reborrow metric: got %v, want 1", got)
	}
	// r stays frozen, so the pulled 50 remain in custody.
	if got := promtest.ToFloat64(h.metrics.Compensations.WithLabelValues("repay", "refund_failed")); got != 1 {
		t.Errorf("refund failure metric: got %v, want 1", got)
	}
	if got := h.wallet(t, h.account); got != 50 {
		t.Errorf("custody: got %d, want 50", got)
	}
	// onboarding and the two borrows
	if n := len(h.drain()); n != 3 {
		t.Errorf("outputs: got %d, want 3", n)
	}
}

func TestSupply_StrictAllowanceTokenNeedsReset(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	p := h.funded(1000)

	// stale allowance from an earlier interaction
	if err := h.vault.Approve(ctx, usdc, h.account, h.mm.Account(), u(5)); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(600)))
	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(400)))

	if got := supplyShares(h, p); got != 1000 {
		t.Errorf("shares: got %d, want 1000", got)
	}
}

// ============================================================================
// Test: Reentrancy and concurrency
// ============================================================================

func TestReentrantCallRejected(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p, attacker := h.funded(1000), h.funded(1000)

	var nestedErr error
	var sawInFlight bool
	var viewTotal *uint256.Int
	h.mm.SetHook(func(ctx context.Context, op market.Op, asset string) error {
		if op != market.OpSupply {
			return nil
		}
		sawInFlight = h.pool.InFlight()
		_, nestedErr = h.pool.Borrow(ctx, attacker, asset, u(500))
		viewTotal, _ = h.pool.TotalSupplied(ctx, asset)
		return nil
	})

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(1000)))

	if !errors.Is(nestedErr, core.ErrReentrantCall) {
		t.Errorf("nested call: got %v, want ErrReentrantCall", nestedErr)
	}
	if !sawInFlight {
		t.Error("pool should report in-flight during the market call")
	}
	if viewTotal == nil || !viewTotal.IsZero() {
		t.Errorf("read view inside callback: got %v, want 0", viewTotal)
	}
	if got := debtShares(h, attacker); got != 0 {
		t.Errorf("attacker debt shares: got %d", got)
	}
	if got := supplyShares(h, p); got != 1000 {
		t.Errorf("p shares: got %d, want 1000", got)
	}
	if h.pool.InFlight() {
		t.Error("in-flight flag not cleared")
	}
	if got := promtest.ToFloat64(h.metrics.ReentrancyRejected.WithLabelValues("borrow")); got != 1 {
		t.Errorf("reentrancy metric: got %v, want 1", got)
	}
}

func TestNestedCallWithoutMarkerGivesUp(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p, other := h.funded(1000), h.funded(0)

	var nestedErr error
	h.mm.SetHook(func(_ context.Context, op market.Op, asset string) error {
		if op != market.OpSupply {
			return nil
		}
		// a fresh context carries no in-flight marker
		wctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, nestedErr = h.pool.Borrow(wctx, other, asset, u(10))
		return nil
	})

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(1000)))

	if !errors.Is(nestedErr, core.ErrPoolBusy) || !errors.Is(nestedErr, context.DeadlineExceeded) {
		t.Fatalf("nested call: got %v, want ErrPoolBusy after the deadline", nestedErr)
	}
	if got := debtShares(h, other); got != 0 {
		t.Errorf("debt shares: got %d, want 0", got)
	}
	if got := promtest.CollectAndCount(h.metrics.OpLockWait); got != 1 {
		t.Errorf("lock wait series: got %d, want 1", got)
	}
	if got := promtest.ToFloat64(h.metrics.OpsRejected.WithLabelValues("borrow", "lock_timeout")); got != 1 {
		t.Errorf("rejected metric: got %v, want 1", got)
	}
}

func TestClose_WaitsThenRefuses(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.funded(1000)

	entered, release := make(chan struct{}), make(chan struct{})
	h.mm.SetHook(func(_ context.Context, op market.Op, _ string) error {
		if op == market.OpSupply {
			close(entered)
			<-release
		}
		return nil
	})

	supplied := make(chan error, 1)
	go func() {
		_, err := h.pool.Supply(ctx, p, usdc, u(400))
		supplied <- err
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		h.pool.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while an operation was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	if err := <-supplied; err != nil {
		t.Fatalf("in-flight supply: %v", err)
	}
	<-closed

	before := len(h.drain())
	if _, err := h.pool.Supply(ctx, p, usdc, u(100)); !errors.Is(err, core.ErrPoolClosed) {
		t.Fatalf("got %v, want ErrPoolClosed", err)
	}
	if got := h.wallet(t, p); got != 600 {
		t.Errorf("wallet: got %d, want 600", got)
	}
	if n := len(h.drain()); n != 0 {
		t.Errorf("closed pool emitted %d outputs", n)
	}
	if before != 2 {
		t.Errorf("outputs before close: got %d, want 2", before)
	}
}

func TestConcurrentCallersAreSerialized(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	const n = 32
	who := make([]uuid.UUID, n)
	for i := range who {
		who[i] = h.funded(100)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			if _, err := h.pool.Supply(ctx, p, usdc, u(100)); err != nil {
				errs <- err
			}
		}(who[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("supply: %v", err)
	}

	st, _ := h.pool.AssetState(usdc)
	if got := st.TotalSupplyShares.Uint64(); got != n*100 {
		t.Errorf("total shares: got %d, want %d", got, n*100)
	}
	// onboarding + one outcome per caller
	if got := h.pool.Sequence(); got != n {
		t.Errorf("sequence: got %d, want %d", got, n)
	}
	h.assertShareSums(t)
}

// ============================================================================
// Test: Outcomes, idempotency and the hash chain
// ============================================================================

func TestOutcomes_SequencedAndChained(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.funded(1000)

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(600)))
	last := mustOK(t)(h.pool.Withdraw(ctx, p, usdc, u(100)))

	outs := h.drain()
	if len(outs) != 3 {
		t.Fatalf("got %d outputs, want 3 (onboard, deposit, withdraw)", len(outs))
	}
	wantTypes := []event.EventType{event.EventTypeAssetOnboarded, event.EventTypeDeposit, event.EventTypeWithdraw}
	for i, out := range outs {
		if out.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: sequence %d", i, out.Envelope.Sequence)
		}
		if out.Envelope.EventType != wantTypes[i] {
			t.Errorf("output %d: type %s, want %s", i, out.Envelope.EventType, wantTypes[i])
		}
		if i > 0 && out.Envelope.PrevHash != outs[i-1].Envelope.StateHash {
			t.Errorf("output %d: hash chain broken", i)
		}
	}
	if last.StateHash != h.pool.StateHash() || last.Sequence != 2 {
		t.Errorf("outcome does not match chain tip")
	}
}

func TestDuplicateRequestRejected(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.funded(1000)

	req := core.Request{RequestID: "req-1", Op: core.OpSupply, Principal: p, Asset: usdc, Amount: u(100)}
	mustOK(t)(h.pool.Execute(ctx, req))
	if _, err := h.pool.Execute(ctx, req); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Fatalf("got %v, want ErrDuplicateRequest", err)
	}
	if got := supplyShares(h, p); got != 100 {
		t.Errorf("shares: got %d, want 100", got)
	}
}

func TestOnboardingHappensOnce(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.funded(1000)

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(100)))
	before, _ := h.pool.AssetState(usdc)
	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(100)))
	after, _ := h.pool.AssetState(usdc)

	if before.SupplyReceiptID() != after.SupplyReceiptID() || before.DebtReceiptID() != after.DebtReceiptID() {
		t.Error("receipt handles changed")
	}
	if got := promtest.ToFloat64(h.metrics.AssetsOnboarded.WithLabelValues(usdc)); got != 1 {
		t.Errorf("onboarded metric: got %v, want 1", got)
	}
}

// ============================================================================
// Test: Recovery
// ============================================================================

func TestReplay_ReproducesStateAndHash(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p, r := h.funded(1000), h.funded(50)

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(1000)))
	mustOK(t)(h.pool.Borrow(ctx, r, usdc, u(100)))
	_ = h.mm.Accrue(usdc, 500, 1000)
	mustOK(t)(h.pool.Withdraw(ctx, p, usdc, u(300)))
	mustOK(t)(h.pool.Repay(ctx, r, usdc, u(60)))

	var records []core.ReplayRecord
	for _, out := range h.drain() {
		records = append(records, core.ReplayRecord{Envelope: out.Envelope, Batch: out.Batch})
	}

	fresh := h.newPool(t)
	n, err := fresh.Replay(ctx, records)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != len(records) {
		t.Errorf("replayed %d of %d", n, len(records))
	}
	if fresh.StateHash() != h.pool.StateHash() {
		t.Error("state hash differs after replay")
	}
	for _, who := range []uuid.UUID{p, r} {
		want, got := h.pool.SharesOf(who, usdc), fresh.SharesOf(who, usdc)
		if !want.SupplyShares.Eq(got.SupplyShares) || !want.DebtShares.Eq(got.DebtShares) {
			t.Errorf("%s: positions differ after replay", who)
		}
	}
}

func TestReplay_DetectsTamperedLog(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.funded(1000)

	mustOK(t)(h.pool.Supply(ctx, p, usdc, u(1000)))
	outs := h.drain()
	outs[1].Envelope.StateHash[0] ^= 0xff

	fresh := h.newPool(t)
	_, err := fresh.Replay(ctx, []core.ReplayRecord{
		{Envelope: outs[0].Envelope, Batch: outs[0].Batch},
		{Envelope: outs[1].Envelope, Batch: outs[1].Batch},
	})
	if !errors.Is(err, core.ErrStateHashMismatch) {
		t.Fatalf("got %v, want ErrStateHashMismatch", err)
	}
}

func TestSnapshot_RestoreResumesPool(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.funded(1000)

	req := core.Request{RequestID: "req-snap", Op: core.OpSupply, Principal: p, Asset: usdc, Amount: u(400)}
	mustOK(t)(h.pool.Execute(ctx, req))
	snap := h.pool.CreateSnapshotState()

	fresh := h.newPool(t)
	if err := fresh.RestoreFromSnapshot(ctx, snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	if fresh.Sequence() != h.pool.Sequence() || fresh.StateHash() != h.pool.StateHash() {
		t.Error("sequence or hash not restored")
	}
	if got := fresh.SharesOf(p, usdc).SupplyShares.Uint64(); got != 400 {
		t.Errorf("shares: got %d, want 400", got)
	}
	if _, err := fresh.Execute(ctx, req); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("restored pool accepted a processed request: %v", err)
	}
}
