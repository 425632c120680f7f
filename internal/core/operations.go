package core

import (
	"context"
	"fmt"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/market"
	fpmath "PoolLedger/internal/math"

	"github.com/holiman/uint256"
)

// supply: pull → approve → market.Supply → mint from the observed delta.
func (p *Pool) supply(ctx context.Context, tx *ledger.Tx, req Request) (event.PrincipalEvent, error) {
	asset, amount := req.Asset, req.Amount

	st, _ := p.registry.Get(asset)
	before, err := p.oracle.TotalSupplied(ctx, asset)
	if err != nil {
		return nil, err
	}

	// Reject dust before any funds move.
	preview, err := fpmath.SharesForDeposit(amount, st.TotalSupplyShares, before)
	if err != nil {
		return nil, fmt.Errorf("preview supply shares: %w", err)
	}
	if preview.IsZero() {
		return nil, fmt.Errorf("%w: supplying %s against %s/%s", ErrZeroShares, amount.Dec(), st.TotalSupplyShares.Dec(), before.Dec())
	}

	if err := p.pull(ctx, tx, req, amount); err != nil {
		return nil, err
	}
	if err := p.approveMarket(ctx, tx, req.Op, asset, amount); err != nil {
		return nil, err
	}

	if err := p.callMarket(req.Op, func() error {
		return p.market.Supply(ctx, asset, amount, p.account)
	}); err != nil {
		return nil, fmt.Errorf("market supply: %w", err)
	}
	tx.OnRollback(func() {
		p.compensate(req.Op, "market_withdraw", func() error {
			_, err := p.market.Withdraw(context.WithoutCancel(ctx), asset, amount, p.account)
			return err
		})
	})

	after, err := p.oracle.TotalSupplied(ctx, asset)
	if err != nil {
		return nil, err
	}
	minted, err := fpmath.SharesForDeposit(fpmath.SubFloor(after, before), st.TotalSupplyShares, before)
	if err != nil {
		return nil, fmt.Errorf("supply shares: %w", err)
	}
	if minted.IsZero() {
		return nil, fmt.Errorf("%w: market credited %s for %s", ErrZeroShares, fpmath.SubFloor(after, before).Dec(), amount.Dec())
	}

	if err := tx.Mint(ledger.NewSupplyAccountKey(req.Principal, asset), minted, ledger.JournalTypeSupplyMint); err != nil {
		return nil, err
	}

	return &event.Deposit{
		RequestID: req.RequestID,
		Principal: req.Principal,
		Asset:     asset,
		Amount:    amount.Clone(),
		Shares:    minted,
		Timestamp: p.clock(),
	}, nil
}

// withdraw: burn (ceil) → market.Withdraw to the principal → re-credit the
// shares of any amount the market did not pay.
func (p *Pool) withdraw(ctx context.Context, tx *ledger.Tx, req Request) (event.PrincipalEvent, error) {
	asset, amount := req.Asset, req.Amount
	key := ledger.NewSupplyAccountKey(req.Principal, asset)

	st, _ := p.registry.Get(asset)
	total, err := p.oracle.TotalSupplied(ctx, asset)
	if err != nil {
		return nil, err
	}
	held := p.positions.GetPosition(req.Principal, asset).SupplyShares

	burn, err := fpmath.SharesForWithdraw(amount, st.TotalSupplyShares, total)
	if err != nil {
		return nil, fmt.Errorf("withdraw shares: %w", err)
	}
	if burn.Gt(held) {
		return nil, fmt.Errorf("%w: withdrawing %s needs %s shares, holds %s", ErrInsufficientShares, amount.Dec(), burn.Dec(), held.Dec())
	}

	// Effects before the interaction.
	if err := tx.Burn(key, burn, ledger.JournalTypeSupplyBurn); err != nil {
		return nil, err
	}

	var actual *uint256.Int
	if err := p.callMarket(req.Op, func() error {
		var callErr error
		actual, callErr = p.market.Withdraw(ctx, asset, amount, req.Principal)
		return callErr
	}); err != nil {
		return nil, fmt.Errorf("market withdraw: %w", err)
	}
	if actual == nil {
		actual = new(uint256.Int)
	}

	netBurn := burn.Clone()
	recredit := new(uint256.Int)
	switch {
	case actual.Lt(amount):
		recredit, err = fpmath.WithdrawRecredit(amount, actual, st.TotalSupplyShares, total)
		if err != nil {
			return nil, fmt.Errorf("withdraw recredit: %w", err)
		}
		if err := tx.Mint(key, recredit, ledger.JournalTypeSupplyRecredit); err != nil {
			return nil, err
		}
		netBurn = fpmath.SubFloor(burn, recredit)
		if p.metrics != nil && !recredit.IsZero() {
			p.metrics.DustRecredits.WithLabelValues(string(req.Op), asset).Inc()
		}

	case actual.Gt(amount):
		// The market paid out more than asked. Charge the principal for it
		// as far as their remaining shares allow.
		full, err := fpmath.SharesForWithdraw(actual, st.TotalSupplyShares, total)
		if err != nil {
			return nil, fmt.Errorf("withdraw shares: %w", err)
		}
		extra := fpmath.Min(fpmath.SubFloor(full, burn), fpmath.SubFloor(held, burn))
		if err := tx.Burn(key, extra, ledger.JournalTypeSupplyBurn); err != nil {
			return nil, err
		}
		netBurn.Add(netBurn, extra)
		p.logger.Warn().Str("asset", asset).Str("requested", amount.Dec()).Str("paid", actual.Dec()).Msg("market overpaid withdrawal")
	}

	return &event.Withdraw{
		RequestID:  req.RequestID,
		Principal:  req.Principal,
		Asset:      asset,
		Requested:  amount.Clone(),
		Amount:     actual.Clone(),
		Shares:     netBurn,
		Recredited: recredit,
		Timestamp:  p.clock(),
	}, nil
}

// borrow: market.Borrow into custody → mint (ceil) from the observed delta
// → push to the principal.
func (p *Pool) borrow(ctx context.Context, tx *ledger.Tx, req Request) (event.PrincipalEvent, error) {
	asset, amount := req.Asset, req.Amount

	st, _ := p.registry.Get(asset)
	before, err := p.oracle.TotalBorrowed(ctx, asset)
	if err != nil {
		return nil, err
	}

	if err := p.callMarket(req.Op, func() error {
		return p.market.Borrow(ctx, asset, amount, market.RateModeVariable, p.account)
	}); err != nil {
		return nil, fmt.Errorf("market borrow: %w", err)
	}
	tx.OnRollback(func() {
		p.compensate(req.Op, "market_repay", func() error {
			rctx := context.WithoutCancel(ctx)
			if err := p.resetApproval(rctx, asset, amount); err != nil {
				return err
			}
			_, err := p.market.Repay(rctx, asset, amount, market.RateModeVariable, p.account)
			return err
		})
	})

	after, err := p.oracle.TotalBorrowed(ctx, asset)
	if err != nil {
		return nil, err
	}
	minted, err := fpmath.SharesForBorrow(fpmath.SubFloor(after, before), st.TotalDebtShares, before)
	if err != nil {
		return nil, fmt.Errorf("borrow shares: %w", err)
	}
	if minted.IsZero() {
		return nil, fmt.Errorf("%w: market recorded no debt for %s", ErrZeroShares, amount.Dec())
	}
	if err := tx.Mint(ledger.NewDebtAccountKey(req.Principal, asset), minted, ledger.JournalTypeDebtMint); err != nil {
		return nil, err
	}

	if err := p.mover.Transfer(ctx, asset, p.account, req.Principal, amount); err != nil {
		return nil, fmt.Errorf("deliver borrowed funds: %w", err)
	}

	return &event.Borrow{
		RequestID: req.RequestID,
		Principal: req.Principal,
		Asset:     asset,
		Amount:    amount.Clone(),
		Shares:    minted,
		Timestamp: p.clock(),
	}, nil
}

// repay: clamp to own debt → pull → approve → burn (floor) → market.Repay →
// refund and re-credit whatever the market did not settle.
func (p *Pool) repay(ctx context.Context, tx *ledger.Tx, req Request) (event.PrincipalEvent, error) {
	asset, amount := req.Asset, req.Amount
	key := ledger.NewDebtAccountKey(req.Principal, asset)

	held := p.positions.GetPosition(req.Principal, asset).DebtShares
	if held.IsZero() {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoDebt, req.Principal, asset)
	}

	st, _ := p.registry.Get(asset)
	debt, err := p.oracle.TotalBorrowed(ctx, asset)
	if err != nil {
		return nil, err
	}
	owed, err := fpmath.DebtAmount(held, st.TotalDebtShares, debt)
	if err != nil {
		return nil, fmt.Errorf("debt owed: %w", err)
	}
	if owed.IsZero() {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoDebt, req.Principal, asset)
	}

	clamped := fpmath.Min(amount, owed)
	if clamped.Lt(amount) && p.metrics != nil {
		p.metrics.RepayClamped.WithLabelValues(asset).Inc()
	}

	if err := p.pull(ctx, tx, req, clamped); err != nil {
		return nil, err
	}
	if err := p.approveMarket(ctx, tx, req.Op, asset, clamped); err != nil {
		return nil, err
	}

	burn := held.Clone()
	if clamped.Lt(owed) {
		if burn, err = fpmath.SharesForRepay(clamped, st.TotalDebtShares, debt, held); err != nil {
			return nil, fmt.Errorf("repay shares: %w", err)
		}
	}
	if err := tx.Burn(key, burn, ledger.JournalTypeDebtBurn); err != nil {
		return nil, err
	}

	var actual *uint256.Int
	if err := p.callMarket(req.Op, func() error {
		var callErr error
		actual, callErr = p.market.Repay(ctx, asset, clamped, market.RateModeVariable, p.account)
		return callErr
	}); err != nil {
		return nil, fmt.Errorf("market repay: %w", err)
	}
	if actual == nil {
		actual = new(uint256.Int)
	}
	if actual.Gt(clamped) {
		return nil, fmt.Errorf("market reported repaying %s of %s approved", actual.Dec(), clamped.Dec())
	}
	// Restored burned shares must match the market's aggregate debt again.
	repaid := actual.Clone()
	tx.OnRollback(func() {
		if repaid.IsZero() {
			return
		}
		p.compensate(req.Op, "market_reborrow", func() error {
			return p.market.Borrow(context.WithoutCancel(ctx), asset, repaid, market.RateModeVariable, p.account)
		})
	})

	netBurn := burn
	refund := fpmath.SubFloor(clamped, actual)
	recredit := new(uint256.Int)
	if !refund.IsZero() {
		settled, err := fpmath.SharesForRepay(actual, st.TotalDebtShares, debt, held)
		if err != nil {
			return nil, fmt.Errorf("repay shares: %w", err)
		}
		recredit = fpmath.SubFloor(burn, settled)
		if err := tx.Mint(key, recredit, ledger.JournalTypeDebtRecredit); err != nil {
			return nil, err
		}
		netBurn = settled
		if p.metrics != nil && !recredit.IsZero() {
			p.metrics.DustRecredits.WithLabelValues(string(req.Op), asset).Inc()
		}

		// Unused allowance and funds go back.
		if err := p.mover.Approve(ctx, asset, p.account, p.spender, new(uint256.Int)); err != nil {
			return nil, fmt.Errorf("reset allowance: %w", err)
		}
		if err := p.mover.Transfer(ctx, asset, p.account, req.Principal, refund); err != nil {
			return nil, fmt.Errorf("refund unsettled repayment: %w", err)
		}
	}

	return &event.Repay{
		RequestID: req.RequestID,
		Principal: req.Principal,
		Asset:     asset,
		Requested: amount.Clone(),
		Amount:    actual.Clone(),
		Shares:    netBurn,
		Refunded:  refund,
		Timestamp: p.clock(),
	}, nil
}

// pull moves amount from the principal into custody and registers the
// refund.
func (p *Pool) pull(ctx context.Context, tx *ledger.Tx, req Request, amount *uint256.Int) error {
	if err := p.mover.Transfer(ctx, req.Asset, req.Principal, p.account, amount); err != nil {
		return fmt.Errorf("pull %s %s from principal: %w", amount.Dec(), req.Asset, err)
	}
	refund := amount.Clone()
	tx.OnRollback(func() {
		p.compensate(req.Op, "refund", func() error {
			return p.mover.Transfer(context.WithoutCancel(ctx), req.Asset, p.account, req.Principal, refund)
		})
	})
	return nil
}

// approveMarket grants the market exactly amount, resetting to zero first
// for tokens that refuse a nonzero to nonzero change.
func (p *Pool) approveMarket(ctx context.Context, tx *ledger.Tx, op Op, asset string, amount *uint256.Int) error {
	if err := p.resetApproval(ctx, asset, amount); err != nil {
		return fmt.Errorf("approve market: %w", err)
	}
	tx.OnRollback(func() {
		p.compensate(op, "revoke_allowance", func() error {
			return p.mover.Approve(context.WithoutCancel(ctx), asset, p.account, p.spender, new(uint256.Int))
		})
	})
	return nil
}

func (p *Pool) resetApproval(ctx context.Context, asset string, amount *uint256.Int) error {
	if err := p.mover.Approve(ctx, asset, p.account, p.spender, new(uint256.Int)); err != nil {
		return err
	}
	return p.mover.Approve(ctx, asset, p.account, p.spender, amount)
}

func (p *Pool) callMarket(op Op, call func() error) error {
	start := time.Now()
	err := call()
	if p.metrics != nil {
		p.metrics.MarketCallDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.MarketCallErrors.WithLabelValues(string(op)).Inc()
		}
	}
	return err
}

// compensate runs a rollback action. Failures are logged, never returned:
// the operation is already failing with its own error.
func (p *Pool) compensate(op Op, action string, fn func() error) {
	if err := fn(); err != nil {
		p.logger.Error().Err(err).Str("op", string(op)).Str("action", action).Msg("compensation failed")
		if p.metrics != nil {
			p.metrics.Compensations.WithLabelValues(string(op), action+"_failed").Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.Compensations.WithLabelValues(string(op), action).Inc()
	}
}
