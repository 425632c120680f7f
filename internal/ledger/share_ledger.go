package ledger

import (
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrTxClosed           = errors.New("ledger transaction already closed")
)

// ShareLedger owns every share mutation. It writes through to the asset
// totals in the registry and the per-principal positions, keeping the two
// in lockstep.
type ShareLedger struct {
	registry  *state.AssetRegistry
	positions *state.PositionManager
	gen       *JournalGenerator
}

func NewShareLedger(registry *state.AssetRegistry, positions *state.PositionManager, clock func() time.Time) *ShareLedger {
	return &ShareLedger{
		registry:  registry,
		positions: positions,
		gen:       NewJournalGenerator(clock),
	}
}

// Position returns the principal's share balances in asset.
func (l *ShareLedger) Position(principal uuid.UUID, asset string) state.PrincipalPosition {
	return l.positions.GetPosition(principal, asset)
}

// Begin opens a transaction. Mutations apply immediately and are undone in
// reverse order on Rollback.
func (l *ShareLedger) Begin(eventRef string) *Tx {
	return &Tx{
		ledger: l,
		batch:  l.gen.NewBatch(eventRef),
	}
}

// ApplyBatch replays a committed batch, e.g. from the event log. It is
// all-or-nothing like a live transaction.
func (l *ShareLedger) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	tx := &Tx{ledger: l, batch: &Batch{BatchID: batch.BatchID, EventRef: batch.EventRef}}
	for _, j := range batch.Journals {
		if err := tx.apply(j.Account, j.Shares, j.JournalType.IsCredit()); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal %s: %w", j.JournalID, err)
		}
	}
	tx.closed = true
	return nil
}

func (l *ShareLedger) applyDelta(account AccountKey, shares *uint256.Int, credit bool) error {
	pos := l.positions.GetPosition(account.Principal, account.Asset)
	held := pos.SupplyShares
	if account.Kind == ShareKindDebt {
		held = pos.DebtShares
	}
	if !credit && held.Lt(shares) {
		return fmt.Errorf("%w: %s holds %s, burn needs %s", ErrInsufficientShares, account, held.Dec(), shares.Dec())
	}

	var totalErr error
	err := l.registry.Mutate(account.Asset, func(st *state.AssetState) {
		total := st.TotalSupplyShares
		if account.Kind == ShareKindDebt {
			total = st.TotalDebtShares
		}
		if credit {
			total.Add(total, shares)
			return
		}
		if total.Lt(shares) {
			totalErr = fmt.Errorf("%s total %s below burn %s", account.Kind, total.Dec(), shares.Dec())
			return
		}
		total.Sub(total, shares)
	})
	if err != nil {
		return err
	}
	if totalErr != nil {
		return totalErr
	}

	l.positions.Mutate(account.Principal, account.Asset, func(p *state.PrincipalPosition) {
		bal := p.SupplyShares
		if account.Kind == ShareKindDebt {
			bal = p.DebtShares
		}
		if credit {
			bal.Add(bal, shares)
		} else {
			bal.Sub(bal, shares)
		}
	})
	return nil
}

// Tx is an open set of share mutations with an undo log.
type Tx struct {
	ledger *ShareLedger
	batch  *Batch
	undo   []func()
	closed bool
}

// Mint credits shares to account. Zero is a no-op.
func (tx *Tx) Mint(account AccountKey, shares *uint256.Int, jt JournalType) error {
	return tx.record(account, shares, jt, true)
}

// Burn debits shares from account, failing with ErrInsufficientShares when
// the account holds fewer. Zero is a no-op.
func (tx *Tx) Burn(account AccountKey, shares *uint256.Int, jt JournalType) error {
	return tx.record(account, shares, jt, false)
}

func (tx *Tx) record(account AccountKey, shares *uint256.Int, jt JournalType, credit bool) error {
	if tx.closed {
		return ErrTxClosed
	}
	if jt.IsCredit() != credit || jt.Kind() != account.Kind {
		return fmt.Errorf("journal type %s cannot move %s shares (credit=%t)", jt, account.Kind, credit)
	}
	if shares.IsZero() {
		return nil
	}
	if err := tx.apply(account, shares, credit); err != nil {
		return err
	}
	tx.ledger.gen.Append(tx.batch, account, shares, jt)
	return nil
}

func (tx *Tx) apply(account AccountKey, shares *uint256.Int, credit bool) error {
	if err := tx.ledger.applyDelta(account, shares, credit); err != nil {
		return err
	}
	amount := shares.Clone()
	tx.undo = append(tx.undo, func() {
		if err := tx.ledger.applyDelta(account, amount, !credit); err != nil {
			panic(fmt.Sprintf("FATAL: share undo failed for %s: %v", account, err))
		}
	})
	return nil
}

// OnRollback registers a compensating action run if the transaction is
// rolled back. Actions run in reverse registration order, interleaved with
// share undos.
func (tx *Tx) OnRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// Batch returns the journals recorded so far.
func (tx *Tx) Batch() *Batch {
	return tx.batch
}

// Commit closes the transaction and returns its sealed batch.
func (tx *Tx) Commit(sequence int64) *Batch {
	if tx.closed {
		panic("FATAL: commit on closed ledger transaction")
	}
	tx.closed = true
	tx.undo = nil
	tx.ledger.gen.Seal(tx.batch, sequence)
	return tx.batch
}

// Rollback undoes every mutation in reverse order. Safe to call on a
// committed transaction, where it does nothing.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	tx.closed = true
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.batch.Journals = tx.batch.Journals[:0]
}
