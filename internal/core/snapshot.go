package core

import (
	"context"
	"fmt"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// AssetSnapshot is the persisted form of one AssetState.
type AssetSnapshot struct {
	Asset             string
	SupplyReceiptID   string
	DebtReceiptID     string
	TotalSupplyShares *uint256.Int
	TotalDebtShares   *uint256.Int
}

// SnapshotState is everything needed to resume the pool without replaying
// the whole log.
type SnapshotState struct {
	Sequence        int64 // last applied sequence
	StateHash       [32]byte
	Assets          []AssetSnapshot
	Positions       []state.PrincipalPosition
	IdempotencyKeys []string
}

// ReplayRecord is one logged outcome with the share journals it committed.
type ReplayRecord struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (p *Pool) CreateSnapshotState() *SnapshotState {
	p.lock()
	defer p.release()

	assets := p.registry.Assets()
	snap := &SnapshotState{
		Sequence:        p.sequence.Load() - 1,
		StateHash:       p.hasher.GetPrevHash(),
		Assets:          make([]AssetSnapshot, 0, len(assets)),
		Positions:       p.positions.GetAllPositions(),
		IdempotencyKeys: p.idempotency.Keys(),
	}
	for _, st := range assets {
		snap.Assets = append(snap.Assets, AssetSnapshot{
			Asset:             st.Asset,
			SupplyReceiptID:   st.SupplyReceiptID(),
			DebtReceiptID:     st.DebtReceiptID(),
			TotalSupplyShares: st.TotalSupplyShares,
			TotalDebtShares:   st.TotalDebtShares,
		})
	}
	return snap
}

// RestoreFromSnapshot loads a snapshot into an empty pool. The market must
// still report the same receipt instruments for every asset.
func (p *Pool) RestoreFromSnapshot(ctx context.Context, snap *SnapshotState) error {
	p.lock()
	defer p.release()

	for _, a := range snap.Assets {
		if err := p.registry.Restore(ctx, a.Asset, a.SupplyReceiptID, a.DebtReceiptID, a.TotalSupplyShares, a.TotalDebtShares); err != nil {
			return fmt.Errorf("restore asset %s: %w", a.Asset, err)
		}
	}
	for _, pos := range snap.Positions {
		p.positions.SetPosition(pos)
	}
	if err := p.validator.ValidateAll(); err != nil {
		return fmt.Errorf("snapshot inconsistent: %w", err)
	}

	p.hasher.SetPrevHash(snap.StateHash)
	p.sequence.Store(snap.Sequence + 1)
	p.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent composite idempotency keys into the LRU cache.
func (p *Pool) WarmLRU(keys []string) {
	p.idempotency.Warm(keys)
}

// Replay re-applies logged outcomes in sequence order without calling the
// market again: share journals are applied as recorded and every state
// hash is recomputed and checked against the log.
func (p *Pool) Replay(ctx context.Context, records []ReplayRecord) (int, error) {
	p.lock()
	defer p.release()

	applied := 0
	for _, rec := range records {
		env := rec.Envelope
		next := p.sequence.Load()
		if env.Sequence < next {
			continue
		}
		if env.Sequence != next {
			return applied, fmt.Errorf("gap in log: expected sequence %d, got %d", next, env.Sequence)
		}

		evt, err := event.DecodePayload(env.EventType, env.Payload)
		if err != nil {
			return applied, fmt.Errorf("sequence %d: %w", env.Sequence, err)
		}

		batch := rec.Batch
		if batch == nil {
			batch = &ledger.Batch{Sequence: env.Sequence}
		}

		if onboard, ok := evt.(*event.AssetOnboarded); ok {
			st, _, err := p.registry.EnsureOnboarded(ctx, onboard.Asset)
			if err != nil {
				return applied, fmt.Errorf("sequence %d: %w", env.Sequence, err)
			}
			if st.SupplyReceiptID() != onboard.SupplyReceiptID || st.DebtReceiptID() != onboard.DebtReceiptID {
				return applied, fmt.Errorf("sequence %d: %w", env.Sequence, state.ErrReceiptMismatch)
			}
		} else if err := p.ledger.ApplyBatch(batch); err != nil {
			return applied, fmt.Errorf("sequence %d: %w", env.Sequence, err)
		}

		if err := p.validator.ValidateShareSums(env.Asset); err != nil {
			return applied, fmt.Errorf("sequence %d: %w", env.Sequence, err)
		}

		digest := p.computeStateDigest(evt, batch)
		if got := p.hasher.PeekHash(env.Sequence, digest); got != env.StateHash {
			return applied, fmt.Errorf("%w at sequence %d", ErrStateHashMismatch, env.Sequence)
		}
		p.hasher.ComputeHash(env.Sequence, digest)
		p.sequence.Store(env.Sequence + 1)

		if op, ok := OpForEvent(env.EventType); ok {
			p.idempotency.MarkProcessed(string(op), env.IdempotencyKey)
		}
		applied++
	}

	if p.metrics != nil {
		p.metrics.ReplayEventsTotal.Add(float64(applied))
		p.metrics.CoreSequence.Set(float64(p.sequence.Load() - 1))
	}
	return applied, nil
}

// OpForEvent maps an outcome type back to the operation that produced it.
// Onboarding outcomes have no operation.
func OpForEvent(et event.EventType) (Op, bool) {
	switch et {
	case event.EventTypeDeposit:
		return OpSupply, true
	case event.EventTypeWithdraw:
		return OpWithdraw, true
	case event.EventTypeBorrow:
		return OpBorrow, true
	case event.EventTypeRepay:
		return OpRepay, true
	default:
		return "", false
	}
}
