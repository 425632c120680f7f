package projection

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates the read-model tables from committed outcomes.
// The pool feeds it with a non-blocking send, so it may miss outcomes
// under load; the tables can always be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// ReplaySource reads the event log back in sequence order.
type ReplaySource interface {
	LoadReplay(ctx context.Context, fromSequence int64, limit int) ([]core.ReplayRecord, error)
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if seq, err := pw.loadWatermark(ctx); err != nil {
		pw.logger.Warn().Err(err).Msg("load projection watermark")
	} else {
		pw.lastSeq = seq
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope.Sequence <= pw.lastSeq {
				continue
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent: a rebuild repairs the gap.
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(workerID).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence returns the last sequence the worker applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence
	switch evt := output.Event.(type) {
	case *event.AssetOnboarded:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.assets
				(asset, supply_receipt_id, debt_receipt_id, onboarded_sequence, last_sequence)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (asset) DO NOTHING
		`, evt.Asset, evt.SupplyReceiptID, evt.DebtReceiptID, seq); err != nil {
			return fmt.Errorf("asset projection: %w", err)
		}

	case event.PrincipalEvent:
		if output.Batch != nil {
			if err := pw.applyShares(ctx, tx, seq, output.Batch); err != nil {
				return err
			}
		}
		if err := insertActivity(ctx, tx, NewActivityEntry(seq, evt)); err != nil {
			return fmt.Errorf("activity projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) applyShares(ctx context.Context, tx *sql.Tx, seq int64, batch *ledger.Batch) error {
	assetTotals := make(map[string]*ShareDelta)
	for _, d := range PositionDeltas(batch) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions AS p
				(principal, asset, supply_shares, debt_shares, last_sequence, updated_at)
			VALUES ($1, $2, $3::NUMERIC - $4::NUMERIC, $5::NUMERIC - $6::NUMERIC, $7, NOW())
			ON CONFLICT (principal, asset) DO UPDATE SET
				supply_shares = p.supply_shares + EXCLUDED.supply_shares,
				debt_shares   = p.debt_shares + EXCLUDED.debt_shares,
				last_sequence = EXCLUDED.last_sequence,
				updated_at    = NOW()
		`, d.Principal, d.Asset,
			d.SupplyCredit.Dec(), d.SupplyDebit.Dec(),
			d.DebtCredit.Dec(), d.DebtDebit.Dec(), seq); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM projections.positions
			WHERE principal = $1 AND asset = $2 AND supply_shares = 0 AND debt_shares = 0
		`, d.Principal, d.Asset); err != nil {
			return fmt.Errorf("prune empty position: %w", err)
		}

		total, ok := assetTotals[d.Asset]
		if !ok {
			total = newShareDelta(uuid.Nil, d.Asset)
			assetTotals[d.Asset] = total
		}
		total.add(d)
	}

	for asset, t := range assetTotals {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.assets SET
				total_supply_shares = total_supply_shares + $2::NUMERIC - $3::NUMERIC,
				total_debt_shares   = total_debt_shares + $4::NUMERIC - $5::NUMERIC,
				last_sequence       = $6,
				updated_at          = NOW()
			WHERE asset = $1
		`, asset, t.SupplyCredit.Dec(), t.SupplyDebit.Dec(), t.DebtCredit.Dec(), t.DebtDebit.Dec(), seq); err != nil {
			return fmt.Errorf("asset totals: %w", err)
		}
	}
	return nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, e ActivityEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.activity
			(sequence, event_type, request_id, principal, asset, requested, amount, shares, adjustment, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, e.Sequence, e.EventType, e.RequestID, e.Principal, e.Asset,
		e.Requested.Dec(), e.Amount.Dec(), e.Shares.Dec(), e.Adjustment.Dec(), e.Timestamp)
	return err
}

func (pw *ProjectionWorker) loadWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := pw.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// ShareDelta is the net effect of one batch on one (principal, asset).
// Credits and debits are kept apart so every column stays unsigned.
type ShareDelta struct {
	Principal    uuid.UUID
	Asset        string
	SupplyCredit *uint256.Int
	SupplyDebit  *uint256.Int
	DebtCredit   *uint256.Int
	DebtDebit    *uint256.Int
}

func newShareDelta(principal uuid.UUID, asset string) *ShareDelta {
	return &ShareDelta{
		Principal:    principal,
		Asset:        asset,
		SupplyCredit: new(uint256.Int),
		SupplyDebit:  new(uint256.Int),
		DebtCredit:   new(uint256.Int),
		DebtDebit:    new(uint256.Int),
	}
}

func (d *ShareDelta) add(o *ShareDelta) {
	d.SupplyCredit.Add(d.SupplyCredit, o.SupplyCredit)
	d.SupplyDebit.Add(d.SupplyDebit, o.SupplyDebit)
	d.DebtCredit.Add(d.DebtCredit, o.DebtCredit)
	d.DebtDebit.Add(d.DebtDebit, o.DebtDebit)
}

// PositionDeltas folds a batch's journals into one delta per position,
// ordered by principal then asset.
func PositionDeltas(batch *ledger.Batch) []*ShareDelta {
	type key struct {
		principal uuid.UUID
		asset     string
	}
	byKey := make(map[key]*ShareDelta)
	for _, j := range batch.Journals {
		k := key{j.Account.Principal, j.Account.Asset}
		d, ok := byKey[k]
		if !ok {
			d = newShareDelta(k.principal, k.asset)
			byKey[k] = d
		}

		var target *uint256.Int
		switch {
		case j.Account.Kind == ledger.ShareKindSupply && j.JournalType.IsCredit():
			target = d.SupplyCredit
		case j.Account.Kind == ledger.ShareKindSupply:
			target = d.SupplyDebit
		case j.JournalType.IsCredit():
			target = d.DebtCredit
		default:
			target = d.DebtDebit
		}
		target.Add(target, j.Shares)
	}

	out := make([]*ShareDelta, 0, len(byKey))
	for _, d := range byKey {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Principal[:], out[j].Principal[:]); c != 0 {
			return c < 0
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// RebuildProjections truncates every projection table and re-applies the
// whole event log from source.
func RebuildProjections(ctx context.Context, db *sql.DB, source ReplaySource, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.assets`,
		`TRUNCATE projections.activity`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	pw := NewProjectionWorker(db, nil, nil, logger)
	const page = 1000
	from := int64(0)
	applied := 0
	for {
		records, err := source.LoadReplay(ctx, from, page)
		if err != nil {
			return fmt.Errorf("load log from %d: %w", from, err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			evt, err := event.DecodePayload(rec.Envelope.EventType, rec.Envelope.Payload)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", rec.Envelope.Sequence, err)
			}
			out := core.CoreOutput{Envelope: rec.Envelope, Batch: rec.Batch, Event: evt}
			if err := pw.processOutput(ctx, out); err != nil {
				return fmt.Errorf("sequence %d: %w", rec.Envelope.Sequence, err)
			}
			applied++
		}
		from = records[len(records)-1].Envelope.Sequence + 1
	}

	logger.Info().Int("outcomes", applied).Msg("projection rebuild complete")
	return nil
}
