package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PoolLedger/internal/ledger"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables. Every
// response carries as_of_sequence, the projection watermark at read time.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPosition returns the projected position of principal in asset.
// A position with no shares reads as zero rather than not found.
func (qs *QueryService) GetPosition(ctx context.Context, principal uuid.UUID, asset string) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	p := PositionResponse{Principal: principal, Asset: asset, SupplyShares: "0", DebtShares: "0", LastSequence: -1, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT supply_shares, debt_shares, last_sequence
		FROM projections.positions
		WHERE principal = $1 AND asset = $2
	`, principal, asset).Scan(&p.SupplyShares, &p.DebtShares, &p.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return &p, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPositions returns all positions for a principal.
func (qs *QueryService) GetPositions(ctx context.Context, principal uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, supply_shares, debt_shares, last_sequence
		FROM projections.positions
		WHERE principal = $1
		ORDER BY asset
	`, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{Principal: principal, AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.Asset, &p.SupplyShares, &p.DebtShares, &p.LastSequence); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetAsset returns the projected share totals of an onboarded asset.
func (qs *QueryService) GetAsset(ctx context.Context, asset string) (*AssetResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	a := AssetResponse{Asset: asset, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT supply_receipt_id, debt_receipt_id, total_supply_shares, total_debt_shares
		FROM projections.assets
		WHERE asset = $1
	`, asset).Scan(&a.SupplyReceiptID, &a.DebtReceiptID, &a.TotalSupplyShares, &a.TotalDebtShares)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, asset)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetActivity returns a principal's operations, newest first. Pass the
// smallest sequence of the previous page as beforeSequence to page back.
func (qs *QueryService) GetActivity(
	ctx context.Context,
	principal uuid.UUID,
	asset *string,
	limit int,
	beforeSequence *int64,
) ([]ActivityResponse, error) {
	query := `
		SELECT sequence, event_type, request_id, asset, requested, amount, shares, adjustment, timestamp
		FROM projections.activity
		WHERE principal = $1
	`
	args := []interface{}{principal}
	argIdx := 2

	if asset != nil {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, *asset)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []ActivityResponse
	for rows.Next() {
		a := ActivityResponse{Principal: principal}
		if err := rows.Scan(
			&a.Sequence, &a.EventType, &a.RequestID, &a.Asset,
			&a.Requested, &a.Amount, &a.Shares, &a.Adjustment, &a.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, a)
	}

	return history, rows.Err()
}

// GetJournalHistory returns share journal entries for a principal with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	principal uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       account, asset, share_kind, shares, journal_type, timestamp
		FROM event_log.journal
		WHERE principal = $1
	`
	args := []interface{}{principal}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var jt int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.Account, &e.Asset, &e.ShareKind, &e.Shares, &jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the event log and that every
// asset's projected totals equal the sum of its projected positions.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sumRows, err := qs.db.QueryContext(ctx, `
		SELECT a.asset,
		       a.total_supply_shares::TEXT, COALESCE(SUM(p.supply_shares), 0)::TEXT,
		       a.total_debt_shares::TEXT,   COALESCE(SUM(p.debt_shares), 0)::TEXT
		FROM projections.assets a
		LEFT JOIN projections.positions p ON p.asset = a.asset
		GROUP BY a.asset, a.total_supply_shares, a.total_debt_shares
		HAVING a.total_supply_shares != COALESCE(SUM(p.supply_shares), 0)
		    OR a.total_debt_shares   != COALESCE(SUM(p.debt_shares), 0)
		ORDER BY a.asset
	`)
	if err != nil {
		return nil, err
	}
	defer sumRows.Close()

	for sumRows.Next() {
		var asset, supplyTotal, supplySum, debtTotal, debtSum string
		if err := sumRows.Scan(&asset, &supplyTotal, &supplySum, &debtTotal, &debtSum); err != nil {
			return nil, err
		}
		if supplyTotal != supplySum {
			report.ShareMismatches = append(report.ShareMismatches, ShareMismatch{
				Asset: asset, Kind: ledger.ShareKindSupply.String(), Total: supplyTotal, Sum: supplySum,
			})
		}
		if debtTotal != debtSum {
			report.ShareMismatches = append(report.ShareMismatches, ShareMismatch{
				Asset: asset, Kind: ledger.ShareKindDebt.String(), Total: debtTotal, Sum: debtSum,
			})
		}
	}
	if err := sumRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.ShareMismatches) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
