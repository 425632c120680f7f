package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// snapshotFormat v1: JSON-encoded SnapshotData with decimal share strings.
const snapshotFormat = 1

// SnapshotManager handles creating and loading state snapshots for
// recovery, and reads the event log back for replay.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory share state at a point in time.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	StateHash       []byte             `json:"state_hash"`
	Assets          []AssetSnapshot    `json:"assets"`
	Positions       []PositionSnapshot `json:"positions"`
	IdempotencyKeys []string           `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time          `json:"created_at"`
}

type AssetSnapshot struct {
	Asset             string `json:"asset"`
	SupplyReceiptID   string `json:"supply_receipt_id"`
	DebtReceiptID     string `json:"debt_receipt_id"`
	TotalSupplyShares string `json:"total_supply_shares"`
	TotalDebtShares   string `json:"total_debt_shares"`
}

type PositionSnapshot struct {
	Principal    string `json:"principal"`
	Asset        string `json:"asset"`
	SupplyShares string `json:"supply_shares"`
	DebtShares   string `json:"debt_shares"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotFromState converts the pool's snapshot into its stored form.
func SnapshotFromState(s *core.SnapshotState, now time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Assets:          make([]AssetSnapshot, 0, len(s.Assets)),
		Positions:       make([]PositionSnapshot, 0, len(s.Positions)),
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       now,
	}
	for _, a := range s.Assets {
		data.Assets = append(data.Assets, AssetSnapshot{
			Asset:             a.Asset,
			SupplyReceiptID:   a.SupplyReceiptID,
			DebtReceiptID:     a.DebtReceiptID,
			TotalSupplyShares: a.TotalSupplyShares.Dec(),
			TotalDebtShares:   a.TotalDebtShares.Dec(),
		})
	}
	for _, p := range s.Positions {
		data.Positions = append(data.Positions, PositionSnapshot{
			Principal:    p.Principal.String(),
			Asset:        p.Asset,
			SupplyShares: p.SupplyShares.Dec(),
			DebtShares:   p.DebtShares.Dec(),
		})
	}
	return data
}

// State converts a stored snapshot back into the pool's form.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash is %d bytes", d.Sequence, len(d.StateHash))
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Assets:          make([]core.AssetSnapshot, 0, len(d.Assets)),
		Positions:       make([]state.PrincipalPosition, 0, len(d.Positions)),
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)

	for _, a := range d.Assets {
		supply, err := uint256.FromDecimal(a.TotalSupplyShares)
		if err != nil {
			return nil, fmt.Errorf("asset %s supply shares: %w", a.Asset, err)
		}
		debt, err := uint256.FromDecimal(a.TotalDebtShares)
		if err != nil {
			return nil, fmt.Errorf("asset %s debt shares: %w", a.Asset, err)
		}
		s.Assets = append(s.Assets, core.AssetSnapshot{
			Asset:             a.Asset,
			SupplyReceiptID:   a.SupplyReceiptID,
			DebtReceiptID:     a.DebtReceiptID,
			TotalSupplyShares: supply,
			TotalDebtShares:   debt,
		})
	}
	for _, p := range d.Positions {
		principal, err := uuid.Parse(p.Principal)
		if err != nil {
			return nil, fmt.Errorf("position principal: %w", err)
		}
		supply, err := uint256.FromDecimal(p.SupplyShares)
		if err != nil {
			return nil, fmt.Errorf("position %s/%s supply shares: %w", p.Principal, p.Asset, err)
		}
		debt, err := uint256.FromDecimal(p.DebtShares)
		if err != nil {
			return nil, fmt.Errorf("position %s/%s debt shares: %w", p.Principal, p.Asset, err)
		}
		s.Positions = append(s.Positions, state.PrincipalPosition{
			Principal:    principal,
			Asset:        p.Asset,
			SupplyShares: supply,
			DebtShares:   debt,
		})
	}
	return s, nil
}

// SaveSnapshot persists a snapshot to Postgres. Returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, snapshotFormat, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormat)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, op, idempotency_key, asset, batch_id,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.Op, &e.IdempotencyKey, &e.Asset, &e.BatchID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LoadJournals loads the journals committed in [fromSequence, toSequence].
func (sm *SnapshotManager) LoadJournals(ctx context.Context, fromSequence, toSequence int64) ([]JournalRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence, account, principal,
		       asset, share_kind, shares::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, timestamp ASC
	`, fromSequence, toSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journals []JournalRow
	for rows.Next() {
		var j JournalRow
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.EventRef, &j.Sequence, &j.Account, &j.Principal,
			&j.Asset, &j.ShareKind, &j.Shares, &j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}
	return journals, rows.Err()
}

// LoadReplay loads up to limit logged outcomes from fromSequence together
// with their journals, ready for Pool.Replay.
func (sm *SnapshotManager) LoadReplay(ctx context.Context, fromSequence int64, limit int) ([]core.ReplayRecord, error) {
	events, err := sm.LoadEventsFrom(ctx, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load events from %d: %w", fromSequence, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	journals, err := sm.LoadJournals(ctx, events[0].Sequence, events[len(events)-1].Sequence)
	if err != nil {
		return nil, fmt.Errorf("load journals: %w", err)
	}
	return AssembleReplay(events, journals)
}

// AssembleReplay joins event rows with their journal rows. Journal order
// within a sequence is preserved.
func AssembleReplay(events []EventRow, journals []JournalRow) ([]core.ReplayRecord, error) {
	bySeq := make(map[int64][]JournalRow, len(events))
	for _, j := range journals {
		bySeq[j.Sequence] = append(bySeq[j.Sequence], j)
	}

	records := make([]core.ReplayRecord, 0, len(events))
	for _, e := range events {
		env, err := e.Envelope()
		if err != nil {
			return nil, err
		}
		batch := &ledger.Batch{
			BatchID:   e.BatchID,
			EventRef:  e.IdempotencyKey,
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp.UnixMicro(),
		}
		for _, jr := range bySeq[e.Sequence] {
			j, err := jr.Journal()
			if err != nil {
				return nil, fmt.Errorf("sequence %d: %w", e.Sequence, err)
			}
			if j.BatchID != batch.BatchID {
				return nil, fmt.Errorf("sequence %d: journal %s belongs to batch %s", e.Sequence, j.JournalID, j.BatchID)
			}
			batch.Journals = append(batch.Journals, j)
		}
		records = append(records, core.ReplayRecord{Envelope: env, Batch: batch})
	}
	return records, nil
}

// Envelope rebuilds the outcome envelope from a stored row.
func (e EventRow) Envelope() (*event.EventEnvelope, error) {
	et := event.ParseEventType(e.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("sequence %d: unknown event type %q", e.Sequence, e.EventType)
	}
	if len(e.StateHash) != 32 || len(e.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: malformed hashes", e.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		EventType:      et,
		Asset:          e.Asset,
		Timestamp:      e.Timestamp,
		Payload:        e.Payload,
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	return env, nil
}

// Journal rebuilds the share journal from a stored row.
func (jr JournalRow) Journal() (ledger.Journal, error) {
	account, err := ledger.ParseAccountPath(jr.Account)
	if err != nil {
		return ledger.Journal{}, err
	}
	shares, err := uint256.FromDecimal(jr.Shares)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal %s shares %q: %w", jr.JournalID, jr.Shares, err)
	}
	return ledger.Journal{
		JournalID:   jr.JournalID,
		BatchID:     jr.BatchID,
		EventRef:    jr.EventRef,
		Sequence:    jr.Sequence,
		Account:     account,
		Shares:      shares,
		JournalType: ledger.JournalType(jr.JournalType),
		Timestamp:   jr.Timestamp,
	}, nil
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
