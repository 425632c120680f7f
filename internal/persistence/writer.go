package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/ledger"

	"github.com/google/uuid"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes outcomes and share journals to Postgres using
// multi-row INSERT. Writes are idempotent on the primary keys, so a batch
// retried after a partial failure lands exactly once.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	Op             *string // nil for onboarding outcomes
	IdempotencyKey string
	Asset          string
	BatchID        uuid.UUID
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string
	Sequence    int64
	Account     string
	Principal   uuid.UUID
	Asset       string
	ShareKind   string
	Shares      string // decimal
	JournalType int32
	Timestamp   int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens one committed outcome into its table rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
	if op, ok := core.OpForEvent(env.EventType); ok {
		s := string(op)
		row.Op = &s
	}
	if out.Batch == nil {
		return row, nil
	}

	row.BatchID = out.Batch.BatchID
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, journalRow(j))
	}
	return row, journals
}

func journalRow(j ledger.Journal) JournalRow {
	return JournalRow{
		JournalID:   j.JournalID,
		BatchID:     j.BatchID,
		EventRef:    j.EventRef,
		Sequence:    j.Sequence,
		Account:     j.Account.AccountPath(),
		Principal:   j.Account.Principal,
		Asset:       j.Account.Asset,
		ShareKind:   j.Account.Kind.String(),
		Shares:      j.Shares.Dec(),
		JournalType: int32(j.JournalType),
		Timestamp:   j.Timestamp,
	}
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, op, idempotency_key, asset, batch_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.Op, e.IdempotencyKey, e.Asset,
			e.BatchID, string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, account, principal, asset, share_kind, shares, journal_type, timestamp)
		VALUES `

	const cols = 11
	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.Account, j.Principal, j.Asset, j.ShareKind,
			j.Shares, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
