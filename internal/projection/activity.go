package projection

import (
	"time"

	"PoolLedger/internal/event"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ActivityEntry is one row of a principal's operation history.
type ActivityEntry struct {
	Sequence  int64
	EventType string
	RequestID string
	Principal uuid.UUID
	Asset     string
	Requested *uint256.Int // what the principal asked for
	Amount    *uint256.Int // what actually moved
	Shares    *uint256.Int // net shares minted or burned
	// Adjustment is the re-credited withdraw shares or the refunded repay
	// amount; zero for supply and borrow.
	Adjustment *uint256.Int
	Timestamp  time.Time
}

// NewActivityEntry derives the history row for a principal outcome.
func NewActivityEntry(sequence int64, evt event.PrincipalEvent) ActivityEntry {
	e := ActivityEntry{
		Sequence:   sequence,
		EventType:  evt.EventType().String(),
		RequestID:  evt.IdempotencyKey(),
		Principal:  evt.PrincipalID(),
		Asset:      evt.AssetKey(),
		Requested:  orZero(evt.AmountMoved()),
		Amount:     orZero(evt.AmountMoved()),
		Shares:     orZero(evt.SharesMoved()),
		Adjustment: new(uint256.Int),
	}

	switch v := evt.(type) {
	case *event.Deposit:
		e.Timestamp = v.Timestamp
	case *event.Borrow:
		e.Timestamp = v.Timestamp
	case *event.Withdraw:
		e.Requested = orZero(v.Requested)
		e.Adjustment = orZero(v.Recredited)
		e.Timestamp = v.Timestamp
	case *event.Repay:
		e.Requested = orZero(v.Requested)
		e.Adjustment = orZero(v.Refunded)
		e.Timestamp = v.Timestamp
	}
	return e
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
