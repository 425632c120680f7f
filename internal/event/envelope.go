package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAssetOnboarded
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeBorrow
	EventTypeRepay
)

// EventEnvelope wraps every outcome in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the pool
	Sequence int64

	// Request id the outcome answers (deduplication key)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Asset the outcome belongs to
	Asset string

	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// BLAKE3 of state AFTER applying this outcome
	StateHash [32]byte

	// Previous outcome's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all outcome payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AssetKey returns the asset the outcome belongs to
	AssetKey() string
}

// PrincipalEvent is an outcome caused by one principal's operation.
type PrincipalEvent interface {
	Event
	PrincipalID() uuid.UUID
	// AmountMoved is the underlying amount that actually changed hands.
	AmountMoved() *uint256.Int
	// SharesMoved is the net number of shares minted or burned.
	SharesMoved() *uint256.Int
}

func (et EventType) String() string {
	switch et {
	case EventTypeAssetOnboarded:
		return "AssetOnboarded"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeBorrow:
		return "Borrow"
	case EventTypeRepay:
		return "Repay"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	switch s {
	case "AssetOnboarded":
		return EventTypeAssetOnboarded
	case "Deposit":
		return EventTypeDeposit
	case "Withdraw":
		return EventTypeWithdraw
	case "Borrow":
		return EventTypeBorrow
	case "Repay":
		return EventTypeRepay
	default:
		return EventTypeUnknown
	}
}
