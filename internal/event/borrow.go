package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Borrow records debt taken against the pool's aggregate position and
// delivered to Principal.
type Borrow struct {
	RequestID string
	Principal uuid.UUID
	Asset     string
	Amount    *uint256.Int
	Shares    *uint256.Int
	Timestamp time.Time
}

func (b *Borrow) IdempotencyKey() string {
	return b.RequestID
}

func (b *Borrow) EventType() EventType {
	return EventTypeBorrow
}

func (b *Borrow) AssetKey() string {
	return b.Asset
}

func (b *Borrow) PrincipalID() uuid.UUID     { return b.Principal }
func (b *Borrow) AmountMoved() *uint256.Int { return b.Amount }
func (b *Borrow) SharesMoved() *uint256.Int { return b.Shares }
