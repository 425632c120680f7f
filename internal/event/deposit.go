// internal/event/deposit.go
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Deposit records a supply: Amount went into the market on the pool's
// behalf and Shares were minted to Principal.
type Deposit struct {
	RequestID string
	Principal uuid.UUID
	Asset     string
	Amount    *uint256.Int
	Shares    *uint256.Int
	Timestamp time.Time
}

func (d *Deposit) IdempotencyKey() string {
	return d.RequestID
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) AssetKey() string {
	return d.Asset
}

func (d *Deposit) PrincipalID() uuid.UUID     { return d.Principal }
func (d *Deposit) AmountMoved() *uint256.Int { return d.Amount }
func (d *Deposit) SharesMoved() *uint256.Int { return d.Shares }
