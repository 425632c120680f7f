package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Withdraw records a withdrawal. Amount is what the market actually paid
// out, which may be below Requested; Shares is the net burn after any
// Recredited shares were handed back.
type Withdraw struct {
	RequestID  string
	Principal  uuid.UUID
	Asset      string
	Requested  *uint256.Int
	Amount     *uint256.Int
	Shares     *uint256.Int
	Recredited *uint256.Int
	Timestamp  time.Time
}

func (w *Withdraw) IdempotencyKey() string {
	return w.RequestID
}

func (w *Withdraw) EventType() EventType {
	return EventTypeWithdraw
}

func (w *Withdraw) AssetKey() string {
	return w.Asset
}

func (w *Withdraw) PrincipalID() uuid.UUID     { return w.Principal }
func (w *Withdraw) AmountMoved() *uint256.Int { return w.Amount }
func (w *Withdraw) SharesMoved() *uint256.Int { return w.Shares }
