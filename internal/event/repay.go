package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Repay records a repayment. Requested is the caller's amount before
// clamping to their outstanding debt, Amount is what the market settled and
// Shares the debt shares burned. Refunded is returned to the principal.
type Repay struct {
	RequestID string
	Principal uuid.UUID
	Asset     string
	Requested *uint256.Int
	Amount    *uint256.Int
	Shares    *uint256.Int
	Refunded  *uint256.Int
	Timestamp time.Time
}

func (r *Repay) IdempotencyKey() string {
	return r.RequestID
}

func (r *Repay) EventType() EventType {
	return EventTypeRepay
}

func (r *Repay) AssetKey() string {
	return r.Asset
}

func (r *Repay) PrincipalID() uuid.UUID     { return r.Principal }
func (r *Repay) AmountMoved() *uint256.Int { return r.Amount }
func (r *Repay) SharesMoved() *uint256.Int { return r.Shares }
