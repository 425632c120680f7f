package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a share journal entry
type JournalType int32

const (
	JournalTypeSupplyMint JournalType = iota
	JournalTypeSupplyBurn
	JournalTypeSupplyRecredit // shares handed back after a short withdrawal
	JournalTypeDebtMint
	JournalTypeDebtBurn
	JournalTypeDebtRecredit // shares handed back after a short repayment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeSupplyMint:
		return "SupplyMint"
	case JournalTypeSupplyBurn:
		return "SupplyBurn"
	case JournalTypeSupplyRecredit:
		return "SupplyRecredit"
	case JournalTypeDebtMint:
		return "DebtMint"
	case JournalTypeDebtBurn:
		return "DebtBurn"
	case JournalTypeDebtRecredit:
		return "DebtRecredit"
	default:
		return "Unknown"
	}
}

// Kind returns the share balance the entry type applies to.
func (jt JournalType) Kind() ShareKind {
	switch jt {
	case JournalTypeDebtMint, JournalTypeDebtBurn, JournalTypeDebtRecredit:
		return ShareKindDebt
	default:
		return ShareKindSupply
	}
}

// IsCredit reports whether the entry increases the balance.
func (jt JournalType) IsCredit() bool {
	switch jt {
	case JournalTypeSupplyBurn, JournalTypeDebtBurn:
		return false
	default:
		return true
	}
}

func (jt JournalType) valid() bool {
	return jt >= JournalTypeSupplyMint && jt <= JournalTypeDebtRecredit
}

// Journal is a single share mint or burn against one account
type Journal struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string       // Idempotency key of the source operation
	Sequence    int64        // Global outcome sequence
	Account     AccountKey   // Account whose shares change
	Shares      *uint256.Int // ALWAYS positive
	JournalType JournalType
	Timestamp   int64 // epoch microseconds
}

// Batch groups the journals produced by one operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. An empty batch is valid: an
// operation may settle without moving any shares.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Shares == nil || j.Shares.IsZero() {
			return fmt.Errorf("journal %s has zero shares", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if !j.JournalType.valid() {
			return fmt.Errorf("journal %s has unknown type %d", j.JournalID, j.JournalType)
		}

		if j.JournalType.Kind() != j.Account.Kind {
			return fmt.Errorf("journal %s: %s entry against %s account", j.JournalID, j.JournalType, j.Account.Kind)
		}
	}

	return nil
}

// NetDelta sums the batch's signed effect on one kind of shares in asset.
// It returns the credited and debited totals separately.
func (b *Batch) NetDelta(asset string, kind ShareKind) (credited, debited *uint256.Int) {
	credited, debited = new(uint256.Int), new(uint256.Int)
	for _, j := range b.Journals {
		if j.Account.Asset != asset || j.Account.Kind != kind {
			continue
		}
		if j.JournalType.IsCredit() {
			credited.Add(credited, j.Shares)
		} else {
			debited.Add(debited, j.Shares)
		}
	}
	return credited, debited
}
