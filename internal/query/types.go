package query

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// AssetResponse describes one onboarded asset. Share totals are decimal
// strings; TotalSupplied and TotalBorrowed are only filled by live reads.
type AssetResponse struct {
	Asset             string `json:"asset"`
	SupplyReceiptID   string `json:"supply_receipt_id"`
	DebtReceiptID     string `json:"debt_receipt_id"`
	TotalSupplyShares string `json:"total_supply_shares"`
	TotalDebtShares   string `json:"total_debt_shares"`
	TotalSupplied     string `json:"total_supplied,omitempty"`
	TotalBorrowed     string `json:"total_borrowed,omitempty"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// PositionResponse is a projected position.
type PositionResponse struct {
	Principal    uuid.UUID `json:"principal"`
	Asset        string    `json:"asset"`
	SupplyShares string    `json:"supply_shares"`
	DebtShares   string    `json:"debt_shares"`
	LastSequence int64     `json:"last_sequence"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// ActivityResponse is one entry of a principal's operation history.
type ActivityResponse struct {
	Sequence   int64     `json:"sequence"`
	EventType  string    `json:"event_type"`
	RequestID  string    `json:"request_id"`
	Principal  uuid.UUID `json:"principal"`
	Asset      string    `json:"asset"`
	Requested  string    `json:"requested"`
	Amount     string    `json:"amount"`
	Shares     string    `json:"shares"`
	Adjustment string    `json:"adjustment"`
	Timestamp  time.Time `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID   string `json:"journal_id"`
	BatchID     string `json:"batch_id"`
	EventRef    string `json:"event_ref"`
	Sequence    int64  `json:"sequence"`
	Account     string `json:"account"`
	Asset       string `json:"asset"`
	ShareKind   string `json:"share_kind"`
	Shares      string `json:"shares"`
	JournalType string `json:"journal_type"`
	Timestamp   int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool            `json:"is_healthy"`
	HashChainBreaks []int64         `json:"hash_chain_breaks,omitempty"`
	ShareMismatches []ShareMismatch `json:"share_mismatches,omitempty"`
}

// ShareMismatch is an asset whose projected total differs from the sum of
// its projected positions.
type ShareMismatch struct {
	Asset string `json:"asset"`
	Kind  string `json:"kind"`
	Total string `json:"total"`
	Sum   string `json:"sum"`
}
