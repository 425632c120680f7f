package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator stamps batches and journal entries with ids and
// timestamps. The clock is injectable so tests can pin time.
type JournalGenerator struct {
	clock func() time.Time
}

func NewJournalGenerator(clock func() time.Time) *JournalGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &JournalGenerator{clock: clock}
}

// NewBatch opens an empty batch for one operation.
func (jg *JournalGenerator) NewBatch(eventRef string) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Timestamp: jg.clock().UnixMicro(),
		Journals:  make([]Journal, 0, 2),
	}
}

// Append records a mint or burn of shares against account in batch.
func (jg *JournalGenerator) Append(batch *Batch, account AccountKey, shares *uint256.Int, jt JournalType) Journal {
	j := Journal{
		JournalID:   uuid.New(),
		BatchID:     batch.BatchID,
		EventRef:    batch.EventRef,
		Sequence:    batch.Sequence,
		Account:     account,
		Shares:      shares.Clone(),
		JournalType: jt,
		Timestamp:   batch.Timestamp,
	}
	batch.Journals = append(batch.Journals, j)
	return j
}

// Seal assigns the committed sequence to the batch and all its journals.
func (jg *JournalGenerator) Seal(batch *Batch, sequence int64) {
	batch.Sequence = sequence
	for i := range batch.Journals {
		batch.Journals[i].Sequence = sequence
	}
}
