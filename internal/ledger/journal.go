package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDisbursement JournalType = iota
	JournalTypePrincipalRepayment
	JournalTypeInterestRepayment
	JournalTypeUnscheduledRepayment
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDisbursement:
		return "disbursement"
	case JournalTypePrincipalRepayment:
		return "principal_repayment"
	case JournalTypeInterestRepayment:
		return "interest_repayment"
	case JournalTypeUnscheduledRepayment:
		return "unscheduled_repayment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       // Derived from the batch and leg, stable across replays
	BatchID       uuid.UUID       // Event that produced the batch
	Leg           int             // Position within the batch
	EventRef      string          // Idempotency key of source command
	Sequence      int64           // Global event sequence
	DebitAccount  AccountKey      // Account receiving debit (balance increases)
	CreditAccount AccountKey      // Account receiving credit (balance decreases)
	Amount        decimal.Decimal // Always positive
	JournalType   JournalType
	Timestamp     time.Time
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	PoolID    uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp time.Time
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from its credit account to its debit account, so debits equal
// credits per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.PoolID != b.PoolID || j.CreditAccount.PoolID != b.PoolID {
			return fmt.Errorf("journal %s crosses pools", j.JournalID)
		}
	}

	return nil
}
