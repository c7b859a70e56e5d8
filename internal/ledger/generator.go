package ledger

import (
	"LoanLedger/internal/event"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FromEnvelope derives the cash journal of a committed event. Only draws and
// repayments move cash; every other event returns a nil batch. Write-offs
// change the valuation, not the books, and are left out.
func FromEnvelope(env *event.EventEnvelope) (*Batch, error) {
	switch env.EventType {
	case event.EventTypeLoanBorrowed, event.EventTypeLoanRepaid:
	default:
		return nil, nil
	}

	payload, err := env.Decode()
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		BatchID:   env.EventID,
		PoolID:    env.PoolID,
		EventRef:  env.IdempotencyKey,
		Sequence:  env.Sequence,
		Timestamp: env.Timestamp,
	}

	reserve := NewPoolAccountKey(env.PoolID, SubTypeReserve)
	principal := NewLoanAccountKey(env.PoolID, env.LoanID)

	switch p := payload.(type) {
	case *event.LoanBorrowed:
		// Disbursement: pool:reserve -> loan:principal
		batch.add(principal, reserve, p.Cash, JournalTypeDisbursement)

	case *event.LoanRepaid:
		// Repayment legs all land in the reserve.
		batch.add(reserve, principal, p.Repaid.Principal, JournalTypePrincipalRepayment)
		batch.add(reserve, NewPoolAccountKey(env.PoolID, SubTypeInterestIncome),
			p.Repaid.Interest, JournalTypeInterestRepayment)
		batch.add(reserve, NewPoolAccountKey(env.PoolID, SubTypeUnscheduledIncome),
			p.Repaid.Unscheduled, JournalTypeUnscheduledRepayment)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// add appends a leg, skipping zero amounts.
func (b *Batch) add(debit, credit AccountKey, amount decimal.Decimal, jt JournalType) {
	if !amount.IsPositive() {
		return
	}
	leg := len(b.Journals)
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte{byte(leg)}),
		BatchID:       b.BatchID,
		Leg:           leg,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}
