package store

import (
	"context"

	"LoanLedger/internal/state"

	"github.com/google/uuid"
)

// Store is the durable home of loans, pools and rate buckets. Apply must
// persist a batch atomically: either every record lands or none does.
type Store interface {
	GetLoan(ctx context.Context, poolID uuid.UUID, loanID uint64) (*state.Loan, error)
	// IterateLoans visits a pool's loans in ascending loan id order.
	IterateLoans(ctx context.Context, poolID uuid.UUID, fn func(*state.Loan) error) error
	GetPool(ctx context.Context, poolID uuid.UUID) (*state.PoolRecord, error)
	ListPools(ctx context.Context) ([]uuid.UUID, error)
	LoadRateBuckets(ctx context.Context) ([]state.RateBucket, state.RateID, error)
	// ChainTip is the sequence and hash of the last committed event.
	ChainTip(ctx context.Context) (ChainTip, error)
	Apply(ctx context.Context, b *Batch) error
}

// Batch is every record touched by one operation.
type Batch struct {
	Loans        []*state.Loan
	Pools        []*state.PoolRecord
	RateUpserts  []state.RateBucket
	RateReleased []state.RateID
	LastRateID   state.RateID
	// Tip is set when the batch carries events.
	Tip *ChainTip
}

// ChainTip is the head of the event hash chain.
type ChainTip struct {
	Sequence int64
	Hash     [32]byte
}

func (b *Batch) IsEmpty() bool {
	return len(b.Loans) == 0 && len(b.Pools) == 0 && len(b.RateUpserts) == 0 && len(b.RateReleased) == 0 && b.Tip == nil
}
