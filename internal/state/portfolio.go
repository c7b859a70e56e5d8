package state

import (
	"fmt"
	"time"

	fpmath "LoanLedger/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PortfolioValuation is a cached snapshot of a pool's active loan values.
type PortfolioValuation struct {
	Value       decimal.Decimal            `json:"value"`
	LastUpdated time.Time                  `json:"last_updated"`
	PerLoan     map[uint64]decimal.Decimal `json:"per_loan"`
}

// PoolRecord is the per-pool state: write-off policy, cached valuation and
// the loan id allocator.
type PoolRecord struct {
	PoolID         uuid.UUID          `json:"pool_id"`
	WriteOffPolicy []WriteOffRule     `json:"write_off_policy"`
	Valuation      PortfolioValuation `json:"valuation"`
	LastLoanID     uint64             `json:"last_loan_id"`
	Version        int64              `json:"version"`
}

func NewPoolRecord(poolID uuid.UUID, policy []WriteOffRule) *PoolRecord {
	return &PoolRecord{
		PoolID:         poolID,
		WriteOffPolicy: append([]WriteOffRule(nil), policy...),
		Valuation: PortfolioValuation{
			Value:   decimal.Zero,
			PerLoan: map[uint64]decimal.Decimal{},
		},
	}
}

func (p *PoolRecord) Clone() *PoolRecord {
	cp := *p
	cp.WriteOffPolicy = make([]WriteOffRule, len(p.WriteOffPolicy))
	for i, r := range p.WriteOffPolicy {
		cp.WriteOffPolicy[i] = WriteOffRule{
			Triggers: append([]WriteOffTrigger(nil), r.Triggers...),
			Status:   r.Status,
		}
	}
	cp.Valuation.PerLoan = make(map[uint64]decimal.Decimal, len(p.Valuation.PerLoan))
	for id, v := range p.Valuation.PerLoan {
		cp.Valuation.PerLoan[id] = v
	}
	return &cp
}

// NextLoanID allocates the next sequential loan id.
func (p *PoolRecord) NextLoanID() uint64 {
	p.LastLoanID++
	return p.LastLoanID
}

// PortfolioBuilder accumulates per-loan values into a new snapshot. The
// cached snapshot is only replaced once Build succeeds.
type PortfolioBuilder struct {
	at      time.Time
	total   decimal.Decimal
	perLoan map[uint64]decimal.Decimal
}

func NewPortfolioBuilder(at time.Time) *PortfolioBuilder {
	return &PortfolioBuilder{
		at:      at,
		total:   decimal.Zero,
		perLoan: make(map[uint64]decimal.Decimal),
	}
}

func (b *PortfolioBuilder) Add(loanID uint64, value decimal.Decimal) error {
	if _, dup := b.perLoan[loanID]; dup {
		return fmt.Errorf("loan %d valued twice", loanID)
	}
	total := b.total.Add(value)
	if err := fpmath.CheckBounds(total); err != nil {
		return err
	}
	b.total = total
	b.perLoan[loanID] = value
	return nil
}

func (b *PortfolioBuilder) Build() PortfolioValuation {
	return PortfolioValuation{
		Value:       b.total,
		LastUpdated: b.at,
		PerLoan:     b.perLoan,
	}
}
