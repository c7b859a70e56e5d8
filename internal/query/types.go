package query

import (
	"encoding/json"
	"time"

	"LoanLedger/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanResponse is a loan as seen at AsOf. Debt and value are computed on
// read; ValueError is set instead of CurrentValue when pricing failed.
type LoanResponse struct {
	PoolID          uuid.UUID            `json:"pool_id"`
	LoanID          uint64               `json:"loan_id"`
	Status          string               `json:"status"`
	Borrower        string               `json:"borrower"`
	Pricing         string               `json:"pricing"`
	Maturity        time.Time            `json:"maturity"`
	OriginationDate *time.Time           `json:"origination_date,omitempty"`
	InterestRate    string               `json:"interest_rate"`
	WriteOff        state.WriteOffStatus `json:"write_off"`
	TotalBorrowed   decimal.Decimal      `json:"total_borrowed"`
	TotalRepaid     state.RepaidAmount   `json:"total_repaid"`
	Debt            decimal.Decimal      `json:"debt"`
	CurrentValue    *decimal.Decimal     `json:"current_value,omitempty"`
	ValueError      string               `json:"value_error,omitempty"`
	Version         int64                `json:"version"`
	AsOf            time.Time            `json:"as_of"`
	AsOfSequence    int64                `json:"as_of_sequence"`
}

// PortfolioResponse is the cached valuation of a pool.
type PortfolioResponse struct {
	PoolID       uuid.UUID                  `json:"pool_id"`
	Value        decimal.Decimal            `json:"value"`
	LastUpdated  time.Time                  `json:"last_updated"`
	LoanCount    int                        `json:"loan_count"`
	PerLoan      map[uint64]decimal.Decimal `json:"per_loan"`
	AsOfSequence int64                      `json:"as_of_sequence"`
}

// PoolResponse describes a pool's configuration.
type PoolResponse struct {
	PoolID         uuid.UUID            `json:"pool_id"`
	WriteOffPolicy []state.WriteOffRule `json:"write_off_policy"`
	LastLoanID     uint64               `json:"last_loan_id"`
	Version        int64                `json:"version"`
	AsOfSequence   int64                `json:"as_of_sequence"`
}

// ValuationPointResponse is one entry of a pool's valuation history.
type ValuationPointResponse struct {
	Sequence  int64           `json:"sequence"`
	Value     decimal.Decimal `json:"value"`
	LoanCount int             `json:"loan_count"`
	ValuedAt  time.Time       `json:"valued_at"`
}

// ActivityResponse is one entry of a loan's activity.
type ActivityResponse struct {
	Sequence  int64            `json:"sequence"`
	EventType string           `json:"event_type"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	DebtAfter *decimal.Decimal `json:"debt_after,omitempty"`
	At        time.Time        `json:"at"`
}

// HistoryResponse wraps projection rows with the projection watermark.
type HistoryResponse[T any] struct {
	Items        []T   `json:"items"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// EventResponse is one committed event as recorded in the event log.
type EventResponse struct {
	Sequence  int64           `json:"sequence"`
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	Command   string          `json:"command,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	StateHash string          `json:"state_hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of a hash chain verification.
type IntegrityReport struct {
	IsHealthy       bool   `json:"is_healthy"`
	EventsChecked   int64  `json:"events_checked"`
	FirstBreak      *int64 `json:"first_break,omitempty"`
	EngineSequence  int64  `json:"engine_sequence"`
	LoggedSequence  int64  `json:"logged_sequence"`
	EngineStateHash string `json:"engine_state_hash"`
	LedgerBalanced  bool   `json:"ledger_balanced"`
	LedgerError     string `json:"ledger_error,omitempty"`
}

// AccountBalanceResponse is the net balance of one journal account.
type AccountBalanceResponse struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}
