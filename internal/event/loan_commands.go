package event

import (
	"LoanLedger/internal/state"

	"github.com/shopspring/decimal"
)

// CreateLoan registers a loan in Created state.
type CreateLoan struct {
	Header
	Borrower string         `json:"borrower"`
	Info     state.LoanInfo `json:"info"`
}

func (*CreateLoan) CommandType() CommandType { return CommandTypeCreateLoan }

// Borrow draws Amount (a quantity for externally priced loans).
// SettlementPrice is only used by external loans; zero means par.
type Borrow struct {
	Header
	LoanID          uint64          `json:"loan_id"`
	Amount          decimal.Decimal `json:"amount"`
	SettlementPrice decimal.Decimal `json:"settlement_price"`
}

func (*Borrow) CommandType() CommandType { return CommandTypeBorrow }

type Repay struct {
	Header
	LoanID uint64          `json:"loan_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (*Repay) CommandType() CommandType { return CommandTypeRepay }

// ApplyWriteOff evaluates the pool policy against the loan.
type ApplyWriteOff struct {
	Header
	LoanID uint64 `json:"loan_id"`
}

func (*ApplyWriteOff) CommandType() CommandType { return CommandTypeApplyWriteOff }

// AdminWriteOff forces a status at least as severe as the policy result.
type AdminWriteOff struct {
	Header
	LoanID uint64               `json:"loan_id"`
	Status state.WriteOffStatus `json:"status"`
}

func (*AdminWriteOff) CommandType() CommandType { return CommandTypeAdminWriteOff }

type CloseLoan struct {
	Header
	LoanID uint64 `json:"loan_id"`
}

func (*CloseLoan) CommandType() CommandType { return CommandTypeCloseLoan }

type MutateLoan struct {
	Header
	LoanID   uint64             `json:"loan_id"`
	Mutation state.LoanMutation `json:"mutation"`
}

func (*MutateLoan) CommandType() CommandType { return CommandTypeMutateLoan }

// TransferDebt repays RepayAmount on one loan and draws BorrowAmount on
// another loan of the same borrower in one operation. The cash repaid must
// equal the cash drawn. BorrowAmount is a quantity for external loans.
type TransferDebt struct {
	Header
	FromLoanID      uint64          `json:"from_loan_id"`
	ToLoanID        uint64          `json:"to_loan_id"`
	RepayAmount     decimal.Decimal `json:"repay_amount"`
	BorrowAmount    decimal.Decimal `json:"borrow_amount"`
	SettlementPrice decimal.Decimal `json:"settlement_price"`
}

func (*TransferDebt) CommandType() CommandType { return CommandTypeTransferDebt }
