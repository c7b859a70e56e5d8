package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"LoanLedger/internal/event"
	"LoanLedger/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnknownSubject is returned for subjects outside the command and price roots.
var ErrUnknownSubject = errors.New("unknown subject")

// ResolveSubject splits a subject into its kind and name. For commands the
// name is the command type, for prices it is the price id (which may itself
// contain dots).
func ResolveSubject(subject string) (MessageKind, string, error) {
	switch {
	case strings.HasPrefix(subject, CommandSubjectRoot+"."):
		rest := strings.TrimPrefix(subject, CommandSubjectRoot+".")
		name, _, _ := strings.Cut(rest, ".")
		if name == "" {
			return KindUnknown, "", fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
		}
		return KindCommand, name, nil
	case strings.HasPrefix(subject, PriceSubjectRoot+"."):
		id := strings.TrimPrefix(subject, PriceSubjectRoot+".")
		if id == "" {
			return KindUnknown, "", fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
		}
		return KindPrice, id, nil
	default:
		return KindUnknown, "", fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
}

// ParseCommand decodes a JSON payload into the typed command named by
// commandType.
func ParseCommand(commandType string, data []byte) (event.Command, error) {
	switch event.ParseCommandType(commandType) {
	case event.CommandTypeCreateLoan:
		return parseCreateLoan(data)
	case event.CommandTypeBorrow:
		return parseBorrow(data)
	case event.CommandTypeRepay:
		return parseRepay(data)
	case event.CommandTypeApplyWriteOff:
		return parseApplyWriteOff(data)
	case event.CommandTypeAdminWriteOff:
		return parseAdminWriteOff(data)
	case event.CommandTypeCloseLoan:
		return parseCloseLoan(data)
	case event.CommandTypeMutateLoan:
		return parseMutateLoan(data)
	case event.CommandTypeUpdatePortfolioValuation:
		return parseUpdatePortfolioValuation(data)
	case event.CommandTypeUpdateWriteOffPolicy:
		return parseUpdateWriteOffPolicy(data)
	case event.CommandTypeTransferDebt:
		return parseTransferDebt(data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings; timestamps are unix microseconds, zero meaning "stamp on
// receipt".

type headerJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	PoolID         string `json:"pool_id"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func (h headerJSON) header() (event.Header, error) {
	poolID, err := uuid.Parse(h.PoolID)
	if err != nil {
		return event.Header{}, fmt.Errorf("parse pool_id: %w", err)
	}
	hdr := event.Header{Key: h.IdempotencyKey, PoolID: poolID}
	if h.TimestampUs > 0 {
		hdr.At = time.UnixMicro(h.TimestampUs).UTC()
	}
	return hdr, nil
}

type loanRefJSON struct {
	headerJSON
	LoanID uint64 `json:"loan_id"`
}

func (j loanRefJSON) header() (event.Header, uint64, error) {
	hdr, err := j.headerJSON.header()
	if err != nil {
		return event.Header{}, 0, err
	}
	if j.LoanID == 0 {
		return event.Header{}, 0, errors.New("loan_id is required")
	}
	return hdr, j.LoanID, nil
}

func decode(name string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

type createLoanJSON struct {
	headerJSON
	Borrower string         `json:"borrower"`
	Info     state.LoanInfo `json:"info"`
}

func parseCreateLoan(data []byte) (*event.CreateLoan, error) {
	var j createLoanJSON
	if err := decode("CreateLoan", data, &j); err != nil {
		return nil, err
	}
	hdr, err := j.header()
	if err != nil {
		return nil, err
	}
	if j.Borrower == "" {
		return nil, errors.New("borrower is required")
	}
	return &event.CreateLoan{Header: hdr, Borrower: j.Borrower, Info: j.Info}, nil
}

type amountJSON struct {
	loanRefJSON
	Amount          string `json:"amount"`
	SettlementPrice string `json:"settlement_price"`
}

func (j amountJSON) amounts() (decimal.Decimal, decimal.Decimal, error) {
	amount, err := parseDecimal("amount", j.Amount)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	price, err := parseDecimal("settlement_price", j.SettlementPrice)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return amount, price, nil
}

func parseBorrow(data []byte) (*event.Borrow, error) {
	var j amountJSON
	if err := decode("Borrow", data, &j); err != nil {
		return nil, err
	}
	hdr, loanID, err := j.header()
	if err != nil {
		return nil, err
	}
	amount, price, err := j.amounts()
	if err != nil {
		return nil, err
	}
	return &event.Borrow{Header: hdr, LoanID: loanID, Amount: amount, SettlementPrice: price}, nil
}

func parseRepay(data []byte) (*event.Repay, error) {
	var j amountJSON
	if err := decode("Repay", data, &j); err != nil {
		return nil, err
	}
	hdr, loanID, err := j.header()
	if err != nil {
		return nil, err
	}
	amount, _, err := j.amounts()
	if err != nil {
		return nil, err
	}
	return &event.Repay{Header: hdr, LoanID: loanID, Amount: amount}, nil
}

type transferDebtJSON struct {
	headerJSON
	FromLoanID      uint64 `json:"from_loan_id"`
	ToLoanID        uint64 `json:"to_loan_id"`
	RepayAmount     string `json:"repay_amount"`
	BorrowAmount    string `json:"borrow_amount"`
	SettlementPrice string `json:"settlement_price"`
}

func parseTransferDebt(data []byte) (*event.TransferDebt, error) {
	var j transferDebtJSON
	if err := decode("TransferDebt", data, &j); err != nil {
		return nil, err
	}
	hdr, err := j.header()
	if err != nil {
		return nil, err
	}
	if j.FromLoanID == 0 || j.ToLoanID == 0 {
		return nil, errors.New("from_loan_id and to_loan_id are required")
	}
	cmd := &event.TransferDebt{Header: hdr, FromLoanID: j.FromLoanID, ToLoanID: j.ToLoanID}
	if cmd.RepayAmount, err = parseDecimal("repay_amount", j.RepayAmount); err != nil {
		return nil, err
	}
	if cmd.BorrowAmount, err = parseDecimal("borrow_amount", j.BorrowAmount); err != nil {
		return nil, err
	}
	if cmd.SettlementPrice, err = parseDecimal("settlement_price", j.SettlementPrice); err != nil {
		return nil, err
	}
	return cmd, nil
}

func parseApplyWriteOff(data []byte) (*event.ApplyWriteOff, error) {
	var j loanRefJSON
	if err := decode("ApplyWriteOff", data, &j); err != nil {
		return nil, err
	}
	hdr, loanID, err := j.header()
	if err != nil {
		return nil, err
	}
	return &event.ApplyWriteOff{Header: hdr, LoanID: loanID}, nil
}

type adminWriteOffJSON struct {
	loanRefJSON
	Percentage string `json:"percentage"`
	Penalty    string `json:"penalty"`
}

func parseAdminWriteOff(data []byte) (*event.AdminWriteOff, error) {
	var j adminWriteOffJSON
	if err := decode("AdminWriteOff", data, &j); err != nil {
		return nil, err
	}
	hdr, loanID, err := j.header()
	if err != nil {
		return nil, err
	}
	pct, err := parseDecimal("percentage", j.Percentage)
	if err != nil {
		return nil, err
	}
	penalty, err := parseDecimal("penalty", j.Penalty)
	if err != nil {
		return nil, err
	}
	return &event.AdminWriteOff{
		Header: hdr,
		LoanID: loanID,
		Status: state.WriteOffStatus{Percentage: pct, Penalty: penalty},
	}, nil
}

func parseCloseLoan(data []byte) (*event.CloseLoan, error) {
	var j loanRefJSON
	if err := decode("CloseLoan", data, &j); err != nil {
		return nil, err
	}
	hdr, loanID, err := j.header()
	if err != nil {
		return nil, err
	}
	return &event.CloseLoan{Header: hdr, LoanID: loanID}, nil
}

type mutateLoanJSON struct {
	loanRefJSON
	Mutation state.LoanMutation `json:"mutation"`
}

func parseMutateLoan(data []byte) (*event.MutateLoan, error) {
	var j mutateLoanJSON
	if err := decode("MutateLoan", data, &j); err != nil {
		return nil, err
	}
	hdr, loanID, err := j.header()
	if err != nil {
		return nil, err
	}
	return &event.MutateLoan{Header: hdr, LoanID: loanID, Mutation: j.Mutation}, nil
}

func parseUpdatePortfolioValuation(data []byte) (*event.UpdatePortfolioValuation, error) {
	var j headerJSON
	if err := decode("UpdatePortfolioValuation", data, &j); err != nil {
		return nil, err
	}
	hdr, err := j.header()
	if err != nil {
		return nil, err
	}
	return &event.UpdatePortfolioValuation{Header: hdr}, nil
}

type writeOffPolicyJSON struct {
	headerJSON
	Rules []state.WriteOffRule `json:"rules"`
}

func parseUpdateWriteOffPolicy(data []byte) (*event.UpdateWriteOffPolicy, error) {
	var j writeOffPolicyJSON
	if err := decode("UpdateWriteOffPolicy", data, &j); err != nil {
		return nil, err
	}
	hdr, err := j.header()
	if err != nil {
		return nil, err
	}
	return &event.UpdateWriteOffPolicy{Header: hdr, Rules: j.Rules}, nil
}

// PriceUpdate is an oracle quote received on loan.prices.<price_id>.
type PriceUpdate struct {
	PriceID string
	Quote   state.PriceQuote
}

type priceUpdateJSON struct {
	Price       string `json:"price"`
	TimestampUs int64  `json:"timestamp_us"`
}

func ParsePriceUpdate(priceID string, data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := decode("PriceUpdate", data, &j); err != nil {
		return PriceUpdate{}, err
	}
	price, err := decimal.NewFromString(j.Price)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price: %w", err)
	}
	if !price.IsPositive() {
		return PriceUpdate{}, fmt.Errorf("price must be positive, got %s", price)
	}
	if j.TimestampUs <= 0 {
		return PriceUpdate{}, errors.New("timestamp_us is required")
	}
	return PriceUpdate{
		PriceID: priceID,
		Quote:   state.PriceQuote{Price: price, AsOf: time.UnixMicro(j.TimestampUs).UTC()},
	}, nil
}
