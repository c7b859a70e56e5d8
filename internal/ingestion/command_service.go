package ingestion

import (
	"context"
	"fmt"

	"LoanLedger/internal/core"
	"LoanLedger/internal/oracle"
	"LoanLedger/internal/state"
)

// CommandService is the synchronous admin surface used by the HTTP
// gateway. NATS remains the high-throughput path; both end in the same
// runner.
type CommandService struct {
	submit Submitter
	prices []oracle.PriceStore
}

func NewCommandService(submit Submitter, prices ...oracle.PriceStore) *CommandService {
	return &CommandService{submit: submit, prices: prices}
}

// Execute decodes body as the named command and runs it. Malformed input
// is reported as a validation error.
func (s *CommandService) Execute(ctx context.Context, commandType string, body []byte) (*core.Result, error) {
	cmd, err := ParseCommand(commandType, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrValidation, err)
	}
	return s.submit.Submit(ctx, cmd)
}

// InjectPrice records a quote as if it had arrived on loan.prices.<priceID>.
func (s *CommandService) InjectPrice(ctx context.Context, priceID string, body []byte) (PriceUpdate, error) {
	update, err := ParsePriceUpdate(priceID, body)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: %v", state.ErrValidation, err)
	}
	for _, p := range s.prices {
		if err := p.Store(ctx, update.PriceID, update.Quote); err != nil {
			return PriceUpdate{}, fmt.Errorf("store price %s: %w", priceID, err)
		}
	}
	return update, nil
}
