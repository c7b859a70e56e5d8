package ingestion

import (
	"context"
	"errors"
	"time"

	"LoanLedger/internal/core"
	"LoanLedger/internal/event"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/oracle"
	"LoanLedger/internal/state"

	"github.com/rs/zerolog"
)

// Submitter runs a command on the engine. *core.Runner implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Command) (*core.Result, error)
}

// Dispatcher turns raw NATS messages into engine commands and price
// updates. Malformed messages and deterministic rejections are acked so they
// are not redelivered; transient failures are nakked.
type Dispatcher struct {
	submit  Submitter
	prices  []oracle.PriceStore
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(submit Submitter, metrics *observability.Metrics, prices ...oracle.PriceStore) *Dispatcher {
	return &Dispatcher{
		submit:  submit,
		prices:  prices,
		metrics: metrics,
		log:     observability.NewLogger("dispatcher"),
	}
}

// Run drains rawChan until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or naks it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawMessage) {
	kind, name, err := ResolveSubject(raw.Subject)
	if err != nil {
		d.log.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		raw.AckFunc()
		return
	}

	switch kind {
	case KindCommand:
		d.handleCommand(ctx, raw, name)
	case KindPrice:
		d.handlePrice(ctx, raw, name)
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, raw RawMessage, commandType string) {
	d.countReceived("commands")

	cmd, err := ParseCommand(commandType, raw.Data)
	if err != nil {
		d.countParseError("commands")
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		raw.AckFunc()
		return
	}

	res, err := d.submit.Submit(ctx, cmd)
	if d.metrics != nil {
		d.metrics.IngestToApply.WithLabelValues(commandType).Observe(time.Since(raw.Received).Seconds())
	}
	if err != nil {
		if retryable(err) {
			d.log.Warn().Err(err).Str("op", commandType).Str("key", cmd.IdempotencyKey()).Msg("command failed, will retry")
			raw.NakFunc()
			return
		}
		d.log.Info().Err(err).Str("op", commandType).Str("key", cmd.IdempotencyKey()).
			Str("reason", state.Reason(err)).Msg("command rejected")
		raw.AckFunc()
		return
	}
	if res.Duplicate {
		d.log.Debug().Str("op", commandType).Str("key", cmd.IdempotencyKey()).Msg("duplicate command")
	}
	raw.AckFunc()
}

func (d *Dispatcher) handlePrice(ctx context.Context, raw RawMessage, priceID string) {
	d.countReceived("prices")

	update, err := ParsePriceUpdate(priceID, raw.Data)
	if err != nil {
		d.countParseError("prices")
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse price failed")
		raw.AckFunc()
		return
	}

	for _, p := range d.prices {
		if err := p.Store(ctx, update.PriceID, update.Quote); err != nil {
			d.log.Warn().Err(err).Str("price_id", update.PriceID).Msg("store price failed")
			raw.NakFunc()
			return
		}
	}
	raw.AckFunc()
}

func (d *Dispatcher) countReceived(stream string) {
	if d.metrics != nil {
		d.metrics.IngestReceived.WithLabelValues(stream).Inc()
	}
}

func (d *Dispatcher) countParseError(stream string) {
	if d.metrics != nil {
		d.metrics.IngestParseErrors.WithLabelValues(stream).Inc()
	}
}

// retryable reports whether a redelivery could succeed. Business rejections
// are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, core.ErrRunnerStopped) {
		return true
	}
	switch state.Reason(err) {
	case "oracle_unavailable", "internal":
		return true
	}
	return false
}
