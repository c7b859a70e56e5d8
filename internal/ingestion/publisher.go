package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"LoanLedger/internal/event"
	"LoanLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectRoot is the outbound subject root: loan.events.<event_type>.<pool_id>
const EventSubjectRoot = "loan.events"

// streamPublisher is the part of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Failures are logged and counted; consumers can always fall back
// to the event log.
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan *event.EventEnvelope
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// PublishedEvent is the wire form of an outbound event.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Command        string          `json:"command,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	PoolID         string          `json:"pool_id"`
	LoanID         uint64          `json:"loan_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js streamPublisher, inputChan <-chan *event.EventEnvelope, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("publisher"),
	}
}

func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, env); err != nil {
				op.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// Subject returns the outbound subject for env.
func Subject(env *event.EventEnvelope) string {
	return fmt.Sprintf("%s.%s.%s", EventSubjectRoot, env.EventType, env.PoolID)
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(PublishedEvent{
		Sequence:       env.Sequence,
		EventID:        env.EventID.String(),
		EventType:      env.EventType.String(),
		Command:        env.Command,
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID.String(),
		LoanID:         env.LoanID,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Msg-Id lets JetStream drop a republished event within its dedup window.
	_, err = op.js.Publish(ctx, Subject(env), data, jetstream.WithMsgID(env.EventID.String()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	if _, err := js.CreateOrUpdateStream(ctx, streamConfig("LOAN_EVENTS", EventSubjectRoot+".>")); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log := observability.NewLogger("nats")
	log.Info().Str("stream", "LOAN_EVENTS").Msg("ensured outbound stream")
	return nil
}
