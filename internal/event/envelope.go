package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for outbound loan events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLoanCreated
	EventTypeLoanBorrowed
	EventTypeLoanRepaid
	EventTypeLoanWrittenOff
	EventTypeLoanClosed
	EventTypeLoanMutated
	EventTypePortfolioValuationUpdated
	EventTypeWriteOffPolicyUpdated
)

func (et EventType) String() string {
	switch et {
	case EventTypeLoanCreated:
		return "LoanCreated"
	case EventTypeLoanBorrowed:
		return "LoanBorrowed"
	case EventTypeLoanRepaid:
		return "LoanRepaid"
	case EventTypeLoanWrittenOff:
		return "LoanWrittenOff"
	case EventTypeLoanClosed:
		return "LoanClosed"
	case EventTypeLoanMutated:
		return "LoanMutated"
	case EventTypePortfolioValuationUpdated:
		return "PortfolioValuationUpdated"
	case EventTypeWriteOffPolicyUpdated:
		return "WriteOffPolicyUpdated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeLoanCreated; et <= EventTypeWriteOffPolicyUpdated; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

// EventEnvelope wraps every event emitted by the engine
type EventEnvelope struct {
	// Engine-wide monotonic sequence
	Sequence int64 `json:"sequence"`

	EventID uuid.UUID `json:"event_id"`

	// Idempotency key of the command that produced this event
	IdempotencyKey string `json:"idempotency_key"`

	// Name of the command that produced this event
	Command string `json:"command,omitempty"`

	EventType EventType `json:"event_type"`

	PoolID uuid.UUID `json:"pool_id"`

	// Zero for pool-level events
	LoanID uint64 `json:"loan_id,omitempty"`

	// Operation timestamp (the command's, never wall-clock inside the engine)
	Timestamp time.Time `json:"timestamp"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`

	// SHA-256 chain over committed operations
	StateHash [32]byte `json:"-"`
	PrevHash  [32]byte `json:"-"`
}

// Payload is implemented by every event body.
type Payload interface {
	EventType() EventType
}

// NewEnvelope encodes p. Sequence and hashes are assigned by the engine.
func NewEnvelope(idempotencyKey string, poolID uuid.UUID, loanID uint64, at time.Time, p Payload) (*EventEnvelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.EventType(), err)
	}
	return &EventEnvelope{
		EventID:        uuid.New(),
		IdempotencyKey: idempotencyKey,
		EventType:      p.EventType(),
		PoolID:         poolID,
		LoanID:         loanID,
		Timestamp:      at,
		Payload:        data,
	}, nil
}

// Decode unmarshals the payload into a value of the envelope's type.
func (e *EventEnvelope) Decode() (Payload, error) {
	var p Payload
	switch e.EventType {
	case EventTypeLoanCreated:
		p = &LoanCreated{}
	case EventTypeLoanBorrowed:
		p = &LoanBorrowed{}
	case EventTypeLoanRepaid:
		p = &LoanRepaid{}
	case EventTypeLoanWrittenOff:
		p = &LoanWrittenOff{}
	case EventTypeLoanClosed:
		p = &LoanClosed{}
	case EventTypeLoanMutated:
		p = &LoanMutated{}
	case EventTypePortfolioValuationUpdated:
		p = &PortfolioValuationUpdated{}
	case EventTypeWriteOffPolicyUpdated:
		p = &WriteOffPolicyUpdated{}
	default:
		return nil, fmt.Errorf("unknown event type %d", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.EventType, err)
	}
	return p, nil
}
