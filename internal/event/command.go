package event

import (
	"time"

	"github.com/google/uuid"
)

// CommandType discriminator for inbound commands
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeCreateLoan
	CommandTypeBorrow
	CommandTypeRepay
	CommandTypeApplyWriteOff
	CommandTypeAdminWriteOff
	CommandTypeCloseLoan
	CommandTypeMutateLoan
	CommandTypeUpdatePortfolioValuation
	CommandTypeUpdateWriteOffPolicy
	CommandTypeTransferDebt
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeCreateLoan:
		return "CreateLoan"
	case CommandTypeBorrow:
		return "Borrow"
	case CommandTypeRepay:
		return "Repay"
	case CommandTypeApplyWriteOff:
		return "ApplyWriteOff"
	case CommandTypeAdminWriteOff:
		return "AdminWriteOff"
	case CommandTypeCloseLoan:
		return "CloseLoan"
	case CommandTypeMutateLoan:
		return "MutateLoan"
	case CommandTypeUpdatePortfolioValuation:
		return "UpdatePortfolioValuation"
	case CommandTypeUpdateWriteOffPolicy:
		return "UpdateWriteOffPolicy"
	case CommandTypeTransferDebt:
		return "TransferDebt"
	default:
		return "Unknown"
	}
}

// ParseCommandType is the inverse of String.
func ParseCommandType(s string) CommandType {
	for ct := CommandTypeCreateLoan; ct <= CommandTypeTransferDebt; ct++ {
		if ct.String() == s {
			return ct
		}
	}
	return CommandTypeUnknown
}

// Command is the interface all inbound commands implement
type Command interface {
	// IdempotencyKey returns the stable dedup key (may be empty)
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Pool returns the pool the command targets
	Pool() uuid.UUID

	// Timestamp is the operation time
	Timestamp() time.Time

	// Stamp sets the operation time if the producer left it empty
	Stamp(at time.Time)
}

// Header carries the fields shared by every command.
type Header struct {
	Key    string    `json:"idempotency_key,omitempty"`
	PoolID uuid.UUID `json:"pool_id"`
	At     time.Time `json:"at,omitempty"`
}

func (h *Header) IdempotencyKey() string { return h.Key }
func (h *Header) Pool() uuid.UUID        { return h.PoolID }
func (h *Header) Timestamp() time.Time   { return h.At }

func (h *Header) Stamp(at time.Time) {
	if h.At.IsZero() {
		h.At = at
	}
}
