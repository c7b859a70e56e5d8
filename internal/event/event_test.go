package event_test

import (
	"testing"
	"time"

	"LoanLedger/internal/event"
	"LoanLedger/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pool = uuid.MustParse("4b1a7d8e-2f57-4c1e-9b39-5d0c6f1a2e10")

func TestEnvelope_RoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	repaid := state.RepaidAmount{
		Principal:   decimal.Zero,
		Interest:    decimal.RequireFromString("51.27"),
		Unscheduled: decimal.RequireFromString("448.73"),
	}
	env, err := event.NewEnvelope("k-1", pool, 7, at, &event.LoanRepaid{LoanID: 7, Repaid: repaid})
	require.NoError(t, err)
	assert.Equal(t, event.EventTypeLoanRepaid, env.EventType)
	assert.NotEqual(t, uuid.Nil, env.EventID)

	p, err := env.Decode()
	require.NoError(t, err)
	got, ok := p.(*event.LoanRepaid)
	require.True(t, ok)
	assert.EqualValues(t, 7, got.LoanID)
	assert.True(t, got.Repaid.Total().Equal(decimal.NewFromInt(500)))
}

func TestEnvelope_DecodeUnknown(t *testing.T) {
	env := &event.EventEnvelope{EventType: event.EventTypeUnknown}
	_, err := env.Decode()
	assert.Error(t, err)
}

func TestHeader_Stamp(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	cmd := &event.Repay{Header: event.Header{PoolID: pool}}
	cmd.Stamp(at)
	assert.Equal(t, at, cmd.Timestamp())

	cmd.Stamp(at.Add(time.Hour))
	assert.Equal(t, at, cmd.Timestamp(), "explicit timestamps are kept")

	var c event.Command = cmd
	assert.Equal(t, event.CommandTypeRepay, c.CommandType())
	assert.Equal(t, "Repay", c.CommandType().String())
}

func TestChannelSink_DropsWhenFull(t *testing.T) {
	ch := make(chan *event.EventEnvelope, 1)
	dropped := 0
	sink := event.NewChannelSink(ch, false, func(*event.EventEnvelope) { dropped++ })

	sink.Emit(&event.EventEnvelope{Sequence: 1})
	sink.Emit(&event.EventEnvelope{Sequence: 2})

	assert.Equal(t, 1, dropped)
	assert.EqualValues(t, 1, (<-ch).Sequence)
}

func TestFanOut(t *testing.T) {
	a, b := event.NewRecorder(), event.NewRecorder()
	event.FanOut{a, b}.Emit(&event.EventEnvelope{EventType: event.EventTypeLoanClosed})

	assert.Equal(t, []event.EventType{event.EventTypeLoanClosed}, a.Types())
	assert.Len(t, b.Events(), 1)
}

func TestParseTypes(t *testing.T) {
	assert.Equal(t, event.EventTypeLoanWrittenOff, event.ParseEventType("LoanWrittenOff"))
	assert.Equal(t, event.EventTypeUnknown, event.ParseEventType("TradeFill"))
	assert.Equal(t, event.CommandTypeUpdateWriteOffPolicy, event.ParseCommandType("UpdateWriteOffPolicy"))
	assert.Equal(t, event.CommandTypeTransferDebt, event.ParseCommandType("TransferDebt"))
	assert.Equal(t, event.CommandTypeUnknown, event.ParseCommandType(""))
}
