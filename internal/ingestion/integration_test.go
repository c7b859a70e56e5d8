package ingestion_test

import (
	"context"
	"testing"
	"time"

	"LoanLedger/internal/core"
	"LoanLedger/internal/event"
	"LoanLedger/internal/ingestion"
	"LoanLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSubmitter hands every command to the test goroutine.
type chanSubmitter chan event.Command

func (c chanSubmitter) Submit(ctx context.Context, cmd event.Command) (*core.Result, error) {
	select {
	case c <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &core.Result{Op: cmd.CommandType()}, nil
}

func purge(t *testing.T, ctx context.Context, js jetstream.JetStream, name string) {
	t.Helper()
	stream, err := js.Stream(ctx, name)
	require.NoError(t, err)
	require.NoError(t, stream.Purge(ctx))
}

func TestIntegration_NATSCommandRoundTrip(t *testing.T) {
	_, js := testutil.SetupTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, ingestion.EnsureStreams(ctx, js))
	require.NoError(t, ingestion.EnsureOutboundStream(ctx, js))
	purge(t, ctx, js, "LOAN_COMMANDS")
	purge(t, ctx, js, "LOAN_EVENTS")

	raw := make(chan ingestion.RawMessage, 8)
	sub := ingestion.NewNATSSubscriber(js, raw)
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultSubjects()))
	defer sub.Stop()

	submitted := make(chanSubmitter, 1)
	go ingestion.NewDispatcher(submitted, nil).Run(ctx, raw)

	_, err := js.Publish(ctx, ingestion.CommandSubjectRoot+".Borrow", borrowJSON(t))
	require.NoError(t, err)

	select {
	case cmd := <-submitted:
		borrow, ok := cmd.(*event.Borrow)
		require.True(t, ok, "got %T", cmd)
		assert.Equal(t, "b-1", borrow.IdempotencyKey())
		assert.Equal(t, uint64(1), borrow.LoanID)
	case <-ctx.Done():
		t.Fatal("command not delivered")
	}

	// Outbound: a committed event lands on loan.events.<type>.<pool>.
	out := make(chan *event.EventEnvelope, 1)
	go ingestion.NewOutboundPublisher(js, out, nil).Run(ctx)

	env, err := event.NewEnvelope("b-1", uuid.MustParse(testPool), 1, time.Now().UTC(), &event.LoanClosed{LoanID: 1})
	require.NoError(t, err)
	env.Sequence = 1
	out <- env

	consumer, err := js.OrderedConsumer(ctx, "LOAN_EVENTS", jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ingestion.Subject(env)},
	})
	require.NoError(t, err)
	msg, err := consumer.Next(jetstream.FetchMaxWait(5 * time.Second))
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data()), `"event_type":"LoanClosed"`)
}
