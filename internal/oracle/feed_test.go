package oracle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"LoanLedger/internal/oracle"
	"LoanLedger/internal/state"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryFeed_KeepsNewest(t *testing.T) {
	f := oracle.NewMemoryFeed()
	ctx := context.Background()

	_, err := f.Quote(ctx, "bond-1")
	assert.ErrorIs(t, err, oracle.ErrPriceNotFound)

	assert.True(t, f.Set("bond-1", state.PriceQuote{Price: decimal.RequireFromString("0.97"), AsOf: asOf}))
	assert.False(t, f.Set("bond-1", state.PriceQuote{Price: decimal.RequireFromString("0.5"), AsOf: asOf.Add(-time.Hour)}))

	q, err := f.Quote(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, "0.97", q.Price.String())
}

func TestRedisFeed_Quote(t *testing.T) {
	db, mock := redismock.NewClientMock()
	feed := oracle.NewRedisFeed(db)

	mock.ExpectHGetAll("oracle:price:bond-1").SetVal(map[string]string{
		"price": "0.985",
		"as_of": asOf.Format(time.RFC3339Nano),
	})
	q, err := feed.Quote(context.Background(), "bond-1")
	require.NoError(t, err)
	assert.Equal(t, "0.985", q.Price.String())
	assert.True(t, q.AsOf.Equal(asOf))

	mock.ExpectHGetAll("oracle:price:missing").SetVal(map[string]string{})
	_, err = feed.Quote(context.Background(), "missing")
	assert.ErrorIs(t, err, oracle.ErrPriceNotFound)

	mock.ExpectHGetAll("oracle:price:down").SetErr(errors.New("connection refused"))
	_, err = feed.Quote(context.Background(), "down")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, oracle.ErrPriceNotFound)

	mock.ExpectHGetAll("oracle:price:bad").SetVal(map[string]string{"price": "abc", "as_of": "x"})
	_, err = feed.Quote(context.Background(), "bad")
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisFeed_StoreThenQuote(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	feed := oracle.NewRedisFeed(client)
	ctx := context.Background()
	require.NoError(t, feed.Store(ctx, "bond-2", state.PriceQuote{Price: decimal.RequireFromString("1.02"), AsOf: asOf}))

	q, err := feed.Quote(ctx, "bond-2")
	require.NoError(t, err)
	assert.Equal(t, "1.02", q.Price.String())
	assert.True(t, q.AsOf.Equal(asOf))
}

func TestOpenRedis(t *testing.T) {
	s := miniredis.RunT(t)
	s.RequireAuth("secret")

	client, err := oracle.OpenRedis(s.Addr(), "secret", 0)
	require.NoError(t, err)
	_ = client.Close()

	_, err = oracle.OpenRedis(s.Addr(), "wrong", 0)
	assert.ErrorContains(t, err, "redis ping")
}

func TestChain_FallsThroughNotFound(t *testing.T) {
	first := oracle.NewMemoryFeed()
	second := oracle.NewMemoryFeed()
	second.Set("bond-1", state.PriceQuote{Price: decimal.NewFromInt(1), AsOf: asOf})

	q, err := oracle.Chain{first, second}.Quote(context.Background(), "bond-1")
	require.NoError(t, err)
	assert.Equal(t, "1", q.Price.String())

	_, err = oracle.Chain{first}.Quote(context.Background(), "bond-1")
	assert.ErrorIs(t, err, oracle.ErrPriceNotFound)
}
