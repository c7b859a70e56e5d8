package oracle

import (
	"context"
	"fmt"
	"time"

	"LoanLedger/internal/state"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const keyPrefix = "oracle:price:"

// RedisFeed reads quotes stored as hashes at oracle:price:<id> with fields
// price (decimal string) and as_of (RFC3339).
type RedisFeed struct {
	client redis.Cmdable
}

func NewRedisFeed(client redis.Cmdable) *RedisFeed {
	return &RedisFeed{client: client}
}

// OpenRedis connects and pings.
func OpenRedis(addr, password string, db int) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return r, nil
}

func priceKey(priceID string) string {
	return keyPrefix + priceID
}

func (f *RedisFeed) Quote(ctx context.Context, priceID string) (state.PriceQuote, error) {
	fields, err := f.client.HGetAll(ctx, priceKey(priceID)).Result()
	if err != nil {
		return state.PriceQuote{}, fmt.Errorf("redis quote %s: %w", priceID, err)
	}
	if len(fields) == 0 {
		return state.PriceQuote{}, ErrPriceNotFound
	}

	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return state.PriceQuote{}, fmt.Errorf("parse price for %s: %w", priceID, err)
	}
	asOf, err := time.Parse(time.RFC3339Nano, fields["as_of"])
	if err != nil {
		return state.PriceQuote{}, fmt.Errorf("parse as_of for %s: %w", priceID, err)
	}
	return state.PriceQuote{Price: price, AsOf: asOf.UTC()}, nil
}

// Store writes q for priceID.
func (f *RedisFeed) Store(ctx context.Context, priceID string, q state.PriceQuote) error {
	return f.client.HSet(ctx, priceKey(priceID),
		"price", q.Price.String(),
		"as_of", q.AsOf.UTC().Format(time.RFC3339Nano),
	).Err()
}
